package webhook

import (
	"net/url"
	"testing"
	"time"

	"github.com/PratikDhanave/call-advice-service/internal/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalize_FormTranscript(t *testing.T) {
	p := url.Values{
		"CallSid":           {"CA1"},
		"AccountSid":        {"AC1"},
		"TranscriptionText": {"  hello   there "},
		"Transcript":        {"lower priority"},
		"Track":             {"inbound_track"},
		"Final":             {"true"},
		"Timestamp":         {"1767225600"},
		"SegmentSid":        {"SG1"},
	}
	ev := Normalize("Acme", p, fixedNow)

	if ev.CallID != "CA1" || ev.AccountID != "AC1" || ev.Slug != "acme" {
		t.Fatalf("identity = %+v", ev)
	}
	tr := ev.Transcript
	if tr == nil {
		t.Fatal("expected transcript")
	}
	if tr.Text != "hello there" {
		t.Errorf("text = %q", tr.Text)
	}
	if tr.Speaker != models.SpeakerCaller || !tr.IsFinal {
		t.Errorf("speaker/final = %q/%v", tr.Speaker, tr.IsFinal)
	}
	if tr.TimestampMs != 1767225600000 {
		t.Errorf("timestamp = %d", tr.TimestampMs)
	}
	if tr.SourceEventID != SourceEventID("CA1", "seg:SG1") || !tr.SegmentKeyed {
		t.Errorf("source event id = %q keyed = %v", tr.SourceEventID, tr.SegmentKeyed)
	}
}

func TestNormalize_EmbeddedJSON(t *testing.T) {
	p := url.Values{
		"CallSid":           {"CA1"},
		"TranscriptionData": {`{"transcript":"from json","is_final":true,"track":"outbound_track","timestamp":"2026-03-01T11:59:00Z"}`},
	}
	tr := Normalize("", p, fixedNow).Transcript
	if tr == nil {
		t.Fatal("expected transcript")
	}
	if tr.Text != "from json" || !tr.IsFinal || tr.Speaker != models.SpeakerOther {
		t.Fatalf("transcript = %+v", tr)
	}
	if want := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC).UnixMilli(); tr.TimestampMs != want {
		t.Fatalf("timestamp = %d, want %d", tr.TimestampMs, want)
	}
}

func TestNormalize_EmbeddedSegments(t *testing.T) {
	p := url.Values{
		"CallSid":           {"CA1"},
		"TranscriptionData": {`{"segments":[{"text":"first segment"},{"text":"second"}],"timestamp":1767225600123}`},
	}
	tr := Normalize("", p, fixedNow).Transcript
	if tr == nil || tr.Text != "first segment" {
		t.Fatalf("transcript = %+v", tr)
	}
	if tr.TimestampMs != 1767225600123 {
		t.Fatalf("timestamp = %d", tr.TimestampMs)
	}
}

func TestNormalize_MalformedJSONYieldsNoTranscript(t *testing.T) {
	p := url.Values{
		"CallSid":           {"CA1"},
		"CallStatus":        {"in-progress"},
		"TranscriptionData": {`{"transcript": "unterminated`},
	}
	ev := Normalize("", p, fixedNow)
	if ev.Transcript != nil {
		t.Fatalf("transcript = %+v, want nil", ev.Transcript)
	}
	if ev.Status != "in-progress" || ev.Slug != "default" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestNormalize_StatusOnly(t *testing.T) {
	ev := Normalize("acme", url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}, fixedNow)
	if ev.Transcript != nil || ev.Status != "ringing" || ev.CallID != "CA1" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestNormalize_NoCallIDDropsTranscript(t *testing.T) {
	ev := Normalize("acme", url.Values{"TranscriptionText": {"orphan"}}, fixedNow)
	if ev.Transcript != nil {
		t.Fatalf("transcript = %+v, want nil", ev.Transcript)
	}
}

func TestNormalize_Finality(t *testing.T) {
	tests := []struct {
		name string
		p    url.Values
		want bool
	}{
		{"explicit false beats event name", url.Values{"Final": {"false"}, "TranscriptionEvent": {"transcription-stopped"}}, false},
		{"embedded beats event name", url.Values{"TranscriptionData": {`{"text":"x","final":false}`}, "TranscriptionEvent": {"final"}}, false},
		{"event name final", url.Values{"TranscriptionEvent": {"Transcription-Complete"}}, true},
		{"event name partial", url.Values{"TranscriptionEvent": {"transcription-content"}}, false},
		{"unparseable explicit falls through", url.Values{"IsFinal": {"maybe"}, "TranscriptionEvent": {"stopped"}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.p.Set("CallSid", "CA1")
			if tc.p.Get("TranscriptionData") == "" {
				tc.p.Set("TranscriptionText", "hello")
			}
			tr := Normalize("", tc.p, fixedNow).Transcript
			if tr == nil {
				t.Fatal("expected transcript")
			}
			if tr.IsFinal != tc.want {
				t.Fatalf("IsFinal = %v, want %v", tr.IsFinal, tc.want)
			}
		})
	}
}

func TestInferSpeaker(t *testing.T) {
	tests := map[string]models.Speaker{
		"inbound_track":  models.SpeakerCaller,
		"Customer":       models.SpeakerCaller,
		"caller":         models.SpeakerCaller,
		"outbound_track": models.SpeakerOther,
		"agent-1":        models.SpeakerOther,
		"recipient":      models.SpeakerOther,
		"both_tracks":    models.SpeakerUnknown,
		"":               models.SpeakerUnknown,
	}
	for hint, want := range tests {
		if got := InferSpeaker(hint); got != want {
			t.Errorf("InferSpeaker(%q) = %q, want %q", hint, got, want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
	}{
		{"1767225600123", 1767225600123},
		{"1767225600", 1767225600000},
		{"1767225600.5", 1767225600500},
		{"2026-01-01T00:00:00Z", 1767225600000},
		{"2026-01-01 00:00:00", 1767225600000},
		{"42", fixedNow.UnixMilli()},
		{"not a date", fixedNow.UnixMilli()},
		{"Inf", fixedNow.UnixMilli()},
		{"+Inf", fixedNow.UnixMilli()},
		{"NaN", fixedNow.UnixMilli()},
		{"1e30", fixedNow.UnixMilli()},
		{"9.3e18", fixedNow.UnixMilli()},
		{"", fixedNow.UnixMilli()},
	}
	for _, tc := range tests {
		if got := ParseTimestamp(tc.raw, fixedNow); got != tc.want {
			t.Errorf("ParseTimestamp(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestSourceEventID_StableAcrossRetries(t *testing.T) {
	p := url.Values{
		"CallSid":           {"CA1"},
		"TranscriptionText": {"please confirm your card number"},
		"TranscriptionSid":  {"GT1"},
		"SequenceId":        {"4"},
		"Track":             {"outbound_track"},
	}
	first := Normalize("acme", p, fixedNow).Transcript
	// A retry arrives later; the timestamp fallback must not leak into the key.
	second := Normalize("acme", p, fixedNow.Add(3*time.Second)).Transcript
	if first == nil || second == nil {
		t.Fatal("expected transcripts")
	}
	if first.SourceEventID != second.SourceEventID {
		t.Fatalf("keys differ: %q vs %q", first.SourceEventID, second.SourceEventID)
	}
}

func TestSourceEventID_Fallbacks(t *testing.T) {
	base := url.Values{"CallSid": {"CA1"}, "TranscriptionText": {"  Hello There "}}

	textEv := Normalize("", base, fixedNow).Transcript
	textKey := textEv.SourceEventID
	if textEv.SegmentKeyed {
		t.Error("text fallback must not count as a named segment")
	}
	if textKey != SourceEventID("CA1", "text:hello there") {
		t.Errorf("text fallback key = %q", textKey)
	}

	withTS := url.Values{"CallSid": {"CA1"}, "TranscriptionText": {"x"}, "Timestamp": {"1767225600"}, "Track": {"inbound"}}
	if got := Normalize("", withTS, fixedNow).Transcript.SourceEventID; got != SourceEventID("CA1", "ts:1767225600:caller") {
		t.Errorf("timestamp fallback key = %q", got)
	}

	otherCall := url.Values{"CallSid": {"CA2"}, "TranscriptionText": {"  Hello There "}}
	if Normalize("", otherCall, fixedNow).Transcript.SourceEventID == textKey {
		t.Error("keys must differ across calls")
	}
}
