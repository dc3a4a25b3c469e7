// Package webhook turns raw provider form callbacks into one canonical event.
//
// Providers are inconsistent about field names, finality flags, speaker
// labels and timestamp units, and sometimes wrap the transcript in an
// embedded JSON blob. [Normalize] absorbs those differences. A malformed
// field is treated as absent; normalization itself never fails.
package webhook

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/call-advice-service/internal/models"
	"github.com/PratikDhanave/call-advice-service/internal/transcript"
)

// Provider form fields, in lookup priority order where several apply.
var (
	callIDFields    = []string{"CallSid"}
	accountIDFields = []string{"AccountSid"}
	statusFields    = []string{"CallStatus", "StatusCallbackEvent"}
	textFields      = []string{"TranscriptionText", "Transcript", "SpeechResult", "Text"}
	finalFields     = []string{"Final", "IsFinal"}
	speakerFields   = []string{"Track", "Channel", "Speaker"}
	timestampFields = []string{"Timestamp"}
	segmentFields   = []string{"SegmentSid", "SegmentId"}
)

const (
	jsonField          = "TranscriptionData"
	eventNameField     = "TranscriptionEvent"
	transcriptionField = "TranscriptionSid"
	sequenceField      = "SequenceId"
	slugField          = "slug"
	defaultSlug        = "default"
)

var finalEventPattern = regexp.MustCompile(`(?i)final|complete|stopped`)

// eventNamespace scopes the name-based UUIDs used as idempotency keys.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:call-advice-service:transcript-event"))

// NormalizedEvent is the canonical form of one webhook delivery.
type NormalizedEvent struct {
	CallID    string
	AccountID string
	Slug      string

	// Status is the raw provider status string, empty when the delivery
	// carried none.
	Status string

	// Transcript is nil for status-only deliveries and for deliveries without
	// a call id or resolvable text.
	Transcript *models.TranscriptEvent
}

// embedded is the subset of the JSON blob providers nest inside the form.
type embedded struct {
	Transcript string          `json:"transcript"`
	Text       string          `json:"text"`
	IsFinal    *bool           `json:"is_final"`
	Final      *bool           `json:"final"`
	Track      string          `json:"track"`
	Timestamp  json.RawMessage `json:"timestamp"`
	SegmentID  string          `json:"segment_id"`
	Segments   []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

// Normalize parses one delivery. slugHint is the tenant slug taken from the
// webhook path; now is used only when no timestamp can be parsed.
func Normalize(slugHint string, params url.Values, now time.Time) NormalizedEvent {
	ev := NormalizedEvent{
		CallID:    first(params, callIDFields),
		AccountID: first(params, accountIDFields),
		Slug:      resolveSlug(slugHint, params),
		Status:    first(params, statusFields),
	}

	blob := parseEmbedded(params.Get(jsonField))

	text := transcript.NormalizeText(extractText(params, blob))
	if ev.CallID == "" || text == "" {
		return ev
	}

	speaker := InferSpeaker(speakerHint(params, blob))
	rawTS := rawTimestamp(params, blob)

	key, keyed := segmentKey(params, blob, rawTS, speaker, text)
	ev.Transcript = &models.TranscriptEvent{
		CallID:        ev.CallID,
		SourceEventID: SourceEventID(ev.CallID, key),
		Speaker:       speaker,
		Text:          text,
		IsFinal:       isFinal(params, blob),
		TimestampMs:   ParseTimestamp(rawTS, now),
		SegmentKeyed:  keyed,
	}
	return ev
}

// SourceEventID derives the idempotency key for a segment of a call.
func SourceEventID(callID, segmentKey string) string {
	return uuid.NewSHA1(eventNamespace, []byte(callID+"|"+segmentKey)).String()
}

// InferSpeaker maps a free-text channel or track hint onto a speaker.
// Ambiguous hints yield unknown rather than a guess.
func InferSpeaker(hint string) models.Speaker {
	h := strings.ToLower(hint)
	switch {
	case h == "":
		return models.SpeakerUnknown
	case strings.Contains(h, "caller"), strings.Contains(h, "customer"), strings.Contains(h, "inbound"):
		return models.SpeakerCaller
	case strings.Contains(h, "outbound"), strings.Contains(h, "agent"),
		strings.Contains(h, "recipient"), strings.Contains(h, "other"):
		return models.SpeakerOther
	default:
		return models.SpeakerUnknown
	}
}

func parseEmbedded(raw string) *embedded {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var e embedded
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		slog.Debug("ignoring malformed embedded transcription data", "err", err)
		return nil
	}
	return &e
}

func extractText(params url.Values, blob *embedded) string {
	if s := first(params, textFields); s != "" {
		return s
	}
	if blob == nil {
		return ""
	}
	switch {
	case strings.TrimSpace(blob.Transcript) != "":
		return blob.Transcript
	case strings.TrimSpace(blob.Text) != "":
		return blob.Text
	case len(blob.Segments) > 0:
		return blob.Segments[0].Text
	}
	return ""
}

// isFinal prefers an explicit form boolean, then an embedded boolean, then
// the provider's event name.
func isFinal(params url.Values, blob *embedded) bool {
	for _, f := range finalFields {
		if v := strings.TrimSpace(params.Get(f)); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
	}
	if blob != nil {
		if blob.IsFinal != nil {
			return *blob.IsFinal
		}
		if blob.Final != nil {
			return *blob.Final
		}
	}
	return finalEventPattern.MatchString(params.Get(eventNameField))
}

func speakerHint(params url.Values, blob *embedded) string {
	if s := first(params, speakerFields); s != "" {
		return s
	}
	if blob != nil {
		return blob.Track
	}
	return ""
}

func rawTimestamp(params url.Values, blob *embedded) string {
	if s := first(params, timestampFields); s != "" {
		return s
	}
	if blob == nil || len(blob.Timestamp) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(blob.Timestamp, &s); err == nil {
		return strings.TrimSpace(s)
	}
	// Numeric JSON timestamps keep their literal form.
	return strings.TrimSpace(string(blob.Timestamp))
}

// segmentKey picks the best available identity for a segment: an explicit
// segment id, then transcription session + sequence, then timestamp +
// speaker, then the text itself. keyed reports whether the provider named
// the segment.
func segmentKey(params url.Values, blob *embedded, rawTS string, speaker models.Speaker, text string) (key string, keyed bool) {
	if s := first(params, segmentFields); s != "" {
		return "seg:" + s, true
	}
	if blob != nil && strings.TrimSpace(blob.SegmentID) != "" {
		return "seg:" + strings.TrimSpace(blob.SegmentID), true
	}
	sid := strings.TrimSpace(params.Get(transcriptionField))
	seq := strings.TrimSpace(params.Get(sequenceField))
	if sid != "" && seq != "" {
		return "seq:" + sid + ":" + seq, true
	}
	if rawTS != "" {
		return "ts:" + rawTS + ":" + string(speaker), false
	}
	return "text:" + strings.ToLower(text), false
}

func resolveSlug(hint string, params url.Values) string {
	for _, s := range []string{hint, params.Get(slugField)} {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			return s
		}
	}
	return defaultSlug
}

func first(params url.Values, fields []string) string {
	for _, f := range fields {
		if v := strings.TrimSpace(params.Get(f)); v != "" {
			return v
		}
	}
	return ""
}
