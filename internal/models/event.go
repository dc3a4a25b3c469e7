package models

// Speaker identifies which side of the call produced a transcript segment.
type Speaker string

const (
	SpeakerCaller  Speaker = "caller"
	SpeakerOther   Speaker = "other"
	SpeakerUnknown Speaker = "unknown"
)

// TranscriptEvent is one normalized transcription callback.
// SourceEventID is the idempotency key: re-delivery of the same logical
// segment always yields the same value.
type TranscriptEvent struct {
	CallID        string  `json:"call_id"`
	SourceEventID string  `json:"source_event_id"`
	Speaker       Speaker `json:"speaker"`
	Text          string  `json:"text"`
	IsFinal       bool    `json:"is_final"`
	TimestampMs   int64   `json:"timestamp_ms"`

	// SegmentKeyed is set when SourceEventID comes from a provider segment
	// or sequence id rather than a timestamp or text fallback. Such a
	// delivery is its own segment and never merges into another one.
	SegmentKeyed bool `json:"segment_keyed"`
}

// TranscriptChunk is a stored transcript entry. Several deliveries may be
// merged into one chunk; SourceEventID is the key of the delivery that
// created it.
type TranscriptChunk struct {
	ID            int64   `json:"id"`
	CallID        string  `json:"call_id"`
	SourceEventID string  `json:"source_event_id"`
	Speaker       Speaker `json:"speaker"`
	Text          string  `json:"text"`
	IsFinal       bool    `json:"is_final"`
	TimestampMs   int64   `json:"timestamp_ms"`
}

// AppendOutcome reports what storage did with a transcript delivery.
type AppendOutcome string

const (
	AppendInserted  AppendOutcome = "inserted"
	AppendRevised   AppendOutcome = "revised"
	AppendDuplicate AppendOutcome = "duplicate"
)

// WebhookAck is the minimal body returned to the telephony provider.
// Malformed or irrelevant events still get ok=true to avoid retry storms.
type WebhookAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
