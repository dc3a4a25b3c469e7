package transcript

import "github.com/PratikDhanave/call-advice-service/internal/models"

// Action is what storage should do with an incoming transcript delivery.
type Action int

const (
	// ActionInsert stores the delivery as a new chunk.
	ActionInsert Action = iota
	// ActionRevise rewrites an existing chunk with merged text.
	ActionRevise
	// ActionSkip leaves storage untouched; the delivery is a duplicate.
	ActionSkip
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionRevise:
		return "revise"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Decision is the outcome of [Options.Reconcile].
type Decision struct {
	Action Action

	// ChunkID is the chunk to revise, or the chunk that already holds the
	// delivery for ActionSkip. Zero for ActionInsert.
	ChunkID int64

	Text        string
	IsFinal     bool
	TimestampMs int64
}

// Outcome maps the decision onto the storage-facing result.
func (d Decision) Outcome() models.AppendOutcome {
	switch d.Action {
	case ActionInsert:
		return models.AppendInserted
	case ActionRevise:
		return models.AppendRevised
	default:
		return models.AppendDuplicate
	}
}

// Reconcile decides how a delivery lands in storage using [DefaultOptions].
func Reconcile(byKey, last *models.TranscriptChunk, ev models.TranscriptEvent) Decision {
	return DefaultOptions.Reconcile(byKey, last, ev)
}

// Reconcile decides how a delivery lands in storage.
//
// byKey is the chunk already holding ev.SourceEventID, if any. last is the
// most recent chunk of the call, if any. A known key is merged into its
// chunk, or skipped when the merge changes nothing. An open (non-final) last
// chunk of the same speaker absorbs a delivery that carries no segment id of
// its own. Anything else becomes a new chunk whose timestamp never precedes
// the last chunk's.
func (o Options) Reconcile(byKey, last *models.TranscriptChunk, ev models.TranscriptEvent) Decision {
	if byKey != nil {
		return o.reviseOrSkip(*byKey, ev)
	}
	if last != nil && !last.IsFinal && last.Speaker == ev.Speaker && !ev.SegmentKeyed {
		return o.reviseOrSkip(*last, ev)
	}

	ts := ev.TimestampMs
	if last != nil && ts < last.TimestampMs {
		ts = last.TimestampMs
	}
	return Decision{
		Action:      ActionInsert,
		Text:        NormalizeText(ev.Text),
		IsFinal:     ev.IsFinal,
		TimestampMs: ts,
	}
}

func (o Options) reviseOrSkip(chunk models.TranscriptChunk, ev models.TranscriptEvent) Decision {
	text := o.Merge(chunk.Text, ev.Text, ev.IsFinal)
	final := chunk.IsFinal || ev.IsFinal
	d := Decision{
		Action:      ActionRevise,
		ChunkID:     chunk.ID,
		Text:        text,
		IsFinal:     final,
		TimestampMs: chunk.TimestampMs,
	}
	if text == chunk.Text && final == chunk.IsFinal {
		d.Action = ActionSkip
	}
	return d
}
