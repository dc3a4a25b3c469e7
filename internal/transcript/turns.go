package transcript

import "github.com/PratikDhanave/call-advice-service/internal/models"

// Turn is a display-ready run of consecutive chunks from one speaker.
type Turn struct {
	Speaker models.Speaker `json:"speaker"`
	Text    string         `json:"text"`
	IsFinal bool           `json:"is_final"`
	StartMs int64          `json:"start_ms"`
	EndMs   int64          `json:"end_ms"`
}

// Turns groups ordered chunks into speaker turns using [DefaultOptions].
func Turns(chunks []models.TranscriptChunk) []Turn {
	return DefaultOptions.Turns(chunks)
}

// Turns groups ordered chunks into speaker turns, folding each chunk into the
// running turn with [Options.Merge].
func (o Options) Turns(chunks []models.TranscriptChunk) []Turn {
	turns := make([]Turn, 0, len(chunks))
	for _, c := range chunks {
		if n := len(turns); n > 0 && turns[n-1].Speaker == c.Speaker {
			t := &turns[n-1]
			t.Text = o.Merge(t.Text, c.Text, c.IsFinal)
			t.IsFinal = c.IsFinal
			t.EndMs = c.TimestampMs
			continue
		}
		turns = append(turns, Turn{
			Speaker: c.Speaker,
			Text:    NormalizeText(c.Text),
			IsFinal: c.IsFinal,
			StartMs: c.TimestampMs,
			EndMs:   c.TimestampMs,
		})
	}
	return turns
}
