package advice

import (
	"context"
	"strings"
	"time"

	"github.com/PratikDhanave/call-advice-service/internal/models"
)

// cue is a phrase that raises the risk score when the other party says it.
type cue struct {
	phrase string
	weight int
	label  string
}

var riskCues = []cue{
	{"gift card", 35, "asks for gift cards"},
	{"wire transfer", 30, "asks for a wire transfer"},
	{"bitcoin", 30, "asks for cryptocurrency"},
	{"crypto", 25, "asks for cryptocurrency"},
	{"verification code", 35, "asks for a verification code"},
	{"one-time code", 35, "asks for a verification code"},
	{"password", 30, "asks for a password"},
	{"social security", 30, "asks for identity numbers"},
	{"card number", 30, "asks for card details"},
	{"pin", 20, "asks for a PIN"},
	{"remote access", 30, "asks for remote access"},
	{"anydesk", 35, "asks for remote access"},
	{"teamviewer", 35, "asks for remote access"},
	{"arrest", 25, "threatens legal action"},
	{"warrant", 25, "threatens legal action"},
	{"immediately", 10, "creates urgency"},
	{"right now", 10, "creates urgency"},
	{"don't tell", 20, "asks for secrecy"},
	{"do not tell", 20, "asks for secrecy"},
	{"irs", 15, "impersonates an agency"},
	{"refund", 10, "mentions an unexpected refund"},
}

// HeuristicGenerator scores risk by matching known scam phrases in what the
// other party said. It is used when no model API key is configured.
type HeuristicGenerator struct {
	Now func() time.Time
}

func (h HeuristicGenerator) Generate(ctx context.Context, window []models.TranscriptChunk) (models.Advice, error) {
	if err := ctx.Err(); err != nil {
		return models.Advice{}, err
	}

	var other strings.Builder
	spoken := false
	for _, c := range window {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		spoken = true
		// The caller's own words are not evidence against the other party.
		if c.Speaker == models.SpeakerCaller {
			continue
		}
		other.WriteString(strings.ToLower(c.Text))
		other.WriteByte(' ')
	}
	if !spoken {
		return models.Advice{}, ErrNoContent
	}

	text := " " + other.String()
	score := 5
	var reasons []string
	seen := map[string]bool{}
	for _, c := range riskCues {
		if !containsWord(text, c.phrase) {
			continue
		}
		score += c.weight
		if !seen[c.label] {
			seen[c.label] = true
			reasons = append(reasons, c.label)
		}
	}
	score = min(score, 100)

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	adv := models.Advice{
		RiskScore:  score,
		RiskLevel:  models.LevelForScore(score),
		Confidence: min(0.3+0.1*float64(len(reasons)), 0.8),
		UpdatedAt:  now().UTC(),
	}
	switch adv.RiskLevel {
	case models.RiskHigh:
		adv.Feedback = "High risk: the other party " + strings.Join(reasons, ", ") + "."
		adv.WhatToSay = "I'm not comfortable with this. I'll call the official number myself."
		adv.WhatToDo = "End the call. Do not pay, share codes or install anything."
		adv.NextSteps = []string{"Hang up", "Call the organization on its official number", "Report the number"}
	case models.RiskMedium:
		adv.Feedback = "Some warning signs: the other party " + strings.Join(reasons, ", ") + "."
		adv.WhatToSay = "Can you give me a reference number so I can call back?"
		adv.WhatToDo = "Slow down and verify before sharing anything."
		adv.NextSteps = []string{"Ask for a reference number", "Verify independently"}
	default:
		adv.Feedback = "No obvious warning signs so far."
		adv.WhatToSay = ""
		adv.WhatToDo = "Continue normally and stay alert for requests for money or codes."
		adv.NextSteps = []string{}
	}
	return adv, nil
}

// containsWord reports whether phrase occurs in text on word boundaries.
// text must be lowercase and start with a space.
func containsWord(text, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], phrase)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(phrase)
		if !isWordByte(text[start-1]) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
