package models

import "time"

// CallStatus is the canonical lifecycle status of a call.
type CallStatus string

const (
	StatusQueued  CallStatus = "queued"
	StatusRinging CallStatus = "ringing"
	StatusLive    CallStatus = "live"
	StatusEnded   CallStatus = "ended"
	StatusFailed  CallStatus = "failed"
)

// RiskLevel buckets an advice risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// LevelForScore maps a 0-100 score onto a RiskLevel.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskHigh
	case score >= 35:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Advice is the structured recommendation shown to the user during a call.
// It is replaced wholesale on every generation, never patched.
type Advice struct {
	RiskScore  int       `json:"risk_score"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Feedback   string    `json:"feedback"`
	WhatToSay  string    `json:"what_to_say"`
	WhatToDo   string    `json:"what_to_do"`
	NextSteps  []string  `json:"next_steps"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsZero reports whether no advice has been generated yet.
func (a Advice) IsZero() bool {
	return a.UpdatedAt.IsZero() && a.RiskLevel == "" && a.Feedback == ""
}

// CallSession is the summary row for one call.
type CallSession struct {
	CallID         string     `json:"call_id"`
	TenantSlug     string     `json:"tenant_slug"`
	Status         CallStatus `json:"status"`
	AssistantMuted bool       `json:"assistant_muted"`
	Analyzing      bool       `json:"analyzing"`
	LastError      string     `json:"last_error,omitempty"`
	Advice         Advice     `json:"advice"`
	LastAdviceAt   *time.Time `json:"last_advice_at,omitempty"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	CreatedAt      time.Time  `json:"created_at"`
}
