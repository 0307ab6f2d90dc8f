package model

import "time"

// Subject is the account holder that escalation notices are addressed to.
type Subject struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`
	SMSEnabled bool   `json:"sms_enabled"`
	Tier       string `json:"tier"`
}

// PaymentFailure is emitted by the payment collaborator.
type PaymentFailure struct {
	SubjectID     string    `json:"subject_id"`
	AttemptNumber int       `json:"attempt_number"`
	Reason        string    `json:"reason"`
	NextRetryDate time.Time `json:"next_retry_date"`
}

type PaymentRecovery struct {
	SubjectID string `json:"subject_id"`
}

type PaymentReminder struct {
	DaysUntilDue int       `json:"days_until_due"`
	Amount       float64   `json:"amount"`
	DueDate      time.Time `json:"due_date"`
}

type UsageSnapshot struct {
	UtilizationRate float64 `json:"utilization_rate"`
	CurrentTier     string  `json:"current_tier"`
	SuggestedTier   string  `json:"suggested_tier"`
}

type Engagement struct {
	DaysInactive int       `json:"days_inactive"`
	LastActiveAt time.Time `json:"last_active_at"`
}
