package model

import "time"

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// Rank orders urgencies: normal < high < urgent.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyUrgent:
		return 2
	case UrgencyHigh:
		return 1
	default:
		return 0
	}
}

// Notification types recorded in the audit log.
const (
	NotifyPaymentFailed   = "payment_failed"
	NotifyGraceReminder   = "grace_reminder"
	NotifyPaymentReminder = "payment_reminder"
	NotifyUpgrade         = "upgrade_suggestion"
	NotifyEngagement      = "engagement_reminder"
	NotifyUrgentChat      = "urgent_chat"
	NotifyGraceExpired    = "grace_expired"
)

// Result is the outcome of one provider send.
type Result struct {
	Success    bool   `json:"success"`
	ProviderID string `json:"providerId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Notification is one dispatched message and its outcome.
type Notification struct {
	Channel   Channel   `json:"channel"`
	Recipient string    `json:"recipient"`
	Urgency   Urgency   `json:"urgency"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Result    Result    `json:"result"`
	SentAt    time.Time `json:"sentAt"`
}

// NotificationLog is the audit entry written for every send.
type NotificationLog struct {
	SubjectID string    `json:"subjectId"`
	Type      string    `json:"type"`
	Channel   Channel   `json:"channel"`
	Urgency   Urgency   `json:"urgency"`
	Recipient string    `json:"recipient"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// SendOutcome is returned by the single-shot reminder operations.
type SendOutcome struct {
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	Urgency       Urgency        `json:"urgency,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}
