package escalation

import (
	"context"
	"fmt"
	"time"

	"homeservices-realtime/internal/dispatch"
	"homeservices-realtime/internal/model"
)

const (
	upgradeThreshold = 0.8
	notRecommended   = "not recommended"
)

// SendPaymentReminder sends a one-off due-date reminder. Urgency is urgent
// when the payment is due within a day and high within two.
func (s *Scheduler) SendPaymentReminder(ctx context.Context, subjectID string, r model.PaymentReminder) (model.SendOutcome, error) {
	subject, err := s.subject(ctx, subjectID)
	if err != nil {
		return model.SendOutcome{}, err
	}
	urgency := urgencyForDays(r.DaysUntilDue)
	notes := s.deliver(ctx, subject, model.NotifyPaymentReminder, urgency, paymentReminder(subject, r))
	return outcome(urgency, notes), nil
}

// SendUpgradeSuggestion suggests a larger plan once utilization passes 80%.
func (s *Scheduler) SendUpgradeSuggestion(ctx context.Context, subjectID string, u model.UsageSnapshot) (model.SendOutcome, error) {
	if subjectID == "" {
		return model.SendOutcome{}, fmt.Errorf("upgrade suggestion: %w: empty subject id", ErrInvalidArgument)
	}
	if u.UtilizationRate <= upgradeThreshold {
		return model.SendOutcome{Success: false, Reason: notRecommended}, nil
	}
	subject, err := s.subject(ctx, subjectID)
	if err != nil {
		return model.SendOutcome{}, err
	}
	notes := s.deliver(ctx, subject, model.NotifyUpgrade, model.UrgencyNormal, upgradeSuggestion(subject, u))
	return outcome(model.UrgencyNormal, notes), nil
}

// SendEngagementReminder nudges subjects idle for at least the configured
// number of days.
func (s *Scheduler) SendEngagementReminder(ctx context.Context, subjectID string, e model.Engagement) (model.SendOutcome, error) {
	if subjectID == "" {
		return model.SendOutcome{}, fmt.Errorf("engagement reminder: %w: empty subject id", ErrInvalidArgument)
	}
	if e.DaysInactive < s.cfg.EngagementThreshold {
		return model.SendOutcome{Success: false, Reason: notRecommended}, nil
	}
	subject, err := s.subject(ctx, subjectID)
	if err != nil {
		return model.SendOutcome{}, err
	}
	notes := s.deliver(ctx, subject, model.NotifyEngagement, model.UrgencyNormal, engagementReminder(subject, e))
	return outcome(model.UrgencyNormal, notes), nil
}

func (s *Scheduler) subject(ctx context.Context, subjectID string) (*model.Subject, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: empty subject id", ErrInvalidArgument)
	}
	subject, err := s.subjects.FindSubjectByID(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load subject %s: %w", subjectID, err)
	}
	return subject, nil
}

// deliver sends the email and, when allowed, the SMS for one notice. Every
// attempt is audit-logged whatever the outcome.
func (s *Scheduler) deliver(ctx context.Context, subject *model.Subject, kind string, urgency model.Urgency, msg message) []model.Notification {
	notes := make([]model.Notification, 0, 2)

	res := s.sender.SendEmail(ctx, subject.Email, msg.Subject, msg.Body)
	notes = append(notes, s.audit(subject.ID, kind, model.Notification{
		Channel:   model.ChannelEmail,
		Recipient: subject.Email,
		Urgency:   urgency,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Result:    res,
	}))

	if s.smsAllowed(subject, urgency) {
		res := s.sender.SendSMS(ctx, subject.Phone, msg.SMS)
		notes = append(notes, s.audit(subject.ID, kind, model.Notification{
			Channel:   model.ChannelSMS,
			Recipient: subject.Phone,
			Urgency:   urgency,
			Body:      msg.SMS,
			Result:    res,
		}))
	}
	return notes
}

// smsAllowed gates SMS on the feature flag, the subject's opt-in, a valid
// E.164 number and urgent notices only.
func (s *Scheduler) smsAllowed(subject *model.Subject, urgency model.Urgency) bool {
	return s.cfg.SMSEnabled &&
		urgency == model.UrgencyUrgent &&
		subject.SMSEnabled &&
		dispatch.ValidateRecipient(subject.Phone)
}

func (s *Scheduler) audit(subjectID, kind string, n model.Notification) model.Notification {
	n.SentAt = s.clock.Now()
	s.log.Info().
		Str("subject", subjectID).
		Str("type", kind).
		Str("channel", string(n.Channel)).
		Str("urgency", string(n.Urgency)).
		Bool("success", n.Result.Success).
		Str("error", n.Result.Error).
		Time("sent_at", n.SentAt).
		Msg("notification sent")

	if s.cfg.AuditLog == nil {
		return n
	}
	entry := model.NotificationLog{
		SubjectID: subjectID,
		Type:      kind,
		Channel:   n.Channel,
		Urgency:   n.Urgency,
		Recipient: n.Recipient,
		Success:   n.Result.Success,
		Error:     n.Result.Error,
		SentAt:    n.SentAt,
	}
	// Add is only called before Close starts waiting; later writes run inline.
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closed {
		s.writeAudit(entry)
		return n
	}
	go func() {
		defer s.wg.Done()
		s.writeAudit(entry)
	}()
	return n
}

func (s *Scheduler) writeAudit(entry model.NotificationLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.AuditLog.RecordNotificationLog(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("subject", entry.SubjectID).Str("type", entry.Type).Msg("audit log write failed")
	}
}

func outcome(urgency model.Urgency, notes []model.Notification) model.SendOutcome {
	out := model.SendOutcome{Urgency: urgency, Notifications: notes}
	for _, n := range notes {
		if n.Result.Success {
			out.Success = true
			return out
		}
	}
	if len(notes) > 0 {
		out.Reason = notes[0].Result.Error
	}
	return out
}
