package escalation

import (
	"fmt"
	"strings"
	"time"

	"homeservices-realtime/internal/model"
)

type message struct {
	Subject string
	Body    string
	SMS     string
}

const dateLayout = "Jan 2, 2006"

func greeting(s *model.Subject) string {
	if s.Name == "" {
		return "Hello,"
	}
	return fmt.Sprintf("Hi %s,", s.Name)
}

func failureNotice(s *model.Subject, rec Record, due, now time.Time) message {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nWe couldn't process your latest payment", greeting(s))
	if rec.LastReason != "" {
		fmt.Fprintf(&b, " (%s)", rec.LastReason)
	}
	b.WriteString(".\n\n")
	if !rec.NextRetryDate.IsZero() {
		fmt.Fprintf(&b, "We'll try again on %s. ", rec.NextRetryDate.Format(dateLayout))
	}
	fmt.Fprintf(&b, "Your service stays active until %s while you update your payment details.\n", rec.GraceEnd.Format(dateLayout))

	return message{
		Subject: fmt.Sprintf("Payment failed (attempt %d)", rec.Attempts),
		Body:    b.String(),
		SMS: fmt.Sprintf("Payment failed. Please update your payment method %s to avoid interruption.",
			dueWhen(daysUntil(now, due))),
	}
}

func graceReminder(s *model.Subject, rec Record, now time.Time) message {
	left := dayPhrase(daysUntil(now, rec.GraceEnd))
	return message{
		Subject: fmt.Sprintf("Action needed: %s left to update your payment", left),
		Body: fmt.Sprintf("%s\n\nYour payment is still outstanding. Service remains active until %s (%s left).\n",
			greeting(s), rec.GraceEnd.Format(dateLayout), left),
		SMS: fmt.Sprintf("Reminder: %s left to update your payment before service is interrupted.", left),
	}
}

func paymentReminder(s *model.Subject, r model.PaymentReminder) message {
	when := dueWhen(r.DaysUntilDue)
	due := ""
	if !r.DueDate.IsZero() {
		due = " on " + r.DueDate.Format(dateLayout)
	}
	return message{
		Subject: fmt.Sprintf("Payment of $%.2f due %s", r.Amount, when),
		Body:    fmt.Sprintf("%s\n\nYour payment of $%.2f is due%s.\n", greeting(s), r.Amount, due),
		SMS:     fmt.Sprintf("Your payment of $%.2f is due%s.", r.Amount, due),
	}
}

func upgradeSuggestion(s *model.Subject, u model.UsageSnapshot) message {
	target := u.SuggestedTier
	if target == "" {
		target = "a larger plan"
	}
	pct := int(u.UtilizationRate * 100)
	return message{
		Subject: "You're close to your plan limit",
		Body: fmt.Sprintf("%s\n\nYou've used %d%% of your %s plan this period. Moving to %s keeps things running smoothly.\n",
			greeting(s), pct, orDefault(u.CurrentTier, s.Tier), target),
		SMS: fmt.Sprintf("You've used %d%% of your plan. Consider upgrading to %s.", pct, target),
	}
}

func engagementReminder(s *model.Subject, e model.Engagement) message {
	return message{
		Subject: "We miss you",
		Body: fmt.Sprintf("%s\n\nIt's been %d days since your last visit. Your account is ready whenever you are.\n",
			greeting(s), e.DaysInactive),
		SMS: fmt.Sprintf("It's been %d days. Your account is ready whenever you are.", e.DaysInactive),
	}
}

func dayPhrase(days int) string {
	switch {
	case days <= 0:
		return "less than a day"
	case days == 1:
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func dueWhen(days int) string {
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "tomorrow"
	}
	return fmt.Sprintf("in %d days", days)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
