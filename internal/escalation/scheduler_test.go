package escalation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"homeservices-realtime/internal/clock"
	"homeservices-realtime/internal/model"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

type call struct {
	Channel model.Channel
	To      string
	Subject string
	Body    string
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []call
	result model.Result
}

func newFakeSender() *fakeSender {
	return &fakeSender{result: model.Result{Success: true, ProviderID: "p-1"}}
}

func (f *fakeSender) SendSMS(_ context.Context, to, body string) model.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Channel: model.ChannelSMS, To: to, Body: body})
	return f.result
}

func (f *fakeSender) SendEmail(_ context.Context, to, subject, body string) model.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Channel: model.ChannelEmail, To: to, Subject: subject, Body: body})
	return f.result
}

func (f *fakeSender) count(ch model.Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Channel == ch {
			n++
		}
	}
	return n
}

var errNoSubject = errors.New("subject not found")

type fakeStore map[string]*model.Subject

func (s fakeStore) FindSubjectByID(_ context.Context, id string) (*model.Subject, error) {
	sub, ok := s[id]
	if !ok {
		return nil, errNoSubject
	}
	return sub, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []model.NotificationLog
}

func (a *fakeAudit) RecordNotificationLog(_ context.Context, e model.NotificationLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type fakeReporter struct {
	mu     sync.Mutex
	alerts []model.SystemAlert
}

func (r *fakeReporter) SystemAlert(_ context.Context, a model.SystemAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

type fixture struct {
	sched    *Scheduler
	sender   *fakeSender
	audit    *fakeAudit
	reporter *fakeReporter
	clock    *clock.FakeClock
}

func newFixture(t *testing.T, smsEnabled bool, subjects ...*model.Subject) *fixture {
	t.Helper()
	store := fakeStore{}
	for _, s := range subjects {
		store[s.ID] = s
	}
	f := &fixture{
		sender:   newFakeSender(),
		audit:    &fakeAudit{},
		reporter: &fakeReporter{},
		clock:    clock.Fake(start),
	}
	f.sched = New(f.sender, store, Config{
		GracePeriod: week,
		SMSEnabled:  smsEnabled,
		Clock:       f.clock,
		AuditLog:    f.audit,
		Reporter:    f.reporter,
	})
	t.Cleanup(f.sched.Close)
	return f
}

func optedIn() *model.Subject {
	return &model.Subject{ID: "sub-1", Name: "Dana", Email: "dana@example.com", Phone: "+14155552671", SMSEnabled: true, Tier: "basic"}
}

func TestCheckpointsFireAtFiftyAndEightyPercent(t *testing.T) {
	f := newFixture(t, true, optedIn())
	ctx := context.Background()

	out, err := f.sched.PaymentFailed(ctx, model.PaymentFailure{SubjectID: "sub-1", AttemptNumber: 1, Reason: "card_declined"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Urgency != model.UrgencyNormal {
		t.Fatalf("failure notice = %+v", out)
	}
	if got := f.sender.count(model.ChannelEmail); got != 1 {
		t.Fatalf("emails after failure = %d", got)
	}
	rec, _ := f.sched.Record("sub-1")
	if !rec.GraceEnd.Equal(start.Add(week)) || rec.State != StateFailed {
		t.Fatalf("record = %+v", rec)
	}

	mid := 84 * time.Hour                  // 3.5 days
	late := 134*time.Hour + 24*time.Minute // 5.6 days

	f.clock.Advance(mid - time.Minute)
	if got := f.sender.count(model.ChannelEmail); got != 1 {
		t.Fatalf("checkpoint fired early: %d emails", got)
	}
	f.clock.Advance(time.Minute)
	if got := f.sender.count(model.ChannelEmail); got != 2 {
		t.Fatalf("emails at T+3.5d = %d, want 2", got)
	}
	rec, _ = f.sched.Record("sub-1")
	if rec.State != StateGraceMid || rec.LastUrgency != model.UrgencyNormal {
		t.Fatalf("mid record = %+v", rec)
	}

	f.clock.Advance(late - mid - time.Minute)
	if got := f.sender.count(model.ChannelEmail); got != 2 {
		t.Fatalf("late checkpoint fired early: %d emails", got)
	}
	f.clock.Advance(time.Minute)
	if got := f.sender.count(model.ChannelEmail); got != 3 {
		t.Fatalf("emails at T+5.6d = %d, want 3", got)
	}
	rec, _ = f.sched.Record("sub-1")
	if rec.State != StateGraceLate || rec.LastUrgency != model.UrgencyHigh {
		t.Fatalf("late record = %+v", rec)
	}
	if f.sender.count(model.ChannelSMS) != 0 {
		t.Fatal("SMS sent for non-urgent notices")
	}

	f.clock.Advance(week - late)
	rec, _ = f.sched.Record("sub-1")
	if rec.State != StateExpired {
		t.Fatalf("state after window = %s", rec.State)
	}
	if len(f.reporter.alerts) != 1 || f.reporter.alerts[0].Subject != "sub-1" {
		t.Fatalf("expiry alerts = %+v", f.reporter.alerts)
	}
	if f.sched.Active() != 0 {
		t.Fatalf("Active = %d", f.sched.Active())
	}
	if got := f.sender.count(model.ChannelEmail); got != 3 {
		t.Fatalf("expiry sent a customer notice: %d emails", got)
	}
}

func TestExpiryEmailsStaffRoster(t *testing.T) {
	f := newFixture(t, false, optedIn())
	f.sched.cfg.StaffEmails = []string{"ops@example.com", "billing@example.com"}

	if _, err := f.sched.PaymentFailed(context.Background(), model.PaymentFailure{SubjectID: "sub-1", AttemptNumber: 1, Reason: "card_declined"}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(week)

	var staff []call
	f.sender.mu.Lock()
	for _, c := range f.sender.calls {
		if c.To != "dana@example.com" {
			staff = append(staff, c)
		}
	}
	f.sender.mu.Unlock()
	if len(staff) != 2 {
		t.Fatalf("staff emails = %+v", staff)
	}
	if staff[0].To != "ops@example.com" || staff[0].Subject != "Grace period expired: sub-1" {
		t.Fatalf("first staff email = %+v", staff[0])
	}
	if !strings.Contains(staff[0].Body, "card_declined") {
		t.Fatalf("body = %q", staff[0].Body)
	}
}

func TestRecoveryCancelsPendingCheckpoints(t *testing.T) {
	f := newFixture(t, true, optedIn())
	ctx := context.Background()

	if _, err := f.sched.PaymentFailed(ctx, model.PaymentFailure{SubjectID: "sub-1", AttemptNumber: 1}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(48 * time.Hour)
	if err := f.sched.PaymentRecovered(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("timers still pending: %d", f.clock.Pending())
	}
	f.clock.Advance(2 * week)

	if got := f.sender.count(model.ChannelEmail); got != 1 {
		t.Fatalf("emails = %d, want only the failure notice", got)
	}
	rec, _ := f.sched.Record("sub-1")
	if rec.State != StateResolved {
		t.Fatalf("state = %s", rec.State)
	}
	if len(f.reporter.alerts) != 0 {
		t.Fatal("resolved escalation reported as expired")
	}

	// Recovery is idempotent.
	if err := f.sched.PaymentRecovered(ctx, "sub-1"); err != nil {
		t.Fatal(err)
	}
}

func TestTimerFiringAfterResolutionIsNoop(t *testing.T) {
	f := newFixture(t, true, optedIn())
	ctx := context.Background()
	_, _ = f.sched.PaymentFailed(ctx, model.PaymentFailure{SubjectID: "sub-1"})

	f.sched.mu.Lock()
	gen := f.sched.records["sub-1"].gen
	f.sched.mu.Unlock()

	_ = f.sched.PaymentRecovered(ctx, "sub-1")
	f.sched.checkpoint("sub-1", gen, StateGraceMid)
	f.sched.expire("sub-1", gen)

	if got := f.sender.count(model.ChannelEmail); got != 1 {
		t.Fatalf("late timer dispatched: %d emails", got)
	}
	if rec, _ := f.sched.Record("sub-1"); rec.State != StateResolved {
		t.Fatalf("state = %s", rec.State)
	}
}

func TestRepeatFailureKeepsWindow(t *testing.T) {
	f := newFixture(t, false, optedIn())
	ctx := context.Background()

	_, _ = f.sched.PaymentFailed(ctx, model.PaymentFailure{SubjectID: "sub-1", AttemptNumber: 1})
	f.clock.Advance(24 * time.Hour)
	_, _ = f.sched.PaymentFailed(ctx, model.PaymentFailure{SubjectID: "sub-1", AttemptNumber: 2, Reason: "insufficient_funds"})

	rec, _ := f.sched.Record("sub-1")
	if rec.Attempts != 2 || !rec.GraceEnd.Equal(start.Add(week)) || rec.LastReason != "insufficient_funds" {
		t.Fatalf("record = %+v", rec)
	}
	if got := f.sender.count(model.ChannelEmail); got != 2 {
		t.Fatalf("emails = %d", got)
	}

	f.clock.Advance(60 * time.Hour) // T+3.5d
	if got := f.sender.count(model.ChannelEmail); got != 3 {
		t.Fatalf("mid checkpoint should fire once on the original schedule, emails = %d", got)
	}
}

func TestNewFailureAfterResolutionOpensNewWindow(t *testing.T) {
	f := newFixture(t, false, optedIn())
	ctx := context.Background()

	_, _ = f.sched.PaymentFailed(ctx, model.PaymentFailure{SubjectID: "sub-1"})
	_ = f.sched.PaymentRecovered(ctx, "sub-1")
	f.clock.Advance(10 * 24 * time.Hour)
	_, _ = f.sched.PaymentFailed(ctx, model.PaymentFailure{SubjectID: "sub-1"})

	rec, _ := f.sched.Record("sub-1")
	want := start.Add(10 * 24 * time.Hour).Add(week)
	if rec.State != StateFailed || !rec.GraceEnd.Equal(want) || rec.Attempts != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if f.sched.Active() != 1 {
		t.Fatalf("Active = %d", f.sched.Active())
	}
}

func TestFailureNoticeSMSGating(t *testing.T) {
	tomorrow := start.Add(12 * time.Hour)
	tests := []struct {
		name       string
		smsFlag    bool
		subject    model.Subject
		nextRetry  time.Time
		wantSMS    int
		wantUrgent bool
	}{
		{"urgent opted in", true, *optedIn(), tomorrow, 1, true},
		{"feature flag off", false, *optedIn(), tomorrow, 0, true},
		{"not opted in", true, model.Subject{ID: "sub-1", Email: "a@example.com", Phone: "+14155552671"}, tomorrow, 0, true},
		{"invalid phone", true, model.Subject{ID: "sub-1", Email: "a@example.com", Phone: "555-1234", SMSEnabled: true}, tomorrow, 0, true},
		{"not urgent", true, *optedIn(), time.Time{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := tt.subject
			f := newFixture(t, tt.smsFlag, &sub)
			out, err := f.sched.PaymentFailed(context.Background(), model.PaymentFailure{SubjectID: "sub-1", NextRetryDate: tt.nextRetry})
			if err != nil {
				t.Fatal(err)
			}
			if got := f.sender.count(model.ChannelSMS); got != tt.wantSMS {
				t.Fatalf("SMS = %d, want %d", got, tt.wantSMS)
			}
			if got := f.sender.count(model.ChannelEmail); got != 1 {
				t.Fatalf("email = %d, want 1", got)
			}
			if (out.Urgency == model.UrgencyUrgent) != tt.wantUrgent {
				t.Fatalf("urgency = %s", out.Urgency)
			}
		})
	}
}

func TestCheckpointUrgencyNeverDrops(t *testing.T) {
	f := newFixture(t, true, optedIn())
	_, _ = f.sched.PaymentFailed(context.Background(), model.PaymentFailure{
		SubjectID:     "sub-1",
		NextRetryDate: start.Add(6 * time.Hour),
	})
	f.clock.Advance(84 * time.Hour)

	rec, _ := f.sched.Record("sub-1")
	if rec.LastUrgency != model.UrgencyUrgent {
		t.Fatalf("mid checkpoint urgency = %s, want urgent", rec.LastUrgency)
	}
	if got := f.sender.count(model.ChannelSMS); got != 2 {
		t.Fatalf("SMS = %d, want notice and checkpoint", got)
	}
}

func TestSendPaymentReminderUrgency(t *testing.T) {
	tests := []struct {
		days    int
		want    model.Urgency
		wantSMS int
	}{
		{0, model.UrgencyUrgent, 1},
		{1, model.UrgencyUrgent, 1},
		{2, model.UrgencyHigh, 0},
		{5, model.UrgencyNormal, 0},
	}
	for _, tt := range tests {
		f := newFixture(t, true, optedIn())
		out, err := f.sched.SendPaymentReminder(context.Background(), "sub-1", model.PaymentReminder{
			DaysUntilDue: tt.days,
			Amount:       49.5,
			DueDate:      start.AddDate(0, 0, tt.days),
		})
		if err != nil {
			t.Fatal(err)
		}
		if out.Urgency != tt.want || !out.Success {
			t.Errorf("days=%d: outcome = %+v, want urgency %s", tt.days, out, tt.want)
		}
		if got := f.sender.count(model.ChannelSMS); got != tt.wantSMS {
			t.Errorf("days=%d: SMS = %d, want %d", tt.days, got, tt.wantSMS)
		}
	}
}

func TestSendUpgradeSuggestionThreshold(t *testing.T) {
	f := newFixture(t, true, optedIn())
	ctx := context.Background()

	for _, rate := range []float64{0.5, 0.8} {
		out, err := f.sched.SendUpgradeSuggestion(ctx, "sub-1", model.UsageSnapshot{UtilizationRate: rate})
		if err != nil {
			t.Fatal(err)
		}
		if out.Success || out.Reason != "not recommended" {
			t.Fatalf("rate %.2f: outcome = %+v", rate, out)
		}
	}
	if len(f.sender.calls) != 0 {
		t.Fatal("sent below threshold")
	}

	out, err := f.sched.SendUpgradeSuggestion(ctx, "sub-1", model.UsageSnapshot{UtilizationRate: 0.85, CurrentTier: "basic", SuggestedTier: "pro"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || len(out.Notifications) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSendEngagementReminderThreshold(t *testing.T) {
	f := newFixture(t, false, optedIn())
	ctx := context.Background()

	out, _ := f.sched.SendEngagementReminder(ctx, "sub-1", model.Engagement{DaysInactive: 13})
	if out.Success || out.Reason != "not recommended" {
		t.Fatalf("13 days: %+v", out)
	}
	out, _ = f.sched.SendEngagementReminder(ctx, "sub-1", model.Engagement{DaysInactive: 14})
	if !out.Success {
		t.Fatalf("14 days: %+v", out)
	}
}

func TestEverySendIsAudited(t *testing.T) {
	f := newFixture(t, true, optedIn())
	f.sender.result = model.Result{Success: false, Error: "provider unavailable"}

	out, err := f.sched.SendPaymentReminder(context.Background(), "sub-1", model.PaymentReminder{DaysUntilDue: 0, Amount: 10})
	if err != nil {
		t.Fatal(err)
	}
	if out.Success || out.Reason != "provider unavailable" {
		t.Fatalf("outcome = %+v", out)
	}
	f.sched.Close()

	if len(f.audit.entries) != 2 {
		t.Fatalf("audit entries = %d, want email and sms", len(f.audit.entries))
	}
	for _, e := range f.audit.entries {
		if e.SubjectID != "sub-1" || e.Type != model.NotifyPaymentReminder || e.Urgency != model.UrgencyUrgent || e.Success || e.SentAt.IsZero() {
			t.Fatalf("entry = %+v", e)
		}
	}
}

func TestSendAfterCloseAuditsInline(t *testing.T) {
	f := newFixture(t, true, optedIn())
	f.sched.Close()

	if _, err := f.sched.SendPaymentReminder(context.Background(), "sub-1", model.PaymentReminder{DaysUntilDue: 1, Amount: 10}); err != nil {
		t.Fatal(err)
	}
	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	if len(f.audit.entries) != 2 {
		t.Fatalf("audit entries = %d, want both written before returning", len(f.audit.entries))
	}
}

func TestUnknownSubjectAndEmptyID(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if _, err := f.sched.PaymentFailed(ctx, model.PaymentFailure{SubjectID: "ghost"}); !errors.Is(err, errNoSubject) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := f.sched.Record("ghost"); ok {
		t.Fatal("record created for unknown subject")
	}
	if _, err := f.sched.PaymentFailed(ctx, model.PaymentFailure{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
	if err := f.sched.PaymentRecovered(ctx, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
}
