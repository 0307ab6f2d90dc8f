// Package escalation turns payment failures into a timed sequence of
// increasingly urgent notices and composes single-shot reminders.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homeservices-realtime/internal/clock"
	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/metrics"
	"homeservices-realtime/internal/model"
)

var ErrInvalidArgument = errors.New("invalid argument")

type State string

const (
	StateNone      State = "none"
	StateFailed    State = "failed"
	StateGraceMid  State = "grace_mid"
	StateGraceLate State = "grace_late"
	StateResolved  State = "resolved"
	StateExpired   State = "expired"
)

// Active is true while the record is inside its grace window.
func (s State) Active() bool {
	return s == StateFailed || s == StateGraceMid || s == StateGraceLate
}

// Checkpoints, as a percentage of the grace window.
const (
	midCheckpoint  = 50
	lateCheckpoint = 80
)

// Sender is satisfied by the channel dispatcher.
type Sender interface {
	SendSMS(ctx context.Context, to, body string) model.Result
	SendEmail(ctx context.Context, to, subject, body string) model.Result
}

type SubjectStore interface {
	FindSubjectByID(ctx context.Context, id string) (*model.Subject, error)
}

// NotificationLogger persists the audit trail. Failures are logged and
// otherwise ignored.
type NotificationLogger interface {
	RecordNotificationLog(ctx context.Context, entry model.NotificationLog) error
}

// ExpiryReporter is told when a grace window lapses without recovery.
type ExpiryReporter interface {
	SystemAlert(ctx context.Context, alert model.SystemAlert) error
}

type Config struct {
	GracePeriod time.Duration
	// SMSEnabled is the global SMS feature flag.
	SMSEnabled bool
	// EngagementThreshold is the number of idle days before an engagement
	// reminder is worth sending.
	EngagementThreshold int
	Clock               clock.Clock
	AuditLog            NotificationLogger
	Reporter            ExpiryReporter
	// StaffEmails are emailed when a grace window expires.
	StaffEmails []string
}

// Record is a snapshot of one subject's escalation.
type Record struct {
	SubjectID     string        `json:"subjectId"`
	State         State         `json:"state"`
	GraceStart    time.Time     `json:"graceStart"`
	GraceEnd      time.Time     `json:"graceEnd"`
	Attempts      int           `json:"attempts"`
	Tier          string        `json:"tier,omitempty"`
	LastReason    string        `json:"lastReason,omitempty"`
	NextRetryDate time.Time     `json:"nextRetryDate,omitempty"`
	LastUrgency   model.Urgency `json:"lastUrgency,omitempty"`
}

type escalation struct {
	Record
	gen    uint64
	timers []*clock.Timer
}

type Scheduler struct {
	sender   Sender
	subjects SubjectStore
	cfg      Config
	clock    clock.Clock
	log      zerolog.Logger

	mu      sync.Mutex
	records map[string]*escalation
	gen     uint64
	closed  bool

	// audit writes in flight
	wg sync.WaitGroup
}

func New(sender Sender, subjects SubjectStore, cfg Config) *Scheduler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	if cfg.EngagementThreshold <= 0 {
		cfg.EngagementThreshold = 14
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Scheduler{
		sender:   sender,
		subjects: subjects,
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      logging.Component("escalation"),
		records:  make(map[string]*escalation),
	}
}

// PaymentFailed opens a grace window for the subject, sends the immediate
// failure notice and schedules the mid, late and expiry checkpoints. A
// repeated failure inside an open window bumps the attempt counter and
// resends the notice without moving the window.
func (s *Scheduler) PaymentFailed(ctx context.Context, f model.PaymentFailure) (model.SendOutcome, error) {
	if f.SubjectID == "" {
		return model.SendOutcome{}, fmt.Errorf("payment failed: %w: empty subject id", ErrInvalidArgument)
	}
	subject, err := s.subjects.FindSubjectByID(ctx, f.SubjectID)
	if err != nil {
		return model.SendOutcome{}, fmt.Errorf("load subject %s: %w", f.SubjectID, err)
	}

	now := s.clock.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.SendOutcome{}, errors.New("escalation scheduler closed")
	}
	rec, ok := s.records[f.SubjectID]
	if ok && rec.State.Active() {
		rec.Attempts++
		if f.AttemptNumber > rec.Attempts {
			rec.Attempts = f.AttemptNumber
		}
	} else {
		rec = s.openLocked(f.SubjectID, now)
		rec.Attempts = f.AttemptNumber
		if rec.Attempts < 1 {
			rec.Attempts = 1
		}
		s.transition(StateFailed)
	}
	rec.Tier = subject.Tier
	rec.LastReason = f.Reason
	rec.NextRetryDate = f.NextRetryDate

	due := rec.GraceEnd
	if !f.NextRetryDate.IsZero() && f.NextRetryDate.After(now) && f.NextRetryDate.Before(due) {
		due = f.NextRetryDate
	}
	urgency := higher(urgencyForDays(daysUntil(now, due)), rec.LastUrgency)
	rec.LastUrgency = urgency
	snap := rec.Record
	s.mu.Unlock()

	s.updateGauge()
	s.log.Info().
		Str("subject", snap.SubjectID).
		Int("attempt", snap.Attempts).
		Time("grace_end", snap.GraceEnd).
		Str("urgency", string(urgency)).
		Msg("payment failure escalation")

	notes := s.deliver(ctx, subject, model.NotifyPaymentFailed, urgency, failureNotice(subject, snap, due, now))
	return outcome(urgency, notes), nil
}

func (s *Scheduler) openLocked(subjectID string, now time.Time) *escalation {
	if old, ok := s.records[subjectID]; ok {
		stopTimers(old)
	}
	s.gen++
	rec := &escalation{
		Record: newRecord(subjectID, now, now.Add(s.cfg.GracePeriod)),
		gen:    s.gen,
	}
	gen := rec.gen
	grace := s.cfg.GracePeriod
	rec.timers = []*clock.Timer{
		s.clock.AfterFunc(grace*midCheckpoint/100, func() { s.checkpoint(subjectID, gen, StateGraceMid) }),
		s.clock.AfterFunc(grace*lateCheckpoint/100, func() { s.checkpoint(subjectID, gen, StateGraceLate) }),
		s.clock.AfterFunc(grace, func() { s.expire(subjectID, gen) }),
	}
	s.records[subjectID] = rec
	return rec
}

func newRecord(subjectID string, start, end time.Time) Record {
	return Record{
		SubjectID:  subjectID,
		State:      StateFailed,
		GraceStart: start,
		GraceEnd:   end,
	}
}

// PaymentRecovered resolves the subject's escalation and cancels pending
// checkpoints. Recovering a subject with no open window is a no-op.
func (s *Scheduler) PaymentRecovered(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return fmt.Errorf("payment recovered: %w: empty subject id", ErrInvalidArgument)
	}
	s.mu.Lock()
	rec, ok := s.records[subjectID]
	if !ok || !rec.State.Active() {
		s.mu.Unlock()
		s.log.Debug().Str("subject", subjectID).Msg("recovery for subject without open escalation")
		return nil
	}
	rec.State = StateResolved
	stopTimers(rec)
	s.mu.Unlock()

	s.transition(StateResolved)
	s.updateGauge()
	s.log.Info().Str("subject", subjectID).Msg("payment recovered, escalation resolved")
	return nil
}

// checkpoint fires at 50% and 80% of the window. A timer belonging to a
// superseded or resolved record does nothing.
func (s *Scheduler) checkpoint(subjectID string, gen uint64, next State) {
	now := s.clock.Now()
	s.mu.Lock()
	rec, ok := s.records[subjectID]
	if s.closed || !ok || rec.gen != gen || !rec.State.Active() {
		s.mu.Unlock()
		return
	}
	rec.State = next
	urgency := higher(urgencyForDays(daysUntil(now, rec.GraceEnd)), rec.LastUrgency)
	rec.LastUrgency = urgency
	snap := rec.Record
	s.mu.Unlock()

	s.transition(next)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	subject, err := s.subjects.FindSubjectByID(ctx, subjectID)
	if err != nil {
		s.log.Error().Err(err).Str("subject", subjectID).Str("state", string(next)).Msg("checkpoint skipped: subject lookup failed")
		return
	}
	s.deliver(ctx, subject, model.NotifyGraceReminder, urgency, graceReminder(subject, snap, now))
}

func (s *Scheduler) expire(subjectID string, gen uint64) {
	s.mu.Lock()
	rec, ok := s.records[subjectID]
	if s.closed || !ok || rec.gen != gen || !rec.State.Active() {
		s.mu.Unlock()
		return
	}
	rec.State = StateExpired
	rec.timers = nil
	snap := rec.Record
	s.mu.Unlock()

	s.transition(StateExpired)
	s.updateGauge()
	s.log.Warn().Str("subject", subjectID).Int("attempts", snap.Attempts).Msg("grace period expired")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	alert := model.SystemAlert{
		Level:   "warning",
		Title:   "Grace period expired",
		Message: fmt.Sprintf("No payment received after %d attempt(s). Last failure: %s", snap.Attempts, orNone(snap.LastReason)),
		Subject: subjectID,
		At:      snap.GraceEnd,
	}
	if s.cfg.Reporter != nil {
		if err := s.cfg.Reporter.SystemAlert(ctx, alert); err != nil {
			s.log.Warn().Err(err).Str("subject", subjectID).Msg("expiry report failed")
		}
	}

	subject := alert.Title + ": " + subjectID
	for _, addr := range s.cfg.StaffEmails {
		res := s.sender.SendEmail(ctx, addr, subject, alert.Message)
		s.audit(subjectID, model.NotifyGraceExpired, model.Notification{
			Channel:   model.ChannelEmail,
			Recipient: addr,
			Urgency:   model.UrgencyHigh,
			Subject:   subject,
			Body:      alert.Message,
			Result:    res,
		})
	}
}

// Record returns a snapshot of the subject's escalation.
func (s *Scheduler) Record(subjectID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subjectID]
	if !ok {
		return Record{SubjectID: subjectID, State: StateNone}, false
	}
	return rec.Record, true
}

// Active counts escalations still inside their grace window.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Scheduler) activeLocked() int {
	n := 0
	for _, rec := range s.records {
		if rec.State.Active() {
			n++
		}
	}
	return n
}

// Close stops every pending checkpoint and waits for audit writes.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, rec := range s.records {
		stopTimers(rec)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func stopTimers(rec *escalation) {
	for _, t := range rec.timers {
		t.Stop()
	}
	rec.timers = nil
}

func (s *Scheduler) transition(state State) {
	metrics.EscalationTransitions.WithLabelValues(string(state)).Inc()
}

func (s *Scheduler) updateGauge() {
	metrics.EscalationsActive.Set(float64(s.Active()))
}

// urgencyForDays: urgent when due today or tomorrow, high within two days.
func urgencyForDays(days int) model.Urgency {
	switch {
	case days <= 1:
		return model.UrgencyUrgent
	case days <= 2:
		return model.UrgencyHigh
	default:
		return model.UrgencyNormal
	}
}

func higher(a, b model.Urgency) model.Urgency {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// daysUntil rounds partial days up, so 36 hours left is 2 days.
func daysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

func orNone(s string) string {
	if s == "" {
		return "none given"
	}
	return s
}
