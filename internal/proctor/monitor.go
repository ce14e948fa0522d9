package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	DefaultGracePeriod   = 10 * time.Second
	DefaultMaxWarnings   = 3
	DefaultSubmitTimeout = 15 * time.Second
)

// Options configures a Monitor. Exam, Display and Submitter are required.
type Options struct {
	SessionID string
	StudentID string
	Exam      *model.Exam

	Clock     Clock
	Display   Display
	Submitter Submitter
	Observer  Observer
	Log       zerolog.Logger

	GracePeriod   time.Duration
	MaxWarnings   int
	SubmitTimeout time.Duration
}

// Monitor is the integrity and timer state machine of one exam attempt.
//
// Phases move idle → active → (return_grace ⇄ active) → submitted. The
// countdown ticker runs while active or in grace and not paused; the grace
// ticker runs only in return_grace. Both are stopped before submission is
// delivered, and submission happens exactly once.
type Monitor struct {
	mu sync.Mutex

	sessionID string
	studentID string
	exam      *model.Exam
	rules     model.AntiCheatConfig

	clock     Clock
	display   Display
	submitter Submitter
	observer  Observer
	log       zerolog.Logger

	graceSeconds  int
	maxWarnings   int
	submitTimeout time.Duration

	phase     Phase
	remaining int
	paused    bool
	warnings  int
	graceLeft *int
	nav       *Navigator

	// fullscreenWaived is set when the display cannot go fullscreen at all.
	fullscreenWaived bool

	countdown    Ticker
	countdownGen uint64
	grace        Ticker
	graceGen     uint64

	startedAt   time.Time
	submittedAt time.Time
	reason      SubmitReason
	records     []model.ResponseRecord
	delivery    Delivery
	delivering  bool
	submitErr   error

	closed  bool
	seq     uint64
	pending []Event
}

// NewMonitor creates an idle monitor for one attempt.
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Exam == nil || opts.Exam.DurationSeconds() <= 0 || len(opts.Exam.Questions) == 0 {
		return nil, ErrInvalidExam
	}
	if opts.Display == nil || opts.Submitter == nil {
		return nil, errors.New("monitor requires a display and a submitter")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFunc(func(Event) {})
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.MaxWarnings <= 0 {
		opts.MaxWarnings = DefaultMaxWarnings
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}

	graceSeconds := int(opts.GracePeriod / time.Second)
	if graceSeconds < 1 {
		graceSeconds = 1
	}

	return &Monitor{
		sessionID:     opts.SessionID,
		studentID:     opts.StudentID,
		exam:          opts.Exam,
		rules:         opts.Exam.AntiCheat,
		clock:         opts.Clock,
		display:       opts.Display,
		submitter:     opts.Submitter,
		observer:      opts.Observer,
		log:           opts.Log.With().Str("session_id", opts.SessionID).Str("exam_id", opts.Exam.ID).Logger(),
		graceSeconds:  graceSeconds,
		maxWarnings:   opts.MaxWarnings,
		submitTimeout: opts.SubmitTimeout,
		phase:         PhaseIdle,
		remaining:     opts.Exam.DurationSeconds(),
		nav:           NewNavigator(opts.Exam.Questions),
	}, nil
}

func (m *Monitor) SessionID() string { return m.sessionID }

func (m *Monitor) StudentID() string { return m.studentID }

func (m *Monitor) Exam() *model.Exam { return m.exam }

// ─── Lifecycle ──────────────────────────────────────────────────────

// Start checks the access window, requests fullscreen when the exam enforces
// it and starts the countdown. On fullscreen denial the monitor stays idle.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlockAndDispatch()

	if m.closed {
		return ErrSessionClosed
	}
	if m.phase != PhaseIdle {
		return ErrAlreadyStarted
	}
	if err := CheckAccessWindow(m.exam, m.clock.Now()); err != nil {
		return err
	}

	if m.rules.Fullscreen {
		if err := m.display.RequestFullscreen(ctx); err != nil {
			if !errors.Is(err, ErrFullscreenUnsupported) {
				m.log.Info().Err(err).Msg("Fullscreen request denied")
				return fmt.Errorf("%w: %v", ErrFullscreenDenied, err)
			}
			m.log.Warn().Msg("Display has no fullscreen support, starting without it")
			m.fullscreenWaived = true
		}
	}

	m.phase = PhaseActive
	m.startedAt = m.clock.Now()
	m.startCountdown()

	m.log.Info().Int("duration_seconds", m.remaining).Msg("Exam started")
	m.emit(EventStarted)
	return nil
}

// Submit is the student's explicit, confirmed submission.
func (m *Monitor) Submit(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.unlockAndDispatch()
		return ErrSessionClosed
	case m.phase == PhaseIdle:
		m.unlockAndDispatch()
		return ErrNotStarted
	case m.phase == PhaseSubmitted:
		m.unlockAndDispatch()
		return ErrAlreadySubmitted
	}
	m.finish(ReasonStudent)
	m.unlockAndDispatch()

	return m.deliver(ctx)
}

// Abandon submits a running attempt whose student stopped reporting. An
// attempt left in return_grace is submitted as grace_expired since the
// student never came back. A submitted attempt is left as is.
func (m *Monitor) Abandon() error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.unlockAndDispatch()
		return ErrSessionClosed
	case m.phase == PhaseIdle:
		m.unlockAndDispatch()
		return ErrNotStarted
	case m.phase == PhaseSubmitted:
		m.unlockAndDispatch()
		return nil
	}

	reason := ReasonAbandoned
	if m.phase == PhaseReturnGrace {
		reason = ReasonGraceExpired
	}
	m.log.Warn().Str("phase", string(m.phase)).Msg("Student gone, submitting attempt")
	m.finish(reason)
	m.unlockAndDispatch()

	ctx, cancel := context.WithTimeout(context.Background(), m.submitTimeout)
	defer cancel()
	return m.deliver(ctx)
}

// RetrySubmit re-delivers the frozen responses after a failed delivery.
func (m *Monitor) RetrySubmit(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseSubmitted {
		m.unlockAndDispatch()
		return ErrNotSubmitted
	}
	if m.delivery != DeliveryFailed {
		m.unlockAndDispatch()
		return nil
	}
	m.unlockAndDispatch()

	return m.deliver(ctx)
}

// Close tears the monitor down without submitting. Tickers are stopped and
// every later call is ignored or rejected.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.stopCountdown()
	m.stopGrace()
	m.pending = nil
}

// ─── Integrity signals ──────────────────────────────────────────────

// HandleVisibilityChange is called whenever the page visibility may have changed.
func (m *Monitor) HandleVisibilityChange() {
	m.mu.Lock()
	submitted := false
	if m.running() {
		if !m.display.IsVisible() {
			if m.rules.TabSwitch {
				submitted = m.violation(model.ViolationTabHidden)
			}
		} else {
			m.tryRecover()
		}
	}
	m.unlockAndDispatch()

	if submitted {
		m.autoDeliver()
	}
}

// HandleFullscreenChange is called whenever the fullscreen state may have changed.
func (m *Monitor) HandleFullscreenChange() {
	m.mu.Lock()
	submitted := false
	if m.running() {
		if !m.display.IsFullscreen() {
			if m.rules.Fullscreen && !m.fullscreenWaived {
				submitted = m.violation(model.ViolationFullscreenExit)
			}
		} else {
			m.tryRecover()
		}
	}
	m.unlockAndDispatch()

	if submitted {
		m.autoDeliver()
	}
}

// Intercept decides whether a clipboard, context-menu or selection action is
// blocked. Blocked actions never count as violations.
func (m *Monitor) Intercept(action model.BlockedAction, inFormField bool) bool {
	m.mu.Lock()
	defer m.unlockAndDispatch()

	if !m.running() {
		return false
	}

	var blocked bool
	switch action {
	case model.ActionCopy, model.ActionPaste, model.ActionCut:
		blocked = m.rules.CopyPaste
	case model.ActionContextMenu:
		blocked = m.rules.RightClick
	case model.ActionSelectStart:
		blocked = m.rules.CopyPaste && !inFormField
	}

	if blocked {
		m.pending = append(m.pending, Event{
			Type:     EventBlocked,
			Snapshot: m.snapshotLocked(),
			Blocked:  action,
		})
	}
	return blocked
}

// ─── Navigation ─────────────────────────────────────────────────────

// Answer overwrites the answer of the current question.
func (m *Monitor) Answer(text string) error {
	return m.mutate(func() error { return m.nav.Answer(text) })
}

func (m *Monitor) ToggleFlag(idx int) error {
	return m.mutate(func() error {
		_, err := m.nav.ToggleFlag(idx)
		return err
	})
}

func (m *Monitor) Jump(idx int) error {
	return m.mutate(func() error { return m.nav.Jump(idx) })
}

// EnterOverview opens the review screen and freezes the countdown.
func (m *Monitor) EnterOverview() error {
	return m.mutate(func() error {
		m.nav.EnterOverview()
		m.paused = true
		m.stopCountdown()
		return nil
	})
}

// Resume leaves the review screen, at target when given, and restarts the countdown.
func (m *Monitor) Resume(target *int) error {
	return m.mutate(func() error {
		if err := m.nav.Resume(target); err != nil {
			return err
		}
		m.paused = false
		m.startCountdown()
		return nil
	})
}

// Overview lists every question with its answered and flagged markers.
func (m *Monitor) Overview() []QuestionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nav.Overview()
}

// Records returns the frozen responses once submitted.
func (m *Monitor) Records() []model.ResponseRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ResponseRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Outcome summarises a submitted attempt. ok is false before submission.
func (m *Monitor) Outcome() (model.AttemptOutcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseSubmitted {
		return model.AttemptOutcome{}, false
	}
	return model.AttemptOutcome{
		SessionID:   m.sessionID,
		ExamID:      m.exam.ID,
		StudentID:   m.studentID,
		Reason:      string(m.reason),
		Warnings:    m.warnings,
		Answered:    m.nav.Answered(),
		Total:       m.nav.Count(),
		Remaining:   m.remaining,
		Delivery:    string(m.delivery),
		StartedAt:   m.startedAt,
		SubmittedAt: m.submittedAt,
	}, true
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ─── Internal: timers ───────────────────────────────────────────────

func (m *Monitor) startCountdown() {
	if m.countdown != nil || m.paused || !m.running() {
		return
	}
	m.countdownGen++
	gen := m.countdownGen
	m.countdown = m.clock.Tick(time.Second, func() { m.onTick(gen) })
}

func (m *Monitor) stopCountdown() {
	if m.countdown != nil {
		m.countdown.Stop()
		m.countdown = nil
	}
	m.countdownGen++
}

func (m *Monitor) startGrace() {
	m.stopGrace()
	left := m.graceSeconds
	m.graceLeft = &left
	gen := m.graceGen
	m.grace = m.clock.Tick(time.Second, func() { m.onGraceTick(gen) })
}

func (m *Monitor) stopGrace() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.graceGen++
	m.graceLeft = nil
}

func (m *Monitor) onTick(gen uint64) {
	m.mu.Lock()
	if gen != m.countdownGen || !m.running() || m.paused {
		m.unlockAndDispatch()
		return
	}

	if m.remaining <= 1 {
		m.remaining = 0
		m.finish(ReasonTimeExpired)
		m.unlockAndDispatch()
		m.autoDeliver()
		return
	}

	m.remaining--
	m.emit(EventTick)
	m.unlockAndDispatch()
}

func (m *Monitor) onGraceTick(gen uint64) {
	m.mu.Lock()
	if gen != m.graceGen || m.closed || m.phase != PhaseReturnGrace || m.graceLeft == nil {
		m.unlockAndDispatch()
		return
	}

	*m.graceLeft--
	if *m.graceLeft <= 0 {
		m.log.Warn().Int("warnings", m.warnings).Msg("Grace period expired, auto-submitting")
		m.finish(ReasonGraceExpired)
		m.unlockAndDispatch()
		m.autoDeliver()
		return
	}

	m.emit(EventGraceTick)
	m.unlockAndDispatch()
}

// ─── Internal: transitions ──────────────────────────────────────────

func (m *Monitor) running() bool {
	return !m.closed && (m.phase == PhaseActive || m.phase == PhaseReturnGrace)
}

// violation applies a breach. It reports whether the attempt was submitted.
func (m *Monitor) violation(kind model.ViolationKind) bool {
	v := &model.Violation{
		SessionID:  m.sessionID,
		ExamID:     m.exam.ID,
		StudentID:  m.studentID,
		Kind:       kind,
		OccurredAt: m.clock.Now(),
	}

	// Coalesced into the running grace period.
	if m.phase == PhaseReturnGrace {
		v.Warning = m.warnings
		m.pending = append(m.pending, Event{Type: EventViolation, Snapshot: m.snapshotLocked(), Violation: v})
		return false
	}

	m.warnings++
	v.Warning = m.warnings
	v.Counted = true

	m.log.Warn().
		Str("kind", string(kind)).
		Int("warnings", m.warnings).
		Msg("Integrity violation")

	if m.warnings >= m.maxWarnings {
		m.pending = append(m.pending, Event{Type: EventViolation, Snapshot: m.snapshotLocked(), Violation: v})
		m.finish(ReasonMaxWarnings)
		return true
	}

	m.phase = PhaseReturnGrace
	m.startGrace()
	m.pending = append(m.pending, Event{Type: EventViolation, Snapshot: m.snapshotLocked(), Violation: v})
	return false
}

// tryRecover returns to active when the student is back on a visible,
// fullscreen page at the same instant.
func (m *Monitor) tryRecover() {
	if m.phase != PhaseReturnGrace {
		return
	}
	visible := !m.rules.TabSwitch || m.display.IsVisible()
	fullscreen := !m.rules.Fullscreen || m.fullscreenWaived || m.display.IsFullscreen()
	if !visible || !fullscreen {
		return
	}

	m.stopGrace()
	m.phase = PhaseActive
	m.log.Info().Int("warnings", m.warnings).Msg("Student returned within grace period")
	m.emit(EventRecovered)
}

// finish enters the terminal phase and freezes the responses. Callers must
// deliver after releasing the lock.
func (m *Monitor) finish(reason SubmitReason) {
	if m.phase == PhaseSubmitted {
		return
	}
	m.phase = PhaseSubmitted
	m.reason = reason
	m.stopCountdown()
	m.stopGrace()
	m.paused = false

	if m.display.IsFullscreen() {
		if err := m.display.ExitFullscreen(); err != nil {
			m.log.Warn().Err(err).Msg("Exit fullscreen failed")
		}
	}

	m.submittedAt = m.clock.Now()
	m.records = BuildResponses(m.exam, m.studentID, m.nav.Answers(), m.submittedAt)
	m.delivery = DeliveryPending

	m.log.Info().
		Str("reason", string(reason)).
		Int("warnings", m.warnings).
		Int("remaining_seconds", m.remaining).
		Msg("Exam submitted")
	m.emit(EventSubmitted)
}

func (m *Monitor) autoDeliver() {
	ctx, cancel := context.WithTimeout(context.Background(), m.submitTimeout)
	defer cancel()
	_ = m.deliver(ctx)
}

// deliver hands the frozen records to the submitter without holding the lock.
func (m *Monitor) deliver(ctx context.Context) error {
	m.mu.Lock()
	if m.delivering {
		m.unlockAndDispatch()
		return ErrSubmissionInFlight
	}
	if m.delivery == DeliveryDelivered || m.delivery == DeliveryQueued {
		m.unlockAndDispatch()
		return nil
	}
	m.delivering = true
	records := make([]model.ResponseRecord, len(m.records))
	copy(records, m.records)
	m.unlockAndDispatch()

	status, err := m.submitter.Submit(ctx, records)

	m.mu.Lock()
	m.delivering = false
	if err != nil {
		m.delivery = DeliveryFailed
		m.submitErr = err
		m.log.Error().Err(err).Msg("Submission failed, responses kept for retry")
	} else {
		if status == "" {
			status = DeliveryDelivered
		}
		m.delivery = status
		m.submitErr = nil
	}
	m.emit(EventDelivery)
	m.unlockAndDispatch()
	return err
}

// mutate runs a navigation change while the attempt is running.
func (m *Monitor) mutate(fn func() error) error {
	m.mu.Lock()
	defer m.unlockAndDispatch()

	switch {
	case m.closed || m.phase == PhaseSubmitted:
		return ErrSessionClosed
	case m.phase == PhaseIdle:
		return ErrNotStarted
	}
	if err := fn(); err != nil {
		return err
	}
	m.emit(EventUpdated)
	return nil
}

// ─── Internal: events ───────────────────────────────────────────────

func (m *Monitor) emit(t EventType) {
	m.pending = append(m.pending, Event{Type: t, Snapshot: m.snapshotLocked()})
}

// unlockAndDispatch releases the lock and then notifies the observer.
func (m *Monitor) unlockAndDispatch() {
	events := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range events {
		m.observer.OnEvent(ev)
	}
}

func (m *Monitor) snapshotLocked() Snapshot {
	m.seq++
	s := Snapshot{
		Seq:              m.seq,
		SessionID:        m.sessionID,
		ExamID:           m.exam.ID,
		StudentID:        m.studentID,
		Phase:            m.phase,
		DurationSeconds:  m.exam.DurationSeconds(),
		RemainingSeconds: m.remaining,
		LowTime:          m.remaining < LowTimeThreshold,
		Paused:           m.paused,
		Overview:         m.nav.InOverview(),
		Warnings:         m.warnings,
		MaxWarnings:      m.maxWarnings,
		CurrentIndex:     m.nav.Current(),
		QuestionCount:    m.nav.Count(),
		Flagged:          m.nav.Flagged(),
		Answered:         m.nav.Answered(),
		Answers:          m.nav.Answers(),
		SubmitReason:     m.reason,
		Delivery:         m.delivery,
	}
	if m.graceLeft != nil {
		left := *m.graceLeft
		s.GraceRemaining = &left
	}
	if m.submitErr != nil {
		s.SubmitError = m.submitErr.Error()
	}
	return s
}
