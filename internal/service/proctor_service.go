package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("student already has an open session for this exam")
	ErrNotSessionOwner = errors.New("session belongs to another student")
)

const (
	// sinkTimeout bounds the Redis calls made from monitor callbacks.
	sinkTimeout = 2 * time.Second
	// slotSlack keeps the per-student slot alive past the exam duration.
	slotSlack = 30 * time.Minute
	// submittedSlotTTL blocks a second attempt after submission.
	submittedSlotTTL = 24 * time.Hour
)

// Listener receives a live session's events. Implementations must not block.
type Listener interface {
	OnEvent(ev proctor.Event)
	OnExitFullscreen()
}

// ProctorOptions carries the integrity settings applied to every monitor.
type ProctorOptions struct {
	GracePeriod   time.Duration
	MaxWarnings   int
	SubmitTimeout time.Duration
	Clock         proctor.Clock
}

// LiveSession is one open attempt held in memory by this instance.
type LiveSession struct {
	ID        string
	ExamID    string
	StudentID string
	OpenedAt  time.Time
	Monitor   *proctor.Monitor
	Display   *ClientDisplay

	svc *ProctorService

	mu         sync.Mutex
	listeners  map[int]Listener
	nextID     int
	detachedAt time.Time
}

// Subscribe attaches a listener until the returned function is called.
func (s *LiveSession) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			if len(s.listeners) == 0 {
				s.detachedAt = time.Now()
			}
			s.mu.Unlock()
		})
	}
}

func (s *LiveSession) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// idleSince reports when the last listener left, or false while attached.
func (s *LiveSession) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) > 0 {
		return time.Time{}, false
	}
	return s.detachedAt, true
}

// OnEvent implements proctor.Observer.
func (s *LiveSession) OnEvent(ev proctor.Event) {
	s.svc.record(s, ev)
	for _, l := range s.snapshotListeners() {
		l.OnEvent(ev)
	}
}

func (s *LiveSession) exitFullscreen() {
	for _, l := range s.snapshotListeners() {
		l.OnExitFullscreen()
	}
}

// ProctorService owns the live sessions of this instance.
type ProctorService struct {
	exams       ExamSource
	submissions *SubmissionService
	locks       SessionLocks
	sink        EventSink
	opts        ProctorOptions
	log         zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*LiveSession
}

func NewProctorService(
	exams ExamSource,
	submissions *SubmissionService,
	locks SessionLocks,
	sink EventSink,
	opts ProctorOptions,
	log zerolog.Logger,
) *ProctorService {
	if opts.Clock == nil {
		opts.Clock = proctor.SystemClock{}
	}
	return &ProctorService{
		exams:       exams,
		submissions: submissions,
		locks:       locks,
		sink:        sink,
		opts:        opts,
		log:         log.With().Str("component", "proctor_service").Logger(),
		sessions:    make(map[string]*LiveSession),
	}
}

// Open loads the exam, checks its access window and creates an idle session.
// Opening again while a session is live on this instance returns that session.
func (p *ProctorService) Open(ctx context.Context, examID, studentID string) (*LiveSession, error) {
	exam, err := p.exams.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := proctor.CheckAccessWindow(exam, p.opts.Clock.Now()); err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	ttl := time.Duration(exam.DurationSeconds())*time.Second + slotSlack

	holder, ok, err := p.locks.Acquire(ctx, examID, studentID, sessionID, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		if holder == submittedMarker {
			return nil, proctor.ErrAlreadySubmitted
		}
		if live, err := p.Get(holder); err == nil && live.StudentID == studentID {
			return live, nil
		}
		return nil, ErrSessionExists
	}

	live := &LiveSession{
		ID:         sessionID,
		ExamID:     examID,
		StudentID:  studentID,
		OpenedAt:   p.opts.Clock.Now(),
		Display:    NewClientDisplay(),
		svc:        p,
		listeners:  make(map[int]Listener),
		detachedAt: time.Now(),
	}
	live.Display.OnExit(live.exitFullscreen)

	monitor, err := proctor.NewMonitor(proctor.Options{
		SessionID:     sessionID,
		StudentID:     studentID,
		Exam:          exam,
		Clock:         p.opts.Clock,
		Display:       live.Display,
		Submitter:     p.submissions.For(sessionID),
		Observer:      live,
		Log:           p.log,
		GracePeriod:   p.opts.GracePeriod,
		MaxWarnings:   p.opts.MaxWarnings,
		SubmitTimeout: p.opts.SubmitTimeout,
	})
	if err != nil {
		_ = p.locks.Release(ctx, examID, studentID, sessionID)
		return nil, err
	}
	live.Monitor = monitor

	p.mu.Lock()
	p.sessions[sessionID] = live
	p.mu.Unlock()

	p.log.Info().
		Str("session_id", sessionID).
		Str("exam_id", examID).
		Str("student_id", studentID).
		Msg("Session opened")
	p.publish(live, "session_opened", monitor.Snapshot())
	return live, nil
}

func (p *ProctorService) Get(sessionID string) (*LiveSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	live, ok := p.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return live, nil
}

// GetOwned returns the session only if it belongs to studentID.
func (p *ProctorService) GetOwned(sessionID, studentID string) (*LiveSession, error) {
	live, err := p.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if live.StudentID != studentID {
		return nil, ErrNotSessionOwner
	}
	return live, nil
}

// Close tears a session down without submitting it and releases the slot
// of an unsubmitted attempt. It is the teardown used on shutdown and for
// sessions that were never started.
func (p *ProctorService) Close(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	live, ok := p.sessions[sessionID]
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	live.Monitor.Close()
	snap := live.Monitor.Snapshot()
	if snap.Phase != proctor.PhaseSubmitted {
		if err := p.locks.Release(ctx, live.ExamID, live.StudentID, live.ID); err != nil {
			p.log.Warn().Err(err).Str("session_id", sessionID).Msg("Release session slot failed")
		}
	}

	p.log.Info().
		Str("session_id", sessionID).
		Str("phase", string(snap.Phase)).
		Msg("Session closed")
	p.publish(live, "session_closed", snap)
	return nil
}

// Leave ends a session whose student has gone. A session that never started
// is closed and its slot released. A running attempt is submitted as
// abandoned, so leaving can never reset its timer or warnings. The session
// stays in memory while its delivery is in flight or has failed, and Leave
// then reports closed=false; the student can reconnect and retry.
func (p *ProctorService) Leave(ctx context.Context, sessionID string) (closed bool, err error) {
	live, err := p.Get(sessionID)
	if err != nil {
		return false, err
	}

	switch live.Monitor.Snapshot().Phase {
	case proctor.PhaseIdle:
		return true, p.Close(ctx, sessionID)
	case proctor.PhaseActive, proctor.PhaseReturnGrace:
		if err := live.Monitor.Abandon(); err != nil && !errors.Is(err, proctor.ErrSubmissionInFlight) {
			p.log.Warn().Err(err).Str("session_id", sessionID).Msg("Abandoned attempt not delivered")
		}
	default:
		if live.Monitor.Snapshot().Delivery == proctor.DeliveryFailed {
			if err := live.Monitor.RetrySubmit(ctx); err != nil {
				p.log.Warn().Err(err).Str("session_id", sessionID).Msg("Retry of failed delivery failed")
			}
		}
	}

	switch live.Monitor.Snapshot().Delivery {
	case proctor.DeliveryDelivered, proctor.DeliveryQueued:
		return true, p.Close(ctx, sessionID)
	}
	return false, nil
}

// ListByExam returns snapshots of the live sessions of an exam, by student.
func (p *ProctorService) ListByExam(examID string) []proctor.Snapshot {
	p.mu.RLock()
	lives := make([]*LiveSession, 0)
	for _, live := range p.sessions {
		if live.ExamID == examID {
			lives = append(lives, live)
		}
	}
	p.mu.RUnlock()

	out := make([]proctor.Snapshot, 0, len(lives))
	for _, live := range lives {
		out = append(out, live.Monitor.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// Count returns the number of live sessions held by this instance.
func (p *ProctorService) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// StartReaper makes every session that has had no listener for longer than
// idle leave. A dropped stream alone never ends an attempt; the student can
// reconnect to the same session until the reaper runs.
func (p *ProctorService) StartReaper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap(ctx, idle)
		}
	}
}

func (p *ProctorService) reap(ctx context.Context, idle time.Duration) {
	p.mu.RLock()
	var stale []string
	for id, live := range p.sessions {
		if since, detached := live.idleSince(); detached && time.Since(since) >= idle {
			stale = append(stale, id)
		}
	}
	p.mu.RUnlock()

	reaped := 0
	for _, id := range stale {
		live, err := p.Get(id)
		if err != nil {
			continue
		}
		if _, detached := live.idleSince(); !detached {
			continue
		}
		if closed, _ := p.Leave(ctx, id); closed {
			reaped++
		}
	}
	if len(stale) > 0 {
		p.log.Info().Int("detached", len(stale)).Int("closed", reaped).Msg("Reaped detached sessions")
	}
}

// Shutdown closes every live session. Running attempts are torn down, not
// submitted, and their slots are released.
func (p *ProctorService) Shutdown(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		_ = p.Close(ctx, id)
	}
}

// record forwards audit-relevant events to the sink.
func (p *ProctorService) record(live *LiveSession, ev proctor.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	switch ev.Type {
	case proctor.EventViolation:
		if ev.Violation != nil {
			if err := p.sink.QueueViolation(ctx, *ev.Violation); err != nil {
				p.log.Error().Err(err).Str("session_id", live.ID).Msg("Queue violation failed")
			}
			p.publishViolation(ctx, live, ev)
		}

	case proctor.EventSubmitted:
		if err := p.locks.MarkSubmitted(ctx, live.ExamID, live.StudentID, submittedSlotTTL); err != nil {
			p.log.Warn().Err(err).Str("session_id", live.ID).Msg("Mark session submitted failed")
		}
		p.queueOutcome(ctx, live)
		p.publish(live, string(ev.Type), ev.Snapshot)

	case proctor.EventDelivery:
		p.queueOutcome(ctx, live)
		p.publish(live, string(ev.Type), ev.Snapshot)

	case proctor.EventStarted, proctor.EventRecovered:
		p.publish(live, string(ev.Type), ev.Snapshot)
	}
}

func (p *ProctorService) queueOutcome(ctx context.Context, live *LiveSession) {
	outcome, ok := live.Monitor.Outcome()
	if !ok {
		return
	}
	if err := p.sink.QueueAttempt(ctx, outcome); err != nil {
		p.log.Error().Err(err).Str("session_id", live.ID).Msg("Queue attempt outcome failed")
	}
}

func (p *ProctorService) publishViolation(ctx context.Context, live *LiveSession, ev proctor.Event) {
	msg := MonitorMessage{Type: string(proctor.EventViolation), Data: map[string]interface{}{
		"violation": ev.Violation,
		"session":   ev.Snapshot,
	}}
	if err := p.sink.Publish(ctx, live.ExamID, msg); err != nil {
		p.log.Warn().Err(err).Str("session_id", live.ID).Msg("Publish violation failed")
	}
}

func (p *ProctorService) publish(live *LiveSession, typ string, snap proctor.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := p.sink.Publish(ctx, live.ExamID, MonitorMessage{Type: typ, Data: snap}); err != nil {
		p.log.Warn().Err(err).Str("session_id", live.ID).Str("type", typ).Msg("Publish monitor message failed")
	}
}
