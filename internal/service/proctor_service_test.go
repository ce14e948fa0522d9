package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/examapi"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/outbox"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/proctor/proctortest"
)

var now0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// ─── Fakes ──────────────────────────────────────────────────────────

type fakeExams struct {
	exams map[string]*model.Exam
}

func (f *fakeExams) GetExam(ctx context.Context, examID string) (*model.Exam, error) {
	exam, ok := f.exams[examID]
	if !ok {
		return nil, examapi.ErrExamNotFound
	}
	return exam, nil
}

type fakeLocks struct {
	mu    sync.Mutex
	slots map[string]string
}

func newFakeLocks() *fakeLocks { return &fakeLocks{slots: make(map[string]string)} }

func (l *fakeLocks) Acquire(ctx context.Context, examID, studentID, sessionID string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := examID + ":" + studentID
	if holder, ok := l.slots[key]; ok {
		return holder, false, nil
	}
	l.slots[key] = sessionID
	return sessionID, true, nil
}

func (l *fakeLocks) MarkSubmitted(ctx context.Context, examID, studentID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[examID+":"+studentID] = submittedMarker
	return nil
}

func (l *fakeLocks) Release(ctx context.Context, examID, studentID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := examID + ":" + studentID
	if l.slots[key] == sessionID {
		delete(l.slots, key)
	}
	return nil
}

func (l *fakeLocks) holder(examID, studentID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[examID+":"+studentID]
}

type fakeSink struct {
	mu         sync.Mutex
	messages   []MonitorMessage
	violations []model.Violation
	attempts   []model.AttemptOutcome
}

func (s *fakeSink) Publish(ctx context.Context, examID string, msg MonitorMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeSink) QueueViolation(ctx context.Context, v model.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
	return nil
}

func (s *fakeSink) QueueAttempt(ctx context.Context, o model.AttemptOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, o)
	return nil
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Type
	}
	return out
}

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *fakeSender) SubmitResponses(ctx context.Context, records []model.ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

type memOutbox struct {
	mu      sync.Mutex
	items   []*outbox.Submission
	failErr error
}

func (o *memOutbox) Enqueue(ctx context.Context, s *outbox.Submission) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failErr != nil {
		return o.failErr
	}
	o.items = append(o.items, s)
	return nil
}

func (o *memOutbox) Dequeue(ctx context.Context, wait time.Duration) (*outbox.Submission, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, nil
	}
	s := o.items[0]
	o.items = o.items[1:]
	return s, nil
}

func (o *memOutbox) Requeue(ctx context.Context, s *outbox.Submission) error {
	return o.Enqueue(ctx, s)
}
func (o *memOutbox) Ack(ctx context.Context, s *outbox.Submission) error  { return nil }
func (o *memOutbox) Bury(ctx context.Context, s *outbox.Submission) error { return nil }
func (o *memOutbox) Close() error                                         { return nil }

func (o *memOutbox) Len(ctx context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int64(len(o.items)), nil
}

type listener struct {
	mu     sync.Mutex
	events []proctor.Event
	exits  int
}

func (l *listener) OnEvent(ev proctor.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *listener) OnExitFullscreen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exits++
}

func (l *listener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// ─── Fixture ────────────────────────────────────────────────────────

type fixture struct {
	svc    *ProctorService
	clock  *proctortest.FakeClock
	locks  *fakeLocks
	sink   *fakeSink
	sender *fakeSender
	box    *memOutbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	end := now0.Add(2 * time.Hour)
	exams := &fakeExams{exams: map[string]*model.Exam{
		"exam-1": {
			ID:              "exam-1",
			Title:           "Physics",
			DurationMinutes: 30,
			ScheduleStart:   now0.Add(-time.Minute),
			AccessEnd:       &end,
			AntiCheat:       model.DefaultAntiCheatConfig(),
			Questions: []model.Question{
				{ID: "q1", Text: "g?", Type: model.QuestionTypeOneWord, Marks: 1},
				{ID: "q2", Text: "c?", Type: model.QuestionTypeOneWord, Marks: 1},
			},
		},
		"exam-later": {
			ID:              "exam-later",
			DurationMinutes: 30,
			ScheduleStart:   now0.Add(time.Hour),
			Questions:       []model.Question{{ID: "q1", Type: model.QuestionTypeOneWord}},
		},
	}}

	f := &fixture{
		clock:  proctortest.NewFakeClock(now0),
		locks:  newFakeLocks(),
		sink:   &fakeSink{},
		sender: &fakeSender{},
		box:    &memOutbox{},
	}
	subs := NewSubmissionService(f.sender, f.box, zerolog.Nop())
	f.svc = NewProctorService(exams, subs, f.locks, f.sink, ProctorOptions{
		GracePeriod: 10 * time.Second,
		MaxWarnings: 3,
		Clock:       f.clock,
	}, zerolog.Nop())
	return f
}

func startLive(t *testing.T, live *LiveSession) {
	t.Helper()
	live.Display.SetRequestResult(FullscreenGranted)
	require.NoError(t, live.Monitor.Start(context.Background()))
}

// ─── Tests ──────────────────────────────────────────────────────────

func TestOpen_CreatesIdleSession(t *testing.T) {
	f := newFixture(t)

	live, err := f.svc.Open(context.Background(), "exam-1", "ana@example.com")
	require.NoError(t, err)

	assert.Equal(t, proctor.PhaseIdle, live.Monitor.Snapshot().Phase)
	assert.Equal(t, live.ID, f.locks.holder("exam-1", "ana@example.com"))
	assert.Equal(t, []string{"session_opened"}, f.sink.types())
	assert.Equal(t, 1, f.svc.Count())
}

func TestOpen_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Open(ctx, "missing", "ana@example.com")
	assert.ErrorIs(t, err, examapi.ErrExamNotFound)

	_, err = f.svc.Open(ctx, "exam-later", "ana@example.com")
	assert.ErrorIs(t, err, proctor.ErrExamNotOpen)
	assert.Empty(t, f.locks.holder("exam-later", "ana@example.com"))
}

func TestOpen_ReturnsExistingLocalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	again, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)

	assert.Same(t, first, again)
	assert.Equal(t, 1, f.svc.Count())
}

func TestOpen_RejectsSessionHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.locks.slots["exam-1:ana@example.com"] = "other-instance-session"

	_, err := f.svc.Open(context.Background(), "exam-1", "ana@example.com")
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestGetOwned(t *testing.T) {
	f := newFixture(t)
	live, err := f.svc.Open(context.Background(), "exam-1", "ana@example.com")
	require.NoError(t, err)

	got, err := f.svc.GetOwned(live.ID, "ana@example.com")
	require.NoError(t, err)
	assert.Same(t, live, got)

	_, err = f.svc.GetOwned(live.ID, "ben@example.com")
	assert.ErrorIs(t, err, ErrNotSessionOwner)

	_, err = f.svc.GetOwned("nope", "ana@example.com")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubmit_MarksSlotAndQueuesOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	startLive(t, live)

	require.NoError(t, live.Monitor.Submit(ctx))

	assert.Equal(t, submittedMarker, f.locks.holder("exam-1", "ana@example.com"))
	require.Len(t, f.sink.attempts, 2)
	assert.Equal(t, string(proctor.DeliveryPending), f.sink.attempts[0].Delivery)
	assert.Equal(t, string(proctor.DeliveryDelivered), f.sink.attempts[1].Delivery)
	assert.Equal(t, string(proctor.ReasonStudent), f.sink.attempts[1].Reason)
	assert.Equal(t, 1, f.sender.calls)

	_, err = f.svc.Open(ctx, "exam-1", "ana@example.com")
	assert.ErrorIs(t, err, proctor.ErrAlreadySubmitted)
}

func TestSubmit_QueuesToOutboxWhenAPIIsDown(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("connection refused")
	ctx := context.Background()
	live, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	startLive(t, live)

	require.NoError(t, live.Monitor.Submit(ctx))

	assert.Equal(t, proctor.DeliveryQueued, live.Monitor.Snapshot().Delivery)
	n, _ := f.box.Len(ctx)
	assert.EqualValues(t, 1, n)
}

func TestSubmit_PermanentRejectionIsFailed(t *testing.T) {
	f := newFixture(t)
	f.sender.err = &examapi.StatusError{Op: "submit", Status: 422, Detail: "bad payload"}
	ctx := context.Background()
	live, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	startLive(t, live)

	assert.Error(t, live.Monitor.Submit(ctx))
	assert.Equal(t, proctor.DeliveryFailed, live.Monitor.Snapshot().Delivery)
	n, _ := f.box.Len(ctx)
	assert.Zero(t, n)
}

func TestSubmit_AlreadySubmittedCountsAsDelivered(t *testing.T) {
	f := newFixture(t)
	f.sender.err = fmt.Errorf("submit: %w", examapi.ErrAlreadySubmitted)
	ctx := context.Background()
	live, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	startLive(t, live)

	require.NoError(t, live.Monitor.Submit(ctx))
	assert.Equal(t, proctor.DeliveryDelivered, live.Monitor.Snapshot().Delivery)
}

func TestViolation_QueuedAndPublished(t *testing.T) {
	f := newFixture(t)
	live, err := f.svc.Open(context.Background(), "exam-1", "ana@example.com")
	require.NoError(t, err)
	startLive(t, live)

	live.Display.Update(false, true)
	live.Monitor.HandleVisibilityChange()

	require.Len(t, f.sink.violations, 1)
	v := f.sink.violations[0]
	assert.Equal(t, model.ViolationTabHidden, v.Kind)
	assert.Equal(t, "exam-1", v.ExamID)
	assert.True(t, v.Counted)
	assert.Contains(t, f.sink.types(), "violation")
}

func TestListenersReceiveEventsAndExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)

	l := &listener{}
	unsubscribe := live.Subscribe(l)
	startLive(t, live)
	assert.Equal(t, 1, l.count())

	_, detached := live.idleSince()
	assert.False(t, detached)

	require.NoError(t, live.Monitor.Submit(ctx))
	assert.Equal(t, 3, l.count(), "started, submitted, delivery")
	assert.Equal(t, 1, l.exits)

	unsubscribe()
	unsubscribe()
	_, detached = live.idleSince()
	assert.True(t, detached)
	assert.ErrorIs(t, live.Monitor.Jump(0), proctor.ErrSessionClosed)
	assert.Equal(t, 3, l.count())
}

func TestClose_ReleasesUnsubmittedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	startLive(t, live)

	require.NoError(t, f.svc.Close(ctx, live.ID))

	assert.Empty(t, f.locks.holder("exam-1", "ana@example.com"))
	assert.Zero(t, f.clock.Active(), "timers stopped")
	assert.Zero(t, f.sender.calls, "close never submits")
	assert.ErrorIs(t, f.svc.Close(ctx, live.ID), ErrSessionNotFound)

	_, err = f.svc.Open(ctx, "exam-1", "ana@example.com")
	assert.NoError(t, err)
}

func TestListByExam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Open(ctx, "exam-1", "zoe@example.com")
	require.NoError(t, err)
	_, err = f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)

	list := f.svc.ListByExam("exam-1")
	require.Len(t, list, 2)
	assert.Equal(t, "ana@example.com", list[0].StudentID)
	assert.Equal(t, "zoe@example.com", list[1].StudentID)
	assert.Empty(t, f.svc.ListByExam("exam-2"))
}

func TestReap_EndsDetachedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idle, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	running, err := f.svc.Open(ctx, "exam-1", "ben@example.com")
	require.NoError(t, err)
	startLive(t, running)
	require.NoError(t, running.Monitor.Answer("9.8"))
	attached, err := f.svc.Open(ctx, "exam-1", "cy@example.com")
	require.NoError(t, err)
	attached.Subscribe(&listener{})
	startLive(t, attached)

	f.svc.reap(ctx, 0)

	_, err = f.svc.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, f.locks.holder("exam-1", "ana@example.com"), "idle slot released")

	_, err = f.svc.Get(running.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, submittedMarker, f.locks.holder("exam-1", "ben@example.com"))
	snap := running.Monitor.Snapshot()
	assert.Equal(t, proctor.ReasonAbandoned, snap.SubmitReason)
	assert.Equal(t, proctor.DeliveryDelivered, snap.Delivery)
	assert.Equal(t, 1, f.sender.calls)

	_, err = f.svc.Get(attached.ID)
	assert.NoError(t, err)
	assert.Equal(t, proctor.PhaseActive, attached.Monitor.Snapshot().Phase)
}

func TestLeave_DuringGraceSubmitsAsGraceExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	startLive(t, live)
	f.clock.Advance(20 * time.Minute)

	live.Display.Update(false, true)
	live.Monitor.HandleVisibilityChange()
	require.Equal(t, proctor.PhaseReturnGrace, live.Monitor.Snapshot().Phase)

	closed, err := f.svc.Leave(ctx, live.ID)
	require.NoError(t, err)
	assert.True(t, closed)

	snap := live.Monitor.Snapshot()
	assert.Equal(t, proctor.ReasonGraceExpired, snap.SubmitReason)
	assert.Equal(t, 1, snap.Warnings)
	assert.Equal(t, 10*60, snap.RemainingSeconds)

	_, err = f.svc.Open(ctx, "exam-1", "ana@example.com")
	assert.ErrorIs(t, err, proctor.ErrAlreadySubmitted, "a new attempt cannot reset the timer or warnings")
}

func TestLeave_KeepsSessionWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	f.sender.err = &examapi.StatusError{Op: "submit", Status: 422, Detail: "bad payload"}
	ctx := context.Background()
	live, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	startLive(t, live)

	closed, err := f.svc.Leave(ctx, live.ID)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, proctor.DeliveryFailed, live.Monitor.Snapshot().Delivery)

	f.sender.mu.Lock()
	f.sender.err = nil
	f.sender.mu.Unlock()

	closed, err = f.svc.Leave(ctx, live.ID)
	require.NoError(t, err)
	assert.True(t, closed, "the retry delivered")
	assert.Equal(t, 2, f.sender.calls)

	_, err = f.svc.Leave(ctx, live.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestShutdown_ClosesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Open(ctx, "exam-1", "ana@example.com")
	require.NoError(t, err)
	_, err = f.svc.Open(ctx, "exam-1", "ben@example.com")
	require.NoError(t, err)

	f.svc.Shutdown(ctx)
	assert.Zero(t, f.svc.Count())
}
