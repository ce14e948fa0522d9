package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/examapi"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/outbox"
	"github.com/stemsi/exstem-proctor/internal/proctor/proctortest"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

// ─── Fakes ──────────────────────────────────────────────────────────

type examSource map[string]*model.Exam

func (s examSource) GetExam(ctx context.Context, examID string) (*model.Exam, error) {
	if exam, ok := s[examID]; ok {
		return exam, nil
	}
	return nil, examapi.ErrExamNotFound
}

type memLocks struct {
	mu    sync.Mutex
	slots map[string]string
}

func (l *memLocks) Acquire(ctx context.Context, examID, studentID, sessionID string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.slots[examID+studentID]; ok {
		return holder, false, nil
	}
	l.slots[examID+studentID] = sessionID
	return sessionID, true, nil
}

func (l *memLocks) MarkSubmitted(ctx context.Context, examID, studentID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slots[examID+studentID] = "submitted"
	return nil
}

func (l *memLocks) Release(ctx context.Context, examID, studentID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots[examID+studentID] == sessionID {
		delete(l.slots, examID+studentID)
	}
	return nil
}

type nopSink struct{}

func (nopSink) Publish(ctx context.Context, examID string, msg service.MonitorMessage) error {
	return nil
}
func (nopSink) QueueViolation(ctx context.Context, v model.Violation) error         { return nil }
func (nopSink) QueueAttempt(ctx context.Context, o model.AttemptOutcome) error      { return nil }
func (nopSink) SubmitResponses(ctx context.Context, r []model.ResponseRecord) error { return nil }

type nopOutbox struct{}

func (nopOutbox) Enqueue(ctx context.Context, s *outbox.Submission) error { return nil }
func (nopOutbox) Dequeue(ctx context.Context, wait time.Duration) (*outbox.Submission, error) {
	return nil, nil
}
func (nopOutbox) Requeue(ctx context.Context, s *outbox.Submission) error { return nil }
func (nopOutbox) Ack(ctx context.Context, s *outbox.Submission) error     { return nil }
func (nopOutbox) Bury(ctx context.Context, s *outbox.Submission) error    { return nil }
func (nopOutbox) Len(ctx context.Context) (int64, error)                  { return 0, nil }
func (nopOutbox) Close() error                                            { return nil }

type attemptStore struct {
	attempts []model.AttemptOutcome
	counts   map[string]int64
}

func (s *attemptStore) ListByExam(ctx context.Context, examID string) ([]model.AttemptOutcome, error) {
	return s.attempts, nil
}

func (s *attemptStore) CountByExam(ctx context.Context, examID string) (map[string]int64, error) {
	return s.counts, nil
}

// ─── Fixture ────────────────────────────────────────────────────────

type env struct {
	engine   *gin.Engine
	proctor  *service.ProctorService
	auth     *service.AuthService
	store    *attemptStore
	student  string
	intruder string
	proctorT string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := time.Now().UTC()
	exams := examSource{
		"exam-1": {
			ID:              "exam-1",
			Title:           "Chemistry",
			DurationMinutes: 20,
			ScheduleStart:   now.Add(-time.Minute),
			AntiCheat:       model.AntiCheatConfig{Fullscreen: true, TabSwitch: true, CopyPaste: true, RightClick: true},
			Questions: []model.Question{
				{ID: "q1", Text: "H2O?", Type: model.QuestionTypeOneWord, Marks: 1},
				{ID: "q2", Text: "NaCl?", Type: model.QuestionTypeOneWord, Marks: 1},
			},
		},
		"exam-later": {
			ID:              "exam-later",
			DurationMinutes: 20,
			ScheduleStart:   now.Add(time.Hour),
			Questions:       []model.Question{{ID: "q1", Type: model.QuestionTypeOneWord}},
		},
	}

	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "handler-test-secret", SubmitTimeout: 5 * time.Second}
	log := zerolog.Nop()
	auth := service.NewAuthService(cfg)
	subs := service.NewSubmissionService(nopSink{}, nopOutbox{}, log)
	ps := service.NewProctorService(exams, subs, &memLocks{slots: map[string]string{}}, nopSink{}, service.ProctorOptions{
		GracePeriod: 10 * time.Second,
		MaxWarnings: 3,
		Clock:       proctortest.NewFakeClock(now),
	}, log)
	store := &attemptStore{}

	limiter := middleware.NewRateLimiter(100, time.Minute)
	t.Cleanup(limiter.Stop)

	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(ps, log),
		WS:      handler.NewWSHandler(ps, cfg.SubmitTimeout, log, nil),
		Monitor: handler.NewMonitorHandler(nil, exams, ps, store, store, log),
		System:  handler.NewSystemHandler(nil, nil, nopOutbox{}, ps, log),
	}

	e := &env{
		engine:  router.SetupRouter(auth, handlers, limiter, cfg, log),
		proctor: ps,
		auth:    auth,
		store:   store,
	}
	e.student = e.token(t, service.RoleStudent, "ana@example.com")
	e.intruder = e.token(t, service.RoleStudent, "ben@example.com")
	e.proctorT = e.token(t, service.RoleTeacher, "")
	return e
}

func (e *env) token(t *testing.T, role, email string) string {
	t.Helper()
	tok, err := e.auth.IssueToken("sub-"+role+email, role, "Test", email, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(method, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	e.engine.ServeHTTP(w, req)
	return w
}

type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var r apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r), w.Body.String())
	return r
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	r := decode(t, w)
	require.NotNil(t, r.Error, w.Body.String())
	return r.Error.Code
}

func (e *env) open(t *testing.T) string {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/student/exams/exam-1/sessions", e.student)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var data struct {
		SessionID string `json:"session_id"`
		Snapshot  struct {
			Phase string `json:"phase"`
		} `json:"snapshot"`
		Exam struct {
			Questions []model.Question `json:"questions"`
		} `json:"exam"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &data))
	assert.Equal(t, "idle", data.Snapshot.Phase)
	assert.Len(t, data.Exam.Questions, 2)
	return data.SessionID
}

// ─── REST ───────────────────────────────────────────────────────────

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	id := e.open(t)

	w := e.do(http.MethodGet, "/api/v1/student/sessions/"+id, e.student)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(http.MethodGet, "/api/v1/student/sessions/"+id, e.intruder)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_SESSION_OWNER", errCode(t, w))

	w = e.do(http.MethodDelete, "/api/v1/student/sessions/"+id, e.student)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(http.MethodGet, "/api/v1/student/sessions/"+id, e.student)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", errCode(t, w))
}

func TestOpenSession_Errors(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodPost, "/api/v1/student/exams/exam-later/sessions", e.student)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "EXAM_NOT_OPEN", errCode(t, w))

	w = e.do(http.MethodPost, "/api/v1/student/exams/nope/sessions", e.student)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodPost, "/api/v1/student/exams/exam.1/sessions", e.student)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", errCode(t, w))

	w = e.do(http.MethodPost, "/api/v1/student/exams/exam-1/sessions", e.proctorT)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "STUDENT_ACCESS_ONLY", errCode(t, w))

	w = e.do(http.MethodPost, "/api/v1/student/exams/exam-1/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProctorRoutes(t *testing.T) {
	e := newEnv(t)
	e.open(t)
	e.store.attempts = []model.AttemptOutcome{{SessionID: "s-old", ExamID: "exam-1", StudentID: "zoe@example.com", Reason: "student"}}
	e.store.counts = map[string]int64{"zoe@example.com": 2}

	w := e.do(http.MethodGet, "/api/v1/proctor/exams/exam-1/sessions", e.student)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PROCTOR_ACCESS_ONLY", errCode(t, w))

	w = e.do(http.MethodGet, "/api/v1/proctor/exams/exam-1/sessions", e.proctorT)
	require.Equal(t, http.StatusOK, w.Code)
	var live []struct {
		StudentID string `json:"student_id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &live))
	require.Len(t, live, 1)
	assert.Equal(t, "ana@example.com", live[0].StudentID)

	w = e.do(http.MethodGet, "/api/v1/proctor/exams/exam-1/attempts", e.proctorT)
	require.Equal(t, http.StatusOK, w.Code)
	var attempts []struct {
		StudentID  string `json:"student_id"`
		Violations int64  `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &attempts))
	require.Len(t, attempts, 1)
	assert.EqualValues(t, 2, attempts[0].Violations)
}

// ─── WebSocket ──────────────────────────────────────────────────────

type wsMsg struct {
	Event   string `json:"event"`
	Reason  string `json:"reason"`
	Code    string `json:"code"`
	Warning int    `json:"warning"`
	Counted bool   `json:"counted"`
	Kind    string `json:"kind"`
	Data    struct {
		Phase    string `json:"phase"`
		Warnings int    `json:"warnings"`
		Answered int    `json:"answered"`
	} `json:"data"`
}

func dialSession(t *testing.T, srv *httptest.Server, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/student/sessions/" + sessionID + "/stream?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn, event string) wsMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var m wsMsg
		require.NoError(t, conn.ReadJSON(&m))
		if m.Event == event {
			return m
		}
	}
}

func TestSessionStream(t *testing.T) {
	e := newEnv(t)
	id := e.open(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	conn := dialSession(t, srv, id, e.student)
	assert.Equal(t, "connected", next(t, conn, "snapshot").Reason)

	send := func(v interface{}) { require.NoError(t, conn.WriteJSON(v)) }

	send(map[string]interface{}{"action": "ping"})
	next(t, conn, "pong")

	send(map[string]interface{}{"action": "answer", "ans": "water"})
	assert.Equal(t, "EXAM_NOT_STARTED", next(t, conn, "error").Code)

	send(map[string]interface{}{"action": "start", "fullscreen": "maybe"})
	assert.Equal(t, "VALIDATION_ERROR", next(t, conn, "error").Code)

	send(map[string]interface{}{"action": "start", "fullscreen": "denied"})
	assert.Equal(t, "FULLSCREEN_DENIED", next(t, conn, "error").Code)

	send(map[string]interface{}{"action": "start", "fullscreen": "granted"})
	assert.Equal(t, "started", next(t, conn, "snapshot").Reason)

	send(map[string]interface{}{"action": "answer", "ans": "water"})
	assert.Equal(t, "updated", next(t, conn, "snapshot").Reason)

	send(map[string]interface{}{"action": "jump", "index": 9})
	assert.Equal(t, "QUESTION_OUT_OF_RANGE", next(t, conn, "error").Code)

	send(map[string]interface{}{"action": "flag"})
	assert.Equal(t, "VALIDATION_ERROR", next(t, conn, "error").Code)

	send(map[string]interface{}{"action": "teleport"})
	assert.Equal(t, "UNKNOWN_ACTION", next(t, conn, "error").Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "INVALID_PAYLOAD", next(t, conn, "error").Code)

	send(map[string]interface{}{"action": "intercept", "kind": "copy", "in_form_field": false})
	assert.Equal(t, "copy", next(t, conn, "blocked").Kind)

	send(map[string]interface{}{"action": "signal", "visible": false, "fullscreen": true})
	v := next(t, conn, "violation")
	assert.Equal(t, 1, v.Warning)
	assert.True(t, v.Counted)
	assert.Equal(t, "tab_hidden", v.Kind)

	send(map[string]interface{}{"action": "signal", "visible": true, "fullscreen": true})
	assert.Equal(t, "recovered", next(t, conn, "snapshot").Reason)

	send(map[string]interface{}{"action": "overview"})
	next(t, conn, "overview")
	send(map[string]interface{}{"action": "resume", "index": 1})
	assert.Equal(t, "updated", next(t, conn, "snapshot").Reason)

	send(map[string]interface{}{"action": "submit"})
	next(t, conn, "exit_fullscreen")
	next(t, conn, "submitted")

	send(map[string]interface{}{"action": "submit"})
	assert.Equal(t, "EXAM_ALREADY_SUBMITTED", next(t, conn, "error").Code)

	require.NoError(t, conn.Close())

	w := e.do(http.MethodPost, "/api/v1/student/exams/exam-1/sessions", e.student)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "EXAM_ALREADY_SUBMITTED", errCode(t, w))
}

func TestSessionStream_RejectsOtherStudent(t *testing.T) {
	e := newEnv(t)
	id := e.open(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/student/sessions/" + id + "/stream?token=" + e.intruder
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func read(t *testing.T, conn *websocket.Conn) wsMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m wsMsg
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestSessionStream_ReconnectResumesAttempt(t *testing.T) {
	e := newEnv(t)
	id := e.open(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	conn := dialSession(t, srv, id, e.student)
	next(t, conn, "snapshot")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "start", "fullscreen": "granted"}))
	next(t, conn, "snapshot")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "answer", "ans": "water"}))
	next(t, conn, "snapshot")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "signal", "visible": false, "fullscreen": true}))
	assert.Equal(t, 1, next(t, conn, "violation").Warning)
	require.NoError(t, conn.Close())

	conn = dialSession(t, srv, id, e.student)
	snap := next(t, conn, "snapshot")
	assert.Equal(t, "connected", snap.Reason)
	assert.Equal(t, "return_grace", snap.Data.Phase)
	assert.Equal(t, 1, snap.Data.Warnings)
	assert.Equal(t, 1, snap.Data.Answered)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "signal", "visible": true, "fullscreen": true}))
	recovered := next(t, conn, "snapshot")
	assert.Equal(t, "recovered", recovered.Reason)
	assert.Equal(t, "active", recovered.Data.Phase)
	assert.Equal(t, 1, recovered.Data.Warnings)
	assert.Equal(t, 1, e.proctor.Count())

	w := e.do(http.MethodPost, "/api/v1/student/exams/exam-1/sessions", e.student)
	require.Equal(t, http.StatusCreated, w.Code)
	var reopened struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &reopened))
	assert.Equal(t, id, reopened.SessionID, "reopening returns the running attempt")
}

func TestSessionStream_RepeatedSignalIsNotReplayed(t *testing.T) {
	e := newEnv(t)
	id := e.open(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	conn := dialSession(t, srv, id, e.student)
	next(t, conn, "snapshot")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "start", "fullscreen": "granted"}))
	next(t, conn, "snapshot")

	partial := map[string]interface{}{"action": "signal", "visible": true, "fullscreen": false}
	require.NoError(t, conn.WriteJSON(partial))
	v := next(t, conn, "violation")
	assert.Equal(t, "fullscreen_exit", v.Kind)
	assert.True(t, v.Counted)
	assert.Equal(t, "violation", read(t, conn).Reason)

	require.NoError(t, conn.WriteJSON(partial))
	require.NoError(t, conn.WriteJSON(partial))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "ping"}))
	assert.Equal(t, "pong", read(t, conn).Event, "unchanged signals emit nothing")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "signal", "visible": true, "fullscreen": true}))
	assert.Equal(t, "recovered", next(t, conn, "snapshot").Reason)
}

func TestCloseSession_SubmitsRunningAttempt(t *testing.T) {
	e := newEnv(t)
	id := e.open(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	conn := dialSession(t, srv, id, e.student)
	next(t, conn, "snapshot")
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "start", "fullscreen": "granted"}))
	next(t, conn, "snapshot")
	require.NoError(t, conn.Close())

	w := e.do(http.MethodDelete, "/api/v1/student/sessions/"+id, e.student)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, e.proctor.Count())

	w = e.do(http.MethodPost, "/api/v1/student/exams/exam-1/sessions", e.student)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "EXAM_ALREADY_SUBMITTED", errCode(t, w), "leaving cannot reset an attempt")
}
