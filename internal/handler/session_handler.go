package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionHandler opens and inspects a student's exam sessions over REST.
// The attempt itself is driven over the session's WebSocket stream.
type SessionHandler struct {
	proctorService *service.ProctorService
	log            zerolog.Logger
}

func NewSessionHandler(proctorService *service.ProctorService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		proctorService: proctorService,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

type sessionResponse struct {
	SessionID string                   `json:"session_id"`
	Exam      examView                 `json:"exam"`
	Snapshot  proctor.Snapshot         `json:"snapshot"`
	Questions []proctor.QuestionStatus `json:"overview"`
}

// examView is the part of the exam definition the student page renders.
type examView struct {
	ID              string                `json:"id"`
	Title           string                `json:"title"`
	DurationMinutes int                   `json:"duration_minutes"`
	Questions       []model.Question      `json:"questions"`
	AntiCheat       model.AntiCheatConfig `json:"anti_cheat_config"`
}

func newSessionResponse(live *service.LiveSession) sessionResponse {
	exam := live.Monitor.Exam()
	return sessionResponse{
		SessionID: live.ID,
		Exam: examView{
			ID:              exam.ID,
			Title:           exam.Title,
			DurationMinutes: exam.DurationMinutes,
			Questions:       exam.Questions,
			AntiCheat:       exam.AntiCheat,
		},
		Snapshot:  live.Monitor.Snapshot(),
		Questions: live.Monitor.Overview(),
	}
}

// OpenSession godoc
// POST /api/v1/student/exams/:exam_id/sessions
func (h *SessionHandler) OpenSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID := c.Param("exam_id")
	if fields := validator.Var("exam_id", examID, "required,external_id"); fields != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID, fields)
		return
	}

	live, err := h.proctorService.Open(c.Request.Context(), examID, claims.StudentID())
	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("exam_id", examID).Msg("Open session failed")
		}
		response.Fail(c, status, code)
		return
	}

	response.Success(c, http.StatusCreated, newSessionResponse(live))
}

// GetSession godoc
// GET /api/v1/student/sessions/:session_id
func (h *SessionHandler) GetSession(c *gin.Context) {
	live, ok := h.owned(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, newSessionResponse(live))
}

// CloseSession godoc
// DELETE /api/v1/student/sessions/:session_id
// Leaves the session. An idle session is discarded; a running attempt is
// submitted as abandoned. 202 means delivery is still pending and the
// session can be reconnected to retry it.
func (h *SessionHandler) CloseSession(c *gin.Context) {
	live, ok := h.owned(c)
	if !ok {
		return
	}
	closed, err := h.proctorService.Leave(c.Request.Context(), live.ID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}
	if !closed {
		response.Success(c, http.StatusAccepted, newSessionResponse(live))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) owned(c *gin.Context) (*service.LiveSession, bool) {
	claims := middleware.GetClaims(c)
	live, err := h.proctorService.GetOwned(c.Param("session_id"), claims.StudentID())
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return nil, false
	}
	return live, true
}
