package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// AttemptLister reads the persisted attempt outcomes of an exam.
type AttemptLister interface {
	ListByExam(ctx context.Context, examID string) ([]model.AttemptOutcome, error)
}

// ViolationCounter counts persisted violations per student.
type ViolationCounter interface {
	CountByExam(ctx context.Context, examID string) (map[string]int64, error)
}

// MonitorHandler serves the proctor's live view of an exam.
type MonitorHandler struct {
	rdb            *redis.Client
	examService    service.ExamSource
	proctorService *service.ProctorService
	attempts       AttemptLister
	violations     ViolationCounter
	log            zerolog.Logger
}

func NewMonitorHandler(
	rdb *redis.Client,
	examService service.ExamSource,
	proctorService *service.ProctorService,
	attempts AttemptLister,
	violations ViolationCounter,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		examService:    examService,
		proctorService: proctorService,
		attempts:       attempts,
		violations:     violations,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// ListSessions godoc
// GET /api/v1/proctor/exams/:exam_id/sessions
// Live sessions held by this instance.
func (h *MonitorHandler) ListSessions(c *gin.Context) {
	response.Success(c, http.StatusOK, h.proctorService.ListByExam(c.Param("exam_id")))
}

// ListAttempts godoc
// GET /api/v1/proctor/exams/:exam_id/attempts
func (h *MonitorHandler) ListAttempts(c *gin.Context) {
	examID := c.Param("exam_id")
	ctx := c.Request.Context()

	attempts, err := h.attempts.ListByExam(ctx, examID)
	if err != nil {
		h.log.Error().Err(err).Str("exam_id", examID).Msg("List attempts failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	counts, err := h.violations.CountByExam(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID).Msg("Count violations failed")
		counts = map[string]int64{}
	}

	out := make([]attemptView, len(attempts))
	for i, a := range attempts {
		out[i] = attemptView{AttemptOutcome: a, Violations: counts[a.StudentID]}
	}
	response.Success(c, http.StatusOK, out)
}

type attemptView struct {
	model.AttemptOutcome
	Violations int64 `json:"violations"`
}

// MonitorExamSSE godoc
// GET /api/v1/proctor/exams/:exam_id/monitor
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID := c.Param("exam_id")
	reqCtx := c.Request.Context()

	exam, err := h.examService.GetExam(reqCtx, examID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	// 1. SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// 2. Subscribe before the snapshot so no event falls between them
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID))
	defer pubsub.Close()
	ch := pubsub.Channel()

	// 3. Build & send initial snapshot
	h.sendInitialSnapshot(c, reqCtx, exam)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	h.log.Info().Str("exam_id", examID).Msg("Proctor attached to live monitor SSE")

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed
			writeSSEData(c, []byte(msg.Payload))

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func writeSSEData(c *gin.Context, payload []byte) {
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(payload)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

// sendInitialSnapshot merges live sessions with persisted outcomes.
func (h *MonitorHandler) sendInitialSnapshot(c *gin.Context, ctx context.Context, exam *model.Exam) {
	live := h.proctorService.ListByExam(exam.ID)

	// Fetch persisted data with a timeout so a slow query doesn't block the connection
	fetchCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	var submitted []model.AttemptOutcome
	if attempts, err := h.attempts.ListByExam(fetchCtx, exam.ID); err == nil {
		submitted = attempts
	} else {
		h.log.Warn().Err(err).Str("exam_id", exam.ID).Msg("Failed to fetch attempts for snapshot")
	}
	cheats, err := h.violations.CountByExam(fetchCtx, exam.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", exam.ID).Msg("Failed to fetch violation counts for snapshot")
		cheats = map[string]int64{}
	}

	var totalCheats int64
	for _, n := range cheats {
		totalCheats += n
	}
	inProgress := 0
	for _, s := range live {
		if s.Phase == proctor.PhaseActive || s.Phase == proctor.PhaseReturnGrace {
			inProgress++
		}
	}

	c.SSEvent("message", map[string]interface{}{
		"type": "snapshot",
		"data": map[string]interface{}{
			"exam": map[string]interface{}{
				"id":              exam.ID,
				"title":           exam.Title,
				"duration":        exam.DurationMinutes,
				"total_questions": len(exam.Questions),
			},
			"stats": map[string]interface{}{
				"total_live":        len(live),
				"total_in_progress": inProgress,
				"total_completed":   len(submitted),
				"total_violations":  totalCheats,
			},
			"sessions":   live,
			"attempts":   submitted,
			"violations": cheats,
		},
	})
	c.Writer.Flush()
}
