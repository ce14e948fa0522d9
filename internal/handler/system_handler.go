package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/outbox"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	metricsInterval = 7 * time.Second
	healthTimeout   = 2 * time.Second
)

// SystemHandler reports service health and streams runtime metrics via SSE.
type SystemHandler struct {
	pool           *pgxpool.Pool
	rdb            *redis.Client
	box            outbox.Outbox
	proctorService *service.ProctorService
	startTime      time.Time
	log            zerolog.Logger
}

func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, box outbox.Outbox, proctorService *service.ProctorService, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:           pool,
		rdb:            rdb,
		box:            box,
		proctorService: proctorService,
		startTime:      time.Now(),
		log:            log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{"postgres": "ok", "redis": "ok"}
	status := http.StatusOK
	if err := h.pool.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":        http.StatusText(status),
		"checks":        checks,
		"live_sessions": h.proctorService.Count(),
	})
}

// ---------- SSE Endpoint ----------

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	StackInuse uint64 `json:"stack_inuse"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	// Sessions and queues
	LiveSessions    int   `json:"live_sessions"`
	QueueViolations int64 `json:"queue_violations"`
	QueueAttempts   int64 `json:"queue_attempts"`
	OutboxPending   int64 `json:"outbox_pending"`
	DeadSubmissions int64 `json:"dead_submissions"`
}

// SystemMetricsSSE godoc
// GET /api/v1/proctor/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Proctor connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Proctor disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context) {
	data, err := json.Marshal(h.collect(c.Request.Context()))
	if err != nil {
		return
	}
	writeSSEData(c, data)
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	m := systemMetrics{
		Timestamp:    time.Now().Unix(),
		Uptime:       formatDuration(time.Since(h.startTime)),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		LiveSessions: h.proctorService.Count(),
	}

	// ── Go Runtime ──
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.HeapSys = ms.Sys
	m.StackInuse = ms.StackInuse
	m.NumGC = ms.NumGC

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	// ── Worker Queues (pipelined LLEN) ──
	pipe := h.rdb.Pipeline()
	violationsCmd := pipe.LLen(ctx, config.WorkerKey.PersistViolationsQueue)
	attemptsCmd := pipe.LLen(ctx, config.WorkerKey.PersistAttemptsQueue)
	deadCmd := pipe.LLen(ctx, config.WorkerKey.DeadSubmissionsQueue)
	if _, err := pipe.Exec(ctx); err == nil {
		m.QueueViolations, _ = violationsCmd.Result()
		m.QueueAttempts, _ = attemptsCmd.Result()
		m.DeadSubmissions, _ = deadCmd.Result()
	}

	m.OutboxPending, _ = h.box.Len(ctx)
	return m
}

// ---------- Helpers ----------

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
