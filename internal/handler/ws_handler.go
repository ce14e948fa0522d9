package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams one exam session between the student's page and its monitor.
type WSHandler struct {
	proctorService *service.ProctorService
	submitTimeout  time.Duration
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

func NewWSHandler(proctorService *service.ProctorService, submitTimeout time.Duration, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		proctorService: proctorService,
		submitTimeout:  submitTimeout,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:session_id/stream
// The page reports integrity signals and navigation; the server pushes
// snapshots, warnings and the submission result.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)

	live, err := h.proctorService.GetOwned(c.Param("session_id"), claims.StudentID())
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Str("session_id", live.ID).
		Str("exam_id", live.ExamID).
		Str("student_id", live.StudentID).
		Logger()

	conn := ws.NewConn(raw, wsLog)
	defer conn.Close()

	unsubscribe := live.Subscribe(&streamListener{conn: conn})
	_ = conn.Send(ws.SnapshotResponse{Event: ws.EventSnapshot, Reason: "connected", Snapshot: live.Monitor.Snapshot()})

	wsLog.Info().Msg("Student connected")

	for {
		action, data, err := conn.Read()
		if errors.Is(err, ws.ErrMalformed) {
			_ = conn.SendError(string(response.ErrInvalidPayload), err.Error())
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		if err := h.dispatch(live, conn, action, data); err != nil {
			h.sendError(conn, wsLog, err)
		}
	}

	// The monitor keeps running while detached; the reaper ends the
	// attempt if the student does not reconnect.
	unsubscribe()
	wsLog.Info().Msg("Student disconnected")
}

// badRequest carries a validation failure back to the client.
type badRequest struct {
	code   response.ErrCode
	fields map[string]string
}

func (e *badRequest) Error() string { return response.GetMessage(e.code) }

func decode(data []byte, dst interface{}) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return &badRequest{code: response.ErrInvalidPayload, fields: map[string]string{"detail": err.Error()}}
	}
	if fields := validator.Struct(dst); fields != nil {
		return &badRequest{code: response.ErrValidation, fields: fields}
	}
	return nil
}

func (h *WSHandler) dispatch(live *service.LiveSession, conn *ws.Conn, action ws.Action, data []byte) error {
	m := live.Monitor

	switch action {
	case ws.ActionPing:
		return conn.Send(ws.PongResponse{Event: ws.EventPong})

	case ws.ActionStart:
		var req ws.StartRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		live.Display.SetRequestResult(service.FullscreenResult(req.Fullscreen))
		ctx, cancel := context.WithTimeout(context.Background(), h.submitTimeout)
		defer cancel()
		return m.Start(ctx)

	case ws.ActionSignal:
		var req ws.SignalRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		visChanged, fsChanged := live.Display.Update(req.Visible, req.Fullscreen)
		if visChanged {
			m.HandleVisibilityChange()
		}
		if fsChanged {
			m.HandleFullscreenChange()
		}
		return nil

	case ws.ActionIntercept:
		var req ws.InterceptRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		m.Intercept(model.BlockedAction(req.Kind), req.InFormField)
		return nil

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		return m.Answer(req.Answer)

	case ws.ActionFlag:
		var req ws.IndexRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		return m.ToggleFlag(*req.Index)

	case ws.ActionJump:
		var req ws.IndexRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		return m.Jump(*req.Index)

	case ws.ActionOverview:
		if err := m.EnterOverview(); err != nil {
			return err
		}
		return conn.Send(ws.OverviewResponse{Event: ws.EventOverview, Questions: m.Overview()})

	case ws.ActionResume:
		var req ws.ResumeRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		return m.Resume(req.Index)

	case ws.ActionSubmit:
		ctx, cancel := context.WithTimeout(context.Background(), h.submitTimeout)
		defer cancel()
		return m.Submit(ctx)

	case ws.ActionRetrySubmit:
		ctx, cancel := context.WithTimeout(context.Background(), h.submitTimeout)
		defer cancel()
		return m.RetrySubmit(ctx)
	}

	return &badRequest{code: response.ErrUnknownAction, fields: map[string]string{"action": string(action)}}
}

func (h *WSHandler) sendError(conn *ws.Conn, log zerolog.Logger, err error) {
	var br *badRequest
	if errors.As(err, &br) {
		_ = conn.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(br.code), Error: br.Error(), Fields: br.fields})
		return
	}
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Session action failed")
	}
	_ = conn.SendError(string(code), err.Error())
}

// streamListener turns monitor events into WebSocket messages.
type streamListener struct {
	conn *ws.Conn
}

func (l *streamListener) OnEvent(ev proctor.Event) {
	switch ev.Type {
	case proctor.EventViolation:
		msg := ws.ViolationResponse{
			Event:          ws.EventViolation,
			Warning:        ev.Snapshot.Warnings,
			MaxWarnings:    ev.Snapshot.MaxWarnings,
			GraceRemaining: ev.Snapshot.GraceRemaining,
		}
		if ev.Violation != nil {
			msg.Kind = string(ev.Violation.Kind)
			msg.Counted = ev.Violation.Counted
		}
		_ = l.conn.Send(msg)

	case proctor.EventBlocked:
		_ = l.conn.Send(ws.BlockedResponse{Event: ws.EventBlocked, Kind: string(ev.Blocked)})
		return

	case proctor.EventSubmitted:
		_ = l.conn.Send(ws.SubmittedResponse{
			Event:    ws.EventSubmitted,
			Reason:   string(ev.Snapshot.SubmitReason),
			Delivery: string(ev.Snapshot.Delivery),
			Snapshot: ev.Snapshot,
		})
		return
	}

	_ = l.conn.Send(ws.SnapshotResponse{Event: ws.EventSnapshot, Reason: string(ev.Type), Snapshot: ev.Snapshot})
}

func (l *streamListener) OnExitFullscreen() {
	_ = l.conn.Send(ws.CommandResponse{Event: ws.EventExitFullscreen})
}
