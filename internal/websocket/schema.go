package websocket

import "github.com/stemsi/exstem-proctor/internal/proctor"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionStart       Action = "start"
	ActionSignal      Action = "signal"
	ActionIntercept   Action = "intercept"
	ActionAnswer      Action = "answer"
	ActionFlag        Action = "flag"
	ActionJump        Action = "jump"
	ActionOverview    Action = "overview"
	ActionResume      Action = "resume"
	ActionSubmit      Action = "submit"
	ActionRetrySubmit Action = "retry_submit"
	ActionPing        Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// StartRequest carries the outcome of the browser's fullscreen request,
// one of "granted", "denied" or "unsupported".
type StartRequest struct {
	Action     Action `json:"action"`
	Fullscreen string `json:"fullscreen" binding:"required,oneof=granted denied unsupported"`
}

// SignalRequest reports the page's visibility and fullscreen state after a
// visibilitychange or fullscreenchange event.
type SignalRequest struct {
	Action     Action `json:"action"`
	Visible    bool   `json:"visible"`
	Fullscreen bool   `json:"fullscreen"`
}

// InterceptRequest reports a clipboard or context-menu action the page blocked.
type InterceptRequest struct {
	Action      Action `json:"action"`
	Kind        string `json:"kind" binding:"required,oneof=copy paste cut context_menu select_start"`
	InFormField bool   `json:"in_form_field"`
}

// AnswerRequest stores an answer for the current question.
type AnswerRequest struct {
	Action Action `json:"action"`
	Answer string `json:"ans"`
}

// IndexRequest targets one question, for flag and jump.
type IndexRequest struct {
	Action Action `json:"action"`
	Index  *int   `json:"index" binding:"required,min=0"`
}

// ResumeRequest leaves the overview, optionally jumping to Index.
type ResumeRequest struct {
	Action Action `json:"action"`
	Index  *int   `json:"index" binding:"omitempty,min=0"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSnapshot       Event = "snapshot"
	EventOverview       Event = "overview"
	EventViolation      Event = "violation"
	EventBlocked        Event = "blocked"
	EventSubmitted      Event = "submitted"
	EventExitFullscreen Event = "exit_fullscreen"
	EventError          Event = "error"
	EventPong           Event = "pong"
)

// SnapshotResponse pushes the full session state. Reason names the change
// that produced it.
type SnapshotResponse struct {
	Event    Event            `json:"event"`
	Reason   string           `json:"reason,omitempty"`
	Snapshot proctor.Snapshot `json:"data"`
}

type OverviewResponse struct {
	Event     Event                    `json:"event"`
	Questions []proctor.QuestionStatus `json:"data"`
}

// ViolationResponse tells the student a warning was recorded and how long
// they have to return.
type ViolationResponse struct {
	Event          Event  `json:"event"`
	Kind           string `json:"kind"`
	Warning        int    `json:"warning"`
	MaxWarnings    int    `json:"max_warnings"`
	Counted        bool   `json:"counted"`
	GraceRemaining *int   `json:"grace_remaining"`
}

type BlockedResponse struct {
	Event Event  `json:"event"`
	Kind  string `json:"kind"`
}

type SubmittedResponse struct {
	Event    Event            `json:"event"`
	Reason   string           `json:"reason"`
	Delivery string           `json:"delivery"`
	Snapshot proctor.Snapshot `json:"data"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// CommandResponse asks the browser to perform a display change.
type CommandResponse struct {
	Event Event `json:"event"`
}
