package proctor

import "github.com/stemsi/exstem-proctor/internal/model"

// Phase is the integrity state of an attempt.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseActive      Phase = "active"
	PhaseReturnGrace Phase = "return_grace"
	PhaseSubmitted   Phase = "submitted"
)

// SubmitReason records what moved the attempt into PhaseSubmitted.
type SubmitReason string

const (
	ReasonStudent      SubmitReason = "student"
	ReasonTimeExpired  SubmitReason = "time_expired"
	ReasonMaxWarnings  SubmitReason = "max_warnings"
	ReasonGraceExpired SubmitReason = "grace_expired"
	ReasonAbandoned    SubmitReason = "abandoned"
)

// LowTimeThreshold is the remaining time under which the countdown is shown as a warning.
const LowTimeThreshold = 5 * 60

// EventType names what changed in a monitor event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventTick      EventType = "tick"
	EventGraceTick EventType = "grace_tick"
	EventViolation EventType = "violation"
	EventRecovered EventType = "recovered"
	EventBlocked   EventType = "blocked"
	EventUpdated   EventType = "updated"
	EventSubmitted EventType = "submitted"
	EventDelivery  EventType = "delivery"
)

// Event is emitted after every state change, carrying the snapshot at that point.
type Event struct {
	Type      EventType
	Snapshot  Snapshot
	Violation *model.Violation
	Blocked   model.BlockedAction
}

// Observer receives monitor events. It is called without the monitor lock held.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	Seq              uint64            `json:"seq"`
	SessionID        string            `json:"session_id"`
	ExamID           string            `json:"exam_id"`
	StudentID        string            `json:"student_id"`
	Phase            Phase             `json:"phase"`
	DurationSeconds  int               `json:"duration_seconds"`
	RemainingSeconds int               `json:"remaining_seconds"`
	LowTime          bool              `json:"low_time"`
	Paused           bool              `json:"paused"`
	Overview         bool              `json:"overview"`
	Warnings         int               `json:"warnings"`
	MaxWarnings      int               `json:"max_warnings"`
	GraceRemaining   *int              `json:"grace_remaining"`
	CurrentIndex     int               `json:"current_index"`
	QuestionCount    int               `json:"question_count"`
	Flagged          []int             `json:"flagged"`
	Answered         int               `json:"answered"`
	Answers          map[string]string `json:"answers"`
	SubmitReason     SubmitReason      `json:"submit_reason,omitempty"`
	Delivery         Delivery          `json:"delivery,omitempty"`
	SubmitError      string            `json:"submit_error,omitempty"`
}
