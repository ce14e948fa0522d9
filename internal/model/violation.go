package model

import "time"

// ViolationKind identifies which integrity rule was breached.
type ViolationKind string

const (
	ViolationTabHidden      ViolationKind = "tab_hidden"
	ViolationFullscreenExit ViolationKind = "fullscreen_exit"
)

// BlockedAction is a clipboard or context-menu action the exam page intercepts.
type BlockedAction string

const (
	ActionCopy        BlockedAction = "copy"
	ActionPaste       BlockedAction = "paste"
	ActionCut         BlockedAction = "cut"
	ActionContextMenu BlockedAction = "context_menu"
	ActionSelectStart BlockedAction = "select_start"
)

// Violation records a detected breach. Counted is false when the breach was
// coalesced into an already running grace period.
type Violation struct {
	SessionID  string        `json:"session_id"`
	ExamID     string        `json:"exam_id"`
	StudentID  string        `json:"student_id"`
	Kind       ViolationKind `json:"kind"`
	Warning    int           `json:"warning"`
	Counted    bool          `json:"counted"`
	OccurredAt time.Time     `json:"occurred_at"`
}
