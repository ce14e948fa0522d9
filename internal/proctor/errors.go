package proctor

import "errors"

// Domain errors returned by the monitor.
var (
	ErrInvalidExam        = errors.New("exam has no duration or no questions")
	ErrNotStarted         = errors.New("exam session has not started")
	ErrAlreadyStarted     = errors.New("exam session already started")
	ErrAlreadySubmitted   = errors.New("exam session already submitted")
	ErrNotSubmitted       = errors.New("exam session is not submitted")
	ErrSessionClosed      = errors.New("exam session is closed")
	ErrFullscreenDenied   = errors.New("fullscreen is required to start the exam")
	ErrExamNotOpen        = errors.New("exam has not started yet")
	ErrExamClosed         = errors.New("exam access window has closed")
	ErrQuestionOutOfRange = errors.New("question index out of range")
	ErrInvalidAnswer      = errors.New("answer is not one of the question options")
	ErrNotInOverview      = errors.New("exam session is not in overview")
	ErrSubmissionInFlight = errors.New("submission already in flight")
)
