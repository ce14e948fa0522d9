package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrProctorAccessOnly ErrCode = "PROCTOR_ACCESS_ONLY"
	ErrNotSessionOwner   ErrCode = "NOT_SESSION_OWNER"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrUnknownAction  ErrCode = "UNKNOWN_ACTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrSessionNotFound ErrCode = "SESSION_NOT_FOUND"
	ErrSessionExists   ErrCode = "SESSION_ALREADY_OPEN"

	// ─── Exam-specific ─────────────────────────────────────────────────
	ErrExamNotOpen        ErrCode = "EXAM_NOT_OPEN"
	ErrExamClosed         ErrCode = "EXAM_CLOSED"
	ErrExamInvalid        ErrCode = "EXAM_INVALID"
	ErrFullscreenDenied   ErrCode = "FULLSCREEN_DENIED"
	ErrNotStarted         ErrCode = "EXAM_NOT_STARTED"
	ErrAlreadyStarted     ErrCode = "EXAM_ALREADY_STARTED"
	ErrAlreadySubmitted   ErrCode = "EXAM_ALREADY_SUBMITTED"
	ErrNotSubmitted       ErrCode = "EXAM_NOT_SUBMITTED"
	ErrSessionClosed      ErrCode = "SESSION_CLOSED"
	ErrQuestionRange      ErrCode = "QUESTION_OUT_OF_RANGE"
	ErrInvalidAnswer      ErrCode = "INVALID_ANSWER"
	ErrNotInOverview      ErrCode = "NOT_IN_OVERVIEW"
	ErrSubmissionInFlight ErrCode = "SUBMISSION_IN_FLIGHT"
	ErrSubmissionFailed   ErrCode = "SUBMISSION_FAILED"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrExamAPIUnavailable ErrCode = "EXAM_API_UNAVAILABLE"

	// ─── Server ────────────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"
	ErrInternal          ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrStudentAccessOnly:
		return "This resource is restricted to students."
	case ErrProctorAccessOnly:
		return "This resource is restricted to proctors."
	case ErrNotSessionOwner:
		return "This exam session belongs to another student."

	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrUnknownAction:
		return "Unknown action."

	case ErrNotFound:
		return "Resource not found."
	case ErrSessionNotFound:
		return "Exam session not found or already closed."
	case ErrSessionExists:
		return "You already have an open session for this exam."

	case ErrExamNotOpen:
		return "This exam has not started yet."
	case ErrExamClosed:
		return "The access window for this exam has closed."
	case ErrExamInvalid:
		return "This exam has no questions or no duration."
	case ErrFullscreenDenied:
		return "Fullscreen is required to start this exam. Please allow fullscreen and try again."
	case ErrNotStarted:
		return "The exam has not been started."
	case ErrAlreadyStarted:
		return "The exam is already in progress."
	case ErrAlreadySubmitted:
		return "The exam has already been submitted."
	case ErrNotSubmitted:
		return "The exam has not been submitted yet."
	case ErrSessionClosed:
		return "This exam session is closed."
	case ErrQuestionRange:
		return "Question index is out of range."
	case ErrInvalidAnswer:
		return "The answer is not one of the question's options."
	case ErrNotInOverview:
		return "The question overview is not open."
	case ErrSubmissionInFlight:
		return "Your submission is already being sent."
	case ErrSubmissionFailed:
		return "Your answers could not be sent. They are kept and you can retry."

	case ErrExamAPIUnavailable:
		return "The exam service is unavailable. Please try again shortly."

	case ErrRateLimitExceeded:
		return "Too many requests. Please slow down."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
