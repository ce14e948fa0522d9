package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/examapi"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// classify maps a domain error to an HTTP status and API error code.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrNotSessionOwner):
		return http.StatusForbidden, response.ErrNotSessionOwner
	case errors.Is(err, service.ErrSessionExists):
		return http.StatusConflict, response.ErrSessionExists
	case errors.Is(err, examapi.ErrExamNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, proctor.ErrInvalidExam):
		return http.StatusUnprocessableEntity, response.ErrExamInvalid
	case errors.Is(err, proctor.ErrExamNotOpen):
		return http.StatusForbidden, response.ErrExamNotOpen
	case errors.Is(err, proctor.ErrExamClosed):
		return http.StatusForbidden, response.ErrExamClosed
	case errors.Is(err, proctor.ErrFullscreenDenied):
		return http.StatusPreconditionFailed, response.ErrFullscreenDenied
	case errors.Is(err, proctor.ErrNotStarted):
		return http.StatusConflict, response.ErrNotStarted
	case errors.Is(err, proctor.ErrAlreadyStarted):
		return http.StatusConflict, response.ErrAlreadyStarted
	case errors.Is(err, proctor.ErrAlreadySubmitted), errors.Is(err, examapi.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, proctor.ErrNotSubmitted):
		return http.StatusConflict, response.ErrNotSubmitted
	case errors.Is(err, proctor.ErrSessionClosed):
		return http.StatusGone, response.ErrSessionClosed
	case errors.Is(err, proctor.ErrQuestionOutOfRange):
		return http.StatusBadRequest, response.ErrQuestionRange
	case errors.Is(err, proctor.ErrInvalidAnswer):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	case errors.Is(err, proctor.ErrNotInOverview):
		return http.StatusConflict, response.ErrNotInOverview
	case errors.Is(err, proctor.ErrSubmissionInFlight):
		return http.StatusConflict, response.ErrSubmissionInFlight
	}

	var se *examapi.StatusError
	if errors.As(err, &se) {
		if se.Permanent() {
			return http.StatusBadGateway, response.ErrSubmissionFailed
		}
		return http.StatusServiceUnavailable, response.ErrExamAPIUnavailable
	}
	return http.StatusInternalServerError, response.ErrInternal
}
