package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/attempt"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// classify maps a domain or gateway error to an HTTP status and error code.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, attempt.ErrNotInProgress), errors.Is(err, attempt.ErrEngineStopped),
		errors.Is(err, service.ErrAttemptSubmitted):
		return http.StatusConflict, response.ErrAttemptNotActive
	case errors.Is(err, attempt.ErrFinalizing):
		return http.StatusConflict, response.ErrAttemptFinalizing
	case errors.Is(err, attempt.ErrNotForced):
		return http.StatusConflict, response.ErrAttemptNotForced
	case errors.Is(err, attempt.ErrUnknownItem):
		return http.StatusNotFound, response.ErrUnknownItem
	case errors.Is(err, attempt.ErrNotAnswerable):
		return http.StatusUnprocessableEntity, response.ErrItemNotAnswerable
	case errors.Is(err, answer.ErrKindMismatch):
		return http.StatusUnprocessableEntity, response.ErrAnswerKindMismatch
	case errors.Is(err, attempt.ErrIndexOutOfRange):
		return http.StatusUnprocessableEntity, response.ErrIndexOutOfRange
	case errors.Is(err, attempt.ErrNoItems):
		return http.StatusUnprocessableEntity, response.ErrNoItems
	case errors.Is(err, service.ErrAttemptNotStarted):
		return http.StatusNotFound, response.ErrAttemptNotStarted
	case errors.Is(err, gateway.ErrTransient):
		return http.StatusBadGateway, response.ErrGatewayUnavailable
	case errors.Is(err, gateway.ErrRejected):
		return rejectedStatus(err), response.ErrAttemptRejected
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// rejectedStatus passes 403/404 from the platform through, anything else is 422.
func rejectedStatus(err error) int {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusForbidden, http.StatusNotFound:
			return apiErr.Status
		}
	}
	return http.StatusUnprocessableEntity
}
