package server

import (
	"net/http"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/pulse/async"
)

// ErrUnauthorized indicates the request lacks the callback token
var ErrUnauthorized = errors.New("unauthorized")

// httpStatus maps domain and sentinel errors onto HTTP status codes
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsAny(err, async.ErrInvalidTransition, async.ErrLeaseLost, errors.ErrConflict):
		return http.StatusConflict
	case errors.IsServiceUnavailableError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
