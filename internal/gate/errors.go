package gate

import (
	"errors"
	"net/http"
)

// Rejections a user can recover from by retrying the flow.
var (
	ErrInput            = errors.New("gate: invalid input")
	ErrTokenInvalid     = errors.New("gate: invalid or expired token")
	ErrLocationRejected = errors.New("gate: location outside geofence")
	ErrRateLimited      = errors.New("gate: rate limited")
	ErrInvalidOperation = errors.New("gate: invalid operation")
	ErrNotMember        = errors.New("gate: user is not a member")
)

var (
	ErrDispatchFailure = errors.New("gate: command dispatch failed")
	ErrInternal        = errors.New("gate: internal error")
	errSessionExpired  = errors.New("gate: session expired")
)

// StatusOf maps a protocol outcome to an HTTP status class.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInput), errors.Is(err, ErrTokenInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrLocationRejected):
		return http.StatusOK
	case errors.Is(err, ErrInvalidOperation), errors.Is(err, ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, ErrDispatchFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
