package acctapi

import (
	"errors"
	"fmt"
)

var (
	ErrInternalServer = errors.New("internal server error")
	// ErrUnavailable is returned when load shedding or an open circuit
	// rejects a call before it reaches the store.
	ErrUnavailable = errors.New("service unavailable")
)

type ErrBadRequest struct {
	Fields map[string]string `json:"fields"`
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

type ErrNotFound struct {
	ID string `json:"id"`
}

func (e ErrNotFound) Error() string {
	return "record not found"
}

// ErrConflict signals a create against an id that is already taken.
type ErrConflict struct {
	ID string `json:"id"`
}

func (e ErrConflict) Error() string {
	return "id already exists"
}

// isDomainError reports whether err is an expected outcome of a valid call
// rather than a failure of the service or its store.
func isDomainError(err error) bool {
	return errors.As(err, &ErrBadRequest{}) ||
		errors.As(err, &ErrNotFound{}) ||
		errors.As(err, &ErrConflict{})
}
