package proto

import "errors"

// Status is the wire status code carried in reply headers. Zero means
// success; failures are negative, loosely after errno conventions.
type Status int32

const (
	StatusOK         Status = 0
	StatusNotAllowed Status = -1
	StatusNotFound   Status = -2
	StatusIO         Status = -5
	StatusResource   Status = -12
	StatusInvalid    Status = -22
	StatusTimeout    Status = -110
	StatusNoRoute    Status = -113
)

// Sentinel errors shared across packages; each maps to exactly one wire
// status so a failure survives a network hop without losing its kind.
var (
	ErrNotAllowed = errors.New("operation not permitted")
	ErrNotFound   = errors.New("object not found")
	ErrIO         = errors.New("io failure")
	ErrResource   = errors.New("resource exhausted")
	ErrInvalid    = errors.New("invalid argument")
	ErrTimeout    = errors.New("operation timed out")
	ErrNoRoute    = errors.New("no route to id")
)

// StatusOf maps an error to its wire status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotAllowed):
		return StatusNotAllowed
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrResource):
		return StatusResource
	case errors.Is(err, ErrInvalid):
		return StatusInvalid
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrNoRoute):
		return StatusNoRoute
	default:
		return StatusIO
	}
}

// Err maps a wire status back to its sentinel, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusNotAllowed:
		return ErrNotAllowed
	case StatusNotFound:
		return ErrNotFound
	case StatusResource:
		return ErrResource
	case StatusInvalid:
		return ErrInvalid
	case StatusTimeout:
		return ErrTimeout
	case StatusNoRoute:
		return ErrNoRoute
	default:
		return ErrIO
	}
}
