package backend

import (
	"errors"
	"fmt"
)

// Kind classifies adapter failures so the orchestration layer can map
// them to user-facing outcomes without inspecting transport errors.
type Kind int

const (
	// KindUnavailable covers connect failures, timeouts and transport
	// errors mid-call. Recoverable by retrying the whole operation.
	KindUnavailable Kind = iota + 1
	// KindImageNotFound means the challenge references an image the
	// daemon does not have.
	KindImageNotFound
	// KindInvalidConfig means a malformed volume or resource spec.
	KindInvalidConfig
	// KindNotFound means the referenced container no longer exists.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "backend unavailable"
	case KindImageNotFound:
		return "image not found"
	case KindInvalidConfig:
		return "invalid configuration"
	case KindNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("backend %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func is(err error, kind Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

func IsUnavailable(err error) bool   { return is(err, KindUnavailable) }
func IsImageNotFound(err error) bool { return is(err, KindImageNotFound) }
func IsInvalidConfig(err error) bool { return is(err, KindInvalidConfig) }
func IsNotFound(err error) bool      { return is(err, KindNotFound) }
