package types

import (
	"errors"
	"fmt"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvalidFill        = errors.New("invalid fill")
	ErrDuplicate          = errors.New("duplicate idempotency key")
	ErrNotFound           = errors.New("not found")
	ErrDeadlock           = errors.New("deadlock detected")
	ErrTimeout            = errors.New("operation timed out")
	ErrBroker             = errors.New("broker error")
	ErrIntegrity          = errors.New("integrity violation")
)

// EngineError is the structured error surfaced to API callers
type EngineError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
	wrapped   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.wrapped
}

// Wrap classifies err into an EngineError envelope
func Wrap(err error) *EngineError {
	if err == nil {
		return nil
	}
	kind := "INTERNAL"
	retriable := false
	switch {
	case errors.Is(err, ErrInsufficientMargin):
		kind = "INSUFFICIENT_MARGIN"
	case errors.Is(err, ErrInvalidTransition):
		kind = "INVALID_TRANSITION"
	case errors.Is(err, ErrInvalidFill):
		kind = "INVALID_FILL"
	case errors.Is(err, ErrDuplicate):
		kind = "DUPLICATE"
	case errors.Is(err, ErrNotFound):
		kind = "NOT_FOUND"
	case errors.Is(err, ErrDeadlock):
		kind = "DEADLOCK"
		retriable = true
	case errors.Is(err, ErrTimeout):
		kind = "TIMEOUT"
		retriable = true
	case errors.Is(err, ErrBroker):
		kind = "BROKER_ERROR"
		retriable = true
	case errors.Is(err, ErrIntegrity):
		kind = "INTEGRITY_VIOLATION"
	}
	return &EngineError{Kind: kind, Message: err.Error(), Retriable: retriable, wrapped: err}
}
