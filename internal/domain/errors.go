package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConsultationLoop  = errors.New("consultation loop")
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAgentUnavailable  = errors.New("agent unavailable")
)

// NotFoundError names the kind of entity that was looked up.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConsultationLoopError is returned for self-consultation and for a
// consultation whose reverse pair is already in flight.
type ConsultationLoopError struct {
	From string
	To   string
}

func (e ConsultationLoopError) Self() bool { return e.From == e.To }

func (e ConsultationLoopError) Error() string {
	if e.Self() {
		return fmt.Sprintf("self-consultation detected: %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("circular consultation detected: %s -> %s (reverse %s -> %s is already active)", e.From, e.To, e.To, e.From)
}

func (e ConsultationLoopError) Is(target error) bool { return target == ErrConsultationLoop }

// StageExecutionError wraps a failure raised by agent work inside a
// pipeline stage.
type StageExecutionError struct {
	Stage  string
	Member string
	Err    error
}

func (e *StageExecutionError) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Member, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }
