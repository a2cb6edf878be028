package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Common domain errors
	ErrNotFound          = errors.New("entity not found")
	ErrInvalidConfig     = errors.New("invalid job config")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrGateMismatch      = errors.New("gate mismatch")
	ErrStageFailure      = errors.New("stage failure")
	ErrStageTimeout      = errors.New("stage timed out")
	ErrGateTimeout       = errors.New("gate timed out")
	ErrStorage           = errors.New("storage error")
	ErrInternal          = errors.New("internal error")
)

// Error kinds as surfaced to API callers and recorded in events.
const (
	KindNotFound          = "NotFound"
	KindInvalidConfig     = "InvalidConfig"
	KindInvalidTransition = "InvalidTransition"
	KindGateMismatch      = "GateMismatch"
	KindStageFailure      = "StageFailure"
	KindStageTimeout      = "StageTimeout"
	KindGateTimeout       = "GateTimeout"
	KindGateRejected      = "GateRejected"
	KindStorage           = "StorageError"
	KindInternal          = "Internal"
)

// ConfigError lists every violation found in a submitted job config.
type ConfigError struct {
	Violations []string
}

func (e *ConfigError) Error() string {
	return "invalid job config: " + strings.Join(e.Violations, "; ")
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// TransitionError carries the status the job was actually in.
type TransitionError struct {
	JobID   string
	Current string
	Want    []string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %q (allowed: %s)", e.JobID, e.Current, strings.Join(e.Want, ","))
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// GateMismatchError is returned when a decision targets a stage other than the pending gate.
type GateMismatchError struct {
	JobID     string
	Pending   string
	Requested string
}

func (e *GateMismatchError) Error() string {
	return fmt.Sprintf("job %s: pending gate is %q, not %q", e.JobID, e.Pending, e.Requested)
}

func (e *GateMismatchError) Is(target error) bool { return target == ErrGateMismatch }

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// InternalError is an unexpected adapter failure.
type InternalError struct {
	JobID string
	Stage string
	Msg   string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in job %s stage %s: %s", e.JobID, e.Stage, e.Msg)
}

func (e *InternalError) Is(target error) bool { return target == ErrInternal }

// Storage wraps err as a StorageError unless it is already a domain error.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrGateMismatch) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// KindOf maps err onto one of the Kind constants.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidConfig):
		return KindInvalidConfig
	case errors.Is(err, ErrGateMismatch):
		return KindGateMismatch
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrStageTimeout):
		return KindStageTimeout
	case errors.Is(err, ErrStageFailure):
		return KindStageFailure
	case errors.Is(err, ErrGateTimeout):
		return KindGateTimeout
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindInternal
	}
}
