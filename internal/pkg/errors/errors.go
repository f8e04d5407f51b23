package errors

import (
	"context"
	stderrors "errors"
	"strings"
)

// Kinds. Every error that leaves a component is classified by exactly one of these.
var (
	// ErrInput marks malformed requests and invalid state changes. No state is mutated.
	ErrInput = stderrors.New("invalid input")
	// ErrCollaborator marks a failure reported by a stage executor, parser or prompt generator.
	ErrCollaborator = stderrors.New("collaborator failure")
	// ErrInfrastructure marks persistence or bus unavailability.
	ErrInfrastructure = stderrors.New("infrastructure failure")
	// ErrTimeout marks a stage or task that exceeded its deadline.
	ErrTimeout = stderrors.New("timeout")
)

// Specific conditions, each belonging to one kind.
var (
	ErrNotFound          = stderrors.New("not found")
	ErrJobNotCancellable = stderrors.New("job not cancellable")
	ErrInvalidTransition = stderrors.New("invalid transition")
	ErrDuplicateSequence = stderrors.New("duplicate scene sequence number")
	ErrStageUnavailable  = stderrors.New("stage unavailable")
)

var kindOf = map[error]error{
	ErrNotFound:          ErrInput,
	ErrJobNotCancellable: ErrInput,
	ErrInvalidTransition: ErrInput,
	ErrDuplicateSequence: ErrInput,
	ErrStageUnavailable:  ErrCollaborator,
}

// Error carries a kind plus where it happened.
type Error struct {
	Kind    error
	Stage   string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	for _, p := range []string{e.Stage, e.Op, e.Message} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 && e.Kind != nil {
		return e.Kind.Error()
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if e.Kind == target {
		return true
	}
	if k, ok := kindOf[e.Kind]; ok && k == target {
		return true
	}
	return false
}

// Wrap tags err with kind and stage/op context. kind may be a specific condition
// (ErrNotFound) or one of the four kinds.
func Wrap(kind error, stage, op, message string, err error) error {
	if kind == nil {
		kind = ErrInfrastructure
	}
	return &Error{Kind: kind, Stage: stage, Op: op, Message: message, Err: err}
}

// New is Wrap without an underlying cause.
func New(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}

// KindOf classifies err into one of ErrInput, ErrCollaborator, ErrInfrastructure or ErrTimeout.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case stderrors.Is(err, ErrInput):
		return ErrInput
	case stderrors.Is(err, ErrCollaborator):
		return ErrCollaborator
	default:
		for specific, kind := range kindOf {
			if stderrors.Is(err, specific) {
				return kind
			}
		}
		return ErrInfrastructure
	}
}

// Retryable reports whether a task queue should retry after err.
// Input and collaborator failures are terminal for their entity.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrInfrastructure:
		return true
	default:
		return false
	}
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Stage
	}
	return ""
}
