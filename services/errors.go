package services

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how the coordinator must react to them.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindTransientExternal  Kind = "TransientExternalError"
	KindPermanentExternal  Kind = "PermanentExternalError"
	KindDeadlineExceeded   Kind = "DeadlineExceeded"
	KindIntegrityViolation Kind = "IntegrityViolation"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error         { return newError(KindValidation, op, err) }
func Transient(op string, err error) error          { return newError(KindTransientExternal, op, err) }
func Permanent(op string, err error) error          { return newError(KindPermanentExternal, op, err) }
func Deadline(op string, err error) error           { return newError(KindDeadlineExceeded, op, err) }
func IntegrityViolation(op string, err error) error { return newError(KindIntegrityViolation, op, err) }

// Validationf builds a validation error from a format string.
func Validationf(op, format string, args ...any) error {
	return Validation(op, fmt.Errorf(format, args...))
}

// KindOf returns the classification of err. Unclassified errors are treated
// as permanent so they are never retried blindly.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanentExternal
}

// Classified reports whether err carries a Kind. Unclassified errors come
// from the coordinator's own storage and never drive a transition.
func Classified(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransientExternal }
func IsDeadline(err error) bool  { return err != nil && KindOf(err) == KindDeadlineExceeded }
func IsIntegrity(err error) bool { return err != nil && KindOf(err) == KindIntegrityViolation }
func IsValidation(err error) bool {
	return err != nil && KindOf(err) == KindValidation
}

var (
	ErrSigningTimedOut   = errors.New("signing timed out")
	ErrPollExhausted     = errors.New("poll attempts exhausted")
	ErrCompetitionClosed = errors.New("competition is not accepting this operation")
	ErrTerminal          = errors.New("competition is in a terminal state")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrEventNotFound     = errors.New("oracle event not found")
	ErrInvoiceSettled    = errors.New("invoice already settled")
	ErrInvoiceCancelled  = errors.New("invoice already cancelled")
)
