// Package fault classifies errors into the kinds the saga engine routes on.
package fault

import (
	"context"
	"errors"
	"fmt"

	cr "github.com/cockroachdb/errors"
)

// Kind is the error taxonomy shared by steps, the delivery layer and the coordinator.
type Kind string

const (
	KindValidation   Kind = "ValidationError"
	KindConflict     Kind = "ResourceConflict"
	KindTransient    Kind = "TransientInfraError"
	KindBusinessRule Kind = "BusinessRuleViolation"
	KindTimeout      Kind = "TimeoutError"
)

// Markers attached to classified errors. Test with Is, not the stdlib errors.Is.
var (
	ErrValidation   = cr.New("validation error")
	ErrConflict     = cr.New("resource conflict")
	ErrTransient    = cr.New("transient infrastructure error")
	ErrBusinessRule = cr.New("business rule violation")
	ErrTimeout      = cr.New("timeout")
)

var markers = []struct {
	kind Kind
	mark error
}{
	{KindValidation, ErrValidation},
	{KindBusinessRule, ErrBusinessRule},
	{KindTimeout, ErrTimeout},
	{KindConflict, ErrConflict},
	{KindTransient, ErrTransient},
}

// Validation returns a ValidationError.
func Validation(format string, args ...any) error {
	return cr.Mark(cr.Newf(format, args...), ErrValidation)
}

// Conflict returns a ResourceConflict.
func Conflict(format string, args ...any) error {
	return cr.Mark(cr.Newf(format, args...), ErrConflict)
}

// Transient returns a TransientInfraError.
func Transient(format string, args ...any) error {
	return cr.Mark(cr.Newf(format, args...), ErrTransient)
}

// BusinessRule returns a BusinessRuleViolation.
func BusinessRule(format string, args ...any) error {
	return cr.Mark(cr.Newf(format, args...), ErrBusinessRule)
}

// Timeout returns a TimeoutError.
func Timeout(format string, args ...any) error {
	return cr.Mark(cr.Newf(format, args...), ErrTimeout)
}

// Mark tags err with the given kind. A nil err stays nil.
func Mark(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	for _, m := range markers {
		if m.kind == kind {
			return cr.Mark(err, m.mark)
		}
	}
	return err
}

// Wrap annotates err with msg, keeping its marks.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return cr.Wrapf(err, format, args...)
}

// Is reports whether err carries reference, either by identity or by mark.
func Is(err, reference error) bool {
	return cr.Is(err, reference)
}

// KindOf returns the explicit kind attached to err, if any.
// A context deadline counts as a timeout.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	for _, m := range markers {
		if cr.Is(err, m.mark) {
			return m.kind, true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	return "", false
}

// Classify returns the kind of err, treating unclassified errors as transient.
func Classify(err error) Kind {
	if kind, ok := KindOf(err); ok {
		return kind
	}
	return KindTransient
}

// Retryable reports whether err may be retried by the caller or the delivery layer.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindConflict, KindTransient:
		return true
	default:
		return false
	}
}

// Failure is the structured error carried across step and wire boundaries.
type Failure struct {
	ErrorType Kind   `json:"errorType"`
	Message   string `json:"message"`
}

// NewFailure converts err into its wire form.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{ErrorType: Classify(err), Message: err.Error()}
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", f.ErrorType, f.Message)
}

// Err rebuilds a classified error from the wire form.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	return Mark(cr.New(f.Message), f.ErrorType)
}
