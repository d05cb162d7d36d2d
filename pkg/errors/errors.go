// Package errors provides error wrapping utilities and the error taxonomy used by the
// boot and deployment code.
//
// Kinds nest the same way the failures escalate: a network error is critical, and an
// operation failure is a general (non-critical) error. Use the standard errors.Is with
// the Err* sentinels to test for a kind anywhere in a wrap chain.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind sentinels.
var (
	ErrGeneral         = stderrors.New("general error")
	ErrOperationFailed = stderrors.New("operation failed")
	ErrCritical        = stderrors.New("critical error")
	ErrNetwork         = stderrors.New("network error")
	ErrConfig          = stderrors.New("configuration error")
)

// Kind classifies an Error.
type Kind int

const (
	KindGeneral Kind = iota
	KindOperationFailed
	KindCritical
	KindNetwork
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindOperationFailed:
		return "operation_failed"
	case KindCritical:
		return "critical"
	case KindNetwork:
		return "network"
	case KindConfig:
		return "config"
	default:
		return "general"
	}
}

// Error is a classified failure with an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error belongs to the kind named by target.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrGeneral:
		return e.Kind == KindGeneral || e.Kind == KindOperationFailed
	case ErrOperationFailed:
		return e.Kind == KindOperationFailed
	case ErrCritical:
		return e.Kind == KindCritical || e.Kind == KindNetwork
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrConfig:
		return e.Kind == KindConfig
	}
	return false
}

// General returns a non-critical error.
func General(msg string, cause error) error {
	return &Error{Kind: KindGeneral, Msg: msg, Err: cause}
}

// OperationFailed returns an error for a single step that did not reach its expected state.
func OperationFailed(msg string, cause error) error {
	return &Error{Kind: KindOperationFailed, Msg: msg, Err: cause}
}

// Critical returns a job-ending error.
func Critical(msg string, cause error) error {
	return &Error{Kind: KindCritical, Msg: msg, Err: cause}
}

// Network returns a critical error for a network that never came up.
func Network(msg string, cause error) error {
	return &Error{Kind: KindNetwork, Msg: msg, Err: cause}
}

// Config returns a configuration error. Configuration errors are never retried.
func Config(msg string, cause error) error {
	return &Error{Kind: KindConfig, Msg: msg, Err: cause}
}

// As is errors.As from the standard library.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is is errors.Is from the standard library.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// IsCritical reports whether err is critical (including network errors).
func IsCritical(err error) bool { return stderrors.Is(err, ErrCritical) }

// IsOperationFailed reports whether err is a recoverable operation failure.
func IsOperationFailed(err error) bool { return stderrors.Is(err, ErrOperationFailed) }

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return stderrors.Is(err, ErrConfig) }
