package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/retry"
)

type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindTransient          Kind = "TransientError"
	KindConflictUnresolved Kind = "ConflictUnresolved"
	KindValidation         Kind = "ValidationError"
	KindScope              Kind = "ScopeError"
	KindCancelled          Kind = "Cancelled"
)

var (
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrValidation         = errors.New("validation failed")
	ErrScope              = errors.New("empty organisational scope")
	ErrCancelled          = errors.New("run cancelled")
)

// Error is the failure of one target. Only fatal kinds leave the resolver;
// NotFound and Conflict are absorbed unless recovery itself runs out.
type Error struct {
	Kind   Kind
	Type   metadata.ResourceType
	Target string
	Err    error
}

func (e *Error) Error() string {
	subject := string(e.Type)
	if e.Target != "" {
		subject += " " + e.Target
	}
	if subject == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, subject, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrConflictUnresolved:
		return e.Kind == KindConflictUnresolved
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrScope:
		return e.Kind == KindScope
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

func NewError(kind Kind, rt metadata.ResourceType, target string, err error) *Error {
	return &Error{Kind: kind, Type: rt, Target: target, Err: err}
}

// KindOf reports the taxonomy kind of err, or "" when err is not a resolver
// error.
func KindOf(err error) Kind {
	var resolveErr *Error
	if errors.As(err, &resolveErr) {
		return resolveErr.Kind
	}
	return ""
}

// fatalKind classifies an error the retry controller gave up on.
func fatalKind(err error) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var exhausted *retry.TransientExhaustedError
	if errors.As(err, &exhausted) {
		return KindTransient
	}
	var httpErr *metadata.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= http.StatusBadRequest && httpErr.StatusCode < http.StatusInternalServerError {
		return KindValidation
	}
	if errors.Is(err, metadata.ErrInvalidInput) {
		return KindValidation
	}
	return KindTransient
}
