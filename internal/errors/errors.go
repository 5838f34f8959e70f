// Package errors defines the failure taxonomy shared by the ledger, the membership
// tree, the proof service and the routing engine.
//
// Every error produced by those components is (or wraps) an *Error carrying a Kind.
// Callers branch on the kind with errors.Is against the sentinels below or with KindOf.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInvalidCommitment   Kind = "invalid_commitment"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindCollaboratorFailure Kind = "collaborator_failure"
	KindTimeout             Kind = "timeout"
	KindInvalidArgument     Kind = "invalid_argument"
	KindInternal            Kind = "internal"
)

// Sentinel errors, one per kind.
var (
	ErrNotFound            = stderrors.New("not found")
	ErrInvalidState        = stderrors.New("invalid state")
	ErrInsufficientBalance = stderrors.New("insufficient balance")
	ErrInvalidCommitment   = stderrors.New("invalid commitment")
	ErrConcurrencyConflict = stderrors.New("concurrency conflict")
	ErrCollaboratorFailure = stderrors.New("collaborator failure")
	ErrTimeout             = stderrors.New("timeout")
	ErrInvalidArgument     = stderrors.New("invalid argument")
	ErrInternal            = stderrors.New("internal error")
)

var sentinels = map[Kind]error{
	KindNotFound:            ErrNotFound,
	KindInvalidState:        ErrInvalidState,
	KindInsufficientBalance: ErrInsufficientBalance,
	KindInvalidCommitment:   ErrInvalidCommitment,
	KindConcurrencyConflict: ErrConcurrencyConflict,
	KindCollaboratorFailure: ErrCollaboratorFailure,
	KindTimeout:             ErrTimeout,
	KindInvalidArgument:     ErrInvalidArgument,
	KindInternal:            ErrInternal,
}

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	ID       string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Msg != "":
		msg = e.Msg
	case e.Resource != "" && e.ID != "":
		msg = fmt.Sprintf("%s %q: %s", e.Resource, e.ID, sentinels[e.Kind])
	case e.Resource != "":
		msg = fmt.Sprintf("%s: %s", e.Resource, sentinels[e.Kind])
	default:
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New builds a classified error with a free-form message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(resource, id string) *Error {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s %q not found", resource, id)
	}
	return &Error{Kind: KindNotFound, Resource: resource, ID: id, Msg: msg}
}

// NewInvalidStateError reports an operation attempted in the wrong state.
func NewInvalidStateError(resource, id, state, want string) *Error {
	return &Error{
		Kind:     KindInvalidState,
		Resource: resource,
		ID:       id,
		Msg:      fmt.Sprintf("%s %q is %s, want %s", resource, id, state, want),
	}
}

// InsufficientBalance reports a debit larger than the available balance.
func InsufficientBalance(channelID, available, requested string) *Error {
	return &Error{
		Kind:     KindInsufficientBalance,
		Resource: "channel",
		ID:       channelID,
		Msg:      fmt.Sprintf("insufficient balance on channel %q: available %s, requested %s", channelID, available, requested),
	}
}

// InvalidCommitment reports an amount/salt pair that does not open a commitment.
func InvalidCommitment(commitment string) *Error {
	return &Error{Kind: KindInvalidCommitment, Resource: "commitment", ID: commitment, Msg: "commitment does not match amount and salt"}
}

// ConcurrencyConflict reports a lost race on a guarded transition.
func ConcurrencyConflict(resource, id, msg string) *Error {
	return &Error{Kind: KindConcurrencyConflict, Resource: resource, ID: id, Msg: fmt.Sprintf("%s %q: %s", resource, id, msg)}
}

// CollaboratorFailure wraps an error returned by an external collaborator.
func CollaboratorFailure(collaborator, op string, err error) *Error {
	return &Error{Kind: KindCollaboratorFailure, Op: op, Resource: collaborator, Msg: collaborator + " failed", Err: err}
}

// Timeout wraps a collaborator call that exceeded its deadline.
func Timeout(collaborator, op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Resource: collaborator, Msg: collaborator + " timed out", Err: err}
}

// InvalidArgument reports malformed caller input.
func InvalidArgument(field, msg string) *Error {
	return &Error{Kind: KindInvalidArgument, Resource: field, Msg: field + ": " + msg}
}

// RequiredError reports a missing required field.
func RequiredError(field string) *Error {
	return InvalidArgument(field, "is required")
}

// FromCollaborator classifies an error returned by an external call. Errors that are
// already classified pass through unchanged; deadline errors become Timeout and
// everything else CollaboratorFailure.
func FromCollaborator(collaborator, op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if stderrors.As(err, &classified) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Timeout(collaborator, op, err)
	}
	return CollaboratorFailure(collaborator, op, err)
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if stderrors.As(err, &classified) {
		return classified.Kind
	}
	for kind, sentinel := range sentinels {
		if stderrors.Is(err, sentinel) {
			return kind
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

func IsNotFound(err error) bool            { return stderrors.Is(err, ErrNotFound) }
func IsInvalidState(err error) bool        { return stderrors.Is(err, ErrInvalidState) }
func IsInsufficientBalance(err error) bool { return stderrors.Is(err, ErrInsufficientBalance) }
func IsInvalidCommitment(err error) bool   { return stderrors.Is(err, ErrInvalidCommitment) }
func IsConcurrencyConflict(err error) bool { return stderrors.Is(err, ErrConcurrencyConflict) }
func IsCollaboratorFailure(err error) bool { return stderrors.Is(err, ErrCollaboratorFailure) }
func IsTimeout(err error) bool             { return stderrors.Is(err, ErrTimeout) }
func IsInvalidArgument(err error) bool     { return stderrors.Is(err, ErrInvalidArgument) }
