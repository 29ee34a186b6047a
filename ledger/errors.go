package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/c360/sensorledger/errors"
)

// Kind classifies a ledger failure.
type Kind int

// Failure kinds
const (
	// KindConnection is a transport or TLS failure. The session is discarded.
	KindConnection Kind = iota + 1
	// KindIdentity is missing or invalid credential material.
	KindIdentity
	// KindEndorsement means peers rejected or disagreed on the proposal.
	KindEndorsement
	// KindCommit means ordering or validation rejected the transaction.
	KindCommit
	// KindTimeout means a phase deadline elapsed; the outcome may be unknown.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindIdentity:
		return "identity"
	case KindEndorsement:
		return "endorsement"
	case KindCommit:
		return "commit"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConnection:
		return errors.ErrConnection
	case KindIdentity:
		return errors.ErrIdentity
	case KindEndorsement:
		return errors.ErrEndorsement
	case KindCommit:
		return errors.ErrCommit
	case KindTimeout:
		return errors.ErrTimeout
	default:
		return nil
	}
}

// Phase names used in Error.Phase
const (
	PhaseConnect      = "connect"
	PhaseEvaluate     = "evaluate"
	PhaseEndorse      = "endorse"
	PhaseSubmit       = "submit"
	PhaseCommitStatus = "commit-status"
)

// Error is a classified ledger failure. It matches the errors package
// sentinel for its Kind, so errors.Is(err, errors.ErrTimeout) works.
type Error struct {
	Kind        Kind
	Transaction string
	Phase       string
	TxID        string
	Code        int32
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ledger %s error", e.Kind)
	if e.Transaction != "" {
		fmt.Fprintf(&b, " in %s", e.Transaction)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " during %s", e.Phase)
	}
	if e.TxID != "" {
		fmt.Fprintf(&b, " (tx %s, code %d)", e.TxID, e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the errors package sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// NewError builds a classified ledger error.
func NewError(kind Kind, transaction, phase string, err error) *Error {
	return &Error{Kind: kind, Transaction: transaction, Phase: phase, Err: err}
}

// KindOf returns the kind of a ledger error, or 0 if err is not one.
func KindOf(err error) Kind {
	var le *Error
	if stderrors.As(err, &le) {
		return le.Kind
	}
	return 0
}

// IsConnection reports whether err should discard the session.
func IsConnection(err error) bool {
	return KindOf(err) == KindConnection
}

// IsTimeout reports whether err is a deadline failure with an unknown outcome.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout || stderrors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether err is the contract saying a record does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, errors.ErrRecordNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}

// IsAlreadyExists reports whether err is the contract rejecting a record id
// it already holds.
func IsAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}
