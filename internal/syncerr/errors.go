// Package syncerr defines the error taxonomy shared by the provider client,
// the reconciler and the sync orchestrator.
//
// Every failure that can leave an account's delta cursor stale is classified
// into one of four kinds so callers can decide whether to retry, re-authenticate
// or give up:
//
//   - KindAuth: invalid or expired credential. Never retried.
//   - KindTransient: network failure, 5xx, rate limit, window not ready. Retried with backoff.
//   - KindData: malformed provider payload or record.
//   - KindState: the request is not valid for the account's current state.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindTransient
	KindData
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindData:
		return "data"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrThreadNotFound   = errors.New("thread not found")
	ErrAccountNotReady  = errors.New("account not ready for sync")
	ErrSyncInProgress   = errors.New("sync already running")
	ErrWindowNotReady   = errors.New("sync window not ready")
	ErrTooManyMalformed = errors.New("too many malformed records")
	ErrTooManyPages     = errors.New("delta page limit exceeded")
	ErrLeaseLost        = errors.New("sync lease lost")
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth wraps err as a non-retryable credential failure.
func Auth(op string, err error) error { return newError(KindAuth, op, err) }

// Transient wraps err as a retryable provider failure.
func Transient(op string, err error) error { return newError(KindTransient, op, err) }

// Data wraps err as a malformed payload failure.
func Data(op string, err error) error { return newError(KindData, op, err) }

// State wraps err as a failure caused by the account's current state.
func State(op string, err error) error { return newError(KindState, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsAuth(err error) bool      { return KindOf(err) == KindAuth }
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsData(err error) bool      { return KindOf(err) == KindData }
func IsState(err error) bool     { return KindOf(err) == KindState }

// IsRetryable reports whether a later attempt of the same operation may succeed.
func IsRetryable(err error) bool {
	return IsTransient(err)
}
