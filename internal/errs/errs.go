// Package errs defines the stable error-kind taxonomy shared by every
// component of the fleet (see spec §7). Components raise their own typed
// errors; at the boundary where a goroutine hands a failure to the
// reconciliation engine or session manager, the error is classified into
// one of these kinds so the engine knows whether to retry, close, or exit.
package errs

import (
	"fmt"

	"github.com/goph/emperror"
)

// Kind is one of the five stable error categories. Kinds are not Go types;
// every component error is wrapped into an *Error carrying one of these.
type Kind int

const (
	// Unknown is the zero value; it should never be intentionally returned.
	Unknown Kind = iota

	// Transient covers network jitter, store conflicts, and would-block
	// conditions. Recovery: retry locally with backoff, then requeue.
	Transient

	// Protocol covers malformed envelopes, unknown tags, arity mismatches,
	// and UUID-length violations. Recovery: close the session, never retry
	// the same bytes.
	Protocol

	// Authorization covers unknown public keys outside pairing mode and
	// superseded sessions. Recovery: close the session with a reason.
	Authorization

	// ResourceLimit covers instruction/memory/stack/message-size overruns.
	// Recovery: terminate the offending scope, report, do not retry.
	ResourceLimit

	// Fatal covers invalid startup configuration, missing keypairs, and
	// bind addresses already in use. Recovery: exit nonzero.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Protocol:
		return "protocol"
	case Authorization:
		return "authorization"
	case ResourceLimit:
		return "resource_limit"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying component error with its kind and the
// operation that produced it. Err is always an emperror.With context-carrying
// error so the kind and op survive as structured keyvals through every layer,
// retrievable via emperror.Context at a logging boundary.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Context returns the emperror keyvals attached to err, for components that
// log an *Error and want the op/kind alongside the rest of the call context.
func Context(err error) []interface{} {
	var e *Error
	for cur := err; cur != nil; {
		if asErr, ok := cur.(*Error); ok {
			e = asErr
			break
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	if e == nil {
		return nil
	}
	return emperror.Context(e.Err)
}

// Wrap attaches a kind and operation name to err. Wrap(nil, ...) returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := emperror.With(err, "kind", kind.String(), "op", op)
	return &Error{Kind: kind, Op: op, Err: wrapped}
}

func TransientErr(op string, err error) error     { return Wrap(Transient, op, err) }
func ProtocolErr(op string, err error) error      { return Wrap(Protocol, op, err) }
func AuthorizationErr(op string, err error) error { return Wrap(Authorization, op, err) }
func ResourceLimitErr(op string, err error) error { return Wrap(ResourceLimit, op, err) }
func FatalErr(op string, err error) error         { return Wrap(Fatal, op, err) }

// KindOf extracts the Kind carried by err, walking Unwrap chains. Returns
// Unknown if no *Error is found anywhere in the chain.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Unknown
}
