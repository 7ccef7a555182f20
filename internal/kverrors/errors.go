// Package kverrors defines the discriminated error type shared by every
// layer of the cluster/command core, replacing ad-hoc fmt.Errorf chains
// once a request has been assembled for dispatch.
package kverrors

import (
	"errors"
	"fmt"
)

// Kind discriminates the taxonomy a failure belongs to, per the error
// handling design: local recovery only closes connections, follows the
// retry FSM, or relogins on token expiry; everything else surfaces to the
// caller tagged with one of these kinds.
type Kind int

const (
	Unknown Kind = iota
	Configuration
	Connection
	TimeoutSocket
	TimeoutTotal
	Authentication
	ProtocolParse
	ServerApplication
	InDoubt
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Connection:
		return "connection"
	case TimeoutSocket:
		return "timeout_socket"
	case TimeoutTotal:
		return "timeout_total"
	case Authentication:
		return "authentication"
	case ProtocolParse:
		return "protocol_parse"
	case ServerApplication:
		return "server_application"
	case InDoubt:
		return "in_doubt"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the one consolidated error type returned by the core. It carries
// enough context for the caller to decide how to react without needing to
// re-derive it: the taxonomy kind, the server result code (if the failure
// came from a reply frame), the node involved, whether the failing
// operation may have been applied in-doubt, and the chain of every prior
// attempt's error for diagnosis.
type Error struct {
	Kind       Kind
	ResultCode int  // server result code, 0 if not applicable
	HasCode    bool // distinguishes "code 0" from "no code"
	Node       string
	InDoubtErr bool
	Msg        string
	Cause      error
	Chain      []error
}

func (e *Error) Error() string {
	if e.Node != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s] (node=%s): %v", e.Kind, e.Msg, e.Node, e.Cause)
		}
		return fmt.Sprintf("%s [%s] (node=%s)", e.Kind, e.Msg, e.Node)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s [%s]", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// InDoubt reports whether this error may correspond to a write whose
// acknowledgement was never received.
func (e *Error) InDoubt() bool { return e.InDoubtErr }

// New builds a fresh Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithNode attaches the node name involved in the failure.
func (e *Error) WithNode(node string) *Error {
	e.Node = node
	return e
}

// WithResultCode attaches a server result code.
func (e *Error) WithResultCode(code int) *Error {
	e.ResultCode = code
	e.HasCode = true
	return e
}

// WithInDoubt marks the error as possibly-applied.
func (e *Error) WithInDoubt(inDoubt bool) *Error {
	e.InDoubtErr = inDoubt
	return e
}

// Append adds a prior attempt's error to the diagnostic chain and returns
// the receiver so it can be threaded through a retry loop fluently.
func (e *Error) Append(prior error) *Error {
	if prior == nil {
		return e
	}
	e.Chain = append(e.Chain, prior)
	return e
}

// Is supports errors.Is comparisons against a Kind sentinel created with
// New/Wrap that carries no cause — two *Error values compare equal by Kind
// when neither carries a distinguishing cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, returning
// Unknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsInDoubt reports whether err is an in-doubt write failure.
func IsInDoubt(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.InDoubtErr
	}
	return false
}

// Sentinel sub-kinds used across packages for specific conditions that
// still need programmatic comparison (errors.Is) beyond the coarse Kind.
var (
	ErrPoolExhausted     = New(Connection, "no more connections")
	ErrInvalidNode       = New(Connection, "invalid node")
	ErrFrameTooLarge     = New(ProtocolParse, "frame exceeds maximum length")
	ErrShortFrame        = New(ProtocolParse, "short frame")
	ErrBadMagic          = New(ProtocolParse, "bad proto header")
	ErrMissingInfoKey    = New(ProtocolParse, "missing info key")
	ErrTotalTimeout      = New(TimeoutTotal, "total timeout exceeded")
	ErrAuthLoginInFlight = New(Authentication, "login already in flight")
)
