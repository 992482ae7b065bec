package socket

import (
	"errors"
	"fmt"
)

// Kind classifies socket errors for callers at the boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidHandle
	KindBind
	KindSend
	KindReceive
	KindConfig
	KindMulticast
	KindClose
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidHandle:
		return "invalid_handle"
	case KindBind:
		return "bind"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	case KindConfig:
		return "config"
	case KindMulticast:
		return "multicast"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Sentinel causes wrapped by Error.
var (
	ErrInvalidHandle   = errors.New("invalid socket handle")
	ErrClosed          = errors.New("socket is closed")
	ErrNotBound        = errors.New("socket is not bound")
	ErrAlreadyBound    = errors.New("socket is already bound")
	ErrNotMulticast    = errors.New("not a multicast address")
	ErrNotMember       = errors.New("not a member of multicast group")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum datagram size")
	ErrNoDestination   = errors.New("no destination address")
	ErrUnsupported     = errors.New("operation not supported on this platform")
)

// Error is a typed socket failure. Err holds the underlying OS error or one of
// the sentinels above.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String() + " error"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
