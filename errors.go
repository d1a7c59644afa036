package nyat

import "fmt"

// Kind classifies the closed set of errors the core can return. Socket and
// connect errors from package sock, DNS errors from RemoteEndpoint, and the
// errors a Mapper's Run returns (other than context cancellation) are
// *Error values carrying one of these kinds. Package stun returns its own
// sentinel errors, which package mapper wraps into the matching Kind.
type Kind int

const (
	// KindSocket covers socket creation, option-setting, or bind failure.
	// Always fatal: it bubbles out of Run immediately.
	KindSocket Kind = iota
	// KindDNS covers a lookup failure or a lookup with no matching family.
	KindDNS
	// KindConnection covers a TCP connect or UDP datagram-connect failure.
	KindConnection
	// KindStunMalformed covers a STUN response that failed structural validation.
	KindStunMalformed
	// KindStunTransactionMismatch covers a STUN response transaction ID mismatch.
	KindStunTransactionMismatch
	// KindStunResponseTooLarge covers a STUN response whose declared body
	// length exceeded the 2048-byte bound.
	KindStunResponseTooLarge
	// KindStunNetwork covers I/O failure during a STUN exchange (including timeout).
	KindStunNetwork
	// KindKeepalive covers an I/O error on the keepalive path.
	KindKeepalive
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindDNS:
		return "dns"
	case KindConnection:
		return "connection"
	case KindStunMalformed:
		return "stun.malformed"
	case KindStunTransactionMismatch:
		return "stun.transaction_id_mismatch"
	case KindStunResponseTooLarge:
		return "stun.response_too_large"
	case KindStunNetwork:
		return "stun.network"
	case KindKeepalive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind must bubble out of Run
// immediately rather than being retried.
func (k Kind) Fatal() bool {
	return k == KindSocket
}

// Error is the concrete error type returned from the core's public
// operations. Wrap an underlying cause with NewError; unwrap it with
// errors.Unwrap or errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError wraps err with the given kind and the operation that produced it.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind, so callers can write
// errors.Is(err, &nyat.Error{Kind: nyat.KindDNS}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
