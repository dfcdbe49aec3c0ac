package coap

import (
	"errors"
	"fmt"
)

// Kind classifies the error kinds spec §7 requires callers to be able
// to distinguish.
type Kind uint8

const (
	// KindFormat means decoded bytes violate frame or option rules.
	// Recoverable by dropping the datagram; a server may reply RST for
	// a decoded CON.
	KindFormat Kind = iota
	// KindArgument means a caller-supplied value failed a precondition
	// (nil message, wrong type for a request/response slot, invalid URL).
	KindArgument
	// KindUnsupported means the size cap was exceeded, or an option
	// value was out of range.
	KindUnsupported
	// KindUndelivered means the retransmission budget was exhausted on
	// a CON message.
	KindUndelivered
	// KindIO means the underlying socket failed.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "FormatError"
	case KindArgument:
		return "ArgumentError"
	case KindUnsupported:
		return "UnsupportedError"
	case KindUndelivered:
		return "Undelivered"
	case KindIO:
		return "IoError"
	default:
		return "UnknownError"
	}
}

// CoapError is the library's wrapped error type. It carries a Kind so
// callers can branch on category, and an optional Message for
// Undelivered errors, per spec §7's "surfaced via the error callback
// with the original message".
type CoapError struct {
	Kind    Kind
	Message *Message
	Err     error
}

func (e *CoapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *CoapError) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *CoapError {
	return &CoapError{Kind: kind, Err: err}
}

func newErrMsg(kind Kind, err error, m *Message) *CoapError {
	return &CoapError{Kind: kind, Err: err, Message: m}
}

// ErrUndelivered is the sentinel compared via errors.Is when a
// confirmable message exhausts its retransmission budget.
var ErrUndelivered = errors.New("message undelivered: retransmission budget exhausted")

// ErrNotObserveRequest is returned by the observer registry when asked
// to register a request that does not carry the OBSERVE option.
var ErrNotObserveRequest = errors.New("request does not carry the OBSERVE option")

// ErrSaturated is returned by the message-ID allocator when every one
// of the 65536 IDs is already in use by an in-flight exchange (spec
// §4.3 Open Question / §9: the source loops forever here, this
// implementation bounds the scan and reports saturation instead).
var ErrSaturated = errors.New("message-id space exhausted")

// KindOf reports the Kind of err if it (or something it wraps) is a
// *CoapError, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CoapError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
