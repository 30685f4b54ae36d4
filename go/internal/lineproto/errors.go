package lineproto

import "errors"

var (
	// ErrMalformed indicates input that does not follow the line protocol
	// framing, like a missing trailing newline.
	ErrMalformed = errors.New("malformed message")

	// ErrBadParam indicates a message parameter that failed to parse.
	ErrBadParam = errors.New("invalid message parameter")

	// ErrUnknownPrefix indicates a message prefix this implementation does
	// not know. Servers skip these for forward compatibility.
	ErrUnknownPrefix = errors.New("unknown message prefix")

	// ErrVersionMismatch indicates the peer requested an unsupported
	// protocol version.
	ErrVersionMismatch = errors.New("unsupported protocol version")
)
