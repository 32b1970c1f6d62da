package ibnet

import "github.com/go-ibnet/ibnet/internal/ibnerr"

// Code classifies an Error into one of the broad categories the runtime
// reacts to differently (see SPEC_FULL.md section 7).
type Code = ibnerr.Code

const (
	CodeInvariant     = ibnerr.CodeInvariant
	CodeConfig        = ibnerr.CodeConfig
	CodeDisconnected  = ibnerr.CodeDisconnected
	CodeQueueClosed   = ibnerr.CodeQueueClosed
	CodeQueueFull     = ibnerr.CodeQueueFull
	CodeTimeout       = ibnerr.CodeTimeout
	CodeTransientIO   = ibnerr.CodeTransientIO
	CodeInvalidNodeID = ibnerr.CodeInvalidNodeID
	CodeUnknownNode   = ibnerr.CodeUnknownNode
)

// Error is the structured error type returned by every package in this
// module. It carries enough context to log and to classify programmatically
// without parsing a message string.
type Error = ibnerr.Error

// NewError creates a structured error with no node context.
func NewError(op string, code Code, msg string) *Error {
	return ibnerr.New(op, code, msg)
}

// NewNodeError creates a structured error scoped to a specific peer.
func NewNodeError(op string, nodeID uint16, code Code, msg string) *Error {
	return ibnerr.NewNode(op, nodeID, code, msg)
}

// WrapError wraps an arbitrary error with operation context, mapping
// syscall errnos (e.g. from the UDP exchange socket) onto a Code.
func WrapError(op string, inner error) *Error {
	return ibnerr.Wrap(op, inner)
}

// IsCode reports whether err (or any error it wraps) carries the given Code.
func IsCode(err error, code Code) bool {
	return ibnerr.Is(err, code)
}
