package sip

import "github.com/ghettovoice/sipstack/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
	ErrStackClosed      Error = "stack closed"
)

// Transaction errors.
const (
	ErrTransactionNotFound   Error = "transaction not found"
	ErrTransactionExists     Error = "transaction already exists"
	ErrTransactionTimedOut   Error = "transaction timed out"
	ErrTransactionTerminated Error = "transaction terminated"
)

// Dialog errors.
const (
	ErrDialogNotFound   Error = "dialog not found"
	ErrDialogExists     Error = "dialog already exists"
	ErrDialogTerminated Error = "dialog terminated"
	// ErrOutOfOrderCSeq is returned when an in-dialog request has CSeq
	// lower than or equal to the last remote CSeq of the dialog.
	ErrOutOfOrderCSeq Error = "out of order CSeq"
	// ErrAckRetransmission is returned when the dialog already received the ACK with the same CSeq.
	ErrAckRetransmission Error = "ACK retransmission"
)

// Transport errors.
const (
	// ErrTransportClosed is returned when attempting to use a closed transport.
	ErrTransportClosed Error = "transport closed"
	// ErrNoTarget is returned when no target for the message is resolved.
	ErrNoTarget Error = "no target resolved"
	// ErrNoTransport is returned when the stack has no transport for the target protocol.
	ErrNoTransport Error = "no transport resolved"
	// ErrConnCacheBusy is returned when the connection of a peer stays locked
	// by other senders longer than the configured lock timeout.
	ErrConnCacheBusy Error = "connection cache busy"
)

// Message errors.
const (
	ErrInvalidMessage    Error = "invalid message"
	ErrMessageTooLarge   Error = "message too large"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"

	errMissHdrs Error = "missing mandatory headers"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
