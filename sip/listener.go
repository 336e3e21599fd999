package sip

import "context"

// Listener receives protocol events from the [Stack].
//
// Events of one transaction or dialog are delivered in order, one at a time.
// Callbacks may call the stack, transactions and dialogs back.
type Listener interface {
	// OnRequest is called on each new inbound request.
	// The tx is nil for ACK requests, the d is nil for out-of-dialog requests.
	OnRequest(ctx context.Context, req *Request, tx ServerTransaction, d *Dialog)
	// OnResponse is called on each response passed by a client transaction.
	// The d is nil for responses outside of dialogs.
	OnResponse(ctx context.Context, res *Response, tx ClientTransaction, d *Dialog)
	// OnTransactionTimeout is called once when the transaction times out.
	OnTransactionTimeout(ctx context.Context, tx Transaction)
	// OnTransactionTerminated is called once when the transaction terminates.
	OnTransactionTerminated(ctx context.Context, tx Transaction)
	// OnDialogTerminated is called once when the dialog terminates.
	OnDialogTerminated(ctx context.Context, d *Dialog)
	// OnTransportError is called on send failures.
	OnTransportError(ctx context.Context, ch Channel, err error)
}

// ListenerFuncs is an adapter to use functions as a [Listener].
// Nil functions are skipped.
type ListenerFuncs struct {
	Request               func(ctx context.Context, req *Request, tx ServerTransaction, d *Dialog)
	Response              func(ctx context.Context, res *Response, tx ClientTransaction, d *Dialog)
	TransactionTimeout    func(ctx context.Context, tx Transaction)
	TransactionTerminated func(ctx context.Context, tx Transaction)
	DialogTerminated      func(ctx context.Context, d *Dialog)
	TransportError        func(ctx context.Context, ch Channel, err error)
}

func (l ListenerFuncs) OnRequest(ctx context.Context, req *Request, tx ServerTransaction, d *Dialog) {
	if l.Request != nil {
		l.Request(ctx, req, tx, d)
	}
}

func (l ListenerFuncs) OnResponse(ctx context.Context, res *Response, tx ClientTransaction, d *Dialog) {
	if l.Response != nil {
		l.Response(ctx, res, tx, d)
	}
}

func (l ListenerFuncs) OnTransactionTimeout(ctx context.Context, tx Transaction) {
	if l.TransactionTimeout != nil {
		l.TransactionTimeout(ctx, tx)
	}
}

func (l ListenerFuncs) OnTransactionTerminated(ctx context.Context, tx Transaction) {
	if l.TransactionTerminated != nil {
		l.TransactionTerminated(ctx, tx)
	}
}

func (l ListenerFuncs) OnDialogTerminated(ctx context.Context, d *Dialog) {
	if l.DialogTerminated != nil {
		l.DialogTerminated(ctx, d)
	}
}

func (l ListenerFuncs) OnTransportError(ctx context.Context, ch Channel, err error) {
	if l.TransportError != nil {
		l.TransportError(ctx, ch, err)
	}
}
