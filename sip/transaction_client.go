package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/internal/types"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ClientTransactionKey
	// Start sends the request and starts the transaction timers.
	// It must be called once, after the transaction is ready to receive responses.
	Start(ctx context.Context) error
	// MatchResponse checks whether the response matches the transaction.
	MatchResponse(res *Response) error
	// RecvResponse is called on each inbound response matched to the transaction.
	RecvResponse(ctx context.Context, res *Response) error
	// OnResponse registers a callback called on each response passed to the application.
	OnResponse(fn TransactionResponseHandler) (cancel func())
	// LastResponse returns the last response received by the transaction.
	LastResponse() *Response
}

// TransactionResponseHandler is a callback of the response passed by the client transaction.
type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *Response)

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Timings is the SIP timing config that will be used with the transaction.
	// If zero, the default SIP timing config will be used.
	Timings TimingConfig
	// Clock schedules the transaction timers.
	// If nil, the system clock is used.
	Clock timeutil.Clock
	// Metrics records the transaction metrics.
	Metrics *Metrics
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) base() transactOptions {
	if o == nil {
		return transactOptions{}
	}
	return transactOptions{
		timings: o.Timings,
		clock:   o.Clock,
		metrics: o.Metrics,
		log:     o.Log,
	}
}

// NewClientTransaction creates a new client transaction depending on the request method.
// ACK requests have no transaction.
func NewClientTransaction(req *Request, ch Channel, opts *ClientTransactionOptions) (ClientTransaction, error) {
	if req != nil && req.Method == INVITE {
		return errtrace.Wrap2(NewInviteClientTransaction(req, ch, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTransaction(req, ch, opts))
}

type clientTransact struct {
	*baseTransact
	key     ClientTransactionKey
	lastRes atomic.Pointer[Response]
	onRes   types.CallbackManager[TransactionResponseHandler]
	started atomic.Bool
}

func newClientTransact(
	typ TransactionType,
	impl ClientTransaction,
	req *Request,
	ch Channel,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if ch == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid channel"))
	}

	key, err := ClientTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	tx := &clientTransact{key: key}
	tx.baseTransact = newBaseTransact(typ, impl, req, ch, opts.base())
	tx.metrics.txCreated(typ)
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(tx.logValueAttrs(tx.key)...)
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey { return tx.key }

// LastResponse returns the last response received by the transaction.
func (tx *clientTransact) LastResponse() *Response { return tx.lastRes.Load() }

// MatchResponse checks whether the response matches the client transaction.
// It implements the matching rules defined in RFC 3261 section 17.1.3.
func (tx *clientTransact) MatchResponse(res *Response) error {
	key, err := ClientTransactionKeyFromMessage(res)
	if err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if key != tx.key {
		return errtrace.Wrap(ErrMessageNotMatched)
	}
	return nil
}

// RecvResponse is called on each inbound response matched to the transaction.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *Response) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case IsProvisional(res):
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv1xx, res))
	case IsSuccessful(res):
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fire(ctx, txEvtRecv300699, res))
	}
}

// OnResponse registers a callback called on each response passed to the application.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	return tx.onRes.Add(fn)
}

func (tx *clientTransact) start(ctx context.Context, act func(ctx context.Context) error) error {
	if !tx.started.CompareAndSwap(false, true) {
		return errtrace.Wrap(fmt.Errorf("%w: transaction already started", ErrActionNotAllowed))
	}
	return errtrace.Wrap(tx.run(ctx, act))
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

var resType = reflect.TypeOf((*Response)(nil))

func (tx *clientTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv300699, resType)
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request",
		slog.Any("transaction", tx.impl),
		slog.Any("request", logMsg(tx.req)),
	)

	return errtrace.Wrap(tx.send(ctx, tx.req))
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response",
		slog.Any("transaction", tx.impl),
		slog.Any("response", logMsg(res)),
	)

	impl := tx.impl.(ClientTransaction) //nolint:forcetypeassert
	tx.deliv.Enqueue(func() {
		for fn := range tx.onRes.All() {
			fn(tx.ctx, impl, res)
		}
	})
	return nil
}

// ClientTransactionKey is the key of a client transaction.
// It is used for matching responses to the request that created the transaction.
type ClientTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string `json:"branch"`
	// Method of the request that created the transaction, taken from the CSeq header.
	Method RequestMethod `json:"method"`
}

// ClientTransactionKeyFromMessage builds the key from the topmost Via branch and the CSeq method.
func ClientTransactionKeyFromMessage(msg Message) (ClientTransactionKey, error) {
	hdrs, ok := msg.(headersReader)
	if !ok || hdrs == nil {
		return ClientTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}

	key := ClientTransactionKey{Branch: msgBranch(hdrs)}
	_, key.Method = msgCSeq(hdrs)
	if key.Method == ACK {
		key.Method = INVITE
	}
	if !key.IsValid() {
		return ClientTransactionKey{}, errtrace.Wrap(fmt.Errorf("%w: %w: Via branch or CSeq", ErrInvalidMessage, errMissHdrs))
	}
	return key, nil
}

// IsValid checks whether the key is valid.
func (k ClientTransactionKey) IsValid() bool { return k.Branch != "" && k.Method != "" }

func (k ClientTransactionKey) String() string { return k.Branch + "|" + string(k.Method) }

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", string(k.Method)),
	)
}
