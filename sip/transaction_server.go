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

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the transaction key.
	Key() ServerTransactionKey
	// MatchRequest checks whether the request matches the server transaction.
	MatchRequest(req *Request) error
	// RecvRequest is called on each inbound request matched to the transaction,
	// i.e. retransmissions and ACKs.
	RecvRequest(ctx context.Context, req *Request) error
	// Respond sends the response on the transaction request.
	Respond(ctx context.Context, res *Response) error
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
	// OnAck registers a callback called on each ACK passed to the application.
	OnAck(fn TransactionAckHandler) (cancel func())
	// Cancels returns the INVITE transaction cancelled by this CANCEL transaction.
	// It returns nil for other transactions.
	Cancels() ServerTransaction
}

// TransactionAckHandler is a callback of the ACK passed by the INVITE server transaction.
type TransactionAckHandler = func(ctx context.Context, tx ServerTransaction, ack *Request)

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
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

func (o *ServerTransactionOptions) base() transactOptions {
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

// NewServerTransaction creates a new server transaction depending on the request method.
// ACK requests have no transaction.
func NewServerTransaction(req *Request, ch Channel, opts *ServerTransactionOptions) (ServerTransaction, error) {
	if req != nil && req.Method == INVITE {
		return errtrace.Wrap2(NewInviteServerTransaction(req, ch, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(req, ch, opts))
}

type serverTransact struct {
	*baseTransact
	key     ServerTransactionKey
	lastRes atomic.Pointer[Response]
	sendErr error
	cancels atomic.Pointer[ServerTransaction]
	onAck   types.CallbackManager[TransactionAckHandler]
}

func newServerTransact(
	typ TransactionType,
	impl ServerTransaction,
	req *Request,
	ch Channel,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if ch == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid channel"))
	}

	key, err := ServerTransactionKeyFromRequest(req)
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	tx := &serverTransact{key: key}
	tx.baseTransact = newBaseTransact(typ, impl, req, ch, opts.base())
	tx.metrics.txCreated(typ)
	return tx, nil
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(tx.logValueAttrs(tx.key)...)
}

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey { return tx.key }

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *Response { return tx.lastRes.Load() }

// Cancels returns the INVITE transaction cancelled by this CANCEL transaction.
func (tx *serverTransact) Cancels() ServerTransaction {
	if p := tx.cancels.Load(); p != nil {
		return *p
	}
	return nil
}

func (tx *serverTransact) setCancels(inv ServerTransaction) { tx.cancels.Store(&inv) }

// OnAck registers a callback called on each ACK passed to the application.
func (tx *serverTransact) OnAck(fn TransactionAckHandler) (cancel func()) {
	return tx.onAck.Add(fn)
}

// MatchRequest checks whether the request matches the server transaction.
// It implements the matching rules defined in RFC 3261 section 17.2.3.
func (tx *serverTransact) MatchRequest(req *Request) error {
	key, err := ServerTransactionKeyFromRequest(req)
	if err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if key != tx.key {
		return errtrace.Wrap(ErrMessageNotMatched)
	}
	return nil
}

// RecvRequest is called on each inbound request matched to the transaction.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}

	if req.Method == ACK {
		return errtrace.Wrap(tx.fire(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.fire(ctx, txEvtRecvReq, req))
}

// Respond sends the response on the transaction request.
// The response must be built on the transaction request, see [NewResponse].
// The send error is returned, the transaction is terminated then.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if err := ValidateResponse(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := tx.matchResponse(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if tx.State() == TransactionStateTerminated {
		return errtrace.Wrap(ErrTransactionTerminated)
	}

	var evt string
	switch {
	case IsProvisional(res):
		evt = txEvtSend1xx
	case IsSuccessful(res):
		evt = txEvtSend2xx
	default:
		evt = txEvtSend300699
	}

	tx.fireMu.Lock()
	tx.sendErr = nil
	err := tx.fsm.FireCtx(ctx, evt, res)
	if err == nil {
		err = tx.sendErr
	}
	tx.fireMu.Unlock()

	tx.deliv.Flush()
	return errtrace.Wrap(err)
}

func (tx *serverTransact) matchResponse(res *Response) error {
	if msgBranch(res) != msgBranch(tx.req) ||
		viaSentBy(res.Via()) != viaSentBy(tx.req.Via()) ||
		msgCallID(res) != msgCallID(tx.req) {
		return errtrace.Wrap(fmt.Errorf("%w: response does not belong to the transaction request", ErrMessageNotMatched))
	}
	resSeq, resMethod := msgCSeq(res)
	reqSeq, reqMethod := msgCSeq(tx.req)
	if resSeq != reqSeq || resMethod != reqMethod {
		return errtrace.Wrap(fmt.Errorf("%w: response CSeq does not match the transaction request", ErrMessageNotMatched))
	}
	return nil
}

const (
	txEvtRecvReq    = "recv_request"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

var reqType = reflect.TypeOf((*Request)(nil))

func (tx *serverTransact) initFSM(start TransactionState) {
	tx.baseTransact.initFSM(start)

	tx.fsm.SetTriggerParameters(txEvtRecvReq, reqType)
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reqType)
	tx.fsm.SetTriggerParameters(txEvtSend1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, resType)
}

// sendRes sends the response and keeps the send error for [serverTransact.Respond].
func (tx *serverTransact) sendRes(ctx context.Context, res *Response) {
	if err := tx.send(ctx, res); err != nil && tx.sendErr == nil {
		tx.sendErr = err
	}
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response",
		slog.Any("transaction", tx.impl),
		slog.Any("response", logMsg(res)),
	)

	tx.sendRes(ctx, res)
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	if res := tx.lastRes.Load(); res != nil {
		tx.resend(ctx, res)
	}
	return nil
}

// ServerTransactionKey is a key used to identify a server transaction.
//
// The key implements the matching rules defined in RFC 3261 section 17.2.3.
// Branch, SentBy and Method are used for RFC 3261 transactions.
// RFC 2543 transactions are matched by SentBy, Method, CallID, FromTag and CSeqNum.
// ACK requests produce the key of the INVITE transaction they acknowledge.
type ServerTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string `json:"branch,omitempty"`
	// Host and port of the topmost Via header field.
	SentBy string `json:"sent_by,omitempty"`
	// Method of the request that created the transaction.
	Method RequestMethod `json:"method,omitempty"`

	CallID  string `json:"call_id,omitempty"`
	FromTag string `json:"from_tag,omitempty"`
	CSeqNum uint32 `json:"cseq_num,omitempty"`
}

// ServerTransactionKeyFromRequest builds the server transaction key of the request.
func ServerTransactionKeyFromRequest(req *Request) (ServerTransactionKey, error) {
	if req == nil {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	via := req.Via()
	if via == nil || req.CSeq() == nil {
		return ServerTransactionKey{}, errtrace.Wrap(fmt.Errorf("%w: %w: Via or CSeq", ErrInvalidMessage, errMissHdrs))
	}

	seq, method := msgCSeq(req)
	if method == ACK {
		method = INVITE
	}

	key := ServerTransactionKey{
		SentBy: viaSentBy(via),
		Method: method,
	}
	if branch := msgBranch(req); IsRFC3261Branch(branch) {
		key.Branch = branch
		return key, nil
	}

	key.CallID = msgCallID(req)
	key.FromTag = msgFromTag(req)
	key.CSeqNum = seq
	if key.CallID == "" {
		return ServerTransactionKey{}, errtrace.Wrap(fmt.Errorf("%w: %w: Call-ID", ErrInvalidMessage, errMissHdrs))
	}
	return key, nil
}

// WithMethod returns a copy of the key with the method replaced,
// e.g. to find the INVITE transaction of the CANCEL request.
func (k ServerTransactionKey) WithMethod(method RequestMethod) ServerTransactionKey {
	k.Method = method
	return k
}

// IsValid checks whether the key is valid.
func (k ServerTransactionKey) IsValid() bool {
	if k.SentBy == "" || k.Method == "" {
		return false
	}
	return IsRFC3261Branch(k.Branch) || k.CallID != ""
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	if IsRFC3261Branch(k.Branch) {
		return slog.GroupValue(
			slog.String("branch", k.Branch),
			slog.String("sent_by", k.SentBy),
			slog.String("method", string(k.Method)),
		)
	}
	return slog.GroupValue(
		slog.String("sent_by", k.SentBy),
		slog.String("method", string(k.Method)),
		slog.String("call_id", k.CallID),
		slog.String("from_tag", k.FromTag),
		slog.Any("cseq", k.CSeqNum),
	)
}
