package sip

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipstack/dns"
	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/syncutil"
	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/log"
)

// StackOptions are the options of the [Stack].
// All fields are optional.
type StackOptions struct {
	// Timings is the SIP timing config of all transactions.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// Workers is the number of goroutines processing datagrams of each packet transport.
	Workers int
	// MaxTransactionLifetime is the lifetime after which live transactions are terminated,
	// see [TransactionTableOptions].
	MaxTransactionLifetime time.Duration
	// MaxEarlyDialogLifetime is the maximum time a dialog may stay in the Early state.
	// If 0, early dialogs are terminated only by the transaction events.
	MaxEarlyDialogLifetime time.Duration
	// MaxDialogLifetime is the maximum time a dialog may live in any state.
	// If 0, dialogs live until BYE, a terminating response or the application ends them.
	MaxDialogLifetime time.Duration
	// DialogFormingMethods are the methods that create dialogs.
	// If empty, [DefaultDialogFormingMethods] are used.
	DialogFormingMethods []RequestMethod
	// NoAutoTerminateOnBye disables the dialog termination on the BYE transaction completion
	// for all new dialogs. It is the default of [Dialog.SetAutoTerminateOnBye],
	// the application may change it per dialog.
	NoAutoTerminateOnBye bool
	// Parser parses inbound messages.
	Parser Parser
	// UDP are the options of UDP transports created by [Stack.Listen].
	UDP *UDPTransportOptions
	// Stream are the options of TCP and TLS transports created by [Stack.Listen].
	Stream *StreamTransportOptions
	// Resolver resolves request and response targets.
	// If nil, the [dns.DefaultResolver] is used.
	Resolver *dns.Resolver
	// TLSConfig is used by TLS transports when the Stream options do not define it.
	TLSConfig *tls.Config
	// Listener receives the protocol events.
	Listener Listener
	// Clock schedules all timers of the stack.
	// If nil, the system clock is used.
	Clock timeutil.Clock
	// Metrics records the stack metrics.
	Metrics *Metrics
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *StackOptions) dialogFormingMethods() []RequestMethod {
	if o == nil || len(o.DialogFormingMethods) == 0 {
		return DefaultDialogFormingMethods
	}
	return o.DialogFormingMethods
}

func (o *StackOptions) resolver() *dns.Resolver {
	if o == nil || o.Resolver == nil {
		return dns.DefaultResolver()
	}
	return o.Resolver
}

func (o *StackOptions) listener() Listener {
	if o == nil || o.Listener == nil {
		return ListenerFuncs{}
	}
	return o.Listener
}

func (o *StackOptions) clock() timeutil.Clock {
	if o == nil || o.Clock == nil {
		return timeutil.SystemClock()
	}
	return o.Clock
}

func (o *StackOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Stack is the SIP transaction and dialog engine.
//
// It reads messages from its transports, matches them to transactions and dialogs,
// answers malformed and orphan requests statelessly and delivers the protocol events
// to the [Listener].
type Stack struct {
	opts    StackOptions
	forming []RequestMethod
	rslvr   *dns.Resolver
	lsnr    Listener
	clock   timeutil.Clock
	log     *slog.Logger

	txs   *TransactionTable
	dlgs  *DialogTable
	procs *syncutil.ShardMap[Transport, *Processor]
	// INVITE server transactions waiting for the ACK on 2xx, by the dialog ID of the 2xx.
	acks *syncutil.ShardMap[DialogID, *InviteServerTransaction]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStack creates a new [Stack].
// Options are optional, if nil, default values are used (see [StackOptions]).
func NewStack(opts *StackOptions) (*Stack, error) {
	if opts != nil && (opts.MaxDialogLifetime < 0 || opts.MaxEarlyDialogLifetime < 0) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("negative max dialog lifetime"))
	}

	s := &Stack{
		forming: opts.dialogFormingMethods(),
		rslvr:   opts.resolver(),
		lsnr:    opts.listener(),
		clock:   opts.clock(),
		log:     opts.log(),
		dlgs:    NewDialogTable(),
		procs:   syncutil.NewShardMap[Transport, *Processor](syncutil.ShardsNum(4)),
		acks:    syncutil.NewShardMap[DialogID, *InviteServerTransaction](),
	}
	if opts != nil {
		s.opts = *opts
	}
	s.txs = NewTransactionTable(&TransactionTableOptions{
		MaxLifetime: s.opts.MaxTransactionLifetime,
		Clock:       s.clock,
		Log:         s.log,
	})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Stack) clnTxOpts() *ClientTransactionOptions {
	return &ClientTransactionOptions{
		Timings: s.opts.Timings,
		Clock:   s.clock,
		Metrics: s.opts.Metrics,
		Log:     s.log,
	}
}

func (s *Stack) srvTxOpts() *ServerTransactionOptions {
	return &ServerTransactionOptions{
		Timings: s.opts.Timings,
		Clock:   s.clock,
		Metrics: s.opts.Metrics,
		Log:     s.log,
	}
}

func (s *Stack) dlgOpts() *DialogOptions {
	return &DialogOptions{
		MaxEarlyLifetime:     s.opts.MaxEarlyDialogLifetime,
		MaxLifetime:          s.opts.MaxDialogLifetime,
		NoAutoTerminateOnBye: s.opts.NoAutoTerminateOnBye,
		Clock:                s.clock,
		Metrics:              s.opts.Metrics,
		Log:                  s.log,
	}
}

func (s *Stack) udpOpts() *UDPTransportOptions {
	var o UDPTransportOptions
	if s.opts.UDP != nil {
		o = *s.opts.UDP
	}
	if o.Log == nil {
		o.Log = s.log
	}
	return &o
}

func (s *Stack) streamOpts() *StreamTransportOptions {
	var o StreamTransportOptions
	if s.opts.Stream != nil {
		o = *s.opts.Stream
	}
	if o.TLSConfig == nil {
		o.TLSConfig = s.opts.TLSConfig
	}
	if o.Clock == nil {
		o.Clock = s.clock
	}
	if o.Log == nil {
		o.Log = s.log
	}
	return &o
}

// LogValue implements [slog.LogValuer].
func (s *Stack) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	st := s.Stats()
	return slog.GroupValue(
		slog.Int("transports", st.Transports),
		slog.Int("transactions", st.Transactions),
		slog.Int("dialogs", st.Dialogs),
	)
}

// Listen creates a transport listening on the local address and serves it
// in background until the stack is closed.
func (s *Stack) Listen(ctx context.Context, proto TransportProto, addr string) (Transport, error) {
	tp, err := s.listen(ctx, proto, addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := s.AddTransport(tp); err != nil {
		tp.Close() //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

// ListenAndServe creates a transport listening on the local address and serves it
// until the context is done or the stack is closed.
func (s *Stack) ListenAndServe(ctx context.Context, proto TransportProto, addr string) error {
	tp, err := s.listen(ctx, proto, addr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(s.Serve(ctx, tp))
}

func (s *Stack) listen(ctx context.Context, proto TransportProto, addr string) (Transport, error) {
	if s.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}

	var (
		tp  Transport
		err error
	)
	switch proto.ToUpper() {
	case ProtoUDP:
		tp, err = ListenUDP(ctx, addr, s.udpOpts())
	case ProtoTCP:
		tp, err = ListenTCP(ctx, addr, s.streamOpts())
	case ProtoTLS:
		tp, err = ListenTLS(ctx, addr, s.streamOpts())
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError(fmt.Sprintf("unsupported transport protocol %q", proto)))
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

// Serve serves the transport until the context is done or the stack is closed.
// The transport is closed on return.
func (s *Stack) Serve(ctx context.Context, tp Transport) error {
	p, err := s.addProcessor(tp)
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer s.procs.Del(tp)

	stop := context.AfterFunc(s.ctx, func() { p.Close() })
	defer stop()

	return errtrace.Wrap(p.Serve(ctx))
}

// AddTransport serves the transport in background until the stack is closed.
// Serve failures are reported to [Listener.OnTransportError].
func (s *Stack) AddTransport(tp Transport) error {
	p, err := s.addProcessor(tp)
	if err != nil {
		return errtrace.Wrap(err)
	}

	s.wg.Go(func() {
		defer s.procs.Del(tp)

		if err := p.Serve(s.ctx); err != nil {
			s.log.LogAttrs(s.ctx, slog.LevelWarn, "transport serving failed",
				slog.Any("transport", p),
				slog.Any("error", err),
			)
			s.lsnr.OnTransportError(s.ctx, NewChannel(tp, netip.AddrPort{}), err)
		}
	})
	return nil
}

func (s *Stack) addProcessor(tp Transport) (*Processor, error) {
	if s.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	p, err := NewProcessor(tp, s, &ProcessorOptions{
		Workers: s.opts.Workers,
		Parser:  s.opts.Parser,
		Metrics: s.opts.Metrics,
		Log:     s.log.With(slog.Any("transport", transportLogValue(tp))),
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if _, loaded := s.procs.GetOrSet(tp, p); loaded {
		return nil, errtrace.Wrap(fmt.Errorf("%w: transport is already served", ErrActionNotAllowed))
	}
	return p, nil
}

// Transports returns an iterator over the served transports.
func (s *Stack) Transports() iter.Seq[Transport] {
	return func(yield func(Transport) bool) {
		for tp := range s.procs.Items() {
			if !yield(tp) {
				return
			}
		}
	}
}

func (s *Stack) transportFor(proto TransportProto) Transport {
	var found Transport
	for tp := range s.procs.Items() {
		if !tp.Proto().Equal(proto) {
			continue
		}
		// lowest address wins
		if found == nil || tp.LocalAddr().Compare(found.LocalAddr()) < 0 {
			found = tp
		}
	}
	return found
}

func (s *Stack) protos() []TransportProto {
	var protos []TransportProto
	for tp := range s.procs.Items() {
		if !slices.ContainsFunc(protos, tp.Proto().Equal) {
			protos = append(protos, tp.Proto())
		}
	}
	return protos
}

// HandleMessage implements [Handler], see [Stack.Deliver].
func (s *Stack) HandleMessage(ctx context.Context, msg Message, ch Channel) {
	s.Deliver(ctx, msg, ch)
}

// Deliver is the inbound entry point of the stack.
// The message is matched to a transaction or a dialog, or it creates a new server transaction.
// Malformed and orphan requests are answered statelessly, unmatched responses are dropped.
func (s *Stack) Deliver(ctx context.Context, msg Message, ch Channel) {
	if s.closing.Load() {
		s.log.LogAttrs(ctx, slog.LevelDebug, "discard inbound message on closed stack",
			slog.Any("message", logMsg(msg)),
		)
		return
	}

	switch m := msg.(type) {
	case *Request:
		s.recvReq(ctx, m, ch)
	case *Response:
		s.recvRes(ctx, m, ch)
	default:
		s.log.LogAttrs(ctx, slog.LevelWarn, "discard unsupported inbound message",
			slog.Any("message", msg),
			slog.Any("channel", ch),
		)
	}
}

func (s *Stack) recvReq(ctx context.Context, req *Request, ch Channel) {
	if err := ValidateRequest(req); err != nil {
		s.dropReq(ctx, req, ch, "invalid", err)
		s.respondStateless(ctx, req, ch, StatusBadRequest, "Bad Request")
		return
	}
	stampVia(req.Via(), ch.RemoteAddr())

	key, err := ServerTransactionKeyFromRequest(req)
	if err != nil {
		s.dropReq(ctx, req, ch, "invalid", err)
		s.respondStateless(ctx, req, ch, StatusBadRequest, "Bad Request")
		return
	}

	if tx, ok := s.txs.LookupServer(key); ok && !isAck2xx(tx, req) {
		if err := tx.RecvRequest(ctx, req); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "inbound request rejected by the transaction",
				slog.Any("request", logMsg(req)),
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		return
	}

	switch req.Method {
	case ACK:
		s.recvAck(ctx, req, ch)
	case CANCEL:
		s.recvCancel(ctx, req, ch, key)
	default:
		s.recvNewReq(ctx, req, ch, key)
	}
}

// isAck2xx reports whether the ACK acknowledges the 2xx response of the INVITE transaction.
// Such ACK is a separate transaction and goes to the dialog layer.
func isAck2xx(tx ServerTransaction, req *Request) bool {
	if req.Method != ACK {
		return false
	}
	res := tx.LastResponse()
	return res != nil && IsSuccessful(res)
}

// recvAck passes the ACK for 2xx to the dialog layer.
// Only the first ACK of the dialog request reaches the listener,
// retransmissions and ACKs of unknown or terminated dialogs are dropped.
func (s *Stack) recvAck(ctx context.Context, ack *Request, ch Channel) {
	id := DialogIDFromMessage(ack, DialogRoleUAS)
	if tx, ok := s.acks.Get(id); ok {
		if err := tx.RecvRequest(ctx, ack); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "ACK rejected by the transaction",
				slog.Any("request", logMsg(ack)),
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
	}

	d, ok := s.dlgs.Lookup(id)
	if !ok {
		s.dropReq(ctx, ack, ch, "no_dialog", ErrDialogNotFound)
		return
	}
	if err := d.RecvRequest(ctx, ack); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "discard ACK rejected by the dialog",
			slog.Any("request", logMsg(ack)),
			slog.Any("dialog", d),
			slog.Any("error", err),
		)
		s.opts.Metrics.msgDropped(ch.Transport().Proto(), "dialog_rejected")
		return
	}
	d.deliver(func() { s.lsnr.OnRequest(ctx, ack, nil, d) })
}

// recvCancel handles the CANCEL request as defined in RFC 3261 section 9.2.
// The CANCEL is answered with 200 and the INVITE with 487 unless it already has a final response.
func (s *Stack) recvCancel(ctx context.Context, req *Request, ch Channel, key ServerTransactionKey) {
	inv, ok := s.txs.LookupServer(key.WithMethod(INVITE))
	if !ok {
		s.dropReq(ctx, req, ch, "no_transaction", ErrTransactionNotFound)
		s.respondStateless(ctx, req, ch, StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist")
		return
	}

	tx, err := NewNonInviteServerTransaction(req, ch, s.srvTxOpts())
	if err != nil {
		s.dropReq(ctx, req, ch, "invalid", err)
		s.respondStateless(ctx, req, ch, StatusBadRequest, "Bad Request")
		return
	}
	tx.setCancels(inv)
	if !s.insertSrvTx(ctx, tx, req) {
		return
	}
	s.bindTx(tx, nil)

	var (
		d     *Dialog
		toTag string
	)
	if res := inv.LastResponse(); res != nil {
		toTag = msgToTag(res)
		d, _ = s.dlgs.Lookup(DialogIDFromMessage(res, DialogRoleUAS))
	}
	if toTag == "" {
		toTag = GenerateTag()
	}

	if err := tx.Respond(ctx, NewResponse(req, StatusOK, "OK", toTag)); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond on CANCEL",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
	if res := inv.LastResponse(); res == nil || !IsFinal(res) {
		err := s.Respond(ctx, inv, NewResponse(inv.Request(), StatusRequestTerminated, "Request Terminated", toTag))
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "failed to terminate cancelled INVITE",
				slog.Any("transaction", inv),
				slog.Any("error", err),
			)
		}
	}

	tx.deliver(func() { s.lsnr.OnRequest(ctx, req, tx, d) })
}

func (s *Stack) recvNewReq(ctx context.Context, req *Request, ch Channel, key ServerTransactionKey) {
	var d *Dialog
	if msgToTag(req) != "" {
		// RFC 3261 section 12.2.2
		var ok bool
		d, ok = s.dlgs.Lookup(DialogIDFromMessage(req, DialogRoleUAS))
		if !ok {
			s.dropReq(ctx, req, ch, "no_dialog", ErrDialogNotFound)
			s.respondStateless(ctx, req, ch, StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist")
			return
		}
	}

	tx, err := NewServerTransaction(req, ch, s.srvTxOpts())
	if err != nil {
		s.dropReq(ctx, req, ch, "invalid", err)
		s.respondStateless(ctx, req, ch, StatusBadRequest, "Bad Request")
		return
	}
	// the transaction is stored before the dialog checks the CSeq,
	// a retransmission racing this request must be absorbed by it
	if !s.insertSrvTx(ctx, tx, req) {
		return
	}
	if d != nil {
		// RFC 3261 section 12.2.2
		if err := d.RecvRequest(ctx, req); err != nil {
			s.dropReq(ctx, req, ch, "dialog_rejected", err)
			s.rejectTx(ctx, tx, err)
			return
		}
	}
	s.bindTx(tx, d)

	tx.(deliverer).deliver(func() { s.lsnr.OnRequest(ctx, req, tx, d) }) //nolint:forcetypeassert
}

// rejectTx answers the request rejected by the dialog through its transaction,
// so retransmissions of the request get the same response.
// The transaction is not passed to the listener.
func (s *Stack) rejectTx(ctx context.Context, tx ServerTransaction, reason error) {
	req := tx.Request()
	var res *Response
	if errors.Is(reason, ErrDialogTerminated) {
		res = NewResponse(req, StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist", "")
	} else {
		res = NewResponse(req, StatusInternalServerError, "Server Internal Error", "")
		res.AppendHeader(sipmsg.NewHeader("Retry-After", "60"))
	}
	if err := tx.Respond(ctx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond on inbound request",
			slog.Any("request", logMsg(req)),
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		tx.Terminate(ctx) //nolint:errcheck
	}
}

// deliverer is implemented by all transactions of the package.
type deliverer interface{ deliver(fn func()) }

// insertSrvTx stores the new server transaction.
// A retransmission that raced the creation is passed to the stored transaction.
func (s *Stack) insertSrvTx(ctx context.Context, tx ServerTransaction, req *Request) bool {
	err := s.txs.InsertServer(tx)
	if err == nil {
		return true
	}

	tx.Terminate(ctx) //nolint:errcheck
	if other, ok := s.txs.LookupServer(tx.Key()); ok {
		if err := other.RecvRequest(ctx, req); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "inbound request rejected by the transaction",
				slog.Any("request", logMsg(req)),
				slog.Any("transaction", other),
				slog.Any("error", err),
			)
		}
	}
	return false
}

func (s *Stack) recvRes(ctx context.Context, res *Response, ch Channel) {
	if err := ValidateResponse(res); err != nil {
		s.dropRes(ctx, res, ch, "invalid", err)
		return
	}

	key, err := ClientTransactionKeyFromMessage(res)
	if err != nil {
		s.dropRes(ctx, res, ch, "invalid", err)
		return
	}
	tx, ok := s.txs.LookupClient(key)
	if !ok {
		s.dropRes(ctx, res, ch, "no_transaction", ErrTransactionNotFound)
		return
	}
	if err := tx.RecvResponse(ctx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "inbound response rejected by the transaction",
			slog.Any("response", logMsg(res)),
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

func (s *Stack) dropReq(ctx context.Context, req *Request, ch Channel, reason string, err error) {
	s.log.LogAttrs(ctx, slog.LevelWarn, "discard inbound request",
		slog.Any("request", logMsg(req)),
		slog.Any("channel", ch),
		slog.String("reason", reason),
		slog.Any("error", err),
	)
	s.opts.Metrics.msgDropped(ch.Transport().Proto(), reason)
}

func (s *Stack) dropRes(ctx context.Context, res *Response, ch Channel, reason string, err error) {
	s.log.LogAttrs(ctx, slog.LevelWarn, "discard inbound response",
		slog.Any("response", logMsg(res)),
		slog.Any("channel", ch),
		slog.String("reason", reason),
		slog.Any("error", err),
	)
	s.opts.Metrics.msgDropped(ch.Transport().Proto(), reason)
}

// bindTx routes the transaction events to the listener.
// The BYE transaction terminates the dialog on completion.
func (s *Stack) bindTx(tx Transaction, d *Dialog) {
	tx.OnError(func(ctx context.Context, tx Transaction, err error) {
		if errors.Is(err, ErrTransactionTimedOut) {
			s.lsnr.OnTransactionTimeout(ctx, tx)
			return
		}
		s.lsnr.OnTransportError(ctx, tx.Channel(), err)
	})

	bye := d != nil && tx.Request().Method == BYE
	tx.OnStateChanged(func(ctx context.Context, tx Transaction, _, to TransactionState) {
		if bye && (to == TransactionStateCompleted || to == TransactionStateTerminated) && d.AutoTerminateOnBye() {
			if err := d.Terminate(ctx, nil); err != nil {
				s.log.LogAttrs(ctx, slog.LevelDebug, "failed to terminate dialog on BYE",
					slog.Any("dialog", d),
					slog.Any("error", err),
				)
			}
		}
		if to == TransactionStateTerminated {
			s.lsnr.OnTransactionTerminated(ctx, tx)
		}
	})
}

// bindClientTx routes responses of the client transaction to the dialog layer and the listener.
// Responses with To tag on a dialog-forming request create dialogs, one per remote tag.
func (s *Stack) bindClientTx(tx ClientTransaction, d *Dialog) {
	s.bindTx(tx, d)

	req := tx.Request()
	forming := d == nil && msgToTag(req) == "" && methodIn(req.Method, s.forming)
	// accessed only from the transaction callbacks, they never run concurrently
	var early []*Dialog
	terminateEarly := func(ctx context.Context, reason error) {
		for _, ed := range early {
			if ed.State() != DialogStateEarly {
				continue
			}
			if err := ed.Terminate(ctx, reason); err != nil {
				s.log.LogAttrs(ctx, slog.LevelDebug, "failed to terminate early dialog",
					slog.Any("dialog", ed),
					slog.Any("error", err),
				)
			}
		}
		early = nil
	}

	tx.OnResponse(func(ctx context.Context, tx ClientTransaction, res *Response) {
		rd := d
		switch {
		case forming:
			rd = s.uacDialog(ctx, req, res)
			if rd != nil && rd.State() == DialogStateEarly && !slices.Contains(early, rd) {
				early = append(early, rd)
			}
			if res.StatusCode >= 300 {
				terminateEarly(ctx, fmt.Errorf("%w: %d response", ErrDialogTerminated, int(res.StatusCode)))
			}
		case d != nil:
			if err := d.RecvResponse(ctx, res); err != nil {
				s.log.LogAttrs(ctx, slog.LevelDebug, "response rejected by the dialog",
					slog.Any("response", logMsg(res)),
					slog.Any("dialog", d),
					slog.Any("error", err),
				)
			}
			// RFC 3261 section 12.2.1.2
			if res.StatusCode == 481 || res.StatusCode == 408 {
				d.Terminate(ctx, fmt.Errorf("%w: %d response", ErrDialogTerminated, int(res.StatusCode))) //nolint:errcheck
			}
		}
		s.lsnr.OnResponse(ctx, res, tx, rd)
	})

	if forming {
		tx.OnError(func(ctx context.Context, _ Transaction, err error) {
			terminateEarly(ctx, err)
		})
	}
}

func (s *Stack) uacDialog(ctx context.Context, req *Request, res *Response) *Dialog {
	if res.StatusCode <= 100 || msgToTag(res) == "" {
		return nil
	}

	if d, ok := s.dlgs.Lookup(DialogIDFromMessage(res, DialogRoleUAC)); ok {
		if IsSuccessful(res) && d.State() == DialogStateEarly {
			if err := d.Confirm(ctx, res); err != nil {
				s.log.LogAttrs(ctx, slog.LevelDebug, "failed to confirm dialog",
					slog.Any("dialog", d),
					slog.Any("error", err),
				)
			}
		}
		return d
	}
	if res.StatusCode >= 300 {
		return nil
	}

	d, err := NewUACDialog(req, res, s.dlgOpts())
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to create dialog",
			slog.Any("response", logMsg(res)),
			slog.Any("error", err),
		)
		return nil
	}
	return s.insertDialog(ctx, d)
}

func (s *Stack) uasDialog(ctx context.Context, req *Request, res *Response) (d *Dialog, created bool) {
	if res.StatusCode <= 100 || msgToTag(res) == "" {
		return nil, false
	}

	if d, ok := s.dlgs.Lookup(DialogIDFromMessage(res, DialogRoleUAS)); ok {
		if d.State() != DialogStateEarly {
			return d, false
		}
		var err error
		switch {
		case IsSuccessful(res):
			err = d.Confirm(ctx, res)
		case res.StatusCode >= 300:
			err = d.Terminate(ctx, fmt.Errorf("%w: %d response", ErrDialogTerminated, int(res.StatusCode)))
		}
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "failed to update dialog",
				slog.Any("dialog", d),
				slog.Any("error", err),
			)
		}
		return d, false
	}
	if res.StatusCode >= 300 {
		return nil, false
	}

	d, err := NewUASDialog(req, res, s.dlgOpts())
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to create dialog",
			slog.Any("response", logMsg(res)),
			slog.Any("error", err),
		)
		return nil, false
	}
	if actual := s.insertDialog(ctx, d); actual != d {
		return actual, false
	}
	return d, true
}

// insertDialog stores the new dialog or returns the one that raced it.
// The listener is subscribed before the dialog becomes visible to other goroutines.
func (s *Stack) insertDialog(ctx context.Context, d *Dialog) *Dialog {
	cancel := d.OnStateChanged(func(ctx context.Context, d *Dialog, _, to DialogState) {
		if to == DialogStateTerminated {
			s.lsnr.OnDialogTerminated(ctx, d)
		}
	})
	if err := s.dlgs.Insert(d); err != nil {
		cancel()
		if actual, ok := s.dlgs.Lookup(d.ID()); ok {
			return actual
		}
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to store dialog",
			slog.Any("dialog", d),
			slog.Any("error", err),
		)
		return nil
	}
	return d
}

// SendRequest sends the request through a new client transaction.
//
// Missing Via branch and Max-Forwards are filled, the Via is added when missing.
// The destination is resolved from the first loose Route or the Request-URI (RFC 3263).
// In-dialog requests update their dialog. ACK for 2xx must be sent with [Stack.SendAck].
func (s *Stack) SendRequest(ctx context.Context, req *Request) (ClientTransaction, error) {
	if s.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	if req == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method == ACK {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK has no client transaction"))
	}

	ch, err := s.requestChannel(ctx, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	prepareRequest(req, ch)

	tx, err := NewClientTransaction(req, ch, s.clnTxOpts())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := s.txs.InsertClient(tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}

	var d *Dialog
	if msgToTag(req) != "" {
		d, _ = s.dlgs.Lookup(DialogIDFromMessage(req, DialogRoleUAC))
		if d != nil {
			if err := d.SendingRequest(ctx, req); err != nil {
				s.log.LogAttrs(ctx, slog.LevelDebug, "request rejected by the dialog",
					slog.Any("request", logMsg(req)),
					slog.Any("dialog", d),
					slog.Any("error", err),
				)
			}
		}
	}
	s.bindClientTx(tx, d)

	if err := tx.Start(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// SendAck sends the ACK request statelessly, e.g. the ACK for the 2xx response.
func (s *Stack) SendAck(ctx context.Context, ack *Request) error {
	if s.closing.Load() {
		return errtrace.Wrap(ErrStackClosed)
	}
	if ack == nil || ack.Method != ACK {
		return errtrace.Wrap(NewInvalidArgumentError("invalid ACK request"))
	}

	ch, err := s.requestChannel(ctx, ack)
	if err != nil {
		return errtrace.Wrap(err)
	}
	prepareRequest(ack, ch)

	if d, ok := s.dlgs.Lookup(DialogIDFromMessage(ack, DialogRoleUAC)); ok {
		if seq, _ := msgCSeq(ack); seq == d.inviteSeqNum() {
			d.acked.Store(true)
		}
	}
	return errtrace.Wrap(s.sendStateless(ctx, ch, ack))
}

// NewAck builds the ACK for the 2xx response on the INVITE sent within the dialog
// (RFC 3261 section 13.2.2.4).
func (s *Stack) NewAck(d *Dialog, res *Response) (*Request, error) {
	if d == nil || res == nil || !IsSuccessful(res) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid dialog or response"))
	}
	ack, err := d.NewRequest(ACK)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if seq, _ := msgCSeq(res); seq > 0 {
		ack.CSeq().SeqNo = seq
	}
	return ack, nil
}

// Cancel cancels the pending INVITE client transaction (RFC 3261 section 9.1).
// The CANCEL is sent through the same channel as the INVITE.
func (s *Stack) Cancel(ctx context.Context, inv ClientTransaction) (ClientTransaction, error) {
	if s.closing.Load() {
		return nil, errtrace.Wrap(ErrStackClosed)
	}
	if inv == nil || inv.Request().Method != INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid INVITE transaction"))
	}
	switch inv.State() {
	case TransactionStateCalling, TransactionStateProceeding:
	default:
		return nil, errtrace.Wrap(fmt.Errorf("%w: cancel INVITE in state %q", ErrActionNotAllowed, inv.State()))
	}

	req := NewCancel(inv.Request())
	tx, err := NewNonInviteClientTransaction(req, inv.Channel(), s.clnTxOpts())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := s.txs.InsertClient(tx); err != nil {
		tx.Terminate(ctx) //nolint:errcheck
		return nil, errtrace.Wrap(err)
	}
	s.bindClientTx(tx, nil)

	if err := tx.Start(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// Respond sends the response through the server transaction.
//
// Responses with To tag on a dialog-forming request create or confirm the dialog,
// non-2xx final responses terminate the early dialog.
// The 2xx response on INVITE is retransmitted by the transaction until the ACK arrives.
func (s *Stack) Respond(ctx context.Context, tx ServerTransaction, res *Response) error {
	if tx == nil || res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid transaction or response"))
	}

	req := tx.Request()
	var (
		d       *Dialog
		created bool
	)
	if msgToTag(req) == "" && methodIn(req.Method, s.forming) {
		d, created = s.uasDialog(ctx, req, res)
	}

	if err := tx.Respond(ctx, res); err != nil {
		if created {
			d.Terminate(ctx, err) //nolint:errcheck
		}
		return errtrace.Wrap(err)
	}

	if inv, ok := tx.(*InviteServerTransaction); ok && IsSuccessful(res) {
		s.awaitAck(inv, DialogIDFromMessage(res, DialogRoleUAS))
	}
	return nil
}

func (s *Stack) awaitAck(tx *InviteServerTransaction, id DialogID) {
	s.acks.Set(id, tx)
	tx.OnStateChanged(func(_ context.Context, _ Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated {
			s.acks.DelFunc(id, func(v *InviteServerTransaction) bool { return v == tx })
		}
	})
	if tx.State() == TransactionStateTerminated {
		s.acks.DelFunc(id, func(v *InviteServerTransaction) bool { return v == tx })
	}
}

// SendResponse sends the response statelessly.
// The destination is resolved from the topmost Via (RFC 3261 section 18.2.2, RFC 3581).
func (s *Stack) SendResponse(ctx context.Context, res *Response) error {
	if s.closing.Load() {
		return errtrace.Wrap(ErrStackClosed)
	}
	if err := ValidateResponse(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	for proto, addr := range ResponseTargets(ctx, res.Via(), s.rslvr) {
		if tp := s.transportFor(proto); tp != nil {
			return errtrace.Wrap(s.sendStateless(ctx, NewChannel(tp, addr), res))
		}
	}
	return errtrace.Wrap(fmt.Errorf("%w: response %d via %s", ErrNoTarget, int(res.StatusCode), viaSentBy(res.Via())))
}

// NewDialogRequest builds the in-dialog request, see [Dialog.NewRequest].
func (s *Stack) NewDialogRequest(d *Dialog, method RequestMethod) (*Request, error) {
	if d == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid dialog"))
	}
	return errtrace.Wrap2(d.NewRequest(method))
}

// Dialogs returns an iterator over a snapshot of live dialogs.
func (s *Stack) Dialogs() iter.Seq[*Dialog] { return s.dlgs.All() }

// Dialog returns the live dialog by its ID.
func (s *Stack) Dialog(id DialogID) (*Dialog, bool) { return s.dlgs.Lookup(id) }

// Transactions returns an iterator over a snapshot of live transactions.
func (s *Stack) Transactions() iter.Seq[Transaction] { return s.txs.All() }

// StackStats is a snapshot of the stack counters.
type StackStats struct {
	Transports   int `json:"transports"`
	Transactions int `json:"transactions"`
	Dialogs      int `json:"dialogs"`
}

// Stats returns a snapshot of the stack counters.
func (s *Stack) Stats() StackStats {
	return StackStats{
		Transports:   s.procs.Size(),
		Transactions: s.txs.Len(),
		Dialogs:      s.dlgs.Len(),
	}
}

// Close terminates all transactions and dialogs, closes all processors and transports.
// Listener callbacks of the terminated entities are still called.
func (s *Stack) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.log.LogAttrs(ctx, slog.LevelDebug, "closing the stack", slog.Any("stack", s))

		var errs []error
		if err := s.txs.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.dlgs.Close(ctx); err != nil {
			errs = append(errs, err)
		}

		s.cancel()
		for tp, p := range s.procs.Items() {
			if err := p.Close(); err != nil && !errors.Is(err, ErrTransportClosed) {
				errs = append(errs, fmt.Errorf("close %s transport: %w", tp.Proto(), err))
			}
		}
		s.wg.Wait()

		s.closeErr = errorutil.JoinPrefix("failed to close the stack:", errs...)
	})
	return errtrace.Wrap(s.closeErr)
}

func (s *Stack) requestChannel(ctx context.Context, req *Request) (Channel, error) {
	protos := s.protos()
	if len(protos) == 0 {
		return nil, errtrace.Wrap(ErrNoTransport)
	}

	uri := req.Recipient
	if routes := headerValues(req, "Route"); len(routes) > 0 && isLooseRoute(routes[0]) {
		if u, err := addrURI(routes[0]); err == nil {
			uri = u
		}
	}

	for proto, addr := range RequestTargets(ctx, uri, protos, s.rslvr) {
		if tp := s.transportFor(proto); tp != nil {
			return NewChannel(tp, addr), nil
		}
	}
	return nil, errtrace.Wrap(fmt.Errorf("%w: %s", ErrNoTarget, uri.String()))
}

// prepareRequest fills the topmost Via and Max-Forwards of the outbound request.
func prepareRequest(req *Request, ch Channel) {
	tp := ch.Transport()
	if via := req.Via(); via == nil {
		laddr := tp.LocalAddr()
		params := sipmsg.NewParams()
		params.Add("branch", GenerateBranch())
		if !tp.Reliable() {
			params.Add("rport", "")
		}
		req.PrependHeader(&sipmsg.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       string(tp.Proto().ToUpper()),
			Host:            laddr.Addr().String(),
			Port:            int(laddr.Port()),
			Params:          params,
		})
	} else {
		if via.Params == nil {
			via.Params = sipmsg.NewParams()
		}
		if branch, _ := via.Params.Get("branch"); branch == "" {
			via.Params.Add("branch", GenerateBranch())
		}
	}
	if req.GetHeader("Max-Forwards") == nil {
		mf := sipmsg.MaxForwardsHeader(70)
		req.AppendHeader(&mf)
	}
	req.SetTransport(string(tp.Proto()))
	req.SetDestination(ch.RemoteAddr().String())
}

// stampVia sets the received and rport parameters of the inbound request Via
// (RFC 3261 section 18.2.1, RFC 3581 section 4).
func stampVia(via *sipmsg.ViaHeader, src netip.AddrPort) {
	if via == nil || !src.IsValid() {
		return
	}
	if via.Params == nil {
		via.Params = sipmsg.NewParams()
	}

	srcIP := src.Addr().Unmap()
	if ip, err := netip.ParseAddr(strings.Trim(via.Host, "[]")); err != nil || ip.Unmap() != srcIP {
		via.Params.Add("received", srcIP.String())
	}
	if v, ok := via.Params.Get("rport"); ok && v == "" {
		via.Params.Add("rport", strconv.Itoa(int(src.Port())))
		if _, ok := via.Params.Get("received"); !ok {
			via.Params.Add("received", srcIP.String())
		}
	}
}

func (s *Stack) sendStateless(ctx context.Context, ch Channel, msg Message) error {
	s.log.LogAttrs(ctx, slog.LevelDebug, "send message statelessly",
		slog.Any("message", logMsg(msg)),
		slog.Any("channel", ch),
	)

	if err := ch.Send(ctx, Encode(msg)); err != nil {
		s.opts.Metrics.transportError(ch.Transport().Proto())
		err = fmt.Errorf("send %s: %w", describeMsg(msg), err)
		s.lsnr.OnTransportError(ctx, ch, err)
		return errtrace.Wrap(err)
	}
	return nil
}

// respondStateless answers the request outside of any transaction.
// ACK requests are never answered.
func (s *Stack) respondStateless(ctx context.Context, req *Request, ch Channel, code StatusCode, reason string) {
	if req == nil || req.Method == ACK {
		return
	}
	if req.Via() == nil || req.CSeq() == nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "silently discard request that cannot be answered",
			slog.Any("request", logMsg(req)),
		)
		return
	}

	res := NewResponse(req, code, reason, statelessToTag(req))
	if code == StatusInternalServerError {
		res.AppendHeader(sipmsg.NewHeader("Retry-After", "60"))
	}
	if err := s.sendStateless(ctx, ch, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond on inbound request",
			slog.Any("request", logMsg(req)),
			slog.Any("error", err),
		)
	}
}

// statelessToTag derives the To tag from the request identity,
// so retransmissions of the request get the same tag.
func statelessToTag(req *Request) string {
	var b strings.Builder
	b.WriteString("uri=")
	b.WriteString(strings.ToLower(req.Recipient.String()))
	b.WriteString("|via=")
	if via := req.Via(); via != nil {
		b.WriteString(strings.ToLower(via.Value()))
	}
	b.WriteString("|callid=")
	b.WriteString(msgCallID(req))
	b.WriteString("|fromtag=")
	b.WriteString(msgFromTag(req))
	seq, method := msgCSeq(req)
	b.WriteString("|cseq=")
	b.WriteString(strconv.FormatUint(uint64(seq), 10))
	b.WriteString("|cseqm=")
	b.WriteString(string(method))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
