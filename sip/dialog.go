package sip

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/internal/types"
	"github.com/ghettovoice/sipstack/log"
)

// DialogState represents the state of a dialog.
type DialogState string

const (
	DialogStateEarly      DialogState = "Early"
	DialogStateConfirmed  DialogState = "Confirmed"
	DialogStateCompleted  DialogState = "Completed"
	DialogStateTerminated DialogState = "Terminated"
)

// DialogRole is the role of the local side in the dialog.
type DialogRole string

const (
	DialogRoleUAC DialogRole = "uac"
	DialogRoleUAS DialogRole = "uas"
)

// DialogID identifies a dialog (RFC 3261 section 12).
type DialogID struct {
	CallID    string `json:"call_id"`
	LocalTag  string `json:"local_tag"`
	RemoteTag string `json:"remote_tag"`
}

// IsValid checks whether all parts of the ID are set.
func (id DialogID) IsValid() bool {
	return id.CallID != "" && id.LocalTag != "" && id.RemoteTag != ""
}

func (id DialogID) String() string {
	return id.CallID + "|" + id.LocalTag + "|" + id.RemoteTag
}

// LogValue implements [slog.LogValuer].
func (id DialogID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("local_tag", id.LocalTag),
		slog.String("remote_tag", id.RemoteTag),
	)
}

// DialogIDFromMessage builds the dialog ID as it is seen by the local side.
// Outbound requests and inbound responses are seen by the UAC,
// inbound requests and outbound responses are seen by the UAS.
func DialogIDFromMessage(msg headersReader, role DialogRole) DialogID {
	id := DialogID{CallID: msgCallID(msg)}
	if role == DialogRoleUAC {
		id.LocalTag, id.RemoteTag = msgFromTag(msg), msgToTag(msg)
	} else {
		id.LocalTag, id.RemoteTag = msgToTag(msg), msgFromTag(msg)
	}
	return id
}

// DefaultDialogFormingMethods are methods that create dialogs by default.
var DefaultDialogFormingMethods = []RequestMethod{INVITE}

// DialogStateHandler is a callback of the dialog state change.
type DialogStateHandler = func(ctx context.Context, d *Dialog, from, to DialogState)

// DialogOptions contains options for a dialog.
type DialogOptions struct {
	// MaxEarlyLifetime is the maximum time the dialog may stay in the Early state.
	// If 0, early dialogs are terminated only by the transaction events.
	MaxEarlyLifetime time.Duration
	// MaxLifetime is the maximum time the dialog may live in any state, counted from its creation.
	// If 0, the dialog lives until it is terminated by BYE, a response or the application.
	MaxLifetime time.Duration
	// NoAutoTerminateOnBye keeps the dialog in the Completed state after the BYE transaction completes.
	// The application terminates such dialog itself, see [Dialog.SetAutoTerminateOnBye].
	NoAutoTerminateOnBye bool
	// Clock schedules the dialog timers.
	// If nil, the system clock is used.
	Clock timeutil.Clock
	// Metrics records the dialog metrics.
	Metrics *Metrics
	// Log is the logger that will be used with the dialog.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *DialogOptions) maxEarlyLifetime() time.Duration {
	if o == nil || o.MaxEarlyLifetime < 0 {
		return 0
	}
	return o.MaxEarlyLifetime
}

func (o *DialogOptions) maxLifetime() time.Duration {
	if o == nil || o.MaxLifetime < 0 {
		return 0
	}
	return o.MaxLifetime
}

func (o *DialogOptions) noAutoBye() bool { return o != nil && o.NoAutoTerminateOnBye }

func (o *DialogOptions) clock() timeutil.Clock {
	if o == nil || o.Clock == nil {
		return timeutil.SystemClock()
	}
	return o.Clock
}

func (o *DialogOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *DialogOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Dialog is a peer-to-peer SIP relationship (RFC 3261 section 12).
//
// The ID and the route set are fixed at creation.
// The remote target is updated by target refresh requests and responses.
type Dialog struct {
	id        DialogID
	role      DialogRole
	secure    bool
	routeSet  []string
	localURI  Uri
	localName string
	remoteURI Uri
	remName   string
	createdAt time.Time

	mu           sync.Mutex
	remoteTarget Uri
	localSeq     uint32
	remoteSeq    uint32
	hasRemoteSeq bool
	inviteSeq    uint32
	lastAckSeq   uint32
	hasLastAck   bool

	acked     atomic.Bool
	noAutoBye atomic.Bool

	clock   timeutil.Clock
	metrics *Metrics
	log     *slog.Logger
	ctx     context.Context

	fsm      *stateless.StateMachine
	fireMu   sync.Mutex
	deliv    types.SerialQueue
	onState  types.CallbackManager[DialogStateHandler]
	earlyTmr atomic.Pointer[timeutil.Timer]
	lifeTmr  atomic.Pointer[timeutil.Timer]

	err      atomic.Pointer[error]
	doneOnce sync.Once
	done     chan struct{}
}

const dlgCtxKey types.ContextKey = "dialog"

// DialogFromContext returns the dialog stored in the context of dialog callbacks.
func DialogFromContext(ctx context.Context) (*Dialog, bool) {
	d, ok := ctx.Value(dlgCtxKey).(*Dialog)
	return d, ok
}

// NewUACDialog creates a dialog on the client side from the sent request and
// the received response with To tag.
// A provisional response creates the dialog in the Early state, a 2xx response in the Confirmed state.
func NewUACDialog(req *Request, res *Response, opts *DialogOptions) (*Dialog, error) {
	return errtrace.Wrap2(newDialog(DialogRoleUAC, req, res, opts))
}

// NewUASDialog creates a dialog on the server side from the received request and
// the sent response with To tag.
// A provisional response creates the dialog in the Early state, a 2xx response in the Confirmed state.
func NewUASDialog(req *Request, res *Response, opts *DialogOptions) (*Dialog, error) {
	return errtrace.Wrap2(newDialog(DialogRoleUAS, req, res, opts))
}

func newDialog(role DialogRole, req *Request, res *Response, opts *DialogOptions) (*Dialog, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := ValidateResponse(res); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if res.StatusCode <= 100 || res.StatusCode >= 300 {
		return nil, errtrace.Wrap(NewInvalidArgumentError(fmt.Errorf("response %d does not create dialogs", int(res.StatusCode))))
	}

	id := DialogID{CallID: msgCallID(req)}
	if role == DialogRoleUAC {
		id.LocalTag, id.RemoteTag = msgFromTag(req), msgToTag(res)
	} else {
		id.LocalTag, id.RemoteTag = msgToTag(res), msgFromTag(req)
	}
	if !id.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(fmt.Errorf("%w: dialog tags", errMissHdrs)))
	}

	clock := opts.clock()
	d := &Dialog{
		id:        id,
		role:      role,
		secure:    req.Recipient.IsEncrypted(),
		createdAt: clock.Now(),
		clock:     clock,
		metrics:   opts.metrics(),
		log:       opts.log(),
		done:      make(chan struct{}),
	}
	d.ctx = context.WithValue(context.Background(), dlgCtxKey, d)
	d.noAutoBye.Store(opts.noAutoBye())

	from, to := req.From(), res.To()
	seq, _ := msgCSeq(req)
	if role == DialogRoleUAC {
		d.localURI, d.localName = from.Address, from.DisplayName
		d.remoteURI, d.remName = to.Address, to.DisplayName
		d.localSeq = seq
		// route set is the Record-Route of the response in reverse order
		d.routeSet = headerValues(res, "Record-Route")
		slices.Reverse(d.routeSet)
		d.remoteTarget = contactURI(res, req.Recipient)
	} else {
		d.localURI, d.localName = to.Address, to.DisplayName
		d.remoteURI, d.remName = from.Address, from.DisplayName
		d.remoteSeq, d.hasRemoteSeq = seq, true
		d.routeSet = headerValues(req, "Record-Route")
		d.remoteTarget = contactURI(req, from.Address)
	}
	if req.Method == INVITE {
		d.inviteSeq = seq
	}

	start := DialogStateEarly
	if IsSuccessful(res) {
		start = DialogStateConfirmed
	}
	d.initFSM(start)
	d.metrics.dialogCreated(start)

	if start == DialogStateEarly {
		if ttl := opts.maxEarlyLifetime(); ttl > 0 {
			d.earlyTmr.Store(timeutil.AfterFunc(clock, ttl, d.onEarlyExpired))
		}
	}
	if ttl := opts.maxLifetime(); ttl > 0 {
		d.lifeTmr.Store(timeutil.AfterFunc(clock, ttl, d.onLifetimeExpired))
	}
	return d, nil
}

func contactURI(msg Message, def Uri) Uri {
	vals := headerValues(msg, "Contact")
	if len(vals) == 0 {
		return def
	}
	uri, err := addrURI(vals[0])
	if err != nil {
		return def
	}
	return uri
}

const (
	dlgEvtConfirm   = "confirm"
	dlgEvtBye       = "bye"
	dlgEvtTerminate = "terminate"
)

func (d *Dialog) initFSM(start DialogState) {
	d.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	d.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(fmt.Errorf("%w: event %q in state %q", ErrActionNotAllowed, trigger, state))
	})
	d.fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		from, to := t.Source.(DialogState), t.Destination.(DialogState) //nolint:forcetypeassert
		if from == to {
			return
		}

		d.log.LogAttrs(ctx, slog.LevelDebug, "dialog state changed",
			slog.Any("dialog", d),
			slog.Any("from", from),
			slog.Any("to", to),
			slog.Any("event", t.Trigger),
		)
		d.metrics.dialogStateChanged(from, to)

		d.deliv.Enqueue(func() {
			for fn := range d.onState.All() {
				fn(d.ctx, d, from, to)
			}
		})
	})

	d.fsm.Configure(DialogStateEarly).
		OnExit(d.actLeaveEarly).
		Permit(dlgEvtConfirm, DialogStateConfirmed).
		Permit(dlgEvtBye, DialogStateCompleted).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateConfirmed).
		Ignore(dlgEvtConfirm).
		Permit(dlgEvtBye, DialogStateCompleted).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateCompleted).
		Ignore(dlgEvtConfirm).
		Ignore(dlgEvtBye).
		Permit(dlgEvtTerminate, DialogStateTerminated)

	d.fsm.Configure(DialogStateTerminated).
		OnEntry(d.actTerminated).
		Ignore(dlgEvtConfirm).
		Ignore(dlgEvtBye).
		Ignore(dlgEvtTerminate)
}

func (d *Dialog) fire(ctx context.Context, evt string, args ...any) error {
	d.fireMu.Lock()
	err := d.fsm.FireCtx(ctx, evt, args...)
	d.fireMu.Unlock()

	d.deliv.Flush()
	return errtrace.Wrap(err)
}

// deliver runs fn in order with the dialog callbacks.
func (d *Dialog) deliver(fn func()) {
	d.deliv.Enqueue(fn)
	d.deliv.Flush()
}

func (d *Dialog) actLeaveEarly(ctx context.Context, _ ...any) error {
	if tmr := d.earlyTmr.Swap(nil); tmr != nil && tmr.Stop() {
		d.log.LogAttrs(ctx, slog.LevelDebug, "early dialog timer stopped", slog.Any("dialog", d))
	}
	return nil
}

func (d *Dialog) onEarlyExpired() {
	d.log.LogAttrs(d.ctx, slog.LevelDebug, "early dialog lifetime exceeded", slog.Any("dialog", d))

	d.earlyTmr.Store(nil)
	if d.State() != DialogStateEarly {
		return
	}
	d.Terminate(d.ctx, fmt.Errorf("%w: early dialog lifetime exceeded", ErrDialogTerminated)) //nolint:errcheck
}

func (d *Dialog) onLifetimeExpired() {
	d.log.LogAttrs(d.ctx, slog.LevelDebug, "dialog lifetime exceeded", slog.Any("dialog", d))

	d.lifeTmr.Store(nil)
	d.Terminate(d.ctx, fmt.Errorf("%w: dialog lifetime exceeded", ErrDialogTerminated)) //nolint:errcheck
}

func (d *Dialog) actTerminated(ctx context.Context, args ...any) error {
	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog terminated", slog.Any("dialog", d))

	if len(args) > 0 {
		if err, ok := args[0].(error); ok && err != nil {
			d.err.Store(&err)
		}
	}
	if tmr := d.earlyTmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := d.lifeTmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	d.doneOnce.Do(func() { close(d.done) })
	return nil
}

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("id", d.id),
		slog.Any("role", d.role),
		slog.Any("state", d.State()),
	)
}

// ID returns the dialog ID.
func (d *Dialog) ID() DialogID { return d.id }

// Role returns the role of the local side.
func (d *Dialog) Role() DialogRole { return d.role }

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	if d == nil || d.fsm == nil {
		return ""
	}
	return d.fsm.MustState().(DialogState) //nolint:forcetypeassert
}

// Secure reports whether the dialog was created by a request with SIPS URI.
func (d *Dialog) Secure() bool { return d.secure }

// CreatedAt returns the dialog creation time.
func (d *Dialog) CreatedAt() time.Time { return d.createdAt }

// LocalURI returns the URI of the local side.
func (d *Dialog) LocalURI() Uri { return d.localURI }

// RemoteURI returns the URI of the remote side.
func (d *Dialog) RemoteURI() Uri { return d.remoteURI }

// RouteSet returns the route set of the dialog as a list of Route header values.
func (d *Dialog) RouteSet() []string { return slices.Clone(d.routeSet) }

// RemoteTarget returns the current remote target of the dialog.
func (d *Dialog) RemoteTarget() Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget
}

// LocalSeq returns the last local CSeq number.
func (d *Dialog) LocalSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSeq
}

// RemoteSeq returns the last remote CSeq number.
// It returns false if no request was received from the remote side yet.
func (d *Dialog) RemoteSeq() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSeq, d.hasRemoteSeq
}

// Acked reports whether the ACK for the 2xx response on the last INVITE was received,
// or sent on the UAC side.
func (d *Dialog) Acked() bool { return d.acked.Load() }

// AutoTerminateOnBye reports whether the completion of the BYE transaction terminates the dialog.
func (d *Dialog) AutoTerminateOnBye() bool { return !d.noAutoBye.Load() }

// SetAutoTerminateOnBye enables or disables the dialog termination on the BYE transaction completion.
// Dialogs of subscriptions usually disable it and are terminated by the application.
func (d *Dialog) SetAutoTerminateOnBye(v bool) { d.noAutoBye.Store(!v) }

// Done returns a channel that is closed when the dialog terminates.
func (d *Dialog) Done() <-chan struct{} { return d.done }

// Err returns the reason the dialog was terminated with, if any.
func (d *Dialog) Err() error {
	if err := d.err.Load(); err != nil {
		return *err
	}
	return nil
}

// OnStateChanged registers a callback called on each state change.
func (d *Dialog) OnStateChanged(fn DialogStateHandler) (cancel func()) {
	return d.onState.Add(fn)
}

// Confirm moves the early dialog to the Confirmed state on a 2xx response.
// The Contact of the response refreshes the remote target on the UAC side.
func (d *Dialog) Confirm(ctx context.Context, res *Response) error {
	if res == nil || !IsSuccessful(res) {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if d.role == DialogRoleUAC {
		d.refreshTarget(res)
	}
	return errtrace.Wrap(d.fire(ctx, dlgEvtConfirm))
}

// RecvResponse updates the dialog with the response on the in-dialog request sent by the local side.
// A 2xx response on a target refresh request replaces the remote target.
func (d *Dialog) RecvResponse(_ context.Context, res *Response) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}
	if _, method := msgCSeq(res); IsSuccessful(res) && isTargetRefresh(method) {
		d.refreshTarget(res)
	}
	return nil
}

// RecvRequest checks and applies the in-dialog request received from the remote side
// (RFC 3261 section 12.2.2).
// A request with CSeq lower than or equal to the last remote CSeq is rejected with
// [ErrOutOfOrderCSeq] and does not change the dialog. CANCEL is not ordered.
// An ACK with CSeq lower than or equal to the last received ACK is a retransmission
// and is rejected with [ErrAckRetransmission].
// A BYE request moves the dialog to the Completed state.
func (d *Dialog) RecvRequest(ctx context.Context, req *Request) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if d.State() == DialogStateTerminated {
		return errtrace.Wrap(ErrDialogTerminated)
	}

	seq, _ := msgCSeq(req)
	switch req.Method {
	case ACK:
		d.mu.Lock()
		if d.hasLastAck && seq <= d.lastAckSeq {
			d.mu.Unlock()
			return errtrace.Wrap(fmt.Errorf("%w: CSeq %d", ErrAckRetransmission, seq))
		}
		d.lastAckSeq, d.hasLastAck = seq, true
		inv := d.inviteSeq
		d.mu.Unlock()

		if seq == inv {
			d.acked.Store(true)
		}
		return nil
	case CANCEL:
		return nil
	}

	d.mu.Lock()
	if d.hasRemoteSeq && seq <= d.remoteSeq {
		last := d.remoteSeq
		d.mu.Unlock()
		return errtrace.Wrap(fmt.Errorf("%w: got %d, last %d", ErrOutOfOrderCSeq, seq, last))
	}
	d.remoteSeq, d.hasRemoteSeq = seq, true
	if req.Method == INVITE {
		d.inviteSeq = seq
	}
	d.mu.Unlock()

	if isTargetRefresh(req.Method) {
		d.refreshTarget(req)
	}
	if req.Method == BYE {
		return errtrace.Wrap(d.fire(ctx, dlgEvtBye))
	}
	return nil
}

// SendingRequest updates the dialog with the in-dialog request sent by the local side.
// A BYE request moves the dialog to the Completed state.
func (d *Dialog) SendingRequest(ctx context.Context, req *Request) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	if req.Method == BYE {
		return errtrace.Wrap(d.fire(ctx, dlgEvtBye))
	}
	return nil
}

// Terminate terminates the dialog with the optional reason.
// Calling it on a terminated dialog is a no-op.
func (d *Dialog) Terminate(ctx context.Context, reason error) error {
	return errtrace.Wrap(d.fire(ctx, dlgEvtTerminate, reason))
}

func (d *Dialog) inviteSeqNum() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inviteSeq
}

func (d *Dialog) refreshTarget(msg Message) {
	vals := headerValues(msg, "Contact")
	if len(vals) == 0 {
		return
	}
	uri, err := addrURI(vals[0])
	if err != nil {
		d.log.LogAttrs(d.ctx, slog.LevelDebug, "invalid Contact ignored",
			slog.Any("dialog", d),
			slog.Any("error", err),
		)
		return
	}

	d.mu.Lock()
	d.remoteTarget = uri
	d.mu.Unlock()
}

func isTargetRefresh(method RequestMethod) bool {
	return method == INVITE || method == UPDATE || method == SUBSCRIBE || method == NOTIFY || method == REFER
}

// NewRequest builds the in-dialog request (RFC 3261 section 12.2.1.1).
//
// The local CSeq is incremented for every method except ACK and CANCEL,
// which reuse the CSeq number of the last INVITE.
// The Via header is added by the stack on send.
func (d *Dialog) NewRequest(method RequestMethod) (*Request, error) {
	if d.State() == DialogStateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	d.mu.Lock()
	var seq uint32
	switch method {
	case ACK, CANCEL:
		seq = d.inviteSeq
		if d.role == DialogRoleUAC && seq == 0 {
			seq = d.localSeq
		}
	default:
		d.localSeq++
		seq = d.localSeq
		if method == INVITE && d.role == DialogRoleUAC {
			d.inviteSeq = seq
		}
	}
	target := d.remoteTarget
	d.mu.Unlock()

	recipient, routes := target, d.routeSet
	if len(routes) > 0 && !isLooseRoute(routes[0]) {
		// strict routing
		if uri, err := addrURI(routes[0]); err == nil {
			recipient = uri
			routes = append(slices.Clone(routes[1:]), "<"+target.String()+">")
		}
	}

	req := sipmsg.NewRequest(method, recipient)
	for _, r := range routes {
		req.AppendHeader(sipmsg.NewHeader("Route", r))
	}
	mf := sipmsg.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	req.AppendHeader(newFromHeader(d.localName, d.localURI, d.id.LocalTag))
	req.AppendHeader(newToHeader(d.remName, d.remoteURI, d.id.RemoteTag))
	callID := sipmsg.CallIDHeader(d.id.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sipmsg.CSeqHeader{SeqNo: seq, MethodName: method})
	return req, nil
}

func isLooseRoute(route string) bool {
	route = strings.ToLower(route)
	if i := strings.IndexByte(route, '>'); i >= 0 {
		route = route[:i]
	}
	return strings.Contains(route, ";lr")
}

func newFromHeader(name string, uri Uri, tag string) *sipmsg.FromHeader {
	params := sipmsg.NewParams()
	params.Add("tag", tag)
	return &sipmsg.FromHeader{DisplayName: name, Address: uri, Params: params}
}

func newToHeader(name string, uri Uri, tag string) *sipmsg.ToHeader {
	params := sipmsg.NewParams()
	if tag != "" {
		params.Add("tag", tag)
	}
	return &sipmsg.ToHeader{DisplayName: name, Address: uri, Params: params}
}
