package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/internal/types"
	"github.com/ghettovoice/sipstack/log"
)

// TransactionState represents the state of a transaction.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "Calling"
	TransactionStateTrying     TransactionState = "Trying"
	TransactionStateProceeding TransactionState = "Proceeding"
	TransactionStateCompleted  TransactionState = "Completed"
	TransactionStateConfirmed  TransactionState = "Confirmed"
	TransactionStateAccepted   TransactionState = "Accepted"
	TransactionStateTerminated TransactionState = "Terminated"
)

// TransactionType represents the type of a transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// IsClient reports whether the type is a client transaction type.
func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

// IsInvite reports whether the type is an INVITE transaction type.
func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// Transaction is a common interface of client and server transactions.
type Transaction interface {
	slog.LogValuer
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Request returns the request that created the transaction.
	Request() *Request
	// Channel returns the channel the transaction sends messages through.
	Channel() Channel
	// CreatedAt returns the transaction creation time.
	CreatedAt() time.Time
	// Terminate forcibly terminates the transaction. All timers are stopped.
	Terminate(ctx context.Context) error
	// OnStateChanged registers a callback called on each state change.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// OnError registers a callback called on a timeout or a transport error.
	OnError(fn TransactionErrorHandler) (cancel func())
	// Done returns a channel that is closed when the transaction terminates.
	Done() <-chan struct{}
	// Err returns the error the transaction was terminated with, if any.
	Err() error
}

// TransactionStateHandler is a callback of the transaction state change.
type TransactionStateHandler = func(ctx context.Context, tx Transaction, from, to TransactionState)

// TransactionErrorHandler is a callback of the transaction error.
// The err is [ErrTransactionTimedOut] on a timeout, otherwise it is a transport error.
type TransactionErrorHandler = func(ctx context.Context, tx Transaction, err error)

const txCtxKey types.ContextKey = "transaction"

// TransactionFromContext returns the transaction stored in the context
// of transaction callbacks.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey).(Transaction)
	return tx, ok
}

// Transaction events.
const (
	txEvtTranspErr = "transport_error"
	txEvtTerminate = "terminate"
)

// baseTransact holds the state shared by all transaction types.
//
// Events are fired under fireMu, actions never call back into the user code directly.
// They enqueue deliveries that run after the event is processed, in order and
// one at a time per transaction, so the callbacks may call the transaction again.
type baseTransact struct {
	typ       TransactionType
	impl      Transaction
	ch        Channel
	req       *Request
	timings   TimingConfig
	clock     timeutil.Clock
	metrics   *Metrics
	log       *slog.Logger
	ctx       context.Context
	createdAt time.Time

	fsm    *stateless.StateMachine
	fireMu sync.Mutex
	deliv  types.SerialQueue

	onState types.CallbackManager[TransactionStateHandler]
	onErr   types.CallbackManager[TransactionErrorHandler]

	errOnce sync.Once
	err     atomic.Pointer[error]
	done    chan struct{}
}

type transactOptions struct {
	timings TimingConfig
	clock   timeutil.Clock
	metrics *Metrics
	log     *slog.Logger
}

func newBaseTransact(typ TransactionType, impl Transaction, req *Request, ch Channel, opts transactOptions) *baseTransact {
	if opts.clock == nil {
		opts.clock = timeutil.SystemClock()
	}
	if opts.log == nil {
		opts.log = log.Default()
	}
	tx := &baseTransact{
		typ:       typ,
		impl:      impl,
		ch:        ch,
		req:       req,
		timings:   opts.timings,
		clock:     opts.clock,
		metrics:   opts.metrics,
		log:       opts.log,
		createdAt: opts.clock.Now(),
		done:      make(chan struct{}),
	}
	tx.ctx = context.WithValue(context.Background(), txCtxKey, impl)
	return tx
}

func (tx *baseTransact) initFSM(start TransactionState) {
	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	tx.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(fmt.Errorf("%w: event %q in state %q", ErrActionNotAllowed, trigger, state))
	})
	tx.fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		from, to := t.Source.(TransactionState), t.Destination.(TransactionState) //nolint:forcetypeassert
		if from == to {
			return
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
			slog.Any("transaction", tx.impl),
			slog.Any("from", from),
			slog.Any("to", to),
			slog.Any("event", t.Trigger),
		)

		tx.deliv.Enqueue(func() {
			for fn := range tx.onState.All() {
				fn(tx.ctx, tx.impl, from, to)
			}
		})
	})

	// late timer events queued before the termination
	term := tx.fsm.Configure(TransactionStateTerminated)
	for _, evt := range []string{
		txEvtTimerA, txEvtTimerB, txEvtTimerD, txEvtTimerM,
		txEvtTimerE, txEvtTimerF, txEvtTimerK,
		txEvtTimerG, txEvtTimerH, txEvtTimerI, txEvtTimerJ, txEvtTimerL, txEvtTimer100,
	} {
		term.Ignore(evt)
	}
}

// fire processes the event and runs pending deliveries.
func (tx *baseTransact) fire(ctx context.Context, evt string, args ...any) error {
	tx.fireMu.Lock()
	err := tx.fsm.FireCtx(ctx, evt, args...)
	tx.fireMu.Unlock()

	tx.deliv.Flush()
	return errtrace.Wrap(err)
}

// run calls fn under the fire lock, e.g. to send the initial request,
// and runs pending deliveries after.
func (tx *baseTransact) run(ctx context.Context, fn func(ctx context.Context) error) error {
	tx.fireMu.Lock()
	err := fn(ctx)
	tx.fireMu.Unlock()

	tx.deliv.Flush()
	return errtrace.Wrap(err)
}

// deliver runs fn in order with the transaction callbacks.
func (tx *baseTransact) deliver(fn func()) {
	tx.deliv.Enqueue(fn)
	tx.deliv.Flush()
}

// fireIn fires the timer event only if the transaction is still in one of the states.
// A failure here is a broken state machine.
func (tx *baseTransact) fireIn(evt string, states ...TransactionState) {
	tx.fireMu.Lock()
	cur := tx.stateUnsafe()
	if !slices.Contains(states, cur) {
		tx.fireMu.Unlock()
		return
	}
	if err := tx.fsm.FireCtx(tx.ctx, evt); err != nil {
		tx.fireMu.Unlock()
		panic(fmt.Errorf("fire %q in state %q: %w", evt, cur, err))
	}
	tx.fireMu.Unlock()

	tx.deliv.Flush()
}

func (tx *baseTransact) stateUnsafe() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	if tx == nil || tx.fsm == nil {
		return ""
	}
	return tx.stateUnsafe()
}

// Request returns the request that created the transaction.
func (tx *baseTransact) Request() *Request { return tx.req }

// Channel returns the channel the transaction sends messages through.
func (tx *baseTransact) Channel() Channel { return tx.ch }

// CreatedAt returns the transaction creation time.
func (tx *baseTransact) CreatedAt() time.Time { return tx.createdAt }

// Done returns a channel that is closed when the transaction terminates.
func (tx *baseTransact) Done() <-chan struct{} { return tx.done }

// Err returns the error the transaction was terminated with.
func (tx *baseTransact) Err() error {
	if err := tx.err.Load(); err != nil {
		return *err
	}
	return nil
}

// Terminate forcibly terminates the transaction.
// Calling it on a terminated transaction is a no-op.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	err := tx.fire(ctx, txEvtTerminate)
	if err != nil && errors.Is(err, ErrActionNotAllowed) && tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(err)
}

// OnStateChanged registers a callback called on each state change.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onState.Add(fn)
}

// OnError registers a callback called on a timeout or a transport error.
func (tx *baseTransact) OnError(fn TransactionErrorHandler) (cancel func()) {
	return tx.onErr.Add(fn)
}

// send writes the message to the channel.
// A failure fires the transport error event, so the caller must not hold any state.
func (tx *baseTransact) send(ctx context.Context, msg Message) error {
	if err := tx.ch.Send(ctx, Encode(msg)); err != nil {
		tx.metrics.transportError(tx.ch.Transport().Proto())
		err = fmt.Errorf("send %s: %w", describeMsg(msg), err)
		if ferr := tx.fsm.FireCtx(ctx, txEvtTranspErr, err); ferr != nil {
			tx.log.LogAttrs(ctx, slog.LevelDebug, "transport error ignored",
				slog.Any("transaction", tx.impl),
				slog.Any("error", ferr),
			)
		}
		return errtrace.Wrap(err)
	}
	return nil
}

// resend retransmits the message, it is counted in the metrics.
func (tx *baseTransact) resend(ctx context.Context, msg Message) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "retransmit message",
		slog.Any("transaction", tx.impl),
		slog.Any("message", logMsg(msg)),
	)
	tx.metrics.txRetransmitted(tx.typ)
	tx.send(ctx, msg) //nolint:errcheck
}

// fail records the error and schedules its delivery to the error callbacks.
// Only the first error is recorded and delivered.
func (tx *baseTransact) fail(err error) {
	tx.errOnce.Do(func() {
		tx.err.Store(&err)
		if errors.Is(err, ErrTransactionTimedOut) {
			tx.metrics.txTimedOut(tx.typ)
		}
		tx.deliv.Enqueue(func() {
			for fn := range tx.onErr.All() {
				fn(tx.ctx, tx.impl, err)
			}
		})
	})
}

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	tx.fail(ErrTransactionTimedOut)
	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err := args[0].(error) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction transport error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)

	tx.fail(err)
	return nil
}

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.metrics.txTerminated(tx.typ)
	close(tx.done)
	return nil
}

// startTimer starts the timer and stores it in the slot.
func (tx *baseTransact) startTimer(
	ctx context.Context,
	slot *atomic.Pointer[timeutil.Timer],
	name string,
	d time.Duration,
	fn func(),
) {
	tmr := timeutil.AfterFunc(tx.clock, d, fn)
	if old := slot.Swap(tmr); old != nil {
		old.Stop()
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", tmr.ExpiresAt()),
	)
}

// stopTimer stops the timer stored in the slot.
func (tx *baseTransact) stopTimer(ctx context.Context, slot *atomic.Pointer[timeutil.Timer], name string) {
	if tmr := slot.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx.impl))
	}
}

// lingerOrFire starts the linger timer or fires the event right away when the duration is zero,
// e.g. timer K on a reliable transport.
func (tx *baseTransact) lingerOrFire(
	ctx context.Context,
	slot *atomic.Pointer[timeutil.Timer],
	name, evt string,
	d time.Duration,
	fn func(),
) {
	if d > 0 {
		tx.startTimer(ctx, slot, name, d, fn)
		return
	}
	if err := tx.fsm.FireCtx(ctx, evt); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", evt, tx.stateUnsafe(), err))
	}
}

func (tx *baseTransact) logValueAttrs(key any) []slog.Attr {
	return []slog.Attr{
		slog.Any("key", key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	}
}

func describeMsg(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return fmt.Sprintf("%s request", m.Method)
	case *Response:
		return fmt.Sprintf("%d response", int(m.StatusCode))
	default:
		return "message"
	}
}
