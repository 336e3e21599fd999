package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/timeutil"
)

// NonInviteClientTransaction is the non-INVITE client transaction (RFC 3261 section 17.1.2).
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE atomic.Pointer[timeutil.Timer]
	tmrF atomic.Pointer[timeutil.Timer]
	tmrK atomic.Pointer[timeutil.Timer]
}

// NewNonInviteClientTransaction creates a new non-INVITE client transaction in the Trying state.
// The request is sent on [NonInviteClientTransaction.Start].
func NewNonInviteClientTransaction(req *Request, ch Channel, opts *ClientTransactionOptions) (*NonInviteClientTransaction, error) {
	if req == nil || req.Method == INVITE || req.Method == ACK {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, ch, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(TransactionStateTrying)
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		OnEntry(tx.actCompleted).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTimerE).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

// Start sends the request and starts timers E and F.
// Timer E runs on unreliable transports only.
func (tx *NonInviteClientTransaction) Start(ctx context.Context) error {
	return errtrace.Wrap(tx.start(ctx, tx.actTrying))
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if err := tx.actSendReq(ctx); err != nil {
		return errtrace.Wrap(err)
	}

	if !tx.ch.Reliable() {
		tx.startTimer(ctx, &tx.tmrE, "E", tx.timings.TimeE(), tx.onTimerE)
	}
	tx.startTimer(ctx, &tx.tmrF, "F", tx.timings.TimeF(), tx.onTimerF)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer E expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerE, TransactionStateTrying, TransactionStateProceeding)
}

// actResendReq retransmits the request. The interval doubles up to T2 in Trying
// and stays at T2 in Proceeding.
func (tx *NonInviteClientTransaction) actResendReq(ctx context.Context, _ ...any) error {
	tx.resend(ctx, tx.req)

	if tmr := tx.tmrE.Load(); tmr != nil {
		d := tx.timings.T2()
		if tx.stateUnsafe() == TransactionStateTrying {
			d = tx.timings.Backoff(tmr.Duration())
		}
		tmr.Reset(d)

		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer E reset",
			slog.Any("transaction", tx),
			slog.Time("expires_at", tmr.ExpiresAt()),
		)
	}
	return nil
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer F expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerF, TransactionStateTrying, TransactionStateProceeding)
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrE, "E")
	tx.stopTimer(ctx, &tx.tmrF, "F")

	d := tx.timings.Linger(tx.timings.TimeK(), tx.ch.Reliable())
	tx.lingerOrFire(ctx, &tx.tmrK, "K", txEvtTimerK, d, tx.onTimerK)
	return nil
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer K expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerK, TransactionStateCompleted)
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrE, "E")
	tx.stopTimer(ctx, &tx.tmrF, "F")
	tx.stopTimer(ctx, &tx.tmrK, "K")

	return errtrace.Wrap(tx.clientTransact.actTerminated(ctx, args...))
}
