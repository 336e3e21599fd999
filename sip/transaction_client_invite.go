package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/timeutil"
)

// InviteClientTransaction is the INVITE client transaction (RFC 3261 section 17.1.1, RFC 6026).
type InviteClientTransaction struct {
	*clientTransact

	tmrA atomic.Pointer[timeutil.Timer]
	tmrB atomic.Pointer[timeutil.Timer]
	tmrD atomic.Pointer[timeutil.Timer]
	tmrM atomic.Pointer[timeutil.Timer]

	ack atomic.Pointer[Request]
}

// NewInviteClientTransaction creates a new INVITE client transaction in the Calling state.
// The request is sent on [InviteClientTransaction.Start].
func NewInviteClientTransaction(req *Request, ch Channel, opts *ClientTransactionOptions) (*InviteClientTransaction, error) {
	if req == nil || req.Method != INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, ch, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM(TransactionStateCalling)
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		OnEntry(tx.actCompleted).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

// Start sends the INVITE request and starts timers A and B.
// Timer A runs on unreliable transports only.
func (tx *InviteClientTransaction) Start(ctx context.Context) error {
	return errtrace.Wrap(tx.start(ctx, tx.actCalling))
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if err := tx.actSendReq(ctx); err != nil {
		return errtrace.Wrap(err)
	}

	if !tx.ch.Reliable() {
		tx.startTimer(ctx, &tx.tmrA, "A", tx.timings.TimeA(), tx.onTimerA)
	}
	tx.startTimer(ctx, &tx.tmrB, "B", tx.timings.TimeB(), tx.onTimerB)
	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer A expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerA, TransactionStateCalling)
}

func (tx *InviteClientTransaction) actResendReq(ctx context.Context, _ ...any) error {
	tx.resend(ctx, tx.req)

	if tmr := tx.tmrA.Load(); tmr != nil {
		tmr.Reset(tx.timings.Backoff(tmr.Duration()))

		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer A reset",
			slog.Any("transaction", tx),
			slog.Time("expires_at", tmr.ExpiresAt()),
		)
	}
	return nil
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer B expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerB, TransactionStateCalling)
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")
	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

// actSendAck sends the ACK for the non-2xx final response.
// The ACK is built once and resent on each final response retransmission.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		res := args[0].(*Response) //nolint:forcetypeassert
		ack = newNon2xxAck(tx.req, res)
		tx.ack.Store(ack)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request",
		slog.Any("transaction", tx),
		slog.Any("request", logMsg(ack)),
	)

	tx.send(ctx, ack) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")

	d := tx.timings.Linger(tx.timings.TimeD(), tx.ch.Reliable())
	tx.lingerOrFire(ctx, &tx.tmrD, "D", txEvtTimerD, d, tx.onTimerD)
	return nil
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer D expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerD, TransactionStateCompleted)
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")
	tx.startTimer(ctx, &tx.tmrM, "M", tx.timings.TimeM(), tx.onTimerM)
	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer M expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerM, TransactionStateAccepted)
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrA, "A")
	tx.stopTimer(ctx, &tx.tmrB, "B")
	tx.stopTimer(ctx, &tx.tmrD, "D")
	tx.stopTimer(ctx, &tx.tmrM, "M")

	return errtrace.Wrap(tx.clientTransact.actTerminated(ctx, args...))
}
