package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/timeutil"
)

// InviteServerTransaction is the INVITE server transaction (RFC 3261 section 17.2.1, RFC 6026).
type InviteServerTransaction struct {
	*serverTransact

	tmr100 atomic.Pointer[timeutil.Timer]
	tmrG   atomic.Pointer[timeutil.Timer]
	tmrH   atomic.Pointer[timeutil.Timer]
	tmrI   atomic.Pointer[timeutil.Timer]
	tmrL   atomic.Pointer[timeutil.Timer]

	acked atomic.Bool
}

// NewInviteServerTransaction creates a new INVITE server transaction in the Proceeding state.
// A 100 Trying response is sent automatically if no response is sent within Time100.
func NewInviteServerTransaction(req *Request, ch Channel, opts *ServerTransactionOptions) (*InviteServerTransaction, error) {
	if req == nil || req.Method != INVITE {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, ch, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM(TransactionStateProceeding)
	tx.startTimer(tx.ctx, &tx.tmr100, "100", tx.timings.Time100(), tx.onTimer100)
	return tx, nil
}

const (
	txEvtTimer100 = "timer_100"
	txEvtTimerG   = "timer_g"
	txEvtTimerH   = "timer_h"
	txEvtTimerI   = "timer_i"
	txEvtTimerL   = "timer_l"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransact.initFSM(start)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtTimer100, tx.actSend100).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSend1xx).
		Ignore(txEvtRecvAck).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntry(tx.actAccepted).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtTimerG, tx.actResend2xx).
		InternalTransition(txEvtRecvAck, tx.actPassAck).
		Ignore(txEvtRecvReq).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		OnEntry(tx.actCompleted).
		InternalTransition(txEvtTimerG, tx.actResendNon2xx).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		OnEntryFrom(txEvtTimerL, tx.actTimerLExpired).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		OnEntry(tx.actTerminated).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTranspErr).
		Ignore(txEvtTerminate)
}

// Acked reports whether the ACK for the 2xx response has been received.
func (tx *InviteServerTransaction) Acked() bool { return tx.acked.Load() }

// MatchRequest checks whether the request matches the transaction.
// In addition to the RFC 3261 section 17.2.3 rules, the ACK for the 2xx response is
// matched by Call-ID, From tag, CSeq number and the To tag of the sent response,
// since it is a separate transaction with its own branch.
func (tx *InviteServerTransaction) MatchRequest(req *Request) error {
	err := tx.serverTransact.MatchRequest(req)
	if err == nil || req == nil || req.Method != ACK {
		return errtrace.Wrap(err)
	}

	res := tx.lastRes.Load()
	if res == nil || !IsSuccessful(res) {
		return errtrace.Wrap(err)
	}
	seq, _ := msgCSeq(req)
	txSeq, _ := msgCSeq(tx.req)
	if msgCallID(req) != msgCallID(tx.req) ||
		msgFromTag(req) != msgFromTag(tx.req) ||
		msgToTag(req) != msgToTag(res) ||
		seq != txSeq {
		return errtrace.Wrap(err)
	}
	return nil
}

// RecvRequest is called on each inbound request matched to the transaction,
// i.e. INVITE retransmissions and ACKs.
func (tx *InviteServerTransaction) RecvRequest(ctx context.Context, req *Request) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}

	if req.Method == ACK {
		return errtrace.Wrap(tx.fire(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.fire(ctx, txEvtRecvReq, req))
}

func (tx *InviteServerTransaction) onTimer100() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer 100 expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimer100, TransactionStateProceeding)
}

func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	tx.tmr100.Store(nil)
	if tx.lastRes.Load() != nil {
		return nil
	}
	return errtrace.Wrap(tx.actSendRes(ctx, NewResponse(tx.req, StatusTrying, "Trying", "")))
}

func (tx *InviteServerTransaction) actSend1xx(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr100, "100")
	return errtrace.Wrap(tx.actSendRes(ctx, args...))
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmr100, "100")
	if !tx.ch.Reliable() {
		tx.startTimer(ctx, &tx.tmrG, "G", tx.timings.TimeG(), tx.onTimerG)
	}
	tx.startTimer(ctx, &tx.tmrL, "L", tx.timings.TimeL(), tx.onTimerL)
	return nil
}

func (tx *InviteServerTransaction) onTimerG() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer G expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerG, TransactionStateAccepted, TransactionStateCompleted)
}

// actResend2xx retransmits the 2xx response until the ACK arrives (RFC 3261 section 13.3.1.4).
func (tx *InviteServerTransaction) actResend2xx(ctx context.Context, args ...any) error {
	if tx.acked.Load() {
		return nil
	}
	return errtrace.Wrap(tx.actResendNon2xx(ctx, args...))
}

func (tx *InviteServerTransaction) actResendNon2xx(ctx context.Context, _ ...any) error {
	tx.actResendRes(ctx) //nolint:errcheck

	if tmr := tx.tmrG.Load(); tmr != nil {
		tmr.Reset(tx.timings.Backoff(tmr.Duration()))

		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer G reset",
			slog.Any("transaction", tx),
			slog.Time("expires_at", tmr.ExpiresAt()),
		)
	}
	return nil
}

func (tx *InviteServerTransaction) actPassAck(ctx context.Context, args ...any) error {
	ack := args[0].(*Request) //nolint:forcetypeassert
	if tx.acked.CompareAndSwap(false, true) {
		tx.stopTimer(ctx, &tx.tmrG, "G")
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass ACK",
		slog.Any("transaction", tx),
		slog.Any("request", logMsg(ack)),
	)

	tx.deliv.Enqueue(func() {
		for fn := range tx.onAck.All() {
			fn(tx.ctx, tx, ack)
		}
	})
	return nil
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer L expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerL, TransactionStateAccepted)
}

// actTimerLExpired reports the timeout if the 2xx response was never acknowledged.
func (tx *InviteServerTransaction) actTimerLExpired(ctx context.Context, args ...any) error {
	if tx.acked.Load() {
		return nil
	}
	return errtrace.Wrap(tx.actTimedOut(ctx, args...))
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmr100, "100")
	if !tx.ch.Reliable() {
		tx.startTimer(ctx, &tx.tmrG, "G", tx.timings.TimeG(), tx.onTimerG)
	}
	tx.startTimer(ctx, &tx.tmrH, "H", tx.timings.TimeH(), tx.onTimerH)
	return nil
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer H expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerH, TransactionStateCompleted)
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.acked.Store(true)
	tx.stopTimer(ctx, &tx.tmrG, "G")
	tx.stopTimer(ctx, &tx.tmrH, "H")

	d := tx.timings.Linger(tx.timings.TimeI(), tx.ch.Reliable())
	tx.lingerOrFire(ctx, &tx.tmrI, "I", txEvtTimerI, d, tx.onTimerI)
	return nil
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer I expired", slog.Any("transaction", tx))

	tx.fireIn(txEvtTimerI, TransactionStateConfirmed)
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr100, "100")
	tx.stopTimer(ctx, &tx.tmrG, "G")
	tx.stopTimer(ctx, &tx.tmrH, "H")
	tx.stopTimer(ctx, &tx.tmrI, "I")
	tx.stopTimer(ctx, &tx.tmrL, "L")

	return errtrace.Wrap(tx.serverTransact.actTerminated(ctx, args...))
}
