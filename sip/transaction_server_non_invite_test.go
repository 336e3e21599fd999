package sip_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/sip"
)

func newNonInviteServerTx(
	tb testing.TB,
	proto sip.TransportProto,
) (*sip.NonInviteServerTransaction, *stubTransport, *timeutil.ManualClock) {
	tb.Helper()

	tp := newStubTransport(proto, 5060)
	clock := newTestClock()
	tx, err := sip.NewNonInviteServerTransaction(
		newNonInviteReq(tb, proto, "", rmtAddr),
		sip.NewChannel(tp, rmtAddr),
		&sip.ServerTransactionOptions{Clock: clock},
	)
	if err != nil {
		tb.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	return tx, tp, clock
}

func TestNonInviteServerTransaction_Completed(t *testing.T) {
	t.Parallel()

	tx, tp, clock := newNonInviteServerTx(t, sip.ProtoUDP)
	states, errs := recordStates(tx), recordErrors(tx)

	// retransmissions in Trying are absorbed, there is nothing to resend yet
	for range 2 {
		if err := tx.RecvRequest(t.Context(), tx.Request()); err != nil {
			t.Fatalf("tx.RecvRequest() error = %v, want nil", err)
		}
	}
	if got := tp.responseCount(); got != 0 {
		t.Errorf("sent responses = %d, want 0", got)
	}
	// no automatic provisional response
	clock.Advance(time.Second)
	if got := tp.responseCount(); got != 0 {
		t.Errorf("sent responses = %d, want 0", got)
	}

	if err := tx.Respond(t.Context(), newRes(t, tx.Request(), 200)); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
	if err := tx.RecvRequest(t.Context(), tx.Request()); err != nil {
		t.Fatalf("tx.RecvRequest() error = %v, want nil", err)
	}
	if diff := cmp.Diff(tp.statusCodes(), []int{200, 200}); diff != "" {
		t.Errorf("sent responses mismatch\ndiff (-got +want):\n%v", diff)
	}

	// further responses are rejected
	err := tx.Respond(t.Context(), newRes(t, tx.Request(), 500))
	if diff := cmp.Diff(err, sip.ErrActionNotAllowed, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("tx.Respond(500) error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrActionNotAllowed, diff)
	}

	clock.Advance(64*sip.T1 - time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
	if got, want := tp.responseCount(), 2; got != want {
		t.Errorf("sent responses = %d, want %d", got, want)
	}
	clock.Advance(time.Millisecond)
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
	if len(*errs) != 0 {
		t.Errorf("transaction errors = %v, want none", *errs)
	}
	if diff := cmp.Diff(*states, []sip.TransactionState{
		sip.TransactionStateCompleted,
		sip.TransactionStateTerminated,
	}); diff != "" {
		t.Errorf("transaction states mismatch\ndiff (-got +want):\n%v", diff)
	}
}

func TestNonInviteServerTransaction_Proceeding(t *testing.T) {
	t.Parallel()

	tx, tp, clock := newNonInviteServerTx(t, sip.ProtoUDP)
	states := recordStates(tx)

	for _, code := range []sip.StatusCode{100, 180} {
		if err := tx.Respond(t.Context(), newRes(t, tx.Request(), code)); err != nil {
			t.Fatalf("tx.Respond(%d) error = %v, want nil", code, err)
		}
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
	if err := tx.RecvRequest(t.Context(), tx.Request()); err != nil {
		t.Fatalf("tx.RecvRequest() error = %v, want nil", err)
	}
	if diff := cmp.Diff(tp.statusCodes(), []int{100, 180, 180}); diff != "" {
		t.Errorf("sent responses mismatch\ndiff (-got +want):\n%v", diff)
	}

	if err := tx.Respond(t.Context(), newRes(t, tx.Request(), 404)); err != nil {
		t.Fatalf("tx.Respond(404) error = %v, want nil", err)
	}
	clock.Advance(64 * sip.T1)
	if diff := cmp.Diff(*states, []sip.TransactionState{
		sip.TransactionStateProceeding,
		sip.TransactionStateCompleted,
		sip.TransactionStateTerminated,
	}); diff != "" {
		t.Errorf("transaction states mismatch\ndiff (-got +want):\n%v", diff)
	}
	if got := tx.LastResponse(); got == nil || got.StatusCode != 404 {
		t.Errorf("tx.LastResponse() = %v, want 404 response", got)
	}
}

func TestNonInviteServerTransaction_Reliable(t *testing.T) {
	t.Parallel()

	tx, tp, clock := newNonInviteServerTx(t, sip.ProtoTCP)

	if err := tx.Respond(t.Context(), newRes(t, tx.Request(), 200)); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
	// the request retransmission hits a terminated transaction and is dropped
	if err := tx.RecvRequest(t.Context(), tx.Request()); err != nil {
		t.Fatalf("tx.RecvRequest() error = %v, want nil", err)
	}
	if got, want := tp.responseCount(), 1; got != want {
		t.Errorf("sent responses = %d, want %d", got, want)
	}
	if got := clock.Pending(); got != 0 {
		t.Errorf("clock.Pending() = %d, want 0", got)
	}
}

func TestNonInviteServerTransaction_Ack(t *testing.T) {
	t.Parallel()

	tx, _, _ := newNonInviteServerTx(t, sip.ProtoUDP)

	// ACK never matches a non-INVITE transaction
	ack := newReq(t, sip.ACK, sip.ProtoUDP, "", rmtAddr)
	err := tx.MatchRequest(ack)
	if diff := cmp.Diff(err, sip.ErrMessageNotMatched, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("tx.MatchRequest(ACK) error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrMessageNotMatched, diff)
	}
}
