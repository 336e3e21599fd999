package sip_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/sip"
)

func newMetricsStack(tb testing.TB) (*sip.Stack, *eventRecorder, *timeutil.ManualClock, *prometheus.Registry) {
	tb.Helper()

	reg := prometheus.NewPedanticRegistry()
	rec := new(eventRecorder)
	clock := newTestClock()
	stk, err := sip.NewStack(&sip.StackOptions{
		Listener:               rec.listener(),
		Clock:                  clock,
		MaxTransactionLifetime: -1,
		Metrics:                sip.NewMetrics(reg),
	})
	if err != nil {
		tb.Fatalf("sip.NewStack() error = %v, want nil", err)
	}
	tb.Cleanup(func() { stk.Close(context.Background()) }) //nolint:errcheck
	return stk, rec, clock, reg
}

func TestMetrics_Transactions(t *testing.T) {
	t.Parallel()

	stk, rec, clock, reg := newMetricsStack(t)
	tp := newStubTransport(sip.ProtoUDP, 5060)
	ch := sip.NewChannel(tp, rmtAddr)

	badCSeq := newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr)
	badCSeq.CSeq().MethodName = sip.OPTIONS
	stk.Deliver(t.Context(), badCSeq, ch)

	stk.Deliver(t.Context(), newInviteReq(t, sip.ProtoUDP, "", rmtAddr), ch)
	tx := rec.requests()[0].tx
	if err := stk.Respond(t.Context(), tx, newRes(t, tx.Request(), 486)); err != nil {
		t.Fatalf("stk.Respond(486) error = %v, want nil", err)
	}
	// no ACK, the transaction retransmits the response until Timer H
	clock.Advance(64 * sip.T1)

	const want = `
# HELP sip_transaction_active Number of live transactions.
# TYPE sip_transaction_active gauge
sip_transaction_active{type="server_invite"} 0
# HELP sip_transaction_created_total Total number of created transactions.
# TYPE sip_transaction_created_total counter
sip_transaction_created_total{type="server_invite"} 1
# HELP sip_transaction_retransmissions_total Total number of message retransmissions.
# TYPE sip_transaction_retransmissions_total counter
sip_transaction_retransmissions_total{type="server_invite"} 10
# HELP sip_transaction_timeouts_total Total number of timed out transactions.
# TYPE sip_transaction_timeouts_total counter
sip_transaction_timeouts_total{type="server_invite"} 1
# HELP sip_transport_messages_dropped_total Total number of dropped inbound messages.
# TYPE sip_transport_messages_dropped_total counter
sip_transport_messages_dropped_total{proto="UDP",reason="invalid"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"sip_transaction_active",
		"sip_transaction_created_total",
		"sip_transaction_retransmissions_total",
		"sip_transaction_timeouts_total",
		"sip_transport_messages_dropped_total",
	)
	if err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}

func TestMetrics_Dialogs(t *testing.T) {
	t.Parallel()

	stk, rec, _, reg := newMetricsStack(t)
	tp := newStubTransport(sip.ProtoUDP, 5060)
	ch := sip.NewChannel(tp, rmtAddr)

	establishUASDialog(t, stk, ch, rec)
	stk.Deliver(t.Context(), newInDialogReq(t, sip.BYE, 2), ch)
	reqs := rec.requests()
	bye := reqs[len(reqs)-1]
	if err := stk.Respond(t.Context(), bye.tx, newRes(t, bye.req, 200)); err != nil {
		t.Fatalf("stk.Respond(200) error = %v, want nil", err)
	}

	const want = `
# HELP sip_dialog_active Number of live dialogs by state.
# TYPE sip_dialog_active gauge
sip_dialog_active{state="Completed"} 0
sip_dialog_active{state="Confirmed"} 0
# HELP sip_dialog_created_total Total number of created dialogs.
# TYPE sip_dialog_created_total counter
sip_dialog_created_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "sip_dialog_active", "sip_dialog_created_total"); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}

func TestMetrics_Processor(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	msgs := make(chan sip.Message, 1)
	tp, raddr := newUDPPair(t)

	p, err := sip.NewProcessor(tp, sip.HandlerFunc(func(_ context.Context, msg sip.Message, _ sip.Channel) {
		msgs <- msg
	}), &sip.ProcessorOptions{Workers: 1, Metrics: sip.NewMetrics(reg)})
	if err != nil {
		t.Fatalf("sip.NewProcessor() error = %v, want nil", err)
	}
	done := serveProcessor(t, p)

	sendPacket(t, raddr, tp.LocalAddr(), []byte("garbage\r\n\r\n"))
	sendPacket(t, raddr, tp.LocalAddr(), sip.Encode(newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr)))
	recvMsg(t, msgs)

	if err := p.Close(); err != nil {
		t.Fatalf("p.Close() error = %v, want nil", err)
	}
	<-done

	const want = `
# HELP sip_transport_messages_dropped_total Total number of dropped inbound messages.
# TYPE sip_transport_messages_dropped_total counter
sip_transport_messages_dropped_total{proto="UDP",reason="parse"} 1
# HELP sip_transport_messages_received_total Total number of parsed inbound messages.
# TYPE sip_transport_messages_received_total counter
sip_transport_messages_received_total{kind="request",proto="UDP"} 1
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(want),
		"sip_transport_messages_dropped_total",
		"sip_transport_messages_received_total",
	)
	if err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}
