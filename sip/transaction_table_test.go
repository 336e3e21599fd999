package sip_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipstack/sip"
)

func TestTransactionTable(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	tbl := sip.NewTransactionTable(&sip.TransactionTableOptions{Clock: clock, MaxLifetime: -1})
	ch := sip.NewChannel(newStubTransport(sip.ProtoUDP, 5060), rmtAddr)

	clnTx, err := sip.NewNonInviteClientTransaction(
		newNonInviteReq(t, sip.ProtoUDP, "", locAddr), ch, &sip.ClientTransactionOptions{Clock: clock})
	if err != nil {
		t.Fatalf("sip.NewNonInviteClientTransaction() error = %v, want nil", err)
	}
	srvTx, err := sip.NewNonInviteServerTransaction(
		newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr), ch, &sip.ServerTransactionOptions{Clock: clock})
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}

	if err := tbl.InsertClient(clnTx); err != nil {
		t.Fatalf("tbl.InsertClient() error = %v, want nil", err)
	}
	if err := tbl.InsertServer(srvTx); err != nil {
		t.Fatalf("tbl.InsertServer() error = %v, want nil", err)
	}
	// repeated insert of the same transaction is a no-op
	if err := tbl.InsertServer(srvTx); err != nil {
		t.Fatalf("tbl.InsertServer() error = %v, want nil", err)
	}
	if got, want := tbl.Len(), 2; got != want {
		t.Errorf("tbl.Len() = %d, want %d", got, want)
	}

	if got, ok := tbl.LookupClient(clnTx.Key()); !ok || got != clnTx {
		t.Errorf("tbl.LookupClient() = %v, %v, want %v, true", got, ok, clnTx)
	}
	if got, ok := tbl.LookupServer(srvTx.Key()); !ok || got != srvTx {
		t.Errorf("tbl.LookupServer() = %v, %v, want %v, true", got, ok, srvTx)
	}

	dup, err := sip.NewNonInviteServerTransaction(
		newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr), ch, &sip.ServerTransactionOptions{Clock: clock})
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	err = tbl.InsertServer(dup)
	if diff := cmp.Diff(err, sip.ErrTransactionExists, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("tbl.InsertServer(duplicate) error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrTransactionExists, diff)
	}
	// removal of the foreign transaction keeps the stored one
	if tbl.RemoveServer(dup) {
		t.Error("tbl.RemoveServer(duplicate) = true, want false")
	}
	if _, ok := tbl.LookupServer(srvTx.Key()); !ok {
		t.Error("tbl.LookupServer() = false, want true")
	}

	// terminated transactions leave the table
	if err := srvTx.Respond(t.Context(), newRes(t, srvTx.Request(), 200)); err != nil {
		t.Fatalf("srvTx.Respond() error = %v, want nil", err)
	}
	clock.Advance(64 * sip.T1)
	if _, ok := tbl.LookupServer(srvTx.Key()); ok {
		t.Error("tbl.LookupServer() = true after termination, want false")
	}

	var all []sip.Transaction
	for tx := range tbl.All() {
		all = append(all, tx)
	}
	if diff := cmp.Diff(all, []sip.Transaction{clnTx}, cmp.Comparer(func(a, b sip.Transaction) bool { return a == b })); diff != "" {
		t.Errorf("tbl.All() mismatch\ndiff (-got +want):\n%v", diff)
	}

	if err := tbl.Close(t.Context()); err != nil {
		t.Fatalf("tbl.Close() error = %v, want nil", err)
	}
	if got, want := clnTx.State(), sip.TransactionStateTerminated; got != want {
		t.Errorf("clnTx.State() = %q, want %q", got, want)
	}
	if got := tbl.Len(); got != 0 {
		t.Errorf("tbl.Len() = %d, want 0", got)
	}
}

func TestTransactionTable_InsertTerminated(t *testing.T) {
	t.Parallel()

	tbl := sip.NewTransactionTable(&sip.TransactionTableOptions{MaxLifetime: -1})
	ch := sip.NewChannel(newStubTransport(sip.ProtoUDP, 5060), rmtAddr)

	tx, err := sip.NewNonInviteServerTransaction(newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr), ch, nil)
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	if err := tx.Terminate(t.Context()); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	if err := tbl.InsertServer(tx); err != nil {
		t.Fatalf("tbl.InsertServer() error = %v, want nil", err)
	}
	if got := tbl.Len(); got != 0 {
		t.Errorf("tbl.Len() = %d, want 0", got)
	}

	if err := tbl.InsertServer(nil); err == nil {
		t.Error("tbl.InsertServer(nil) error = nil, want error")
	}
}

func TestTransactionTable_Sweep(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	tbl := sip.NewTransactionTable(&sip.TransactionTableOptions{Clock: clock, MaxLifetime: time.Minute})
	t.Cleanup(func() { tbl.Close(context.Background()) }) //nolint:errcheck

	ch := sip.NewChannel(newStubTransport(sip.ProtoUDP, 5060), rmtAddr)
	tx, err := sip.NewNonInviteServerTransaction(
		newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr), ch, &sip.ServerTransactionOptions{Clock: clock})
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	if err := tbl.InsertServer(tx); err != nil {
		t.Fatalf("tbl.InsertServer() error = %v, want nil", err)
	}

	// the sweeper runs every quarter of the lifetime
	clock.Advance(45 * time.Second)
	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	clock.Advance(15 * time.Second)
	if got, want := tx.State(), sip.TransactionStateTerminated; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	if got := tbl.Len(); got != 0 {
		t.Errorf("tbl.Len() = %d, want 0", got)
	}
}
