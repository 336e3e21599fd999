package sip_test

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/sip"
)

var (
	locAddr = netip.MustParseAddrPort("127.0.0.1:5060")
	rmtAddr = netip.MustParseAddrPort("127.0.0.2:5060")
)

func parseReq(tb testing.TB, lines ...string) *sip.Request {
	tb.Helper()

	msg, err := sip.ParsePacket([]byte(strings.Join(lines, "\r\n") + "\r\n\r\n"))
	if err != nil {
		tb.Fatalf("failed to parse request: %v", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		tb.Fatalf("parsed message is %T, want *sip.Request", msg)
	}
	return req
}

// newReq builds a request as it is sent by the peer at the sent-by address.
func newReq(
	tb testing.TB,
	method sip.RequestMethod,
	proto sip.TransportProto,
	branch string,
	sentBy netip.AddrPort,
) *sip.Request {
	tb.Helper()

	if branch == "" {
		branch = sip.MagicCookie + ".stub-branch"
	}
	return parseReq(tb,
		fmt.Sprintf("%s sip:alice@alice.voip.com SIP/2.0", method),
		fmt.Sprintf("Via: SIP/2.0/%s %s;branch=%s", proto, sentBy, branch),
		"Max-Forwards: 70",
		"From: <sip:bob@bob.voip.com>;tag=from-1234",
		"To: <sip:alice@alice.voip.com>",
		"Call-ID: call-1234@bob.voip.com",
		fmt.Sprintf("CSeq: 1 %s", method),
		fmt.Sprintf("Contact: <sip:bob@%s>", sentBy),
		"Content-Length: 0",
	)
}

func newInviteReq(tb testing.TB, proto sip.TransportProto, branch string, sentBy netip.AddrPort) *sip.Request {
	tb.Helper()
	return newReq(tb, sip.INVITE, proto, branch, sentBy)
}

func newNonInviteReq(tb testing.TB, proto sip.TransportProto, branch string, sentBy netip.AddrPort) *sip.Request {
	tb.Helper()
	return newReq(tb, sip.INFO, proto, branch, sentBy)
}

var reasons = map[sip.StatusCode]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	408: "Request Timeout",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	500: "Server Internal Error",
}

// newRes builds the response on the request with the fixed To tag.
func newRes(tb testing.TB, req *sip.Request, code sip.StatusCode) *sip.Response {
	tb.Helper()
	return newResTag(tb, req, code, "to-1234")
}

func newResTag(tb testing.TB, req *sip.Request, code sip.StatusCode, toTag string) *sip.Response {
	tb.Helper()

	reason, ok := reasons[code]
	if !ok {
		reason = "Status"
	}
	res := sip.NewResponse(req, code, reason, toTag)
	if code > 100 && code < 300 && res.GetHeader("Contact") == nil {
		res.AppendHeader(sipmsg.NewHeader("Contact", "<sip:alice@"+rmtAddr.String()+">"))
	}
	return res
}

// newAckReq builds the ACK on the response as the peer sends it.
// The ACK on 2xx gets its own branch.
func newAckReq(tb testing.TB, inv *sip.Request, res *sip.Response) *sip.Request {
	tb.Helper()

	ack := copyReq(tb, inv)
	ack.Method = sip.ACK
	ack.CSeq().MethodName = sip.ACK
	if sip.IsSuccessful(res) {
		via := ack.Via()
		branch, _ := via.Params.Get("branch")
		via.Params.Add("branch", branch+".ack")
	}
	if tag, ok := res.To().Params.Get("tag"); ok {
		to := ack.To()
		if to.Params == nil {
			to.Params = sipmsg.NewParams()
		}
		to.Params.Add("tag", tag)
	}
	return ack
}

// copyReq returns a deep copy of the request made by parsing its wire form.
func copyReq(tb testing.TB, req *sip.Request) *sip.Request {
	tb.Helper()

	msg, err := sip.ParsePacket(sip.Encode(req))
	if err != nil {
		tb.Fatalf("failed to copy request: %v", err)
	}
	return msg.(*sip.Request) //nolint:forcetypeassert
}

func toTag(msg interface{ To() *sipmsg.ToHeader }) string {
	to := msg.To()
	if to == nil || to.Params == nil {
		return ""
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

func newTestClock() *timeutil.ManualClock {
	return timeutil.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

// recordStates records state changes of the transaction.
func recordStates(tx sip.Transaction) *[]sip.TransactionState {
	var states []sip.TransactionState
	tx.OnStateChanged(func(_ context.Context, _ sip.Transaction, _, to sip.TransactionState) {
		states = append(states, to)
	})
	return &states
}

// recordErrors records errors of the transaction.
func recordErrors(tx sip.Transaction) *[]error {
	var errs []error
	tx.OnError(func(_ context.Context, _ sip.Transaction, err error) {
		errs = append(errs, err)
	})
	return &errs
}

func TestClientTransactionKeyFromMessage(t *testing.T) {
	t.Parallel()

	inv := newInviteReq(t, sip.ProtoUDP, "z9hG4bK.abc", rmtAddr)
	ack := newAckReq(t, inv, newRes(t, inv, 486))
	noBranch := newInviteReq(t, sip.ProtoUDP, "", rmtAddr)
	noBranch.Via().Params.Add("branch", "")

	cases := []struct {
		name    string
		msg     sip.Message
		want    sip.ClientTransactionKey
		wantErr error
	}{
		{"invite", inv, sip.ClientTransactionKey{Branch: "z9hG4bK.abc", Method: sip.INVITE}, nil},
		{"response", newRes(t, inv, 180), sip.ClientTransactionKey{Branch: "z9hG4bK.abc", Method: sip.INVITE}, nil},
		{"ack on non-2xx", ack, sip.ClientTransactionKey{Branch: "z9hG4bK.abc", Method: sip.INVITE}, nil},
		{
			"non-invite",
			newNonInviteReq(t, sip.ProtoUDP, "z9hG4bK.abc", rmtAddr),
			sip.ClientTransactionKey{Branch: "z9hG4bK.abc", Method: sip.INFO},
			nil,
		},
		{"no branch", noBranch, sip.ClientTransactionKey{}, sip.ErrInvalidMessage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := sip.ClientTransactionKeyFromMessage(c.msg)
			if diff := cmp.Diff(err, c.wantErr, cmpopts.EquateErrors()); diff != "" {
				t.Errorf("ClientTransactionKeyFromMessage() error = %v, want %v\ndiff (-got +want):\n%v", err, c.wantErr, diff)
			}
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("ClientTransactionKeyFromMessage() = %+v, want %+v\ndiff (-got +want):\n%v", got, c.want, diff)
			}
		})
	}
}

func TestServerTransactionKeyFromRequest(t *testing.T) {
	t.Parallel()

	inv := newInviteReq(t, sip.ProtoUDP, "z9hG4bK.abc", rmtAddr)
	rfc2543 := newInviteReq(t, sip.ProtoUDP, "1234", rmtAddr)
	defPort := newInviteReq(t, sip.ProtoUDP, "z9hG4bK.abc", rmtAddr)
	defPort.Via().Port = 0
	defPort.Via().Host = "Bob.VOIP.com"
	noCSeq := newInviteReq(t, sip.ProtoUDP, "z9hG4bK.abc", rmtAddr)
	noCSeq.RemoveHeader("CSeq")

	cases := []struct {
		name    string
		req     *sip.Request
		want    sip.ServerTransactionKey
		wantErr error
	}{
		{
			"rfc 3261",
			inv,
			sip.ServerTransactionKey{Branch: "z9hG4bK.abc", SentBy: "127.0.0.2:5060", Method: sip.INVITE},
			nil,
		},
		{
			"ack on non-2xx",
			newAckReq(t, inv, newRes(t, inv, 486)),
			sip.ServerTransactionKey{Branch: "z9hG4bK.abc", SentBy: "127.0.0.2:5060", Method: sip.INVITE},
			nil,
		},
		{
			"rfc 2543",
			rfc2543,
			sip.ServerTransactionKey{
				SentBy:  "127.0.0.2:5060",
				Method:  sip.INVITE,
				CallID:  "call-1234@bob.voip.com",
				FromTag: "from-1234",
				CSeqNum: 1,
			},
			nil,
		},
		{
			"default port",
			defPort,
			sip.ServerTransactionKey{Branch: "z9hG4bK.abc", SentBy: "bob.voip.com:5060", Method: sip.INVITE},
			nil,
		},
		{"no cseq", noCSeq, sip.ServerTransactionKey{}, sip.ErrInvalidMessage},
		{"nil", nil, sip.ServerTransactionKey{}, sip.ErrInvalidArgument},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := sip.ServerTransactionKeyFromRequest(c.req)
			if diff := cmp.Diff(err, c.wantErr, cmpopts.EquateErrors()); diff != "" {
				t.Errorf("ServerTransactionKeyFromRequest() error = %v, want %v\ndiff (-got +want):\n%v", err, c.wantErr, diff)
			}
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("ServerTransactionKeyFromRequest() = %+v, want %+v\ndiff (-got +want):\n%v", got, c.want, diff)
			}
		})
	}

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()

		invKey, _ := sip.ServerTransactionKeyFromRequest(inv)
		cancelKey, err := sip.ServerTransactionKeyFromRequest(sip.NewCancel(inv))
		if err != nil {
			t.Fatalf("ServerTransactionKeyFromRequest() error = %v, want nil", err)
		}
		if cancelKey == invKey {
			t.Fatal("CANCEL key equals to INVITE key")
		}
		if diff := cmp.Diff(cancelKey.WithMethod(sip.INVITE), invKey); diff != "" {
			t.Errorf("cancelKey.WithMethod(INVITE) = %+v, want %+v\ndiff (-got +want):\n%v", cancelKey, invKey, diff)
		}
	})
}

func TestNewClientTransaction(t *testing.T) {
	t.Parallel()

	ch := sip.NewChannel(newStubTransport(sip.ProtoUDP, 5060), rmtAddr)

	tx, err := sip.NewClientTransaction(newInviteReq(t, sip.ProtoUDP, "", locAddr), ch, nil)
	if err != nil {
		t.Fatalf("NewClientTransaction(INVITE) error = %v, want nil", err)
	}
	if got, want := tx.Type(), sip.TransactionTypeClientInvite; got != want {
		t.Errorf("tx.Type() = %q, want %q", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateCalling; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}

	tx, err = sip.NewClientTransaction(newNonInviteReq(t, sip.ProtoUDP, "", locAddr), ch, nil)
	if err != nil {
		t.Fatalf("NewClientTransaction(INFO) error = %v, want nil", err)
	}
	if got, want := tx.Type(), sip.TransactionTypeClientNonInvite; got != want {
		t.Errorf("tx.Type() = %q, want %q", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}

	inv := newInviteReq(t, sip.ProtoUDP, "", locAddr)
	if _, err := sip.NewClientTransaction(newAckReq(t, inv, newRes(t, inv, 200)), ch, nil); err == nil {
		t.Error("NewClientTransaction(ACK) error = nil, want error")
	}
	if _, err := sip.NewClientTransaction(inv, nil, nil); err == nil {
		t.Error("NewClientTransaction(nil channel) error = nil, want error")
	}
	if _, err := sip.NewClientTransaction(nil, ch, nil); err == nil {
		t.Error("NewClientTransaction(nil) error = nil, want error")
	}
}

func TestNewServerTransaction(t *testing.T) {
	t.Parallel()

	ch := sip.NewChannel(newStubTransport(sip.ProtoUDP, 5060), rmtAddr)

	tx, err := sip.NewServerTransaction(newInviteReq(t, sip.ProtoUDP, "", rmtAddr), ch, nil)
	if err != nil {
		t.Fatalf("NewServerTransaction(INVITE) error = %v, want nil", err)
	}
	invTx := tx
	t.Cleanup(func() { invTx.Terminate(context.Background()) }) //nolint:errcheck
	if got, want := tx.Type(), sip.TransactionTypeServerInvite; got != want {
		t.Errorf("tx.Type() = %q, want %q", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}

	tx, err = sip.NewServerTransaction(newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr), ch, nil)
	if err != nil {
		t.Fatalf("NewServerTransaction(INFO) error = %v, want nil", err)
	}
	if got, want := tx.Type(), sip.TransactionTypeServerNonInvite; got != want {
		t.Errorf("tx.Type() = %q, want %q", got, want)
	}
	if got, want := tx.State(), sip.TransactionStateTrying; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}

	badCSeq := newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr)
	badCSeq.CSeq().MethodName = sip.OPTIONS
	_, err = sip.NewServerTransaction(badCSeq, ch, nil)
	if diff := cmp.Diff(err, sip.ErrInvalidMessage, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("NewServerTransaction() error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrInvalidMessage, diff)
	}
}
