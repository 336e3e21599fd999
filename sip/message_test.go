package sip_test

import (
	"strings"
	"testing"

	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipstack/sip"
)

func TestGenerateBranch(t *testing.T) {
	t.Parallel()

	b1, b2 := sip.GenerateBranch(), sip.GenerateBranch()
	if !sip.IsRFC3261Branch(b1) {
		t.Errorf("sip.IsRFC3261Branch(%q) = false, want true", b1)
	}
	if b1 == b2 {
		t.Errorf("sip.GenerateBranch() returned %q twice", b1)
	}

	for _, branch := range []string{"", sip.MagicCookie, "1234", "z9hg4bk.1234"} {
		if sip.IsRFC3261Branch(branch) {
			t.Errorf("sip.IsRFC3261Branch(%q) = true, want false", branch)
		}
	}
}

func TestGenerateTag(t *testing.T) {
	t.Parallel()

	tag := sip.GenerateTag()
	if got, want := len(tag), 16; got != want {
		t.Errorf("len(sip.GenerateTag()) = %d, want %d", got, want)
	}
	if tag == sip.GenerateTag() {
		t.Errorf("sip.GenerateTag() returned %q twice", tag)
	}
	if sip.GenerateCallID() == sip.GenerateCallID() {
		t.Error("sip.GenerateCallID() returned the same value twice")
	}
}

func TestNewResponse(t *testing.T) {
	t.Parallel()

	req := newInviteReq(t, sip.ProtoUDP, "", rmtAddr)

	cases := []struct {
		name    string
		code    sip.StatusCode
		tag     string
		wantTag string
	}{
		{"trying has no tag", 100, "tag-1", ""},
		{"ringing with tag", 180, "tag-1", "tag-1"},
		{"final with tag", 486, "tag-2", "tag-2"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			res := sip.NewResponse(req, c.code, "Reason", c.tag)
			if got := toTag(res); got != c.wantTag {
				t.Errorf("response To tag = %q, want %q", got, c.wantTag)
			}
			if got, want := res.CallID().Value(), req.CallID().Value(); got != want {
				t.Errorf("res.CallID() = %q, want %q", got, want)
			}
			if got, want := res.Via().Value(), req.Via().Value(); got != want {
				t.Errorf("res.Via() = %q, want %q", got, want)
			}
		})
	}

	t.Run("generated tag", func(t *testing.T) {
		t.Parallel()

		if tag := toTag(sip.NewResponse(req, 200, "OK", "")); tag == "" {
			t.Error("response To tag is empty, want generated")
		}
	})

	t.Run("request tag kept", func(t *testing.T) {
		t.Parallel()

		inDialog := newInDialogReq(t, sip.INFO, 2)
		if got, want := toTag(sip.NewResponse(inDialog, 200, "OK", "other")), "to-1234"; got != want {
			t.Errorf("response To tag = %q, want %q", got, want)
		}
	})
}

func TestNewCancel(t *testing.T) {
	t.Parallel()

	inv := newInviteReq(t, sip.ProtoUDP, "z9hG4bK.cancel-me", rmtAddr)
	inv.AppendHeader(sipmsg.NewHeader("Route", "<sip:proxy.voip.com;lr>"))

	cancel := sip.NewCancel(inv)
	if got, want := cancel.Method, sip.CANCEL; got != want {
		t.Errorf("cancel.Method = %q, want %q", got, want)
	}
	if got, want := cancel.Recipient.String(), inv.Recipient.String(); got != want {
		t.Errorf("cancel.Recipient = %q, want %q", got, want)
	}
	if got, want := cancel.Via().Value(), inv.Via().Value(); got != want {
		t.Errorf("cancel Via = %q, want %q", got, want)
	}
	if got, want := cancel.CSeq().Value(), "1 CANCEL"; got != want {
		t.Errorf("cancel CSeq = %q, want %q", got, want)
	}
	if got := cancel.GetHeader("Route"); got == nil || got.Value() != "<sip:proxy.voip.com;lr>" {
		t.Errorf("cancel Route = %v, want <sip:proxy.voip.com;lr>", got)
	}
	for _, name := range []string{"From", "To", "Call-ID"} {
		if got, want := cancel.GetHeader(name).Value(), inv.GetHeader(name).Value(); got != want {
			t.Errorf("cancel %s = %q, want %q", name, got, want)
		}
	}
	if err := sip.ValidateRequest(cancel); err != nil {
		t.Errorf("sip.ValidateRequest(cancel) error = %v, want nil", err)
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(req *sip.Request)
		wantErr error
	}{
		{"valid", func(*sip.Request) {}, nil},
		{
			"missing headers",
			func(req *sip.Request) {
				req.RemoveHeader("Via")
				req.RemoveHeader("Call-ID")
			},
			sip.ErrInvalidMessage,
		},
		{
			"method mismatch",
			func(req *sip.Request) { req.CSeq().MethodName = sip.OPTIONS },
			sip.ErrInvalidMessage,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			req := newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr)
			c.mutate(req)
			err := sip.ValidateRequest(req)
			if diff := cmp.Diff(err, c.wantErr, cmpopts.EquateErrors()); diff != "" {
				t.Errorf("sip.ValidateRequest() error = %v, want %v\ndiff (-got +want):\n%v", err, c.wantErr, diff)
			}
		})
	}

	err := sip.ValidateRequest(nil)
	if diff := cmp.Diff(err, sip.ErrInvalidArgument, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("sip.ValidateRequest(nil) error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrInvalidArgument, diff)
	}
}

func TestValidateResponse(t *testing.T) {
	t.Parallel()

	req := newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr)
	if err := sip.ValidateResponse(newRes(t, req, 200)); err != nil {
		t.Errorf("sip.ValidateResponse() error = %v, want nil", err)
	}

	res := newRes(t, req, 200)
	res.RemoveHeader("Call-ID")
	err := sip.ValidateResponse(res)
	if diff := cmp.Diff(err, sip.ErrInvalidMessage, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("sip.ValidateResponse() error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrInvalidMessage, diff)
	}
	if err != nil && !strings.Contains(err.Error(), "Call-ID") {
		t.Errorf("sip.ValidateResponse() error = %q, want it to name Call-ID", err)
	}

	res = newRes(t, req, 200)
	res.StatusCode = 700
	err = sip.ValidateResponse(res)
	if diff := cmp.Diff(err, sip.ErrInvalidMessage, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("sip.ValidateResponse() error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrInvalidMessage, diff)
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	req := parseReq(t,
		"MESSAGE sip:alice@alice.voip.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=z9hG4bK.1",
		"From: <sip:bob@bob.voip.com>;tag=1",
		"To: <sip:alice@alice.voip.com>",
		"Call-ID: 1",
		"CSeq: 1 MESSAGE",
	)
	req.SetBody([]byte("hello"))
	req.RemoveHeader("Content-Length")

	data := sip.Encode(req)
	msg, err := sip.ParsePacket(data)
	if err != nil {
		t.Fatalf("sip.ParsePacket() error = %v, want nil", err)
	}
	if got, want := string(msg.Body()), "hello"; got != want {
		t.Errorf("msg.Body() = %q, want %q", got, want)
	}
	if cl := msg.ContentLength(); cl == nil || cl.Value() != "5" {
		t.Errorf("Content-Length = %v, want 5", cl)
	}
}

func TestStatusClasses(t *testing.T) {
	t.Parallel()

	req := newNonInviteReq(t, sip.ProtoUDP, "", rmtAddr)
	cases := []struct {
		code                   sip.StatusCode
		prov, success, isFinal bool
	}{
		{100, true, false, false},
		{183, true, false, false},
		{200, false, true, true},
		{302, false, false, true},
		{603, false, false, true},
	}
	for _, c := range cases {
		res := newRes(t, req, c.code)
		got := [3]bool{sip.IsProvisional(res), sip.IsSuccessful(res), sip.IsFinal(res)}
		if want := [3]bool{c.prov, c.success, c.isFinal}; got != want {
			t.Errorf("status %d classes = %v, want %v", c.code, got, want)
		}
	}
}
