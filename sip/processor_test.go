package sip_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipstack/sip"
)

const recvTimeout = 5 * time.Second

// newUDPPair listens on a loopback UDP transport and a plain peer socket.
func newUDPPair(tb testing.TB) (*sip.UDPTransport, net.PacketConn) {
	tb.Helper()

	tp, err := sip.ListenUDP(context.Background(), "127.0.0.1:0", nil)
	if err != nil {
		tb.Fatalf("sip.ListenUDP() error = %v, want nil", err)
	}
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		tp.Close()
		tb.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	tb.Cleanup(func() {
		tp.Close()
		peer.Close()
	})
	return tp, peer
}

// serveProcessor runs the processor until the test ends.
// The returned channel yields the Serve result and is closed after it.
func serveProcessor(tb testing.TB, p *sip.Processor) <-chan error {
	tb.Helper()

	done := make(chan error, 1)
	go func() {
		done <- p.Serve(context.Background())
		close(done)
	}()
	tb.Cleanup(func() {
		p.Close()
		<-done
	})
	return done
}

func sendPacket(tb testing.TB, from net.PacketConn, to netip.AddrPort, data []byte) {
	tb.Helper()

	if _, err := from.WriteTo(data, net.UDPAddrFromAddrPort(to)); err != nil {
		tb.Fatalf("conn.WriteTo() error = %v, want nil", err)
	}
}

func recvMsg[T any](tb testing.TB, ch <-chan T) T {
	tb.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(recvTimeout):
		tb.Fatalf("nothing received after %v", recvTimeout)
		var zero T
		return zero
	}
}

type inbound struct {
	msg sip.Message
	ch  sip.Channel
}

func collectHandler(buf int) (sip.Handler, <-chan inbound) {
	msgs := make(chan inbound, buf)
	return sip.HandlerFunc(func(_ context.Context, msg sip.Message, ch sip.Channel) {
		msgs <- inbound{msg, ch}
	}), msgs
}

func seqReq(tb testing.TB, seq int, sentBy netip.AddrPort) *sip.Request {
	tb.Helper()

	return parseReq(tb,
		"INFO sip:alice@alice.voip.com SIP/2.0",
		fmt.Sprintf("Via: SIP/2.0/UDP %s;branch=%s", sentBy, sip.GenerateBranch()),
		"Max-Forwards: 70",
		"From: <sip:bob@bob.voip.com>;tag=from-1234",
		"To: <sip:alice@alice.voip.com>",
		"Call-ID: call-1234@bob.voip.com",
		fmt.Sprintf("CSeq: %d INFO", seq),
		"Content-Length: 0",
	)
}

type sendOnlyTransport struct {
	sip.Transport
}

func TestNewProcessor(t *testing.T) {
	t.Parallel()

	h, _ := collectHandler(1)
	cases := []struct {
		name    string
		tp      sip.Transport
		h       sip.Handler
		wantErr error
	}{
		{"nil transport", nil, h, sip.ErrInvalidArgument},
		{"unsupported transport", sendOnlyTransport{newStubTransport(sip.ProtoUDP, 5060)}, h, sip.ErrInvalidArgument},
		{"nil handler", newStubTransport(sip.ProtoUDP, 5060), nil, sip.ErrInvalidArgument},
		{"packet transport", newStubTransport(sip.ProtoUDP, 5060), h, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			p, err := sip.NewProcessor(c.tp, c.h, nil)
			if diff := cmp.Diff(err, c.wantErr, cmpopts.EquateErrors()); diff != "" {
				t.Fatalf("sip.NewProcessor() error = %v, want %v\ndiff (-got +want):\n%v", err, c.wantErr, diff)
			}
			if err == nil && p.Transport() != c.tp {
				t.Errorf("p.Transport() = %v, want %v", p.Transport(), c.tp)
			}
		})
	}
}

func TestProcessor_Packets(t *testing.T) {
	t.Parallel()

	tp, peer := newUDPPair(t)
	h, msgs := collectHandler(16)
	p, err := sip.NewProcessor(tp, h, &sip.ProcessorOptions{Workers: 2})
	if err != nil {
		t.Fatalf("sip.NewProcessor() error = %v, want nil", err)
	}
	done := serveProcessor(t, p)

	peerAddr := peer.LocalAddr().(*net.UDPAddr).AddrPort() //nolint:forcetypeassert
	sendPacket(t, peer, tp.LocalAddr(), []byte("not a sip message\r\n\r\n"))
	for i := range 5 {
		sendPacket(t, peer, tp.LocalAddr(), sip.Encode(seqReq(t, i+1, peerAddr)))
	}

	var seqs []uint32
	for range 5 {
		in := recvMsg(t, msgs)
		if got, want := in.ch.RemoteAddr(), peerAddr; got != want {
			t.Errorf("ch.RemoteAddr() = %v, want %v", got, want)
		}
		if got, want := in.ch.Transport(), sip.Transport(tp); got != want {
			t.Errorf("ch.Transport() = %v, want %v", got, want)
		}
		if got, want := in.msg.Transport(), "UDP"; got != want {
			t.Errorf("msg.Transport() = %q, want %q", got, want)
		}
		if got, want := in.msg.Source(), peerAddr.String(); got != want {
			t.Errorf("msg.Source() = %q, want %q", got, want)
		}
		seqs = append(seqs, in.msg.CSeq().SeqNo)
	}
	slices.Sort(seqs)
	if diff := cmp.Diff(seqs, []uint32{1, 2, 3, 4, 5}); diff != "" {
		t.Errorf("received CSeq mismatch\ndiff (-got +want):\n%v", diff)
	}

	err = p.Serve(t.Context())
	if diff := cmp.Diff(err, sip.ErrActionNotAllowed, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("p.Serve() error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrActionNotAllowed, diff)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("p.Close() error = %v, want nil", err)
	}
	if err := recvMsg(t, done); err != nil {
		t.Errorf("p.Serve() error = %v, want nil", err)
	}

	err = tp.Send(t.Context(), []byte("ping"), peerAddr)
	if diff := cmp.Diff(err, sip.ErrTransportClosed, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("tp.Send() error = %v, want %v\ndiff (-got +want):\n%v", err, sip.ErrTransportClosed, diff)
	}
}

func TestProcessor_ContextDone(t *testing.T) {
	t.Parallel()

	tp, _ := newUDPPair(t)
	h, _ := collectHandler(1)
	p, err := sip.NewProcessor(tp, h, &sip.ProcessorOptions{Workers: 1})
	if err != nil {
		t.Fatalf("sip.NewProcessor() error = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()
	cancel()

	if err := recvMsg(t, done); err != nil {
		t.Errorf("p.Serve() error = %v, want nil", err)
	}
}

func TestProcessor_Stream(t *testing.T) {
	t.Parallel()

	tp, err := sip.ListenTCP(t.Context(), "127.0.0.1:0", &sip.StreamTransportOptions{ConnIdleTTL: -1})
	if err != nil {
		t.Fatalf("sip.ListenTCP() error = %v, want nil", err)
	}
	h, msgs := collectHandler(4)
	p, err := sip.NewProcessor(tp, h, nil)
	if err != nil {
		t.Fatalf("sip.NewProcessor() error = %v, want nil", err)
	}
	done := serveProcessor(t, p)

	client, err := net.Dial("tcp", tp.LocalAddr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v, want nil", err)
	}
	defer client.Close()
	clientAddr := client.LocalAddr().(*net.TCPAddr).AddrPort() //nolint:forcetypeassert

	// two messages and a keep-alive in a single write
	var data []byte
	data = append(data, sip.Encode(seqReq(t, 1, clientAddr))...)
	data = append(data, "\r\n\r\n"...)
	data = append(data, sip.Encode(seqReq(t, 2, clientAddr))...)
	if _, err := client.Write(data); err != nil {
		t.Fatalf("client.Write() error = %v, want nil", err)
	}

	first, second := recvMsg(t, msgs), recvMsg(t, msgs)
	if got, want := []uint32{first.msg.CSeq().SeqNo, second.msg.CSeq().SeqNo}, []uint32{1, 2}; !slices.Equal(got, want) {
		t.Errorf("received CSeq = %v, want %v", got, want)
	}
	if got, want := first.ch.RemoteAddr(), clientAddr; got != want {
		t.Errorf("ch.RemoteAddr() = %v, want %v", got, want)
	}
	if got, want := first.msg.Transport(), "TCP"; got != want {
		t.Errorf("msg.Transport() = %q, want %q", got, want)
	}

	// the reply goes back over the accepted connection
	req := first.msg.(*sip.Request) //nolint:forcetypeassert
	if err := first.ch.Send(t.Context(), sip.Encode(newRes(t, req, 200))); err != nil {
		t.Fatalf("ch.Send() error = %v, want nil", err)
	}
	if got, want := tp.Conns(), 1; got != want {
		t.Errorf("tp.Conns() = %d, want %d", got, want)
	}

	client.SetReadDeadline(time.Now().Add(recvTimeout)) //nolint:errcheck
	for msg, err := range sip.ParseStream(client).Messages() {
		if err != nil {
			t.Fatalf("read response error = %v, want nil", err)
		}
		res, ok := msg.(*sip.Response)
		if !ok || res.StatusCode != 200 {
			t.Errorf("read message = %v, want 200 response", msg)
		}
		break
	}

	if err := p.Close(); err != nil {
		t.Fatalf("p.Close() error = %v, want nil", err)
	}
	if err := recvMsg(t, done); err != nil {
		t.Errorf("p.Serve() error = %v, want nil", err)
	}
}

func TestProcessor_StreamMalformed(t *testing.T) {
	t.Parallel()

	tp, err := sip.ListenTCP(t.Context(), "127.0.0.1:0", &sip.StreamTransportOptions{ConnIdleTTL: -1})
	if err != nil {
		t.Fatalf("sip.ListenTCP() error = %v, want nil", err)
	}
	h, msgs := collectHandler(1)
	p, err := sip.NewProcessor(tp, h, nil)
	if err != nil {
		t.Fatalf("sip.NewProcessor() error = %v, want nil", err)
	}
	serveProcessor(t, p)

	client, err := net.Dial("tcp", tp.LocalAddr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v, want nil", err)
	}
	defer client.Close()

	// no Content-Length on a stream, the connection is dropped
	if _, err := client.Write([]byte("OPTIONS sip:alice@alice.voip.com SIP/2.0\r\nCSeq: 1 OPTIONS\r\n\r\n")); err != nil {
		t.Fatalf("client.Write() error = %v, want nil", err)
	}

	client.SetReadDeadline(time.Now().Add(recvTimeout)) //nolint:errcheck
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("client.Read() error = nil, want closed connection")
	}
	select {
	case in := <-msgs:
		t.Errorf("unexpected message %v", in.msg)
	default:
	}
}
