package sip

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/log"
)

// UDPTransportOptions are options of the [UDPTransport].
type UDPTransportOptions struct {
	// WriteTimeout limits a single datagram write when the context has no deadline.
	// If zero, writes have no deadline.
	WriteTimeout time.Duration
	// Log is the logger used by the transport.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *UDPTransportOptions) writeTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.WriteTimeout
}

func (o *UDPTransportOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// UDPTransport is a [PacketTransport] over a [net.PacketConn].
// It is fire-and-forget: one datagram carries one message and sends never wait for the peer.
type UDPTransport struct {
	conn     net.PacketConn
	laddr    netip.AddrPort
	writeTmt time.Duration
	log      *slog.Logger
	closed   atomic.Bool
}

// NewUDPTransport creates a new UDP transport over the packet connection.
func NewUDPTransport(conn net.PacketConn, opts *UDPTransportOptions) (*UDPTransport, error) {
	if conn == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid connection"))
	}

	tp := &UDPTransport{
		laddr:    netAddrPort(conn.LocalAddr()),
		writeTmt: opts.writeTimeout(),
	}
	tp.log = opts.log().With("transport", tp)
	tp.conn = newCloseOncePacketConn(newLogPacketConn(conn, tp.log))
	return tp, nil
}

// ListenUDP listens on the local address and creates a new UDP transport.
func ListenUDP(ctx context.Context, addr string, opts *UDPTransportOptions) (*UDPTransport, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, err := NewUDPTransport(conn, opts)
	if err != nil {
		conn.Close()
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

func (*UDPTransport) Proto() TransportProto { return ProtoUDP }

func (*UDPTransport) Reliable() bool { return false }

func (*UDPTransport) Secured() bool { return false }

func (tp *UDPTransport) LocalAddr() netip.AddrPort { return tp.laddr }

// Send writes the data to the remote address as a single datagram.
// The context deadline is used as the write deadline.
func (tp *UDPTransport) Send(ctx context.Context, data []byte, raddr netip.AddrPort) error {
	if tp.closed.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	if !raddr.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError("invalid remote address"))
	}
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}

	var dl time.Time
	if tp.writeTmt > 0 {
		dl = time.Now().Add(tp.writeTmt)
	}
	if d, ok := ctx.Deadline(); ok && (dl.IsZero() || d.Before(dl)) {
		dl = d
	}
	if !dl.IsZero() {
		if err := tp.conn.SetWriteDeadline(dl); err != nil {
			return errtrace.Wrap(tp.wrapErr(err))
		}
		defer tp.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := tp.conn.WriteTo(data, net.UDPAddrFromAddrPort(raddr)); err != nil {
		return errtrace.Wrap(tp.wrapErr(err))
	}
	return nil
}

// ReadPacket reads a single datagram into b.
func (tp *UDPTransport) ReadPacket(b []byte) (int, netip.AddrPort, error) {
	n, addr, err := tp.conn.ReadFrom(b)
	if err != nil {
		return n, netip.AddrPort{}, errtrace.Wrap(tp.wrapErr(err))
	}
	return n, netAddrPort(addr), nil
}

// Close closes the underlying connection.
func (tp *UDPTransport) Close() error {
	if !tp.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := tp.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errtrace.Wrap(err)
	}
	return nil
}

func (tp *UDPTransport) wrapErr(err error) error {
	if tp.closed.Load() || errorutil.IsClosedErr(err) {
		return errtrace.Wrap(errorutil.Join(ErrTransportClosed, err))
	}
	return err
}

// LogValue implements [slog.LogValuer].
func (tp *UDPTransport) LogValue() slog.Value {
	if tp == nil {
		return slog.Value{}
	}
	return transportLogValue(tp)
}
