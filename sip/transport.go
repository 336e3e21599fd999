package sip

import (
	"context"
	"log/slog"
	"net"
	"net/netip"

	"braces.dev/errtrace"
)

// Transport is a listening point of the stack.
// It sends raw messages to remote addresses and is served by a [Processor] to receive them.
type Transport interface {
	// Proto returns the transport protocol.
	Proto() TransportProto
	// Reliable reports whether the transport delivers messages reliably.
	Reliable() bool
	// Secured reports whether the transport is secured.
	Secured() bool
	// LocalAddr returns the local address of the transport.
	LocalAddr() netip.AddrPort
	// Send writes the data to the remote address.
	Send(ctx context.Context, data []byte, raddr netip.AddrPort) error
	// Close closes the transport.
	Close() error
}

// PacketTransport is a [Transport] that receives whole messages as datagrams.
type PacketTransport interface {
	Transport
	// ReadPacket reads a single datagram into b.
	ReadPacket(b []byte) (n int, raddr netip.AddrPort, err error)
}

// ConnTransport is a [Transport] that receives messages over stream connections.
type ConnTransport interface {
	Transport
	// Accept waits for and returns the next inbound connection.
	Accept() (net.Conn, error)
	// OnConn registers a callback that is called for each connection dialed by the transport.
	OnConn(fn func(conn net.Conn)) (cancel func())
}

// ConnDialer is used to dial connections for stream transports.
type ConnDialer interface {
	// DialConn dials a connection to the remote address.
	DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)
}

// ConnDialerFunc is a [ConnDialer] implementation based on a function.
type ConnDialerFunc func(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error)

func (f ConnDialerFunc) DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
	return errtrace.Wrap2(f(ctx, network, raddr))
}

// NetConnDialer is a connection dialer based on [net.Dialer].
type NetConnDialer struct {
	net.Dialer
}

// DialConn dials a connection to the specified remote address.
func (d *NetConnDialer) DialConn(ctx context.Context, network string, raddr netip.AddrPort) (net.Conn, error) {
	return errtrace.Wrap2(d.DialContext(ctx, network, raddr.String()))
}

var defConnDialer = &NetConnDialer{}

// DefaultConnDialer returns the default connection dialer.
func DefaultConnDialer() *NetConnDialer { return defConnDialer }

// Channel is the path to a remote peer over a transport.
// Inbound messages are handed to the stack with the channel they arrived on,
// responses and retransmissions are written back through it.
type Channel interface {
	// Transport returns the transport of the channel.
	Transport() Transport
	// LocalAddr returns the local address of the transport.
	LocalAddr() netip.AddrPort
	// RemoteAddr returns the address of the remote peer.
	RemoteAddr() netip.AddrPort
	// Reliable reports whether the channel transport is reliable.
	Reliable() bool
	// Send writes the data to the remote peer.
	Send(ctx context.Context, data []byte) error
}

type channel struct {
	tp    Transport
	raddr netip.AddrPort
}

// NewChannel creates a new [Channel] to the remote address over the transport.
func NewChannel(tp Transport, raddr netip.AddrPort) Channel {
	return channel{tp, raddr}
}

func (ch channel) Transport() Transport { return ch.tp }

func (ch channel) LocalAddr() netip.AddrPort { return ch.tp.LocalAddr() }

func (ch channel) RemoteAddr() netip.AddrPort { return ch.raddr }

func (ch channel) Reliable() bool { return ch.tp.Reliable() }

func (ch channel) Send(ctx context.Context, data []byte) error {
	return errtrace.Wrap(ch.tp.Send(ctx, data, ch.raddr))
}

func (ch channel) LogValue() slog.Value {
	if ch.tp == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("proto", ch.tp.Proto()),
		slog.Any("local_addr", ch.tp.LocalAddr()),
		slog.Any("remote_addr", ch.raddr),
	)
}

func transportLogValue(tp Transport) slog.Value {
	return slog.GroupValue(
		slog.Any("proto", tp.Proto()),
		slog.Any("local_addr", tp.LocalAddr()),
	)
}

func netAddrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case *net.TCPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case nil:
		return netip.AddrPort{}
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
}
