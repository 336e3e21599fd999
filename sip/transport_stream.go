package sip

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"golang.org/x/sync/semaphore"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/syncutil"
	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/internal/types"
	"github.com/ghettovoice/sipstack/log"
)

// Stream transport defaults.
const (
	// ConnLockTimeout is the default wait for a peer connection used by another sender.
	ConnLockTimeout = 10 * time.Second
	// ConnIdleTTL is the default idle time after which a connection is closed.
	ConnIdleTTL = 5 * time.Minute
	// ConnWriteTimeout is the default deadline of a single chunk write.
	ConnWriteTimeout = 10 * time.Second
)

// StreamTransportOptions are options of the [StreamTransport].
type StreamTransportOptions struct {
	// ConnDialer is used to dial outbound connections.
	// If nil, the [DefaultConnDialer] is used.
	ConnDialer ConnDialer
	// TLSConfig turns the transport into TLS one.
	// It is used for the listener and to wrap dialed connections.
	TLSConfig *tls.Config
	// ConnIdleTTL closes connections idle longer than this value.
	// If zero, [ConnIdleTTL] is used. Negative value keeps idle connections open.
	ConnIdleTTL time.Duration
	// ConnLockTimeout bounds the wait for a peer connection used by another sender.
	// If zero, [ConnLockTimeout] is used.
	ConnLockTimeout time.Duration
	// WriteChunkSize is the size of a single write.
	// If zero, [WriteChunkSize] is used.
	WriteChunkSize int
	// WriteTimeout is the deadline of a single chunk write.
	// If zero, [ConnWriteTimeout] is used.
	WriteTimeout time.Duration
	// DisableConnCache makes each send to dial a new connection that is closed after the write.
	// Such connections are not read, the peer answers on its own connections.
	DisableConnCache bool
	// Clock is used for connection idle timers.
	// If nil, the system clock is used.
	Clock timeutil.Clock
	// Log is the logger used by the transport.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *StreamTransportOptions) dialer() ConnDialer {
	if o == nil || o.ConnDialer == nil {
		return DefaultConnDialer()
	}
	return o.ConnDialer
}

func (o *StreamTransportOptions) tlsConfig() *tls.Config {
	if o == nil {
		return nil
	}
	return o.TLSConfig
}

func (o *StreamTransportOptions) idleTTL() time.Duration {
	if o == nil || o.ConnIdleTTL == 0 {
		return ConnIdleTTL
	}
	return o.ConnIdleTTL
}

func (o *StreamTransportOptions) lockTimeout() time.Duration {
	if o == nil || o.ConnLockTimeout <= 0 {
		return ConnLockTimeout
	}
	return o.ConnLockTimeout
}

func (o *StreamTransportOptions) chunkSize() int {
	if o == nil || o.WriteChunkSize <= 0 {
		return WriteChunkSize
	}
	return o.WriteChunkSize
}

func (o *StreamTransportOptions) writeTimeout() time.Duration {
	if o == nil || o.WriteTimeout <= 0 {
		return ConnWriteTimeout
	}
	return o.WriteTimeout
}

func (o *StreamTransportOptions) noCache() bool {
	return o != nil && o.DisableConnCache
}

func (o *StreamTransportOptions) clock() timeutil.Clock {
	if o == nil || o.Clock == nil {
		return timeutil.SystemClock()
	}
	return o.Clock
}

func (o *StreamTransportOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// StreamTransport is a [ConnTransport] over TCP or TLS.
//
// Connections are cached by the remote address, both accepted and dialed.
// Senders to the same peer are serialized, a sender waits for the peer connection
// no longer than ConnLockTimeout and fails with [ErrConnCacheBusy] after.
// A failed write evicts the connection, the message is retried once over a new one.
type StreamTransport struct {
	proto    TransportProto
	ls       net.Listener
	laddr    netip.AddrPort
	dialer   ConnDialer
	tlsCfg   *tls.Config
	idleTTL  time.Duration
	lockTmt  time.Duration
	chunk    int
	writeTmt time.Duration
	noCache  bool
	clock    timeutil.Clock
	log      *slog.Logger

	conns  *syncutil.ShardMap[netip.AddrPort, *trackedConn]
	locks  *syncutil.ShardMap[netip.AddrPort, *semaphore.Weighted]
	onConn types.CallbackManager[func(conn net.Conn)]
	closed atomic.Bool
}

// NewStreamTransport creates a new stream transport over the listener.
// The TLS listener is expected when the options have TLSConfig.
func NewStreamTransport(proto TransportProto, ls net.Listener, opts *StreamTransportOptions) (*StreamTransport, error) {
	if ls == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid listener"))
	}
	if !proto.Reliable() || !proto.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(fmt.Sprintf("invalid stream protocol %q", proto)))
	}
	if proto.Secured() && opts.tlsConfig() == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("TLS config is required"))
	}

	tp := &StreamTransport{
		proto:    proto.ToUpper(),
		laddr:    netAddrPort(ls.Addr()),
		dialer:   opts.dialer(),
		tlsCfg:   opts.tlsConfig(),
		idleTTL:  opts.idleTTL(),
		lockTmt:  opts.lockTimeout(),
		chunk:    opts.chunkSize(),
		writeTmt: opts.writeTimeout(),
		noCache:  opts.noCache(),
		clock:    opts.clock(),
		conns:    syncutil.NewShardMap[netip.AddrPort, *trackedConn](),
		locks:    syncutil.NewShardMap[netip.AddrPort, *semaphore.Weighted](),
	}
	tp.log = opts.log().With("transport", tp)
	tp.ls = newCloseOnceListener(newLogListener(ls, tp.log))
	return tp, nil
}

// ListenTCP listens on the local address and creates a new TCP transport.
func ListenTCP(ctx context.Context, addr string, opts *StreamTransportOptions) (*StreamTransport, error) {
	var lc net.ListenConfig
	ls, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, err := NewStreamTransport(ProtoTCP, ls, opts)
	if err != nil {
		ls.Close()
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

// ListenTLS listens on the local address and creates a new TLS transport.
// The options must have TLSConfig with the server certificate.
func ListenTLS(ctx context.Context, addr string, opts *StreamTransportOptions) (*StreamTransport, error) {
	cfg := opts.tlsConfig()
	if cfg == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("TLS config is required"))
	}

	var lc net.ListenConfig
	ls, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp, err := NewStreamTransport(ProtoTLS, tls.NewListener(ls, cfg), opts)
	if err != nil {
		ls.Close()
		return nil, errtrace.Wrap(err)
	}
	return tp, nil
}

func (tp *StreamTransport) Proto() TransportProto { return tp.proto }

func (*StreamTransport) Reliable() bool { return true }

func (tp *StreamTransport) Secured() bool { return tp.proto.Secured() }

func (tp *StreamTransport) LocalAddr() netip.AddrPort { return tp.laddr }

// Accept waits for the next inbound connection.
// The connection is cached and reused to send messages back to the peer.
func (tp *StreamTransport) Accept() (net.Conn, error) {
	conn, err := tp.ls.Accept()
	if err != nil {
		if tp.closed.Load() || errorutil.IsClosedErr(err) {
			return nil, errtrace.Wrap(errorutil.Join(ErrTransportClosed, err))
		}
		return nil, errtrace.Wrap(err)
	}

	tc := tp.track(conn, !tp.noCache)
	if tp.closed.Load() {
		tc.Close()
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	return tc, nil
}

// OnConn registers a callback that is called for each dialed connection.
func (tp *StreamTransport) OnConn(fn func(conn net.Conn)) (cancel func()) {
	return tp.onConn.Add(fn)
}

// Send writes the data to the remote peer.
// The cached connection is used if any, otherwise a new one is dialed.
func (tp *StreamTransport) Send(ctx context.Context, data []byte, raddr netip.AddrPort) error {
	if tp.closed.Load() {
		return errtrace.Wrap(ErrTransportClosed)
	}
	if !raddr.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError("invalid remote address"))
	}

	if tp.noCache {
		// one connection per message, replies come on connections opened by the peer
		conn, err := tp.dial(ctx, raddr, false)
		if err != nil {
			return errtrace.Wrap(err)
		}
		err = writeChunked(ctx, conn, data, tp.chunk, tp.writeTmt)
		if cerr := conn.Close(); err == nil && cerr != nil {
			tp.log.LogAttrs(ctx, slog.LevelDebug, "failed to close connection",
				slog.Any("connection", conn),
				slog.Any("error", cerr),
			)
		}
		return errtrace.Wrap(err)
	}

	release, err := tp.lockPeer(ctx, raddr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	defer release()

	conn, ok := tp.conns.Get(raddr)
	if !ok {
		if conn, err = tp.dial(ctx, raddr, true); err != nil {
			return errtrace.Wrap(err)
		}
	}

	err = writeChunked(ctx, conn, data, tp.chunk, tp.writeTmt)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || !errorutil.IsBrokenConnErr(err) {
		conn.Close()
		return errtrace.Wrap(err)
	}

	tp.log.LogAttrs(ctx, slog.LevelDebug, "write to cached connection failed, redialing",
		slog.Any("connection", conn),
		slog.Any("error", err),
	)
	conn.Close()

	conn, derr := tp.dial(ctx, raddr, true)
	if derr != nil {
		return errtrace.Wrap(errorutil.Join(err, derr))
	}
	if err := writeChunked(ctx, conn, data, tp.chunk, tp.writeTmt); err != nil {
		conn.Close()
		return errtrace.Wrap(err)
	}
	return nil
}

func (tp *StreamTransport) lockPeer(ctx context.Context, raddr netip.AddrPort) (release func(), err error) {
	sem, _ := tp.locks.GetOrSet(raddr, semaphore.NewWeighted(1))

	lockCtx, cancel := context.WithTimeout(ctx, tp.lockTmt)
	defer cancel()
	if err := sem.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errtrace.Wrap(ctx.Err())
		}
		return nil, errtrace.Wrap(fmt.Errorf("%w: %s", ErrConnCacheBusy, raddr))
	}
	return func() { sem.Release(1) }, nil
}

func (tp *StreamTransport) dial(ctx context.Context, raddr netip.AddrPort, cache bool) (*trackedConn, error) {
	conn, err := tp.dialer.DialConn(ctx, "tcp", raddr)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("dial %s %s: %w", tp.proto, raddr, err))
	}

	if tp.tlsCfg != nil {
		cfg := tp.tlsCfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = raddr.Addr().String()
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errtrace.Wrap(fmt.Errorf("TLS handshake with %s: %w", raddr, err))
		}
		conn = tlsConn
	}

	tc := tp.track(conn, cache)
	if tp.closed.Load() {
		tc.Close()
		return nil, errtrace.Wrap(ErrTransportClosed)
	}

	if cache {
		for fn := range tp.onConn.All() {
			fn(tc)
		}
	}
	return tc, nil
}

func (tp *StreamTransport) track(conn net.Conn, cache bool) *trackedConn {
	var onClose func(c *trackedConn)
	if cache {
		onClose = func(c *trackedConn) {
			tp.conns.DelFunc(c.raddr, func(v *trackedConn) bool { return v == c })
		}
	}
	tc := newTrackedConn(newLogConn(conn, tp.log), tp.idleTTL, tp.clock, onClose)
	if cache {
		if prev, ok := tp.conns.Get(tc.raddr); ok && prev != tc {
			tp.log.LogAttrs(context.Background(), slog.LevelDebug, "replace cached connection",
				slog.Any("old", prev),
				slog.Any("new", tc),
			)
		}
		tp.conns.Set(tc.raddr, tc)
	}
	return tc
}

// Conns returns the number of cached connections.
func (tp *StreamTransport) Conns() int { return tp.conns.Size() }

// Close closes the listener and all cached connections.
func (tp *StreamTransport) Close() error {
	if !tp.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := tp.ls.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	for _, c := range tp.conns.Items() {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errtrace.Wrap(errorutil.JoinPrefix("close transport", errs...))
}

// LogValue implements [slog.LogValuer].
func (tp *StreamTransport) LogValue() slog.Value {
	if tp == nil {
		return slog.Value{}
	}
	return transportLogValue(tp)
}
