package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/timeutil"
	"github.com/ghettovoice/sipstack/log"
)

// WriteChunkSize is the default size of a single write to a stream connection.
const WriteChunkSize = 16 * 1024

const maxLoggedData = 1000

type closeOnceListener struct {
	net.Listener
	closeOnce sync.Once
	closeErr  error
}

func newCloseOnceListener(ls net.Listener) *closeOnceListener {
	if ls, ok := ls.(*closeOnceListener); ok {
		return ls
	}
	return &closeOnceListener{Listener: ls}
}

func (l *closeOnceListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.Listener.Close()
	})
	return errtrace.Wrap(l.closeErr)
}

type closeOncePacketConn struct {
	net.PacketConn
	closeOnce sync.Once
	closeErr  error
}

func newCloseOncePacketConn(c net.PacketConn) *closeOncePacketConn {
	if c, ok := c.(*closeOncePacketConn); ok {
		return c
	}
	return &closeOncePacketConn{PacketConn: c}
}

func (c *closeOncePacketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.PacketConn.Close()
	})
	return errtrace.Wrap(c.closeErr)
}

// trackedConn is a stream connection owned by the stream transport.
// It closes itself once idle longer than ttl, closing runs the onClose hook once.
type trackedConn struct {
	net.Conn
	raddr   netip.AddrPort
	ttl     time.Duration
	clock   timeutil.Clock
	tmr     atomic.Pointer[timeutil.Timer]
	onClose func(c *trackedConn)

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newTrackedConn(conn net.Conn, ttl time.Duration, clock timeutil.Clock, onClose func(c *trackedConn)) *trackedConn {
	c := &trackedConn{
		Conn:    conn,
		raddr:   netAddrPort(conn.RemoteAddr()),
		ttl:     ttl,
		clock:   clock,
		onClose: onClose,
		closed:  make(chan struct{}),
	}
	c.resetIdle()
	return c
}

func (c *trackedConn) resetIdle() {
	if c.ttl <= 0 {
		return
	}
	if tmr := c.tmr.Load(); tmr != nil {
		if tmr.State() == timeutil.TimerStateRunning {
			tmr.Reset(c.ttl)
		}
		return
	}
	tmr := timeutil.AfterFunc(c.clock, c.ttl, func() { c.Close() })
	if !c.tmr.CompareAndSwap(nil, tmr) {
		tmr.Stop()
	}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.resetIdle()
	}
	return n, errtrace.Wrap(err)
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.resetIdle()
	}
	return n, errtrace.Wrap(err)
}

func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		if tmr := c.tmr.Swap(nil); tmr != nil {
			tmr.Stop()
		}
		c.closeErr = c.Conn.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return errtrace.Wrap(c.closeErr)
}

// Done returns a channel that is closed when the connection is closed.
func (c *trackedConn) Done() <-chan struct{} { return c.closed }

func (c *trackedConn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("local_addr", c.LocalAddr()),
		slog.Any("remote_addr", c.raddr),
	)
}

// writeChunked writes the data in chunks of the given size.
// Each chunk gets its own write deadline derived from timeout and the context deadline.
func writeChunked(ctx context.Context, conn net.Conn, data []byte, chunkSize int, timeout time.Duration) error {
	if chunkSize <= 0 {
		chunkSize = WriteChunkSize
	}
	defer conn.SetWriteDeadline(time.Time{})

	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return errtrace.Wrap(err)
		}

		var dl time.Time
		if timeout > 0 {
			dl = time.Now().Add(timeout)
		}
		if d, ok := ctx.Deadline(); ok && (dl.IsZero() || d.Before(dl)) {
			dl = d
		}
		if err := conn.SetWriteDeadline(dl); err != nil {
			return errtrace.Wrap(err)
		}

		n := min(chunkSize, len(data))
		w, err := conn.Write(data[:n])
		if err != nil {
			return errtrace.Wrap(err)
		}
		data = data[w:]
	}
	return nil
}

type logListener struct {
	net.Listener
	log *slog.Logger
}

func newLogListener(ls net.Listener, logger *slog.Logger) *logListener {
	if ls, ok := ls.(*logListener); ok {
		return ls
	}
	return &logListener{Listener: ls, log: logger.With("listener", ls)}
}

func (ls *logListener) Accept() (net.Conn, error) {
	conn, err := ls.Listener.Accept()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	ls.log.LogAttrs(context.Background(), slog.LevelDebug, "connection accepted", slog.Any("connection", conn))
	return conn, nil
}

func (ls *logListener) Close() error {
	if err := ls.Listener.Close(); err != nil {
		ls.log.LogAttrs(context.Background(), slog.LevelDebug, "listener closed with error", slog.Any("error", err))
		return errtrace.Wrap(err)
	}
	ls.log.LogAttrs(context.Background(), slog.LevelDebug, "listener closed")
	return nil
}

type logConn struct {
	net.Conn
	log *slog.Logger
}

func newLogConn(c net.Conn, logger *slog.Logger) *logConn {
	if c, ok := c.(*logConn); ok {
		return c
	}
	return &logConn{Conn: c, log: logger.With("connection", c)}
}

func (c *logConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.LogAttrs(context.Background(), slog.LevelDebug,
			fmt.Sprintf("connection read buffer %s -> %s", c.RemoteAddr(), c.LocalAddr()),
			slog.Group("buffer",
				slog.Int("size", n),
				slog.Any("data", log.StringValue(b[:min(n, maxLoggedData)])),
			),
		)
	}
	return n, nil
}

func (c *logConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.LogAttrs(context.Background(), slog.LevelDebug,
			fmt.Sprintf("connection wrote buffer %s -> %s", c.LocalAddr(), c.RemoteAddr()),
			slog.Group("buffer",
				slog.Int("size", n),
				slog.Any("data", log.StringValue(b[:min(n, maxLoggedData)])),
			),
		)
	}
	return n, nil
}

func (c *logConn) Close() error {
	if err := c.Conn.Close(); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection closed with error", slog.Any("error", err))
		return errtrace.Wrap(err)
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection closed")
	return nil
}

type logPacketConn struct {
	net.PacketConn
	log *slog.Logger
}

func newLogPacketConn(c net.PacketConn, logger *slog.Logger) *logPacketConn {
	if c, ok := c.(*logPacketConn); ok {
		return c
	}
	return &logPacketConn{PacketConn: c, log: logger.With("connection", c)}
}

func (c *logPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	if err != nil {
		return n, addr, errtrace.Wrap(err)
	}
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.LogAttrs(context.Background(), slog.LevelDebug,
			fmt.Sprintf("connection read buffer %s -> %s", addr, c.LocalAddr()),
			slog.Group("buffer",
				slog.Int("size", n),
				slog.Any("data", log.StringValue(b[:min(n, maxLoggedData)])),
			),
		)
	}
	return n, addr, nil
}

func (c *logPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.PacketConn.WriteTo(b, addr)
	if err != nil {
		return n, errtrace.Wrap(err)
	}
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		c.log.LogAttrs(context.Background(), slog.LevelDebug,
			fmt.Sprintf("connection wrote buffer %s -> %s", c.LocalAddr(), addr),
			slog.Group("buffer",
				slog.Int("size", n),
				slog.Any("data", log.StringValue(b[:min(n, maxLoggedData)])),
			),
		)
	}
	return n, nil
}

func (c *logPacketConn) Close() error {
	if err := c.PacketConn.Close(); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection closed with error", slog.Any("error", err))
		return errtrace.Wrap(err)
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "connection closed")
	return nil
}
