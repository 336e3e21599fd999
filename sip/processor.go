package sip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipstack/internal/errorutil"
	"github.com/ghettovoice/sipstack/internal/syncutil"
	"github.com/ghettovoice/sipstack/internal/types"
	"github.com/ghettovoice/sipstack/log"
)

// Handler handles inbound messages read by a [Processor].
type Handler interface {
	// HandleMessage is called for each parsed inbound message with the channel it arrived on.
	HandleMessage(ctx context.Context, msg Message, ch Channel)
}

// HandlerFunc is a [Handler] implementation based on a function.
type HandlerFunc func(ctx context.Context, msg Message, ch Channel)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message, ch Channel) { f(ctx, msg, ch) }

// ReadBufferSize is the default size of the datagram read buffer.
const ReadBufferSize = 65535

const maxAcceptDelay = time.Second

// ProcessorOptions are options of the [Processor].
type ProcessorOptions struct {
	// Workers is the number of goroutines processing datagrams of a packet transport.
	// If zero, [runtime.NumCPU] is used.
	Workers int
	// Parser is used to parse inbound messages.
	// If nil, the default parser is used.
	Parser Parser
	// ReadBufferSize is the size of the datagram read buffer.
	// If zero, [ReadBufferSize] is used.
	ReadBufferSize int
	// Metrics records the queue depth and dropped messages.
	Metrics *Metrics
	// Log is the logger used by the processor.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *ProcessorOptions) workers() int {
	if o == nil || o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}

func (o *ProcessorOptions) parser() Parser {
	if o == nil || o.Parser == nil {
		return defParser
	}
	return o.Parser
}

func (o *ProcessorOptions) readBufSize() int {
	if o == nil || o.ReadBufferSize <= 0 {
		return ReadBufferSize
	}
	return o.ReadBufferSize
}

func (o *ProcessorOptions) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *ProcessorOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type packet struct {
	data  []byte
	raddr netip.AddrPort
}

// Processor reads messages from a single [Transport] and hands them to the [Handler].
//
// Datagrams of a packet transport are queued and processed by a bounded pool of workers,
// a saturated pool only grows the queue.
// Each connection of a stream transport is read by its own goroutine, messages of
// a single connection are handled in order.
type Processor struct {
	tp      Transport
	h       Handler
	workers int
	parser  Parser
	bufSize int
	metrics *Metrics
	log     *slog.Logger

	queue  types.Deque[packet]
	notify chan struct{}
	conns  *syncutil.ShardMap[net.Conn, struct{}]

	serving   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewProcessor creates a new processor of the transport.
// The transport must implement either [PacketTransport] or [ConnTransport].
func NewProcessor(tp Transport, h Handler, opts *ProcessorOptions) (*Processor, error) {
	switch tp.(type) {
	case PacketTransport, ConnTransport:
	case nil:
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError("unsupported transport type"))
	}
	if h == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid handler"))
	}

	p := &Processor{
		tp:      tp,
		h:       h,
		workers: opts.workers(),
		parser:  opts.parser(),
		bufSize: opts.readBufSize(),
		metrics: opts.metrics(),
		conns:   syncutil.NewShardMap[net.Conn, struct{}](syncutil.ShardsNum(8)),
		done:    make(chan struct{}),
	}
	p.notify = make(chan struct{}, p.workers)
	p.log = opts.log().With("transport", tp)
	return p, nil
}

// Transport returns the served transport.
func (p *Processor) Transport() Transport { return p.tp }

// Serve reads and dispatches messages until the context is done, the processor
// is closed or the transport fails. It returns nil if the processor was closed.
// The transport is closed on return.
func (p *Processor) Serve(ctx context.Context) error {
	if !p.serving.CompareAndSwap(false, true) {
		return errtrace.Wrap(fmt.Errorf("%w: processor is already serving", ErrActionNotAllowed))
	}

	stop := context.AfterFunc(ctx, func() { p.Close() })
	defer stop()

	p.log.LogAttrs(ctx, slog.LevelDebug, "begin serving the transport")
	defer p.log.LogAttrs(ctx, slog.LevelDebug, "serving the transport finished")

	var err error
	switch tp := p.tp.(type) {
	case PacketTransport:
		err = p.servePackets(ctx, tp)
	case ConnTransport:
		err = p.serveConns(ctx, tp)
	}

	p.Close()
	p.wg.Wait()

	if p.closing.Load() || errors.Is(err, ErrTransportClosed) {
		return nil
	}
	return errtrace.Wrap(err)
}

func (p *Processor) servePackets(ctx context.Context, tp PacketTransport) error {
	readDone := make(chan struct{})
	for range p.workers {
		p.wg.Go(func() { p.work(ctx, readDone) })
	}
	defer close(readDone)

	buf := make([]byte, p.bufSize)
	for {
		n, raddr, err := tp.ReadPacket(buf)
		if err != nil {
			if p.closing.Load() || errors.Is(err, ErrTransportClosed) {
				return errtrace.Wrap(ErrTransportClosed)
			}
			if errorutil.IsTemporaryErr(err) || errorutil.IsTimeoutErr(err) {
				p.log.LogAttrs(ctx, slog.LevelDebug, "temporary read error, continue reading", slog.Any("error", err))
				continue
			}
			return errtrace.Wrap(err)
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		p.queue.Append(packet{data, raddr})
		p.metrics.setQueueDepth(p.tp.Proto(), p.queue.Len())

		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}

func (p *Processor) work(ctx context.Context, readDone <-chan struct{}) {
	for {
		pkt, ok := p.queue.PopFirst()
		if ok {
			p.metrics.setQueueDepth(p.tp.Proto(), p.queue.Len())
			p.handlePacket(ctx, pkt)
			continue
		}

		select {
		case <-p.notify:
		case <-readDone:
			for {
				pkt, ok := p.queue.PopFirst()
				if !ok {
					return
				}
				p.handlePacket(ctx, pkt)
			}
		}
	}
}

func (p *Processor) handlePacket(ctx context.Context, pkt packet) {
	msg, err := p.parser.ParsePacket(pkt.data)
	if err != nil {
		p.metrics.msgDropped(p.tp.Proto(), "parse")
		p.log.LogAttrs(ctx, slog.LevelDebug, "discard malformed packet",
			slog.Any("remote_addr", pkt.raddr),
			slog.Any("error", err),
		)
		return
	}
	p.dispatch(ctx, msg, pkt.raddr)
}

func (p *Processor) serveConns(ctx context.Context, tp ConnTransport) error {
	cancel := tp.OnConn(func(conn net.Conn) { p.serveConn(ctx, conn) })
	defer cancel()

	var tempDelay time.Duration
	for {
		conn, err := tp.Accept()
		if err != nil {
			if p.closing.Load() || errors.Is(err, ErrTransportClosed) {
				return errtrace.Wrap(ErrTransportClosed)
			}
			if errorutil.IsTemporaryErr(err) || errorutil.IsTimeoutErr(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, maxAcceptDelay)

				p.log.LogAttrs(ctx, slog.LevelDebug,
					"failed to accept connection due to the temporary error, continue serving after delay...",
					slog.Any("error", err),
					slog.Duration("delay", tempDelay),
				)

				tmr := time.NewTimer(tempDelay)
				select {
				case <-p.done:
					tmr.Stop()
					return errtrace.Wrap(ErrTransportClosed)
				case <-tmr.C:
				}
				continue
			}
			return errtrace.Wrap(err)
		}
		tempDelay = 0

		p.serveConn(ctx, conn)
	}
}

func (p *Processor) serveConn(ctx context.Context, conn net.Conn) {
	if p.closing.Load() {
		conn.Close()
		return
	}

	p.conns.Set(conn, struct{}{})
	p.wg.Go(func() {
		defer func() {
			p.conns.Del(conn)
			conn.Close()
		}()

		p.log.LogAttrs(ctx, slog.LevelDebug, "begin serving the connection", slog.Any("connection", conn))
		defer p.log.LogAttrs(ctx, slog.LevelDebug, "serving the connection finished", slog.Any("connection", conn))

		raddr := netAddrPort(conn.RemoteAddr())
		for msg, err := range p.parser.ParseStream(conn).Messages() {
			if err != nil {
				if errors.Is(err, io.EOF) || errorutil.IsClosedErr(err) || p.closing.Load() {
					continue
				}
				p.metrics.msgDropped(p.tp.Proto(), "parse")
				p.log.LogAttrs(ctx, slog.LevelDebug, "discard malformed message",
					slog.Any("connection", conn),
					slog.Any("error", err),
				)
				continue
			}
			p.dispatch(ctx, msg, raddr)
		}
	})
}

func (p *Processor) dispatch(ctx context.Context, msg Message, raddr netip.AddrPort) {
	msg.SetTransport(string(p.tp.Proto()))
	msg.SetSource(raddr.String())
	msg.SetDestination(p.tp.LocalAddr().String())

	p.metrics.msgReceived(p.tp.Proto(), msg)
	p.h.HandleMessage(ctx, msg, NewChannel(p.tp, raddr))
}

// Close stops the processor, closes the transport and all served connections.
// Messages already read are still dispatched, [Processor.Serve] returns once they are done.
func (p *Processor) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		close(p.done)

		errs := []error{p.tp.Close()}
		for conn := range p.conns.Items() {
			if cerr := conn.Close(); cerr != nil && !errorutil.IsClosedErr(cerr) {
				errs = append(errs, cerr)
			}
		}
		err = errorutil.JoinPrefix("close processor", errs...)
	})
	return errtrace.Wrap(err)
}

// LogValue implements [slog.LogValuer].
func (p *Processor) LogValue() slog.Value {
	if p == nil {
		return slog.Value{}
	}
	return transportLogValue(p.tp)
}
