// ABOUTME: Link wraps a net.Conn with framed, sealed envelope exchange.
// ABOUTME: Send is non-blocking into a bounded drop-oldest queue drained by one writer.

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/pulse-mesh/internal/protocol"
)

// ErrLinkClosed indicates an operation on a closed link.
var ErrLinkClosed = errors.New("link closed")

// DefaultQueueSize bounds the per-link outbound queue.
const DefaultQueueSize = 64

// Config controls link behavior. Zero values take defaults.
type Config struct {
	QueueSize    int
	MaxFrameSize int
	WriteTimeout time.Duration

	// OnDrop is invoked for each envelope discarded by queue overflow.
	// Called from Send's goroutine; must not block.
	OnDrop func(*protocol.Envelope)
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Link is one authenticated, ordered envelope stream between an agent and the
// coordinator. Reads are pulled by the owner's receive loop; writes go through
// the queue so a slow peer never blocks the caller.
type Link struct {
	conn net.Conn
	cfg  Config

	in  *frameSealer // inbound direction, nil when the cluster runs unencrypted
	out *frameSealer

	sendQ   chan *protocol.Envelope
	pending atomic.Int64 // queued plus in-flight sends
	closed  chan struct{}
	done    chan struct{} // writer exited

	readMu  sync.Mutex
	closeMu sync.Mutex
	isDown  bool

	logger *slog.Logger
}

func newLink(conn net.Conn, in, out *frameSealer, cfg Config, logger *slog.Logger) *Link {
	cfg = cfg.withDefaults()
	l := &Link{
		conn:   conn,
		cfg:    cfg,
		in:     in,
		out:    out,
		sendQ:  make(chan *protocol.Envelope, cfg.QueueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.writeLoop()
	return l
}

// RemoteAddr reports the peer address of the underlying connection.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// QueueLen reports the number of queued, unsent envelopes.
func (l *Link) QueueLen() int {
	return len(l.sendQ)
}

// Send enqueues an envelope for delivery. It never blocks: when the queue is
// full, the oldest unsent envelope is dropped and reported via OnDrop.
func (l *Link) Send(env *protocol.Envelope) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	l.pending.Add(1)
	select {
	case l.sendQ <- env:
		return nil
	default:
	}

	// Queue full: evict the oldest entry, then retry once.
	select {
	case dropped := <-l.sendQ:
		l.pending.Add(-1)
		if l.cfg.OnDrop != nil {
			l.cfg.OnDrop(dropped)
		}
	default:
	}
	select {
	case l.sendQ <- env:
		return nil
	default:
		l.pending.Add(-1)
		if l.cfg.OnDrop != nil {
			l.cfg.OnDrop(env)
		}
		return nil
	}
}

// Recv blocks until the next envelope arrives or the link fails.
// Frame faults wrap protocol.ErrProtocol; the caller must close the link.
func (l *Link) Recv() (*protocol.Envelope, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	body, err := protocol.ReadFrame(l.conn, frameLimit(l.cfg.MaxFrameSize, l.in != nil))
	if err != nil {
		return nil, err
	}
	if l.in != nil {
		body, err = l.in.open(body)
		if err != nil {
			return nil, err
		}
	}
	return protocol.DecodeEnvelope(body)
}

func (l *Link) writeLoop() {
	defer close(l.done)
	for {
		select {
		case env := <-l.sendQ:
			err := l.writeEnvelope(env)
			l.pending.Add(-1)
			if err != nil {
				l.logger.Debug("link write failed", "error", err)
				l.Close()
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (l *Link) writeEnvelope(env *protocol.Envelope) error {
	body, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if len(body) > l.cfg.MaxFrameSize {
		return fmt.Errorf("%w: outbound envelope %s", protocol.ErrFrameTooLarge, env.MessageID)
	}
	if l.out != nil {
		body = l.out.seal(body)
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return protocol.WriteFrame(l.conn, body, frameLimit(l.cfg.MaxFrameSize, l.out != nil))
}

// Flush waits until every queued and in-flight send has reached the socket,
// or the grace period elapses. Callers closing a link after a final reply must
// flush first; Close tears the connection down without draining.
func (l *Link) Flush(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for l.pending.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-l.closed:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// Close tears down the link. Safe to call multiple times.
func (l *Link) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.isDown {
		return nil
	}
	l.isDown = true
	close(l.closed)
	return l.conn.Close()
}

// Closed reports whether the link has been torn down.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// frameLimit widens the configured body limit by the AEAD overhead when
// frames are sealed, so a maximum-size envelope still fits.
func frameLimit(max int, sealed bool) int {
	if sealed {
		return max + 16 // poly1305 tag
	}
	return max
}
