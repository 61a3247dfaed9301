package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/handler"
	"github.com/Singert/webserv/core/metrics"
)

// DefaultPollTimeout bounds each readiness wait when none is configured.
const DefaultPollTimeout = 10 * time.Millisecond

// Multiplexer is the event loop of one server: it owns the listening socket
// and every connection accepted on it. All of its state is confined to the
// goroutine calling Run.
type Multiplexer struct {
	server     *config.ServerConfig
	runtime    config.RuntimeConfig
	dispatcher *handler.Dispatcher
	listener   *listener
	cgi        *cgiPool
	poller     poller
	conns      []*Connection
	nextID     uint64
	closed     bool
	metrics    *metrics.Server
	log        *zap.Logger
}

// New binds the server's listening socket. Errors are *Error values of kind
// KindSocket, KindBind, KindListen or KindNonBlock.
func New(server *config.ServerConfig, runtime config.RuntimeConfig, m *metrics.Metrics, log *zap.Logger) (*Multiplexer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if runtime.PollTimeout <= 0 {
		runtime.PollTimeout = DefaultPollTimeout
	}
	log = log.Named(server.ServerName)

	l, err := listen(server.BindHost, server.Port)
	if err != nil {
		return nil, err
	}
	sm := m.ForServer(server.ServerName)
	pool, err := newCGIPool(runtime.CGIWorkers, sm, log)
	if err != nil {
		return nil, multierr.Combine(err, l.close())
	}
	return &Multiplexer{
		server:     server,
		runtime:    runtime,
		dispatcher: handler.New(server, runtime.CGITimeout, log),
		listener:   l,
		cgi:        pool,
		metrics:    sm,
		log:        log.With(zap.Stringer("addr", l.addr)),
	}, nil
}

// Addr is the address the server listens on, with the actual port when the
// configuration asked for port 0.
func (m *Multiplexer) Addr() string {
	return m.listener.addr.String()
}

// Run serves until ctx is canceled or polling fails. Either way every
// connection, the listener and the CGI workers are released before Run
// returns.
func (m *Multiplexer) Run(ctx context.Context) (err error) {
	m.log.Info("serving", zap.Int("locations", len(m.server.Locations)))
	defer func() {
		err = multierr.Append(err, m.Close())
		m.log.Info("stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := m.cycle(); err != nil {
			m.log.Error("poll failed", zap.Error(err))
			return err
		}
	}
}

// cycle runs one iteration: poll, accept, CGI completions, writes, reap,
// reads. Writes come before the reap and the reads so that a connection that
// just sent its last response is not read from again.
func (m *Multiplexer) cycle() error {
	m.poller.reset()
	listenSlot := m.poller.add(m.listener.fd, Readable)
	wakeSlot := m.poller.add(m.cgi.fd(), Readable)
	for _, c := range m.conns {
		c.slot = -1
		if c.state == StateClosed {
			continue
		}
		var in Interest
		if c.state == StateOpen {
			in |= Readable
		}
		if c.IsReadyToWrite() {
			in |= Writable
		}
		if in != 0 {
			c.slot = m.poller.add(c.sock.Fd(), in)
		}
	}

	n, err := m.poller.wait(m.runtime.PollTimeout)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	if m.poller.readable(listenSlot) {
		m.acceptOne()
	}
	if m.poller.readable(wakeSlot) {
		for _, done := range m.cgi.drain() {
			done.conn.Deliver(done.resp)
		}
	}

	for _, c := range m.conns {
		if m.poller.writable(c.slot) {
			if err := c.WriteAvailable(); err != nil {
				c.log.Warn("write failed", zap.Error(err))
			}
		}
	}

	m.reap()

	for _, c := range m.conns {
		if c.state == StateOpen && m.poller.readable(c.slot) {
			if err := c.ReadAvailable(); err != nil {
				c.log.Warn("read failed", zap.Error(err))
			}
		}
	}
	return nil
}

func (m *Multiplexer) acceptOne() {
	sock, remote, err := m.listener.accept()
	if err != nil {
		if !errors.Is(err, ErrWouldBlock) {
			m.metrics.AcceptFailed()
			m.log.Warn("accept failed", zap.Error(err))
		}
		return
	}
	m.nextID++
	c := NewConnection(m.nextID, sock, remote, ConnOptions{
		Dispatcher:  m.dispatcher,
		CGI:         m.cgi,
		MaxBodySize: m.server.MaxBodySize,
		ReadBuffer:  m.runtime.ReadBuffer,
		Metrics:     m.metrics,
		Log:         m.log,
	})
	m.conns = append(m.conns, c)
	m.metrics.Accepted()
	c.log.Debug("accepted")
}

// reap drops closed connections. It runs between the write and read passes,
// never inside either.
func (m *Multiplexer) reap() {
	kept := m.conns[:0]
	for _, c := range m.conns {
		if c.state != StateClosed {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(m.conns); i++ {
		m.conns[i] = nil
	}
	m.metrics.Reaped(len(m.conns) - len(kept))
	m.conns = kept
}

// Close releases every connection, the listener and the CGI workers. It is
// called by Run on exit and only needs calling directly for a Multiplexer that
// never ran.
func (m *Multiplexer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for _, c := range m.conns {
		c.Close()
	}
	m.reap()
	return multierr.Combine(m.cgi.close(), m.listener.close())
}
