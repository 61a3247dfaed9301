package server

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/Singert/webserv/core/handler"
	"github.com/Singert/webserv/core/httpmsg"
	"github.com/Singert/webserv/core/metrics"
	"github.com/Singert/webserv/core/talklog"
)

// State is the lifecycle state of a Connection.
type State int

const (
	// StateOpen reads new requests and writes responses.
	StateOpen State = iota
	// StateClosing accepts no new requests but still flushes queued ones.
	StateClosing
	// StateClosed has released its socket and waits to be reaped.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Dispatcher turns the request at the head of a connection's queue into a
// response, or into a CGI job that produces one later.
type Dispatcher interface {
	Dispatch(req *httpmsg.Request) handler.Outcome
}

// CGIRunner runs a CGI job off the loop goroutine and later hands the result
// back through Connection.Deliver.
type CGIRunner interface {
	Submit(c *Connection, job *handler.CGIJob)
}

// Connection is the state machine of one accepted client. It is only touched
// by the goroutine running its Multiplexer.
type Connection struct {
	id     uint64
	sock   Socket
	remote string
	state  State

	parser   httpmsg.Parser
	readBuf  []byte
	inbound  []byte
	pending  []*httpmsg.Request
	outbound []byte

	// inFlight is set while the head of pending waits for its CGI result.
	inFlight bool
	// lastResponse is set when the response in outbound ends the connection.
	lastResponse bool

	dispatcher Dispatcher
	cgi        CGIRunner
	metrics    *metrics.Server
	log        *zap.Logger

	// slot in the current poll cycle, -1 when not polled.
	slot int
}

// ConnOptions carries what a Connection shares with its server.
type ConnOptions struct {
	Dispatcher  Dispatcher
	CGI         CGIRunner
	MaxBodySize int64
	ReadBuffer  int
	Metrics     *metrics.Server
	Log         *zap.Logger
}

// NewConnection wraps an accepted, non-blocking socket in state OPEN.
func NewConnection(id uint64, sock Socket, remote string, opts ConnOptions) *Connection {
	size := opts.ReadBuffer
	if size <= 0 {
		size = 4096
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		id:         id,
		sock:       sock,
		remote:     remote,
		state:      StateOpen,
		parser:     httpmsg.Parser{MaxBodySize: opts.MaxBodySize},
		readBuf:    make([]byte, size),
		dispatcher: opts.Dispatcher,
		cgi:        opts.CGI,
		metrics:    opts.Metrics,
		log:        log.With(zap.Uint64("conn", id), zap.Int("fd", sock.Fd()), zap.String("remote", remote)),
		slot:       -1,
	}
}

func (c *Connection) State() State {
	return c.state
}

// Pending returns the number of requests waiting for a response, including
// one whose CGI script is running.
func (c *Connection) Pending() int {
	return len(c.pending)
}

// ReadAvailable performs one non-blocking read and queues every complete
// request found in the inbound buffer. A hard socket error closes the
// connection and is returned as a KindRead error.
func (c *Connection) ReadAvailable() error {
	if c.state != StateOpen {
		return nil
	}
	n, err := c.sock.Read(c.readBuf)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return nil
	case errors.Is(err, io.EOF):
		if c.hasWork() {
			c.log.Debug("peer closed, draining queued responses")
			c.setState(StateClosing)
		} else {
			c.setState(StateClosed)
		}
		return nil
	case err != nil:
		c.setState(StateClosed)
		return newError(KindRead, "", c.sock.Fd(), err)
	}

	c.inbound = append(c.inbound, c.readBuf[:n]...)
	for c.state == StateOpen {
		req, used, err := c.parser.Parse(c.inbound)
		if errors.Is(err, httpmsg.ErrIncomplete) {
			break
		}
		c.inbound = c.inbound[used:]
		req.RemoteAddr = c.remote
		c.pending = append(c.pending, req)
		if req.IsWellFormed() {
			talklog.Req(c.log, req.Method, req.Target, req.Proto)
			for k, v := range req.Header {
				talklog.Hdr(c.log, k, v)
			}
		}
		if !req.KeepAlive() {
			// Nothing after this request will be answered.
			c.inbound = nil
			c.parser.Reset()
			c.setState(StateClosing)
		}
	}
	if len(c.inbound) == 0 {
		c.inbound = nil
	}
	return nil
}

// IsReadyToWrite reports whether a write cycle would make progress: bytes
// remain in outbound, or a queued request can be dispatched. A request whose
// CGI script is still running does not count.
func (c *Connection) IsReadyToWrite() bool {
	if c.state == StateClosed {
		return false
	}
	return len(c.outbound) > 0 || (len(c.pending) > 0 && !c.inFlight)
}

// WriteAvailable loads the response for the oldest request when outbound is
// empty, then writes as much of outbound as the socket takes without
// blocking. With nothing queued it does nothing.
func (c *Connection) WriteAvailable() error {
	if c.state == StateClosed {
		return nil
	}
	if len(c.outbound) == 0 {
		if len(c.pending) == 0 || c.inFlight {
			return nil
		}
		out := c.dispatcher.Dispatch(c.pending[0])
		if !out.Ready() {
			c.inFlight = true
			c.cgi.Submit(c, out.CGI)
			return nil
		}
		c.load(out.Response)
	}

	for len(c.outbound) > 0 {
		n, err := c.sock.Write(c.outbound)
		c.outbound = c.outbound[n:]
		if errors.Is(err, ErrWouldBlock) || (n == 0 && err == nil) {
			return nil
		}
		if err != nil {
			c.setState(StateClosed)
			return newError(KindSend, "", c.sock.Fd(), err)
		}
	}
	c.outbound = nil
	c.flushed()
	return nil
}

// Deliver hands over the response of the CGI job submitted for the head
// request. Results for connections that closed meanwhile are dropped.
func (c *Connection) Deliver(resp *httpmsg.Response) {
	if c.state == StateClosed || !c.inFlight {
		return
	}
	c.inFlight = false
	c.load(resp)
}

// load pops the head request and serializes resp into outbound. An
// internal-error response is the last one the connection sends: every other
// queued request is discarded.
func (c *Connection) load(resp *httpmsg.Response) {
	c.pending[0] = nil
	c.pending = c.pending[1:]
	talklog.Resp(c.log, resp.Status)
	c.metrics.Response(resp.Status)

	if resp.Status.IsInternalError() {
		if dropped := len(c.pending); dropped > 0 {
			c.log.Warn("discarding queued requests after internal error", zap.Int("dropped", dropped))
		}
		c.pending = nil
		c.inbound = nil
		c.parser.Reset()
		resp.Close = true
	}
	if resp.Close {
		c.lastResponse = true
		if c.state == StateOpen {
			c.setState(StateClosing)
		}
	}
	c.outbound = resp.Serialize()
}

// flushed runs once outbound has been fully written.
func (c *Connection) flushed() {
	switch {
	case c.lastResponse:
		c.setState(StateClosed)
	case c.state == StateClosing && !c.hasWork():
		c.setState(StateClosed)
	}
}

func (c *Connection) hasWork() bool {
	return len(c.pending) > 0 || len(c.outbound) > 0 || c.inFlight
}

func (c *Connection) setState(s State) {
	if c.state == s || c.state == StateClosed {
		return
	}
	c.log.Debug("state change", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
	if s == StateClosed {
		if err := c.sock.Close(); err != nil {
			c.log.Warn("closing socket", zap.Error(err))
		}
	}
}

// Close releases the socket regardless of queued work.
func (c *Connection) Close() {
	c.setState(StateClosed)
}
