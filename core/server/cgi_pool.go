package server

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/Singert/webserv/core/handler"
	"github.com/Singert/webserv/core/httpmsg"
	"github.com/Singert/webserv/core/metrics"
)

type completion struct {
	conn *Connection
	resp *httpmsg.Response
}

// cgiPool runs CGI jobs on at most `workers` goroutines at a time. Finished
// jobs are queued and announced by a byte on a self-pipe whose read end the
// Multiplexer polls like any other descriptor.
type cgiPool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	done []completion

	wakeR, wakeW int

	metrics *metrics.Server
	log     *zap.Logger
}

func newCGIPool(workers int, m *metrics.Server, log *zap.Logger) (*cgiPool, error) {
	if workers <= 0 {
		workers = 1
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, newError(KindSocket, "wake pipe", -1, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &cgiPool{
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		wakeR:   p[0],
		wakeW:   p[1],
		metrics: m,
		log:     log.Named("cgi"),
	}, nil
}

// Submit implements CGIRunner.
func (p *cgiPool) Submit(c *Connection, job *handler.CGIJob) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Shutting down: the connection is about to be closed anyway.
			return
		}
		resp := job.Run(p.ctx)
		p.sem.Release(1)

		if resp.Status.IsInternalError() {
			p.metrics.CGI("error")
		} else {
			p.metrics.CGI("ok")
		}

		p.mu.Lock()
		p.done = append(p.done, completion{conn: c, resp: resp})
		p.mu.Unlock()
		p.wake()
	}()
}

func (p *cgiPool) wake() {
	// EAGAIN means the pipe is already full of wake-ups; one is enough.
	if _, err := unix.Write(p.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		p.log.Warn("waking event loop", zap.Error(err))
	}
}

// fd is the descriptor to poll for completions.
func (p *cgiPool) fd() int {
	return p.wakeR
}

// drain empties the wake pipe and returns the finished jobs.
func (p *cgiPool) drain() []completion {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()
	return done
}

// close cancels running scripts, waits for their goroutines and releases the
// pipe.
func (p *cgiPool) close() error {
	p.cancel()
	p.wg.Wait()
	return multierr.Combine(unix.Close(p.wakeR), unix.Close(p.wakeW))
}
