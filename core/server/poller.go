package server

import (
	"time"

	"golang.org/x/sys/unix"
)

// Interest is what a descriptor waits for in one poll cycle.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// poller is an interest set rebuilt every cycle and waited on with poll(2).
type poller struct {
	fds []unix.PollFd
}

func (p *poller) reset() {
	p.fds = p.fds[:0]
}

// add registers fd and returns its slot for readable/writable.
func (p *poller) add(fd int, in Interest) int {
	var events int16
	if in&Readable != 0 {
		events |= unix.POLLIN
	}
	if in&Writable != 0 {
		events |= unix.POLLOUT
	}
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
	return len(p.fds) - 1
}

// wait blocks for at most timeout, rounded up to whole milliseconds. An
// interrupted wait reports nothing ready.
func (p *poller) wait(timeout time.Duration) (int, error) {
	n, err := unix.Poll(p.fds, pollMillis(timeout))
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, newError(KindPoll, "", -1, err)
	}
	return n, nil
}

// pollMillis converts timeout for poll(2). A positive timeout never becomes
// 0, which would return immediately and spin the loop.
func pollMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

const failed = unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// readable also reports hangups and errors so that the following read
// observes them.
func (p *poller) readable(slot int) bool {
	return slot >= 0 && p.fds[slot].Revents&(unix.POLLIN|failed) != 0
}

func (p *poller) writable(slot int) bool {
	return slot >= 0 && p.fds[slot].Revents&(unix.POLLOUT|failed) != 0
}
