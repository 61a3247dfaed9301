package server

import (
	"errors"
	"fmt"
)

// ErrWouldBlock reports that a non-blocking socket call has nothing to do
// right now. It is not a failure: the caller retries on a later cycle.
var ErrWouldBlock = errors.New("operation would block")

// Kind classifies socket and loop failures.
type Kind int

const (
	KindSocket Kind = iota + 1
	KindBind
	KindListen
	KindAccept
	KindNonBlock
	KindPoll
	KindRead
	KindSend
)

var kindNames = map[Kind]string{
	KindSocket:   "socket",
	KindBind:     "bind",
	KindListen:   "listen",
	KindAccept:   "accept",
	KindNonBlock: "nonblock",
	KindPoll:     "poll",
	KindRead:     "read",
	KindSend:     "send",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type of the server package. Callers branch on
// Kind; Err carries the underlying cause, usually a unix.Errno.
type Error struct {
	Kind Kind
	Op   string
	Fd   int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Fd >= 0 {
		msg += fmt.Sprintf(" (fd %d)", e.Fd)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, fd int, err error) *Error {
	return &Error{Kind: kind, Op: op, Fd: fd, Err: err}
}

// IsKind reports whether err is, or wraps, an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
