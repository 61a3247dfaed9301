// Package httpmsg holds the HTTP/1.x request and response values exchanged
// between connections and the dispatcher, with an incremental request parser
// and a response serializer.
package httpmsg

import (
	"fmt"
	"net/textproto"
	"strings"

	"github.com/Singert/webserv/core/utils"
)

// Request is one parsed client message.
type Request struct {
	Method     string
	Target     string // request-target as sent
	Path       string // decoded and cleaned
	RawQuery   string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     textproto.MIMEHeader
	Body       []byte
	RemoteAddr string

	// Status and Err are set when the message could not be parsed. Such a
	// request is still queued so that its error response keeps its place.
	Status utils.HTTPStatus
	Err    error
}

// IsWellFormed reports whether the request parsed cleanly.
func (r *Request) IsWellFormed() bool {
	return r.Err == nil
}

// KeepAlive reports whether the client allows the connection to stay open
// after the response to r.
func (r *Request) KeepAlive() bool {
	if !r.IsWellFormed() {
		return false
	}
	conn := strings.ToLower(r.Header.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		return strings.Contains(conn, "keep-alive")
	}
	return true
}

func (r *Request) String() string {
	if !r.IsWellFormed() {
		return fmt.Sprintf("malformed request (%d): %v", r.Status, r.Err)
	}
	return r.Method + " " + r.Target + " " + r.Proto
}

func malformed(status utils.HTTPStatus, format string, args ...interface{}) *Request {
	return &Request{
		Status: status,
		Err:    fmt.Errorf(format, args...),
		Header: textproto.MIMEHeader{},
	}
}
