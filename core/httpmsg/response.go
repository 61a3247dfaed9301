package httpmsg

import (
	"bytes"
	"fmt"
	"net/textproto"
	"sort"
	"strconv"
	"time"

	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/utils"
)

// TimeFormat is the IMF-fixdate layout of the Date header.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Response is a complete reply waiting to be serialized onto a connection.
type Response struct {
	Status utils.HTTPStatus
	Header textproto.MIMEHeader
	Body   []byte
	// Close asks the client to close; the connection is closed once the
	// response has been written.
	Close bool
	// Date defaults to the time of serialization.
	Date time.Time
}

// NewResponse returns an empty response with status.
func NewResponse(status utils.HTTPStatus) *Response {
	return &Response{Status: status, Header: textproto.MIMEHeader{}}
}

// SetBody sets the body and its content type.
func (r *Response) SetBody(contentType string, body []byte) *Response {
	if r.Header == nil {
		r.Header = textproto.MIMEHeader{}
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	r.Body = body
	return r
}

// ErrorResponse builds the generated error page for status.
func ErrorResponse(status utils.HTTPStatus) *Response {
	body := fmt.Sprintf(utils.DefaultErrorMessageFormat, int(status), status.Text(), int(status), status.Explain())
	return NewResponse(status).SetBody(utils.DefaultErrorContentType, []byte(body))
}

// Serialize renders the status line, headers and body. Server, Date,
// Content-Length and Connection are always set by Serialize itself.
func (r *Response) Serialize() []byte {
	date := r.Date
	if date.IsZero() {
		date = time.Now()
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", int(r.Status), r.Status.Text())
	writeHeader(&b, "Server", config.ServerSoftware())
	writeHeader(&b, "Date", date.UTC().Format(TimeFormat))

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		switch k {
		case "Server", "Date", "Content-Length", "Connection":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			writeHeader(&b, k, v)
		}
	}

	if r.Status != utils.StatusNoContent {
		writeHeader(&b, "Content-Length", strconv.Itoa(len(r.Body)))
	}
	if r.Close {
		writeHeader(&b, "Connection", "close")
	} else {
		writeHeader(&b, "Connection", "keep-alive")
	}
	b.WriteString("\r\n")
	if r.Status != utils.StatusNoContent {
		b.Write(r.Body)
	}
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}
