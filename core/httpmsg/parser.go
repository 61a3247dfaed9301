package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/Singert/webserv/core/utils"
)

// ErrIncomplete means the buffer holds only the beginning of a request.
var ErrIncomplete = errors.New("incomplete request")

// DefaultMaxHeaderBytes bounds the request line plus headers.
const DefaultMaxHeaderBytes = 64 << 10

// Parser extracts requests from the front of a connection's inbound buffer.
//
// A Parser remembers how far it got in the request it is working on, so a
// call that returns ErrIncomplete is cheap to repeat: the next call must pass
// the same bytes with more appended, and only the new bytes are examined. One
// Parser serves one byte stream; call Reset when the buffer is discarded.
type Parser struct {
	// MaxBodySize is the largest accepted body. Zero means unlimited.
	MaxBodySize int64
	// MaxHeaderBytes defaults to DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	skip    int // leading blank lines
	scanned int // bytes searched for the end of the header

	head      *Request // parsed request line and headers, body pending
	bodyStart int      // offset of the body after skip
	length    int64    // Content-Length, or -1 for chunked

	chunk chunkDecoder
}

var (
	crlfcrlf = []byte("\r\n\r\n")
	lflf     = []byte("\n\n")
)

// maxChunkLine bounds a chunk-size or trailer line.
const maxChunkLine = 4096

// Reset drops the progress on a partially received request.
func (p *Parser) Reset() {
	p.skip, p.scanned = 0, 0
	p.head, p.bodyStart, p.length = nil, 0, 0
	p.chunk = chunkDecoder{}
}

// Parse reads one request from the front of buf and returns it along with the
// number of bytes it occupied. It returns ErrIncomplete when more bytes are
// needed. A malformed message yields a request whose IsWellFormed is false;
// such a request consumes the whole buffer since the stream cannot be
// resynchronized.
func (p *Parser) Parse(buf []byte) (*Request, int, error) {
	if p.head == nil {
		if bad := p.parseHeader(buf); bad != nil {
			p.Reset()
			return bad, len(buf), nil
		}
		if p.head == nil {
			return nil, 0, ErrIncomplete
		}
	}

	data := buf[p.skip+p.bodyStart:]
	var (
		body []byte
		n    int
	)
	if p.length < 0 {
		var bad *Request
		body, n, bad = p.chunk.decode(data, p.MaxBodySize)
		if bad != nil {
			p.Reset()
			return bad, len(buf), nil
		}
		if n < 0 {
			return nil, 0, ErrIncomplete
		}
	} else {
		if int64(len(data)) < p.length {
			return nil, 0, ErrIncomplete
		}
		n = int(p.length)
		if n > 0 {
			body = make([]byte, n)
			copy(body, data[:n])
		}
	}

	req := p.head
	req.Body = body
	used := p.skip + p.bodyStart + n
	p.Reset()
	return req, used, nil
}

// parseHeader looks for the end of the header in the bytes not searched yet
// and parses it once found. It leaves p.head nil while the header is
// incomplete.
func (p *Parser) parseHeader(buf []byte) *Request {
	// Empty lines before the request line are ignored.
	for p.skip < len(buf) && (buf[p.skip] == '\r' || buf[p.skip] == '\n') {
		p.skip++
	}
	data := buf[p.skip:]
	if len(data) == 0 {
		return nil
	}

	maxHeader := p.MaxHeaderBytes
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderBytes
	}
	// A separator straddling the previous end starts at most 3 bytes back.
	from := max(p.scanned-len(crlfcrlf)+1, 0)
	end, sepLen := headerEnd(data[from:])
	if end < 0 {
		p.scanned = len(data)
		if len(data) > maxHeader {
			return malformed(utils.StatusHeaderFieldsTooLarge, "request header exceeds %d bytes", maxHeader)
		}
		return nil
	}
	end += from
	if end > maxHeader {
		return malformed(utils.StatusHeaderFieldsTooLarge, "request header exceeds %d bytes", maxHeader)
	}

	req, bad := parseHead(data[:end+sepLen])
	if bad != nil {
		return bad
	}
	length, bad := p.bodyLength(req)
	if bad != nil {
		return bad
	}
	p.head, p.bodyStart, p.length = req, end+sepLen, length
	return nil
}

func headerEnd(data []byte) (int, int) {
	i := bytes.Index(data, crlfcrlf)
	j := bytes.Index(data, lflf)
	switch {
	case i < 0 && j < 0:
		return -1, 0
	case j < 0 || (i >= 0 && i < j):
		return i, len(crlfcrlf)
	default:
		return j, len(lflf)
	}
}

func parseHead(head []byte) (*Request, *Request) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := tp.ReadLine()
	if err != nil {
		return nil, malformed(utils.StatusBadRequest, "reading request line: %v", err)
	}
	words := strings.Split(line, " ")
	if len(words) != 3 {
		return nil, malformed(utils.StatusBadRequest, "bad request syntax (%s)", line)
	}
	method, target, proto := words[0], words[1], words[2]
	if !validMethod(method) {
		return nil, malformed(utils.StatusBadRequest, "bad request method (%s)", method)
	}
	major, minor, ok := parseVersion(proto)
	if !ok {
		return nil, malformed(utils.StatusBadRequest, "bad request version (%s)", proto)
	}
	if major != 1 {
		return nil, malformed(utils.StatusVersionNotSupported, "invalid HTTP version (%s)", proto)
	}

	u, err := url.ParseRequestURI(target)
	if err != nil || u.Path == "" || !strings.HasPrefix(u.Path, "/") {
		return nil, malformed(utils.StatusBadRequest, "bad request URI (%s)", target)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, malformed(utils.StatusBadRequest, "bad request header: %v", err)
	}
	if header == nil {
		header = textproto.MIMEHeader{}
	}

	return &Request{
		Method:     method,
		Target:     target,
		Path:       cleanPath(u.Path),
		RawQuery:   u.RawQuery,
		Proto:      proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     header,
	}, nil
}

// bodyLength returns the announced body length, -1 for a chunked body.
func (p *Parser) bodyLength(req *Request) (int64, *Request) {
	if te := req.Header.Get("Transfer-Encoding"); te != "" {
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			return 0, malformed(utils.StatusNotImplemented, "unsupported transfer encoding (%s)", te)
		}
		return -1, nil
	}

	values := req.Header.Values("Content-Length")
	if len(values) == 0 {
		return 0, nil
	}
	for _, v := range values[1:] {
		if v != values[0] {
			return 0, malformed(utils.StatusBadRequest, "conflicting Content-Length values")
		}
	}
	length, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil || length < 0 {
		return 0, malformed(utils.StatusBadRequest, "invalid Content-Length (%s)", values[0])
	}
	if p.MaxBodySize > 0 && length > p.MaxBodySize {
		return 0, malformed(utils.StatusPayloadTooLarge, "body of %d bytes exceeds limit of %d", length, p.MaxBodySize)
	}
	return length, nil
}

type chunkStep int

const (
	chunkSize chunkStep = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// chunkDecoder decodes a chunked body as it arrives. pos is the offset of the
// first byte it has not consumed yet.
type chunkDecoder struct {
	step   chunkStep
	pos    int
	remain int64
	body   []byte
}

// decode continues from where the previous call stopped. It returns the body
// and the encoded length once the terminating chunk and trailer are in, or
// n < 0 when more bytes are needed.
func (d *chunkDecoder) decode(data []byte, limit int64) ([]byte, int, *Request) {
	for {
		switch d.step {
		case chunkSize:
			line, ok, bad := d.line(data)
			if bad != nil || !ok {
				return nil, -1, bad
			}
			if i := bytes.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}
			size, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 63)
			if err != nil {
				return nil, 0, malformed(utils.StatusBadRequest, "bad chunk size %q", line)
			}
			if limit > 0 && int64(len(d.body))+int64(size) > limit {
				return nil, 0, malformed(utils.StatusPayloadTooLarge, "chunked body exceeds limit of %d", limit)
			}
			if size == 0 {
				d.step = chunkTrailer
				continue
			}
			d.remain = int64(size)
			d.step = chunkData

		case chunkData:
			n := min(d.remain, int64(len(data)-d.pos))
			d.body = append(d.body, data[d.pos:d.pos+int(n)]...)
			d.pos += int(n)
			d.remain -= n
			if d.remain > 0 {
				return nil, -1, nil
			}
			d.step = chunkDataEnd

		case chunkDataEnd:
			rest := data[d.pos:]
			switch {
			case len(rest) == 0, len(rest) == 1 && rest[0] == '\r':
				return nil, -1, nil
			case rest[0] == '\n':
				d.pos++
			case rest[0] == '\r' && rest[1] == '\n':
				d.pos += 2
			default:
				return nil, 0, malformed(utils.StatusBadRequest, "chunk data not followed by CRLF")
			}
			d.step = chunkSize

		case chunkTrailer:
			// Trailer fields are skipped up to the empty line.
			line, ok, bad := d.line(data)
			if bad != nil || !ok {
				return nil, -1, bad
			}
			if len(line) == 0 {
				return d.body, d.pos, nil
			}
		}
	}
}

// line returns the next line without its terminator and moves past it.
func (d *chunkDecoder) line(data []byte) ([]byte, bool, *Request) {
	rest := data[d.pos:]
	i := bytes.IndexByte(rest, '\n')
	if i < 0 {
		if len(rest) > maxChunkLine {
			return nil, false, malformed(utils.StatusBadRequest, "chunk line exceeds %d bytes", maxChunkLine)
		}
		return nil, false, nil
	}
	d.pos += i + 1
	return bytes.TrimSuffix(rest[:i], []byte("\r")), true, nil
}

func parseVersion(proto string) (int, int, bool) {
	if !strings.HasPrefix(proto, "HTTP/") {
		return 0, 0, false
	}
	majorS, minorS, ok := strings.Cut(proto[len("HTTP/"):], ".")
	if !ok || len(majorS) == 0 || len(minorS) == 0 || len(majorS) > 3 || len(minorS) > 3 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(majorS)
	if err != nil || major < 0 {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(minorS)
	if err != nil || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}

func validMethod(m string) bool {
	if m == "" {
		return false
	}
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// cleanPath removes dot segments so the path cannot climb above the document
// root. A trailing slash is kept: it distinguishes directory requests.
func cleanPath(p string) string {
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
