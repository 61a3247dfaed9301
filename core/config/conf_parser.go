package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// ParseConf parses the nginx-style block syntax:
//
//	server {
//	    port 8080
//	    host 127.0.0.1
//	    server_name champions_server
//	    error_page html/404.html
//	    limit_size 100000000
//	    location /upload {
//	        root ./html/upload
//	        allow_method POST DELETE
//	        autoindex off
//	        index index.html index.htm
//	        upload_path ./html/upload
//	        cgi_ext .py .sh
//	        cgi_path /usr/bin/python3
//	        error_page 500 502 html/50x.html
//	    }
//	}
//
// Statements end at a newline or ';'. '#' starts a comment. Every problem is
// reported, not only the first one.
func ParseConf(r io.Reader) ([]*ServerConfig, error) {
	p := &confParser{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.line++
		p.scanLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if p.location != nil || p.server != nil {
		p.errorf("unexpected end of file: unclosed block")
	}
	if len(p.servers) == 0 && p.errs == nil {
		p.errorf("no server data found")
	}
	if p.errs != nil {
		return nil, p.errs
	}
	return p.servers, nil
}

type confParser struct {
	line     int
	servers  []*ServerConfig
	server   *ServerConfig
	location *LocationConfig
	errs     error
}

func (p *confParser) errorf(format string, args ...interface{}) {
	p.errs = multierr.Append(p.errs, fmt.Errorf("line %d: %s", p.line, fmt.Sprintf(format, args...)))
}

func (p *confParser) scanLine(line string) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	var words []string
	var word strings.Builder
	flushWord := func() {
		if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	for _, c := range line {
		switch c {
		case ' ', '\t', '\r':
			flushWord()
		case '{', '}', ';':
			flushWord()
			p.statement(words, c)
			words = nil
		default:
			word.WriteRune(c)
		}
	}
	flushWord()
	if len(words) > 0 {
		p.statement(words, '\n')
	}
}

func (p *confParser) statement(words []string, term rune) {
	switch term {
	case '{':
		p.open(words)
	case '}':
		if len(words) > 0 {
			p.directive(words)
		}
		p.close()
	default:
		if len(words) > 0 {
			p.directive(words)
		}
	}
}

func (p *confParser) open(words []string) {
	switch {
	case len(words) == 1 && words[0] == "server":
		if p.server != nil {
			p.errorf("nested server block")
			return
		}
		p.server = newServer()
	case len(words) >= 1 && words[0] == "location":
		if p.server == nil || p.location != nil {
			p.errorf("location block outside of a server block")
			return
		}
		if len(words) != 2 {
			p.errorf("location block requires exactly one url")
		}
		url := ""
		if len(words) > 1 {
			url = words[1]
		}
		p.location = &LocationConfig{URLPrefix: url}
	default:
		p.errorf("unexpected block %q", strings.Join(words, " "))
	}
}

func (p *confParser) close() {
	switch {
	case p.location != nil:
		p.server.Locations = append(p.server.Locations, p.location)
		p.location = nil
	case p.server != nil:
		if len(p.server.Locations) == 0 {
			p.server.Locations = []*LocationConfig{DefaultLocation()}
		}
		p.servers = append(p.servers, p.server)
		p.server = nil
	default:
		p.errorf("unexpected '}'")
	}
}

func (p *confParser) directive(words []string) {
	switch {
	case p.location != nil:
		p.locationDirective(p.location, words[0], words[1:])
	case p.server != nil:
		p.serverDirective(p.server, words[0], words[1:])
	default:
		p.errorf("directive %q outside of a server block", words[0])
	}
}

func (p *confParser) serverDirective(s *ServerConfig, name string, args []string) {
	if len(args) != 1 {
		p.errorf("wrong server option: %s expects one value", name)
		return
	}
	value := args[0]
	switch name {
	case "port", "listen":
		n, err := strconv.Atoi(value)
		if err != nil {
			p.errorf("port %q is not a number", value)
			return
		}
		s.Port = n
	case "limit_size", "client_max_body_size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			p.errorf("limit_size %q is not a number", value)
			return
		}
		s.MaxBodySize = n
	case "host":
		s.BindHost = value
	case "server_name":
		s.ServerName = value
	case "error_page":
		s.DefaultErrorPage = value
	default:
		p.errorf("wrong server option %q", name)
	}
}

func (p *confParser) locationDirective(l *LocationConfig, name string, args []string) {
	if len(args) == 0 {
		p.errorf("wrong location option: %s expects a value", name)
		return
	}
	switch name {
	case "root":
		l.DocumentRoot = args[0]
	case "allow_method":
		for _, token := range args {
			m, err := ParseMethod(token)
			if err != nil {
				p.errorf("%v", err)
				continue
			}
			l.AllowedMethods = l.AllowedMethods.With(m)
		}
	case "autoindex", "autoIndex":
		switch args[0] {
		case "on":
			l.AutoIndex = true
		case "off":
			l.AutoIndex = false
		default:
			p.errorf("autoindex expects on or off, got %q", args[0])
		}
	case "index":
		l.IndexFileCandidates = preferenceOrder(args)
	case "upload_path":
		l.UploadPath = args[0]
	case "cgi_ext":
		l.CGIExtensions = append(l.CGIExtensions, args...)
	case "cgi_path":
		l.CGIInterpreterPath = args[0]
	case "error_page":
		if len(args) < 2 {
			p.errorf("error_page expects one or more status codes and a path")
			return
		}
		page := args[len(args)-1]
		if l.ErrorPageOverrides == nil {
			l.ErrorPageOverrides = make(map[int]string)
		}
		for _, code := range args[:len(args)-1] {
			status, err := strconv.Atoi(code)
			if err != nil {
				p.errorf("error_page status %q is not a number", code)
				continue
			}
			l.ErrorPageOverrides[status] = page
		}
	default:
		p.errorf("wrong location option %q", name)
	}
}
