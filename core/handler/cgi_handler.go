package handler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/httpmsg"
	"github.com/Singert/webserv/core/utils"
)

// CGIJob is a script run pending for one request.
type CGIJob struct {
	d        *Dispatcher
	Request  *httpmsg.Request
	Location *config.LocationConfig
	Script   string
}

// Run executes the script with the location's interpreter and converts its
// output into a response. Any failure yields a 500 response. Run blocks until
// the script exits or the dispatcher's CGI timeout elapses.
func (j *CGIJob) Run(ctx context.Context) *httpmsg.Response {
	d := j.d
	log := d.log.With(zap.String("script", j.Script))
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.cgiTimeout)
	defer cancel()

	script, err := filepath.Abs(j.Script)
	if err != nil {
		log.Error("resolving script path", zap.Error(err))
		return d.finish(j.Request, d.errorResponse(utils.StatusInternalServerError, j.Location)).Response
	}

	cmd := exec.CommandContext(ctx, j.Location.CGIInterpreterPath, script)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = j.environment(script)
	cmd.Stdin = bytes.NewReader(j.Request.Body)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", d.cgiTimeout, err)
		}
		log.Error("CGI script failed", zap.Error(err), zap.ByteString("stderr", stderr.Bytes()))
		return d.finish(j.Request, d.errorResponse(utils.StatusInternalServerError, j.Location)).Response
	}
	if stderr.Len() > 0 {
		log.Warn("CGI stderr", zap.ByteString("stderr", stderr.Bytes()))
	}

	resp, err := parseCGIOutput(stdout.Bytes())
	if err != nil {
		log.Error("bad CGI output", zap.Error(err))
		return d.finish(j.Request, d.errorResponse(utils.StatusInternalServerError, j.Location)).Response
	}
	log.Debug("CGI script finished", zap.Duration("took", time.Since(start)), zap.Int("status", int(resp.Status)))
	return d.finish(j.Request, resp).Response
}

// environment builds the CGI/1.1 variables for the request. Variables
// inherited from the server process never shadow the CGI ones.
func (j *CGIJob) environment(script string) []string {
	req := j.Request
	srv := j.d.server
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_SOFTWARE=" + config.ServerSoftware(),
		"SERVER_NAME=" + srv.ServerName,
		"SERVER_PORT=" + strconv.Itoa(srv.Port),
		"SERVER_PROTOCOL=" + req.Proto,
		"REQUEST_METHOD=" + req.Method,
		"REQUEST_URI=" + req.Target,
		"SCRIPT_FILENAME=" + script,
		"SCRIPT_NAME=" + req.Path,
		"PATH_INFO=" + req.Path,
		"QUERY_STRING=" + req.RawQuery,
		"CONTENT_LENGTH=" + strconv.Itoa(len(req.Body)),
		"REDIRECT_STATUS=200",
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	if host, port, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		env = append(env, "REMOTE_ADDR="+host, "REMOTE_PORT="+port)
	}
	for k, v := range req.Header {
		// Proxy would become HTTP_PROXY, which HTTP clients in the script
		// honor as their outbound proxy.
		if k == "Content-Type" || k == "Content-Length" || k == "Proxy" {
			continue
		}
		k = strings.ReplaceAll(strings.ToUpper(k), "-", "_")
		env = append(env, "HTTP_"+k+"="+strings.Join(v, ", "))
	}

	for _, kv := range os.Environ() {
		if !cgiVariable(kv) {
			env = append(env, kv)
		}
	}
	return env
}

var cgiPrefixes = []string{
	"SERVER_", "GATEWAY_", "REQUEST_", "PATH_INFO", "SCRIPT_", "REMOTE_",
	"QUERY_", "HTTP_", "CONTENT_", "REDIRECT_STATUS",
}

func cgiVariable(kv string) bool {
	for _, p := range cgiPrefixes {
		if strings.HasPrefix(kv, p) {
			return true
		}
	}
	return false
}

// parseCGIOutput splits script output into headers and body. Output without
// a header block is served as an HTML body.
func parseCGIOutput(out []byte) (*httpmsg.Response, error) {
	end, sepLen := -1, 0
	if i := bytes.Index(out, []byte("\r\n\r\n")); i >= 0 {
		end, sepLen = i, 4
	}
	if i := bytes.Index(out, []byte("\n\n")); i >= 0 && (end < 0 || i < end) {
		end, sepLen = i, 2
	}
	if end < 0 {
		return httpmsg.NewResponse(utils.StatusOK).SetBody("text/html", out), nil
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(out[:end+sepLen])))
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("reading CGI headers: %w", err)
	}

	resp := httpmsg.NewResponse(utils.StatusOK)
	if status := header.Get("Status"); status != "" {
		code, _, _ := strings.Cut(strings.TrimSpace(status), " ")
		n, err := strconv.Atoi(code)
		if err != nil || n < 100 || n > 599 {
			return nil, fmt.Errorf("invalid CGI Status header %q", status)
		}
		resp.Status = utils.HTTPStatus(n)
		header.Del("Status")
	}
	for k, v := range header {
		resp.Header[k] = v
	}
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "text/html")
	}
	resp.Body = out[end+sepLen:]
	return resp, nil
}
