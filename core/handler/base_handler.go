package handler

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/httpmsg"
	"github.com/Singert/webserv/core/router"
	"github.com/Singert/webserv/core/utils"
)

// DefaultCGITimeout applies when the dispatcher is built with no timeout.
const DefaultCGITimeout = 30 * time.Second

// Dispatcher answers requests for one ServerConfig. It only reads the
// configuration, so one Dispatcher serves every connection of the server.
type Dispatcher struct {
	server     *config.ServerConfig
	router     *router.Router
	cgiTimeout time.Duration
	log        *zap.Logger
}

// New returns a Dispatcher for server.
func New(server *config.ServerConfig, cgiTimeout time.Duration, log *zap.Logger) *Dispatcher {
	if cgiTimeout <= 0 {
		cgiTimeout = DefaultCGITimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		server:     server,
		router:     router.New(server.Locations),
		cgiTimeout: cgiTimeout,
		log:        log.Named("dispatch"),
	}
}

// Server returns the configuration the dispatcher serves.
func (d *Dispatcher) Server() *config.ServerConfig {
	return d.server
}

// Dispatch routes req and builds its response, or the CGI job that will.
func (d *Dispatcher) Dispatch(req *httpmsg.Request) Outcome {
	if !req.IsWellFormed() {
		d.log.Warn("malformed request", zap.Int("status", int(req.Status)), zap.Error(req.Err))
		return d.finish(req, d.errorResponse(req.Status, nil))
	}

	loc, ok := d.router.Resolve(req.Path)
	if !ok {
		return d.finish(req, d.errorResponse(utils.StatusNotFound, nil))
	}

	method, err := config.ParseMethod(req.Method)
	if err != nil || !router.IsMethodAllowed(method, loc) {
		resp := d.errorResponse(utils.StatusMethodNotAllowed, loc)
		if allow := loc.AllowedMethods.String(); allow != "" {
			resp.Header.Set("Allow", allow)
		}
		return d.finish(req, resp)
	}

	target, err := router.SubstitutePath(req.Path, loc)
	if err != nil {
		// Nothing under the location's root answers to this path.
		d.log.Warn("path rejected", zap.String("path", req.Path), zap.Error(err))
		return d.finish(req, d.errorResponse(utils.StatusNotFound, loc))
	}

	if method != config.MethodDELETE && loc.HasCGIExtension(target) {
		info, err := os.Stat(target)
		if err != nil {
			return d.finish(req, d.statError(err, loc))
		}
		if !info.IsDir() {
			return Outcome{CGI: &CGIJob{d: d, Request: req, Location: loc, Script: target}}
		}
	}

	var resp *httpmsg.Response
	switch method {
	case config.MethodGET:
		resp = d.serveStatic(req, loc, target)
	case config.MethodPOST:
		resp = d.upload(req, loc)
	case config.MethodDELETE:
		resp = d.remove(loc, target)
	}
	return d.finish(req, resp)
}

// finish marks the response for closing when the client asked for it or when
// the status forbids serving the connection any further.
func (d *Dispatcher) finish(req *httpmsg.Request, resp *httpmsg.Response) Outcome {
	if !req.KeepAlive() || resp.Status.IsInternalError() {
		resp.Close = true
	}
	return Outcome{Response: resp}
}

// errorResponse builds the error page for status. A page configured on the
// location wins, then the server's default page for 404, then the generated
// page. Unreadable page files fall back to the generated page.
func (d *Dispatcher) errorResponse(status utils.HTTPStatus, loc *config.LocationConfig) *httpmsg.Response {
	page := ""
	if loc != nil {
		if p, ok := loc.ErrorPage(int(status)); ok {
			page = p
		}
	}
	if page == "" && status == utils.StatusNotFound {
		page = d.server.DefaultErrorPage
	}
	if page != "" {
		body, err := os.ReadFile(page)
		if err == nil {
			return httpmsg.NewResponse(status).SetBody(GuessType(page), body)
		}
		d.log.Warn("error page unreadable", zap.String("page", page), zap.Error(err))
	}
	return httpmsg.ErrorResponse(status)
}

// statError maps a filesystem error to its status.
func (d *Dispatcher) statError(err error, loc *config.LocationConfig) *httpmsg.Response {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return d.errorResponse(utils.StatusNotFound, loc)
	case errors.Is(err, fs.ErrPermission):
		return d.errorResponse(utils.StatusForbidden, loc)
	default:
		d.log.Error("filesystem error", zap.Error(err))
		return d.errorResponse(utils.StatusInternalServerError, loc)
	}
}
