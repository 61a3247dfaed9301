// Package handler turns a parsed request into a response for one server:
// static files, directory listings, uploads, deletes and CGI scripts, with
// the server's error pages.
package handler

import (
	"context"

	"github.com/Singert/webserv/core/httpmsg"
)

// Outcome is the result of dispatching a request. Exactly one of Response and
// CGI is set: a CGI job still has to run before its response exists.
type Outcome struct {
	Response *httpmsg.Response
	CGI      *CGIJob
}

// Ready reports whether the outcome already carries its response.
func (o Outcome) Ready() bool {
	return o.Response != nil
}

// Respond dispatches req and runs any CGI job inline. Used where blocking is
// acceptable, mostly tests and tools.
func (d *Dispatcher) Respond(ctx context.Context, req *httpmsg.Request) *httpmsg.Response {
	out := d.Dispatch(req)
	if out.Ready() {
		return out.Response
	}
	return out.CGI.Run(ctx)
}
