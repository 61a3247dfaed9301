// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Singert/webserv/core/utils"
)

const subsystem = "webserv"

// Metrics holds every collector, labeled by server name.
type Metrics struct {
	connectionsAccepted *prometheus.CounterVec
	acceptErrors        *prometheus.CounterVec
	openConnections     *prometheus.GaugeVec
	responses           *prometheus.CounterVec
	cgiRuns             *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by the event loop",
		}, []string{"server"}),
		acceptErrors: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "accept_errors_total",
			Help:      "Accepted connections that had to be dropped",
		}, []string{"server"}),
		openConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "open_connections",
			Help:      "Connections currently tracked by the event loop",
		}, []string{"server"}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "responses_total",
			Help:      "Responses queued for sending, by status code",
		}, []string{"server", "code"}),
		cgiRuns: f.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "cgi_runs_total",
			Help:      "CGI script runs, by outcome",
		}, []string{"server", "outcome"}),
	}
}

// Server is the view of Metrics for one server. A nil *Server records nothing.
type Server struct {
	m    *Metrics
	name string
}

// ForServer returns the collectors labeled for server name.
func (m *Metrics) ForServer(name string) *Server {
	if m == nil {
		return nil
	}
	return &Server{m: m, name: name}
}

func (s *Server) Accepted() {
	if s == nil {
		return
	}
	s.m.connectionsAccepted.WithLabelValues(s.name).Inc()
	s.m.openConnections.WithLabelValues(s.name).Inc()
}

func (s *Server) AcceptFailed() {
	if s == nil {
		return
	}
	s.m.acceptErrors.WithLabelValues(s.name).Inc()
}

func (s *Server) Reaped(n int) {
	if s == nil || n == 0 {
		return
	}
	s.m.openConnections.WithLabelValues(s.name).Sub(float64(n))
}

func (s *Server) Response(status utils.HTTPStatus) {
	if s == nil {
		return
	}
	s.m.responses.WithLabelValues(s.name, strconv.Itoa(int(status))).Inc()
}

// CGI records a finished script run: "ok" or "error".
func (s *Server) CGI(outcome string) {
	if s == nil {
		return
	}
	s.m.cgiRuns.WithLabelValues(s.name, outcome).Inc()
}
