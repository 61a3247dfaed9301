package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config is everything the process needs: how to log, how the loop runs, and
// the virtual hosts to serve.
type Config struct {
	Logger  LoggerConfig
	Runtime RuntimeConfig
	Servers []*ServerConfig
}

// LoggerConfig configures core/talklog.
type LoggerConfig struct {
	Level     string `mapstructure:"level"`
	LogToFile bool   `mapstructure:"log_to_file"`
	FilePath  string `mapstructure:"file_path"`
	WithTime  bool   `mapstructure:"with_time"`
	Color     bool   `mapstructure:"color"`
}

// RuntimeConfig tunes the event loop and the CGI worker pool.
type RuntimeConfig struct {
	// PollTimeout bounds each readiness wait so the loop stays responsive
	// when idle.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	// ReadBuffer is the size of a single non-blocking read.
	ReadBuffer int `mapstructure:"read_buffer"`
	// CGIWorkers bounds how many CGI processes run at once per server.
	CGIWorkers int `mapstructure:"cgi_workers"`
	// CGITimeout kills a CGI process that runs longer.
	CGITimeout time.Duration `mapstructure:"cgi_timeout"`
	// MetricsAddr, when set, serves Prometheus metrics on /metrics.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// ServerConfig is one virtual host. It is built once by Load and must not be
// mutated afterwards: every connection of the server shares it.
type ServerConfig struct {
	Port             int
	BindHost         string
	ServerName       string
	DefaultErrorPage string
	MaxBodySize      int64
	// Locations are kept in configured order; the first match wins.
	Locations []*LocationConfig
}

// Addr is the host:port the server listens on.
func (s *ServerConfig) Addr() string {
	return net.JoinHostPort(s.BindHost, strconv.Itoa(s.Port))
}

// LocationConfig is one routable URL prefix of a server. Read-only once built.
type LocationConfig struct {
	URLPrefix      string
	DocumentRoot   string
	AllowedMethods MethodSet
	AutoIndex      bool
	// IndexFileCandidates is ordered least to most preferred: the last entry
	// wins when several exist.
	IndexFileCandidates []string
	UploadPath          string
	CGIExtensions       []string
	CGIInterpreterPath  string
	ErrorPageOverrides  map[int]string
}

// HasCGIExtension reports whether name ends in one of the location's CGI
// extensions.
func (l *LocationConfig) HasCGIExtension(name string) bool {
	for _, ext := range l.CGIExtensions {
		if ext != "" && strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// ErrorPage returns the override page configured for status.
func (l *LocationConfig) ErrorPage(status int) (string, bool) {
	p, ok := l.ErrorPageOverrides[status]
	return p, ok && p != ""
}

// Validate checks the location invariants.
func (l *LocationConfig) Validate() error {
	var err error
	if l.URLPrefix == "" || !strings.HasPrefix(l.URLPrefix, "/") {
		err = multierr.Append(err, fmt.Errorf("location %q: url must be non-empty and start with '/'", l.URLPrefix))
	}
	if len(l.CGIExtensions) > 0 && l.CGIInterpreterPath == "" {
		err = multierr.Append(err, fmt.Errorf("location %q: cgi_ext requires cgi_path", l.URLPrefix))
	}
	for status := range l.ErrorPageOverrides {
		if status < 400 || status > 599 {
			err = multierr.Append(err, fmt.Errorf("location %q: error_page status %d out of range", l.URLPrefix, status))
		}
	}
	return err
}

// Validate checks the server and all of its locations.
func (s *ServerConfig) Validate() error {
	var err error
	if s.Port < 0 || s.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server %q: port %d out of range", s.ServerName, s.Port))
	}
	if s.MaxBodySize <= 0 {
		err = multierr.Append(err, fmt.Errorf("server %q: limit_size must be positive", s.ServerName))
	}
	if len(s.Locations) == 0 {
		err = multierr.Append(err, fmt.Errorf("server %q: no locations", s.ServerName))
	}
	for _, l := range s.Locations {
		err = multierr.Append(err, l.Validate())
	}
	return err
}

// Validate checks every server and that no two servers share a non-zero port.
func (c *Config) Validate() error {
	var err error
	if len(c.Servers) == 0 {
		err = multierr.Append(err, fmt.Errorf("no server data found"))
	}
	ports := make(map[int]string)
	for _, s := range c.Servers {
		err = multierr.Append(err, s.Validate())
		if s.Port == 0 {
			continue
		}
		if other, dup := ports[s.Port]; dup {
			err = multierr.Append(err, fmt.Errorf("servers %q and %q both use port %d", other, s.ServerName, s.Port))
		}
		ports[s.Port] = s.ServerName
	}
	// poll(2) counts whole milliseconds; anything shorter would spin.
	if c.Runtime.PollTimeout < time.Millisecond {
		err = multierr.Append(err, fmt.Errorf("runtime.poll_timeout must be at least 1ms, got %v", c.Runtime.PollTimeout))
	}
	if c.Runtime.CGIWorkers <= 0 {
		err = multierr.Append(err, fmt.Errorf("runtime.cgi_workers must be positive"))
	}
	if c.Runtime.ReadBuffer <= 0 {
		err = multierr.Append(err, fmt.Errorf("runtime.read_buffer must be positive"))
	}
	return err
}

// DefaultLocation is the location a server gets when none is configured.
func DefaultLocation() *LocationConfig {
	return &LocationConfig{
		URLPrefix:           "/",
		DocumentRoot:        "./html",
		AllowedMethods:      NewMethodSet(MethodGET, MethodPOST, MethodDELETE),
		AutoIndex:           true,
		IndexFileCandidates: []string{"index.html"},
	}
}
