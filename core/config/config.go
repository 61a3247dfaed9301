package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	defaultServerName  = "champions_server"
	defaultBindHost    = "0.0.0.0"
	defaultPort        = 8080
	defaultMaxBodySize = 100000000
)

// fileConfig mirrors the on-disk layout of structured (yaml/json/toml) configs.
type fileConfig struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Servers []fileServer  `mapstructure:"servers"`
}

type fileServer struct {
	Port       *int           `mapstructure:"port"`
	Host       string         `mapstructure:"host"`
	ServerName string         `mapstructure:"server_name"`
	ErrorPage  string         `mapstructure:"error_page"`
	LimitSize  int64          `mapstructure:"limit_size"`
	Locations  []fileLocation `mapstructure:"locations"`
}

type fileLocation struct {
	URL         string            `mapstructure:"url"`
	Root        string            `mapstructure:"root"`
	AllowMethod []string          `mapstructure:"allow_method"`
	AutoIndex   bool              `mapstructure:"autoindex"`
	Index       []string          `mapstructure:"index"`
	UploadPath  string            `mapstructure:"upload_path"`
	CGIExt      []string          `mapstructure:"cgi_ext"`
	CGIPath     string            `mapstructure:"cgi_path"`
	ErrorPages  map[string]string `mapstructure:"error_pages"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.log_to_file", false)
	v.SetDefault("logger.file_path", "logs/webserv.log")
	v.SetDefault("logger.with_time", true)
	v.SetDefault("logger.color", true)

	v.SetDefault("runtime.poll_timeout", 10*time.Millisecond)
	v.SetDefault("runtime.read_buffer", 4096)
	v.SetDefault("runtime.cgi_workers", 4)
	v.SetDefault("runtime.cgi_timeout", 30*time.Second)
	v.SetDefault("runtime.metrics_addr", "")
}

// Load reads the configuration file at path and returns the validated
// configuration. Files ending in .conf use the nginx-style block syntax;
// anything else is handed to viper (yaml, json, toml).
//
// A .env file next to the configuration is loaded into the environment first,
// and WEBSERV_* variables override the logger and runtime sections, e.g.
// WEBSERV_RUNTIME_CGI_WORKERS=8.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WEBSERV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var fc fileConfig
	var servers []*ServerConfig
	if strings.EqualFold(filepath.Ext(path), ".conf") {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		defer f.Close()
		if servers, err = ParseConf(f); err != nil {
			return nil, err
		}
		if err := v.Unmarshal(&fc); err != nil {
			return nil, fmt.Errorf("unable to decode into struct: %w", err)
		}
	} else {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := v.Unmarshal(&fc); err != nil {
			return nil, fmt.Errorf("unable to decode into struct: %w", err)
		}
		var err error
		if servers, err = fc.buildServers(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Logger:  fc.Logger,
		Runtime: fc.Runtime,
		Servers: servers,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return cfg, nil
}

func (fc *fileConfig) buildServers() ([]*ServerConfig, error) {
	var errs error
	servers := make([]*ServerConfig, 0, len(fc.Servers))
	for i, fs := range fc.Servers {
		s := newServer()
		if fs.Port != nil {
			s.Port = *fs.Port
		}
		if fs.Host != "" {
			s.BindHost = fs.Host
		}
		if fs.ServerName != "" {
			s.ServerName = fs.ServerName
		}
		s.DefaultErrorPage = fs.ErrorPage
		if fs.LimitSize != 0 {
			s.MaxBodySize = fs.LimitSize
		}
		for _, fl := range fs.Locations {
			l, err := fl.build()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("server #%d: %w", i+1, err))
				continue
			}
			s.Locations = append(s.Locations, l)
		}
		if len(fs.Locations) == 0 {
			s.Locations = []*LocationConfig{DefaultLocation()}
		}
		servers = append(servers, s)
	}
	return servers, errs
}

func (fl *fileLocation) build() (*LocationConfig, error) {
	var errs error
	l := &LocationConfig{
		URLPrefix:          fl.URL,
		DocumentRoot:       fl.Root,
		AutoIndex:          fl.AutoIndex,
		UploadPath:         fl.UploadPath,
		CGIExtensions:      append([]string(nil), fl.CGIExt...),
		CGIInterpreterPath: fl.CGIPath,
	}
	for _, token := range fl.AllowMethod {
		m, err := ParseMethod(token)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("location %q: %w", fl.URL, err))
			continue
		}
		l.AllowedMethods = l.AllowedMethods.With(m)
	}
	l.IndexFileCandidates = preferenceOrder(fl.Index)
	if len(fl.ErrorPages) > 0 {
		l.ErrorPageOverrides = make(map[int]string, len(fl.ErrorPages))
		for k, page := range fl.ErrorPages {
			status, err := strconv.Atoi(k)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("location %q: error_pages key %q is not a status code", fl.URL, k))
				continue
			}
			l.ErrorPageOverrides[status] = page
		}
	}
	return l, errs
}

func newServer() *ServerConfig {
	return &ServerConfig{
		Port:        defaultPort,
		BindHost:    defaultBindHost,
		ServerName:  defaultServerName,
		MaxBodySize: defaultMaxBodySize,
	}
}

// preferenceOrder turns an index list written most-preferred first (as in
// nginx) into the model's least-to-most preferred order.
func preferenceOrder(written []string) []string {
	out := make([]string, len(written))
	for i, name := range written {
		out[len(written)-1-i] = name
	}
	return out
}

// GoVersion returns the Go runtime version without the "go" prefix.
func GoVersion() string {
	return strings.TrimPrefix(runtime.Version(), "go")
}

var __VERSION__ = "0.2.0"
var __SERVER_NAME__ = "webserv"

// ServerSoftware is the value sent in the Server header and SERVER_SOFTWARE.
func ServerSoftware() string {
	return __SERVER_NAME__ + "/" + __VERSION__ + " Go/" + GoVersion()
}
