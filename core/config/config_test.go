package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConf = `
# two virtual hosts
server {
    port 8080
    host 127.0.0.1
    server_name champions_server
    error_page html/404.html
    limit_size 1024

    location /upload {
        root ./html/upload
        allow_method POST DELETE
        upload_path ./html/upload
    }
    location / {
        root ./html
        allow_method GET POST
        autoindex on
        index index.html index.htm
        cgi_ext .py .sh
        cgi_path /usr/bin/python3
        error_page 500 502 html/50x.html
    }
}

server {
    port 8081;
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestParseConf(t *testing.T) {
	servers, err := ParseConf(strings.NewReader(sampleConf))
	require.NoError(t, err)
	require.Len(t, servers, 2)

	s := servers[0]
	assert.Equal(t, 8080, s.Port)
	assert.Equal(t, "127.0.0.1", s.BindHost)
	assert.Equal(t, "champions_server", s.ServerName)
	assert.Equal(t, "html/404.html", s.DefaultErrorPage)
	assert.Equal(t, int64(1024), s.MaxBodySize)
	assert.Equal(t, "127.0.0.1:8080", s.Addr())
	require.Len(t, s.Locations, 2)

	upload := s.Locations[0]
	assert.Equal(t, "/upload", upload.URLPrefix)
	assert.Equal(t, NewMethodSet(MethodPOST, MethodDELETE), upload.AllowedMethods)
	assert.Equal(t, "./html/upload", upload.UploadPath)
	assert.False(t, upload.AutoIndex)

	root := s.Locations[1]
	assert.True(t, root.AutoIndex)
	// Written most-preferred first, stored most-preferred last.
	assert.Equal(t, []string{"index.htm", "index.html"}, root.IndexFileCandidates)
	assert.Equal(t, []string{".py", ".sh"}, root.CGIExtensions)
	assert.Equal(t, "/usr/bin/python3", root.CGIInterpreterPath)
	assert.Equal(t, map[int]string{500: "html/50x.html", 502: "html/50x.html"}, root.ErrorPageOverrides)

	// A server without locations gets the default one.
	s2 := servers[1]
	assert.Equal(t, 8081, s2.Port)
	assert.Equal(t, defaultMaxBodySize, int(s2.MaxBodySize))
	require.Len(t, s2.Locations, 1)
	assert.Equal(t, DefaultLocation(), s2.Locations[0])
}

func TestParseConfReportsEveryError(t *testing.T) {
	_, err := ParseConf(strings.NewReader(`
server {
    port eighty
    location /a {
        allow_method GET PUT
        bogus yes
    }
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `line 3: port "eighty" is not a number`)
	assert.Contains(t, msg, `unsupported method "PUT"`)
	assert.Contains(t, msg, `wrong location option "bogus"`)
	assert.Contains(t, msg, "unclosed block")
}

func TestParseConfEmpty(t *testing.T) {
	_, err := ParseConf(strings.NewReader("# nothing here\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no server data found")
}

func TestLoadConf(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "webserv.conf", sampleConf)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, 10*time.Millisecond, cfg.Runtime.PollTimeout)
	assert.Equal(t, 4, cfg.Runtime.CGIWorkers)
	assert.Equal(t, 30*time.Second, cfg.Runtime.CGITimeout)
	assert.Equal(t, 4096, cfg.Runtime.ReadBuffer)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "webserv.yaml", `
logger:
  level: debug
  with_time: false
runtime:
  poll_timeout: 20ms
  cgi_workers: 2
servers:
  - port: 8082
    host: 127.0.0.1
    server_name: yaml
    error_page: html/404.html
    limit_size: 2048
    locations:
      - url: /cgi-bin
        root: ./cgi
        allow_method: [GET, POST]
        cgi_ext: [.py]
        cgi_path: /usr/bin/python3
        error_pages:
          "500": html/500.html
      - url: /
        root: ./html
        allow_method: [GET]
        index: [index.html, default.html]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.False(t, cfg.Logger.WithTime)
	assert.Equal(t, 20*time.Millisecond, cfg.Runtime.PollTimeout)
	assert.Equal(t, 2, cfg.Runtime.CGIWorkers)

	require.Len(t, cfg.Servers, 1)
	s := cfg.Servers[0]
	assert.Equal(t, 8082, s.Port)
	assert.Equal(t, int64(2048), s.MaxBodySize)
	require.Len(t, s.Locations, 2)
	assert.Equal(t, "/cgi-bin", s.Locations[0].URLPrefix)
	assert.True(t, s.Locations[0].HasCGIExtension("hello.py"))
	assert.False(t, s.Locations[0].HasCGIExtension("hello.sh"))
	page, ok := s.Locations[0].ErrorPage(500)
	assert.True(t, ok)
	assert.Equal(t, "html/500.html", page)
	assert.Equal(t, []string{"default.html", "index.html"}, s.Locations[1].IndexFileCandidates)
	assert.True(t, s.Locations[1].AllowedMethods.Has(MethodGET))
	assert.False(t, s.Locations[1].AllowedMethods.Has(MethodPOST))
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "webserv.conf", sampleConf)
	writeFile(t, dir, ".env", "WEBSERV_RUNTIME_METRICS_ADDR=127.0.0.1:9100\n")
	t.Cleanup(func() { os.Unsetenv("WEBSERV_RUNTIME_METRICS_ADDR") })
	t.Setenv("WEBSERV_RUNTIME_CGI_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Runtime.CGIWorkers)
	assert.Equal(t, "127.0.0.1:9100", cfg.Runtime.MetricsAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Runtime: RuntimeConfig{PollTimeout: time.Millisecond, CGIWorkers: 1, ReadBuffer: 512},
		Servers: []*ServerConfig{
			{ServerName: "a", Port: 9000, MaxBodySize: 1, Locations: []*LocationConfig{
				{URLPrefix: "noslash"},
				{URLPrefix: "/cgi", CGIExtensions: []string{".py"}},
			}},
			{ServerName: "b", Port: 9000, MaxBodySize: 1, Locations: []*LocationConfig{DefaultLocation()}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `location "noslash": url must be non-empty and start with '/'`)
	assert.Contains(t, msg, `location "/cgi": cgi_ext requires cgi_path`)
	assert.Contains(t, msg, `servers "a" and "b" both use port 9000`)

	cfg.Servers = cfg.Servers[1:]
	assert.NoError(t, cfg.Validate())
}

func TestValidatePollTimeout(t *testing.T) {
	cfg := &Config{
		Runtime: RuntimeConfig{CGIWorkers: 1, ReadBuffer: 512},
		Servers: []*ServerConfig{{ServerName: "a", MaxBodySize: 1, Locations: []*LocationConfig{DefaultLocation()}}},
	}
	for _, d := range []time.Duration{0, -time.Second, 500 * time.Microsecond} {
		cfg.Runtime.PollTimeout = d
		err := cfg.Validate()
		require.Error(t, err, d)
		assert.Contains(t, err.Error(), "runtime.poll_timeout must be at least 1ms")
	}
	cfg.Runtime.PollTimeout = time.Millisecond
	assert.NoError(t, cfg.Validate())
}

func TestMethodSet(t *testing.T) {
	var empty MethodSet
	for _, m := range AllMethods {
		assert.False(t, empty.Has(m), "empty set must allow nothing")
	}
	s := NewMethodSet(MethodGET)
	grown := s.With(MethodDELETE)
	for _, m := range AllMethods {
		if s.Has(m) {
			assert.True(t, grown.Has(m), "adding a method must keep %s allowed", m)
		}
	}
	assert.Equal(t, "GET, DELETE", grown.String())

	m, err := ParseMethod("POST")
	require.NoError(t, err)
	assert.Equal(t, MethodPOST, m)
	_, err = ParseMethod("get")
	assert.Error(t, err)
}
