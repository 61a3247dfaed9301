package handler

import (
	"bytes"
	"context"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/httpmsg"
	"github.com/Singert/webserv/core/utils"
)

type fixture struct {
	root   string
	server *config.ServerConfig
	d      *Dispatcher
}

// newFixture lays out the server used by most tests: "/" serves GET and POST
// from root with index.html, "/upload" accepts POST only.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<h1>home</h1>")
	writeFile(t, filepath.Join(root, "404.html"), "custom not found")

	server := &config.ServerConfig{
		Port:             8080,
		BindHost:         "127.0.0.1",
		ServerName:       "test",
		DefaultErrorPage: filepath.Join(root, "404.html"),
		MaxBodySize:      1 << 20,
		Locations: []*config.LocationConfig{
			{
				URLPrefix:      "/upload",
				DocumentRoot:   filepath.Join(root, "upload"),
				AllowedMethods: config.NewMethodSet(config.MethodPOST),
				UploadPath:     filepath.Join(root, "upload"),
			},
			{
				URLPrefix:           "/",
				DocumentRoot:        root,
				AllowedMethods:      config.NewMethodSet(config.MethodGET, config.MethodPOST),
				IndexFileCandidates: []string{"index.html"},
			},
		},
	}
	return &fixture{root: root, server: server, d: New(server, time.Second, zaptest.NewLogger(t))}
}

func (f *fixture) addLocation(l *config.LocationConfig) {
	f.server.Locations = append([]*config.LocationConfig{l}, f.server.Locations...)
	f.d = New(f.server, f.d.cgiTimeout, f.d.log)
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

func request(t *testing.T, raw string) *httpmsg.Request {
	t.Helper()
	req, _, err := (&httpmsg.Parser{}).Parse([]byte(raw))
	require.NoError(t, err)
	return req
}

func (f *fixture) do(t *testing.T, raw string) *httpmsg.Response {
	t.Helper()
	return f.d.Respond(context.Background(), request(t, raw))
}

func TestScenarioGetIndex(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusOK, resp.Status)
	assert.Equal(t, "<h1>home</h1>", string(resp.Body))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.False(t, resp.Close)
}

func TestScenarioMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "DELETE /upload HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "POST", resp.Header.Get("Allow"))
	assert.False(t, resp.Close)

	resp = f.do(t, "PUT / HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "GET, POST", resp.Header.Get("Allow"))
}

func TestScenarioMissingUsesDefaultErrorPage(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET /missing HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusNotFound, resp.Status)
	assert.Equal(t, "custom not found", string(resp.Body))
}

func TestErrorPageFallbacks(t *testing.T) {
	f := newFixture(t)
	f.server.DefaultErrorPage = filepath.Join(f.root, "gone.html")
	resp := f.do(t, "GET /missing HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusNotFound, resp.Status)
	assert.Contains(t, string(resp.Body), "Error code: 404")

	writeFile(t, filepath.Join(f.root, "405.html"), "no such method here")
	f.addLocation(&config.LocationConfig{
		URLPrefix:          "/ro",
		DocumentRoot:       f.root,
		AllowedMethods:     config.NewMethodSet(config.MethodGET),
		ErrorPageOverrides: map[int]string{405: filepath.Join(f.root, "405.html")},
	})
	resp = f.do(t, "POST /ro HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "no such method here", string(resp.Body))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestStaticFileAndDirectory(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.root, "docs", "a.txt"), "alpha")
	writeFile(t, filepath.Join(f.root, "docs", "b b.css"), "body{}")
	f.addLocation(&config.LocationConfig{
		URLPrefix:      "/docs",
		DocumentRoot:   filepath.Join(f.root, "docs"),
		AllowedMethods: config.NewMethodSet(config.MethodGET),
		AutoIndex:      true,
	})

	resp := f.do(t, "GET /docs/a.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusOK, resp.Status)
	assert.Equal(t, "alpha", string(resp.Body))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("Last-Modified"))

	resp = f.do(t, "GET /docs?x=1 HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusMovedPermanently, resp.Status)
	assert.Equal(t, "/docs/?x=1", resp.Header.Get("Location"))

	resp = f.do(t, "GET /docs/ HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusOK, resp.Status)
	body := string(resp.Body)
	assert.Contains(t, body, "Directory listing for /docs/")
	assert.Contains(t, body, `<a href="a.txt">a.txt</a>`)
	assert.Contains(t, body, `<a href="b%20b.css">b b.css</a>`)
	assert.Contains(t, body, "5 B")
}

func TestDirectoryWithoutIndexOrAutoindex(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "empty"), 0o755))
	f.addLocation(&config.LocationConfig{
		URLPrefix:           "/empty",
		DocumentRoot:        filepath.Join(f.root, "empty"),
		AllowedMethods:      config.NewMethodSet(config.MethodGET),
		IndexFileCandidates: []string{"index.html"},
	})
	resp := f.do(t, "GET /empty/ HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusNotFound, resp.Status)
}

func TestIndexPreference(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "site")
	writeFile(t, filepath.Join(dir, "index.htm"), "htm")
	writeFile(t, filepath.Join(dir, "index.html"), "html")
	f.addLocation(&config.LocationConfig{
		URLPrefix:           "/site",
		DocumentRoot:        dir,
		AllowedMethods:      config.NewMethodSet(config.MethodGET),
		IndexFileCandidates: []string{"index.htm", "index.html"},
		AutoIndex:           true,
	})
	resp := f.do(t, "GET /site/ HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, "html", string(resp.Body))
}

func TestUploadRawBody(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST /upload/notes.txt HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")
	assert.Equal(t, utils.StatusCreated, resp.Status)
	assert.Equal(t, "/upload/notes.txt", resp.Header.Get("Location"))
	data, err := os.ReadFile(filepath.Join(f.root, "upload", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	resp = f.do(t, "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nabc")
	assert.Equal(t, utils.StatusCreated, resp.Status)
	name := strings.TrimSpace(string(resp.Body))
	assert.Len(t, name, 36, "generated names are uuids")
	data, err = os.ReadFile(filepath.Join(f.root, "upload", name))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestUploadMultipart(t *testing.T) {
	f := newFixture(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "../../escape.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("note", "ignored"))
	require.NoError(t, mw.Close())

	raw := "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Type: " + mw.FormDataContentType() +
		"\r\nContent-Length: " + strconv.Itoa(body.Len()) + "\r\n\r\n" + body.String()
	resp := f.do(t, raw)
	assert.Equal(t, utils.StatusCreated, resp.Status)
	data, err := os.ReadFile(filepath.Join(f.root, "upload", "escape.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestUploadWithoutUploadPath(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST /index.html HTTP/1.1\r\nHost: x\r\nContent-Length: 1\r\n\r\nx")
	// "/" only matches "/" exactly; "/index.html" has no location.
	assert.Equal(t, utils.StatusNotFound, resp.Status)

	resp = f.do(t, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 1\r\n\r\nx")
	assert.Equal(t, utils.StatusForbidden, resp.Status)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "files")
	writeFile(t, filepath.Join(dir, "old.txt"), "bye")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	f.addLocation(&config.LocationConfig{
		URLPrefix:      "/files",
		DocumentRoot:   dir,
		AllowedMethods: config.NewMethodSet(config.MethodDELETE),
	})

	resp := f.do(t, "DELETE /files/old.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusNoContent, resp.Status)
	_, err := os.Stat(filepath.Join(dir, "old.txt"))
	assert.True(t, os.IsNotExist(err))

	resp = f.do(t, "DELETE /files/old.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusNotFound, resp.Status)

	resp = f.do(t, "DELETE /files/sub HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusForbidden, resp.Status)
}

func TestPrefixCannotEscapeRoot(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.root, "secret.txt"), "TOP SECRET")
	f.addLocation(&config.LocationConfig{
		URLPrefix:      "/img",
		DocumentRoot:   filepath.Join(f.root, "img"),
		AllowedMethods: config.NewMethodSet(config.MethodGET, config.MethodDELETE),
	})

	resp := f.do(t, "GET /img../secret.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusNotFound, resp.Status)
	assert.NotContains(t, string(resp.Body), "TOP SECRET")
	assert.False(t, resp.Close, "a rejected path does not end the connection")

	resp = f.do(t, "DELETE /img../secret.txt HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusNotFound, resp.Status)
	_, err := os.Stat(filepath.Join(f.root, "secret.txt"))
	assert.NoError(t, err)
}

func TestMalformedRequest(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET / HTTP/3.0\r\n\r\n")
	assert.Equal(t, utils.StatusVersionNotSupported, resp.Status)
	assert.True(t, resp.Close)
}

func TestConnectionClose(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	assert.Equal(t, utils.StatusOK, resp.Status)
	assert.True(t, resp.Close)

	resp = f.do(t, "GET / HTTP/1.0\r\n\r\n")
	assert.True(t, resp.Close)
}

func TestHandlerFailureIs500(t *testing.T) {
	f := newFixture(t)
	// A document root that is a regular file makes every lookup below it fail
	// with ENOTDIR.
	f.addLocation(&config.LocationConfig{
		URLPrefix:      "/broken",
		DocumentRoot:   filepath.Join(f.root, "index.html"),
		AllowedMethods: config.NewMethodSet(config.MethodGET),
	})
	resp := f.do(t, "GET /broken/x HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, utils.StatusInternalServerError, resp.Status)
	assert.True(t, resp.Close, "an internal error closes the connection")
}
