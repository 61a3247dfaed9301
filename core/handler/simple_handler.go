package handler

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/httpmsg"
	"github.com/Singert/webserv/core/router"
	"github.com/Singert/webserv/core/utils"
)

// serveStatic answers a GET for target, the filesystem path of req.
func (d *Dispatcher) serveStatic(req *httpmsg.Request, loc *config.LocationConfig, target string) *httpmsg.Response {
	info, err := os.Stat(target)
	if err != nil {
		return d.statError(err, loc)
	}

	if info.IsDir() {
		if !strings.HasSuffix(req.Path, "/") {
			location := req.Path + "/"
			if req.RawQuery != "" {
				location += "?" + req.RawQuery
			}
			resp := httpmsg.NewResponse(utils.StatusMovedPermanently)
			resp.Header.Set("Location", location)
			return resp
		}
		if index, ok := router.FirstExistingIndex(target, loc); ok {
			return d.serveFile(loc, filepath.Join(target, index))
		}
		if loc.AutoIndex {
			return d.listDirectory(req, loc, target)
		}
		return d.errorResponse(utils.StatusNotFound, loc)
	}
	return d.serveFile(loc, target)
}

func (d *Dispatcher) serveFile(loc *config.LocationConfig, name string) *httpmsg.Response {
	f, err := os.Open(name)
	if err != nil {
		return d.statError(err, loc)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return d.statError(err, loc)
	}
	if info.IsDir() {
		return d.errorResponse(utils.StatusNotFound, loc)
	}
	body, err := io.ReadAll(f)
	if err != nil {
		d.log.Error("reading file", zap.String("file", name), zap.Error(err))
		return d.errorResponse(utils.StatusInternalServerError, loc)
	}

	resp := httpmsg.NewResponse(utils.StatusOK).SetBody(GuessType(name), body)
	resp.Header.Set("Last-Modified", info.ModTime().UTC().Format(httpmsg.TimeFormat))
	return resp
}

// GuessType returns the MIME type for name's extension.
func GuessType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// listDirectory renders an HTML index of dir.
func (d *Dispatcher) listDirectory(req *httpmsg.Request, loc *config.LocationConfig, dir string) *httpmsg.Response {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return d.statError(err, loc)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	title := html.EscapeString("Directory listing for " + req.Path)
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE HTML>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n</head>\n<body>\n<h1>%s</h1>\n<hr>\n<table>\n", title, title)
	if req.Path != "/" {
		b.WriteString("<tr><td><a href=\"../\">../</a></td><td></td><td></td></tr>\n")
	}
	now := time.Now()
	for _, e := range entries {
		name := e.Name()
		size := "-"
		modified := ""
		if info, err := e.Info(); err == nil {
			if !info.IsDir() {
				size = humanize.Bytes(uint64(info.Size()))
			}
			modified = humanize.RelTime(info.ModTime(), now, "ago", "from now")
		}
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td></tr>\n",
			(&url.URL{Path: name}).EscapedPath(), html.EscapeString(name), size, modified)
	}
	b.WriteString("</table>\n<hr>\n</body>\n</html>\n")

	return httpmsg.NewResponse(utils.StatusOK).SetBody("text/html; charset=utf-8", b.Bytes())
}

// upload stores the body of a POST under the location's upload path.
// Multipart file parts keep their file names; a raw body is named after the
// last path segment, or gets a generated name when the request targets the
// location itself.
func (d *Dispatcher) upload(req *httpmsg.Request, loc *config.LocationConfig) *httpmsg.Response {
	if loc.UploadPath == "" {
		return d.errorResponse(utils.StatusForbidden, loc)
	}
	if err := os.MkdirAll(loc.UploadPath, 0o755); err != nil {
		d.log.Error("creating upload directory", zap.String("dir", loc.UploadPath), zap.Error(err))
		return d.errorResponse(utils.StatusInternalServerError, loc)
	}

	var saved []string
	var location string
	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		saved, err = saveMultipart(req.Body, params["boundary"], loc.UploadPath)
		if err != nil {
			d.log.Warn("bad multipart upload", zap.Error(err))
			return d.errorResponse(utils.StatusBadRequest, loc)
		}
		if len(saved) == 0 {
			return d.errorResponse(utils.StatusBadRequest, loc)
		}
		if len(saved) == 1 {
			location = path.Join(req.Path, saved[0])
		}
	} else {
		name, generated := uploadName(req.Path, loc.URLPrefix)
		if err := os.WriteFile(filepath.Join(loc.UploadPath, name), req.Body, 0o644); err != nil {
			d.log.Error("saving upload", zap.String("name", name), zap.Error(err))
			return d.errorResponse(utils.StatusInternalServerError, loc)
		}
		saved = []string{name}
		location = req.Path
		if generated {
			location = path.Join(req.Path, name)
		}
	}

	d.log.Info("upload stored", zap.Strings("files", saved), zap.String("dir", loc.UploadPath))
	resp := httpmsg.NewResponse(utils.StatusCreated)
	if location != "" {
		resp.Header.Set("Location", location)
	}
	return resp.SetBody("text/plain; charset=utf-8", []byte(strings.Join(saved, "\n")+"\n"))
}

func uploadName(reqPath, urlPrefix string) (string, bool) {
	rest := strings.Trim(strings.TrimPrefix(reqPath, urlPrefix), "/")
	if rest == "" || strings.HasSuffix(reqPath, "/") {
		return uuid.NewString(), true
	}
	return path.Base(rest), false
}

func saveMultipart(body []byte, boundary, dir string) ([]string, error) {
	if boundary == "" {
		return nil, errors.New("multipart body without boundary")
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var saved []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return saved, nil
		}
		if err != nil {
			return saved, err
		}
		name := filepath.Base(part.FileName())
		if part.FileName() == "" || name == "." || name == string(filepath.Separator) {
			part.Close()
			continue
		}
		if err := saveFile(filepath.Join(dir, name), part); err != nil {
			part.Close()
			return saved, err
		}
		part.Close()
		saved = append(saved, name)
	}
}

func saveFile(name string, r io.Reader) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// remove deletes the regular file at target.
func (d *Dispatcher) remove(loc *config.LocationConfig, target string) *httpmsg.Response {
	info, err := os.Lstat(target)
	if err != nil {
		return d.statError(err, loc)
	}
	if info.IsDir() {
		return d.errorResponse(utils.StatusForbidden, loc)
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return d.errorResponse(utils.StatusForbidden, loc)
		}
		d.log.Error("deleting file", zap.String("file", target), zap.Error(err))
		return d.errorResponse(utils.StatusInternalServerError, loc)
	}
	d.log.Info("file deleted", zap.String("file", target))
	return httpmsg.NewResponse(utils.StatusNoContent)
}
