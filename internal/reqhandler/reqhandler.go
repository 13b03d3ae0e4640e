// Package reqhandler implements the request-handler precedence chain of
// spec.md §4.6: translate a completed request, its selected server, and
// its matched route into either a ready-to-send response or a handoff to
// the CGI controller. Grounded on the teacher's dispatcher package for the
// overall "resolve, then run a fixed precedence of checks" shape, and on
// internal/construct/builtin.go for synthesizing plain-text error bodies
// before consulting an on-disk error-page template.
package reqhandler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/selfserv/selfserv/config"
	"github.com/selfserv/selfserv/internal/cgi"
	"github.com/selfserv/selfserv/internal/multipart"
	"github.com/selfserv/selfserv/internal/respbuild"
	"github.com/selfserv/selfserv/request"
	"github.com/selfserv/selfserv/router"
	"github.com/selfserv/selfserv/selfservutil/mime"
	"github.com/selfserv/selfserv/status"
)

// Outcome is what the handler decided to do with a request. Exactly one of
// Response or StartCGI is meaningful: a non-nil StartCGI means the
// connection must suspend (phase HANDLE) until the CGI controller produces
// a response of its own.
type Outcome struct {
	Response  []byte
	KeepAlive bool
	StartCGI  *cgi.RequestInfo
}

// Handler owns the state that must persist across requests: the upload
// sequence counter of spec.md §9 ("a monotonic counter owned by the server
// instance"), kept here instead of a package-level global so that it is
// per-process state the caller controls the lifetime of.
type Handler struct {
	uploadSeq uint64
}

// New returns a Handler with its upload counter at zero.
func New() *Handler {
	return &Handler{}
}

// Handle runs the precedence chain of spec.md §4.6 over req, already
// matched against server/route/relative by the router. routeOK mirrors
// router.SelectRoute's third return value; when false the handler emits
// 404 without consulting route.
func (h *Handler) Handle(req *request.Request, server config.Server, route config.Route, relative string, routeOK bool) Outcome {
	keepAlive := keepAliveFor(req)

	if !routeOK {
		return h.errorOutcome(status.NotFound, req, server)
	}

	// 1. Method filter.
	if !route.AllowsMethod(req.Method) {
		return h.errorOutcome(status.MethodNotAllowed, req, server)
	}

	// 2. Redirect.
	if route.Redirect != "" {
		return Outcome{Response: respbuild.Redirect(route.Redirect), KeepAlive: false}
	}

	// 3. Traversal guard.
	if router.ContainsTraversal(relative) {
		return h.errorOutcome(status.Forbidden, req, server)
	}

	fsPath := filepath.Join(route.Root, relative)

	// 4. CGI handoff.
	if route.CGIExt != "" && strings.HasSuffix(fsPath, route.CGIExt) {
		return Outcome{StartCGI: h.cgiRequestInfo(req, server, route, fsPath, relative), KeepAlive: keepAlive}
	}

	// 5. POST with uploads enabled.
	if req.Method == "POST" && route.UploadsEnabled {
		return h.handleUpload(req, route, keepAlive)
	}

	info, statErr := os.Stat(fsPath)

	// 6. Directory target.
	if statErr == nil && info.IsDir() {
		return h.handleDirectory(req, route, fsPath, keepAlive)
	}

	// 7. DELETE.
	if req.Method == "DELETE" {
		return h.handleDelete(req, fsPath, statErr, info, server)
	}

	// 8. GET / HEAD static file.
	if req.Method == "GET" || req.Method == "HEAD" {
		return h.handleStatic(req, fsPath, statErr, req.Method == "HEAD", keepAlive, server)
	}

	// 9. POST on a non-upload route, or any other method.
	return h.errorOutcome(status.MethodNotAllowed, req, server)
}

func (h *Handler) cgiRequestInfo(req *request.Request, server config.Server, route config.Route, fsPath, relative string) *cgi.RequestInfo {
	return &cgi.RequestInfo{
		Method:      req.Method,
		ScriptPath:  fsPath,
		ScriptName:  req.Path(),
		PathInfo:    req.Path(),
		QueryString: req.RawQuery(),
		ContentType: req.Headers.Value("Content-Type"),
		ContentLen:  int64(len(req.Body)),
		ServerName:  firstOr(server.Names, server.Host),
		ServerPort:  server.Port,
		Interpreter: route.CGIBin,
		Headers:     req.Headers,
		Body:        req.Body,
	}
}

func firstOr(names []string, fallback string) string {
	if len(names) > 0 {
		return names[0]
	}

	return fallback
}

func (h *Handler) handleUpload(req *request.Request, route config.Route, keepAlive bool) Outcome {
	dir := route.UploadDir()
	contentType := req.Headers.Value("Content-Type")

	if boundary, ok := multipartBoundary(contentType); ok {
		result, err := multipart.Decode(req.Body, boundary, dir)
		if err != nil {
			return Outcome{Response: respbuild.Plain(status.BadRequest, mime.Plain,
				[]byte("invalid multipart body\n"), false)}
		}

		var b strings.Builder
		fmt.Fprintf(&b, "saved %d file(s)\n", len(result.Files))
		for _, f := range result.Files {
			fmt.Fprintf(&b, "  %s -> %s (%d bytes)\n", f.Field, f.Filename, f.Size)
		}

		return Outcome{
			Response:  respbuild.Plain(status.OK, mime.Plain, []byte(b.String()), keepAlive),
			KeepAlive: keepAlive,
		}
	}

	h.uploadSeq++
	name := fmt.Sprintf("upload-%d.bin", h.uploadSeq)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return h.errorOutcome(status.InternalServerError, req, config.Server{})
	}

	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, req.Body, 0o644); err != nil {
		return h.errorOutcome(status.InternalServerError, req, config.Server{})
	}

	body := []byte(fmt.Sprintf("saved %d bytes as %s\n", len(req.Body), name))

	return Outcome{Response: respbuild.Plain(status.OK, mime.Plain, body, keepAlive), KeepAlive: keepAlive}
}

func multipartBoundary(contentType string) (boundary string, ok bool) {
	if !strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		return "", false
	}

	idx := strings.Index(contentType, "boundary=")
	if idx == -1 {
		return "", false
	}

	b := strings.TrimSpace(contentType[idx+len("boundary="):])
	b = strings.Trim(b, `"`)

	return b, b != ""
}

func (h *Handler) handleDirectory(req *request.Request, route config.Route, fsPath string, keepAlive bool) Outcome {
	if route.Index != "" {
		if info, err := os.Stat(filepath.Join(fsPath, route.Index)); err == nil && !info.IsDir() {
			return h.handleStatic(req, filepath.Join(fsPath, route.Index), err, req.Method == "HEAD", keepAlive, config.Server{})
		}
	}

	if !route.Autoindex {
		return h.errorOutcome(status.Forbidden, req, config.Server{})
	}

	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return h.errorOutcome(status.InternalServerError, req, config.Server{})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	b.WriteString("<html><body><ul>\n")
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", name, name)
	}
	b.WriteString("</ul></body></html>")

	return Outcome{
		Response:  respbuild.Plain(status.OK, mime.HTML, []byte(b.String()), keepAlive),
		KeepAlive: keepAlive,
	}
}

func (h *Handler) handleDelete(req *request.Request, fsPath string, statErr error, info os.FileInfo, server config.Server) Outcome {
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return h.errorOutcome(status.NotFound, req, server)
		}

		return h.errorOutcome(status.InternalServerError, req, server)
	}

	if info.IsDir() {
		return h.errorOutcome(status.Forbidden, req, server)
	}

	if err := os.Remove(fsPath); err != nil {
		return h.errorOutcome(status.InternalServerError, req, server)
	}

	return Outcome{Response: respbuild.NoBody(status.NoContent, "", 0, false), KeepAlive: false}
}

func (h *Handler) handleStatic(req *request.Request, fsPath string, statErr error, headOnly, keepAlive bool, server config.Server) Outcome {
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return h.errorOutcome(status.NotFound, req, server)
		}

		return h.errorOutcome(status.InternalServerError, req, server)
	}

	data, err := os.ReadFile(fsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return h.errorOutcome(status.NotFound, req, server)
		}

		return h.errorOutcome(status.InternalServerError, req, server)
	}

	contentType := mime.ForExtension(filepath.Ext(fsPath))

	if headOnly {
		return Outcome{
			Response:  respbuild.NoBody(status.OK, contentType, len(data), keepAlive),
			KeepAlive: keepAlive,
		}
	}

	return Outcome{
		Response:  respbuild.Plain(status.OK, contentType, data, keepAlive),
		KeepAlive: keepAlive,
	}
}

// errorOutcome builds an error response. A request whose Accept header
// prefers application/json (SPEC_FULL.md §4.4) gets a small JSON body;
// otherwise <error_page_root>/<code>.html is consulted before falling back
// to a built-in plain-text body (spec.md §4.6). All error responses force
// the connection closed.
func (h *Handler) errorOutcome(code status.Code, req *request.Request, server config.Server) Outcome {
	if req != nil && respbuild.PrefersJSON(req.Headers) {
		return Outcome{Response: respbuild.JSONError(code, status.Reason(code), false)}
	}

	if server.ErrorPageRoot != "" {
		path := filepath.Join(server.ErrorPageRoot, strconv.Itoa(int(code))+".html")
		if body, err := os.ReadFile(path); err == nil {
			return Outcome{Response: respbuild.Plain(code, mime.HTML, body, false)}
		}
	}

	return Outcome{Response: respbuild.Plain(code, mime.Plain, builtinErrorBody(code), false)}
}

func builtinErrorBody(code status.Code) []byte {
	return []byte(fmt.Sprintf("%d %s\n", code, status.Reason(code)))
}

// keepAliveFor implements spec.md §4.6 "Keep-alive policy": HTTP/1.1
// defaults to keep-alive unless Connection: close is present; HTTP/1.0
// defaults to close unless Connection: keep-alive is present.
func keepAliveFor(req *request.Request) bool {
	conn := strings.ToLower(req.Headers.Value("Connection"))

	if req.IsHTTP11() {
		return conn != "close"
	}

	return conn == "keep-alive"
}
