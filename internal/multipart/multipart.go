// Package multipart decodes multipart/form-data bodies into saved file
// artifacts on disk (spec.md §4.3). Grounded on the teacher's
// internal/formdata.ParseMultipart (boundary search, per-part header
// lines, Content-Disposition name/filename extraction, quoted-string
// stripping) but adapted to selfserv's domain: parts carrying a filename
// are streamed straight to disk instead of being buffered into an
// in-memory form.Form, and parts without one are surfaced as form fields
// instead of being silently dropped (spec.md §9 Open Question, resolved:
// form fields ARE surfaced).
package multipart

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/selfserv/selfserv/selfservutil/errs"
)

// SavedFile describes one persisted upload part (spec.md §3).
type SavedFile struct {
	Field    string
	Filename string
	Size     int64
}

// Result is everything a multipart body yields once decoded.
type Result struct {
	Files  []SavedFile
	Fields map[string][]string
}

// Decode parses body as a multipart/form-data payload delimited by
// boundary, persisting any part that carries a filename under dir
// (creating dir, and any missing parent directories, if it is absent).
func Decode(body []byte, boundary, dir string) (Result, error) {
	result := Result{Fields: map[string][]string{}}

	delim := []byte("--" + boundary)
	start := bytes.Index(body, delim)
	if start == -1 {
		return result, errs.ErrMultipartFraming
	}

	cursor := start + len(delim)
	if !bytes.HasPrefix(body[cursor:], []byte("\r\n")) {
		// A "--" here marks a body with zero parts (terminator glued to the
		// first boundary); anything else is malformed framing.
		if bytes.HasPrefix(body[cursor:], []byte("--")) {
			return result, nil
		}

		return result, errs.ErrMultipartFraming
	}
	cursor += 2

	dirCreated := false

	for {
		name, filename, contentType, headerEnd, ok := parsePartHeaders(body[cursor:])
		if !ok {
			return result, errs.ErrMultipartFraming
		}

		dataStart := cursor + headerEnd
		nextDelim := bytes.Index(body[dataStart:], delim)
		if nextDelim == -1 {
			return result, errs.ErrMultipartFraming
		}

		data := body[dataStart : dataStart+nextDelim]
		data = bytes.TrimSuffix(data, []byte("\r\n"))

		if len(filename) > 0 {
			if !dirCreated {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return result, fmt.Errorf("multipart: create upload dir: %w", err)
				}
				dirCreated = true
			}

			saved, err := persist(dir, filename, data)
			if err != nil {
				return result, err
			}

			result.Files = append(result.Files, SavedFile{
				Field:    name,
				Filename: saved,
				Size:     int64(len(data)),
			})
		} else if len(name) > 0 {
			_ = contentType // form fields don't need it beyond pass-through
			result.Fields[name] = append(result.Fields[name], string(data))
		}

		cursor = dataStart + nextDelim + len(delim)
		if cursor+2 <= len(body) && bytes.HasPrefix(body[cursor:], []byte("--")) {
			return result, nil
		}

		if cursor+2 > len(body) || !bytes.HasPrefix(body[cursor:], []byte("\r\n")) {
			return result, errs.ErrMultipartFraming
		}
		cursor += 2
	}
}

// parsePartHeaders reads the header lines of one part (up to the blank
// line separating them from the part body) out of data, which begins
// right after the boundary's trailing CRLF.
func parsePartHeaders(data []byte) (name, filename, contentType string, headerEnd int, ok bool) {
	pos := 0

	for {
		lf := bytes.IndexByte(data[pos:], '\n')
		if lf == -1 {
			return "", "", "", 0, false
		}

		line := data[pos : pos+lf]
		line = bytes.TrimSuffix(line, []byte("\r"))
		pos += lf + 1

		if len(line) == 0 {
			return name, filename, contentType, pos, true
		}

		if n, f, matched := parseContentDisposition(line); matched {
			name, filename = n, f
			continue
		}

		if ct, matched := parseContentType(line); matched {
			contentType = ct
		}
	}
}

func parseContentDisposition(line []byte) (name, filename string, ok bool) {
	const prefix = "content-disposition:"
	s := string(line)
	if !strings.HasPrefix(strings.ToLower(s), prefix) {
		return "", "", false
	}

	s = s[len(prefix):]
	name = extractParam(s, "name")
	filename = extractParam(s, "filename")

	return name, filename, true
}

func parseContentType(line []byte) (contentType string, ok bool) {
	const prefix = "content-type:"
	s := string(line)
	if !strings.HasPrefix(strings.ToLower(s), prefix) {
		return "", false
	}

	return strings.TrimSpace(s[len(prefix):]), true
}

// extractParam pulls `key="value"` or `key=value` out of a
// Content-Disposition parameter list, stripping surrounding quotes. The
// match is anchored on a parameter boundary so that key "name" does not
// match inside "filename" (they share the "name=" suffix).
func extractParam(s, key string) string {
	target := key + "="
	lower := strings.ToLower(s)

	for searchFrom := 0; ; {
		idx := strings.Index(lower[searchFrom:], target)
		if idx == -1 {
			return ""
		}
		idx += searchFrom

		if idx > 0 && !isParamBoundary(s[idx-1]) {
			searchFrom = idx + 1
			continue
		}

		rest := s[idx+len(target):]
		if len(rest) == 0 {
			return ""
		}

		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end == -1 {
				return ""
			}

			return rest[1 : 1+end]
		}

		end := strings.IndexAny(rest, ";\r\n")
		if end == -1 {
			return strings.TrimSpace(rest)
		}

		return strings.TrimSpace(rest[:end])
	}
}

func isParamBoundary(b byte) bool {
	return b == ';' || b == ' ' || b == '\t'
}

// persist sanitizes filename (spec.md §4.3: strip leading path components,
// CR/LF, control bytes, and double-quotes; empty becomes "upload.bin") and
// writes data under dir, returning the sanitized name actually used.
func persist(dir, filename string, data []byte) (string, error) {
	clean := sanitizeFilename(filename)
	target := filepath.Join(dir, clean)

	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("multipart: write upload: %w", err)
	}

	return clean, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.FromSlash(name))

	var b strings.Builder
	for _, r := range name {
		if r == '\r' || r == '\n' || r == '"' || r < 0x20 {
			continue
		}

		b.WriteRune(r)
	}

	clean := b.String()
	if clean == "" || clean == "." || clean == string(filepath.Separator) {
		return "upload.bin"
	}

	return clean
}
