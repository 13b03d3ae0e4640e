// Package mime maps a handful of file extensions to the MIME types the
// static file handler is allowed to report (spec.md §4.6), grounded on
// the teacher's http/mime.Extension table but trimmed to exactly the set
// spec.md names, with text/plain as the fallback.
package mime

const (
	HTML       = "text/html"
	CSS        = "text/css"
	JavaScript = "application/javascript"
	PNG        = "image/png"
	JPEG       = "image/jpeg"
	GIF        = "image/gif"
	Plain      = "text/plain"
)

var byExtension = map[string]string{
	".html": HTML,
	".htm":  HTML,
	".css":  CSS,
	".js":   JavaScript,
	".png":  PNG,
	".jpg":  JPEG,
	".jpeg": JPEG,
	".gif":  GIF,
}

// ForExtension returns the MIME type registered for ext (including the
// leading dot), falling back to text/plain for anything unrecognized.
func ForExtension(ext string) string {
	if mime, ok := byExtension[ext]; ok {
		return mime
	}

	return Plain
}
