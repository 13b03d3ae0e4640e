// Package status holds the HTTP status codes and reason phrases selfserv is
// able to emit. Trimmed to the subset the connection engine actually
// produces (spec.md §7), rather than the full IANA registry.
package status

// Code is a numeric HTTP status code.
type Code uint16

const (
	OK                   Code = 200
	NoContent            Code = 204
	MovedPermanently     Code = 301
	Found                Code = 302
	BadRequest           Code = 400
	Forbidden            Code = 403
	NotFound             Code = 404
	MethodNotAllowed     Code = 405
	RequestTimeout       Code = 408
	RequestEntityTooLarge Code = 413
	MisdirectedRequest   Code = 421
	InternalServerError  Code = 500
	NotImplemented       Code = 501
	GatewayTimeout       Code = 504
)

var reasons = map[Code]string{
	OK:                    "OK",
	NoContent:             "No Content",
	MovedPermanently:      "Moved Permanently",
	Found:                 "Found",
	BadRequest:            "Bad Request",
	Forbidden:             "Forbidden",
	NotFound:              "Not Found",
	MethodNotAllowed:      "Method Not Allowed",
	RequestTimeout:        "Request Timeout",
	RequestEntityTooLarge: "Request Entity Too Large",
	MisdirectedRequest:    "Misdirected Request",
	InternalServerError:   "Internal Server Error",
	NotImplemented:        "Not Implemented",
	GatewayTimeout:        "Gateway Timeout",
}

// Reason returns the reason phrase for code, or "Unknown" if code isn't
// one selfserv ever emits.
func Reason(code Code) string {
	if reason, ok := reasons[code]; ok {
		return reason
	}

	return "Unknown"
}

// IsError reports whether code is a 4xx or 5xx response.
func IsError(code Code) bool {
	return code >= 400
}
