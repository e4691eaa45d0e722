// Package status defines HTTP status values and the status-carrying error
// type used across the engine.
package status

type Status struct {
	Code         uint
	ReasonPhrase string
}

// Informational 1XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.2
var (
	Continue           = Status{100, "Continue"}
	SwitchingProtocols = Status{101, "Switching Protocols"}
)

// Successful 2XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.3
var (
	OK             = Status{200, "OK"}
	Created        = Status{201, "Created"}
	Accepted       = Status{202, "Accepted"}
	NoContent      = Status{204, "No Content"}
	PartialContent = Status{206, "Partial Content"}
)

// Redirection 3xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.4
var (
	MovedPermanently  = Status{301, "Moved Permanently"}
	Found             = Status{302, "Found"}
	SeeOther          = Status{303, "See Other"}
	NotModified       = Status{304, "Not Modified"}
	TemporaryRedirect = Status{307, "Temporary Redirect"}
	PermanentRedirect = Status{308, "Permanent Redirect"}
)

// Client Error 4xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.5
var (
	BadRequest                  = Status{400, "Bad Request"}
	Unauthorized                = Status{401, "Unauthorized"}
	Forbidden                   = Status{403, "Forbidden"}
	NotFound                    = Status{404, "Not Found"}
	MethodNotAllowed            = Status{405, "Method Not Allowed"}
	RequestTimeout              = Status{408, "Request Timeout"}
	LengthRequired              = Status{411, "Length Required"}
	ContentTooLarge             = Status{413, "Content Too Large"}
	URITooLong                  = Status{414, "URI Too Long"}
	RequestHeaderFieldsTooLarge = Status{431, "Request Header Fields Too Large"}
)

// Server Error 5xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.6
var (
	InternalServerError     = Status{500, "Internal Server Error"}
	NotImplemented          = Status{501, "Not Implemented"}
	ServiceUnavailable      = Status{503, "Service Unavailable"}
	HTTPVersionNotSupported = Status{505, "HTTP Version Not Supported"}
)

// IsNoBody reports whether a response with this status must not carry a
// body (nor Content-Length/Content-Type/Transfer-Encoding headers).
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-6.4.1
func (s Status) IsNoBody() bool {
	return s.Code < 200 || s.Code == 204 || s.Code == 304
}
