package utils

// HTTPStatus is an HTTP status code.
type HTTPStatus int

const (
	StatusOK                   HTTPStatus = 200
	StatusCreated              HTTPStatus = 201
	StatusNoContent            HTTPStatus = 204
	StatusMovedPermanently     HTTPStatus = 301
	StatusBadRequest           HTTPStatus = 400
	StatusForbidden            HTTPStatus = 403
	StatusNotFound             HTTPStatus = 404
	StatusMethodNotAllowed     HTTPStatus = 405
	StatusRequestTimeout       HTTPStatus = 408
	StatusLengthRequired       HTTPStatus = 411
	StatusPayloadTooLarge      HTTPStatus = 413
	StatusURITooLong           HTTPStatus = 414
	StatusHeaderFieldsTooLarge HTTPStatus = 431
	StatusInternalServerError  HTTPStatus = 500
	StatusNotImplemented       HTTPStatus = 501
	StatusBadGateway           HTTPStatus = 502
	StatusServiceUnavailable   HTTPStatus = 503
	StatusVersionNotSupported  HTTPStatus = 505
)

// StatusMessages maps a status to its short reason phrase and a longer explanation.
var StatusMessages = map[HTTPStatus][2]string{
	StatusOK:                   {"OK", "Request fulfilled, document follows"},
	StatusCreated:              {"Created", "Document created, URL follows"},
	StatusNoContent:            {"No Content", "Request fulfilled, nothing follows"},
	StatusMovedPermanently:     {"Moved Permanently", "Object moved permanently"},
	StatusBadRequest:           {"Bad Request", "Bad request syntax or unsupported method"},
	StatusForbidden:            {"Forbidden", "Request forbidden"},
	StatusNotFound:             {"Not Found", "Nothing matches the given URI"},
	StatusMethodNotAllowed:     {"Method Not Allowed", "Specified method is invalid for this resource"},
	StatusRequestTimeout:       {"Request Timeout", "Request timed out"},
	StatusLengthRequired:       {"Length Required", "Client must specify Content-Length"},
	StatusPayloadTooLarge:      {"Payload Too Large", "Request body exceeds the configured limit"},
	StatusURITooLong:           {"Request-URI Too Long", "The URI provided was too long for the server to process"},
	StatusHeaderFieldsTooLarge: {"Request Header Fields Too Large", "The server refused this request because the request header fields are too large"},
	StatusInternalServerError:  {"Internal Server Error", "Server got itself in trouble"},
	StatusNotImplemented:       {"Not Implemented", "Server does not support this operation"},
	StatusBadGateway:           {"Bad Gateway", "Invalid responses from another server/proxy"},
	StatusServiceUnavailable:   {"Service Unavailable", "The server cannot process the request due to a high load"},
	StatusVersionNotSupported:  {"HTTP Version Not Supported", "Cannot fulfill request"},
}

// Text returns the reason phrase for s, or "Unknown".
func (s HTTPStatus) Text() string {
	if m, ok := StatusMessages[s]; ok {
		return m[0]
	}
	return "Unknown"
}

// Explain returns the long explanation for s.
func (s HTTPStatus) Explain() string {
	if m, ok := StatusMessages[s]; ok {
		return m[1]
	}
	return s.Text()
}

// IsInternalError reports whether s belongs to the 5xx class. A response of
// this class terminates the connection that produced it.
func (s HTTPStatus) IsInternalError() bool {
	return s >= 500 && s < 600
}

// IsError reports whether s is a 4xx or 5xx status.
func (s HTTPStatus) IsError() bool {
	return s >= 400
}

// DefaultErrorMessageFormat is the page generated when no error page file is configured.
const DefaultErrorMessageFormat = `<!DOCTYPE HTML>
<html lang="en">
    <head>
        <meta charset="utf-8">
        <title>Error response</title>
    </head>
    <body>
        <h1>Error response</h1>
        <p>Error code: %d</p>
        <p>Message: %s.</p>
        <p>Error code explanation: %d - %s.</p>
    </body>
</html>
`

const DefaultErrorContentType = "text/html;charset=utf-8"
