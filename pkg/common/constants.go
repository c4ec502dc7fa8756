package common

import "net/http"

const (
	ContentTypeJSON       = "application/json"
	ContentTypeURLEncoded = "application/x-www-form-urlencoded"
	ParamSecret           = "secret"
	ParamResponse         = "response"
)

var (
	HeaderContentType = http.CanonicalHeaderKey("Content-Type")
	HeaderTraceID     = http.CanonicalHeaderKey("X-Trace-ID")
)
