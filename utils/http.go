// utils/http.go
package utils

import (
	"net/http"
	"time"
)

var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// droppedResponseHeaders are backend headers that must never reach the
// browser verbatim: connection management belongs to the proxy's own
// server, and Set-Cookie would leak the backend's raw session cookie.
var droppedResponseHeaders = map[string]bool{
	"Date":              true,
	"Server":            true,
	"Keep-Alive":        true,
	"Connection":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Set-Cookie":        true,
}

// ForwardableHeader reports whether a backend response header may pass
// through to the browser.
func ForwardableHeader(key string) bool {
	return !droppedResponseHeaders[http.CanonicalHeaderKey(key)]
}
