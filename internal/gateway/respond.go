package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/model"
)

// WriteJSON writes a JSON response with the standard envelope. The request
// id in meta is the resolved trace id.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: meta(r),
	})
}

// WriteError writes a JSON error response with the standard envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteErrorDetails(w, r, status, code, message, nil)
}

// WriteErrorDetails is WriteError with a details object, e.g. the tiers of a
// denied passport check.
func WriteErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message, Details: details},
		Meta:  meta(r),
	})
}

func meta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: correlation.TraceID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// capture buffers an upstream response so that it can be inspected, charged
// for and cached before anything reaches the client.
type capture struct {
	header http.Header
	status int
	body   bytes.Buffer
	err    error // transport error reported by the proxy
}

func newCapture() *capture {
	return &capture{header: make(http.Header)}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

// failed reports whether the upstream call counts as a handler failure for
// the circuit breaker.
func (c *capture) failed() bool {
	return c.err != nil || c.status >= http.StatusInternalServerError
}

// hop-by-hop and credential headers are not relayed to the client.
var skipResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,
}

// flush relays the buffered response.
func (c *capture) flush(w http.ResponseWriter) {
	for k, vs := range c.header {
		if skipResponseHeaders[k] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(c.body.Bytes())
}
