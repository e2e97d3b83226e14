package gateway

import (
	"bytes"
	"net/http"
)

// responseRecorder buffers the whole upstream response, status line
// included, so the response phases can inspect it before any byte reaches
// the client. A block decided in a response phase can then still replace
// the response.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

// WriteHeader keeps the first status it sees. Nothing is sent downstream.
func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *responseRecorder) StatusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
