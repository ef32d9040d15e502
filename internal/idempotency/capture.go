package idempotency

import (
	"bytes"
	"net/http"
)

// volatileHeaders are per-request and never replayed.
var volatileHeaders = []string{
	"Connection",
	"Content-Length",
	"Date",
	"Transfer-Encoding",
	"X-Rate-Limit-Limit",
	"X-Rate-Limit-Remaining",
	"X-Rate-Limit-Reset",
	"X-Request-Id",
}

// captureWriter passes the response through while keeping a copy of the
// status, headers and body for the idempotency record.
type captureWriter struct {
	http.ResponseWriter
	status      int
	snapshot    http.Header
	body        bytes.Buffer
	max         int
	overflow    bool
	wroteHeader bool
}

func newCaptureWriter(w http.ResponseWriter, max int) *captureWriter {
	return &captureWriter{ResponseWriter: w, status: http.StatusOK, max: max}
}

func (cw *captureWriter) WriteHeader(code int) {
	if !cw.wroteHeader {
		cw.status = code
		cw.takeSnapshot()
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.takeSnapshot()
	}
	if !cw.overflow {
		if cw.body.Len()+len(b) > cw.max {
			cw.overflow = true
			cw.body.Reset()
		} else {
			cw.body.Write(b)
		}
	}
	return cw.ResponseWriter.Write(b)
}

func (cw *captureWriter) takeSnapshot() {
	cw.wroteHeader = true
	cw.snapshot = cw.ResponseWriter.Header().Clone()
	for _, name := range volatileHeaders {
		cw.snapshot.Del(name)
	}
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *captureWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
