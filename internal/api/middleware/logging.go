package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// wrapResponseWriter records what the handler actually sent: the first
// status code written and the body size. Later WriteHeader calls are
// still forwarded but do not overwrite the recorded status.
type wrapResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newWrapResponseWriter(w http.ResponseWriter) *wrapResponseWriter {
	return &wrapResponseWriter{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (lw *wrapResponseWriter) WriteHeader(code int) {
	if !lw.wroteHeader {
		lw.wroteHeader = true
		lw.status = code
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *wrapResponseWriter) Write(p []byte) (int, error) {
	n, err := lw.ResponseWriter.Write(p)
	lw.bytes += n
	return n, err
}

// StructuredLogger emits one slog line per request on the default
// logger: request id, method, path, status, response size, duration and
// peer address. Mount it inside RequestID so the id attribute is
// populated.
func StructuredLogger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		ww := newWrapResponseWriter(w)
		start := time.Now()

		next.ServeHTTP(ww, r)

		slog.Info("request completed",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"bytes", ww.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	}
	return http.HandlerFunc(fn)
}
