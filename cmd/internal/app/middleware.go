package app

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"neighborly/cmd/internal/metrics"
)

// WithRequestLogging wraps an http.Handler with access logging and request
// counting. Probe and scrape endpoints log at Debug so steady-state traffic
// does not drown the API lines.
//
// accessWriter must preserve the optional ResponseWriter interfaces
// (Hijacker, Flusher, Pusher, ReaderFrom): the websocket upgrade on /ws
// needs Hijacker to survive the wrap.
func WithRequestLogging(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		aw := &accessWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}

		next.ServeHTTP(aw, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(aw.status)).Inc()

		logFn := log.Info
		switch {
		case aw.status >= http.StatusInternalServerError:
			logFn = log.Warn
		case quietPath(r.URL.Path):
			logFn = log.Debug
		}
		logFn("http.access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"bytes", aw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

func quietPath(p string) bool {
	return p == "/healthz" || p == "/readyz" || p == "/metrics"
}

type accessWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *accessWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *accessWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *accessWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func (w *accessWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *accessWriter) Push(target string, opts *http.PushOptions) error {
	if p, ok := w.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func (w *accessWriter) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		n, err := rf.ReadFrom(r)
		w.bytes += n
		return n, err
	}
	n, err := io.Copy(w.ResponseWriter, r)
	w.bytes += n
	return n, err
}

func (w *accessWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
