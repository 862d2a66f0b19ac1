package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"riskengine/pkg/utils"
)

// responseWriter запоминает код ответа и размер тела
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack нужен апгрейду /ws/events
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Logging пишет каждый запрос в структурированный лог:
// метод, путь, код, длительность, адрес клиента, размер ответа.
// 5xx логируются на уровне error, 4xx на warn.
func Logging(next http.Handler) http.Handler {
	log := utils.L().WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"latency_ms", float64(time.Since(start).Microseconds()) / 1000,
			"remote", r.RemoteAddr,
			"bytes", wrapped.written,
		}
		switch {
		case wrapped.statusCode >= 500:
			log.Sugar().Errorw("http request", fields...)
		case wrapped.statusCode >= 400:
			log.Sugar().Warnw("http request", fields...)
		default:
			log.Sugar().Debugw("http request", fields...)
		}
	})
}
