package middleware

import (
	"net/http"
	"time"

	"quota-api/internal/logger"

	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs one structured line per request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		fields := logrus.Fields{
			"method":        r.Method,
			"url":           r.URL.Path,
			"status_code":   rw.statusCode,
			"bytes":         rw.written,
			"response_time": time.Since(start).Milliseconds(),
			"ip":            remoteHost(r.RemoteAddr),
		}
		if userID, ok := UserIDFromContext(r.Context()); ok {
			fields["user_id"] = userID.String()
		}

		level := logrus.InfoLevel
		switch {
		case rw.statusCode >= http.StatusInternalServerError:
			level = logrus.ErrorLevel
		case rw.statusCode == http.StatusTooManyRequests:
			level = logrus.WarnLevel
		}
		logger.LogEvent(level, "Request handled", fields)
	})
}

// responseWriter records the status code and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += n
	return n, err
}
