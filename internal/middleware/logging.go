package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bihubihu/tokenserver-client/internal/logging"
)

// HTTPLogging logs each request and its response at debug level. Header
// values pass through logging.MaskHeader and JSON bodies through
// logging.MaskJSONBody with the given allowlist (nil logs bodies as-is).
func HTTPLogging(logger *slog.Logger, allowlist []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.Enabled(r.Context(), slog.LevelDebug) {
				next.ServeHTTP(w, r)
				return
			}

			requestID := GetRequestID(r.Context())
			logger.Debug("HTTP Request",
				"request_id", requestID,
				"method", r.Method,
				"url", r.URL.Path,
				"headers", maskHeaders(r.Header),
			)

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           new(bytes.Buffer),
			}
			start := time.Now()
			next.ServeHTTP(rec, r)

			logger.Debug("HTTP Response",
				"request_id", requestID,
				"method", r.Method,
				"url", r.URL.Path,
				"status_code", rec.statusCode,
				"headers", maskHeaders(rec.Header()),
				"body", string(logging.MaskJSONBody(rec.body.Bytes(), allowlist)),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func maskHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		result[k] = logging.MaskHeader(k, strings.Join(v, ", "))
	}
	return result
}

// responseRecorder captures response details for logging.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
