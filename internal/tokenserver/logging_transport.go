package tokenserver

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bihubihu/tokenserver-client/internal/logging"
)

// LoggingTransport wraps an http.RoundTripper and logs token server traffic
// at debug level. Authorization headers are masked and the token key is
// redacted from response bodies.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    *slog.Logger
	// MaxBodyBytes caps how much of a response body is buffered for the log.
	// Zero means the client's default response limit.
	MaxBodyBytes int64
}

// RoundTrip implements http.RoundTripper interface
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.Logger.Enabled(req.Context(), slog.LevelDebug) {
		return t.transport().RoundTrip(req)
	}

	start := time.Now()
	t.Logger.Debug("token server request",
		"method", req.Method,
		"url", req.URL.String(),
		"headers", maskHeaders(req.Header),
	)

	resp, err := t.transport().RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		t.Logger.Debug("token server request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	limit := t.maxBodyBytes()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body.Close() //nolint:errcheck
		return nil, err
	}
	// Restore body for caller; anything past the limit is still unread.
	resp.Body = &prefixedBody{
		Reader: io.MultiReader(bytes.NewReader(respBody), resp.Body),
		Closer: resp.Body,
	}

	body := "<truncated>"
	if int64(len(respBody)) <= limit {
		body = string(logging.MaskJSONBody(respBody, logging.TokenBodyAllowlist))
	}
	t.Logger.Debug("token server response",
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"headers", maskHeaders(resp.Header),
		"body", body,
	)

	return resp, nil
}

type prefixedBody struct {
	io.Reader
	io.Closer
}

func (t *LoggingTransport) maxBodyBytes() int64 {
	if t.MaxBodyBytes > 0 {
		return t.MaxBodyBytes
	}
	return defaultMaxResponseBytes
}

// transport returns the underlying transport or DefaultTransport if nil
func (t *LoggingTransport) transport() http.RoundTripper {
	if t.Transport != nil {
		return t.Transport
	}
	return http.DefaultTransport
}

func maskHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		result[k] = logging.MaskHeader(k, strings.Join(v, ", "))
	}
	return result
}
