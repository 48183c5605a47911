package tokenserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Token holds the credentials issued by the token server for one storage node.
type Token struct {
	ID                string
	Key               string
	APIEndpoint       string
	UID               uint64
	HashedFxAUID      string
	DurationInSeconds uint64
	// RemoteTimestamp is the server clock at response time, in milliseconds.
	RemoteTimestamp uint64
}

// ExpiresAt returns when the token lapses by the server's clock. It is the
// zero time when the server did not report a duration.
func (t *Token) ExpiresAt() time.Time {
	if t.DurationInSeconds == 0 {
		return time.Time{}
	}
	issued := time.UnixMilli(int64(t.RemoteTimestamp))
	return issued.Add(time.Duration(t.DurationInSeconds) * time.Second)
}

// tokenResponse is the wire shape of a successful exchange.
type tokenResponse struct {
	ID           *string `json:"id"`
	Key          *string `json:"key"`
	APIEndpoint  *string `json:"api_endpoint"`
	UID          *uint64 `json:"uid"`
	HashedFxAUID *string `json:"hashed_fxa_uid"`
	// Accepted when hashed_fxa_uid is absent.
	HashedFxAUIDAlias *string `json:"hashedFxAUID"`
	Duration          *uint64 `json:"duration"`
	Timestamp         *uint64 `json:"timestamp"`
}

// errorResponse is the wire shape of a refused exchange.
type errorResponse struct {
	Status    *string       `json:"status"`
	Errors    []errorDetail `json:"errors"`
	Timestamp *uint64       `json:"timestamp"`
}

type errorDetail struct {
	Location    string `json:"location"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Validation failures for a 2xx body. They are logged, never returned as a
// cause, since no underlying error object exists for them.
var (
	errMissingField    = errors.New("missing required field")
	errEndpointMissUID = errors.New("api_endpoint does not end with uid")
	errNoTimestamp     = errors.New("missing remote timestamp")
)

// toToken validates r and converts it. remoteTimestamp overrides the body
// timestamp when non-nil.
func (r *tokenResponse) toToken(remoteTimestamp *uint64) (*Token, error) {
	hashed := r.HashedFxAUID
	if hashed == nil {
		hashed = r.HashedFxAUIDAlias
	}

	switch {
	case r.ID == nil || *r.ID == "":
		return nil, fmt.Errorf("%w: id", errMissingField)
	case r.Key == nil || *r.Key == "":
		return nil, fmt.Errorf("%w: key", errMissingField)
	case r.APIEndpoint == nil || *r.APIEndpoint == "":
		return nil, fmt.Errorf("%w: api_endpoint", errMissingField)
	case r.UID == nil:
		return nil, fmt.Errorf("%w: uid", errMissingField)
	case hashed == nil || *hashed == "":
		return nil, fmt.Errorf("%w: hashed_fxa_uid", errMissingField)
	}

	if !strings.HasSuffix(*r.APIEndpoint, strconv.FormatUint(*r.UID, 10)) {
		return nil, fmt.Errorf("%w: %q, uid %d", errEndpointMissUID, *r.APIEndpoint, *r.UID)
	}

	if remoteTimestamp == nil {
		remoteTimestamp = r.Timestamp
	}
	if remoteTimestamp == nil || *remoteTimestamp == 0 {
		return nil, errNoTimestamp
	}

	token := &Token{
		ID:              *r.ID,
		Key:             *r.Key,
		APIEndpoint:     *r.APIEndpoint,
		UID:             *r.UID,
		HashedFxAUID:    *hashed,
		RemoteTimestamp: *remoteTimestamp,
	}
	if r.Duration != nil {
		token.DurationInSeconds = *r.Duration
	}
	return token, nil
}

// TimestampHeader carries the server clock in decimal seconds.
const TimestampHeader = "X-Timestamp"

// parseTimestampHeader returns the X-Timestamp header in milliseconds, or nil
// when it is absent or unparseable.
func parseTimestampHeader(h http.Header) *uint64 {
	raw := strings.TrimSpace(h.Get(TimestampHeader))
	if raw == "" {
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return nil
	}
	scaled := seconds*1000 + 0.5
	if scaled >= math.MaxUint64 {
		return nil
	}
	ms := uint64(scaled)
	return &ms
}

// decodeObject unmarshals body into v, rejecting anything that is not a
// JSON object.
func decodeObject(body []byte, v any) error {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return fmt.Errorf("response is not a JSON object: %q", truncate(trimmed, 64))
	}
	return json.Unmarshal(body, v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
