package mocktokenserver

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var clientStatePattern = regexp.MustCompile(`^[0-9a-fA-F]{1,32}$`)

// handleToken handles POST /1.0/sync/1.5.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	if f := s.state.takeFailure(); f != nil {
		s.writeFailure(w, f, now)
		return
	}

	scheme, bundle, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != "BrowserID" || bundle == "" {
		s.writeError(w, now, http.StatusUnauthorized, "header", "Authorization", "Unsupported authentication protocol")
		return
	}

	email, err := verifyAssertion(bundle, s.issuerKey, s.audience, now)
	if err != nil {
		s.logger.Info("rejected assertion", "error", err)
		s.writeError(w, now, http.StatusUnauthorized, "body", "", "invalid-credentials")
		return
	}

	clientState := r.Header.Get(clientStateHeader)
	if clientState != "" && !clientStatePattern.MatchString(clientState) {
		s.writeError(w, now, http.StatusBadRequest, "header", clientStateHeader, "invalid client state")
		return
	}

	uid, err := s.state.allocate(email, clientState)
	if errors.Is(err, errClientStateSeen) || errors.Is(err, errClientStateRequired) {
		s.writeError(w, now, http.StatusUnauthorized, "header", clientStateHeader, "invalid-client-state")
		return
	}

	token, err := s.issue(email, uid)
	if err != nil {
		s.logger.Error("failed to derive token secrets", "error", err)
		s.writeError(w, now, http.StatusServiceUnavailable, "body", "", "internal error")
		return
	}

	setTimestamp(w, now)
	writeJSON(w, http.StatusOK, token)
}

// issue derives fresh credentials for uid. The key is HKDF-derived from the
// master secret and the token id, the hashed uid from the email alone.
func (s *Server) issue(email string, uid uint64) (*TokenResponse, error) {
	id := uuid.NewString()

	key, err := derive(s.secret, "services.mozilla.com/tokenlib/v1/derive/"+id, 32)
	if err != nil {
		return nil, err
	}
	hashed, err := derive(s.secret, "services.mozilla.com/tokenserver/v1/hashed_fxa_uid/"+email, 16)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		ID:           id,
		Key:          base64.URLEncoding.EncodeToString(key),
		UID:          uid,
		APIEndpoint:  s.baseURL + "/1.5/" + strconv.FormatUint(uid, 10),
		HashedFxAUID: hex.EncodeToString(hashed),
		Duration:     uint64(s.tokenDuration / time.Second),
		HashAlg:      "sha256",
	}, nil
}

func derive(secret []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeFailure(w http.ResponseWriter, f *Failure, now time.Time) {
	if f.DropConnection {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			s.writeError(w, now, http.StatusInternalServerError, "body", "", "cannot drop connection")
			return
		}
		//nolint:errcheck
		conn.Close()
		return
	}

	if !f.OmitTimestamp {
		setTimestamp(w, now)
	}
	w.Header().Set("Content-Type", "application/json")
	status := f.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	//nolint:errcheck
	io.WriteString(w, f.Body)
}

// writeError writes the token server error envelope.
func (s *Server) writeError(w http.ResponseWriter, now time.Time, status int, location, name, description string) {
	setTimestamp(w, now)
	writeJSON(w, status, ErrorResponse{
		Status: "error",
		Errors: []ErrorDetail{{Location: location, Name: name, Description: description}},
	})
}

// setTimestamp reports the server clock in decimal seconds.
func setTimestamp(w http.ResponseWriter, now time.Time) {
	w.Header().Set(timestampHeader, strconv.FormatFloat(float64(now.UnixMilli())/1000, 'f', 3, 64))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck
	json.NewEncoder(w).Encode(v)
}
