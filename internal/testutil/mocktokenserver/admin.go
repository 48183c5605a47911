package mocktokenserver

import (
	"encoding/json"
	"net/http"
)

// StateResponse is the response for GET /admin/state
type StateResponse struct {
	Users           []User `json:"users"`
	Issued          int    `json:"issued"`
	PendingFailures int    `json:"pendingFailures"`
}

// handleAdminState handles GET /admin/state
func (s *Server) handleAdminState(w http.ResponseWriter, _ *http.Request) {
	users, issued, pending := s.state.snapshot()
	writeJSON(w, http.StatusOK, StateResponse{
		Users:           users,
		Issued:          issued,
		PendingFailures: pending,
	})
}

// handleAdminReset handles DELETE /admin/reset
// Forgets all users and queued failures.
func (s *Server) handleAdminReset(w http.ResponseWriter, _ *http.Request) {
	s.state.reset()
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminFailNext handles POST /admin/fail-next
// Queues a canned response for the next token request.
func (s *Server) handleAdminFailNext(w http.ResponseWriter, r *http.Request) {
	var f Failure
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		s.writeError(w, s.now(), http.StatusBadRequest, "body", "", "invalid JSON")
		return
	}
	if f.Status != 0 && (f.Status < 100 || f.Status > 599) {
		s.writeError(w, s.now(), http.StatusBadRequest, "body", "status", "status out of range")
		return
	}

	s.state.pushFailure(f)
	w.WriteHeader(http.StatusAccepted)
}
