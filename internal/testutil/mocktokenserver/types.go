// Package mocktokenserver provides an in-process sync token server for tests
// and local development.
package mocktokenserver

import (
	"errors"
	"slices"
	"sort"
	"sync"
)

var (
	errClientStateSeen     = errors.New("client state has been used before")
	errClientStateRequired = errors.New("client state required")
)

// TokenResponse is the body of a successful exchange.
type TokenResponse struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	UID          uint64 `json:"uid"`
	APIEndpoint  string `json:"api_endpoint"`
	HashedFxAUID string `json:"hashed_fxa_uid"`
	Duration     uint64 `json:"duration"`
	HashAlg      string `json:"hashalg"`
}

// ErrorResponse is the body of a refused exchange.
type ErrorResponse struct {
	Status string        `json:"status"`
	Errors []ErrorDetail `json:"errors"`
}

// ErrorDetail describes one reason for a refusal.
type ErrorDetail struct {
	Location    string `json:"location"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Failure replaces the response to the next token request.
type Failure struct {
	Status int `json:"status"`
	// Body is written verbatim.
	Body          string `json:"body"`
	OmitTimestamp bool   `json:"omitTimestamp"`
	// DropConnection closes the connection without writing a response.
	DropConnection bool `json:"dropConnection"`
}

// User is the server-side record of one account.
type User struct {
	Email       string   `json:"email"`
	UID         uint64   `json:"uid"`
	ClientState string   `json:"clientState"`
	SeenStates  []string `json:"seenStates"`
}

// State holds the internal mock server state.
type State struct {
	mu       sync.RWMutex
	users    map[string]*User
	nextUID  uint64
	issued   int
	failures []Failure
}

// NewState creates an empty State.
func NewState() *State {
	return &State{
		users:   make(map[string]*User),
		nextUID: 1,
	}
}

// allocate returns the uid to issue a token for. A client state the user has
// presented before but moved away from is refused; a new one replaces the
// current state and moves the user to a fresh uid.
func (s *State) allocate(email, clientState string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[email]
	if !ok {
		u = &User{Email: email, UID: s.nextUID, ClientState: clientState}
		if clientState != "" {
			u.SeenStates = []string{clientState}
		}
		s.nextUID++
		s.users[email] = u
		s.issued++
		return u.UID, nil
	}

	switch {
	case clientState == u.ClientState:
	case clientState == "":
		return 0, errClientStateRequired
	case slices.Contains(u.SeenStates, clientState):
		return 0, errClientStateSeen
	default:
		u.ClientState = clientState
		u.SeenStates = append(u.SeenStates, clientState)
		u.UID = s.nextUID
		s.nextUID++
	}

	s.issued++
	return u.UID, nil
}

func (s *State) pushFailure(f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
}

func (s *State) takeFailure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return nil
	}
	f := s.failures[0]
	s.failures = s.failures[1:]
	return &f
}

func (s *State) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*User)
	s.nextUID = 1
	s.issued = 0
	s.failures = nil
}

// snapshot copies the users ordered by uid.
func (s *State) snapshot() ([]User, int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		c.SeenStates = slices.Clone(u.SeenStates)
		users = append(users, c)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].UID < users[j].UID
	})
	return users, s.issued, len(s.failures)
}
