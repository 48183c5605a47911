package mocktokenserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bihubihu/tokenserver-client/internal/audience"
	"github.com/bihubihu/tokenserver-client/internal/logging"
	"github.com/bihubihu/tokenserver-client/internal/metrics"
	"github.com/bihubihu/tokenserver-client/internal/middleware"
)

const (
	// TokenPath is the sync 1.5 token endpoint path.
	TokenPath = "/1.0/sync/1.5"

	// DefaultTokenDuration is the lifetime reported for issued tokens.
	DefaultTokenDuration = time.Hour

	timestampHeader   = "X-Timestamp"
	clientStateHeader = "X-Client-State"
)

// Server is a mock sync token server.
type Server struct {
	ts            *httptest.Server
	handler       http.Handler
	baseURL       string
	audience      string
	state         *State
	issuerKey     []byte
	secret        []byte
	tokenDuration time.Duration
	logger        *slog.Logger
	gatherer      prometheus.Gatherer
	now           func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithIssuerKey sets the key certificates and assertions must be signed with.
func WithIssuerKey(key []byte) Option {
	return func(s *Server) {
		s.issuerKey = key
	}
}

// WithSecret sets the master secret token keys are derived from.
func WithSecret(secret []byte) Option {
	return func(s *Server) {
		s.secret = secret
	}
}

// WithTokenDuration sets the lifetime reported for issued tokens.
func WithTokenDuration(d time.Duration) Option {
	return func(s *Server) {
		s.tokenDuration = d
	}
}

// WithLogger enables request logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics records request metrics and serves gatherer at /metrics.
// metrics.InitServer must have registered the collectors with gatherer.
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func newServer(opts []Option) *Server {
	s := &Server{
		state:         NewState(),
		issuerKey:     DefaultIssuerKey,
		secret:        []byte("mocktokenserver-master-secret"),
		tokenDuration: DefaultTokenDuration,
		logger:        slog.New(slog.DiscardHandler),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// New starts a mock token server on a loopback port.
func New(opts ...Option) *Server {
	s := newServer(opts)
	s.ts = httptest.NewServer(s.handler)
	s.baseURL = s.ts.URL
	// httptest URLs are always absolute.
	s.audience, _ = audience.Parse(s.ts.URL)
	return s
}

// NewStandalone creates a server that is reachable at baseURL but does not
// listen; serve Handler yourself.
func NewStandalone(baseURL string, opts ...Option) (*Server, error) {
	aud, err := audience.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("mocktokenserver: %w", err)
	}
	s := newServer(opts)
	s.baseURL = strings.TrimSuffix(baseURL, "/")
	s.audience = aud
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	if s.gatherer != nil {
		r.Use(metrics.Middleware)
	}
	r.Use(middleware.HTTPLogging(s.logger, logging.TokenBodyAllowlist))

	r.Post(TokenPath, s.handleToken)
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(chimiddleware.RequestSize(64 * 1024))
		r.Get("/state", s.handleAdminState)
		r.Delete("/reset", s.handleAdminReset)
		r.Post("/fail-next", s.handleAdminFailNext)
	})

	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// URL returns the server base URL.
func (s *Server) URL() string {
	return s.baseURL
}

// Endpoint returns the token endpoint URL.
func (s *Server) Endpoint() string {
	return s.baseURL + TokenPath
}

// Audience returns the audience assertions must be scoped to.
func (s *Server) Audience() string {
	return s.audience
}

// Assertion signs a bundle for email that this server accepts.
func (s *Server) Assertion(email string) (string, error) {
	return SignAssertion(s.issuerKey, email, s.audience, s.now().Add(5*time.Minute))
}

// FailNext queues f as the response to the next token request.
func (s *Server) FailNext(f Failure) {
	s.state.pushFailure(f)
}

// Users returns the known accounts ordered by uid.
func (s *Server) Users() []User {
	users, _, _ := s.state.snapshot()
	return users
}

// Close shuts down a server started with New.
func (s *Server) Close() {
	if s.ts != nil {
		s.ts.Close()
	}
}
