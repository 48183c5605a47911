package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bihubihu/tokenserver-client/internal/config"
	"github.com/bihubihu/tokenserver-client/internal/testutil/mocktokenserver"
	"github.com/bihubihu/tokenserver-client/internal/tokenserver"
)

type cmdResult struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, cfg *config.Config, stdin string, args ...string) cmdResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(cfg, strings.NewReader(stdin), &stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return cmdResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func testConfig() *config.Config {
	return &config.Config{LogLevel: "error"}
}

func TestAudience(t *testing.T) {
	t.Parallel()
	res := execute(t, testConfig(), "", "audience",
		"https://token.services.mozilla.com/1.0/sync/1.5",
		"http://localhost:5000/1.0/sync/1.5")

	require.NoError(t, res.err)
	assert.Equal(t, "https://token.services.mozilla.com\nhttp://localhost:5000\n", res.stdout)
}

func TestAudience_Invalid(t *testing.T) {
	t.Parallel()
	res := execute(t, testConfig(), "", "audience", "not-a-url")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "not-a-url")
}

func TestAudience_RequiresArgs(t *testing.T) {
	t.Parallel()
	res := execute(t, testConfig(), "", "audience")
	require.Error(t, res.err)
}

func TestExchange(t *testing.T) {
	t.Parallel()
	server := mocktokenserver.New()
	defer server.Close()

	assertion, err := server.Assertion("alice@example.com")
	require.NoError(t, err)

	res := execute(t, testConfig(), "", "exchange", "--endpoint", server.Endpoint(), "--assertion", assertion)
	require.NoError(t, res.err, res.stderr)

	var out tokenOutput
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
	assert.Equal(t, server.Endpoint(), out.Endpoint)
	assert.NotEmpty(t, out.ID)
	assert.NotEmpty(t, out.Key)
	assert.True(t, strings.HasSuffix(out.APIEndpoint, "/1"), out.APIEndpoint)
	assert.EqualValues(t, 1, out.UID)
	assert.NotNil(t, out.ExpiresAt)
	assert.False(t, out.Expired)
	assert.Nil(t, out.CachedAt)
}

func TestExchange_Stdin(t *testing.T) {
	t.Parallel()
	server := mocktokenserver.New()
	defer server.Close()

	assertion, err := server.Assertion("alice@example.com")
	require.NoError(t, err)

	res := execute(t, testConfig(), assertion+"\n", "exchange", "--endpoint", server.Endpoint(), "--assertion", "-")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, `"uid": 1`)
}

func TestExchange_ClientState(t *testing.T) {
	t.Parallel()
	server := mocktokenserver.New()
	defer server.Close()

	assertion, err := server.Assertion("alice@example.com")
	require.NoError(t, err)

	res := execute(t, testConfig(), "", "exchange", "--endpoint", server.Endpoint(),
		"--assertion", assertion, "--client-state", "abcd")
	require.NoError(t, res.err, res.stderr)

	users := server.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "abcd", users[0].ClientState)
}

func TestExchange_Unauthorized(t *testing.T) {
	t.Parallel()
	server := mocktokenserver.New()
	defer server.Close()

	res := execute(t, testConfig(), "", "exchange", "--endpoint", server.Endpoint(), "--assertion", "BAD ASSERTION")
	require.Error(t, res.err)
	assert.True(t, tokenserver.IsUnauthorized(res.err))
	assert.Equal(t, exitUnauthorized, exitCode(res.err))
	assert.Contains(t, res.stderr, "<TokenServerError.Remote 401: error (")
	assert.Empty(t, res.stdout)
}

func TestExchange_MissingAssertion(t *testing.T) {
	t.Parallel()
	res := execute(t, testConfig(), "", "exchange", "--endpoint", "http://localhost:1/1.0/sync/1.5")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "--assertion")

	res = execute(t, testConfig(), "  \n", "exchange", "--endpoint", "http://localhost:1/1.0/sync/1.5", "--assertion", "-")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "empty assertion")
}

func TestExchange_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	res := execute(t, testConfig(), "", "exchange", "--log-level", "loud",
		"--endpoint", "http://localhost:1/1.0/sync/1.5", "--assertion", "a")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "invalid log level")
}

func TestExchange_DebugLogsAreMasked(t *testing.T) {
	t.Parallel()
	server := mocktokenserver.New()
	defer server.Close()

	assertion, err := server.Assertion("alice@example.com")
	require.NoError(t, err)

	res := execute(t, testConfig(), "", "exchange", "--log-level", "debug",
		"--endpoint", server.Endpoint(), "--assertion", assertion)
	require.NoError(t, res.err, res.stderr)

	var out tokenOutput
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
	assert.Contains(t, res.stderr, "token server response")
	assert.NotContains(t, res.stderr, assertion)
	assert.NotContains(t, res.stderr, out.Key)
}

func TestExchangeAndCached(t *testing.T) {
	t.Parallel()
	server := mocktokenserver.New()
	defer server.Close()

	cfg := testConfig()
	cfg.TokenCachePath = filepath.Join(t.TempDir(), "tokens.db")
	cfg.TokenCacheKey = "passphrase"

	assertion, err := server.Assertion("alice@example.com")
	require.NoError(t, err)

	res := execute(t, cfg, "", "exchange", "--endpoint", server.Endpoint(), "--assertion", assertion)
	require.NoError(t, res.err, res.stderr)

	var exchanged tokenOutput
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &exchanged))

	res = execute(t, cfg, "", "cached", "--endpoint", server.Endpoint())
	require.NoError(t, res.err, res.stderr)

	var cached tokenOutput
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &cached))
	assert.Equal(t, exchanged.ID, cached.ID)
	assert.Equal(t, exchanged.Key, cached.Key)
	assert.Equal(t, exchanged.UID, cached.UID)
	assert.NotNil(t, cached.CachedAt)
	assert.False(t, cached.Expired)

	res = execute(t, cfg, "", "cached", "--all")
	require.NoError(t, res.err, res.stderr)
	var all []tokenOutput
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &all))
	assert.Len(t, all, 1)

	res = execute(t, cfg, "", "cached", "--delete", "--endpoint", server.Endpoint())
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, server.Endpoint())

	res = execute(t, cfg, "", "cached", "--endpoint", server.Endpoint())
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "no token cached")
}

func TestCached_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no cache configured", func(t *testing.T) {
		t.Parallel()
		res := execute(t, testConfig(), "", "cached")
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "no token cache configured")
	})

	t.Run("no cache key", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.TokenCachePath = filepath.Join(t.TempDir(), "tokens.db")
		res := execute(t, cfg, "", "cached")
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "TOKEN_CACHE_KEY")
	})

	t.Run("nothing cached", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.TokenCachePath = filepath.Join(t.TempDir(), "tokens.db")
		cfg.TokenCacheKey = "passphrase"
		res := execute(t, cfg, "", "cached", "--endpoint", "https://token.example.com/1.0/sync/1.5")
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "no token cached")
	})
}

func TestNewTokenOutput(t *testing.T) {
	t.Parallel()
	token := &tokenserver.Token{
		ID: "i", Key: "k", UID: 3, APIEndpoint: "https://s/1.5/3", HashedFxAUID: "h",
		DurationInSeconds: 60, RemoteTimestamp: 1429121686000,
	}
	issued := time.UnixMilli(1429121686000)

	out := newTokenOutput("https://e", token, time.Time{}, issued.Add(30*time.Second))
	require.NotNil(t, out.ExpiresAt)
	assert.True(t, out.ExpiresAt.Equal(issued.Add(time.Minute)))
	assert.False(t, out.Expired)
	assert.Nil(t, out.CachedAt)

	out = newTokenOutput("https://e", token, issued, issued.Add(2*time.Minute))
	assert.True(t, out.Expired)
	assert.NotNil(t, out.CachedAt)

	token.DurationInSeconds = 0
	out = newTokenOutput("https://e", token, time.Time{}, issued)
	assert.Nil(t, out.ExpiresAt)
	assert.False(t, out.Expired)
}

func TestDefaultEndpoint(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd(testConfig(), strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	exchange, _, err := cmd.Find([]string{"exchange"})
	require.NoError(t, err)

	flag := exchange.Flags().Lookup("endpoint")
	require.NotNil(t, flag)
	assert.Equal(t, tokenserver.DefaultEndpoint, flag.DefValue)
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	status := "error"
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"remote 401", &tokenserver.RemoteError{Code: 401, Status: &status}, exitUnauthorized},
		{"wrapped remote 401", fmt.Errorf("exchange: %w", &tokenserver.RemoteError{Code: 401}), exitUnauthorized},
		{"remote 503", &tokenserver.RemoteError{Code: 503}, 1},
		{"local", &tokenserver.LocalError{Cause: errors.New("connection refused")}, 1},
		{"usage error", errors.New("unknown flag: --nope"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestExchange_PrintMetrics(t *testing.T) {
	// Not parallel: InitClient swaps the process-wide exchange collectors.
	server := mocktokenserver.New()
	defer server.Close()

	assertion, err := server.Assertion("alice@example.com")
	require.NoError(t, err)

	res := execute(t, testConfig(), "", "exchange", "--print-metrics",
		"--endpoint", server.Endpoint(), "--assertion", assertion)
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stderr, `tokenserver_client_exchanges_total{code="200",outcome="success"} 1`)
	assert.Contains(t, res.stderr, "tokenserver_client_exchange_duration_seconds")

	res = execute(t, testConfig(), "", "exchange", "--print-metrics",
		"--endpoint", server.Endpoint(), "--assertion", "BAD ASSERTION")
	require.Error(t, res.err)
	assert.Contains(t, res.stderr, `tokenserver_client_exchanges_total{code="401",outcome="remote"} 1`)
}
