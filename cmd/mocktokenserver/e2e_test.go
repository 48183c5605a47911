//go:build e2e

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bihubihu/tokenserver-client/internal/audience"
	"github.com/bihubihu/tokenserver-client/internal/testutil/mocktokenserver"
	"github.com/bihubihu/tokenserver-client/internal/tokenserver"
)

var (
	e2eOnce    sync.Once
	e2eBaseURL string
	e2eErr     error
)

// e2eServer returns the base URL of a running mock token server, waiting for
// it to report healthy. Set MOCKTOKENSERVER_URL to point at it.
func e2eServer(t *testing.T) string {
	t.Helper()
	e2eOnce.Do(func() {
		e2eBaseURL = strings.TrimSuffix(getEnv("MOCKTOKENSERVER_URL", "http://localhost:8081"), "/")
		e2eErr = waitForService(e2eBaseURL+"/health", 30*time.Second)
	})
	require.NoError(t, e2eErr, "mock token server not ready")
	return e2eBaseURL
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// waitForService polls url until it returns 200 or timeout elapses.
func waitForService(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("service not ready after %v", timeout)
}

func resetMock(t *testing.T, baseURL string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, baseURL+"/admin/reset", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func failNext(t *testing.T, baseURL string, f mocktokenserver.Failure) {
	t.Helper()
	body, err := json.Marshal(f)
	require.NoError(t, err)
	resp, err := http.Post(baseURL+"/admin/fail-next", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func signFor(t *testing.T, endpoint, email string) string {
	t.Helper()
	aud, err := audience.Parse(endpoint)
	require.NoError(t, err)
	assertion, err := mocktokenserver.SignAssertion(mocktokenserver.DefaultIssuerKey, email, aud, time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	return assertion
}

// TestE2E_HealthCheck verifies that the mock is responding to health checks.
func TestE2E_HealthCheck(t *testing.T) {
	baseURL := e2eServer(t)
	resp, err := http.Get(baseURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestE2E_Exchange runs a full exchange through the client.
func TestE2E_Exchange(t *testing.T) {
	baseURL := e2eServer(t)
	resetMock(t, baseURL)
	endpoint := baseURL + mocktokenserver.TokenPath

	client, err := tokenserver.NewClient(endpoint)
	require.NoError(t, err)

	token, err := client.Token(context.Background(), signFor(t, endpoint, "e2e@example.com"), "")
	require.NoError(t, err)
	require.NotEmpty(t, token.ID)
	require.NotEmpty(t, token.Key)
	require.Equal(t, uint64(1), token.UID)
	require.True(t, strings.HasSuffix(token.APIEndpoint, "/1"), token.APIEndpoint)
	require.NotZero(t, token.RemoteTimestamp)
}

// TestE2E_Unauthorized verifies that a bad assertion surfaces as a remote 401.
func TestE2E_Unauthorized(t *testing.T) {
	baseURL := e2eServer(t)
	endpoint := baseURL + mocktokenserver.TokenPath

	client, err := tokenserver.NewClient(endpoint)
	require.NoError(t, err)

	_, err = client.Token(context.Background(), "BAD ASSERTION", "")
	require.Error(t, err)
	require.True(t, tokenserver.IsUnauthorized(err), err.Error())
}

// TestE2E_InjectedFailure verifies that an injected 503 reaches the client as a remote error.
func TestE2E_InjectedFailure(t *testing.T) {
	baseURL := e2eServer(t)
	resetMock(t, baseURL)
	endpoint := baseURL + mocktokenserver.TokenPath

	failNext(t, baseURL, mocktokenserver.Failure{
		Status: http.StatusServiceUnavailable,
		Body:   `{"status":"error","errors":[]}`,
	})

	client, err := tokenserver.NewClient(endpoint)
	require.NoError(t, err)

	_, err = client.Token(context.Background(), signFor(t, endpoint, "e2e@example.com"), "")
	require.Error(t, err)

	var remote *tokenserver.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, http.StatusServiceUnavailable, remote.Code)
}
