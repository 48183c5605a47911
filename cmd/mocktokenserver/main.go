// Package main implements a standalone mock sync token server for local
// development and end-to-end testing.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bihubihu/tokenserver-client/internal/config"
	"github.com/bihubihu/tokenserver-client/internal/logging"
	"github.com/bihubihu/tokenserver-client/internal/metrics"
	"github.com/bihubihu/tokenserver-client/internal/testutil/mocktokenserver"
)

// createServer creates a mock token server advertising cfg.PublicURL().
func createServer(cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*mocktokenserver.Server, error) {
	return mocktokenserver.NewStandalone(cfg.PublicURL(),
		mocktokenserver.WithSecret([]byte(cfg.MockTokenSecret)),
		mocktokenserver.WithTokenDuration(cfg.MockTokenDuration),
		mocktokenserver.WithLogger(logger),
		mocktokenserver.WithMetrics(reg),
	)
}

// createHTTPServer creates an http.Server with the given address and handler.
func createHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// setupShutdownHandler closes the servers on SIGINT or SIGTERM.
func setupShutdownHandler(logger *slog.Logger, servers ...*http.Server) <-chan bool {
	done := make(chan bool)
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down mock token server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			//nolint:errcheck
			s.Shutdown(ctx)
		}
		close(done)
	}()
	return done
}

// healthURL returns the local health endpoint for listenAddr.
func healthURL(listenAddr string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		port = "8081"
	}
	return "http://localhost:" + port + "/health"
}

// doHealthCheck performs the actual health check HTTP request.
// Returns 0 on success, 1 on failure. Used by container HEALTHCHECK.
func doHealthCheck(url string) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return 1
	}
	//nolint:errcheck // Response body close errors are unrecoverable in health check
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func run(cfg *config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if err := metrics.InitServer(reg); err != nil {
		return err
	}

	server, err := createServer(cfg, logger, reg)
	if err != nil {
		return err
	}

	servers := []*http.Server{createHTTPServer(cfg.ListenAddr, server.Handler())}
	if cfg.MetricsListenAddr != "" {
		servers = append(servers, createHTTPServer(cfg.MetricsListenAddr, metrics.Handler(reg)))
	}

	done := setupShutdownHandler(logger, servers...)

	errs := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("mock token server listening", "addr", s.Addr, "public_url", cfg.PublicURL())
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("HTTP server error on %s: %w", s.Addr, err)
				return
			}
			errs <- nil
		}(s)
	}

	select {
	case err := <-errs:
		if err != nil {
			return err
		}
	case <-done:
	}

	<-done
	logger.Info("mock token server stopped")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Handle health check subcommand for distroless container health checks
	if len(os.Args) > 1 && os.Args[1] == "health" {
		os.Exit(doHealthCheck(healthURL(cfg.ListenAddr)))
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
