// Package main implements tokenctl, a command line client for sync token servers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/bihubihu/tokenserver-client/internal/audience"
	"github.com/bihubihu/tokenserver-client/internal/config"
	"github.com/bihubihu/tokenserver-client/internal/logging"
	"github.com/bihubihu/tokenserver-client/internal/metrics"
	"github.com/bihubihu/tokenserver-client/internal/storage"
	"github.com/bihubihu/tokenserver-client/internal/tokenserver"
)

// exitUnauthorized is returned when the token server refused the assertion.
const exitUnauthorized = 3

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cmd := newRootCmd(cfg, os.Stdin, os.Stdout, os.Stderr)
	os.Exit(exitCode(cmd.Execute()))
}

// exitCode maps the command result to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case tokenserver.IsUnauthorized(err):
		return exitUnauthorized
	default:
		return 1
	}
}

// Options holds the flags shared by all subcommands.
type Options struct {
	Endpoint     string
	Assertion    string
	ClientState  string
	CachePath    string
	CacheKey     string
	LogLevel     string
	Timeout      time.Duration
	All          bool
	Delete       bool
	PrintMetrics bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// newCache opens the token cache. Defaults to openSQLiteCache.
	newCache func(o *Options) (storage.Cache, error)
}

func newRootCmd(cfg *config.Config, in io.Reader, out, errOut io.Writer) *cobra.Command {
	opt := &Options{
		Endpoint:  cfg.TokenServerURL,
		CachePath: cfg.TokenCachePath,
		CacheKey:  cfg.TokenCacheKey,
		LogLevel:  cfg.LogLevel,
		Timeout:   30 * time.Second,
		in:        in,
		out:       out,
		errOut:    errOut,
		newCache:  openSQLiteCache,
	}
	if opt.Endpoint == "" {
		opt.Endpoint = tokenserver.DefaultEndpoint
	}

	cmd := &cobra.Command{
		Use:   "tokenctl",
		Short: "Exchange BrowserID assertions for sync storage tokens",

		SilenceUsage: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log level: debug, info, warn or error. Logs go to stderr.")
	cmd.PersistentFlags().StringVar(&opt.CachePath, "cache", opt.CachePath, "Path of the SQLite token cache. Empty disables caching.")

	cmd.AddCommand(newAudienceCmd(opt), newExchangeCmd(opt), newCachedCmd(opt))
	return cmd
}

func newAudienceCmd(opt *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "audience URL...",
		Short: "Print the assertion audience for token server URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range args {
				aud, err := audience.Parse(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", raw, err)
				}
				fmt.Fprintln(opt.out, aud)
			}
			return nil
		},
	}
}

func newExchangeCmd(opt *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange an assertion for a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opt.RunExchange(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opt.Endpoint, "endpoint", opt.Endpoint, "The token server endpoint.")
	cmd.Flags().StringVar(&opt.Assertion, "assertion", opt.Assertion, "The BrowserID assertion, or - to read it from stdin.")
	cmd.Flags().StringVar(&opt.ClientState, "client-state", opt.ClientState, "Hex client state sent as X-Client-State.")
	cmd.Flags().DurationVar(&opt.Timeout, "timeout", opt.Timeout, "Maximum time to wait for the token server.")
	cmd.Flags().BoolVar(&opt.PrintMetrics, "print-metrics", opt.PrintMetrics, "Write exchange metrics in Prometheus text format to stderr when done.")
	return cmd
}

func newCachedCmd(opt *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cached",
		Short: "Print or delete the cached token for an endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opt.RunCached(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opt.Endpoint, "endpoint", opt.Endpoint, "The token server endpoint.")
	cmd.Flags().BoolVar(&opt.All, "all", opt.All, "Print every cached token.")
	cmd.Flags().BoolVar(&opt.Delete, "delete", opt.Delete, "Delete the cached token instead of printing it. With --all, empties the cache.")
	return cmd
}

// RunExchange performs one exchange and prints the token as JSON.
func (o *Options) RunExchange(ctx context.Context) error {
	assertion, err := o.readAssertion()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(o.LogLevel, o.errOut)
	if err != nil {
		return err
	}

	if o.PrintMetrics {
		reg := prometheus.NewRegistry()
		if err := metrics.InitClient(reg); err != nil {
			return err
		}
		defer o.writeMetrics(reg)
	}

	var cache storage.Cache
	if o.CachePath != "" {
		if cache, err = o.openCache(ctx); err != nil {
			return err
		}
		defer func() {
			_ = cache.Close() //nolint:errcheck
		}()
	}

	client, err := tokenserver.NewClient(o.Endpoint,
		tokenserver.WithLogger(logger),
		tokenserver.WithHTTPClient(&http.Client{
			Transport: &tokenserver.LoggingTransport{Logger: logger},
		}),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	token, err := client.Token(ctx, assertion, o.ClientState)
	if err != nil {
		return err
	}

	if cache != nil {
		if err := cache.Save(ctx, client.Endpoint(), token); err != nil {
			return fmt.Errorf("failed to cache token: %w", err)
		}
	}

	return writeJSON(o.out, newTokenOutput(client.Endpoint(), token, time.Time{}, time.Now()))
}

func (o *Options) writeMetrics(reg prometheus.Gatherer) {
	text, err := metrics.GetMetricsText(reg)
	if err != nil {
		fmt.Fprintf(o.errOut, "failed to gather metrics: %v\n", err)
		return
	}
	fmt.Fprint(o.errOut, text)
}

// RunCached prints the cached token for the endpoint, or all of them.
// With Delete set it removes them instead.
func (o *Options) RunCached(ctx context.Context) error {
	if o.CachePath == "" {
		return errors.New("no token cache configured: set --cache or TOKEN_CACHE_PATH")
	}
	cache, err := o.openCache(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = cache.Close() //nolint:errcheck
	}()

	if o.Delete {
		return o.deleteCached(ctx, cache)
	}

	now := time.Now()
	if o.All {
		entries, err := cache.List(ctx)
		if err != nil {
			return err
		}
		out := make([]tokenOutput, 0, len(entries))
		for _, e := range entries {
			out = append(out, cachedOutput(e, now))
		}
		return writeJSON(o.out, out)
	}

	entry, err := cache.Load(ctx, o.Endpoint)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no token cached for %s", o.Endpoint)
	}
	if err != nil {
		return err
	}
	return writeJSON(o.out, cachedOutput(entry, now))
}

func (o *Options) deleteCached(ctx context.Context, cache storage.Cache) error {
	endpoints := []string{o.Endpoint}
	if o.All {
		entries, err := cache.List(ctx)
		if err != nil {
			return err
		}
		endpoints = endpoints[:0]
		for _, e := range entries {
			endpoints = append(endpoints, e.Endpoint)
		}
	}

	deleted := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		err := cache.Delete(ctx, endpoint)
		if errors.Is(err, storage.ErrNotFound) && !o.All {
			return fmt.Errorf("no token cached for %s", endpoint)
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete cached token for %s: %w", endpoint, err)
		}
		if err == nil {
			deleted = append(deleted, endpoint)
		}
	}
	return writeJSON(o.out, deletedOutput{Deleted: deleted})
}

// deletedOutput is the JSON printed by cached --delete.
type deletedOutput struct {
	Deleted []string `json:"deleted"`
}

func cachedOutput(e *storage.Entry, now time.Time) tokenOutput {
	out := newTokenOutput(e.Endpoint, &e.Token, e.CachedAt, now)
	out.Expired = e.Expired(now)
	return out
}

func (o *Options) readAssertion() (string, error) {
	switch o.Assertion {
	case "":
		return "", errors.New("--assertion is required (use - to read from stdin)")
	case "-":
		data, err := io.ReadAll(io.LimitReader(o.in, 64*1024))
		if err != nil {
			return "", fmt.Errorf("failed to read assertion from stdin: %w", err)
		}
		assertion := strings.TrimSpace(string(data))
		if assertion == "" {
			return "", errors.New("empty assertion on stdin")
		}
		return assertion, nil
	default:
		return o.Assertion, nil
	}
}

// openCache opens the token cache and checks that it answers.
func (o *Options) openCache(ctx context.Context) (storage.Cache, error) {
	open := o.newCache
	if open == nil {
		open = openSQLiteCache
	}
	cache, err := open(o)
	if err != nil {
		return nil, err
	}
	if err := cache.Ping(ctx); err != nil {
		_ = cache.Close() //nolint:errcheck
		return nil, fmt.Errorf("token cache unavailable: %w", err)
	}
	return cache, nil
}

func openSQLiteCache(o *Options) (storage.Cache, error) {
	if o.CacheKey == "" {
		return nil, errors.New("TOKEN_CACHE_KEY environment variable is required when caching")
	}
	key, err := storage.DeriveKey(o.CacheKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive cache key: %w", err)
	}
	cache, err := storage.New(o.CachePath, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open token cache: %w", err)
	}
	return cache, nil
}

// tokenOutput is the JSON printed for a token.
type tokenOutput struct {
	Endpoint        string     `json:"endpoint"`
	ID              string     `json:"id"`
	Key             string     `json:"key"`
	UID             uint64     `json:"uid"`
	APIEndpoint     string     `json:"api_endpoint"`
	HashedFxAUID    string     `json:"hashed_fxa_uid"`
	Duration        uint64     `json:"duration,omitempty"`
	RemoteTimestamp uint64     `json:"remote_timestamp"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Expired         bool       `json:"expired"`
	CachedAt        *time.Time `json:"cached_at,omitempty"`
}

func newTokenOutput(endpoint string, token *tokenserver.Token, cachedAt, now time.Time) tokenOutput {
	out := tokenOutput{
		Endpoint:        endpoint,
		ID:              token.ID,
		Key:             token.Key,
		UID:             token.UID,
		APIEndpoint:     token.APIEndpoint,
		HashedFxAUID:    token.HashedFxAUID,
		Duration:        token.DurationInSeconds,
		RemoteTimestamp: token.RemoteTimestamp,
	}
	if expiresAt := token.ExpiresAt(); !expiresAt.IsZero() {
		expiresAt = expiresAt.UTC()
		out.ExpiresAt = &expiresAt
		out.Expired = !now.Before(expiresAt)
	}
	if !cachedAt.IsZero() {
		out.CachedAt = &cachedAt
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
