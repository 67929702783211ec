// SPDX-License-Identifier: MPL-2.0

// Package registry is the HTTP client for protopm registries.
//
// Every request is authenticated with a bearer token read from the credential
// store for the registry host. Idempotent reads are retried on transport
// errors, 5xx and 429 responses with exponential backoff inside an explicit,
// bounded loop. Publish is not idempotent and takes a separate path: an
// ambiguous failure is reconciled against the registry before any retry.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenk/backoff"
	"github.com/charmbracelet/log"
	circuit "github.com/rubyist/circuitbreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/protopm/protopm/pkg/archive"
	"github.com/protopm/protopm/pkg/credentials"
	"github.com/protopm/protopm/pkg/manifest"
)

const (
	// DefaultMaxAttempts is the number of attempts per operation, including the first.
	DefaultMaxAttempts = 4
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 200 * time.Millisecond
	// DefaultMaxDelay caps the delay between attempts.
	DefaultMaxDelay = 5 * time.Second
	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultBreakerThreshold is the number of consecutive host failures that open the breaker.
	DefaultBreakerThreshold = 10

	// DigestHeader carries the canonical archive digest on publish.
	DigestHeader = "X-Protopm-Digest"

	maxMetadataSize = 1 << 20
	tracerName      = "github.com/protopm/protopm/pkg/registry"
)

type (
	// Source is the registry reference of a package: base URL plus repository.
	Source = manifest.Source

	// PathTemplates are the URL paths of the wire protocol, relative to the
	// registry base URL. {repository}, {name} and {version} are substituted
	// with path-escaped values.
	PathTemplates struct {
		Versions string
		Manifest string
		Archive  string
		Publish  string
	}

	// Client talks to protopm registries. It is safe for concurrent use and
	// holds no package state; only per-host circuit breakers live across calls.
	Client struct {
		http             *http.Client
		creds            credentials.Store
		paths            PathTemplates
		maxAttempts      int
		baseDelay        time.Duration
		maxDelay         time.Duration
		timeout          time.Duration
		breakerThreshold int64
		userAgent        string
		logger           *log.Logger
		tracer           trace.Tracer
		closeFn          func()

		mu       sync.Mutex
		breakers map[string]*circuit.Breaker
	}

	// Option configures a Client.
	Option func(*Client)

	response struct {
		status int
		body   []byte
	}
)

// DefaultPaths returns the Artifactory-style layout:
// {repository}/{name}/{name}-{version}.tgz.
func DefaultPaths() PathTemplates {
	return PathTemplates{
		Versions: "{repository}/{name}/versions",
		Manifest: "{repository}/{name}/{name}-{version}.toml",
		Archive:  "{repository}/{name}/{name}-{version}.tgz",
		Publish:  "{repository}/{name}/{name}-{version}.tgz",
	}
}

// WithHTTPClient replaces the default dnscache-backed HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithPaths overrides the wire protocol path templates. Empty fields keep their defaults.
func WithPaths(p PathTemplates) Option {
	return func(c *Client) {
		if p.Versions != "" {
			c.paths.Versions = p.Versions
		}
		if p.Manifest != "" {
			c.paths.Manifest = p.Manifest
		}
		if p.Archive != "" {
			c.paths.Archive = p.Archive
		}
		if p.Publish != "" {
			c.paths.Publish = p.Publish
		}
	}
}

// WithMaxAttempts sets the attempt budget per operation.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the base and maximum retry delay.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.baseDelay = base
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreakerThreshold sets how many consecutive failures open a host's breaker.
func WithBreakerThreshold(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.breakerThreshold = n
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTracer sets the tracer spans are recorded with. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// New creates a client reading bearer tokens from creds.
func New(creds credentials.Store, opts ...Option) *Client {
	c := &Client{
		creds:            creds,
		paths:            DefaultPaths(),
		maxAttempts:      DefaultMaxAttempts,
		baseDelay:        DefaultBaseDelay,
		maxDelay:         DefaultMaxDelay,
		timeout:          DefaultTimeout,
		breakerThreshold: DefaultBreakerThreshold,
		userAgent:        "protopm",
		logger:           log.New(io.Discard),
		tracer:           otel.Tracer(tracerName),
		breakers:         make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http, c.closeFn = newCachingHTTPClient()
	}
	return c
}

// Close releases background resources of the default transport.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
}

// ListVersions returns the published versions of name, ascending by precedence.
// Entries that are not valid semantic versions are skipped.
func (c *Client) ListVersions(ctx context.Context, src Source, name manifest.PackageName) (versions []manifest.Version, err error) {
	ctx, end := c.startSpan(ctx, "ListVersions", src, name, "")
	defer func() { end(err) }()

	u, err := c.url(src, c.paths.Versions, name, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, "ListVersions", src, u, maxMetadataSize)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Name: name, Source: src, Err: err}
		}
		return nil, err
	}

	var raw []string
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, fmt.Errorf("invalid version list for %s: %w", name, err)
	}

	parsed := make(map[manifest.Version]*semver.Version, len(raw))
	for _, s := range raw {
		v := manifest.Version(s)
		sv, err := v.Semver()
		if err != nil {
			c.logger.Warn("skipping invalid version", "package", name, "version", s)
			continue
		}
		parsed[v] = sv
	}
	for v := range parsed {
		versions = append(versions, v)
	}
	slices.SortFunc(versions, func(a, b manifest.Version) int {
		return parsed[a].Compare(parsed[b])
	})
	return versions, nil
}

// FetchManifest downloads and parses the manifest of name at version.
func (c *Client) FetchManifest(ctx context.Context, src Source, name manifest.PackageName, version manifest.Version) (m *manifest.Manifest, err error) {
	ctx, end := c.startSpan(ctx, "FetchManifest", src, name, version)
	defer func() { end(err) }()

	u, err := c.url(src, c.paths.Manifest, name, version)
	if err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, "FetchManifest", src, u, maxMetadataSize)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Name: name, Version: version, Source: src, Err: err}
		}
		return nil, err
	}

	m, err = manifest.Parse(resp.body)
	if err != nil {
		return nil, fmt.Errorf("manifest of %s@%s: %w", name, version, err)
	}
	if m.Package == nil || m.Package.Name != name || m.Package.Version != version {
		actual := &archive.IdentityMismatchError{ExpectedName: name, ExpectedVersion: version}
		if m.Package != nil {
			actual.ActualName, actual.ActualVersion = m.Package.Name, m.Package.Version
		}
		return nil, actual
	}
	return m, nil
}

// FetchArchive downloads name at version and verifies the archive structure
// and embedded identity.
func (c *Client) FetchArchive(ctx context.Context, src Source, name manifest.PackageName, version manifest.Version) (a *archive.Archive, err error) {
	ctx, end := c.startSpan(ctx, "FetchArchive", src, name, version)
	defer func() { end(err) }()

	u, err := c.url(src, c.paths.Archive, name, version)
	if err != nil {
		return nil, err
	}
	resp, err := c.get(ctx, "FetchArchive", src, u, archive.MaxArchiveSize)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Name: name, Version: version, Source: src, Err: err}
		}
		return nil, err
	}
	return archive.UnpackExpect(resp.body, name, version)
}

// get performs an idempotent GET with retries.
func (c *Client) get(ctx context.Context, op string, src Source, u string, limit int64) (*response, error) {
	token, host, err := c.token(src)
	if err != nil {
		return nil, err
	}

	var resp *response
	err = c.retry(ctx, op, host, func(ctx context.Context) error {
		var attemptErr error
		resp, attemptErr = c.do(ctx, http.MethodGet, u, token, nil, nil, limit)
		return attemptErr
	})
	return resp, err
}

// retry runs fn until it succeeds, fails permanently or the budget is spent.
// Each attempt gets its own timeout.
func (c *Client) retry(ctx context.Context, op, host string, fn func(context.Context) error) error {
	bo := c.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.wait(ctx, bo, op, attempt, lastErr); err != nil {
				return err
			}
		}

		err := c.attempt(ctx, host, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}
		if errors.Is(err, ErrRegistryUnavailable) || !retryable(err) {
			return err
		}
		lastErr = err
	}

	return &UnavailableError{Op: op, Host: host, Attempts: c.maxAttempts, Err: lastErr}
}

// attempt runs fn once behind the host's circuit breaker.
func (c *Client) attempt(ctx context.Context, host string, fn func(context.Context) error) error {
	breaker := c.breaker(host)
	if !breaker.Ready() {
		return fmt.Errorf("%w: circuit open for %s", ErrRegistryUnavailable, host)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && tripsBreaker(err) {
		breaker.Fail()
	} else {
		breaker.Success()
	}
	return err
}

func (c *Client) wait(ctx context.Context, bo *backoff.ExponentialBackOff, op string, attempt int, lastErr error) error {
	delay := bo.NextBackOff()
	if delay == backoff.Stop || delay > c.maxDelay {
		delay = c.maxDelay
	}
	c.logger.Debug("retrying registry request", "op", op, "attempt", attempt, "delay", delay, "error", lastErr)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s canceled: %w", op, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.MaxInterval = c.maxDelay
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// do performs one HTTP exchange and classifies the result.
func (c *Client) do(ctx context.Context, method, u, token string, body []byte, header http.Header, limit int64) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("%s %s: %w", method, u, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("reading %s: %w", u, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &HTTPError{Method: method, URL: u, StatusCode: resp.StatusCode, Body: strings.TrimSpace(msg)}
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s %s: response exceeds %d bytes", method, u, limit)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// token reads the bearer token for the source host. It never touches the network.
func (c *Client) token(src Source) (token, host string, err error) {
	host, err = credentials.HostOf(src.URL)
	if err != nil {
		return "", "", err
	}
	if c.creds == nil {
		return "", host, &UnauthenticatedError{Host: host}
	}
	token, err = c.creds.Get(host)
	if err != nil || token == "" {
		return "", host, &UnauthenticatedError{Host: host, Err: err}
	}
	return token, host, nil
}

func (c *Client) breaker(host string) *circuit.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[host]; ok {
		return b
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.Multiplier = 2.0
	bo.Reset()

	b := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    bo,
		ShouldTrip: circuit.ConsecutiveTripFunc(c.breakerThreshold),
	})
	c.breakers[host] = b
	return b
}

// url expands a path template against the source.
func (c *Client) url(src Source, template string, name manifest.PackageName, version manifest.Version) (string, error) {
	if src.URL == "" {
		return "", fmt.Errorf("no registry configured for %s", name)
	}
	base, err := url.Parse(strings.TrimRight(src.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid registry url %q: %w", src.URL, err)
	}
	p := strings.NewReplacer(
		"{repository}", url.PathEscape(string(src.Repository)),
		"{name}", url.PathEscape(string(name)),
		"{version}", url.PathEscape(string(version)),
	).Replace(template)
	return base.String() + "/" + strings.TrimLeft(p, "/"), nil
}

func (c *Client) startSpan(ctx context.Context, op string, src Source, name manifest.PackageName, version manifest.Version) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{
		attribute.String("protopm.registry", src.URL),
		attribute.String("protopm.repository", string(src.Repository)),
		attribute.String("protopm.package", string(name)),
	}
	if version != "" {
		attrs = append(attrs, attribute.String("protopm.version", string(version)))
	}
	ctx, span := c.tracer.Start(ctx, "registry."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
