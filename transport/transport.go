// Package transport implements the pooled HTTP layer used for all
// orchestrator-to-agent calls. Every failure is surfaced as a typed
// *transport.Error so callers can discriminate connect faults, timeouts,
// status errors, and malformed payloads without string matching.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opsmesh/conductor/core"
)

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	KindConnect ErrorKind = "connect"
	KindTimeout ErrorKind = "timeout"
	KindStatus  ErrorKind = "status"
	KindDecode  ErrorKind = "decode"
)

// Error is the typed failure returned by the transport.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Status   int // HTTP status for KindStatus, zero otherwise
	Err      error
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("transport: %s returned status %d", e.Endpoint, e.Status)
	default:
		return fmt.Sprintf("transport: %s %s: %v", e.Endpoint, e.Kind, e.Err)
	}
}

// Unwrap maps the failure onto the core error taxonomy so that errors.Is
// drives retry and breaker classification.
func (e *Error) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindConnect:
		sentinel = core.ErrConnectionFailed
	case KindTimeout:
		sentinel = core.ErrTimeout
	case KindStatus:
		if e.Status >= 500 {
			sentinel = core.ErrRequestFailed
		} else {
			// 4xx is the caller's problem, not the endpoint's health
			sentinel = core.ErrDomainFailure
		}
	case KindDecode:
		sentinel = core.ErrProtocol
	default:
		sentinel = core.ErrRequestFailed
	}
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}
	return []error{sentinel}
}

// Config shapes the connection pool.
type Config struct {
	// MaxConns caps total idle connections across all hosts.
	MaxConns int
	// MaxConnsPerHost caps idle connections per host.
	MaxConnsPerHost int
	// KeepAlive is the idle connection lifetime.
	KeepAlive time.Duration
	// SweepAfter recycles pooled clients whose timeout bucket has gone
	// unused for this long. Zero disables the sweeper.
	SweepAfter time.Duration
	// Logger for pool lifecycle events.
	Logger core.Logger
}

// DefaultConfig returns the pool limits from the protocol spec.
func DefaultConfig() *Config {
	return &Config{
		MaxConns:        50,
		MaxConnsPerHost: 20,
		KeepAlive:       30 * time.Second,
		SweepAfter:      5 * time.Minute,
		Logger:          &core.NoOpLogger{},
	}
}

// pooledClient is an HTTP client bound to one timeout bucket.
type pooledClient struct {
	client   *http.Client
	lastUsed time.Time
}

// HTTPTransport maintains reusable HTTP clients keyed by timeout bucket.
// The underlying http.Transport pools connections per host, so bucketing by
// timeout is the only extra dimension needed.
type HTTPTransport struct {
	config  *Config
	mu      sync.Mutex
	clients map[time.Duration]*pooledClient

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates an HTTPTransport and starts its background sweeper.
func New(config *Config) *HTTPTransport {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	t := &HTTPTransport{
		config:  config,
		clients: make(map[time.Duration]*pooledClient),
	}

	if config.SweepAfter > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		t.sweepCancel = cancel
		t.sweepDone = make(chan struct{})
		go t.sweepLoop(ctx)
	}

	return t
}

// Close stops the sweeper and releases all pooled connections.
func (t *HTTPTransport) Close() {
	if t.sweepCancel != nil {
		t.sweepCancel()
		<-t.sweepDone
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for bucket, pc := range t.clients {
		pc.client.CloseIdleConnections()
		delete(t.clients, bucket)
	}
}

// clientFor returns the pooled client for the given total timeout, creating
// it on first use. The connect sub-deadline is min(total/3, 10s).
func (t *HTTPTransport) clientFor(timeout time.Duration) *http.Client {
	bucket := bucketFor(timeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	if pc, ok := t.clients[bucket]; ok {
		pc.lastUsed = time.Now()
		return pc.client
	}

	connectTimeout := bucket / 3
	if connectTimeout > 10*time.Second || connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	inner := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: t.config.KeepAlive,
		}).DialContext,
		MaxIdleConns:        t.config.MaxConns,
		MaxIdleConnsPerHost: t.config.MaxConnsPerHost,
		IdleConnTimeout:     t.config.KeepAlive,
	}

	client := &http.Client{
		Transport: otelhttp.NewTransport(inner),
		Timeout:   bucket,
	}

	t.clients[bucket] = &pooledClient{client: client, lastUsed: time.Now()}

	t.config.Logger.Debug("Created pooled HTTP client", map[string]interface{}{
		"operation":       "pool_client_create",
		"timeout_bucket":  bucket.String(),
		"connect_timeout": connectTimeout.String(),
		"pool_total":      t.config.MaxConns,
		"pool_per_host":   t.config.MaxConnsPerHost,
	})

	return client
}

// bucketFor rounds a timeout up to the nearest second so that nearby
// timeouts share a pool instead of fragmenting it.
func bucketFor(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 30 * time.Second
	}
	bucket := timeout.Round(time.Second)
	if bucket < timeout {
		bucket += time.Second
	}
	if bucket < time.Second {
		bucket = time.Second
	}
	return bucket
}

// sweepLoop recycles clients whose bucket has gone unused past SweepAfter.
func (t *HTTPTransport) sweepLoop(ctx context.Context) {
	defer close(t.sweepDone)
	ticker := time.NewTicker(t.config.SweepAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *HTTPTransport) sweep() {
	cutoff := time.Now().Add(-t.config.SweepAfter)

	t.mu.Lock()
	defer t.mu.Unlock()
	for bucket, pc := range t.clients {
		if pc.lastUsed.Before(cutoff) {
			pc.client.CloseIdleConnections()
			delete(t.clients, bucket)
			t.config.Logger.Debug("Recycled idle pooled client", map[string]interface{}{
				"operation":      "pool_client_sweep",
				"timeout_bucket": bucket.String(),
				"idle_since":     pc.lastUsed.Format(time.RFC3339),
			})
		}
	}
}

// PostJSON issues a POST with a JSON body and returns the raw response body.
// The timeout applies as the total deadline for the call.
func (t *HTTPTransport) PostJSON(ctx context.Context, endpoint string, body interface{}, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Endpoint: endpoint, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindConnect, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	return t.do(req, endpoint, timeout)
}

// GetJSON issues a GET and decodes the JSON response into out.
func (t *HTTPTransport) GetJSON(ctx context.Context, endpoint string, timeout time.Duration, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Kind: KindConnect, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	raw, err := t.do(req, endpoint, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindDecode, Endpoint: endpoint, Err: err}
	}
	return nil
}

func (t *HTTPTransport) do(req *http.Request, endpoint string, timeout time.Duration) ([]byte, error) {
	client := t.clientFor(timeout)
	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		// Caller cancellation is not a transport fault
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, classifyRequestError(endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyRequestError(endpoint, err)
	}

	t.config.Logger.Debug("HTTP call completed", map[string]interface{}{
		"operation":   "http_call",
		"endpoint":    endpoint,
		"method":      req.Method,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       len(raw),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, &Error{Kind: KindStatus, Endpoint: endpoint, Status: resp.StatusCode}
	}

	return raw, nil
}

// classifyRequestError splits request errors into timeout vs connect kinds.
func classifyRequestError(endpoint string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: err}
	}
	return &Error{Kind: KindConnect, Endpoint: endpoint, Err: err}
}
