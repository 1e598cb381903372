// Package client talks to the remote similarity-search service: it uploads
// encoded images for search or split, tracks every call in a Session, and on
// cancellation tells the service to stop through an ordered cascade of
// best-effort strategies.
//
// The Client is safe for concurrent use. Each logical search runs in its own
// Session, so concurrent searches never share remote request ids.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/amirhf/imageSearch/services/lookalike-go/models"
)

const (
	// Version is the client library version.
	Version = "0.1.0"

	// UserAgent is sent with every request.
	UserAgent = "lookalike-go/" + Version

	// HeaderRequestID carries the service's id for a request it started processing.
	HeaderRequestID = "X-Request-ID"

	// HeaderSessionID carries the caller-side session id.
	HeaderSessionID = "X-Session-ID"

	opSearch = "search"
	opSplit  = "split"
)

// Client is the Upload/Search client.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	logger        *slog.Logger
	recentWindow  time.Duration
	cleanupMaxAge time.Duration
	notifyTimeout time.Duration
	cancelRate    rate.Limit
	cancelBurst   int
	strategies    []CancelStrategy
	now           func() time.Time

	mu        sync.Mutex
	inflight  map[*Session]struct{}
	remoteIDs map[string]string // session id -> remote request id
	closed    bool

	notify sync.WaitGroup
}

// New creates a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	strategies := cfg.strategies
	if strategies == nil {
		strategies = DefaultStrategies()
	}

	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		logger:        logger,
		recentWindow:  cfg.recentWindow,
		cleanupMaxAge: cfg.cleanupMaxAge,
		notifyTimeout: cfg.notifyTimeout,
		cancelRate:    cfg.cancelRate,
		cancelBurst:   cfg.cancelBurst,
		strategies:    strategies,
		now:           cfg.now,
		inflight:      make(map[*Session]struct{}),
		remoteIDs:     make(map[string]string),
	}, nil
}

// Close waits for pending cancellation notifications to finish. Cancellations
// after Close still abort local calls but no longer notify the service.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.notify.Wait()
	return nil
}

// Search runs a search in a fresh Session.
func (c *Client) Search(ctx context.Context, image string, resultCount int) ([]models.SearchResultItem, error) {
	return c.NewSession().Search(ctx, image, resultCount)
}

// Split runs a split in a fresh Session.
func (c *Client) Split(ctx context.Context, image string) ([]models.Segment, error) {
	return c.NewSession().Split(ctx, image)
}

// InFlight returns the number of sessions whose call has not settled.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// RemoteID returns the remote request id recorded for an in-flight session.
func (c *Client) RemoteID(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.remoteIDs[sessionID]
	return id, ok
}

// Cancel asks the service to cancel requestID. Whatever the outcome, any
// session mapped to requestID forgets it afterwards.
func (c *Client) Cancel(ctx context.Context, requestID string) (models.Ack, error) {
	if requestID == "" {
		return nil, ErrMissingRequestID
	}
	defer c.forgetRemoteID(requestID)

	var ack models.Ack
	if err := c.doJSON(ctx, http.MethodPost, "/requests/"+url.PathEscape(requestID)+"/cancel", nil, &ack); err != nil {
		return nil, fmt.Errorf("cancel request %s: %w", requestID, err)
	}
	return ack, nil
}

// RecentRequests lists the requests the service currently knows about.
func (c *Client) RecentRequests(ctx context.Context) ([]models.RecentRequest, error) {
	var resp models.RecentRequests
	if err := c.doJSON(ctx, http.MethodGet, "/requests/recent", nil, &resp); err != nil {
		return nil, fmt.Errorf("list recent requests: %w", err)
	}
	return resp.Requests, nil
}

// CleanupRequests asks the service to drop requests older than maxAge.
func (c *Client) CleanupRequests(ctx context.Context, maxAge time.Duration) (models.Ack, error) {
	body := models.CleanupRequest{MaxAgeSeconds: int(maxAge / time.Second)}
	var ack models.Ack
	if err := c.doJSON(ctx, http.MethodPost, "/requests/cleanup", body, &ack); err != nil {
		return nil, fmt.Errorf("cleanup requests: %w", err)
	}
	return ack, nil
}

func (c *Client) track(s *Session) {
	c.mu.Lock()
	c.inflight[s] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(s *Session) {
	c.mu.Lock()
	delete(c.inflight, s)
	delete(c.remoteIDs, s.id)
	c.mu.Unlock()
}

func (c *Client) recordRemoteID(s *Session, id string) {
	s.setRemoteID(id)
	c.mu.Lock()
	if _, ok := c.inflight[s]; ok {
		c.remoteIDs[s.id] = id
	}
	c.mu.Unlock()
}

func (c *Client) forgetRemoteID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid, rid := range c.remoteIDs {
		if rid == id {
			delete(c.remoteIDs, sid)
		}
	}
}

// exchange posts payload for op and returns the raw 2xx body. The service's
// request id header is recorded as soon as response headers arrive, so a
// cancellation during the body read can already target it.
func (c *Client) exchange(ctx context.Context, s *Session, op, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &UploadError{Op: op, Message: "encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &UploadError{Op: op, Message: "create request", Cause: err}
	}
	c.setHeaders(req)
	req.Header.Set(HeaderSessionID, s.id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UploadError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(HeaderRequestID); id != "" {
		c.recordRemoteID(s, id)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UploadError{Op: op, StatusCode: resp.StatusCode, Message: "read response", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UploadError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// doJSON performs a small JSON request/response round trip.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorMessage(respBody))
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(body []byte) string {
	var resp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.Error != "" {
			return resp.Error
		}
		if resp.Message != "" {
			return resp.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
