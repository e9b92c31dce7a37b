package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
)

// Client talks to a running supervisor over its HTTP API. Errors returned
// by the server come back as *common.SandboxError, so errors.Is works
// against the common sentinels.
type Client struct {
	baseURL    string
	authHeader string
	secret     string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthHeader changes the header carrying the shared secret
func WithAuthHeader(header string) ClientOption {
	return func(c *Client) {
		c.authHeader = header
	}
}

// NewClient creates a client for the supervisor at baseURL
func NewClient(baseURL, secret string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: DefaultAuthHeader,
		secret:     secret,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn starts a sandbox for challengeKey. A nil ownerID spawns an
// anonymous instance.
func (c *Client) Spawn(ctx context.Context, challengeKey string, ownerID *string) (*SpawnResponse, error) {
	var resp SpawnResponse
	err := c.do(ctx, http.MethodPost, "/spawn", nil, SpawnRequest{OwnerID: ownerID, ChallengeKey: challengeKey}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Destroy tears a sandbox down on behalf of ownerID
func (c *Client) Destroy(ctx context.Context, instanceID string, ownerID *string) error {
	return c.do(ctx, http.MethodPost, "/destroy", nil, DestroyRequest{InstanceID: instanceID, OwnerID: ownerID}, nil)
}

// List returns live sandboxes, optionally narrowed to one owner or challenge
func (c *Client) List(ctx context.Context, ownerID *string, challengeKey string) (*ListResponse, error) {
	query := url.Values{}
	if ownerID != nil {
		query.Set("owner_id", *ownerID)
	}
	if challengeKey != "" {
		query.Set("challenge", challengeKey)
	}

	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/list", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get returns one live sandbox
func (c *Client) Get(ctx context.Context, instanceID string) (*InstanceResponse, error) {
	var resp InstanceResponse
	if err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logs returns the last tail lines of a sandbox's output
func (c *Client) Logs(ctx context.Context, instanceID string, tail int) (string, error) {
	query := url.Values{}
	if tail > 0 {
		query.Set("tail", strconv.Itoa(tail))
	}

	var resp LogsResponse
	if err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID)+"/logs", query, nil, &resp); err != nil {
		return "", err
	}
	return resp.Logs, nil
}

// Challenges lists the catalog
func (c *Client) Challenges(ctx context.Context) (*ChallengesResponse, error) {
	var resp ChallengesResponse
	if err := c.do(ctx, http.MethodGet, "/challenges", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reconcile triggers a sweep and returns its report
func (c *Client) Reconcile(ctx context.Context) (*sandbox.ReconcileReport, error) {
	var resp sandbox.ReconcileReport
	if err := c.do(ctx, http.MethodPost, "/reconcile", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the supervisor health. A degraded supervisor answers 503
// with a health body, which is returned without an error.
func (c *Client) Health(ctx context.Context) (*sandbox.HealthStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach supervisor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeErrorResponse(resp)
	}

	var health sandbox.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Events opens the event stream. query accepts the same parameters as the
// /events endpoint (owner_id, instance_id, severity, types, replay). The
// returned channel is closed when the stream ends or ctx is cancelled.
func (c *Client) Events(ctx context.Context, query url.Values) (<-chan sandbox.Event, error) {
	wsURL, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.RawQuery = query.Encode()

	header := http.Header{}
	header.Set(c.authHeader, c.secret)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeErrorResponse(resp)
		}
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	events := make(chan sandbox.Event)
	go func() {
		defer close(events)
		defer conn.Close()

		// Unblock the reader when the caller gives up
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-stop:
			}
		}()

		for {
			var event sandbox.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(c.authHeader, c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := common.CorrelationIDFromContext(ctx); ok {
		req.Header.Set(RequestIDHeader, id)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach supervisor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeErrorResponse turns an error body back into a structured error
func decodeErrorResponse(resp *http.Response) error {
	var body ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return common.NewSandboxError(common.ErrCodeInternalError,
			fmt.Sprintf("unexpected response status %d", resp.StatusCode),
			common.TruncateString(string(data), 256))
	}
	return common.NewSandboxError(body.Code, body.Message, body.RequestID)
}
