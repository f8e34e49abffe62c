// Package collab holds clients for the external collaborators the token
// service depends on: the user directory, the capability authority and the
// session registry. All three speak JSON over HTTP.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tokend.org/internal/token"
)

var (
	// ErrUnavailable marks transport-level failures reaching a collaborator.
	ErrUnavailable = errors.New("collab: collaborator unavailable")

	// ErrBadResponse marks a collaborator answer that could not be parsed.
	ErrBadResponse = errors.New("collab: invalid collaborator response")
)

const defaultTimeout = 5 * time.Second

// Client is the shared HTTP plumbing for collaborator calls.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithBearerToken sets the Authorization header for collaborator calls.
func WithBearerToken(tok string) ClientOption {
	return func(c *Client) { c.token = tok }
}

// NewClient builds a collaborator client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) (int, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) (int, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read body: %v", ErrBadResponse, err)
	}
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}
	return resp.StatusCode, nil
}

// Capabilities checks capability holdings against the external authority.
type Capabilities struct {
	client *Client
}

var _ token.CapabilityChecker = (*Capabilities)(nil)

// NewCapabilities builds a capability checker backed by the authority at baseURL.
func NewCapabilities(baseURL string, opts ...ClientOption) *Capabilities {
	return &Capabilities{client: NewClient(baseURL, opts...)}
}

type capabilityCheckRequest struct {
	Capability string `json:"capability"`
	UserID     string `json:"user_id"`
}

type capabilityCheckResponse struct {
	Granted bool `json:"granted"`
}

func (c *Capabilities) HasCapability(ctx context.Context, capability string, identity token.Identity) (bool, error) {
	var out capabilityCheckResponse
	status, err := c.client.postJSON(ctx, "/v1/capabilities/check",
		capabilityCheckRequest{Capability: capability, UserID: identity.ID}, &out)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("%w: capability check returned %d", ErrBadResponse, status)
	}
	return out.Granted, nil
}

// Sessions probes the external session registry.
type Sessions struct {
	client *Client
}

var _ token.SessionChecker = (*Sessions)(nil)

// NewSessions builds a session checker backed by the registry at baseURL.
func NewSessions(baseURL string, opts ...ClientOption) *Sessions {
	return &Sessions{client: NewClient(baseURL, opts...)}
}

func (s *Sessions) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	status, err := s.client.getJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound, http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("%w: session probe returned %d", ErrBadResponse, status)
	}
}

// StaticCapabilities is an in-process capability checker for single-node
// deployments without an external authority. Grants apply to every identity.
type StaticCapabilities struct {
	Grants map[string]bool
}

var _ token.CapabilityChecker = StaticCapabilities{}

func (s StaticCapabilities) HasCapability(ctx context.Context, capability string, identity token.Identity) (bool, error) {
	return s.Grants[capability], nil
}
