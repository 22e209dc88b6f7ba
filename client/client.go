package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls the coordination server's HTTP tool surface.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// APIKey is sent as a bearer credential. It identifies an operator
	// (admin key or token), not an agent.
	APIKey string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a failed tool call as reported by the server.
type Error struct {
	StatusCode int
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Kind, e.Message, e.StatusCode)
}

// IsKind reports whether err is a server error of the given kind, such as
// "conflict" or "auth".
func IsKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Call invokes a tool with arbitrary arguments and decodes the result into
// out, which may be nil.
func (c *Client) Call(ctx context.Context, tool string, args any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/tools/"+url.PathEscape(tool), args)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// Tools lists the tools visible to this client's credentials.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tools", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// Status fetches the read-only dashboard snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	var out Status
	if err := decodeResponse(resp, &out); err != nil {
		return Status{}, err
	}
	return out, nil
}

// Health returns the store state reported by /healthz.
func (c *Client) Health(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Status string `json:"status"`
		Store  string `json:"store"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return out.Store, fmt.Errorf("health %s: store %s", out.Status, out.Store)
	}
	return out.Store, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return c.HTTP.Do(req)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		var env struct {
			Error *Error `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error == nil {
			return &Error{StatusCode: resp.StatusCode, Kind: "http", Message: http.StatusText(resp.StatusCode)}
		}
		env.Error.StatusCode = resp.StatusCode
		return env.Error
	}
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
