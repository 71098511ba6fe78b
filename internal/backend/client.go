package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"goldrock/internal/config"
)

const maxErrorBody = 512

// StatusError is returned for non-2xx backend responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Client talks JSON to the GoldRock REST API with the session credentials from config.
type Client struct {
	baseURL       string
	authToken     string
	sessionCookie string
	healthPath    string
	httpClient    *http.Client
}

func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		authToken:     cfg.AuthToken,
		sessionCookie: cfg.SessionCookie,
		healthPath:    cfg.HealthPath,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
	}
}

// WithHTTPClient swaps the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Send issues method path with body as the JSON request body. Any non-2xx is a *StatusError.
func (c *Client) Send(ctx context.Context, method, path string, body json.RawMessage) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, method, path); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Get fetches path and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.MethodGet, path); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("GET %s: response is not JSON", path)
	}
	return json.RawMessage(data), nil
}

// Probe reports whether the health endpoint answers 2xx.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.healthPath), nil)
	if err != nil {
		return false
	}
	c.addHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) addHeaders(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.sessionCookie != "" {
		req.Header.Set("Cookie", c.sessionCookie)
	}
}

func checkStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method: method,
		Path:   path,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
