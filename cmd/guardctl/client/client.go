// Package client is a small JSON client for the sessionguard admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.pilab.hu/sessionguard/dto"
	apierrors "go.pilab.hu/sessionguard/errors"
)

// Client calls the admin API with an operator key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New returns a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL, apiKey string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("admin API endpoint is not configured")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid admin API endpoint %q: %w", baseURL, err)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apierrors.APIError{Code: apierrors.ServerError, Description: resp.Status}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (*dto.HealthResponse, error) {
	var out dto.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession returns the user's session record.
func (c *Client) GetSession(ctx context.Context, userID string) (*dto.SessionRecordResponse, error) {
	var out dto.SessionRecordResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Revoke terminates the user's session with reason.
func (c *Client) Revoke(ctx context.Context, userID, reason string) (*dto.SessionRecordResponse, error) {
	var out dto.SessionRecordResponse
	path := "/api/v1/sessions/" + url.PathEscape(userID) + "/revoke"
	if err := c.do(ctx, http.MethodPost, path, dto.RevokeRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sweep runs one stale-record cleanup pass on the server.
func (c *Client) Sweep(ctx context.Context) (*dto.SweepResponse, error) {
	var out dto.SweepResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sweeps", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
