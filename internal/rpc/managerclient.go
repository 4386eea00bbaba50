package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vulcan-sh/vulcan/internal/apierr"
)

// ManagerClient is the Agent's side of the Manager API: it registers the
// Host once at startup and then heartbeats on an interval. Unlike Client
// (Manager -> Agent), every call here carries a bearer token, since the
// Manager's /v1/hosts routes sit behind auth.Authenticate.
type ManagerClient struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
}

// NewManagerClient builds a ManagerClient targeting the Manager's base URL
// (e.g. "http://10.0.1.1:8080"), authenticating with token.
func NewManagerClient(baseURL, token string, timeout time.Duration) *ManagerClient {
	return &ManagerClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
		timeout: timeout,
	}
}

func (c *ManagerClient) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apierr.New(apierr.HostLocalError, "encode request", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apierr.New(apierr.HostLocalError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apierr.New(apierr.Timeout, "timeout", err)
		}
		return apierr.New(apierr.Unavailable, "manager unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return DecodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.New(apierr.HostLocalError, "decode response", err)
	}
	return nil
}

// RegisterHost registers this Host with the Manager, returning the Host ID
// to use for every subsequent heartbeat.
func (c *ManagerClient) RegisterHost(ctx context.Context, req RegisterHostRequest) (*RegisterHostResponse, error) {
	var out RegisterHostResponse
	if err := c.do(ctx, http.MethodPost, "/v1/hosts", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports current resource usage for hostID. The Manager uses
// missed heartbeats, not this call's return value, to mark a Host
// unhealthy (spec.md §4.3); a heartbeat failure here is the caller's to
// log and retry on the next tick.
func (c *ManagerClient) Heartbeat(ctx context.Context, hostID string, req HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/hosts/%s/heartbeat", hostID), req, nil)
}
