// Package sandbox defines the contract with the ephemeral environment
// vendor and a reference HTTP implementation. Warden never depends on a
// particular vendor: everything downstream works against Provisioner.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Handle identifies a provisioned sandbox and how to reach it.
type Handle struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// Provisioner creates, reconnects to, and destroys sandboxes.
//
// Kill is idempotent: killing a dead or already-killed sandbox must not
// return an error, because every completion channel may invoke it
// redundantly.
type Provisioner interface {
	Create(ctx context.Context, template string, env map[string]string, timeout time.Duration) (*Handle, error)
	Connect(ctx context.Context, id string) (*Handle, error)
	Kill(ctx context.Context, h *Handle) error
}

// HTTPProvisioner talks to a sandbox vendor's REST API.
type HTTPProvisioner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvisioner creates a provisioner for the given vendor endpoint.
func NewHTTPProvisioner(baseURL, apiKey string) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type createRequest struct {
	Template  string            `json:"template"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeout_ms"`
}

func (p *HTTPProvisioner) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Create provisions a fresh sandbox from a template.
func (p *HTTPProvisioner) Create(ctx context.Context, template string, env map[string]string, timeout time.Duration) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var h Handle
	status, err := p.do(ctx, http.MethodPost, "/v1/sandboxes", createRequest{
		Template:  template,
		Env:       env,
		TimeoutMs: timeout.Milliseconds(),
	}, &h)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("create sandbox: vendor returned %d", status)
	}
	if h.ID == "" || h.Endpoint == "" {
		return nil, fmt.Errorf("create sandbox: vendor returned incomplete handle")
	}
	return &h, nil
}

// Connect re-resolves a handle for an existing sandbox.
func (p *HTTPProvisioner) Connect(ctx context.Context, id string) (*Handle, error) {
	var h Handle
	status, err := p.do(ctx, http.MethodGet, "/v1/sandboxes/"+id, nil, &h)
	if err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", id, err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("connect sandbox %s: vendor returned %d", id, status)
	}
	return &h, nil
}

// Kill destroys a sandbox. Unknown or already-dead sandboxes are not an
// error; the vendor's 404 is treated as success.
func (p *HTTPProvisioner) Kill(ctx context.Context, h *Handle) error {
	if h == nil || h.ID == "" {
		return nil
	}
	status, err := p.do(ctx, http.MethodDelete, "/v1/sandboxes/"+h.ID, nil, nil)
	if err != nil {
		return fmt.Errorf("kill sandbox %s: %w", h.ID, err)
	}
	if status >= 300 && status != http.StatusNotFound && status != http.StatusGone {
		return fmt.Errorf("kill sandbox %s: vendor returned %d", h.ID, status)
	}
	return nil
}
