// Package agentd is the typed HTTP client for the agent server running
// inside a sandbox. Every endpoint decodes into an explicit response type
// and fails closed on shape mismatch rather than defaulting fields.
package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ErrBadResponse indicates the agent server returned a payload that does
// not match the endpoint's contract. Callers map it to a transport failure.
var ErrBadResponse = errors.New("agentd: malformed response")

// Client talks to one sandbox's agent server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the agent server at the given endpoint.
// Requests are short; long waits are the orchestrator's job, not the
// transport's.
func New(endpoint string) *Client {
	return &Client{
		baseURL: endpoint,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SessionState is the remote agent session's busy/idle/error state.
type SessionState string

const (
	SessionBusy  SessionState = "busy"
	SessionIdle  SessionState = "idle"
	SessionError SessionState = "error"
)

// Message is one entry of the remote session's message list.
type Message struct {
	Role     string    `json:"role"`
	Segments []Segment `json:"segments"`
}

// Segment is one tagged fragment of a message. Exactly the fields for its
// type are populated; Type is the discriminator.
type Segment struct {
	Type       string `json:"type"` // "text", "thinking", "tool_call"
	Text       string `json:"text,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolStatus string `json:"tool_status,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
}

// Todo is one entry of the agent's todo list.
type Todo struct {
	Text   string `json:"text"`
	Status string `json:"status"`
}

// PromptOptions configures an async dispatch.
type PromptOptions struct {
	Model       string  `json:"model,omitempty"`
	MaxTurns    int     `json:"max_turns,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("agentd %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrBadResponse, method, path, err)
		}
	}
	return nil
}

// Health checks whether the agent server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// ConfigureAuth installs provider credentials into the agent server.
func (c *Client) ConfigureAuth(ctx context.Context, apiKey string) error {
	body := struct {
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
	}{Provider: "anthropic", APIKey: apiKey}
	return c.do(ctx, http.MethodPut, "/auth", body, nil)
}

// CreateSession opens a remote agent session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", struct{}{}, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: create session returned empty id", ErrBadResponse)
	}
	return out.SessionID, nil
}

// PromptAsync dispatches a task fire-and-forget. The server acknowledges
// immediately and processes in the background; the transport's stream
// lifetime is shorter than a realistic run, so there is no blocking variant.
func (c *Client) PromptAsync(ctx context.Context, sessionID, prompt string, opts PromptOptions) error {
	body := struct {
		Prompt string `json:"prompt"`
		PromptOptions
	}{Prompt: prompt, PromptOptions: opts}
	return c.do(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body, nil)
}

// StatusMap returns remote-session-id -> state for every session the agent
// server currently tracks. A session absent from the map either finished
// and was removed, or has not registered yet; the caller disambiguates.
func (c *Client) StatusMap(ctx context.Context) (map[string]SessionState, error) {
	var out struct {
		Sessions map[string]SessionState `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, &out); err != nil {
		return nil, err
	}
	if out.Sessions == nil {
		return nil, fmt.Errorf("%w: status map missing sessions field", ErrBadResponse)
	}
	for _, st := range out.Sessions {
		switch st {
		case SessionBusy, SessionIdle, SessionError:
		default:
			return nil, fmt.Errorf("%w: unknown session state %q", ErrBadResponse, st)
		}
	}
	return out.Sessions, nil
}

// Messages returns the remote session's message list so far.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Todos returns the agent's current todo list.
func (c *Client) Todos(ctx context.Context, sessionID string) ([]Todo, error) {
	var out struct {
		Todos []Todo `json:"todos"`
	}
	if err := c.do(ctx, http.MethodGet, "/session/"+sessionID+"/todo", nil, &out); err != nil {
		return nil, err
	}
	return out.Todos, nil
}

// ChangedFiles returns paths the agent modified, from the diff endpoint.
func (c *Client) ChangedFiles(ctx context.Context, sessionID string) ([]string, error) {
	var out struct {
		Files []string `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/session/"+sessionID+"/diff", nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// ReadFile fetches one file's content from the sandbox working directory.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, "/fs/read?path="+url.QueryEscape(path), nil, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// WriteFile writes one text file into the sandbox working directory,
// creating parent directories as needed.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	return c.writeFile(ctx, path, content, "")
}

// WriteFileBase64 ships base64 content for the server to decode onto
// disk. Raw binary bytes must never ride inside the JSON content string:
// the encoder substitutes U+FFFD for invalid UTF-8 and the written file
// would no longer match the original.
func (c *Client) WriteFileBase64(ctx context.Context, path, contentB64 string) error {
	return c.writeFile(ctx, path, contentB64, "base64")
}

func (c *Client) writeFile(ctx context.Context, path, content, encoding string) error {
	body := struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding,omitempty"`
	}{Path: path, Content: content, Encoding: encoding}
	return c.do(ctx, http.MethodPost, "/fs/write", body, nil)
}

// StartAgentServer asks the sandbox supervisor to launch the agent server
// in the background. Fire-and-forget; readiness is confirmed via Health.
func (c *Client) StartAgentServer(ctx context.Context, port int) error {
	body := struct {
		Port int `json:"port"`
	}{Port: port}
	return c.do(ctx, http.MethodPost, "/supervisor/start", body, nil)
}

// StartForwarder launches the in-sandbox event forwarder that streams
// completion events back to the control plane.
func (c *Client) StartForwarder(ctx context.Context, callbackURL, token string) error {
	body := struct {
		CallbackURL string `json:"callback_url"`
		Token       string `json:"token"`
	}{CallbackURL: callbackURL, Token: token}
	return c.do(ctx, http.MethodPost, "/supervisor/forwarder", body, nil)
}
