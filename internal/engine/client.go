// Package engine is the client for the external agent runner: the
// process that performs the actual reasoning given a prompt and an
// optional session handle. Solenne never inspects the runner's
// internals; it speaks a small HTTP contract and treats everything else
// as opaque.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/solenne-ai/solenne/internal/httpkit"
	"github.com/solenne-ai/solenne/internal/store"
)

// Status values reported by the runner in its terminal result event.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Workspace is the virtual execution-unit descriptor presented to the
// runner for one conversation. It is synthesized fresh per call and
// never persisted.
type Workspace struct {
	Name    string    `json:"name"`
	Folder  string    `json:"folder"`
	Trigger string    `json:"trigger"`
	AddedAt time.Time `json:"added_at"`
}

// WorkspaceFor derives the runner workspace for a conversation. The
// folder key namespaces this conversation's state inside the runner;
// the empty trigger distinguishes it from phrase-triggered group
// workspaces.
func WorkspaceFor(conv *store.Conversation) Workspace {
	return Workspace{
		Name:    conv.Name,
		Folder:  "pwa-" + conv.ID,
		Trigger: "",
		AddedAt: conv.CreatedAt,
	}
}

// InvokeRequest is one agent invocation.
type InvokeRequest struct {
	// Prompt is the rendered conversation transcript.
	Prompt string `json:"prompt"`
	// SessionID is the continuation handle from a prior invocation.
	// Empty means the runner starts fresh from the prompt alone.
	SessionID string `json:"session_id,omitempty"`
	// ChatID identifies the conversation for the runner's own logs.
	ChatID string `json:"chat_id"`
	// IsMain is always false for conversation workspaces; the runner
	// reserves true for its primary execution context.
	IsMain bool `json:"is_main"`
}

// Result is the terminal outcome of an invocation.
type Result struct {
	// Status is ok or error. An error status is a completed turn the
	// runner chose to flag, not a transport failure.
	Status string `json:"status"`
	// Result holds the agent's reply text on success.
	Result string `json:"result,omitempty"`
	// NewSessionID is the continuation handle for the next turn, when
	// the runner issued one. Absent means keep using the prior handle.
	NewSessionID string `json:"new_session_id,omitempty"`
	// Error describes an error-status outcome.
	Error string `json:"error,omitempty"`
}

// StatusFunc receives live phase descriptions ("thinking", "running
// tool X") while an invocation is in flight. Best-effort: callbacks may
// be invoked zero or more times and must not block for long.
type StatusFunc func(status string)

// streamEvent is one NDJSON line of the runner's response stream.
// Status events carry the phase description in Text; result events
// carry the embedded Result fields.
type streamEvent struct {
	Type string `json:"type"` // status or result
	Text string `json:"text,omitempty"`
	Result
}

// Client invokes the agent runner over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a runner client for baseURL. The client has no
// overall request timeout: invocations may legitimately run for a long
// time, and callers bound them with a context instead. No retries
// either — retry policy belongs to the caller or the runner, never
// here.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpkit.NewClient(0),
		logger:     logger,
	}
}

// Ping checks the runner's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runner unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner health returned %d", resp.StatusCode)
	}
	return nil
}

// Invoke runs one agent invocation inside workspace and returns the
// terminal result. Interleaved status events are relayed through
// onStatus when non-nil. Any transport-level problem — connection
// failure, non-200 response, stream ending without a result — returns
// an error; a Result with Status=error is a successful call whose
// outcome the runner flagged.
func (c *Client) Invoke(ctx context.Context, workspace Workspace, req InvokeRequest, onStatus StatusFunc) (*Result, error) {
	payload := struct {
		Workspace Workspace `json:"workspace"`
		InvokeRequest
	}{Workspace: workspace, InvokeRequest: req}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/agent/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("invoking agent runner",
		"workspace", workspace.Folder,
		"session", req.SessionID != "",
		"prompt_len", len(req.Prompt),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke runner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	// The response is newline-delimited JSON: zero or more status
	// events followed by exactly one result event.
	decoder := json.NewDecoder(resp.Body)
	for {
		var ev streamEvent
		if err := decoder.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("runner stream ended without a result")
			}
			return nil, fmt.Errorf("decode stream event: %w", err)
		}

		switch ev.Type {
		case "status":
			if onStatus != nil && ev.Text != "" {
				onStatus(ev.Text)
			}
		case "result":
			result := ev.Result
			if result.Status == "" {
				result.Status = StatusOK
			}
			return &result, nil
		default:
			// Unknown event types are skipped so the contract can grow.
			c.logger.Debug("ignoring unknown stream event", "type", ev.Type)
		}
	}
}
