// Package agentclient is a synchronous client for the upstream agent
// service. Each call starts a fresh run against a named assistant and blocks
// until the run reaches a terminal state; no conversational memory is
// carried between calls.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FallbackReply is returned when a completed run carries no agent-authored
// message fragment.
const FallbackReply = "I processed your message successfully."

// roleAgent tags fragments authored by the agent itself.
const roleAgent = "ai"

type Options struct {
	HTTPClient *http.Client
	BaseURL    string
	Assistant  string
	APIKey     string
	// RequestTimeout bounds a single run end to end. Zero disables the
	// bound, matching the upstream contract which has no deadline of its
	// own.
	RequestTimeout time.Duration
}

type Client struct {
	http      *http.Client
	baseURL   string
	assistant string
	apiKey    string
	timeout   time.Duration
}

// MessageFragment is one role-tagged entry of a run's ordered output.
type MessageFragment struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Result is the terminal outcome of a run.
type Result struct {
	ReplyText string
	Messages  []MessageFragment
}

type runRequest struct {
	AssistantID string   `json:"assistant_id"`
	Input       runInput `json:"input"`
}

type runInput struct {
	Message string `json:"message"`
}

type runResponse struct {
	Messages []MessageFragment `json:"messages"`
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimSpace(strings.TrimRight(opts.BaseURL, "/"))
	if baseURL == "" {
		return nil, fmt.Errorf("agent base url is required")
	}
	assistant := strings.TrimSpace(opts.Assistant)
	if assistant == "" {
		return nil, fmt.Errorf("agent assistant id is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:      httpClient,
		baseURL:   baseURL,
		assistant: assistant,
		apiKey:    strings.TrimSpace(opts.APIKey),
		timeout:   opts.RequestTimeout,
	}, nil
}

// Run submits inputText as a new run and blocks until the upstream run
// completes or fails.
func (c *Client) Run(ctx context.Context, inputText string) (Result, error) {
	if c == nil || c.http == nil {
		return Result{}, fmt.Errorf("agent client is not initialized")
	}
	inputText = strings.TrimSpace(inputText)
	if inputText == "" {
		return Result{}, fmt.Errorf("input text is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := json.Marshal(runRequest{
		AssistantID: c.assistant,
		Input:       runInput{Message: inputText},
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs/wait", bytes.NewReader(raw))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("agent run request: %w", err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Result{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("agent run http %d", resp.StatusCode)
	}
	var out runResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("agent run response: %w", err)
	}
	return Result{
		ReplyText: finalAgentMessage(out.Messages),
		Messages:  out.Messages,
	}, nil
}

// finalAgentMessage selects the last agent-authored fragment, falling back
// to a fixed phrase when the run produced none.
func finalAgentMessage(messages []MessageFragment) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.TrimSpace(messages[i].Type) == roleAgent {
			if content := strings.TrimSpace(messages[i].Content); content != "" {
				return content
			}
		}
	}
	return FallbackReply
}
