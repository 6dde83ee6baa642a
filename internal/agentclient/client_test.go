package agentclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunPicksLastAgentMessage(t *testing.T) {
	t.Parallel()

	var gotPath, gotAPIKey string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-Api-Key")
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{
				{"type": "human", "content": "hello"},
				{"type": "ai", "content": "first thought"},
				{"type": "tool", "content": "lookup result"},
				{"type": "ai", "content": "final answer"},
			},
		})
	}))
	defer server.Close()

	client, err := New(Options{
		HTTPClient: server.Client(),
		BaseURL:    server.URL,
		Assistant:  "slack_agent",
		APIKey:     "key-123",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := client.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ReplyText != "final answer" {
		t.Fatalf("reply mismatch: got %q want %q", result.ReplyText, "final answer")
	}
	if gotPath != "/runs/wait" {
		t.Fatalf("path mismatch: got %q want %q", gotPath, "/runs/wait")
	}
	if gotAPIKey != "key-123" {
		t.Fatalf("api key mismatch: got %q want %q", gotAPIKey, "key-123")
	}

	var req struct {
		AssistantID string `json:"assistant_id"`
		Input       struct {
			Message string `json:"message"`
		} `json:"input"`
	}
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("request body unmarshal error = %v", err)
	}
	if req.AssistantID != "slack_agent" {
		t.Fatalf("assistant mismatch: got %q want %q", req.AssistantID, "slack_agent")
	}
	if req.Input.Message != "hello" {
		t.Fatalf("input mismatch: got %q want %q", req.Input.Message, "hello")
	}
}

func TestRunFallsBackWithoutAgentMessage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{
				{"type": "human", "content": "hello"},
				{"type": "tool", "content": "lookup result"},
			},
		})
	}))
	defer server.Close()

	client, err := New(Options{HTTPClient: server.Client(), BaseURL: server.URL, Assistant: "slack_agent"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := client.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ReplyText != FallbackReply {
		t.Fatalf("reply mismatch: got %q want %q", result.ReplyText, FallbackReply)
	}
}

func TestRunSkipsEmptyAgentFragments(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{
				{"type": "ai", "content": "usable answer"},
				{"type": "ai", "content": "   "},
			},
		})
	}))
	defer server.Close()

	client, err := New(Options{HTTPClient: server.Client(), BaseURL: server.URL, Assistant: "slack_agent"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := client.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.ReplyText != "usable answer" {
		t.Fatalf("reply mismatch: got %q want %q", result.ReplyText, "usable answer")
	}
}

func TestRunUpstreamError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := New(Options{HTTPClient: server.Client(), BaseURL: server.URL, Assistant: "slack_agent"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := client.Run(context.Background(), "hello"); err == nil {
		t.Fatalf("Run() error = nil, want upstream error")
	}
}

func TestRunHonorsRequestTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := New(Options{
		HTTPClient:     server.Client(),
		BaseURL:        server.URL,
		Assistant:      "slack_agent",
		RequestTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	start := time.Now()
	if _, err := client.Run(context.Background(), "hello"); err == nil {
		t.Fatalf("Run() error = nil, want deadline error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run() took %s, want timeout near 50ms", elapsed)
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	client, err := New(Options{BaseURL: "http://localhost:2024", Assistant: "slack_agent"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := client.Run(context.Background(), "   "); err == nil {
		t.Fatalf("Run() error = nil, want empty input error")
	}
}

func TestNewRequiresBaseURLAndAssistant(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Assistant: "slack_agent"}); err == nil {
		t.Fatalf("New() error = nil, want missing base url error")
	}
	if _, err := New(Options{BaseURL: "http://localhost:2024"}); err == nil {
		t.Fatalf("New() error = nil, want missing assistant error")
	}
}
