package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/puresort/slackbot/internal/agentclient"
)

type fakeResolver struct {
	names map[string]string
	err   error
	calls int
}

func (f *fakeResolver) ChannelName(ctx context.Context, channelID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	name, ok := f.names[channelID]
	if !ok {
		return "", fmt.Errorf("unknown channel %s", channelID)
	}
	return name, nil
}

type fakeAgent struct {
	inputs []string
	reply  string
	err    error
}

func (f *fakeAgent) Run(ctx context.Context, inputText string) (agentclient.Result, error) {
	f.inputs = append(f.inputs, inputText)
	if f.err != nil {
		return agentclient.Result{}, f.err
	}
	return agentclient.Result{ReplyText: f.reply}, nil
}

type fakePublisher struct {
	channels []string
	texts    []string
	threads  []string
	err      error
}

func (f *fakePublisher) PostMessage(ctx context.Context, channelID, text, threadTS string) error {
	f.channels = append(f.channels, channelID)
	f.texts = append(f.texts, text)
	f.threads = append(f.threads, threadTS)
	return f.err
}

func newTestDispatcher(t *testing.T, resolver *fakeResolver, agent *fakeAgent, publisher *fakePublisher) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d, err := New(Options{
		AllowedChannel: "all-ai-tools-testing",
		Channels:       resolver,
		Agent:          agent,
		Publisher:      publisher,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func callbackBody(channel, user, botID, text, ts string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"event_callback","event":{"type":"message","channel":%q,"user":%q,"bot_id":%q,"text":%q,"ts":%q}}`,
		channel, user, botID, text, ts,
	))
}

func TestDispatchURLVerificationEchoesChallenge(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	agent := &fakeAgent{}
	publisher := &fakePublisher{}
	d := newTestDispatcher(t, resolver, agent, publisher)

	outcome, err := d.Dispatch(context.Background(), []byte(`{"type":"url_verification","challenge":"abc123"}`))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusOK {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusOK)
	}
	if outcome.Reply != "abc123" {
		t.Fatalf("challenge mismatch: got %q want %q", outcome.Reply, "abc123")
	}
	if resolver.calls != 0 {
		t.Fatalf("channel lookups = %d, want 0", resolver.calls)
	}
	if len(agent.inputs) != 0 {
		t.Fatalf("agent runs = %d, want 0", len(agent.inputs))
	}
	if len(publisher.texts) != 0 {
		t.Fatalf("publishes = %d, want 0", len(publisher.texts))
	}
}

func TestDispatchIgnoresBotMessages(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{}
	publisher := &fakePublisher{}
	d := newTestDispatcher(t, &fakeResolver{}, agent, publisher)

	outcome, err := d.Dispatch(context.Background(), callbackBody("C1", "", "B999", "hi", "1.0"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusIgnored {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusIgnored)
	}
	if outcome.Reason != "bot_message" {
		t.Fatalf("reason mismatch: got %q want %q", outcome.Reason, "bot_message")
	}
	if len(agent.inputs) != 0 {
		t.Fatalf("agent runs = %d, want 0", len(agent.inputs))
	}
	if len(publisher.texts) != 0 {
		t.Fatalf("publishes = %d, want 0", len(publisher.texts))
	}
}

func TestDispatchIgnoresDisallowedChannel(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{names: map[string]string{"C1": "random"}}
	agent := &fakeAgent{}
	d := newTestDispatcher(t, resolver, agent, &fakePublisher{})

	outcome, err := d.Dispatch(context.Background(), callbackBody("C1", "U1", "", "hi", "1.0"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusIgnored {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusIgnored)
	}
	if outcome.Reason != "channel_not_allowed" {
		t.Fatalf("reason mismatch: got %q want %q", outcome.Reason, "channel_not_allowed")
	}
	if len(agent.inputs) != 0 {
		t.Fatalf("agent runs = %d, want 0", len(agent.inputs))
	}
}

func TestDispatchChannelNameCompareIsCaseSensitive(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{names: map[string]string{"C1": "All-AI-Tools-Testing"}}
	agent := &fakeAgent{}
	d := newTestDispatcher(t, resolver, agent, &fakePublisher{})

	outcome, err := d.Dispatch(context.Background(), callbackBody("C1", "U1", "", "hi", "1.0"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusIgnored {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusIgnored)
	}
	if len(agent.inputs) != 0 {
		t.Fatalf("agent runs = %d, want 0", len(agent.inputs))
	}
}

func TestDispatchIgnoresChannelLookupFailure(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{err: fmt.Errorf("conversations.info failed")}
	agent := &fakeAgent{}
	d := newTestDispatcher(t, resolver, agent, &fakePublisher{})

	outcome, err := d.Dispatch(context.Background(), callbackBody("C1", "U1", "", "hi", "1.0"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusIgnored {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusIgnored)
	}
	if len(agent.inputs) != 0 {
		t.Fatalf("agent runs = %d, want 0", len(agent.inputs))
	}
}

func TestDispatchIgnoresEmptyText(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{names: map[string]string{"C1": "all-ai-tools-testing"}}
	agent := &fakeAgent{}
	d := newTestDispatcher(t, resolver, agent, &fakePublisher{})

	outcome, err := d.Dispatch(context.Background(), callbackBody("C1", "U1", "", "", "1.0"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusIgnored {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusIgnored)
	}
	if outcome.Reason != "empty_text" {
		t.Fatalf("reason mismatch: got %q want %q", outcome.Reason, "empty_text")
	}
	if len(agent.inputs) != 0 {
		t.Fatalf("agent runs = %d, want 0", len(agent.inputs))
	}
}

func TestDispatchForwardsAllowedMessage(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{names: map[string]string{"C1": "all-ai-tools-testing"}}
	agent := &fakeAgent{reply: "hello back"}
	publisher := &fakePublisher{}
	d := newTestDispatcher(t, resolver, agent, publisher)

	outcome, err := d.Dispatch(context.Background(), callbackBody("C1", "U1", "", "hello", "1739667600.000100"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusOK {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusOK)
	}
	if len(agent.inputs) != 1 {
		t.Fatalf("agent runs = %d, want 1", len(agent.inputs))
	}
	if agent.inputs[0] != "hello" {
		t.Fatalf("agent input mismatch: got %q want %q", agent.inputs[0], "hello")
	}
	if len(publisher.texts) != 1 {
		t.Fatalf("publishes = %d, want 1", len(publisher.texts))
	}
	if publisher.texts[0] != "hello back" {
		t.Fatalf("reply mismatch: got %q want %q", publisher.texts[0], "hello back")
	}
	if publisher.channels[0] != "C1" {
		t.Fatalf("reply channel mismatch: got %q want %q", publisher.channels[0], "C1")
	}
	if publisher.threads[0] != "1739667600.000100" {
		t.Fatalf("thread mismatch: got %q want %q", publisher.threads[0], "1739667600.000100")
	}
}

func TestDispatchConvertsReplyMarkdown(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{names: map[string]string{"C1": "all-ai-tools-testing"}}
	agent := &fakeAgent{reply: "this is **important**"}
	publisher := &fakePublisher{}
	d := newTestDispatcher(t, resolver, agent, publisher)

	if _, err := d.Dispatch(context.Background(), callbackBody("C1", "U1", "", "hi", "1.0")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(publisher.texts) != 1 {
		t.Fatalf("publishes = %d, want 1", len(publisher.texts))
	}
	if publisher.texts[0] != "this is *important*" {
		t.Fatalf("mrkdwn mismatch: got %q want %q", publisher.texts[0], "this is *important*")
	}
}

func TestDispatchDuplicateDeliveryRunsTwice(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{names: map[string]string{"C1": "all-ai-tools-testing"}}
	agent := &fakeAgent{reply: "ok"}
	publisher := &fakePublisher{}
	d := newTestDispatcher(t, resolver, agent, publisher)

	body := callbackBody("C1", "U1", "", "hello", "1739667600.000100")
	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), body); err != nil {
			t.Fatalf("Dispatch(#%d) error = %v", i+1, err)
		}
	}
	// Same timestamp id delivered twice produces two independent runs:
	// delivery is at-least-once and deliberately not deduplicated.
	if len(agent.inputs) != 2 {
		t.Fatalf("agent runs = %d, want 2", len(agent.inputs))
	}
	if len(publisher.texts) != 2 {
		t.Fatalf("publishes = %d, want 2", len(publisher.texts))
	}
}

func TestDispatchAgentFailurePostsApology(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{names: map[string]string{"C1": "all-ai-tools-testing"}}
	agent := &fakeAgent{err: fmt.Errorf("upstream exploded: secret detail")}
	publisher := &fakePublisher{}
	d := newTestDispatcher(t, resolver, agent, publisher)

	outcome, err := d.Dispatch(context.Background(), callbackBody("C1", "U1", "", "hello", "1.0"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusError {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusError)
	}
	if len(publisher.texts) != 1 {
		t.Fatalf("publishes = %d, want 1", len(publisher.texts))
	}
	if publisher.texts[0] != ApologyReply {
		t.Fatalf("apology mismatch: got %q want %q", publisher.texts[0], ApologyReply)
	}
}

func TestDispatchReplyFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{names: map[string]string{"C1": "all-ai-tools-testing"}}
	agent := &fakeAgent{reply: "ok"}
	publisher := &fakePublisher{err: fmt.Errorf("chat.postMessage failed")}
	d := newTestDispatcher(t, resolver, agent, publisher)

	outcome, err := d.Dispatch(context.Background(), callbackBody("C1", "U1", "", "hello", "1.0"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusOK {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusOK)
	}
}

func TestDispatchUnknownTypeIsSideEffectFree(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	agent := &fakeAgent{}
	publisher := &fakePublisher{}
	d := newTestDispatcher(t, resolver, agent, publisher)

	outcome, err := d.Dispatch(context.Background(), []byte(`{"type":"app_rate_limited"}`))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome.Status != StatusOK {
		t.Fatalf("status mismatch: got %s want %s", outcome.Status, StatusOK)
	}
	if resolver.calls != 0 || len(agent.inputs) != 0 || len(publisher.texts) != 0 {
		t.Fatalf("unexpected side effects: lookups=%d runs=%d publishes=%d", resolver.calls, len(agent.inputs), len(publisher.texts))
	}
}

func TestDispatchMalformedBody(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &fakeResolver{}, &fakeAgent{}, &fakePublisher{})

	if _, err := d.Dispatch(context.Background(), []byte(`{not json`)); err == nil {
		t.Fatalf("Dispatch() error = nil, want malformed body error")
	}
}

func TestParseEventCallback(t *testing.T) {
	t.Parallel()

	event, challenge, err := ParseEvent(callbackBody("C9", "U7", "", "  hi there  ", "2.0"))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if challenge != "" {
		t.Fatalf("challenge mismatch: got %q want empty", challenge)
	}
	if event.Type != "event_callback" {
		t.Fatalf("type mismatch: got %q want %q", event.Type, "event_callback")
	}
	if event.ChannelID != "C9" || event.UserID != "U7" {
		t.Fatalf("ids mismatch: got channel=%q user=%q", event.ChannelID, event.UserID)
	}
	if event.Text != "hi there" {
		t.Fatalf("text mismatch: got %q want %q", event.Text, "hi there")
	}
	if event.TimestampID != "2.0" {
		t.Fatalf("ts mismatch: got %q want %q", event.TimestampID, "2.0")
	}
	if event.IsBotAuthor {
		t.Fatalf("IsBotAuthor = true, want false")
	}
}
