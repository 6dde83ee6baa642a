// Package dispatch is the hosting-mode-agnostic event core: it receives a
// raw Slack webhook body, filters it, forwards accepted message text to the
// agent, and hands the agent's reply to the publisher. Both entry points
// (Socket Mode and the webhook server) drive this one dispatcher.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/puresort/slackbot/internal/agentclient"
	"github.com/puresort/slackbot/internal/mrkdwn"
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusIgnored Status = "ignored"
	StatusError   Status = "error"
)

// ApologyReply is the fixed user-facing message posted when the agent run
// fails. Internal error detail is logged, never relayed to the chat surface.
const ApologyReply = "Sorry, I ran into a problem processing your message. Please try again."

const (
	typeURLVerification = "url_verification"
	typeEventCallback   = "event_callback"
)

// Outcome is the result of dispatching one webhook body. Reply carries the
// verbatim challenge echo for url_verification requests.
type Outcome struct {
	Status Status
	Reply  string
	Reason string
}

// InboundEvent is the normalized view of one webhook payload. It lives for
// the duration of a single dispatch and is never persisted.
type InboundEvent struct {
	Type        string
	ChannelID   string
	UserID      string
	IsBotAuthor bool
	Text        string
	TimestampID string
}

// AgentRequest is the single downstream invocation an accepted event
// produces.
type AgentRequest struct {
	ThreadID  string
	InputText string
}

// ChannelNameResolver resolves a channel id to its display name.
type ChannelNameResolver interface {
	ChannelName(ctx context.Context, channelID string) (string, error)
}

// AgentRunner submits text to the upstream agent and waits for a terminal
// result.
type AgentRunner interface {
	Run(ctx context.Context, inputText string) (agentclient.Result, error)
}

// ReplyPublisher posts a threaded reply into the source conversation.
type ReplyPublisher interface {
	PostMessage(ctx context.Context, channelID, text, threadTS string) error
}

type Options struct {
	// AllowedChannel is the single channel display name whose messages are
	// forwarded. Compared case-sensitively.
	AllowedChannel string
	Channels       ChannelNameResolver
	Agent          AgentRunner
	Publisher      ReplyPublisher
	Logger         *slog.Logger
}

type Dispatcher struct {
	allowedChannel string
	channels       ChannelNameResolver
	agent          AgentRunner
	publisher      ReplyPublisher
	logger         *slog.Logger
}

func New(opts Options) (*Dispatcher, error) {
	allowed := strings.TrimSpace(opts.AllowedChannel)
	if allowed == "" {
		return nil, fmt.Errorf("allowed channel name is required")
	}
	if opts.Channels == nil {
		return nil, fmt.Errorf("channel name resolver is required")
	}
	if opts.Agent == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("reply publisher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		allowedChannel: allowed,
		channels:       opts.Channels,
		agent:          opts.Agent,
		publisher:      opts.Publisher,
		logger:         logger,
	}, nil
}

type webhookBody struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

type callbackEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	BotID   string `json:"bot_id"`
	TS      string `json:"ts"`
}

// ParseEvent builds an InboundEvent from the raw webhook body. A JSON error
// means the body is malformed and should be reported as a client error.
func ParseEvent(rawBody []byte) (InboundEvent, string, error) {
	var body webhookBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return InboundEvent{}, "", fmt.Errorf("malformed event body: %w", err)
	}
	eventType := strings.TrimSpace(body.Type)
	if eventType != typeEventCallback {
		return InboundEvent{Type: eventType}, strings.TrimSpace(body.Challenge), nil
	}
	var event callbackEvent
	if len(body.Event) > 0 {
		if err := json.Unmarshal(body.Event, &event); err != nil {
			return InboundEvent{}, "", fmt.Errorf("malformed nested event: %w", err)
		}
	}
	return InboundEvent{
		Type:        eventType,
		ChannelID:   strings.TrimSpace(event.Channel),
		UserID:      strings.TrimSpace(event.User),
		IsBotAuthor: strings.TrimSpace(event.BotID) != "",
		Text:        strings.TrimSpace(event.Text),
		TimestampID: strings.TrimSpace(event.TS),
	}, "", nil
}

// Dispatch processes one raw webhook body end to end. At most one agent
// invocation is produced per body; filtered events are deliberate no-ops.
// Duplicate deliveries with the same timestamp id are NOT deduplicated.
func (d *Dispatcher) Dispatch(ctx context.Context, rawBody []byte) (Outcome, error) {
	if d == nil {
		return Outcome{}, fmt.Errorf("dispatcher is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	event, challenge, err := ParseEvent(rawBody)
	if err != nil {
		return Outcome{}, err
	}
	dispatchID := "evt_" + uuid.NewString()

	switch event.Type {
	case typeURLVerification:
		// Echo the challenge verbatim; no side effects, no agent call.
		return Outcome{Status: StatusOK, Reply: challenge}, nil
	case typeEventCallback:
		return d.dispatchCallback(ctx, dispatchID, event), nil
	default:
		// Unrecognized webhook shapes are acknowledged without side effects
		// so the platform does not retry them.
		d.logger.Debug("dispatch_unknown_type", "dispatch_id", dispatchID, "type", event.Type)
		return Outcome{Status: StatusOK}, nil
	}
}

func (d *Dispatcher) dispatchCallback(ctx context.Context, dispatchID string, event InboundEvent) Outcome {
	if event.IsBotAuthor {
		// Never react to bot-authored messages; replying to our own posts
		// would loop.
		d.logger.Debug("dispatch_ignored", "dispatch_id", dispatchID, "reason", "bot_message", "channel_id", event.ChannelID)
		return Outcome{Status: StatusIgnored, Reason: "bot_message"}
	}

	channelName, err := d.channels.ChannelName(ctx, event.ChannelID)
	if err != nil {
		d.logger.Warn("dispatch_channel_lookup_error", "dispatch_id", dispatchID, "channel_id", event.ChannelID, "error", err.Error())
		return Outcome{Status: StatusIgnored, Reason: "channel_lookup_failed"}
	}
	if channelName != d.allowedChannel {
		d.logger.Warn("dispatch_ignored", "dispatch_id", dispatchID, "reason", "channel_not_allowed", "channel", channelName)
		return Outcome{Status: StatusIgnored, Reason: "channel_not_allowed"}
	}

	if event.Text == "" {
		d.logger.Warn("dispatch_ignored", "dispatch_id", dispatchID, "reason", "empty_text", "channel", channelName)
		return Outcome{Status: StatusIgnored, Reason: "empty_text"}
	}

	req := AgentRequest{ThreadID: event.TimestampID, InputText: event.Text}
	d.logger.Info("dispatch_agent_run", "dispatch_id", dispatchID, "channel", channelName, "user_id", event.UserID, "thread_id", req.ThreadID)

	result, err := d.agent.Run(ctx, req.InputText)
	if err != nil {
		d.logger.Error("dispatch_agent_error", "dispatch_id", dispatchID, "channel", channelName, "error", err.Error())
		d.publish(ctx, dispatchID, event, ApologyReply)
		return Outcome{Status: StatusError, Reason: "agent_failed"}
	}

	d.publish(ctx, dispatchID, event, mrkdwn.Convert(result.ReplyText))
	return Outcome{Status: StatusOK}
}

// publish posts a threaded reply best effort: delivery failures are logged
// and swallowed since the inbound acknowledgment may already be on the wire.
func (d *Dispatcher) publish(ctx context.Context, dispatchID string, event InboundEvent, text string) {
	if err := d.publisher.PostMessage(ctx, event.ChannelID, text, event.TimestampID); err != nil {
		d.logger.Error("dispatch_reply_error", "dispatch_id", dispatchID, "channel_id", event.ChannelID, "thread_id", event.TimestampID, "error", err.Error())
		return
	}
	d.logger.Info("dispatch_reply_posted", "dispatch_id", dispatchID, "channel_id", event.ChannelID, "thread_id", event.TimestampID)
}
