// Package slack posts case notifications to a Slack channel through the
// Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackutilsx"
	"github.com/zulandar/casewire/internal/telegraph"
)

const maxRetries = 3

type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Adapter is a telegraph.Adapter backed by a bot token.
type Adapter struct {
	client    slackClient
	channelID string
	policy    telegraph.RetryPolicy
}

// AdapterOpts configures New. Client replaces the real API in tests.
type AdapterOpts struct {
	BotToken  string
	ChannelID string
	Client    slackClient
}

func New(opts AdapterOpts) (*Adapter, error) {
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("slack: bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	return &Adapter{
		client:    client,
		channelID: opts.ChannelID,
		policy: telegraph.RetryPolicy{
			Platform: "slack",
			Retries:  maxRetries,
			Base:     time.Second,
			Max:      time.Minute,
		},
	}, nil
}

func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	channel := msg.ChannelID
	if channel == "" {
		channel = a.channelID
	}
	if channel == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	options := renderOptions(msg)
	err := a.policy.Do(ctx, rateLimited, func() error {
		_, _, err := a.client.PostMessageContext(ctx, channel, options...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close does nothing; the Web API is stateless.
func (a *Adapter) Close() error { return nil }

// renderOptions escapes customer text so "<!channel>" and friends arrive as
// literal text, and keeps the admin link from unfurling into a preview.
func renderOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(slackutilsx.EscapeMessage(msg.Text), false),
		slackapi.MsgOptionDisableLinkUnfurl(),
	}
	if len(msg.Events) == 0 {
		return options
	}
	cards := make([]slackapi.Attachment, 0, len(msg.Events))
	for _, evt := range msg.Events {
		cards = append(cards, renderAttachment(evt))
	}
	return append(options, slackapi.MsgOptionAttachments(cards...))
}

func renderAttachment(evt telegraph.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Fallback:  slackutilsx.EscapeMessage(evt.Title),
		Color:     evt.Color,
		Title:     slackutilsx.EscapeMessage(evt.Title),
		TitleLink: evt.URL,
		Text:      slackutilsx.EscapeMessage(evt.Body),
		Footer:    evt.Footer,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: slackutilsx.EscapeMessage(f.Value),
			Short: f.Short,
		})
	}
	return att
}

// rateLimited reads Slack's Retry-After from the client error.
func rateLimited(err error) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if !errors.As(err, &rle) {
		return 0, false
	}
	return rle.RetryAfter, true
}
