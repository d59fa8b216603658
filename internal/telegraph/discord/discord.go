// Package discord posts case notifications to a Discord channel over the
// REST API. No gateway connection is opened.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/casewire/internal/telegraph"
)

const maxRetries = 3

// Discord rejects embeds past these lengths.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldValue  = 1024
)

type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// Adapter is a telegraph.Adapter backed by a bot token.
type Adapter struct {
	sess      session
	channelID string
	policy    telegraph.RetryPolicy
}

// AdapterOpts configures New. Session replaces the real client in tests.
type AdapterOpts struct {
	BotToken  string
	ChannelID string
	Session   session
}

func New(opts AdapterOpts) (*Adapter, error) {
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("discord: bot token is required")
		}
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		// Rate limits surface as errors so the retry policy owns the waiting.
		s.ShouldRetryOnRateLimit = false
		sess = s
	}
	return &Adapter{
		sess:      sess,
		channelID: opts.ChannelID,
		policy: telegraph.RetryPolicy{
			Platform: "discord",
			Retries:  maxRetries,
			Base:     2 * time.Second,
			Max:      2 * time.Minute,
		},
	}, nil
}

func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	channel := msg.ChannelID
	if channel == "" {
		channel = a.channelID
	}
	if channel == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := renderMessage(msg)
	err := a.policy.Do(ctx, rateLimited, func() error {
		_, err := a.sess.ChannelMessageSendComplex(channel, data, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.sess.Close()
}

// renderMessage builds the post. Customer text can contain @everyone, so
// mention parsing is switched off entirely.
func renderMessage(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{
		Content:         msg.Text,
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
	for _, evt := range msg.Events {
		data.Embeds = append(data.Embeds, renderEmbed(evt))
	}
	return data
}

func renderEmbed(evt telegraph.FormattedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       clip(evt.Title, maxTitle),
		Description: clip(evt.Body, maxDescription),
		URL:         evt.URL,
		Color:       embedColor(evt.Color),
	}
	if evt.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: evt.Footer}
	}
	for _, f := range evt.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  clip(f.Value, maxFieldValue),
			Inline: f.Short,
		})
	}
	return embed
}

// embedColor reads "#rrggbb". Anything unparseable leaves the embed uncoloured.
func embedColor(hex string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(v)
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

// rateLimited recognises both shapes discordgo reports a 429 in.
func rateLimited(err error) (time.Duration, bool) {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		if rl.RateLimit != nil && rl.TooManyRequests != nil {
			return rl.RetryAfter, true
		}
		return 0, true
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusTooManyRequests {
		return retryAfter(rest.Response.Header), true
	}
	return 0, false
}

// retryAfter parses the Retry-After header, which Discord sends in
// fractional seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.ParseFloat(h.Get("Retry-After"), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
