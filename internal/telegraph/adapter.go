// Package telegraph posts case events to an operator chat channel (Slack,
// Discord) so staff know when to step into a live conversation.
package telegraph

import "context"

// Adapter delivers rendered notifications to one chat platform.
type Adapter interface {
	Send(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// OutboundMessage is one chat post. Text is shown by clients that cannot
// render the attached cards.
type OutboundMessage struct {
	ChannelID string // empty posts to the adapter's default channel
	Text      string
	Events    []FormattedEvent
}

// FormattedEvent is a case event rendered as a chat card.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string
	Color    string // "#rrggbb"
	URL      string // admin view of the case
	Footer   string
	Fields   []Field
}

// Field is a labelled value on a card. Short fields may share a row.
type Field struct {
	Name  string
	Value string
	Short bool
}
