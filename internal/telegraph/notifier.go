package telegraph

import (
	"context"
	"fmt"
	"log"
	"time"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 10 * time.Second
)

// Notifier queues case events and posts them to an Adapter from its own
// goroutine, so callers never wait on the chat platform. A nil *Notifier
// is valid and drops every event.
type Notifier struct {
	adapter     Adapter
	channelID   string
	chatURL     string
	queue       chan CaseEvent
	sendTimeout time.Duration
}

// NotifierOpts holds parameters for creating a Notifier.
type NotifierOpts struct {
	Adapter     Adapter
	ChannelID   string
	ChatURL     string // base realtime URL used for admin links
	QueueSize   int
	SendTimeout time.Duration
}

// NewNotifier creates a Notifier. Call Run to start delivery.
func NewNotifier(opts NotifierOpts) (*Notifier, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Notifier{
		adapter:     opts.Adapter,
		channelID:   opts.ChannelID,
		chatURL:     opts.ChatURL,
		queue:       make(chan CaseEvent, size),
		sendTimeout: timeout,
	}, nil
}

// Notify enqueues an event. When the queue is full the event is dropped
// and logged.
func (n *Notifier) Notify(event CaseEvent) {
	if n == nil {
		return
	}
	select {
	case n.queue <- event:
	default:
		log.Printf("telegraph: queue full, dropping %s for %s", event.Kind, event.CaseKey)
	}
}

// Run delivers queued events until ctx is cancelled, then closes the adapter.
func (n *Notifier) Run(ctx context.Context) {
	defer func() {
		if err := n.adapter.Close(); err != nil {
			log.Printf("telegraph: close adapter: %v", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.queue:
			n.deliver(ctx, event)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, event CaseEvent) {
	formatted := FormatCaseEvent(event, n.chatURL)
	msg := OutboundMessage{
		ChannelID: n.channelID,
		Text:      formatted.Title,
		Events:    []FormattedEvent{formatted},
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()
	if err := n.adapter.Send(sendCtx, msg); err != nil {
		log.Printf("telegraph: send %s for %s: %v", event.Kind, event.CaseKey, err)
	}
}
