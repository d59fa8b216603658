package telegraph

import (
	"context"
	"errors"
	"sync"
)

// Recorder is an in-memory Adapter for tests.
type Recorder struct {
	mu        sync.Mutex
	messages  []OutboundMessage
	failWith  error
	closed    bool
	delivered chan struct{}
}

// NewRecorder returns an open Recorder.
func NewRecorder() *Recorder {
	return &Recorder{delivered: make(chan struct{}, 64)}
}

func (r *Recorder) Send(_ context.Context, msg OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return errors.New("recorder: closed")
	case r.failWith != nil:
		return r.failWith
	}
	r.messages = append(r.messages, msg)
	select {
	case r.delivered <- struct{}{}:
	default:
	}
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Fail makes later sends return err. A nil err restores delivery.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.failWith = err
	r.mu.Unlock()
}

// Delivered ticks once per recorded message.
func (r *Recorder) Delivered() <-chan struct{} { return r.delivered }

// Messages returns a snapshot of everything recorded so far.
func (r *Recorder) Messages() []OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OutboundMessage(nil), r.messages...)
}

// Last returns the newest recorded message.
func (r *Recorder) Last() (OutboundMessage, bool) {
	msgs := r.Messages()
	if len(msgs) == 0 {
		return OutboundMessage{}, false
	}
	return msgs[len(msgs)-1], true
}
