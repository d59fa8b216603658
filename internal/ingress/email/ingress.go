// Package email accepts inbound support email, applies size and sender
// limits, reduces each message to its newest reply and forwards it to the
// owning case.
package email

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/casewire/internal/caseactor"
	"github.com/zulandar/casewire/internal/reply"
)

// DefaultMaxBytes is the raw size ceiling for one inbound email.
const DefaultMaxBytes = 15000

const releaseTimeout = 5 * time.Second

// RejectKind classifies a refused delivery.
type RejectKind int

const (
	RejectSize RejectKind = iota + 1
	RejectRate
	RejectMalformed
)

func (k RejectKind) String() string {
	switch k {
	case RejectSize:
		return "size"
	case RejectRate:
		return "rate"
	case RejectMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// RejectError is an explicit refusal with a message meant for the sender.
// Rate refusals are temporary; the other kinds are permanent.
type RejectError struct {
	Kind    RejectKind
	Message string
}

func (e *RejectError) Error() string {
	return e.Message
}

// IsReject reports whether err is a RejectError and returns it.
func IsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Envelope is one delivery: the SMTP envelope sender and recipient plus
// the raw message bytes.
type Envelope struct {
	From string
	To   string
	Raw  []byte
}

// Cases receives parsed emails.
type Cases interface {
	HandleEmail(ctx context.Context, key string, msg caseactor.EmailMessage) error
}

// Deduper remembers delivered messages. ClaimInbound must be atomic:
// of concurrent claims on one id exactly one reports true.
type Deduper interface {
	ClaimInbound(ctx context.Context, messageID, caseKey, sender string) (bool, error)
	ReleaseInbound(ctx context.Context, messageID string) error
}

// IngressOpts holds parameters for creating an Ingress.
type IngressOpts struct {
	Router   *caseactor.Router
	Cases    Cases
	Dedupe   Deduper        // optional
	Limiter  *SenderLimiter // optional; nil allows every sender
	MaxBytes int            // default DefaultMaxBytes
}

// Ingress is the shared email entry point for SMTP and webhook deliveries.
type Ingress struct {
	router   *caseactor.Router
	cases    Cases
	dedupe   Deduper
	limiter  *SenderLimiter
	maxBytes int
}

// NewIngress creates an Ingress.
func NewIngress(opts IngressOpts) (*Ingress, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("email: router is required")
	}
	if opts.Cases == nil {
		return nil, fmt.Errorf("email: cases is required")
	}
	max := opts.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	return &Ingress{
		router:   opts.Router,
		cases:    opts.Cases,
		dedupe:   opts.Dedupe,
		limiter:  opts.Limiter,
		maxBytes: max,
	}, nil
}

// MaxBytes returns the size ceiling.
func (in *Ingress) MaxBytes() int {
	return in.maxBytes
}

// CheckSize refuses a delivery whose declared or actual size exceeds the
// ceiling.
func (in *Ingress) CheckSize(size int64) error {
	if size > int64(in.maxBytes) {
		return &RejectError{
			Kind:    RejectSize,
			Message: fmt.Sprintf("Sorry, we can't handle emails larger than %d bytes.", in.maxBytes),
		}
	}
	return nil
}

// Receive processes one delivery. A *RejectError means the sender should
// be refused; any other error is temporary and the delivery may be
// retried. A reply that could not be generated still counts as
// delivered because the customer message is stored.
func (in *Ingress) Receive(ctx context.Context, env Envelope) error {
	if err := in.CheckSize(int64(len(env.Raw))); err != nil {
		log.Printf("email: rejecting %d byte message from %s", len(env.Raw), env.From)
		return err
	}
	if !in.limiter.Allow(env.From) {
		log.Printf("email: rate limiting %s", env.From)
		return &RejectError{Kind: RejectRate, Message: "Sorry, you've sent too many emails."}
	}

	parsed, err := Parse(env.Raw)
	if err != nil {
		return &RejectError{Kind: RejectMalformed, Message: "Sorry, we couldn't read that email."}
	}

	addressee := caseactor.LocalPart(env.To)
	if addressee == "" {
		return &RejectError{Kind: RejectMalformed, Message: "Sorry, that recipient address is not valid."}
	}
	sender := env.From
	if sender == "" {
		sender = parsed.From
	}
	key := in.router.Resolve(addressee)

	dedupeKey := ""
	if parsed.MessageID != "" {
		dedupeKey = parsed.MessageID + "|" + strings.ToLower(addressee)
	}
	if in.dedupe != nil {
		claimed, err := in.dedupe.ClaimInbound(ctx, dedupeKey, key, sender)
		if err != nil {
			return fmt.Errorf("email: dedupe: %w", err)
		}
		if !claimed {
			log.Printf("email: dropping duplicate %s for %s", parsed.MessageID, addressee)
			return nil
		}
	}

	body := reply.ExtractLatestReply(parsed.Text)
	if body == "" {
		log.Printf("email: %s: empty reply from %s, nothing to answer", key, sender)
		return nil
	}

	err = in.cases.HandleEmail(ctx, key, caseactor.EmailMessage{
		From:      sender,
		To:        env.To,
		Subject:   parsed.Subject,
		MessageID: parsed.MessageID,
		Body:      body,
	})
	switch {
	case errors.Is(err, caseactor.ErrReplyFailed):
		log.Printf("email: %s: accepted without reply: %v", key, err)
	case err != nil:
		in.release(dedupeKey, key)
		return fmt.Errorf("email: forward %s: %w", key, err)
	}
	return nil
}

// release drops the claim so the sender's retry is processed. It runs on
// its own context because the delivery's context may be what failed.
func (in *Ingress) release(dedupeKey, key string) {
	if in.dedupe == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := in.dedupe.ReleaseInbound(ctx, dedupeKey); err != nil {
		log.Printf("email: %s: release claim: %v", key, err)
	}
}
