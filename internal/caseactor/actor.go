package caseactor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/casewire/internal/mailer"
	"github.com/zulandar/casewire/internal/models"
	"github.com/zulandar/casewire/internal/responder"
	"github.com/zulandar/casewire/internal/telegraph"
)

// replyFailedNotice is pushed to viewers when the automated reply fails.
const replyFailedNotice = "We couldn't generate a reply right now. A member of our team will follow up."

// EmailMessage is an inbound email already reduced to its latest reply.
type EmailMessage struct {
	From      string
	To        string
	Subject   string
	MessageID string
	Body      string
}

// Status is a point-in-time view of an actor.
type Status struct {
	Key        string
	Sessions   int
	Admins     int
	Messages   int
	LastActive time.Time
}

// Active reports whether any session is attached.
func (s Status) Active() bool {
	return s.Sessions > 0
}

// request is one unit of work executed on the actor goroutine.
type request func()

// Actor owns one case. Every operation runs to completion on the actor's
// goroutine, so appends for a case are strictly ordered and never overlap.
type Actor struct {
	key  string
	deps *deps

	requests chan request
	done     chan struct{}

	// Owned by the run goroutine.
	loaded     bool
	history    []models.CaseMessage
	sessions   map[string]*Session
	lastActive time.Time
	retired    bool
}

func newActor(key string, d *deps) *Actor {
	return &Actor{
		key:        key,
		deps:       d,
		requests:   make(chan request),
		done:       make(chan struct{}),
		sessions:   make(map[string]*Session),
		lastActive: time.Now(),
	}
}

// Key returns the case key.
func (a *Actor) Key() string {
	return a.key
}

func (a *Actor) run() {
	defer close(a.done)
	for req := range a.requests {
		req()
		if a.retired {
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for its result. ctx bounds
// only the wait for the actor to accept the request. Once accepted, fn runs
// on a context detached from the caller's cancellation.
func (a *Actor) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	req := func() {
		turnCtx, cancel := a.deps.turnContext(ctx)
		defer cancel()
		errc <- fn(turnCtx)
	}

	select {
	case a.requests <- req:
	case <-a.done:
		return ErrActorRetired
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errc
}

// HandleEmail runs one automated email turn: persist the customer text,
// generate a reply from the prior history, persist it, then mail it back.
// Attached admins do not suppress the automated reply on this path.
func (a *Actor) HandleEmail(ctx context.Context, msg EmailMessage) error {
	return a.do(ctx, func(ctx context.Context) error {
		if err := a.ensureLoaded(ctx); err != nil {
			return err
		}
		a.touch()

		created, err := a.deps.store.EnsureCase(ctx, a.key, "email")
		if err != nil {
			return err
		}
		meta := map[string]string{"message_id": msg.MessageID, "to": msg.To}
		if err := a.deps.store.RecordContact(ctx, a.key, msg.From, msg.Subject, meta); err != nil {
			log.Printf("caseactor: %s: record contact: %v", a.key, err)
		}
		if created {
			a.deps.notifier.Notify(telegraph.CaseEvent{
				Kind:     telegraph.EventCaseOpened,
				CaseKey:  a.key,
				Source:   "email",
				Customer: msg.From,
				Subject:  msg.Subject,
				Excerpt:  msg.Body,
			})
		}

		reply, err := a.automatedTurn(ctx, msg.Body, "email", msg.From)
		if err != nil {
			return err
		}
		a.sendReply(ctx, msg, reply)
		return nil
	})
}

// Attach registers a viewer and queues the full history to it, in
// sequence order, before returning. role must be "user" or "admin"; empty
// means "user".
func (a *Actor) Attach(ctx context.Context, role string) (*Session, error) {
	if role == "" {
		role = models.RoleUser
	}
	if role != models.RoleUser && role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: role %q", ErrMalformedFrame, role)
	}

	var s *Session
	err := a.do(ctx, func(ctx context.Context) error {
		if err := a.ensureLoaded(ctx); err != nil {
			return err
		}
		created, err := a.deps.store.EnsureCase(ctx, a.key, "realtime")
		if err != nil {
			return err
		}
		if created {
			a.deps.notifier.Notify(telegraph.CaseEvent{
				Kind:    telegraph.EventCaseOpened,
				CaseKey: a.key,
				Source:  "realtime",
			})
		}

		s = newSession(a, role, len(a.history)+a.deps.sessionBuffer)
		for _, m := range a.history {
			s.out <- Frame{Message: m.Content, Role: m.Role}
		}
		a.sessions[s.ID] = s
		a.touch()
		log.Printf("caseactor: %s: %s session %s attached (%d open)", a.key, role, s.ID, len(a.sessions))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OnSessionMessage handles a frame sent by an attached session. With no
// admin attached the frame is answered automatically. With an admin
// attached it is stored under its declared role and relayed to every
// viewer without calling the responder.
func (a *Actor) OnSessionMessage(ctx context.Context, s *Session, f Frame) error {
	text := strings.TrimSpace(f.Message)
	if text == "" {
		return fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	declared := f.Role
	if declared == "" {
		declared = s.Role
	}
	if declared != models.RoleUser && declared != models.RoleAdmin {
		return fmt.Errorf("%w: role %q", ErrMalformedFrame, f.Role)
	}

	return a.do(ctx, func(ctx context.Context) error {
		if a.sessions[s.ID] != s {
			return ErrUnknownSession
		}
		if err := a.ensureLoaded(ctx); err != nil {
			return err
		}
		a.touch()

		if a.adminAttached() {
			m, err := a.append(ctx, declared, text)
			if err != nil {
				return err
			}
			a.broadcast(Frame{Message: m.Content, Role: m.Role})
			return nil
		}

		_, err := a.automatedTurn(ctx, text, "realtime", "")
		return err
	})
}

// Detach removes a session. The last detach returns the actor to idle.
func (a *Actor) Detach(ctx context.Context, s *Session) error {
	return a.do(ctx, func(ctx context.Context) error {
		if a.sessions[s.ID] != s {
			return ErrUnknownSession
		}
		a.drop(s)
		a.touch()
		log.Printf("caseactor: %s: session %s detached (%d open)", a.key, s.ID, len(a.sessions))
		return nil
	})
}

// History returns a copy of the case history.
func (a *Actor) History(ctx context.Context) ([]models.CaseMessage, error) {
	var out []models.CaseMessage
	err := a.do(ctx, func(ctx context.Context) error {
		if err := a.ensureLoaded(ctx); err != nil {
			return err
		}
		out = make([]models.CaseMessage, len(a.history))
		copy(out, a.history)
		return nil
	})
	return out, err
}

// Status reports session and history counts.
func (a *Actor) Status(ctx context.Context) (Status, error) {
	var st Status
	err := a.do(ctx, func(ctx context.Context) error {
		st = Status{
			Key:        a.key,
			Sessions:   len(a.sessions),
			Admins:     a.countRole(models.RoleAdmin),
			Messages:   len(a.history),
			LastActive: a.lastActive,
		}
		return nil
	})
	return st, err
}

// automatedTurn persists text as a user message, asks the responder for a
// reply based on the history before that message, and persists the reply.
// Both messages are pushed to every attached viewer.
func (a *Actor) automatedTurn(ctx context.Context, text, source, customer string) (string, error) {
	snapshot := make([]models.CaseMessage, len(a.history))
	copy(snapshot, a.history)

	userMsg, err := a.append(ctx, models.RoleUser, text)
	if err != nil {
		return "", err
	}
	a.broadcast(Frame{Message: userMsg.Content, Role: userMsg.Role})

	reply, err := a.generateReply(ctx, snapshot, text)
	if err != nil {
		log.Printf("caseactor: %s: generate reply: %v", a.key, err)
		a.broadcast(Frame{Message: replyFailedNotice, Role: models.RoleSystem})
		a.deps.notifier.Notify(telegraph.CaseEvent{
			Kind:     telegraph.EventReplyFailed,
			CaseKey:  a.key,
			Source:   source,
			Customer: customer,
			Excerpt:  text,
			Detail:   err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrReplyFailed, err)
	}

	botMsg, err := a.append(ctx, models.RoleAssistant, reply)
	if err != nil {
		return "", err
	}
	a.broadcast(Frame{Message: botMsg.Content, Role: botMsg.Role})
	return reply, nil
}

// generateReply builds the prompt from history and the new text and
// delegates to the responder.
func (a *Actor) generateReply(ctx context.Context, history []models.CaseMessage, text string) (string, error) {
	prompt := responder.BuildPrompt(a.deps.instruction, history, text)
	return a.deps.responder.Reply(ctx, prompt)
}

// sendReply mails the reply back to the customer. Delivery failures are
// logged; the conversation is already persisted.
func (a *Actor) sendReply(ctx context.Context, msg EmailMessage, body string) {
	err := a.deps.mailer.Send(ctx, mailer.Reply{
		CaseKey:   a.key,
		To:        msg.From,
		Subject:   msg.Subject,
		InReplyTo: msg.MessageID,
		Body:      body,
	})
	if err != nil {
		log.Printf("caseactor: %s: send reply to %s: %v", a.key, msg.From, err)
	}
}

func (a *Actor) ensureLoaded(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	msgs, err := a.deps.store.Load(ctx, a.key)
	if err != nil {
		return err
	}
	a.history = msgs
	a.loaded = true
	return nil
}

func (a *Actor) append(ctx context.Context, role, content string) (models.CaseMessage, error) {
	m, err := a.deps.store.Append(ctx, a.key, role, content)
	if err != nil {
		return models.CaseMessage{}, err
	}
	a.history = append(a.history, m)
	return m, nil
}

// broadcast pushes f to every session without blocking. A session whose
// buffer is full is dropped.
func (a *Actor) broadcast(f Frame) {
	for _, s := range a.sessions {
		select {
		case s.out <- f:
		default:
			log.Printf("caseactor: %s: session %s too slow, dropping", a.key, s.ID)
			a.drop(s)
		}
	}
}

func (a *Actor) drop(s *Session) {
	if _, ok := a.sessions[s.ID]; !ok {
		return
	}
	delete(a.sessions, s.ID)
	close(s.out)
}

func (a *Actor) adminAttached() bool {
	return a.countRole(models.RoleAdmin) > 0
}

func (a *Actor) countRole(role string) int {
	n := 0
	for _, s := range a.sessions {
		if s.Role == role {
			n++
		}
	}
	return n
}

func (a *Actor) touch() {
	a.lastActive = time.Now()
}

// retire is run on the actor goroutine. It leaves the registry when the
// actor is idle past idle, or unconditionally when force is set.
func (a *Actor) retire(idle time.Duration, force bool) bool {
	if !force && (len(a.sessions) > 0 || time.Since(a.lastActive) < idle) {
		return false
	}
	a.deps.registry.remove(a)
	for _, s := range a.sessions {
		a.drop(s)
	}
	a.retired = true
	return true
}
