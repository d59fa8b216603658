// Package caseactor runs one serialized actor per support case. A sharded
// registry guarantees that at most one live actor exists per case key, and
// each actor applies every state change for its case on a single goroutine.
package caseactor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/casewire/internal/mailer"
	"github.com/zulandar/casewire/internal/models"
	"github.com/zulandar/casewire/internal/responder"
	"github.com/zulandar/casewire/internal/telegraph"
)

const (
	shardCount           = 32
	defaultSessionBuffer = 64
)

// Store is the persistence an actor needs.
type Store interface {
	EnsureCase(ctx context.Context, key, source string) (bool, error)
	RecordContact(ctx context.Context, key, customerEmail, subject string, meta map[string]string) error
	Append(ctx context.Context, key, role, content string) (models.CaseMessage, error)
	Load(ctx context.Context, key string) ([]models.CaseMessage, error)
}

// Notifier receives case events for operators.
type Notifier interface {
	Notify(event telegraph.CaseEvent)
}

type noopNotifier struct{}

func (noopNotifier) Notify(telegraph.CaseEvent) {}

type deps struct {
	store         Store
	responder     responder.Responder
	mailer        mailer.Sender
	notifier      Notifier
	instruction   string
	sessionBuffer int
	turnTimeout   time.Duration
	registry      *Registry
}

// turnContext detaches ctx from its caller. A positive turnTimeout is the
// only deadline a turn gets.
func (d *deps) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if d.turnTimeout > 0 {
		return context.WithTimeout(base, d.turnTimeout)
	}
	return base, func() {}
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Store       Store
	Responder   responder.Responder
	Mailer      mailer.Sender
	Notifier    Notifier // optional
	Instruction string   // system instruction for automated replies
	// SessionBuffer is the per-session outbound buffer beyond the replayed
	// history. A viewer that falls further behind is dropped.
	SessionBuffer int
	// TurnTimeout bounds one accepted request on the actor. Zero leaves
	// timeouts to the responder and mailer clients.
	TurnTimeout time.Duration
}

type shard struct {
	mu     sync.Mutex
	actors map[string]*Actor
}

// Registry maps case keys to live actors.
type Registry struct {
	shards [shardCount]shard
	deps   *deps
	closed atomic.Bool
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("caseactor: store is required")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("caseactor: responder is required")
	}
	if opts.Mailer == nil {
		return nil, fmt.Errorf("caseactor: mailer is required")
	}
	if opts.Instruction == "" {
		return nil, fmt.Errorf("caseactor: instruction is required")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	buffer := opts.SessionBuffer
	if buffer <= 0 {
		buffer = defaultSessionBuffer
	}

	r := &Registry{}
	for i := range r.shards {
		r.shards[i].actors = make(map[string]*Actor)
	}
	r.deps = &deps{
		store:         opts.Store,
		responder:     opts.Responder,
		mailer:        opts.Mailer,
		notifier:      notifier,
		instruction:   opts.Instruction,
		sessionBuffer: buffer,
		turnTimeout:   opts.TurnTimeout,
		registry:      r,
	}
	return r, nil
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.shards[h.Sum32()%shardCount]
}

// Lookup returns the live actor for key, creating and starting it if none
// exists. Concurrent calls for the same key return the same actor. After
// Close it returns a retired actor that is never started or registered.
func (r *Registry) Lookup(key string) *Actor {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if a, ok := sh.actors[key]; ok {
		return a
	}
	a := newActor(key, r.deps)
	// Checked under the shard lock: Close marks the registry closed before
	// it snapshots the shards, so an actor added here is always retired.
	if r.closed.Load() {
		a.retired = true
		close(a.done)
		return a
	}
	sh.actors[key] = a
	go a.run()
	return a
}

// remove deletes a from the registry if it is still the live actor for
// its key.
func (r *Registry) remove(a *Actor) {
	sh := r.shardFor(a.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.actors[a.key] == a {
		delete(sh.actors, a.key)
	}
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.actors)
		sh.mu.Unlock()
	}
	return n
}

func (r *Registry) snapshot() []*Actor {
	var out []*Actor
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, a := range sh.actors {
			out = append(out, a)
		}
		sh.mu.Unlock()
	}
	return out
}

// dispatch runs fn against the live actor for key, retrying on a fresh
// actor when it races a retirement.
func (r *Registry) dispatch(ctx context.Context, key string, fn func(*Actor) error) error {
	for {
		if r.closed.Load() {
			return ErrRegistryClosed
		}
		err := fn(r.Lookup(key))
		if !errors.Is(err, ErrActorRetired) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// HandleEmail routes an email turn to the case actor.
func (r *Registry) HandleEmail(ctx context.Context, key string, msg EmailMessage) error {
	return r.dispatch(ctx, key, func(a *Actor) error {
		return a.HandleEmail(ctx, msg)
	})
}

// Attach opens a realtime session on the case.
func (r *Registry) Attach(ctx context.Context, key, role string) (*Session, error) {
	var s *Session
	err := r.dispatch(ctx, key, func(a *Actor) error {
		var err error
		s, err = a.Attach(ctx, role)
		return err
	})
	return s, err
}

// Statuses reports on every live actor.
func (r *Registry) Statuses(ctx context.Context) []Status {
	var out []Status
	for _, a := range r.snapshot() {
		st, err := a.Status(ctx)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Sweep retires actors with no sessions that have been inactive for at
// least idle. Busy actors are skipped. It returns the number retired.
func (r *Registry) Sweep(idle time.Duration) int {
	retired := 0
	for _, a := range r.snapshot() {
		result := make(chan bool, 1)
		select {
		case a.requests <- func() { result <- a.retire(idle, false) }:
			if <-result {
				retired++
			}
		default:
			// Busy or already gone.
		}
	}
	if retired > 0 {
		log.Printf("caseactor: swept %d idle actors (%d live)", retired, r.Len())
	}
	return retired
}

// Close retires every actor. Sessions still attached have their frame
// streams closed. Requests after Close fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.closed.Store(true)
	for _, a := range r.snapshot() {
		result := make(chan bool, 1)
		select {
		case a.requests <- func() { result <- a.retire(0, true) }:
			<-result
		case <-a.done:
		case <-ctx.Done():
			return fmt.Errorf("caseactor: close: %w", ctx.Err())
		}
	}
	return nil
}
