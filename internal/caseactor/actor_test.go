package caseactor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/casewire/internal/config"
	"github.com/zulandar/casewire/internal/db"
	"github.com/zulandar/casewire/internal/history"
	"github.com/zulandar/casewire/internal/mailer"
	"github.com/zulandar/casewire/internal/models"
	"github.com/zulandar/casewire/internal/responder"
	"github.com/zulandar/casewire/internal/telegraph"
)

// --- Fixtures ---

type recordingNotifier struct {
	mu     sync.Mutex
	events []telegraph.CaseEvent
}

func (n *recordingNotifier) Notify(e telegraph.CaseEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	store     *history.Store
	responder *responder.Mock
	mailer    *mailer.Mock
	notifier  *recordingNotifier
	registry  *Registry
}

func newStore(t *testing.T) *history.Store {
	t.Helper()
	gormDB, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "cases.db"),
	})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	})
	s, err := history.NewStore(gormDB)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func newFixture(t *testing.T, r *responder.Mock, buffer int) *fixture {
	t.Helper()
	f := &fixture{
		store:     newStore(t),
		responder: r,
		mailer:    mailer.NewMock(),
		notifier:  &recordingNotifier{},
	}
	reg, err := NewRegistry(RegistryOpts{
		Store:         f.store,
		Responder:     f.responder,
		Mailer:        f.mailer,
		Notifier:      f.notifier,
		Instruction:   "You are a support agent.",
		SessionBuffer: buffer,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Close(context.Background()) })
	f.registry = reg
	return f
}

// echoResponder answers "re: <text>" based on the last prompt turn.
func echoResponder() *responder.Mock {
	return responder.NewMockFunc(func(prompt []responder.Turn) (string, error) {
		last := prompt[len(prompt)-1].Content
		return "re: " + strings.TrimPrefix(last, "User message: "), nil
	})
}

func nextFrame(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case f, ok := <-s.Frames():
		if !ok {
			t.Fatal("frame stream closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func expectClosed(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frame stream not closed")
		}
	}
}

func roles(msgs []models.CaseMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

// --- NewRegistry ---

func TestNewRegistry_Validation(t *testing.T) {
	store := newStore(t)
	tests := []struct {
		name string
		opts RegistryOpts
		want string
	}{
		{"no store", RegistryOpts{Responder: responder.NewMock("x"), Mailer: mailer.NewMock(), Instruction: "i"}, "store is required"},
		{"no responder", RegistryOpts{Store: store, Mailer: mailer.NewMock(), Instruction: "i"}, "responder is required"},
		{"no mailer", RegistryOpts{Store: store, Responder: responder.NewMock("x"), Instruction: "i"}, "mailer is required"},
		{"no instruction", RegistryOpts{Store: store, Responder: responder.NewMock("x"), Mailer: mailer.NewMock()}, "instruction is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

// --- Lookup ---

func TestLookup_ConcurrentReturnsSameActor(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)

	const n = 64
	got := make([]*Actor, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = f.registry.Lookup("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("Lookup %d returned a different actor", i)
		}
	}
	if f.registry.Len() != 1 {
		t.Errorf("Len = %d, want 1", f.registry.Len())
	}
}

func TestLookup_DistinctKeys(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	if f.registry.Lookup("a") == f.registry.Lookup("b") {
		t.Error("different keys share an actor")
	}
}

// --- Email path ---

func TestHandleEmail_EndToEnd(t *testing.T) {
	f := newFixture(t, responder.NewMock("Try clearing your cache."), 0)
	ctx := context.Background()

	key := NewRouter("support").Resolve(LocalPart("support@y.com"))
	err := f.registry.HandleEmail(ctx, key, EmailMessage{
		From:      "alice@x.com",
		To:        "support@y.com",
		Subject:   "Help",
		MessageID: "<m1@x.com>",
		Body:      "My site is down",
	})
	if err != nil {
		t.Fatalf("HandleEmail: %v", err)
	}

	msgs, _ := f.store.Load(ctx, key)
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "My site is down" || msgs[0].Sequence != 1 {
		t.Errorf("msg[0] = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Try clearing your cache." || msgs[1].Sequence != 2 {
		t.Errorf("msg[1] = %+v", msgs[1])
	}

	sent := f.mailer.Sent()
	if len(sent) != 1 {
		t.Fatalf("mailer sent %d, want 1", len(sent))
	}
	r := sent[0]
	if r.CaseKey != key || r.To != "alice@x.com" || r.InReplyTo != "<m1@x.com>" || r.Subject != "Help" {
		t.Errorf("reply = %+v", r)
	}
	if r.Body != "Try clearing your cache." {
		t.Errorf("reply body = %q", r.Body)
	}

	c, err := f.store.GetCase(ctx, key)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if c.CustomerEmail != "alice@x.com" || c.Source != "email" {
		t.Errorf("case = %+v", c)
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != telegraph.EventCaseOpened {
		t.Errorf("notifications = %v", kinds)
	}
}

func TestHandleEmail_PromptUsesPriorHistory(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	f.registry.HandleEmail(ctx, "case-p", EmailMessage{From: "a@x.com", Body: "first"})
	f.registry.HandleEmail(ctx, "case-p", EmailMessage{From: "a@x.com", Body: "second"})

	prompts := f.responder.Prompts()
	if len(prompts) != 2 {
		t.Fatalf("responder calls = %d", len(prompts))
	}
	p := prompts[1]
	want := []responder.Turn{
		{Role: "system", Content: "You are a support agent."},
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "re: first"},
		{Role: "user", Content: "User message: second"},
	}
	if len(p) != len(want) {
		t.Fatalf("prompt = %+v", p)
	}
	for i := range want {
		if p[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, p[i], want[i])
		}
	}
}

func TestHandleEmail_MailerFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, responder.NewMock("ok"), 0)
	f.mailer.Err = errors.New("relay down")

	if err := f.registry.HandleEmail(context.Background(), "case-m", EmailMessage{From: "a@x.com", Body: "hi"}); err != nil {
		t.Fatalf("HandleEmail: %v", err)
	}
	msgs, _ := f.store.Load(context.Background(), "case-m")
	if len(msgs) != 2 {
		t.Errorf("history = %d, want 2", len(msgs))
	}
}

func TestHandleEmail_ResponderFailure(t *testing.T) {
	r := responder.NewMockFunc(func([]responder.Turn) (string, error) {
		return "", errors.New("model unavailable")
	})
	f := newFixture(t, r, 0)

	err := f.registry.HandleEmail(context.Background(), "case-f", EmailMessage{From: "a@x.com", Body: "hi"})
	if !errors.Is(err, ErrReplyFailed) {
		t.Fatalf("err = %v, want ErrReplyFailed", err)
	}
	msgs, _ := f.store.Load(context.Background(), "case-f")
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("history = %v, want only the user message", roles(msgs))
	}
	if len(f.mailer.Sent()) != 0 {
		t.Error("no email should be sent without a reply")
	}
	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[1] != telegraph.EventReplyFailed {
		t.Errorf("notifications = %v", kinds)
	}
}

func TestHandleEmail_IgnoresAttachedAdmin(t *testing.T) {
	f := newFixture(t, responder.NewMock("auto"), 0)
	ctx := context.Background()

	admin, err := f.registry.Attach(ctx, "case-a", "admin")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := f.registry.HandleEmail(ctx, "case-a", EmailMessage{From: "a@x.com", Body: "hi"}); err != nil {
		t.Fatalf("HandleEmail: %v", err)
	}
	if f.responder.Calls() != 1 {
		t.Errorf("responder calls = %d, want 1", f.responder.Calls())
	}
	if got := nextFrame(t, admin); got.Role != "user" || got.Message != "hi" {
		t.Errorf("admin frame 1 = %+v", got)
	}
	if got := nextFrame(t, admin); got.Role != "assistant" || got.Message != "auto" {
		t.Errorf("admin frame 2 = %+v", got)
	}
}

// --- Realtime path ---

func TestAttach_ReplaysHistoryInOrder(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	f.store.Append(ctx, "bob", "user", "hello")
	f.store.Append(ctx, "bob", "assistant", "hi there")

	s, err := f.registry.Attach(ctx, "bob", "")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.Role != "user" {
		t.Errorf("default role = %q, want user", s.Role)
	}
	if got := nextFrame(t, s); got != (Frame{Message: "hello", Role: "user"}) {
		t.Errorf("replay 1 = %+v", got)
	}
	if got := nextFrame(t, s); got != (Frame{Message: "hi there", Role: "assistant"}) {
		t.Errorf("replay 2 = %+v", got)
	}
	select {
	case extra := <-s.Frames():
		t.Errorf("unexpected frame %+v", extra)
	default:
	}
}

func TestAttach_InvalidRole(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	_, err := f.registry.Attach(context.Background(), "bob", "system")
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestOnSessionMessage_AutomatedWithoutAdmin(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	user, _ := f.registry.Attach(ctx, "bob", "user")
	viewer, _ := f.registry.Attach(ctx, "bob", "user")

	if err := user.Send(ctx, Frame{Message: "why 500?"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, s := range []*Session{user, viewer} {
		if got := nextFrame(t, s); got != (Frame{Message: "why 500?", Role: "user"}) {
			t.Errorf("frame 1 = %+v", got)
		}
		if got := nextFrame(t, s); got != (Frame{Message: "re: why 500?", Role: "assistant"}) {
			t.Errorf("frame 2 = %+v", got)
		}
	}
	msgs, _ := f.store.Load(ctx, "bob")
	if len(msgs) != 2 {
		t.Errorf("history = %v", roles(msgs))
	}
}

func TestOnSessionMessage_AdminDisablesResponder(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	user, _ := f.registry.Attach(ctx, "bob", "user")
	admin, _ := f.registry.Attach(ctx, "bob", "admin")

	if err := user.Send(ctx, Frame{Message: "anyone there?"}); err != nil {
		t.Fatalf("user Send: %v", err)
	}
	if err := admin.Send(ctx, Frame{Message: "Yes, looking now."}); err != nil {
		t.Fatalf("admin Send: %v", err)
	}

	if f.responder.Calls() != 0 {
		t.Errorf("responder called %d times with admin attached", f.responder.Calls())
	}
	for _, s := range []*Session{user, admin} {
		if got := nextFrame(t, s); got != (Frame{Message: "anyone there?", Role: "user"}) {
			t.Errorf("frame 1 = %+v", got)
		}
		if got := nextFrame(t, s); got != (Frame{Message: "Yes, looking now.", Role: "admin"}) {
			t.Errorf("frame 2 = %+v", got)
		}
	}
	msgs, _ := f.store.Load(ctx, "bob")
	if got := roles(msgs); len(got) != 2 || got[0] != "user" || got[1] != "admin" {
		t.Errorf("history roles = %v", got)
	}
}

func TestOnSessionMessage_ResponderResumesAfterAdminLeaves(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	user, _ := f.registry.Attach(ctx, "bob", "user")
	admin, _ := f.registry.Attach(ctx, "bob", "admin")

	if err := user.Send(ctx, Frame{Message: "hello?"}); err != nil {
		t.Fatalf("Send with admin: %v", err)
	}
	if f.responder.Calls() != 0 {
		t.Fatalf("responder called %d times with admin attached", f.responder.Calls())
	}
	if err := admin.Close(ctx); err != nil {
		t.Fatalf("admin Close: %v", err)
	}

	if err := user.Send(ctx, Frame{Message: "still there?"}); err != nil {
		t.Fatalf("Send after admin left: %v", err)
	}
	if f.responder.Calls() != 1 {
		t.Errorf("responder calls = %d, want 1", f.responder.Calls())
	}
	msgs, _ := f.store.Load(ctx, "bob")
	got := roles(msgs)
	want := []string{"user", "user", "assistant"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("history roles = %v, want %v", got, want)
	}
	if msgs[2].Content != "re: still there?" {
		t.Errorf("assistant = %q", msgs[2].Content)
	}
}

func TestOnSessionMessage_DeclaredRole(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	user, _ := f.registry.Attach(ctx, "bob", "user")
	f.registry.Attach(ctx, "bob", "admin")

	if err := user.Send(ctx, Frame{Message: "x", Role: "admin"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, _ := f.store.Load(ctx, "bob")
	if len(msgs) != 1 || msgs[0].Role != "admin" {
		t.Errorf("history = %v, want declared admin role", roles(msgs))
	}
}

func TestOnSessionMessage_Malformed(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()
	s, _ := f.registry.Attach(ctx, "bob", "user")

	for _, fr := range []Frame{
		{Message: "   "},
		{Message: "x", Role: "system"},
		{Message: "x", Role: "assistant"},
	} {
		if err := s.Send(ctx, fr); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("Send(%+v) err = %v, want ErrMalformedFrame", fr, err)
		}
	}
	if msgs, _ := f.store.Load(ctx, "bob"); len(msgs) != 0 {
		t.Errorf("malformed frames were persisted: %v", roles(msgs))
	}
}

func TestOnSessionMessage_ResponderFailureSendsNotice(t *testing.T) {
	r := responder.NewMockFunc(func([]responder.Turn) (string, error) {
		return "", errors.New("timeout")
	})
	f := newFixture(t, r, 0)
	ctx := context.Background()
	s, _ := f.registry.Attach(ctx, "bob", "user")

	err := s.Send(ctx, Frame{Message: "help"})
	if !errors.Is(err, ErrReplyFailed) {
		t.Fatalf("err = %v, want ErrReplyFailed", err)
	}
	if got := nextFrame(t, s); got.Role != "user" {
		t.Errorf("frame 1 = %+v", got)
	}
	if got := nextFrame(t, s); got.Role != "system" || got.Message != replyFailedNotice {
		t.Errorf("frame 2 = %+v", got)
	}
	msgs, _ := f.store.Load(ctx, "bob")
	if len(msgs) != 1 {
		t.Errorf("history = %v, notice must not be persisted", roles(msgs))
	}
}

func TestDetach(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()
	s, _ := f.registry.Attach(ctx, "bob", "user")

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	expectClosed(t, s)

	if err := s.Close(ctx); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("second Close err = %v, want ErrUnknownSession", err)
	}
	if err := s.Send(ctx, Frame{Message: "x"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Send after Close err = %v, want ErrUnknownSession", err)
	}

	st, err := f.registry.Lookup("bob").Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Active() {
		t.Errorf("status = %+v, want idle", st)
	}
}

func TestSlowSessionIsDropped(t *testing.T) {
	f := newFixture(t, echoResponder(), 1)
	ctx := context.Background()

	slow, _ := f.registry.Attach(ctx, "bob", "user")
	admin, _ := f.registry.Attach(ctx, "bob", "admin")

	for i := 0; i < 3; i++ {
		if err := admin.Send(ctx, Frame{Message: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		nextFrame(t, admin)
	}

	if got := nextFrame(t, slow); got.Message != "m0" {
		t.Errorf("slow first frame = %+v", got)
	}
	expectClosed(t, slow)

	st, _ := f.registry.Lookup("bob").Status(ctx)
	if st.Sessions != 1 || st.Admins != 1 {
		t.Errorf("status = %+v, want only the admin", st)
	}
}

// --- Ordering under concurrency ---

func TestConcurrentTurnsAreSerialized(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := f.registry.HandleEmail(ctx, "busy", EmailMessage{From: "a@x.com", Body: fmt.Sprintf("q%d", i)}); err != nil {
				t.Errorf("HandleEmail %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	msgs, _ := f.store.Load(ctx, "busy")
	if len(msgs) != 2*n {
		t.Fatalf("history = %d messages, want %d", len(msgs), 2*n)
	}
	for i, m := range msgs {
		if m.Sequence != i+1 {
			t.Errorf("message %d sequence = %d", i, m.Sequence)
		}
	}
	for i := 0; i < len(msgs); i += 2 {
		q, a := msgs[i], msgs[i+1]
		if q.Role != "user" || a.Role != "assistant" || a.Content != "re: "+q.Content {
			t.Errorf("turn %d interleaved: %+v / %+v", i/2, q, a)
		}
	}
}

// --- Sweep / Close ---

func TestSweep_RetiresIdleActors(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	f.registry.HandleEmail(ctx, "idle", EmailMessage{From: "a@x.com", Body: "one"})
	watched, _ := f.registry.Attach(ctx, "watched", "user")
	first := f.registry.Lookup("idle")

	if got := f.registry.Sweep(0); got != 1 {
		t.Errorf("Sweep = %d, want 1", got)
	}
	if f.registry.Len() != 1 {
		t.Errorf("Len = %d, want only the watched case", f.registry.Len())
	}

	// A retired actor refuses work; the registry routes to a fresh one
	// that reloads history from the store.
	if _, err := first.History(ctx); !errors.Is(err, ErrActorRetired) {
		t.Errorf("retired actor err = %v", err)
	}
	f.registry.HandleEmail(ctx, "idle", EmailMessage{From: "a@x.com", Body: "two"})
	if f.registry.Lookup("idle") == first {
		t.Error("retired actor still registered")
	}
	msgs, _ := f.registry.Lookup("idle").History(ctx)
	if len(msgs) != 4 || msgs[2].Sequence != 3 {
		t.Errorf("history after revival = %v", roles(msgs))
	}

	if err := watched.Close(ctx); err != nil {
		t.Errorf("watched session should survive the sweep: %v", err)
	}
}

func TestSweep_RespectsIdleWindow(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	f.registry.Lookup("fresh")
	if got := f.registry.Sweep(time.Hour); got != 0 {
		t.Errorf("Sweep = %d, want 0 for a recently active actor", got)
	}
}

func TestSweep_RacesWithDispatch(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()

	stop := make(chan struct{})
	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.registry.Sweep(0)
			}
		}
	}()

	const n = 15
	for i := 0; i < n; i++ {
		if err := f.registry.HandleEmail(ctx, "churn", EmailMessage{From: "a@x.com", Body: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("HandleEmail %d: %v", i, err)
		}
	}
	close(stop)
	sweeper.Wait()

	msgs, _ := f.store.Load(ctx, "churn")
	if len(msgs) != 2*n {
		t.Fatalf("history = %d messages, want %d", len(msgs), 2*n)
	}
	for i, m := range msgs {
		if m.Sequence != i+1 {
			t.Errorf("message %d sequence = %d", i, m.Sequence)
		}
	}
}

func TestClose_RefusesFurtherWork(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()
	s, _ := f.registry.Attach(ctx, "bob", "user")

	if err := f.registry.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	expectClosed(t, s)
	if err := f.registry.HandleEmail(ctx, "bob", EmailMessage{Body: "x"}); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("err = %v, want ErrRegistryClosed", err)
	}
}

func TestLookup_AfterCloseIsRetired(t *testing.T) {
	f := newFixture(t, echoResponder(), 0)
	ctx := context.Background()
	if err := f.registry.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a := f.registry.Lookup("late")
	if _, err := a.History(ctx); !errors.Is(err, ErrActorRetired) {
		t.Errorf("History err = %v, want ErrActorRetired", err)
	}
	if f.registry.Len() != 0 {
		t.Errorf("Len = %d, want 0 after Close", f.registry.Len())
	}
}

// --- Caller cancellation ---

// cancellingResponder cancels the caller's context before answering and
// fails if that cancellation reaches the turn.
type cancellingResponder struct {
	cancel context.CancelFunc
}

func (r *cancellingResponder) Reply(ctx context.Context, _ []responder.Turn) (string, error) {
	r.cancel()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "the answer", nil
}

func TestHandleEmail_CallerCancelledMidTurn(t *testing.T) {
	store := newStore(t)
	sent := mailer.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := NewRegistry(RegistryOpts{
		Store:       store,
		Responder:   &cancellingResponder{cancel: cancel},
		Mailer:      sent,
		Instruction: "i",
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close(context.Background())

	if err := reg.HandleEmail(ctx, "c1", EmailMessage{From: "a@x.com", Subject: "Help", Body: "down"}); err != nil {
		t.Fatalf("HandleEmail: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context should have been cancelled during the turn")
	}

	msgs, _ := store.Load(context.Background(), "c1")
	if got := roles(msgs); len(got) != 2 || got[1] != "assistant" || msgs[1].Content != "the answer" {
		t.Errorf("history = %v, want user then assistant", got)
	}
	if n := len(sent.Sent()); n != 1 {
		t.Errorf("mails = %d, want 1", n)
	}
}

// slowResponder answers after delay unless ctx ends first.
type slowResponder struct {
	delay time.Duration
}

func (r slowResponder) Reply(ctx context.Context, _ []responder.Turn) (string, error) {
	select {
	case <-time.After(r.delay):
		return "late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestHandleEmail_TurnTimeout(t *testing.T) {
	store := newStore(t)
	reg, err := NewRegistry(RegistryOpts{
		Store:       store,
		Responder:   slowResponder{delay: time.Minute},
		Mailer:      mailer.NewMock(),
		Instruction: "i",
		TurnTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close(context.Background())

	err = reg.HandleEmail(context.Background(), "c1", EmailMessage{From: "a@x.com", Body: "down"})
	if !errors.Is(err, ErrReplyFailed) {
		t.Errorf("err = %v, want ErrReplyFailed", err)
	}
}

// --- Persistence failure ---

type failingStore struct{}

func (failingStore) EnsureCase(context.Context, string, string) (bool, error) { return false, nil }
func (failingStore) RecordContact(context.Context, string, string, string, map[string]string) error {
	return nil
}
func (failingStore) Load(context.Context, string) ([]models.CaseMessage, error) {
	return nil, nil
}
func (failingStore) Append(context.Context, string, string, string) (models.CaseMessage, error) {
	return models.CaseMessage{}, errors.New("disk full")
}

func TestHandleEmail_PersistFailure(t *testing.T) {
	r := responder.NewMock("x")
	reg, err := NewRegistry(RegistryOpts{
		Store:       failingStore{},
		Responder:   r,
		Mailer:      mailer.NewMock(),
		Instruction: "i",
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close(context.Background())

	err = reg.HandleEmail(context.Background(), "k", EmailMessage{From: "a@x.com", Body: "hi"})
	if err == nil || errors.Is(err, ErrReplyFailed) {
		t.Fatalf("err = %v, want a persistence error", err)
	}
	if r.Calls() != 0 {
		t.Error("responder must not run when the user message was not stored")
	}
}
