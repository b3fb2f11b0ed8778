package assistant

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"aplex/internal/domain"
	"aplex/internal/identity"
	"aplex/internal/intent"
	"aplex/internal/session"
	"aplex/internal/speech"
)

// --- fakes ---

type fakeGenerator struct {
	mu         sync.Mutex
	deltas     []string
	streamErr  error
	title      string
	titleErr   error
	titleCalls int
	image      string
	imageErr   error
	onDelta    func(i int) // runs before each delta is emitted
}

func (g *fakeGenerator) StreamChat(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	for i, d := range g.deltas {
		if g.onDelta != nil {
			g.onDelta(i)
		}
		out <- domain.StreamEvent{Type: domain.StreamToken, Content: d}
	}
	if g.streamErr != nil {
		return g.streamErr
	}
	out <- domain.StreamEvent{Type: domain.StreamDone}
	return nil
}

func (g *fakeGenerator) Title(ctx context.Context, firstMessage string) (string, error) {
	g.mu.Lock()
	g.titleCalls++
	g.mu.Unlock()
	return g.title, g.titleErr
}

func (g *fakeGenerator) Image(ctx context.Context, prompt string) (string, error) {
	return g.image, g.imageErr
}

func (g *fakeGenerator) titleCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.titleCalls
}

type fakeRepo struct {
	mu     sync.Mutex
	saved  map[string][]domain.Session
	loaded []domain.Session
	found  bool
}

func (r *fakeRepo) Load(ctx context.Context, userID string) ([]domain.Session, bool, error) {
	return r.loaded, r.found, nil
}

func (r *fakeRepo) Save(ctx context.Context, userID string, sessions []domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[string][]domain.Session)
	}
	r.saved[userID] = sessions
	return nil
}

func (r *fakeRepo) Close() error { return nil }

func (r *fakeRepo) savedFor(userID string) []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[userID]
}

type fakeBus struct {
	mu      sync.Mutex
	actions chan domain.UserAction
	events  []domain.UIEvent
}

func newFakeBus() *fakeBus {
	return &fakeBus{actions: make(chan domain.UserAction, 16)}
}

func (b *fakeBus) Publish(a domain.UserAction)          { b.actions <- a }
func (b *fakeBus) Subscribe() <-chan domain.UserAction  { return b.actions }
func (b *fakeBus) OnEvent(string, func(domain.UIEvent)) {}
func (b *fakeBus) Close()                               {}

func (b *fakeBus) Emit(e domain.UIEvent) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *fakeBus) eventsOf(t domain.UIEventType) []domain.UIEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.UIEvent
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("audio")), nil
}

func (fakeSynth) Voices(ctx context.Context) ([]string, error) {
	return []string{"nova"}, nil
}

type fakePlayer struct {
	played chan string
	block  bool // when set, Play blocks until ctx is cancelled
}

func (p *fakePlayer) Play(ctx context.Context, audio io.Reader) error {
	if p.played != nil {
		select {
		case p.played <- "played":
		default:
		}
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// --- harness ---

type harness struct {
	orch   *Orchestrator
	store  *session.Store
	bus    *fakeBus
	repo   *fakeRepo
	player *fakePlayer
	coord  *speech.Coordinator
}

func newHarness(t *testing.T, gen domain.Generator) *harness {
	t.Helper()

	classifier, err := intent.NewClassifier()
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}

	store := session.NewStore(nil)
	bus := newFakeBus()
	repo := &fakeRepo{}
	player := &fakePlayer{played: make(chan string, 1)}

	coord := speech.NewCoordinator(speech.CoordinatorConfig{
		Synthesizer: fakeSynth{},
		Player:      player,
		Voice:       "nova",
	})

	orch := New(Config{
		Store:     store,
		Repo:      repo,
		Generator: gen,
		Speech:    coord,
		Intent:    classifier,
		Bus:       bus,
		Identity:  identity.Static{ID: "u1"},
	})
	return &harness{orch: orch, store: store, bus: bus, repo: repo, player: player, coord: coord}
}

func (h *harness) send(text string) {
	h.orch.Send(context.Background(), domain.UserAction{
		Type:    domain.ActionSend,
		Channel: "cli",
		Text:    text,
	})
}

func (h *harness) lastMessage(t *testing.T) domain.Message {
	t.Helper()
	sid, _ := h.store.CurrentID()
	msgs, _ := h.store.Messages(sid)
	if len(msgs) == 0 {
		t.Fatal("no messages")
	}
	return msgs[len(msgs)-1]
}

// --- tests ---

func TestSend_FoldsDeltasIntoLastMessage(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Hel", "lo ", "there"}, title: "Greeting"}
	h := newHarness(t, gen)
	h.store.CreateSession(domain.SessionDirect, nil)

	h.send("hi")
	h.orch.Close()

	last := h.lastMessage(t)
	if last.Role != domain.RoleModel {
		t.Fatalf("last message should be the model reply, got %s", last.Role)
	}
	if last.Text != "Hello there" {
		t.Fatalf("final text must be the concatenation of deltas, got %q", last.Text)
	}

	deltas := h.bus.eventsOf(domain.UIDelta)
	if len(deltas) != 3 {
		t.Fatalf("expected 3 delta events, got %d", len(deltas))
	}
	// Each delta carries the cumulative text, so every event's content
	// is a prefix of the next.
	for i := 1; i < len(deltas); i++ {
		if !strings.HasPrefix(deltas[i].Content, deltas[i-1].Content) {
			t.Fatalf("delta %d is not an extension of delta %d: %q vs %q",
				i, i-1, deltas[i].Content, deltas[i-1].Content)
		}
	}
}

func TestSend_EmptyInputIsNoOp(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"x"}}
	h := newHarness(t, gen)
	sid := h.store.CreateSession(domain.SessionDirect, nil)

	h.send("   ")
	h.orch.Close()

	msgs, _ := h.store.Messages(sid)
	if len(msgs) != 0 {
		t.Fatalf("whitespace input must not mutate the session, got %d messages", len(msgs))
	}
}

func TestSend_NoCurrentSessionIsNoOp(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"x"}}
	h := newHarness(t, gen)

	h.send("hello")
	h.orch.Close()

	if h.store.Len() != 0 {
		t.Fatal("send without a current session must not create one")
	}
}

func TestSend_TitleGeneratedExactlyOnce(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"ok"}, title: "Weather"}
	h := newHarness(t, gen)
	sid := h.store.CreateSession(domain.SessionDirect, nil)

	h.send("what's the weather")
	h.orch.Close()
	h.send("and tomorrow?")
	h.orch.Close()

	if got := gen.titleCallCount(); got != 1 {
		t.Fatalf("title must be requested exactly once, got %d", got)
	}
	sess, _ := h.store.Get(sid)
	if sess.Title != "Weather" {
		t.Fatalf("title not applied, got %q", sess.Title)
	}
}

func TestSend_TitleFailureFallsBack(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"ok"}, titleErr: context.DeadlineExceeded}
	h := newHarness(t, gen)
	sid := h.store.CreateSession(domain.SessionDirect, nil)

	h.send("hello")
	h.orch.Close()

	sess, _ := h.store.Get(sid)
	if sess.Title != "New Chat" {
		t.Fatalf("failed title generation must fall back, got %q", sess.Title)
	}
}

func TestSend_NoTitleForGroupSessions(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"ok"}, title: "nope"}
	h := newHarness(t, gen)
	h.store.CreateSession(domain.SessionGroup, &domain.GroupMetadata{Name: "Team"})

	h.send("hello all")
	h.orch.Close()

	if got := gen.titleCallCount(); got != 0 {
		t.Fatalf("group sessions keep their name, title calls: %d", got)
	}
}

func TestSend_CredentialErrorShowsPrompt(t *testing.T) {
	gen := &fakeGenerator{streamErr: &domain.CredentialError{Reason: domain.CredentialMissing}}
	h := newHarness(t, gen)
	h.store.CreateSession(domain.SessionDirect, nil)

	h.send("hello")
	h.orch.Close()

	last := h.lastMessage(t)
	if !last.IsError {
		t.Fatal("credential failure must flag the message as an error")
	}
	if last.Text != credentialPromptText {
		t.Fatalf("expected credential prompt, got %q", last.Text)
	}
	if strings.Contains(last.Text, "API_KEY") {
		t.Fatal("no sentinel token may leak into conversation text")
	}
	if len(h.bus.eventsOf(domain.UICredentialRequired)) != 1 {
		t.Fatal("expected one credential_required event")
	}
}

func TestSend_StreamErrorSettlesInPlace(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"par"}, streamErr: io.ErrUnexpectedEOF}
	h := newHarness(t, gen)
	sid := h.store.CreateSession(domain.SessionDirect, nil)

	h.send("hello")
	h.orch.Close()

	msgs, _ := h.store.Messages(sid)
	if len(msgs) != 2 {
		t.Fatalf("failure must not append an extra message, got %d", len(msgs))
	}
	last := msgs[1]
	if !last.IsError {
		t.Fatal("error flag not set")
	}
	settled := h.bus.eventsOf(domain.UITurnSettled)
	if len(settled) != 1 || !settled[0].IsError {
		t.Fatalf("expected one error settlement, got %+v", settled)
	}
}

func TestSend_StopBarrierFreezesFold(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"one", "two", "three"}}
	h := newHarness(t, gen)
	sid := h.store.CreateSession(domain.SessionDirect, nil)

	// Stop after the first delta has been folded: the bus event for it
	// is emitted synchronously by the fold loop, so waiting for the
	// event pins the ordering.
	gen.onDelta = func(i int) {
		if i != 1 {
			return
		}
		deadline := time.Now().Add(2 * time.Second)
		for len(h.bus.eventsOf(domain.UIDelta)) == 0 {
			if time.Now().After(deadline) {
				t.Error("first delta never folded")
				return
			}
			time.Sleep(time.Millisecond)
		}
		h.orch.Stop()
	}

	h.send("hello")
	h.orch.Close()

	msgs, _ := h.store.Messages(sid)
	last := msgs[len(msgs)-1]
	if last.Text != "one" {
		t.Fatalf("text must freeze at the last pre-stop fold, got %q", last.Text)
	}
	if len(h.bus.eventsOf(domain.UIDelta)) != 1 {
		t.Fatal("no delta events may follow a stop")
	}
	if len(h.bus.eventsOf(domain.UITurnSettled)) != 0 {
		t.Fatal("a stopped turn must not settle")
	}
}

func TestSend_ImageIntentSkipsPlaceholder(t *testing.T) {
	gen := &fakeGenerator{image: "base64imagedata"}
	h := newHarness(t, gen)
	sid := h.store.CreateSession(domain.SessionDirect, nil)

	h.send("draw a red cat")
	h.orch.Close()

	msgs, _ := h.store.Messages(sid)
	if len(msgs) != 2 {
		t.Fatalf("image turn appends exactly one model message, got %d", len(msgs))
	}
	if msgs[1].ImageData != "base64imagedata" {
		t.Fatalf("image data not stored, got %q", msgs[1].ImageData)
	}
	if len(h.bus.eventsOf(domain.UIDelta)) != 0 {
		t.Fatal("image turns must not stream deltas")
	}
}

func TestSend_ImageFailureAppendsErrorMessage(t *testing.T) {
	gen := &fakeGenerator{imageErr: io.ErrUnexpectedEOF}
	h := newHarness(t, gen)
	h.store.CreateSession(domain.SessionDirect, nil)

	h.send("draw a red cat")
	h.orch.Close()

	last := h.lastMessage(t)
	if !last.IsError || last.Text == "" {
		t.Fatalf("image failure must append a flagged error message, got %+v", last)
	}
}

func TestSend_SpeechStoppedBeforeNewTurn(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"ok"}}
	h := newHarness(t, gen)
	h.store.CreateSession(domain.SessionDirect, nil)
	h.player.block = true

	h.orch.Send(context.Background(), domain.UserAction{
		Type: domain.ActionSend, Text: "first", Voice: true,
	})
	select {
	case <-h.player.played:
	case <-time.After(2 * time.Second):
		t.Fatal("voice reply never reached the player")
	}

	h.send("second")
	h.orch.Close()
	// New input interrupts audio before any mutation; voice was off on
	// the second turn so nothing restarted playback.
	if h.coord.IsSpeaking() {
		t.Fatal("blocked utterance must be silenced by new input")
	}
}

func TestSend_VoiceReplySpoken(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"*hello* world"}}
	h := newHarness(t, gen)
	h.store.CreateSession(domain.SessionDirect, nil)

	h.orch.Send(context.Background(), domain.UserAction{
		Type: domain.ActionSend, Text: "speak to me", Voice: true,
	})

	select {
	case <-h.player.played:
	case <-time.After(2 * time.Second):
		t.Fatal("voice turn did not reach the player")
	}
	h.orch.Close()
}

func TestSend_NoSpeechWithoutVoiceFlag(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"quiet"}}
	h := newHarness(t, gen)
	h.store.CreateSession(domain.SessionDirect, nil)

	h.send("text only")
	h.orch.Close()

	select {
	case <-h.player.played:
		t.Fatal("text turns must not be spoken")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSend_PersistsAfterTurn(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"saved"}}
	h := newHarness(t, gen)
	h.store.CreateSession(domain.SessionDirect, nil)

	h.send("remember this")
	h.orch.Close()

	saved := h.repo.savedFor("u1")
	if saved == nil {
		t.Fatal("turn was not persisted for the user")
	}
	if len(saved[0].Messages) != 2 {
		t.Fatalf("persisted snapshot incomplete, got %d messages", len(saved[0].Messages))
	}
}

func TestBootstrap_CreatesFirstSession(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen)

	if err := h.orch.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if h.store.Len() != 1 {
		t.Fatalf("bootstrap must guarantee one session, got %d", h.store.Len())
	}
	if _, ok := h.store.CurrentID(); !ok {
		t.Fatal("bootstrap session must be current")
	}
}

func TestBootstrap_LoadsPersistedSessions(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen)
	h.repo.loaded = []domain.Session{
		{ID: "restored", Kind: domain.SessionDirect, Title: "Old chat"},
	}
	h.repo.found = true

	if err := h.orch.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if cur, _ := h.store.CurrentID(); cur != "restored" {
		t.Fatalf("restored session should be current, got %s", cur)
	}
}

func TestDeleteSession_AlwaysLeavesACurrent(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen)
	only := h.store.CreateSession(domain.SessionDirect, nil)

	h.orch.DeleteSession("cli", only)
	h.orch.Close()

	cur, ok := h.store.CurrentID()
	if !ok || cur == only {
		t.Fatalf("delete of the only session must recreate a current one, got %q", cur)
	}
}

func TestSend_ExplicitSessionTarget(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"reply"}}
	h := newHarness(t, gen)
	target := h.store.CreateSession(domain.SessionDirect, nil)
	h.store.CreateSession(domain.SessionDirect, nil) // becomes current

	h.orch.Send(context.Background(), domain.UserAction{
		Type: domain.ActionSend, SessionID: target, Text: "to the old one",
	})
	h.orch.Close()

	msgs, _ := h.store.Messages(target)
	if len(msgs) != 2 {
		t.Fatalf("explicit target session must receive the turn, got %d messages", len(msgs))
	}
	if cur, _ := h.store.CurrentID(); cur != target {
		t.Fatal("an explicit target becomes the current session")
	}
}

func TestGroupPreamble(t *testing.T) {
	sess := domain.Session{
		Kind: domain.SessionGroup,
		Group: &domain.GroupMetadata{
			Name:        "Book Club",
			Description: "weekly reads",
			Members:     []string{"an", "binh"},
		},
	}
	got := groupPreamble(sess)
	if !strings.Contains(got, "Book Club") || !strings.Contains(got, "an, binh") {
		t.Fatalf("preamble missing metadata: %q", got)
	}

	if groupPreamble(domain.Session{Kind: domain.SessionDirect}) != "" {
		t.Fatal("direct sessions have no preamble")
	}
}
