// Package assistant drives the conversation: it turns user actions into
// session mutations, folds streaming responses into the current
// session's last message, and coordinates speech playback.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aplex/internal/domain"
	"aplex/internal/intent"
	"aplex/internal/session"
	"aplex/internal/speech"
)

const (
	titleFallback  = "New Chat"
	titleTimeout   = 30 * time.Second
	persistTimeout = 10 * time.Second

	credentialPromptText = "Please provide an API credential to continue."
	imageFailureText     = "Sorry, I couldn't generate that image."
)

// Config holds all collaborators for the orchestrator.
type Config struct {
	Store     *session.Store
	Repo      domain.SessionRepository
	Generator domain.Generator
	Speech    *speech.Coordinator
	Intent    *intent.Classifier
	Bus       domain.Bus
	Identity  domain.Identity
	Logger    *slog.Logger
}

// Orchestrator owns the send-message protocol. User actions are
// processed one at a time (Run), so no two session mutations ever race;
// the only concurrency is logical: the stream fold, the background
// title task, the pending utterance.
type Orchestrator struct {
	store     *session.Store
	repo      domain.SessionRepository
	generator domain.Generator
	speech    *speech.Coordinator
	intent    *intent.Classifier
	bus       domain.Bus
	identity  domain.Identity
	logger    *slog.Logger

	mu      sync.Mutex
	current *turn

	// Snapshots are taken synchronously but written in the background;
	// the sequence guard keeps a stale snapshot from overwriting a
	// newer one.
	saveMu   sync.Mutex
	saveSeq  uint64
	savedSeq uint64

	background sync.WaitGroup
}

// turn carries the logical cancellation barrier for one send. Stopping a
// turn prevents any further state mutation on its behalf; the underlying
// transport is left to drain.
type turn struct {
	halted atomic.Bool
}

func (t *turn) stop()         { t.halted.Store(true) }
func (t *turn) stopped() bool { return t.halted.Load() }

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:     cfg.Store,
		repo:      cfg.Repo,
		generator: cfg.Generator,
		speech:    cfg.Speech,
		intent:    cfg.Intent,
		bus:       cfg.Bus,
		identity:  cfg.Identity,
		logger:    cfg.Logger,
	}
}

// Bootstrap loads the authenticated user's persisted sessions and
// guarantees at least one session exists. Does nothing while
// unauthenticated.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if !o.identity.Authenticated() {
		o.logger.Info("not authenticated, skipping session load")
		return nil
	}

	sessions, ok, err := o.repo.Load(ctx, o.identity.UserID())
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	if ok {
		current := ""
		if len(sessions) > 0 {
			current = sessions[0].ID
		}
		o.store.Replace(sessions, current)
	}
	if o.store.Len() == 0 {
		o.store.CreateSession(domain.SessionDirect, nil)
		o.persist()
	}

	o.logger.Info("sessions loaded", "user", o.identity.UserID(), "count", o.store.Len())
	o.emitSessionsChanged("")
	return nil
}

// Run consumes user actions strictly sequentially until ctx is done.
// Each action is processed to completion before the next is handled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("assistant loop started")
	actions := o.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("assistant loop stopping")
			return
		case action, ok := <-actions:
			if !ok {
				o.logger.Info("action channel closed, assistant loop stopping")
				return
			}
			o.handle(ctx, action)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, action domain.UserAction) {
	if !o.identity.Authenticated() {
		o.logger.Warn("dropping action while unauthenticated", "type", action.Type)
		return
	}
	switch action.Type {
	case domain.ActionSend:
		o.Send(ctx, action)
	case domain.ActionNewChat:
		o.NewChat(action.Channel)
	case domain.ActionNewGroup:
		o.NewGroup(action.Channel, action.Group)
	case domain.ActionSelectSession:
		o.SelectSession(action.Channel, action.SessionID)
	case domain.ActionDeleteSession:
		o.DeleteSession(action.Channel, action.SessionID)
	case domain.ActionClearAll:
		o.ClearAll(action.Channel)
	default:
		o.logger.Warn("unknown action", "type", action.Type)
	}
}

// Send runs one turn of the send-message protocol. Validation failures
// (empty text, no attachments) and a missing current session are silent
// no-ops. Any prior speech playback is stopped before the first
// mutation.
func (o *Orchestrator) Send(ctx context.Context, action domain.UserAction) {
	text := strings.TrimSpace(action.Text)
	if text == "" && len(action.Attachments) == 0 {
		return
	}
	sid, ok := o.resolveTarget(action.SessionID)
	if !ok {
		return
	}

	// New user input always interrupts audio.
	o.speech.Stop()

	// History as it existed before this turn; it feeds both the title
	// decision and the stream request.
	history, _ := o.store.Messages(sid)
	sess, _ := o.store.Get(sid)

	now := time.Now()
	o.store.AppendMessage(sid, domain.Message{
		ID:          uuid.NewString(),
		Role:        domain.RoleUser,
		Text:        action.Text,
		CreatedAt:   now,
		Attachments: action.Attachments,
	})
	o.persist()

	if len(history) == 0 && sess.Kind == domain.SessionDirect {
		o.spawnTitleTask(sid, text)
	}

	t := o.beginTurn()
	defer o.endTurn(t)

	if prompt, matched := o.intent.ImagePrompt(text); matched {
		o.imageTurn(ctx, t, action.Channel, sid, prompt)
		return
	}

	o.streamTurn(ctx, t, action, sid, history, sess)
}

// streamTurn is the normal text path: placeholder, stream fold, settle.
func (o *Orchestrator) streamTurn(ctx context.Context, t *turn, action domain.UserAction, sid string, history []domain.Message, sess domain.Session) {
	o.store.AppendMessage(sid, domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleModel,
		CreatedAt: time.Now(),
	})

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan domain.StreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- o.generator.StreamChat(streamCtx, domain.ChatRequest{
			History:  history,
			Text:     action.Text,
			Preamble: groupPreamble(sess),
		}, events)
	}()

	// Fold deltas in arrival order. Each step patches the cumulative
	// text, never the bare delta, so the visible message is always a
	// prefix-complete string. After a stop the channel is drained
	// without touching state.
	var cumulative strings.Builder
	for evt := range events {
		if t.stopped() || evt.Type != domain.StreamToken {
			continue
		}
		cumulative.WriteString(evt.Content)
		o.store.PatchLastMessageText(sid, cumulative.String())
		o.bus.Emit(domain.UIEvent{
			Type:      domain.UIDelta,
			Channel:   action.Channel,
			SessionID: sid,
			Content:   cumulative.String(),
		})
	}

	// StreamChat closes events before returning, so the range exits
	// first; block on errCh to observe the goroutine's verdict.
	err := <-errCh

	switch {
	case t.stopped():
		// Logical cancellation barrier: no further mutation for this
		// turn, whatever the stream's outcome was.
	case err != nil:
		o.settleFailed(action.Channel, sid, err)
	default:
		o.bus.Emit(domain.UIEvent{
			Type:      domain.UITurnSettled,
			Channel:   action.Channel,
			SessionID: sid,
			Content:   cumulative.String(),
		})
		if action.Voice && cumulative.Len() > 0 {
			o.speech.Speak(cumulative.String())
		}
	}
	o.persist()
}

// imageTurn handles a matched image-generation intent: one single-shot
// call, one final model message. No placeholder is ever appended and no
// deltas are streamed on this path.
func (o *Orchestrator) imageTurn(ctx context.Context, t *turn, channel, sid, prompt string) {
	data, err := o.generator.Image(ctx, prompt)
	if t.stopped() {
		return
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleModel,
		CreatedAt: time.Now(),
	}
	isError := false
	switch {
	case err == nil:
		msg.ImageData = data
	default:
		isError = true
		if _, isCred := domain.AsCredentialError(err); isCred {
			msg.Text = credentialPromptText
			o.bus.Emit(domain.UIEvent{Type: domain.UICredentialRequired, Channel: channel, SessionID: sid})
		} else {
			o.logger.Warn("image generation failed", "err", err)
			msg.Text = imageFailureText
		}
		msg.IsError = true
	}

	o.store.AppendMessage(sid, msg)
	o.bus.Emit(domain.UIEvent{
		Type:      domain.UITurnSettled,
		Channel:   channel,
		SessionID: sid,
		Content:   msg.Text,
		IsError:   isError,
	})
	o.persist()
}

// settleFailed converts a stream failure into exactly one error-flagged
// message. Credential failures are recoverable: they surface a prompt
// signal instead of a hard error, and never leak sentinel text into the
// conversation.
func (o *Orchestrator) settleFailed(channel, sid string, err error) {
	text := "Error: " + err.Error()
	if _, isCred := domain.AsCredentialError(err); isCred {
		text = credentialPromptText
		o.bus.Emit(domain.UIEvent{Type: domain.UICredentialRequired, Channel: channel, SessionID: sid})
	} else {
		o.logger.Error("turn failed", "session", sid, "err", err)
	}

	o.store.PatchLastMessageText(sid, text)
	o.store.MarkLastMessageError(sid)
	o.bus.Emit(domain.UIEvent{
		Type:      domain.UITurnSettled,
		Channel:   channel,
		SessionID: sid,
		Content:   text,
		IsError:   true,
	})
}

// Stop is the logical cancellation barrier: the active turn stops
// folding deltas immediately, and any speech in progress is silenced.
// Safe to call at any time, including after streaming completed but
// before speech finished.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	t := o.current
	o.mu.Unlock()
	if t != nil {
		t.stop()
	}
	o.speech.Stop()
}

// resolveTarget maps an explicit session id to itself (selecting it as
// current) and an empty id to the current session. Unknown ids fail.
func (o *Orchestrator) resolveTarget(sid string) (string, bool) {
	if sid == "" {
		return o.store.CurrentID()
	}
	if !o.store.Select(sid) {
		return "", false
	}
	return sid, true
}

func (o *Orchestrator) beginTurn() *turn {
	t := &turn{}
	o.mu.Lock()
	o.current = t
	o.mu.Unlock()
	return t
}

func (o *Orchestrator) endTurn(t *turn) {
	o.mu.Lock()
	if o.current == t {
		o.current = nil
	}
	o.mu.Unlock()
}

// spawnTitleTask requests a short title for a new direct chat in the
// background. Its completion is unordered with the stream and only
// touches session metadata. Failures fall back to a generic title.
func (o *Orchestrator) spawnTitleTask(sid, firstMessage string) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		title, err := o.generator.Title(ctx, firstMessage)
		if err != nil || strings.TrimSpace(title) == "" {
			title = titleFallback
		}
		if o.store.UpdateSessionMeta(sid, domain.SessionPatch{Title: &title}) {
			o.emitSessionsChanged(sid)
			o.persist()
		}
	}()
}

// NewChat creates a fresh direct session and makes it current.
func (o *Orchestrator) NewChat(channel string) string {
	o.speech.Stop()
	sid := o.store.CreateSession(domain.SessionDirect, nil)
	o.emitSessionsChanged(sid)
	o.persist()
	return sid
}

// NewGroup creates a group session with the given metadata.
func (o *Orchestrator) NewGroup(channel string, meta *domain.GroupMetadata) string {
	o.speech.Stop()
	sid := o.store.CreateSession(domain.SessionGroup, meta)
	o.emitSessionsChanged(sid)
	o.persist()
	return sid
}

// SelectSession switches the current session.
func (o *Orchestrator) SelectSession(channel, sid string) {
	o.speech.Stop()
	if o.store.Select(sid) {
		o.emitSessionsChanged(sid)
	}
}

// DeleteSession removes a session; the store guarantees a valid current
// session remains (or is recreated) afterwards.
func (o *Orchestrator) DeleteSession(channel, sid string) {
	o.speech.Stop()
	if o.store.DeleteSession(sid) {
		o.emitSessionsChanged("")
		o.persist()
	}
}

// ClearAll deletes every session and starts over.
func (o *Orchestrator) ClearAll(channel string) {
	o.speech.Stop()
	o.store.ClearAll()
	o.emitSessionsChanged("")
	o.persist()
}

// ExportTranscript renders the given (or current) session as plain text.
func (o *Orchestrator) ExportTranscript(sid string) (string, bool) {
	if sid == "" {
		current, ok := o.store.CurrentID()
		if !ok {
			return "", false
		}
		sid = current
	}
	return o.store.Transcript(sid)
}

// Close waits for in-flight background tasks (title generation,
// persistence writes) to finish.
func (o *Orchestrator) Close() {
	o.background.Wait()
}

// persist saves a full snapshot for the authenticated user,
// fire-and-forget. The repository only ever sees complete snapshots.
func (o *Orchestrator) persist() {
	if !o.identity.Authenticated() {
		return
	}
	userID := o.identity.UserID()
	snapshot := o.store.Snapshot()

	o.saveMu.Lock()
	o.saveSeq++
	seq := o.saveSeq
	o.saveMu.Unlock()

	o.background.Add(1)
	go func() {
		defer o.background.Done()

		o.saveMu.Lock()
		defer o.saveMu.Unlock()
		if seq <= o.savedSeq {
			return // a newer snapshot has already been written
		}
		o.savedSeq = seq

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.repo.Save(ctx, userID, snapshot); err != nil {
			o.logger.Warn("failed to persist sessions", "user", userID, "err", err)
		}
	}()
}

func (o *Orchestrator) emitSessionsChanged(sid string) {
	o.bus.Emit(domain.UIEvent{Type: domain.UISessionsChanged, SessionID: sid})
}

// groupPreamble summarizes group metadata as stream context. Empty for
// direct sessions.
func groupPreamble(sess domain.Session) string {
	if sess.Kind != domain.SessionGroup || sess.Group == nil {
		return ""
	}
	g := sess.Group
	var b strings.Builder
	fmt.Fprintf(&b, "You are in a group chat named %q", g.Name)
	if g.Description != "" {
		fmt.Fprintf(&b, " (%s)", g.Description)
	}
	if len(g.Members) > 0 {
		fmt.Fprintf(&b, " with members: %s", strings.Join(g.Members, ", "))
	}
	b.WriteString(".")
	return b.String()
}
