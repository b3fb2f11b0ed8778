package session

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aplex/internal/domain"
)

const defaultTitle = "New Chat"

// Store owns the canonical in-memory session collection. All mutation
// goes through its methods; operations are synchronous and total.
// Stale session ids make an operation a no-op, reported via the boolean
// return, never an error.
//
// The collection preserves insertion order for display, except that new
// sessions are inserted at the head. At most one session is current; a
// set current id always resolves to an existing session.
type Store struct {
	mu        sync.RWMutex
	sessions  []domain.Session
	currentID string // empty when no session is selected
	logger    *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger}
}

// Replace seeds the store from a loaded snapshot. The first session
// becomes current when currentID does not resolve.
func (s *Store) Replace(sessions []domain.Session, currentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = cloneSessions(sessions)
	s.currentID = ""
	if indexOf(s.sessions, currentID) >= 0 {
		s.currentID = currentID
	} else if len(s.sessions) > 0 {
		s.currentID = s.sessions[0].ID
	}
}

// CreateSession inserts a new session at the head of the collection and
// makes it current.
func (s *Store) CreateSession(kind domain.SessionKind, meta *domain.GroupMetadata) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(kind, meta)
}

func (s *Store) createLocked(kind domain.SessionKind, meta *domain.GroupMetadata) string {
	now := time.Now()
	sess := domain.Session{
		ID:           uuid.NewString(),
		Kind:         kind,
		Title:        defaultTitle,
		CreatedAt:    now,
		LastModified: now,
	}
	if meta != nil {
		m := *meta
		sess.Group = &m
		if m.Name != "" {
			sess.Title = m.Name
		}
	}
	s.sessions = append([]domain.Session{sess}, s.sessions...)
	s.currentID = sess.ID

	s.logger.Info("session created", "session", sess.ID, "kind", kind)
	return sess.ID
}

// CurrentID returns the current session id, if any.
func (s *Store) CurrentID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID, s.currentID != ""
}

// Select makes the session with the given id current. Unknown ids are
// rejected so the current id invariant always holds.
func (s *Store) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if indexOf(s.sessions, id) < 0 {
		return false
	}
	s.currentID = id
	return true
}

// Get returns a deep copy of one session.
func (s *Store) Get(id string) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := indexOf(s.sessions, id)
	if i < 0 {
		return domain.Session{}, false
	}
	return cloneSession(s.sessions[i]), true
}

// List returns deep copies of all sessions in display order.
func (s *Store) List() []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSessions(s.sessions)
}

// Len reports the number of sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Messages returns a copy of one session's message sequence.
func (s *Store) Messages(id string) ([]domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := indexOf(s.sessions, id)
	if i < 0 {
		return nil, false
	}
	return cloneMessages(s.sessions[i].Messages), true
}

// AppendMessage appends to the session's message sequence and bumps
// LastModified.
func (s *Store) AppendMessage(id string, msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.sessions, id)
	if i < 0 {
		s.logger.Warn("append to unknown session", "session", id)
		return false
	}
	s.sessions[i].Messages = append(s.sessions[i].Messages, msg)
	s.sessions[i].LastModified = time.Now()
	return true
}

// PatchLastMessageText replaces the text of the session's final message.
// Used exclusively to apply streaming deltas: the caller passes the
// cumulative text, so replaying the same value is idempotent. No other
// message is ever touched.
func (s *Store) PatchLastMessageText(id, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.sessions, id)
	if i < 0 || len(s.sessions[i].Messages) == 0 {
		return false
	}
	msgs := s.sessions[i].Messages
	msgs[len(msgs)-1].Text = text
	s.sessions[i].LastModified = time.Now()
	return true
}

// MarkLastMessageError sets the error flag on the session's final message.
func (s *Store) MarkLastMessageError(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.sessions, id)
	if i < 0 || len(s.sessions[i].Messages) == 0 {
		return false
	}
	msgs := s.sessions[i].Messages
	msgs[len(msgs)-1].IsError = true
	return true
}

// UpdateSessionMeta merges a partial update into session metadata
// without touching messages.
func (s *Store) UpdateSessionMeta(id string, patch domain.SessionPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.sessions, id)
	if i < 0 {
		return false
	}
	if patch.Title != nil {
		s.sessions[i].Title = *patch.Title
	}
	if patch.Group != nil {
		m := *patch.Group
		s.sessions[i].Group = &m
	}
	if patch.PinnedMessageID != nil {
		s.sessions[i].PinnedMessageID = *patch.PinnedMessageID
	}
	s.sessions[i].LastModified = time.Now()
	return true
}

// ToggleReaction adds or removes the user's reaction with the given
// symbol on a message.
func (s *Store) ToggleReaction(id, msgID, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.sessions, id)
	if i < 0 {
		return false
	}
	for m := range s.sessions[i].Messages {
		msg := &s.sessions[i].Messages[m]
		if msg.ID != msgID {
			continue
		}
		if msg.Reactions == nil {
			msg.Reactions = make(map[string]domain.Reaction)
		}
		r := msg.Reactions[symbol]
		r.Symbol = symbol
		if r.UserReacted {
			r.UserReacted = false
			r.Count--
		} else {
			r.UserReacted = true
			r.Count++
		}
		if r.Count <= 0 {
			delete(msg.Reactions, symbol)
		} else {
			msg.Reactions[symbol] = r
		}
		return true
	}
	return false
}

// TogglePin pins or unpins a message and mirrors the pinned message id
// on the session.
func (s *Store) TogglePin(id, msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.sessions, id)
	if i < 0 {
		return false
	}
	for m := range s.sessions[i].Messages {
		msg := &s.sessions[i].Messages[m]
		if msg.ID != msgID {
			continue
		}
		msg.Pinned = !msg.Pinned
		if msg.Pinned {
			s.sessions[i].PinnedMessageID = msgID
		} else if s.sessions[i].PinnedMessageID == msgID {
			s.sessions[i].PinnedMessageID = ""
		}
		return true
	}
	return false
}

// DeleteSession removes a session. Deleting the current session promotes
// the first remaining session, or creates a fresh default session when
// the collection becomes empty, so the UI never observes an empty
// required collection.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.sessions, id)
	if i < 0 {
		return false
	}
	s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	if s.currentID == id {
		if len(s.sessions) > 0 {
			s.currentID = s.sessions[0].ID
		} else {
			s.createLocked(domain.SessionDirect, nil)
		}
	}
	s.logger.Info("session deleted", "session", id)
	return true
}

// ClearAll drops every session and starts over with a fresh default one.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = nil
	s.currentID = ""
	s.createLocked(domain.SessionDirect, nil)
	s.logger.Info("all sessions cleared")
}

// Snapshot returns a deep copy of the full collection for serialization.
// The persistence adapter only ever sees complete snapshots.
func (s *Store) Snapshot() []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSessions(s.sessions)
}

// Transcript renders one session as plain text, one "ROLE: text" line
// per message with a blank line between turns.
func (s *Store) Transcript(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := indexOf(s.sessions, id)
	if i < 0 {
		return "", false
	}
	lines := make([]string, 0, len(s.sessions[i].Messages))
	for _, m := range s.sessions[i].Messages {
		lines = append(lines, strings.ToUpper(string(m.Role))+": "+m.Text)
	}
	return strings.Join(lines, "\n\n"), true
}

func indexOf(sessions []domain.Session, id string) int {
	if id == "" {
		return -1
	}
	for i := range sessions {
		if sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneSessions(sessions []domain.Session) []domain.Session {
	out := make([]domain.Session, len(sessions))
	for i := range sessions {
		out[i] = cloneSession(sessions[i])
	}
	return out
}

func cloneSession(sess domain.Session) domain.Session {
	out := sess
	out.Messages = cloneMessages(sess.Messages)
	if sess.Group != nil {
		g := *sess.Group
		g.Members = append([]string(nil), sess.Group.Members...)
		g.Admins = append([]string(nil), sess.Group.Admins...)
		out.Group = &g
	}
	return out
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(msgs[i].Attachments) > 0 {
			out[i].Attachments = append([]domain.Attachment(nil), msgs[i].Attachments...)
		}
		if len(msgs[i].Reactions) > 0 {
			reactions := make(map[string]domain.Reaction, len(msgs[i].Reactions))
			for k, v := range msgs[i].Reactions {
				reactions[k] = v
			}
			out[i].Reactions = reactions
		}
	}
	return out
}
