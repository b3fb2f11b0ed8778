package domain

import "context"

// SessionRepository persists the full session collection per user. The
// stored copy is derived and eventually consistent; the in-memory store
// stays canonical. Load reports absent collections via ok=false.
type SessionRepository interface {
	Load(ctx context.Context, userID string) (sessions []Session, ok bool, err error)
	Save(ctx context.Context, userID string, sessions []Session) error
	Close() error
}

// Identity supplies the authenticated user. The engine does nothing for
// an unauthenticated identity.
type Identity interface {
	UserID() string
	Authenticated() bool
}
