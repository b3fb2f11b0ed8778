package domain

import "time"

// SessionKind distinguishes one-on-one chats from group chats.
type SessionKind string

const (
	SessionDirect SessionKind = "direct"
	SessionGroup  SessionKind = "group"
)

// Visibility tags who can see a group.
type Visibility string

const (
	VisibilityPublic  Visibility = "Public"
	VisibilityFriends Visibility = "Friends"
	VisibilityPrivate Visibility = "Private"
)

// GroupMetadata describes a group session. Absent on direct sessions.
type GroupMetadata struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Members     []string   `json:"members"`
	Visibility  Visibility `json:"visibility"`
	Admins      []string   `json:"admins,omitempty"`
}

// Session is one persisted conversation thread. Messages are in
// insertion order, which is conversation order.
type Session struct {
	ID              string         `json:"id"`
	Kind            SessionKind    `json:"kind"`
	Title           string         `json:"title"`
	Group           *GroupMetadata `json:"group,omitempty"`
	Messages        []Message      `json:"messages"`
	CreatedAt       time.Time      `json:"created_at"`
	LastModified    time.Time      `json:"last_modified"`
	PinnedMessageID string         `json:"pinned_message_id,omitempty"`
}

// SessionPatch is a partial update applied to session metadata. Nil
// fields are left untouched; messages are never modified through a patch.
type SessionPatch struct {
	Title           *string
	Group           *GroupMetadata
	PinnedMessageID *string
}
