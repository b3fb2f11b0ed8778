package domain

import "context"

// ActionType names a user intent delivered to the orchestrator.
type ActionType string

const (
	ActionSend          ActionType = "send"
	ActionNewChat       ActionType = "new_chat"
	ActionNewGroup      ActionType = "new_group"
	ActionSelectSession ActionType = "select_session"
	ActionDeleteSession ActionType = "delete_session"
	ActionClearAll      ActionType = "clear_all"
)

// UserAction is one discrete user intent. Actions are processed to
// completion one at a time, so no two state mutations ever race.
type UserAction struct {
	Type        ActionType
	Channel     string // originating channel, echoed on resulting UI events
	SessionID   string // for select/delete
	Text        string
	Attachments []Attachment
	Group       *GroupMetadata // for new_group
	Voice       bool           // send originated from speech capture
}

// UIEventType classifies an event published for UI observation.
type UIEventType string

const (
	UIDelta              UIEventType = "delta"    // cumulative text after a fold step
	UITurnSettled        UIEventType = "settled"  // turn finished, success or error
	UISessionsChanged    UIEventType = "sessions" // collection or current id changed
	UICredentialRequired UIEventType = "credential_required"
	UISpeaking           UIEventType = "speaking"
	UITranscript         UIEventType = "transcript" // running speech-capture transcript
)

// UIEvent is what channels render. Content carries the cumulative
// message text for deltas and the final text on settlement.
type UIEvent struct {
	Type      UIEventType `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Content   string      `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

// Bus routes user actions from channels to the orchestrator and UI
// events back out.
type Bus interface {
	Publish(action UserAction)
	Subscribe() <-chan UserAction
	Emit(event UIEvent)
	OnEvent(channelName string, handler func(UIEvent))
	Close()
}

// Channel is a user-facing surface (CLI REPL, WebSocket).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus Bus) error
	Stop() error
}
