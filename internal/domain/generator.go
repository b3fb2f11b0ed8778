package domain

import (
	"context"
	"errors"
	"fmt"
)

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamToken StreamEventType = "token"
	StreamDone  StreamEventType = "done"
)

// StreamEvent is a single event from the streaming generation backend.
// Token events carry one text delta.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
}

// ChatRequest carries everything needed to open one generation turn:
// the session's prior history, the new user input, and an optional
// contextual preamble (group metadata summary).
type ChatRequest struct {
	History  []Message
	Text     string
	Preamble string
}

// Generator is the generation backend. StreamChat produces a finite
// sequence of token events on out, closes out before returning, and
// reports termination through its error return; a fresh call is required
// per turn. Title and Image are single-shot operations on the same
// backend.
type Generator interface {
	StreamChat(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
	Title(ctx context.Context, firstMessage string) (string, error)
	Image(ctx context.Context, prompt string) (string, error)
}

// CredentialReason says why a credential error occurred.
type CredentialReason string

const (
	CredentialMissing CredentialReason = "missing"
	CredentialInvalid CredentialReason = "invalid"
)

// CredentialError reports that the generation backend credential is
// absent or rejected. It is recoverable: the caller should prompt the
// user for a credential instead of treating the turn as a hard failure.
type CredentialError struct {
	Reason CredentialReason
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("generation credential %s", e.Reason)
}

// AsCredentialError unwraps err into a CredentialError if there is one
// anywhere in its chain.
func AsCredentialError(err error) (*CredentialError, bool) {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
