package domain

import "time"

// Role identifies the author of a message. A message's role never
// changes after creation.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// AttachmentKind classifies an uploaded file.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentPDF      AttachmentKind = "pdf"
	AttachmentDocument AttachmentKind = "document"
	AttachmentAudio    AttachmentKind = "audio"
)

// Attachment is a user-uploaded file carried on a message. Immutable
// once attached.
type Attachment struct {
	ID   string         `json:"id"`
	Kind AttachmentKind `json:"kind"`
	Data string         `json:"data"` // encoded payload reference (data URL or base64)
	Name string         `json:"name"`
	Size string         `json:"size,omitempty"`
}

// Reaction tracks how many users reacted with a given symbol.
type Reaction struct {
	Symbol      string `json:"symbol"`
	Count       int    `json:"count"`
	UserReacted bool   `json:"user_reacted"`
}

// Message is one entry in a session's conversation. Only the text of the
// model's most recently appended message may be mutated after creation
// (the streaming fold patches it with cumulative text).
type Message struct {
	ID          string              `json:"id"`
	Role        Role                `json:"role"`
	Text        string              `json:"text"`
	CreatedAt   time.Time           `json:"created_at"`
	IsError     bool                `json:"is_error,omitempty"`
	ImageData   string              `json:"image_data,omitempty"` // base64 payload of a generated image
	Attachments []Attachment        `json:"attachments,omitempty"`
	Pinned      bool                `json:"pinned,omitempty"`
	Reactions   map[string]Reaction `json:"reactions,omitempty"` // keyed by symbol
}
