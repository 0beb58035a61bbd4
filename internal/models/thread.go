package models

import "time"

const (
	// DefaultThreadName labels a thread created by a document upload.
	DefaultThreadName = "New Chat"
	// UntitledThreadName labels a thread created from "new chat".
	UntitledThreadName = "Untitled"
)

// Thread groups a sequence of messages about the loaded paper.
type Thread struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsPlaceholderName reports whether name was assigned at creation time.
func IsPlaceholderName(name string) bool {
	return name == "" || name == DefaultThreadName || name == UntitledThreadName
}

// Clone returns a deep copy of the thread.
func (t Thread) Clone() Thread {
	t.Messages = CloneMessages(t.Messages)
	return t
}
