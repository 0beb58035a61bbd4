package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Flavor selects how the completion endpoint answers a request.
type Flavor string

const (
	FlavorChat        Flavor = "chat"
	FlavorSummary     Flavor = "summary"
	FlavorSuggestions Flavor = "suggestions"
	FlavorTitle       Flavor = "title"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages            []Message `json:"messages"`
	PDFData             ByteArray `json:"pdfData,omitempty"`
	SystemPrompt        string    `json:"systemPrompt,omitempty"`
	Familiarity         string    `json:"familiarity,omitempty"`
	Goal                string    `json:"goal,omitempty"`
	SelectedText        string    `json:"selectedText,omitempty"`
	IsSuggestionRequest bool      `json:"isSuggestionRequest,omitempty"`
	IsTitleRequest      bool      `json:"isTitleRequest,omitempty"`
}

// Flavor resolves the response kind. Explicit flags win over the sentinel.
func (r *ChatRequest) Flavor() Flavor {
	switch {
	case r.IsSuggestionRequest:
		return FlavorSuggestions
	case r.IsTitleRequest:
		return FlavorTitle
	case len(r.Messages) > 0 && IsSentinel(r.Messages[len(r.Messages)-1]):
		return FlavorSummary
	default:
		return FlavorChat
	}
}

// Preferences returns the request preferences, falling back to defaults per field.
func (r *ChatRequest) Preferences() Preferences {
	p := DefaultPreferences()
	if f := Familiarity(r.Familiarity); f.Valid() {
		p.Familiarity = f
	}
	if g := Goal(r.Goal); g.Valid() {
		p.Goal = g
	}
	return p
}

type SuggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
}

type TitleResponse struct {
	Title string `json:"title"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// SSE event names used by streamed replies.
const (
	EventStream = "stream"
	EventError  = "error"
	EventDone   = "done"
)

// StreamPayload is the data of stream and done events.
type StreamPayload struct {
	Content string `json:"content"`
}

// StreamError is the data of an error event.
type StreamError struct {
	Message string `json:"message"`
}

// ByteArray encodes as base64 and also decodes a JSON array of byte values.
type ByteArray []byte

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*b = raw
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decode byte array: %w", err)
	}
	raw := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array element %d out of range: %d", i, v)
		}
		raw[i] = byte(v)
	}
	*b = raw
	return nil
}
