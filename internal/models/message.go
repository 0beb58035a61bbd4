package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SummarySentinel is the control message that asks the endpoint for a paper summary.
const SummarySentinel = "GENERATE_SUMMARY"

// Message captures an individual turn stored in a thread.
// System messages are inline notices, never model instructions.
type Message struct {
	ID        string     `json:"id,omitempty"`
	Role      Role       `json:"role"`
	Content   Content    `json:"content"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// NewMessage returns a plain text message with a fresh id and timestamp.
func NewMessage(role Role, text string) Message {
	now := time.Now().UTC()
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   PlainText(text),
		CreatedAt: &now,
	}
}

// IsSentinel reports whether msg is the summary trigger.
func IsSentinel(msg Message) bool {
	return !msg.Content.IsSegments() && msg.Content.Text() == SummarySentinel
}

// WithoutSentinel drops summary triggers, keeping order.
func WithoutSentinel(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if IsSentinel(msg) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// CloneMessages copies the slice so callers can mutate it freely.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
		out[i].Content = msg.Content.clone()
	}
	return out
}

type SegmentType string

const (
	SegmentText SegmentType = "text"
	SegmentFile SegmentType = "file"
)

// Segment is one part of a multi-part message body.
type Segment struct {
	Type     SegmentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     []byte      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Text: text}
}

func FileSegment(data []byte, mimeType string) Segment {
	return Segment{Type: SegmentFile, Data: data, MimeType: mimeType}
}

// Content is either plain text or an ordered list of segments.
// The zero value is empty plain text.
type Content struct {
	text     string
	segments []Segment
}

func PlainText(text string) Content {
	return Content{text: text}
}

func Segments(parts ...Segment) Content {
	if len(parts) == 0 {
		return Content{}
	}
	cp := make([]Segment, len(parts))
	copy(cp, parts)
	return Content{segments: cp}
}

func (c Content) IsSegments() bool {
	return len(c.segments) > 0
}

// Text joins every text part; file parts are skipped.
func (c Content) Text() string {
	if !c.IsSegments() {
		return c.text
	}
	var sb strings.Builder
	for _, seg := range c.segments {
		if seg.Type == SegmentText {
			sb.WriteString(seg.Text)
		}
	}
	return sb.String()
}

// File returns the first attached file part.
func (c Content) File() (Segment, bool) {
	for _, seg := range c.segments {
		if seg.Type == SegmentFile {
			return seg, true
		}
	}
	return Segment{}, false
}

func (c Content) clone() Content {
	if !c.IsSegments() {
		return c
	}
	return Segments(c.segments...)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsSegments() {
		return json.Marshal(c.segments)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*c = PlainText(text)
		return nil
	case '[':
		var parts []Segment
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		for i, seg := range parts {
			if seg.Type != SegmentText && seg.Type != SegmentFile {
				return fmt.Errorf("content part %d: unknown type %q", i, seg.Type)
			}
		}
		*c = Segments(parts...)
		return nil
	default:
		return errors.New("content must be a string or an array of parts")
	}
}
