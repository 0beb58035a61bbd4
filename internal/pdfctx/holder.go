package pdfctx

import (
	"bytes"
	"errors"
	"sync"
)

// MimeType is attached to every file segment carrying the document.
const MimeType = "application/pdf"

// ErrNotPDF is returned by Load for data without a PDF header.
var ErrNotPDF = errors.New("not a PDF document")

// Holder keeps the loaded document and the current highlighted excerpt.
type Holder struct {
	mu        sync.RWMutex
	data      []byte
	name      string
	selection string
}

func New() *Holder {
	return &Holder{}
}

// Load replaces the document and clears the selection.
func (h *Holder) Load(name string, data []byte) error {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return ErrNotPDF
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.mu.Lock()
	h.data = cp
	h.name = name
	h.selection = ""
	h.mu.Unlock()
	return nil
}

func (h *Holder) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.data) > 0
}

// Bytes returns the document; callers must not modify it.
func (h *Holder) Bytes() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.data
}

func (h *Holder) Name() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.name
}

func (h *Holder) Select(text string) {
	h.mu.Lock()
	h.selection = text
	h.mu.Unlock()
}

func (h *Holder) Selection() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.selection
}

func (h *Holder) ClearSelection() {
	h.Select("")
}
