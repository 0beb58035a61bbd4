package pdfctx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"paperchat/internal/storage"
)

// BridgeKey is the storage key of the pending upload.
const BridgeKey = "uploadedPdf"

type upload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// Bridge hands a document from the upload step to the chat session.
type Bridge struct {
	kv storage.KV
}

func NewBridge(kv storage.KV) *Bridge {
	return &Bridge{kv: kv}
}

// Put records the document as base64.
func (b *Bridge) Put(ctx context.Context, name string, data []byte) error {
	raw, err := json.Marshal(upload{Name: name, Data: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	return b.kv.Put(ctx, BridgeKey, raw)
}

// Clear drops the pending upload record.
func (b *Bridge) Clear(ctx context.Context) error {
	return b.kv.Delete(ctx, BridgeKey)
}

// Take returns the pending document. The record is left in place.
// It returns storage.ErrNotFound when nothing was uploaded.
func (b *Bridge) Take(ctx context.Context) (string, []byte, error) {
	raw, err := b.kv.Get(ctx, BridgeKey)
	if err != nil {
		return "", nil, err
	}
	var up upload
	if err := json.Unmarshal(raw, &up); err != nil {
		return "", nil, fmt.Errorf("decode upload: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(up.Data)
	if err != nil {
		return "", nil, fmt.Errorf("decode upload data: %w", err)
	}
	return up.Name, data, nil
}
