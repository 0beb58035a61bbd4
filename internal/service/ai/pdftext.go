package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"paperchat/internal/pdfctx"
)

const (
	textCacheTTL     = 30 * time.Minute
	textCacheCleanup = 10 * time.Minute
)

// TextExtractor turns document bytes into text for providers that cannot
// read PDFs. Results are cached by content hash since every turn of a
// conversation resends the same document.
type TextExtractor struct {
	cache   *cache.Cache
	extract func([]byte) (string, error)
}

func NewTextExtractor() *TextExtractor {
	return &TextExtractor{
		cache:   cache.New(textCacheTTL, textCacheCleanup),
		extract: pdfctx.PlainText,
	}
}

func (x *TextExtractor) Text(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if v, ok := x.cache.Get(key); ok {
		return v.(string), nil
	}
	text, err := x.extract(data)
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	x.cache.Set(key, text, cache.DefaultExpiration)
	return text, nil
}
