package pdfctx

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

func openReader(data []byte) (*pdf.Reader, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return reader, nil
}

// PageCount returns the number of pages in data.
func PageCount(data []byte) (int, error) {
	reader, err := openReader(data)
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}

// PlainText extracts the text of every readable page. Pages that fail to
// decode are skipped.
func PlainText(data []byte) (string, error) {
	reader, err := openReader(data)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(strings.TrimSpace(text))
		sb.WriteString("\n\n")
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("no text extracted from PDF")
	}
	return out, nil
}
