package document

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

// Text is extracted plain text plus an explicit truncation signal; very
// large documents are cut at the configured bound rather than silently
// losing their tail.
type Text struct {
	Content   string
	Truncated bool
}

// ReadText extracts plain text from the PDF at path. maxChars bounds the
// returned content in runes; zero or negative means unbounded.
func ReadText(path string, maxChars int) (*Text, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	var buf bytes.Buffer
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to extract page %d: %w", i, err)
		}
		buf.WriteString(text)
		if i < numPages {
			buf.WriteByte('\n')
		}
	}

	return Bound(buf.String(), maxChars), nil
}

// Bound applies the truncation policy to already-extracted text.
func Bound(content string, maxChars int) *Text {
	if maxChars <= 0 {
		return &Text{Content: content}
	}
	runes := []rune(content)
	if len(runes) <= maxChars {
		return &Text{Content: content}
	}
	return &Text{Content: string(runes[:maxChars]), Truncated: true}
}
