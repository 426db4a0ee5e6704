package document

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var samplePDF = []byte("%PDF-1.4\nminimal test payload")

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		wantErr  string
	}{
		{"valid", "report.pdf", samplePDF, ""},
		{"uppercase extension", "REPORT.PDF", samplePDF, ""},
		{"empty file", "report.pdf", nil, "empty"},
		{"wrong extension", "report.docx", samplePDF, "only PDF"},
		{"no extension", "report", samplePDF, "only PDF"},
		{"path traversal", "../etc/report.pdf", samplePDF, "unsafe filename"},
		{"embedded slash", "a/b.pdf", samplePDF, "unsafe filename"},
		{"empty name", "", samplePDF, "unsafe filename"},
		{"not a pdf", "report.pdf", []byte("plain text"), "does not look like a PDF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.filename, tt.content, 0)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_SizeLimit(t *testing.T) {
	big := append([]byte("%PDF"), make([]byte, 2*1024*1024)...)
	assert.Error(t, Validate("big.pdf", big, 1024*1024))
	assert.NoError(t, Validate("big.pdf", big, 4*1024*1024))
}

func TestManager_Lifecycle(t *testing.T) {
	base := t.TempDir()
	m, err := NewManager(filepath.Join(base, "data"), filepath.Join(base, "storage"), zap.NewNop())
	require.NoError(t, err)

	ref, err := m.SaveUpload("report.pdf", samplePDF)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, ".pdf"))

	saved, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, samplePDF, saved)

	promoted, err := m.Promote(ref)
	require.NoError(t, err)
	assert.NoFileExists(t, ref)
	assert.FileExists(t, promoted)

	m.Cleanup(promoted)
	assert.NoFileExists(t, promoted)

	// cleanup of an already-removed file must be silent
	m.Cleanup(promoted)
	m.Cleanup("")
}

func TestBound(t *testing.T) {
	text := Bound("short text", 100)
	assert.False(t, text.Truncated)
	assert.Equal(t, "short text", text.Content)

	text = Bound(strings.Repeat("a", 100), 10)
	assert.True(t, text.Truncated)
	assert.Len(t, text.Content, 10)

	text = Bound(strings.Repeat("a", 100), 0)
	assert.False(t, text.Truncated)
	assert.Len(t, text.Content, 100)
}
