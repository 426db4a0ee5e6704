// Package document handles the uploaded-document collaborator: upload
// validation, the temp-file lifecycle, and plain-text extraction from PDFs.
package document

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultMaxUploadBytes caps uploads at 50MB.
const DefaultMaxUploadBytes = 50 * 1024 * 1024

var pdfMagic = []byte("%PDF")

// ValidationError describes a rejected upload. Submissions failing
// validation never create a job.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid document: " + e.Reason
}

// Validate checks an uploaded file before any persistence happens.
func Validate(filename string, content []byte, maxBytes int64) error {
	if filename == "" || strings.Contains(filename, "..") ||
		strings.ContainsAny(filename, `/\`) {
		return &ValidationError{Reason: "unsafe filename"}
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != ".pdf" {
		return &ValidationError{Reason: fmt.Sprintf("only PDF files are accepted, got %q", ext)}
	}
	if len(content) == 0 {
		return &ValidationError{Reason: "file is empty"}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if int64(len(content)) > maxBytes {
		return &ValidationError{Reason: fmt.Sprintf(
			"file too large: %dMB exceeds the %dMB limit",
			int64(len(content))/1024/1024, maxBytes/1024/1024)}
	}
	if !bytes.HasPrefix(content, pdfMagic) {
		return &ValidationError{Reason: "file does not look like a PDF"}
	}
	return nil
}
