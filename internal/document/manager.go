package document

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the lifecycle of uploaded document files: a scratch directory
// for in-flight analyses and a storage directory for retained documents.
type Manager struct {
	uploadDir  string
	storageDir string
	logger     *zap.Logger
}

// NewManager creates the upload and storage directories if needed.
func NewManager(uploadDir, storageDir string, logger *zap.Logger) (*Manager, error) {
	for _, dir := range []string{uploadDir, storageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Manager{uploadDir: uploadDir, storageDir: storageDir, logger: logger}, nil
}

// SaveUpload writes the uploaded bytes to a uniquely named temp file and
// returns its path, which becomes the job's document reference.
func (m *Manager) SaveUpload(originalName string, content []byte) (string, error) {
	name := fmt.Sprintf("%s%s", uuid.New(), filepath.Ext(originalName))
	path := filepath.Join(m.uploadDir, name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("failed to save upload: %w", err)
	}
	return path, nil
}

// Promote moves a temp file into the retained-storage directory and returns
// the new path. Used for keep_file submissions after processing succeeds.
func (m *Manager) Promote(documentRef string) (string, error) {
	dest := filepath.Join(m.storageDir, filepath.Base(documentRef))
	if err := os.Rename(documentRef, dest); err != nil {
		return "", fmt.Errorf("failed to promote document: %w", err)
	}
	return dest, nil
}

// Cleanup removes a temp file. Missing files are not an error so cleanup can
// run unconditionally on every exit path.
func (m *Manager) Cleanup(documentRef string) {
	if documentRef == "" {
		return
	}
	if err := os.Remove(documentRef); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to clean up document file",
			zap.String("path", documentRef), zap.Error(err))
	}
}
