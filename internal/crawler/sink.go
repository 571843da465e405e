package crawler

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileSystemSink writes mirror output under a root directory. Paths given
// to it are the deterministic relative paths from the rewrite mapper.
type FileSystemSink struct {
	root   string
	logger *zap.Logger
}

// NewFileSystemSink creates the root directory and returns the sink.
func NewFileSystemSink(root string, logger *zap.Logger) (*FileSystemSink, error) {
	if root == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileSystemSink{root: root, logger: logger}, nil
}

// Write persists data at the relative path, creating parents as needed,
// and returns the bytes written.
func (s *FileSystemSink) Write(relPath string, data []byte) (int64, error) {
	full := filepath.Join(s.root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("create parent dir for %s: %w", relPath, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", relPath, err)
	}
	s.logger.Debug("wrote file", zap.String("path", relPath), zap.Int("bytes", len(data)))
	return int64(len(data)), nil
}

// Root returns the sink's base directory.
func (s *FileSystemSink) Root() string {
	return s.root
}
