package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"researchhub/pkg/store"
)

// FileStorage serves dataset files from a directory root. Stored paths
// are relative to the root; anything escaping it is rejected.
type FileStorage struct {
	Root string
}

func (f *FileStorage) Open(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	if path == "" {
		return nil, 0, fmt.Errorf("dataset file: %w", store.ErrNotFound)
	}
	// Re-root the stored path so ".." segments cannot climb out.
	rel := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	full := filepath.Join(f.Root, rel)

	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("dataset file %s: %w", path, store.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("stat dataset file: %w", err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("dataset file %s: %w", path, store.ErrNotFound)
	}
	file, err := os.Open(full)
	if err != nil {
		return nil, 0, fmt.Errorf("open dataset file: %w", err)
	}
	return file, info.Size(), nil
}
