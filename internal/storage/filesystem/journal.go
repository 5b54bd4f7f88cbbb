package filesystem

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

const metadataFile = "__metadata__.json"

// dirJournal mirrors store mutations into one directory.
type dirJournal struct {
	dir string
}

func (j dirJournal) WriteMetadata(meta storage.Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return j.WriteEntry(metadataFile, data)
}

func (j dirJournal) WriteEntry(name string, data []byte) error {
	path, err := j.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(j.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (j dirJournal) DeleteEntry(name string) error {
	path, err := j.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (j dirJournal) Clear() error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read store directory: %w", err)
	}
	for _, e := range entries {
		if e.Name() == metadataFile || e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (j dirJournal) Remove() error {
	if err := os.RemoveAll(j.dir); err != nil {
		return fmt.Errorf("remove store directory: %w", err)
	}
	return nil
}

// path joins name onto the store directory and rejects traversal.
func (j dirJournal) path(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("entry name is required")
	}
	full := filepath.Join(j.dir, name)
	cleanDir := filepath.Clean(j.dir)
	if !strings.HasPrefix(filepath.Clean(full), cleanDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}
