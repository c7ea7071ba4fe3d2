package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Artifact file names inside the ledger directory.
const (
	LedgerFile   = "ledger.json"
	ProgressFile = "progress.json"
	FailedFile   = "failed.json"
)

// writeFile replaces path atomically: readers see either the old or the new
// content, never a partial write.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".gather-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, append(data, '\n'))
}

// Archive moves existing artifacts in dir aside as <name>.bak-<timestamp>,
// so that a fresh run starts from nothing without destroying history. It
// returns the archived paths.
func Archive(dir string, now time.Time) ([]string, error) {
	suffix := ".bak-" + now.UTC().Format("20060102T150405Z")
	var moved []string
	for _, name := range []string{LedgerFile, ProgressFile, FailedFile} {
		src := filepath.Join(dir, name)
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return moved, fmt.Errorf("ledger: stat %s: %w", src, err)
		}
		dst := src + suffix
		if err := os.Rename(src, dst); err != nil {
			return moved, fmt.Errorf("ledger: archive %s: %w", src, err)
		}
		moved = append(moved, dst)
	}
	return moved, nil
}

// progressFile is the shape of progress.json.
type progressFile struct {
	RunID          string    `json:"run_id"`
	Completed      []string  `json:"completed"`
	TotalCompleted int       `json:"total_completed"`
	UpdatedAt      time.Time `json:"updated_at"`
	Stats          Counts    `json:"stats"`
	Retries        int       `json:"retries"`
}

// FailedUnit is one entry of failed.json.
type FailedUnit struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	Attempts  int    `json:"attempts"`
}
