// Package statefile persists shared records as single JSON documents that are
// replaced wholesale on every write. Writes go to a temporary file in the same
// directory, are fsynced, and renamed into place, so a concurrent reader never
// observes a partial document. This is the only concurrency protocol the
// durable records need: readers always load a complete snapshot.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Save atomically replaces the document at path with the JSON encoding of v.
// The parent directory is created if missing and synced after the rename so
// the replacement survives power loss.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file into place: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Load reads the document at path into v. A missing file returns an error
// wrapping os.ErrNotExist (testable with errors.Is).
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse state file %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadOr reads the document at path into v. Missing or malformed documents
// leave v untouched and report false; storage trouble never becomes an error
// the caller must handle. This is the delivery-layer contract: a corrupt
// mailbox must not crash the controller.
func LoadOr(path string, v any) bool {
	if err := Load(path, v); err != nil {
		return false
	}
	return true
}

// Remove deletes the document at path. Idempotent: a missing file is not an
// error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Exists reports whether a document is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
