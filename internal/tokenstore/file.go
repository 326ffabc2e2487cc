package tokenstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// DefaultPath returns the per-user token location:
// $XDG_CONFIG_HOME/opencollective/token.json, else ~/.config/opencollective/token.json.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "opencollective", "token.json")
}

// FileStore keeps the token record in a JSON file.
// Writes go to a temp file in the same directory and are renamed into place,
// so readers in other processes never observe a partial file.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store at path, or at DefaultPath when path is empty.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultPath()
	}
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Save atomically writes rec, creating parent directories as needed.
func (s *FileStore) Save(_ context.Context, rec Record) error {
	if !rec.Valid() {
		return &Error{Op: "save", Path: s.path, Err: ErrInvalidRecord}
	}
	data, err := json.MarshalIndent(rec.Normalize(), "", "  ")
	if err != nil {
		return &Error{Op: "save", Path: s.path, Err: errors.Wrap(err, "encode")}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &Error{Op: "save", Path: s.path, Err: errors.Wrap(err, "create directory")}
	}

	if err := writeFileAtomic(dir, s.path, data); err != nil {
		return &Error{Op: "save", Path: s.path, Err: err}
	}
	return nil
}

func writeFileAtomic(dir, path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	// CreateTemp already uses 0600; Chmod keeps it explicit on platforms
	// with a permissive default.
	if err := tmp.Chmod(filePerm); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}

// Load reads the token file. A missing file is reported as ok=false.
func (s *FileStore) Load(_ context.Context) (Record, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, &Error{Op: "load", Path: s.path, Err: err}
	}
	rec, err := Parse(data)
	if err != nil {
		return Record{}, false, &Error{Op: "load", Path: s.path, Corrupt: true, Err: err}
	}
	return rec, true, nil
}

// Delete removes the token file. Deleting a missing file is not an error.
func (s *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &Error{Op: "delete", Path: s.path, Err: err}
	}
	return nil
}
