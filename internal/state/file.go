package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arbwatch/internal/alerting"
)

// fileLayout mirrors the state.json document: one record per pair key plus free-form metadata.
type fileLayout struct {
	Pairs map[string]json.RawMessage `json:"pairs"`
	Meta  map[string]any             `json:"meta"`
}

// File keeps every pair's record in one JSON document on local disk.
type File struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewFile returns a file-backed store at path.
func NewFile(path string, logger zerolog.Logger) *File {
	return &File{
		path:   path,
		logger: logger.With().Str("component", "state_file").Logger(),
	}
}

// Load returns the pair's record, or the initial state when the file or record is missing or corrupt.
func (f *File) Load(ctx context.Context, key string) (alerting.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := f.read()
	raw, ok := doc.Pairs[key]
	if !ok {
		return alerting.InitialState(), nil
	}
	st, err := decodeRecord(raw)
	if err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("corrupt state record, starting fresh")
		return alerting.InitialState(), nil
	}
	return st, nil
}

// Save rewrites the document with the pair's new record through a temp file and rename.
func (f *File) Save(ctx context.Context, key string, st alerting.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := f.read()
	payload, err := json.Marshal(FromState(st))
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	doc.Pairs[key] = payload
	doc.Meta["updatedAt"] = time.Now().UTC().Unix()

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}
	return writeAtomic(f.path, body)
}

func (f *File) read() fileLayout {
	doc := fileLayout{}
	body, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		f.logger.Warn().Err(err).Str("path", f.path).Msg("state file unreadable, starting fresh")
	default:
		if err := json.Unmarshal(body, &doc); err != nil {
			f.logger.Warn().Err(err).Str("path", f.path).Msg("state file corrupt, starting fresh")
			doc = fileLayout{}
		}
	}
	if doc.Pairs == nil {
		doc.Pairs = make(map[string]json.RawMessage)
	}
	if doc.Meta == nil {
		doc.Meta = make(map[string]any)
	}
	return doc
}

func writeAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

var _ Store = (*File)(nil)
