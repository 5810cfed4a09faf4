package recording

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// Meta describes a stored recording.
type Meta struct {
	ID         string    `json:"id"`
	TabID      int       `json:"tab_id"`
	Label      string    `json:"label,omitempty"`
	Path       string    `json:"path"`
	Format     string    `json:"format"`
	SizeBytes  int64     `json:"size_bytes"`
	Chunks     int       `json:"chunks"`
	DurationMS int64     `json:"duration_ms"`
	BLAKE3     string    `json:"blake3"`
	StartedAt  time.Time `json:"started_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists finished recordings. Media files go wherever the caller's
// output path points; a JSON sidecar per recording is kept in dir.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the sidecar directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return protocol.Errorf(protocol.CodeValidation, "invalid recording id: %q", id)
	}
	return nil
}

// Resolve turns an output path into an absolute file path. Relative paths are
// placed under the store directory.
func (s *Store) Resolve(outputPath string) (string, error) {
	if outputPath == "" {
		return "", protocol.Errorf(protocol.CodeRecording, "output path is required")
	}
	if !filepath.IsAbs(outputPath) {
		outputPath = filepath.Join(s.dir, outputPath)
	}
	return filepath.Clean(outputPath), nil
}

// Save writes the chunks, in order, through a temp file renamed into place,
// then records the sidecar.
func (s *Store) Save(meta Meta, chunks [][]byte) (Meta, error) {
	path, err := s.Resolve(meta.Path)
	if err != nil {
		return Meta{}, err
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if err := s.validateID(meta.ID); err != nil {
		return Meta{}, err
	}
	if meta.Format == "" {
		meta.Format = "mjpeg"
	}
	meta.Path = path
	meta.Chunks = len(chunks)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Meta{}, fmt.Errorf("recording store: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".recording-*.part")
	if err != nil {
		return Meta{}, fmt.Errorf("recording store: create temp: %w", err)
	}
	tmpName := tmp.Name()

	hasher := blake3.New()
	w := io.MultiWriter(tmp, hasher)
	var size int64
	for _, chunk := range chunks {
		n, err := w.Write(chunk)
		size += int64(n)
		if err != nil {
			tmp.Close()
			_ = os.Remove(tmpName)
			return Meta{}, fmt.Errorf("recording store: write: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Meta{}, fmt.Errorf("recording store: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return Meta{}, fmt.Errorf("recording store: rename: %w", err)
	}

	meta.SizeBytes = size
	meta.BLAKE3 = hex.EncodeToString(hasher.Sum(nil))
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Meta{}, fmt.Errorf("recording store: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, meta.ID+".json"), data, 0o644); err != nil {
		return Meta{}, fmt.Errorf("recording store: write meta: %w", err)
	}
	return meta, nil
}

// Get reads recording metadata by ID.
func (s *Store) Get(id string) (Meta, error) {
	if err := s.validateID(id); err != nil {
		return Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, protocol.Errorf(protocol.CodeRouting, "recording not found: %s", id)
		}
		return Meta{}, fmt.Errorf("recording store: read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("recording store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns all recordings sorted by creation time (newest first).
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("recording store: glob: %w", err)
	}

	metas := make([]Meta, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Delete removes the media file and its sidecar.
func (s *Store) Delete(id string) error {
	meta, err := s.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(meta.Path); err != nil {
		slog.Debug("recording media cleanup failed", "id", id, "path", meta.Path, "error", err)
	}
	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("recording store: remove meta: %w", err)
	}
	return nil
}
