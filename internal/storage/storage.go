// Package storage persists relay documents as one JSON file per document.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

var (
	ErrDocumentNotFound     = errors.New("document not found")
	ErrStorageWrite         = errors.New("failed to write document")
	ErrInvalidDocumentID    = errors.New("invalid document id")
	ErrDocumentFileTooLarge = errors.New("document file too large")
	ErrSymlinkNotAllowed    = errors.New("symlinks not allowed for document files")
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	documentsDirName    = "documents"
	documentExt         = ".json"
	maxDocumentFileSize = 10 << 20
)

// Section is one titled block of document content.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Record is a persisted document together with its sections.
type Record struct {
	Document realtimeTypes.Document `json:"document"`
	Sections []Section              `json:"sections"`
	SavedAt  time.Time              `json:"saved_at"`
}

type Storage interface {
	Save(rec Record) error
	Load(id string) (Record, error)
	Delete(id string) error
	List() ([]Record, error)
}

// JSONFileStorage keeps <baseDir>/documents/<id>.json per document. The
// directory is private to the owner.
type JSONFileStorage struct {
	baseDir string
	dir     string
	now     func() time.Time

	mu sync.RWMutex
}

func ValidateDocumentID(id string) error {
	if !documentIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %s", ErrInvalidDocumentID, id)
	}
	return nil
}

func NewJSONFileStorage(baseDir string) (*JSONFileStorage, error) {
	dir := filepath.Join(baseDir, documentsDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create documents directory: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if info, err := os.Stat(dir); err == nil && info.Mode().Perm() != 0o700 {
		_ = os.Chmod(dir, 0o700)
	}
	return &JSONFileStorage{baseDir: baseDir, dir: dir, now: time.Now}, nil
}

func (s *JSONFileStorage) path(id string) string {
	return filepath.Join(s.dir, id+documentExt)
}

// Save replaces the document's file. Readers see either the previous file
// or the new one, never a partial write.
func (s *JSONFileStorage) Save(rec Record) error {
	id := string(rec.Document.ID)
	if err := ValidateDocumentID(id); err != nil {
		return err
	}
	rec.SavedAt = s.now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.dir, id+documentExt, data); err != nil {
		return fmt.Errorf("%w %s: %v", ErrStorageWrite, id, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in dir, syncs it, renames it
// over name and syncs dir so the rename survives a crash.
func writeFileAtomic(dir, name string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (s *JSONFileStorage) Load(id string) (Record, error) {
	if err := ValidateDocumentID(id); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

func (s *JSONFileStorage) Delete(id string) error {
	if err := ValidateDocumentID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrDocumentNotFound
	case err != nil:
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// ListError reports documents that could not be loaded. List still returns
// the ones that could.
type ListError struct {
	Errors []error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("failed to load %d documents", len(e.Errors))
}

// List loads every stored document. Files whose names are not valid ids,
// and leftover temp files, are ignored.
func (s *JSONFileStorage) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read documents directory: %w", err)
	}

	records := make([]Record, 0, len(entries))
	var failed []error
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), documentExt)
		if !ok || entry.IsDir() || ValidateDocumentID(id) != nil {
			continue
		}
		rec, err := s.read(id)
		if err != nil {
			failed = append(failed, fmt.Errorf("document %s: %w", id, err))
			continue
		}
		records = append(records, rec)
	}
	if len(failed) > 0 {
		return records, &ListError{Errors: failed}
	}
	return records, nil
}

// read loads one document file. Callers hold s.mu.
func (s *JSONFileStorage) read(id string) (Record, error) {
	p := s.path(id)
	info, err := os.Lstat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Record{}, ErrDocumentNotFound
	case err != nil:
		return Record{}, err
	case info.Mode()&fs.ModeSymlink != 0:
		return Record{}, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, id)
	case info.Size() > maxDocumentFileSize:
		return Record{}, fmt.Errorf("%w: %s (%d bytes)", ErrDocumentFileTooLarge, id, info.Size())
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	if string(rec.Document.ID) != id {
		return Record{}, fmt.Errorf("document file %s holds id %q", id, rec.Document.ID)
	}
	return rec, nil
}
