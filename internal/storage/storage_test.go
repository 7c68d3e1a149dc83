package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

func newRecord(id, title string, sections ...Section) Record {
	return Record{
		Document: realtimeTypes.Document{ID: realtimeTypes.ID(id), Title: title},
		Sections: sections,
	}
}

func TestNewJSONFileStorage(t *testing.T) {
	tmpDir := t.TempDir()
	storage, err := NewJSONFileStorage(tmpDir)
	if err != nil {
		t.Fatalf("NewJSONFileStorage failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(tmpDir, "documents"))
	if err != nil {
		t.Fatalf("expected documents directory to be created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("documents dir perm = %o, want 700", perm)
	}
	if storage.baseDir != tmpDir {
		t.Errorf("expected baseDir %q, got %q", tmpDir, storage.baseDir)
	}
}

func TestJSONFileStorage_SaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	storage, _ := NewJSONFileStorage(tmpDir)

	rec := newRecord("42", "Roadmap", Section{Title: "Risks", Content: "Vendor lock-in."})
	rec.Document.Content = json.RawMessage(`{"sections":[{"title":"Risks","content":"Vendor lock-in."}]}`)
	if err := storage.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "documents", "42.json")); err != nil {
		t.Fatalf("expected document file: %v", err)
	}

	loaded, err := storage.Load("42")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Document.Title != "Roadmap" {
		t.Errorf("title = %q", loaded.Document.Title)
	}
	if len(loaded.Sections) != 1 || loaded.Sections[0].Content != "Vendor lock-in." {
		t.Errorf("sections = %+v", loaded.Sections)
	}
	if loaded.SavedAt.IsZero() {
		t.Error("expected SavedAt to be stamped")
	}
}

func TestJSONFileStorage_Load_NotFound(t *testing.T) {
	storage, _ := NewJSONFileStorage(t.TempDir())
	if _, err := storage.Load("missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestJSONFileStorage_Delete(t *testing.T) {
	storage, _ := NewJSONFileStorage(t.TempDir())
	_ = storage.Save(newRecord("gone", "Temp"))

	if err := storage.Delete("gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := storage.Delete("gone"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("second delete = %v, want ErrDocumentNotFound", err)
	}
}

func TestJSONFileStorage_List(t *testing.T) {
	tmpDir := t.TempDir()
	storage, _ := NewJSONFileStorage(tmpDir)
	for _, id := range []string{"1", "2", "3"} {
		if err := storage.Save(newRecord(id, "Doc "+id)); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	// Ignored: wrong extension and invalid id.
	_ = os.WriteFile(filepath.Join(tmpDir, "documents", "notes.txt"), []byte("x"), 0o600)
	_ = os.WriteFile(filepath.Join(tmpDir, "documents", "bad id.json"), []byte("{}"), 0o600)

	records, err := storage.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
}

func TestJSONFileStorage_ListErrorSurfacing(t *testing.T) {
	tmpDir := t.TempDir()
	storage, _ := NewJSONFileStorage(tmpDir)
	_ = storage.Save(newRecord("good", "Fine"))
	_ = os.WriteFile(filepath.Join(tmpDir, "documents", "broken.json"), []byte("{not json"), 0o600)

	records, err := storage.List()
	var listErr *ListError
	if !errors.As(err, &listErr) {
		t.Fatalf("expected *ListError, got %v", err)
	}
	if len(listErr.Errors) != 1 {
		t.Errorf("expected 1 load error, got %d", len(listErr.Errors))
	}
	if len(records) != 1 || records[0].Document.ID != "good" {
		t.Errorf("records = %+v", records)
	}
}

func TestJSONFileStorage_AtomicWriteLeavesNoTemp(t *testing.T) {
	tmpDir := t.TempDir()
	storage, _ := NewJSONFileStorage(tmpDir)
	for i := 0; i < 3; i++ {
		if err := storage.Save(newRecord("7", "v")); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, _ := os.ReadDir(filepath.Join(tmpDir, "documents"))
	if len(entries) != 1 {
		t.Fatalf("expected a single file, got %d", len(entries))
	}
}

func TestSecurity_PathTraversal(t *testing.T) {
	storage, _ := NewJSONFileStorage(t.TempDir())
	for _, id := range []string{"../escape", "a/b", "", "..", "x.json"} {
		if err := storage.Save(newRecord(id, "evil")); !errors.Is(err, ErrInvalidDocumentID) {
			t.Errorf("Save(%q) = %v, want ErrInvalidDocumentID", id, err)
		}
		if _, err := storage.Load(id); !errors.Is(err, ErrInvalidDocumentID) {
			t.Errorf("Load(%q) = %v, want ErrInvalidDocumentID", id, err)
		}
	}
}

func TestSecurity_FilePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	storage, _ := NewJSONFileStorage(tmpDir)
	_ = storage.Save(newRecord("perm", "p"))

	info, err := os.Stat(filepath.Join(tmpDir, "documents", "perm.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file perm = %o, want 600", perm)
	}
}

func TestSecurity_SymlinkCheck(t *testing.T) {
	tmpDir := t.TempDir()
	storage, _ := NewJSONFileStorage(tmpDir)

	target := filepath.Join(t.TempDir(), "outside.json")
	_ = os.WriteFile(target, []byte(`{"document":{"id":"link"}}`), 0o600)
	if err := os.Symlink(target, filepath.Join(tmpDir, "documents", "link.json")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := storage.Load("link"); !errors.Is(err, ErrSymlinkNotAllowed) {
		t.Errorf("expected ErrSymlinkNotAllowed, got %v", err)
	}
}

func TestJSONFileStorage_RejectsMismatchedID(t *testing.T) {
	tmpDir := t.TempDir()
	storage, _ := NewJSONFileStorage(tmpDir)
	_ = os.WriteFile(filepath.Join(tmpDir, "documents", "a.json"), []byte(`{"document":{"id":"b"}}`), 0o600)

	if _, err := storage.Load("a"); err == nil {
		t.Fatal("expected mismatched id to be rejected")
	}
}

func TestJSONFileStorage_ZeroPaddedID(t *testing.T) {
	storage, _ := NewJSONFileStorage(t.TempDir())

	if err := storage.Save(newRecord("007", "Briefing")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := storage.Load("007")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Document.ID != "007" {
		t.Errorf("id = %q, want 007", loaded.Document.ID)
	}
}
