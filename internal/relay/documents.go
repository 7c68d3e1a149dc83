package relay

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ricochet1k/docuforge/internal/storage"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

var ErrUnknownDocument = errors.New("relay: unknown document")

type Section = storage.Section

type documentContent struct {
	Sections []Section `json:"sections"`
}

// Documents is the relay's document table. With a backing store every
// change is written through before it becomes visible.
type Documents struct {
	mu    sync.RWMutex
	docs  map[string]*storage.Record
	store storage.Storage
	now   func() time.Time
}

func NewDocuments() *Documents {
	return &Documents{docs: make(map[string]*storage.Record), now: time.Now}
}

// OpenDocuments loads every document held by store and keeps writing
// changes to it. Unreadable documents are skipped and reported.
func OpenDocuments(store storage.Storage) (*Documents, error) {
	d := NewDocuments()
	d.store = store
	records, err := store.List()
	for i := range records {
		rec := records[i]
		d.docs[string(rec.Document.ID)] = &rec
	}
	var listErr *storage.ListError
	if err != nil && !errors.As(err, &listErr) {
		return nil, err
	}
	return d, err
}

// Put creates or replaces a document with no content.
func (d *Documents) Put(id, title, docType string) (realtimeTypes.Document, error) {
	ts := d.now().UTC().Format(time.RFC3339)
	rec := &storage.Record{Document: realtimeTypes.Document{
		ID:        realtimeTypes.ID(id),
		Title:     title,
		Type:      docType,
		Status:    "draft",
		Content:   encodeSections(nil),
		CreatedAt: ts,
		UpdatedAt: ts,
	}}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.persist(rec); err != nil {
		return realtimeTypes.Document{}, err
	}
	d.docs[id] = rec
	return rec.Document, nil
}

func (d *Documents) Get(id string) (realtimeTypes.Document, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.docs[id]
	if !ok {
		return realtimeTypes.Document{}, false
	}
	return rec.Document, true
}

// AppendSection adds a section to the document and returns the updated
// snapshot with its section count.
func (d *Documents) AppendSection(id string, s Section) (realtimeTypes.Document, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.docs[id]
	if !ok {
		return realtimeTypes.Document{}, 0, ErrUnknownDocument
	}

	next := *cur
	next.Sections = append(slices.Clone(cur.Sections), s)
	next.Document.Content = encodeSections(next.Sections)
	next.Document.UpdatedAt = d.now().UTC().Format(time.RFC3339)
	if err := d.persist(&next); err != nil {
		return realtimeTypes.Document{}, 0, err
	}
	d.docs[id] = &next
	return next.Document, len(next.Sections), nil
}

func (d *Documents) persist(rec *storage.Record) error {
	if d.store == nil {
		return nil
	}
	return d.store.Save(*rec)
}

func encodeSections(sections []Section) json.RawMessage {
	if sections == nil {
		sections = []Section{}
	}
	raw, _ := json.Marshal(documentContent{Sections: sections})
	return raw
}
