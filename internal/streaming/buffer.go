// Package streaming reassembles cumulative document-content frames into a
// growing buffer that is sealed when generation completes.
package streaming

import (
	"strings"
	"time"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseSealed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only copy of the buffer.
type Snapshot struct {
	Phase     Phase
	Active    bool
	Text      string
	Section   string
	WordCount int
	Request   string
	StartedAt time.Time
	SealedAt  time.Time
	Chunks    int
}

// Buffer is not safe for concurrent use; the state store serializes access.
type Buffer struct {
	phase     Phase
	text      string
	section   string
	wordCount int
	request   string
	startedAt time.Time
	sealedAt  time.Time
	chunks    int
	now       func() time.Time
}

func NewBuffer(now func() time.Time) *Buffer {
	if now == nil {
		now = time.Now
	}
	return &Buffer{now: now}
}

// Start begins a new generation, discarding any previous text.
func (b *Buffer) Start(request string) {
	b.phase = PhaseActive
	b.text = ""
	b.section = ""
	b.wordCount = 0
	b.request = request
	b.startedAt = b.now()
	b.sealedAt = time.Time{}
	b.chunks = 0
}

// Chunk applies a cumulative update. The peer repeats the whole text so far
// in every chunk, so a dropped intermediate frame is healed by the next one.
// The delta is only used when the peer omitted the cumulative text. It
// reports whether the buffer changed.
func (b *Buffer) Chunk(delta, section, cumulative string) bool {
	switch b.phase {
	case PhaseSealed:
		return false
	case PhaseIdle:
		// start frame was lost
		b.Start("")
	}
	if cumulative == "" {
		cumulative = b.text + delta
	}
	if len(cumulative) < len(b.text) {
		// stale frame overtaken by a longer one
		return false
	}
	b.text = cumulative
	if section != "" {
		b.section = section
	}
	b.wordCount = CountWords(cumulative)
	b.chunks++
	return true
}

// Complete seals the buffer with the final text.
func (b *Buffer) Complete(final string) {
	if b.phase == PhaseIdle {
		b.startedAt = b.now()
	}
	b.phase = PhaseSealed
	b.text = final
	b.wordCount = CountWords(final)
	b.sealedAt = b.now()
}

// Reset returns the buffer to Idle, dropping all buffered state.
func (b *Buffer) Reset() {
	*b = Buffer{now: b.now}
}

func (b *Buffer) Phase() Phase { return b.phase }

func (b *Buffer) Snapshot() Snapshot {
	return Snapshot{
		Phase:     b.phase,
		Active:    b.phase == PhaseActive,
		Text:      b.text,
		Section:   b.section,
		WordCount: b.wordCount,
		Request:   b.request,
		StartedAt: b.startedAt,
		SealedAt:  b.sealedAt,
		Chunks:    b.chunks,
	}
}

// CountWords tokenizes on whitespace.
func CountWords(s string) int {
	return len(strings.Fields(s))
}
