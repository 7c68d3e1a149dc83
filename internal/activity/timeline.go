// Package activity tracks the stages of a multi-agent processing run as a
// keyed, upsert-based timeline with derived progress and timing.
package activity

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

var ErrInvalidTransition = errors.New("invalid activity status transition")

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCompleted, StatusError},
	StatusInProgress: {StatusCompleted, StatusError},
}

// CanTransition reports whether a record may move from one status to another.
// Repeating the current status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ParseStatus maps a wire status onto a Status. Unknown values are reported
// as not ok.
func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusError:
		return Status(raw), true
	case "running", "started":
		return StatusInProgress, true
	case "failed":
		return StatusError, true
	default:
		return StatusPending, false
	}
}

type Key struct {
	Actor string
	Stage string
}

type Record struct {
	Actor     string
	Stage     string
	Status    Status
	StartedAt time.Time
	EndedAt   *time.Time
	Input     string
	Output    string
	Error     string
	Aux       map[string]any
}

func (r Record) Key() Key { return Key{Actor: r.Actor, Stage: r.Stage} }

// Update is one upsert request. Empty fields never erase recorded detail.
type Update struct {
	Actor  string
	Stage  string
	Status Status
	Input  string
	Output string
	Error  string
	Aux    map[string]any
}

// RunView is an immutable copy of a run with derived progress.
type RunView struct {
	ID             string
	Records        []Record
	StartedAt      time.Time
	EndedAt        *time.Time
	ElapsedSeconds *float64
	Sealed         bool
	Failed         bool
	CompletedCount int
	TotalCount     int
	Progress       float64
}

type run struct {
	id        string
	records   []*Record
	index     map[Key]*Record
	startedAt time.Time
	endedAt   *time.Time
	elapsed   *float64
	sealed    bool
	failed    bool
}

// Timeline holds the live run and the most recently finalized one. It is not
// safe for concurrent use; the state store serializes access.
type Timeline struct {
	live *run
	last *RunView
	now  func() time.Time
}

func NewTimeline(now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{now: now}
}

// Upsert creates or merges the record keyed by (Actor, Stage), starting a
// new run if none is live. A status change that would leave a terminal state
// or move backwards is rejected with ErrInvalidTransition, but the detail
// fields are still merged.
func (t *Timeline) Upsert(u Update) (RunView, error) {
	if t.live == nil {
		t.live = &run{
			id:        uuid.NewString(),
			index:     make(map[Key]*Record),
			startedAt: t.now(),
		}
	}
	if u.Status == "" {
		u.Status = StatusPending
	}

	key := Key{Actor: u.Actor, Stage: u.Stage}
	rec, ok := t.live.index[key]
	if !ok {
		rec = &Record{
			Actor:     u.Actor,
			Stage:     u.Stage,
			Status:    u.Status,
			StartedAt: t.now(),
			Input:     u.Input,
		}
		mergeDetail(rec, u)
		if rec.Status.Terminal() {
			ended := t.now()
			rec.EndedAt = &ended
		}
		t.live.records = append(t.live.records, rec)
		t.live.index[key] = rec
		return t.live.view(), nil
	}

	mergeDetail(rec, u)
	if rec.Input == "" && u.Input != "" {
		rec.Input = u.Input
	}

	var err error
	if CanTransition(rec.Status, u.Status) {
		if u.Status.Terminal() && rec.EndedAt == nil {
			ended := t.now()
			rec.EndedAt = &ended
		}
		rec.Status = u.Status
	} else {
		err = fmt.Errorf("%w: %s/%s %s -> %s", ErrInvalidTransition, u.Actor, u.Stage, rec.Status, u.Status)
	}
	return t.live.view(), err
}

func mergeDetail(rec *Record, u Update) {
	if u.Output != "" {
		rec.Output = u.Output
	}
	if u.Error != "" {
		rec.Error = u.Error
	}
	if len(u.Aux) > 0 {
		if rec.Aux == nil {
			rec.Aux = make(map[string]any, len(u.Aux))
		}
		maps.Copy(rec.Aux, u.Aux)
	}
}

// Finalize seals the live run, computes its elapsed time and moves it to the
// last-run slot. It reports false when no run is live.
func (t *Timeline) Finalize() (RunView, bool) {
	if t.live == nil {
		return RunView{}, false
	}
	ended := t.now()
	elapsed := ended.Sub(t.live.startedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	t.live.endedAt = &ended
	t.live.elapsed = &elapsed
	t.live.sealed = true

	view := t.live.view()
	t.last = &view
	t.live = nil
	return view, true
}

// Fail marks every unfinished record as errored with detail, flags the run
// as failed and finalizes it.
func (t *Timeline) Fail(detail string) (RunView, bool) {
	if t.live == nil {
		return RunView{}, false
	}
	for _, rec := range t.live.records {
		if rec.Status.Terminal() {
			continue
		}
		rec.Status = StatusError
		if detail != "" && rec.Error == "" {
			rec.Error = detail
		}
		ended := t.now()
		rec.EndedAt = &ended
	}
	t.live.failed = true
	return t.Finalize()
}

// Discard drops the live run without finalizing it.
func (t *Timeline) Discard() {
	t.live = nil
}

// Clear drops both the live and the last run.
func (t *Timeline) Clear() {
	t.live = nil
	t.last = nil
}

func (t *Timeline) Current() (RunView, bool) {
	if t.live == nil {
		return RunView{}, false
	}
	return t.live.view(), true
}

func (t *Timeline) Last() (RunView, bool) {
	if t.last == nil {
		return RunView{}, false
	}
	return *t.last, true
}

func (r *run) view() RunView {
	v := RunView{
		ID:        r.id,
		Records:   make([]Record, 0, len(r.records)),
		StartedAt: r.startedAt,
		Sealed:    r.sealed,
		Failed:    r.failed,
	}
	if r.endedAt != nil {
		ended := *r.endedAt
		v.EndedAt = &ended
	}
	if r.elapsed != nil {
		elapsed := *r.elapsed
		v.ElapsedSeconds = &elapsed
	}
	for _, rec := range r.records {
		cp := *rec
		if rec.EndedAt != nil {
			ended := *rec.EndedAt
			cp.EndedAt = &ended
		}
		cp.Aux = maps.Clone(rec.Aux)
		v.Records = append(v.Records, cp)
		if rec.Status == StatusCompleted {
			v.CompletedCount++
		}
	}
	v.TotalCount = len(v.Records)
	if v.TotalCount > 0 {
		v.Progress = float64(v.CompletedCount) / float64(v.TotalCount)
	}
	return v
}
