package activity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	t time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time { return c.t }

func (c *stepClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTimeline_UpsertMergesSingleRecord(t *testing.T) {
	clk := newStepClock()
	tl := NewTimeline(clk.Now)

	_, err := tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusInProgress})
	require.NoError(t, err)

	clk.Advance(3 * time.Second)
	view, err := tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusCompleted, Output: "done"})
	require.NoError(t, err)

	require.Len(t, view.Records, 1)
	rec := view.Records[0]
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "done", rec.Output)
	require.NotNil(t, rec.EndedAt)
	assert.Equal(t, clk.Now(), *rec.EndedAt)
	assert.Equal(t, 1, view.CompletedCount)
	assert.Equal(t, 1, view.TotalCount)
	assert.Equal(t, 1.0, view.Progress)
}

func TestTimeline_RepeatedUpsertIsIdempotent(t *testing.T) {
	tl := NewTimeline(newStepClock().Now)

	for i := 0; i < 4; i++ {
		_, err := tl.Upsert(Update{Actor: "planner", Stage: "plan", Status: StatusInProgress})
		require.NoError(t, err)
	}

	view, ok := tl.Current()
	require.True(t, ok)
	assert.Len(t, view.Records, 1)
}

func TestTimeline_DetailNeverErased(t *testing.T) {
	tl := NewTimeline(newStepClock().Now)

	tl.Upsert(Update{Actor: "reviewer", Stage: "review", Status: StatusInProgress, Input: "draft v1", Aux: map[string]any{"score": 7}})
	tl.Upsert(Update{Actor: "reviewer", Stage: "review", Status: StatusInProgress, Output: "looks fine"})
	view, err := tl.Upsert(Update{Actor: "reviewer", Stage: "review", Status: StatusCompleted})
	require.NoError(t, err)

	rec := view.Records[0]
	assert.Equal(t, "draft v1", rec.Input)
	assert.Equal(t, "looks fine", rec.Output)
	assert.Equal(t, map[string]any{"score": 7}, rec.Aux)
}

func TestTimeline_TerminalStatusIsFinal(t *testing.T) {
	clk := newStepClock()
	tl := NewTimeline(clk.Now)

	tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusCompleted})
	first, _ := tl.Current()
	endedAt := *first.Records[0].EndedAt

	clk.Advance(time.Minute)
	view, err := tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusInProgress, Output: "late"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	rec := view.Records[0]
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "late", rec.Output)
	assert.Equal(t, endedAt, *rec.EndedAt)

	_, err = tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusError})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTimeline_ProgressAcrossRecords(t *testing.T) {
	tl := NewTimeline(newStepClock().Now)

	tl.Upsert(Update{Actor: "orchestrator", Stage: "analyze", Status: StatusCompleted})
	tl.Upsert(Update{Actor: "planner", Stage: "plan", Status: StatusInProgress})
	tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusPending})
	view, _ := tl.Upsert(Update{Actor: "reviewer", Stage: "review", Status: StatusError, Error: "timeout"})

	assert.Equal(t, 4, view.TotalCount)
	assert.Equal(t, 1, view.CompletedCount)
	assert.InDelta(t, 0.25, view.Progress, 1e-9)
	assert.Equal(t, []Key{
		{"orchestrator", "analyze"}, {"planner", "plan"}, {"writer", "draft"}, {"reviewer", "review"},
	}, keys(view))
}

func TestTimeline_EmptyRunProgressIsZero(t *testing.T) {
	var v RunView
	assert.Zero(t, v.Progress)

	tl := NewTimeline(nil)
	_, ok := tl.Current()
	assert.False(t, ok)
}

func TestTimeline_FinalizeComputesElapsed(t *testing.T) {
	clk := newStepClock()
	tl := NewTimeline(clk.Now)

	tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusInProgress})
	clk.Advance(2500 * time.Millisecond)

	view, ok := tl.Finalize()
	require.True(t, ok)
	assert.True(t, view.Sealed)
	require.NotNil(t, view.ElapsedSeconds)
	assert.InDelta(t, 2.5, *view.ElapsedSeconds, 1e-9)

	_, live := tl.Current()
	assert.False(t, live)

	last, ok := tl.Last()
	require.True(t, ok)
	assert.Equal(t, view.ID, last.ID)
}

func TestTimeline_FinalizeClampsClockSkew(t *testing.T) {
	clk := newStepClock()
	tl := NewTimeline(clk.Now)

	tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusInProgress})
	clk.Advance(-10 * time.Second)

	view, ok := tl.Finalize()
	require.True(t, ok)
	require.NotNil(t, view.ElapsedSeconds)
	assert.Zero(t, *view.ElapsedSeconds)
	assert.True(t, view.EndedAt.Before(view.StartedAt))
}

func TestTimeline_FinalizeWithoutRun(t *testing.T) {
	tl := NewTimeline(nil)
	_, ok := tl.Finalize()
	assert.False(t, ok)
}

func TestTimeline_UpsertAfterFinalizeStartsNewRun(t *testing.T) {
	tl := NewTimeline(newStepClock().Now)

	first, _ := tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusCompleted})
	tl.Finalize()

	second, err := tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusInProgress})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StatusInProgress, second.Records[0].Status)

	last, _ := tl.Last()
	assert.Equal(t, StatusCompleted, last.Records[0].Status)
}

func TestTimeline_LastRunIsImmutable(t *testing.T) {
	tl := NewTimeline(newStepClock().Now)
	tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusCompleted, Aux: map[string]any{"k": "v"}})
	tl.Finalize()

	last, _ := tl.Last()
	last.Records[0].Aux["k"] = "mutated"
	last.Records[0].Status = StatusError

	again, _ := tl.Last()
	assert.Equal(t, "v", again.Records[0].Aux["k"])
	assert.Equal(t, StatusCompleted, again.Records[0].Status)
}

func TestTimeline_FailMarksOpenRecords(t *testing.T) {
	tl := NewTimeline(newStepClock().Now)
	tl.Upsert(Update{Actor: "planner", Stage: "plan", Status: StatusCompleted})
	tl.Upsert(Update{Actor: "writer", Stage: "draft", Status: StatusInProgress})

	view, ok := tl.Fail("provider unavailable")
	require.True(t, ok)
	assert.True(t, view.Failed)
	assert.True(t, view.Sealed)
	assert.Equal(t, StatusCompleted, view.Records[0].Status)
	assert.Equal(t, StatusError, view.Records[1].Status)
	assert.Equal(t, "provider unavailable", view.Records[1].Error)
	assert.NotNil(t, view.Records[1].EndedAt)
}

func TestTimeline_DiscardAndClear(t *testing.T) {
	tl := NewTimeline(nil)
	tl.Upsert(Update{Actor: "a", Stage: "b", Status: StatusCompleted})
	tl.Finalize()
	tl.Upsert(Update{Actor: "a", Stage: "c"})

	tl.Discard()
	_, live := tl.Current()
	assert.False(t, live)
	_, hasLast := tl.Last()
	assert.True(t, hasLast)

	tl.Clear()
	_, hasLast = tl.Last()
	assert.False(t, hasLast)
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("in_progress")
	assert.True(t, ok)
	assert.Equal(t, StatusInProgress, s)

	s, ok = ParseStatus("failed")
	assert.True(t, ok)
	assert.Equal(t, StatusError, s)

	s, ok = ParseStatus("bogus")
	assert.False(t, ok)
	assert.Equal(t, StatusPending, s)
}

func keys(v RunView) []Key {
	out := make([]Key, 0, len(v.Records))
	for _, r := range v.Records {
		out = append(out, r.Key())
	}
	return out
}
