package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/provisioner/internal/pipeline"
	"github.com/agentworkforce/provisioner/internal/resolve"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestJournalRecordsRun(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	j.Log(pipeline.LogEntry{RunID: "run-1", Timestamp: start, Level: pipeline.LevelInfo, Message: "run started with 2 variant(s)"})
	j.Event(pipeline.Event{RunID: "run-1", Variant: "a", Stage: pipeline.StageValidateOptions, StageIndex: 0, Status: pipeline.StatusRunning, Timestamp: start})
	j.Event(pipeline.Event{RunID: "run-1", Variant: "a", Stage: pipeline.StageValidateOptions, StageIndex: 0, Status: pipeline.StatusCompleted, Detail: "2 option(s)", Timestamp: start.Add(time.Second)})
	j.Log(pipeline.LogEntry{RunID: "run-1", Timestamp: start.Add(2 * time.Second), Level: pipeline.LevelError, Message: "stage failed", Variant: "b"})
	require.NoError(t, j.Err())

	record := pipeline.RunRecord{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Summary:    pipeline.Summary{Completed: 1, Failed: 1},
		Variants: []pipeline.VariantResult{
			{Variant: "a", Status: pipeline.StatusCompleted, CollectionID: "dsAAAAAAAA1", Created: 3, Reused: 2},
			{
				Variant:     "b",
				Status:      pipeline.StatusFailed,
				FailedStage: pipeline.StageValidateScope,
				ErrorKind:   resolve.KindScope,
				Error:       "ScopeError: collection DS_B: no organisational units in scope",
			},
		},
	}
	require.NoError(t, j.RecordRun(ctx, record))

	run, err := j.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, record.Summary, run.Summary)
	assert.True(t, run.StartedAt.Equal(start))
	assert.True(t, run.FinishedAt.Equal(start.Add(time.Minute)))
	assert.Equal(t, record.Variants, run.Variants)

	require.Len(t, run.Events, 2)
	assert.Equal(t, pipeline.StatusRunning, run.Events[0].Status)
	assert.Equal(t, "2 option(s)", run.Events[1].Detail)
	require.Len(t, run.Log, 2)
	assert.Equal(t, "b", run.Log[1].Variant)
	assert.Equal(t, pipeline.LevelError, run.Log[1].Level)
}

func TestJournalRunsNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, j.RecordRun(ctx, pipeline.RunRecord{
			RunID:     id,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Summary:   pipeline.Summary{Completed: i},
		}))
	}

	runs, err := j.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-3", runs[0].RunID)
	assert.Equal(t, 2, runs[0].Summary.Completed)

	limited, err := j.Runs(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestJournalRecordRunIsRepeatable(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	record := pipeline.RunRecord{
		RunID:    "run-1",
		Summary:  pipeline.Summary{Failed: 1},
		Variants: []pipeline.VariantResult{{Variant: "a", Status: pipeline.StatusFailed}},
	}
	require.NoError(t, j.RecordRun(ctx, record))
	record.Summary = pipeline.Summary{Completed: 1}
	record.Variants[0].Status = pipeline.StatusCompleted
	require.NoError(t, j.RecordRun(ctx, record))

	run, err := j.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.Summary.Completed)
	require.Len(t, run.Variants, 1)
	assert.Equal(t, pipeline.StatusCompleted, run.Variants[0].Status)
}

func TestJournalUnknownRun(t *testing.T) {
	j := openTestJournal(t)
	_, err := j.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestJournalKeepsFirstWriteError(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.Close())

	j.Event(pipeline.Event{RunID: "run-1", Timestamp: time.Now()})
	j.Log(pipeline.LogEntry{RunID: "run-1", Timestamp: time.Now()})
	assert.Error(t, j.Err())
}

var (
	_ pipeline.Sink        = (*Journal)(nil)
	_ pipeline.RunRecorder = (*Journal)(nil)
)
