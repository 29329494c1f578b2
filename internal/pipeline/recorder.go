package pipeline

import (
	"context"
	"time"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

// RunRecorder stores run bookkeeping once a run finishes.
type RunRecorder interface {
	RecordRun(ctx context.Context, record RunRecord) error
}

type RunRecord struct {
	RunID      string          `json:"runId"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Cancelled  bool            `json:"cancelled,omitempty"`
	Summary    Summary         `json:"summary"`
	Variants   []VariantResult `json:"variants"`
}

func NewRunRecord(result *Result) RunRecord {
	variants := make([]VariantResult, len(result.Variants))
	copy(variants, result.Variants)
	return RunRecord{
		RunID:      result.RunID,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Cancelled:  result.Cancelled,
		Summary:    result.Summary,
		Variants:   variants,
	}
}

const (
	DefaultRunNamespace = "provisioner-runs"
	lastRunKey          = "last"
)

// DataStoreRecorder keeps one key per run plus a "last" key in the remote
// key-value store.
type DataStoreRecorder struct {
	Store     metadata.DataStore
	Namespace string
}

func (d DataStoreRecorder) RecordRun(ctx context.Context, record RunRecord) error {
	namespace := d.Namespace
	if namespace == "" {
		namespace = DefaultRunNamespace
	}
	if err := d.Store.Put(ctx, namespace, record.RunID, record); err != nil {
		return err
	}
	return d.Store.Put(ctx, namespace, lastRunKey, record)
}

// LastRun reads the record written by the most recent run. A store that has
// never been written returns metadata.ErrNotFound.
func (d DataStoreRecorder) LastRun(ctx context.Context) (RunRecord, error) {
	namespace := d.Namespace
	if namespace == "" {
		namespace = DefaultRunNamespace
	}
	var record RunRecord
	err := d.Store.Get(ctx, namespace, lastRunKey, &record)
	return record, err
}

// MultiRecorder records to every recorder and returns the first error.
type MultiRecorder []RunRecorder

func (m MultiRecorder) RecordRun(ctx context.Context, record RunRecord) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordRun(ctx, record); err != nil && first == nil {
			first = err
		}
	}
	return first
}
