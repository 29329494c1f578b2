package pipeline

import (
	"time"

	"github.com/agentworkforce/provisioner/internal/resolve"
)

type Stage string

const (
	StageValidateOptions      Stage = "validate-options"
	StageValidateGroupings    Stage = "validate-groupings"
	StageValidateCombinations Stage = "validate-combinations"
	StageCreateItems          Stage = "create-measurable-items"
	StageValidateScope        Stage = "validate-organizational-scope"
	StageConfigureAccess      Stage = "configure-access"
	StageBuildPayload         Stage = "build-payload"
	StageSubmitCollection     Stage = "submit-collection"
	StageFinalize             Stage = "finalize"
)

// Stages is the fixed order every variant runs through.
var Stages = []Stage{
	StageValidateOptions,
	StageValidateGroupings,
	StageValidateCombinations,
	StageCreateItems,
	StageValidateScope,
	StageConfigureAccess,
	StageBuildPayload,
	StageSubmitCollection,
	StageFinalize,
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event reports one stage transition of one variant.
type Event struct {
	RunID      string    `json:"runId"`
	Stage      Stage     `json:"stage"`
	StageIndex int       `json:"stageIndex"`
	Variant    string    `json:"variant"`
	Status     Status    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// LogEntry is one line of the run log. Variant is empty for run-wide
// entries.
type LogEntry struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Variant   string    `json:"variant,omitempty"`
}

type StepKey struct {
	Variant    string
	StageIndex int
}

type StepResult struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type VariantResult struct {
	Variant      string              `json:"variant"`
	Status       Status              `json:"status"`
	FailedStage  Stage               `json:"failedStage,omitempty"`
	ErrorKind    resolve.Kind        `json:"errorKind,omitempty"`
	Err          error               `json:"-"`
	Error        string              `json:"error,omitempty"`
	CollectionID string              `json:"collectionId,omitempty"`
	Resolved     []*resolve.Resolved `json:"-"`
	Created      int                 `json:"created"`
	Reused       int                 `json:"reused"`
	Fallback     int                 `json:"fallback"`
}

type Summary struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type Result struct {
	RunID      string                 `json:"runId"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt"`
	Cancelled  bool                   `json:"cancelled,omitempty"`
	Variants   []VariantResult        `json:"variants"`
	Steps      map[StepKey]StepResult `json:"-"`
	Log        []LogEntry             `json:"-"`
	Summary    Summary                `json:"summary"`
}

// Variant returns the result for key.
func (r *Result) Variant(key string) (VariantResult, bool) {
	for _, v := range r.Variants {
		if v.Variant == key {
			return v, true
		}
	}
	return VariantResult{}, false
}

func (r *Result) Step(variant string, stage Stage) StepResult {
	for i, s := range Stages {
		if s == stage {
			return r.Steps[StepKey{Variant: variant, StageIndex: i}]
		}
	}
	return StepResult{}
}
