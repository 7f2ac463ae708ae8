package state

import (
	"time"
)

// SchemaVersion is stamped on every snapshot handed to observers.
const SchemaVersion = 1

// RunStatus is the overall status of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
	RunAborted   RunStatus = "Aborted"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunAborted
}

// StageStatus is the status of a single stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "Pending"
	StageRunning   StageStatus = "Running"
	StageSucceeded StageStatus = "Succeeded"
	StageFailed    StageStatus = "Failed"
	StageSkipped   StageStatus = "Skipped"
	StageTimedOut  StageStatus = "TimedOut"
)

// Failed is true for Failed and TimedOut.
func (s StageStatus) Failed() bool {
	return s == StageFailed || s == StageTimedOut
}

// Done reports whether the stage reached a final status.
func (s StageStatus) Done() bool {
	return s != StagePending && s != StageRunning
}

// StepStatus mirrors the executor outcome of one step.
type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepRunning   StepStatus = "Running"
	StepSucceeded StepStatus = "Succeeded"
	StepFailed    StepStatus = "Failed"
	StepTimedOut  StepStatus = "TimedOut"
	StepAborted   StepStatus = "Aborted"
)

// ErrorKind classifies the error that terminated a stage or run.
type ErrorKind string

const (
	KindStepFailed     ErrorKind = "StepFailed"
	KindStepTimedOut   ErrorKind = "StepTimedOut"
	KindLaunchError    ErrorKind = "LaunchError"
	KindAgentLost      ErrorKind = "AgentLost"
	KindAcquireTimeout ErrorKind = "AcquireTimeout"
	KindAborted        ErrorKind = "Aborted"
	KindInterrupted    ErrorKind = "Interrupted"
)

// ErrorInfo is the user visible form of a failure. It never carries a raw
// process error, only its kind and message.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind" cbor:"kind"`
	Stage   string    `json:"stage,omitempty" cbor:"stage,omitempty"`
	Step    string    `json:"step,omitempty" cbor:"step,omitempty"`
	Message string    `json:"message" cbor:"message"`
}

// StepRecord is the outcome of one step of a stage.
type StepRecord struct {
	Name      string     `json:"name" cbor:"name"`
	Status    StepStatus `json:"status" cbor:"status"`
	ExitCode  int        `json:"exitCode" cbor:"exitCode"`
	Attempts  int        `json:"attempts" cbor:"attempts"`
	StartedAt time.Time  `json:"startedAt,omitempty" cbor:"startedAt,omitempty"`
	EndedAt   time.Time  `json:"endedAt,omitempty" cbor:"endedAt,omitempty"`
	Error     string     `json:"error,omitempty" cbor:"error,omitempty"`
}

// StageResult is the recorded state of one stage.
type StageResult struct {
	Name        string       `json:"name" cbor:"name"`
	Unit        int          `json:"unit" cbor:"unit"`
	Parallel    bool         `json:"parallel,omitempty" cbor:"parallel,omitempty"`
	Status      StageStatus  `json:"status" cbor:"status"`
	StartedAt   time.Time    `json:"startedAt,omitempty" cbor:"startedAt,omitempty"`
	EndedAt     time.Time    `json:"endedAt,omitempty" cbor:"endedAt,omitempty"`
	Agent       string       `json:"agent,omitempty" cbor:"agent,omitempty"`
	ExitCode    int          `json:"exitCode" cbor:"exitCode"`
	Output      string       `json:"output,omitempty" cbor:"output,omitempty"`
	OutputBytes int64        `json:"outputBytes" cbor:"outputBytes"`
	OutputHash  string       `json:"outputHash,omitempty" cbor:"outputHash,omitempty"`
	Steps       []StepRecord `json:"steps,omitempty" cbor:"steps,omitempty"`
	SkipReason  string       `json:"skipReason,omitempty" cbor:"skipReason,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty" cbor:"error,omitempty"`
}

// Duration is zero until the stage has both timestamps.
func (s StageResult) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// PostCondition selects when a post-action runs.
type PostCondition string

const (
	PostAlways  PostCondition = "always"
	PostSuccess PostCondition = "success"
	PostFailure PostCondition = "failure"
	PostAborted PostCondition = "aborted"
)

// PostStatus is the outcome of a post-action.
type PostStatus string

const (
	PostSucceeded PostStatus = "Succeeded"
	PostFailed    PostStatus = "Failed"
	PostSkipped   PostStatus = "Skipped"
)

// PostActionResult records one post-action hook. Scope is a stage name, or
// empty for pipeline level hooks.
type PostActionResult struct {
	Scope     string        `json:"scope,omitempty" cbor:"scope,omitempty"`
	Condition PostCondition `json:"condition" cbor:"condition"`
	Status    PostStatus    `json:"status" cbor:"status"`
	Steps     []StepRecord  `json:"steps,omitempty" cbor:"steps,omitempty"`
	At        time.Time     `json:"at" cbor:"at"`
	Error     string        `json:"error,omitempty" cbor:"error,omitempty"`
}

// Run is a point in time snapshot of one pipeline run.
type Run struct {
	SchemaVersion int                `json:"schemaVersion" cbor:"schemaVersion"`
	ID            string             `json:"id" cbor:"id"`
	Pipeline      string             `json:"pipeline" cbor:"pipeline"`
	Parameters    map[string]string  `json:"parameters,omitempty" cbor:"parameters,omitempty"`
	Status        RunStatus          `json:"status" cbor:"status"`
	CreatedAt     time.Time          `json:"createdAt" cbor:"createdAt"`
	StartedAt     time.Time          `json:"startedAt,omitempty" cbor:"startedAt,omitempty"`
	EndedAt       time.Time          `json:"endedAt,omitempty" cbor:"endedAt,omitempty"`
	Stages        []StageResult      `json:"stages" cbor:"stages"`
	Post          []PostActionResult `json:"post,omitempty" cbor:"post,omitempty"`
	Error         *ErrorInfo         `json:"error,omitempty" cbor:"error,omitempty"`
}

// Stage returns the result for name and whether it exists.
func (r *Run) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Summary is the listing form of a run.
type Summary struct {
	ID        string    `json:"id"`
	Pipeline  string    `json:"pipeline"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with the
// store.
func (r *Run) Clone() Run {
	out := *r
	if r.Parameters != nil {
		out.Parameters = make(map[string]string, len(r.Parameters))
		for k, v := range r.Parameters {
			out.Parameters[k] = v
		}
	}
	out.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		out.Stages[i] = s.clone()
	}
	if r.Post != nil {
		out.Post = make([]PostActionResult, len(r.Post))
		for i, p := range r.Post {
			p.Steps = append([]StepRecord(nil), p.Steps...)
			out.Post[i] = p
		}
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

func (s StageResult) clone() StageResult {
	s.Steps = append([]StepRecord(nil), s.Steps...)
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}
