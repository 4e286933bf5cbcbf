// Package pipeline implements a resumable, multi-stage reasoning pipeline:
// a fixed-topology state machine that sequences LLM-backed stages under a
// wall-clock time budget, checkpointing and yielding when the budget is
// exceeded so execution can span multiple time-boxed invocations.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects which stage sequence a run executes.
type Mode string

const (
	// ModeAuto lets the classification stage pick the mode.
	ModeAuto Mode = ""

	// ModeInstant answers directly with a single streamed call.
	ModeInstant Mode = "instant"

	// ModeDeep runs decompose, solve, critique, refine, and a confidence
	// gate that may escalate to ModeUltra.
	ModeDeep Mode = "deep"

	// ModeUltra runs deep decomposition, a three-solver fan-out, skeptic
	// review, verification, synthesis, and meta-critique.
	ModeUltra Mode = "ultra"
)

// StageID names one unit of work in a pipeline mode's fixed stage sequence.
// Stage IDs double as artifact map keys and checkpoint resume cursors.
type StageID string

const (
	StageClassify StageID = "classify"
	StageInstant  StageID = "instant"

	// Deep branch.
	StageDecompose  StageID = "decompose"
	StageSolve      StageID = "solver"
	StageCritique   StageID = "critique"
	StageRefine     StageID = "refiner"
	StageConfidence StageID = "confidence"

	// Ultra branch.
	StageUltraDecompose  StageID = "ultra-decompose"
	StageParallelSolve   StageID = "parallel-solve"
	StageSkeptic         StageID = "skeptic"
	StageVerify          StageID = "verify"
	StageSynthesize      StageID = "synthesize"
	StageMetaCritique    StageID = "meta-critique"
	StageResynthesize    StageID = "resynthesize"
	StageFinalConfidence StageID = "final-confidence"
)

// deepOrder fixes the deep branch's stage sequence. The topology is known
// in advance and not user-defined; checkpoint validation indexes into it.
var deepOrder = []StageID{
	StageDecompose, StageSolve, StageCritique, StageRefine, StageConfidence,
}

// Run is the in-memory state of one reasoning request. It is exclusively
// owned by the state machine for the duration of one invocation; resumption
// state travels in the checkpoint payload, never in a shared store.
type Run struct {
	// ID identifies the run across invocations.
	ID string

	// Input is the original request text.
	Input string

	// Context is accumulated conversation context supplied by the caller.
	Context string

	// Images are optional image references analyzed by the vision tool.
	Images []string

	// Illustrate requests a generated illustration of the final answer.
	Illustrate bool

	// Mode is the routing decision made by classification (or an override).
	Mode Mode

	// Artifacts maps stage ID to that stage's serialized result. A stage
	// present here is complete and is never re-executed.
	Artifacts map[string]string

	// SearchContext is web context gathered once after classification and
	// reused across branches (escalation does not re-fetch it).
	SearchContext string

	// StartedAt is the wall-clock start of the current invocation.
	StartedAt time.Time

	seq int
}

// NewRun creates a fresh run for the given input.
func NewRun(input, convContext string) *Run {
	return &Run{
		ID:        newRunID(),
		Input:     input,
		Context:   convContext,
		Artifacts: make(map[string]string),
		StartedAt: time.Now(),
	}
}

// NextSeq returns the next monotonic log-sequence number for this run's
// event stream. Strictly increasing within a run.
func (r *Run) NextSeq() int {
	r.seq++
	return r.seq
}

// Artifact returns the stored artifact for a stage, with presence.
func (r *Run) Artifact(stage StageID) (string, bool) {
	v, ok := r.Artifacts[string(stage)]
	return v, ok
}

// SetArtifact records a stage's completed result.
func (r *Run) SetArtifact(stage StageID, value string) {
	r.Artifacts[string(stage)] = value
}

// newRunID is separated for tests that need deterministic IDs.
var newRunID = uuid.NewString
