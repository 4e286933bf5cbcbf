package pipeline

import (
	"encoding/json"
	"fmt"
)

// CheckpointKind tags which branch and phase a checkpoint belongs to, so
// the resume dispatcher is a single exhaustive match rather than ad hoc
// field-presence checks.
type CheckpointKind string

const (
	// KindDeep resumes the deep branch at one of its five stages.
	KindDeep CheckpointKind = "deep"

	// KindUltraSolve resumes the ultra branch at or before the solver
	// fan-out.
	KindUltraSolve CheckpointKind = "ultra-solve"

	// KindUltraSynth resumes the ultra branch in its synthesis phase,
	// after the fan-out has completed.
	KindUltraSynth CheckpointKind = "ultra-synth"
)

// Checkpoint is the portable resume payload produced when an invocation's
// time budget is exceeded. It carries everything a fresh invocation needs
// to continue: the next unexecuted stage and all artifacts produced so far.
//
// A checkpoint is valid input only for the exact stage sequence it was
// produced from. Replaying one is idempotent with respect to completed
// stages: no stage already present in Artifacts is re-executed.
//
// The pipeline does not persist checkpoints; the caller carries the payload
// forward and re-invokes with it.
type Checkpoint struct {
	// Kind tags the branch/phase this checkpoint resumes.
	Kind CheckpointKind `json:"kind"`

	// ResumeStage is the next unexecuted stage.
	ResumeStage StageID `json:"resume_stage"`

	// RunID carries the original run identity across invocations.
	RunID string `json:"run_id"`

	// Input and Context restore the original request.
	Input   string `json:"input"`
	Context string `json:"context,omitempty"`

	// Images restores optional image references.
	Images []string `json:"images,omitempty"`

	// Illustrate carries forward a pending illustration request.
	Illustrate bool `json:"illustrate,omitempty"`

	// Mode is the routing decision already made; resume never re-classifies.
	Mode Mode `json:"mode"`

	// Artifacts holds every completed stage's serialized result.
	Artifacts map[string]string `json:"artifacts"`

	// SearchContext carries forward web context already gathered, so resume
	// and escalation never re-fetch it.
	SearchContext string `json:"search_context,omitempty"`

	// Seq continues the run's event sequence numbering.
	Seq int `json:"seq"`
}

// Marshal serializes the checkpoint for transport.
func (c Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCheckpoint decodes and validates a resume payload.
func UnmarshalCheckpoint(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	if err := cp.Validate(); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// Validate checks that the resume stage belongs to the checkpoint kind.
func (c Checkpoint) Validate() error {
	if c.Input == "" {
		return fmt.Errorf("%w: missing input", ErrBadCheckpoint)
	}
	stages, ok := kindStages[c.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrBadCheckpoint, c.Kind)
	}
	for _, s := range stages {
		if s == c.ResumeStage {
			return nil
		}
	}
	return fmt.Errorf("%w: stage %q does not belong to kind %q", ErrBadCheckpoint, c.ResumeStage, c.Kind)
}

// kindStages maps each checkpoint kind to the stages it may resume.
var kindStages = map[CheckpointKind][]StageID{
	KindDeep: deepOrder,
	KindUltraSolve: {
		StageUltraDecompose, StageParallelSolve,
	},
	KindUltraSynth: {
		StageSkeptic, StageVerify, StageSynthesize,
		StageMetaCritique, StageResynthesize, StageFinalConfidence,
	},
}

// checkpointKindFor returns the kind tag for a halt before the given stage.
func checkpointKindFor(mode Mode, stage StageID) CheckpointKind {
	if mode == ModeDeep {
		return KindDeep
	}
	switch stage {
	case StageUltraDecompose, StageParallelSolve:
		return KindUltraSolve
	default:
		return KindUltraSynth
	}
}

// newCheckpoint snapshots a run for resumption at the given stage.
func newCheckpoint(run *Run, stage StageID) Checkpoint {
	artifacts := make(map[string]string, len(run.Artifacts))
	for k, v := range run.Artifacts {
		artifacts[k] = v
	}
	return Checkpoint{
		Kind:          checkpointKindFor(run.Mode, stage),
		ResumeStage:   stage,
		RunID:         run.ID,
		Input:         run.Input,
		Context:       run.Context,
		Images:        run.Images,
		Illustrate:    run.Illustrate,
		Mode:          run.Mode,
		Artifacts:     artifacts,
		SearchContext: run.SearchContext,
		Seq:           run.seq,
	}
}

// runFromCheckpoint reconstructs run state from a resume payload.
func runFromCheckpoint(cp Checkpoint) *Run {
	run := &Run{
		ID:            cp.RunID,
		Input:         cp.Input,
		Context:       cp.Context,
		Images:        cp.Images,
		Illustrate:    cp.Illustrate,
		Mode:          cp.Mode,
		Artifacts:     make(map[string]string, len(cp.Artifacts)),
		SearchContext: cp.SearchContext,
		seq:           cp.Seq,
	}
	if run.ID == "" {
		run.ID = newRunID()
	}
	for k, v := range cp.Artifacts {
		run.Artifacts[k] = v
	}
	return run
}

// haltError is the internal control-flow signal for a budget-exceeded halt.
// It is not an error condition; the top-level handler converts it into a
// terminal checkpoint event.
type haltError struct {
	cp Checkpoint
}

func (h *haltError) Error() string {
	return fmt.Sprintf("time budget exceeded; checkpoint at stage %s", h.cp.ResumeStage)
}

// halt produces the budget-exceeded signal carrying a checkpoint for the
// next unexecuted stage.
func halt(run *Run, nextStage StageID) error {
	return &haltError{cp: newCheckpoint(run, nextStage)}
}
