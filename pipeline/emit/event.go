// Package emit provides the one-way, append-only notification channel the
// state machine uses to report progress, plus pluggable observability
// emitters (log, buffered, OpenTelemetry).
package emit

import "time"

// Type tags an event with one of the closed set of pipeline event kinds.
// The set is part of the wire protocol consumed by stream clients; new
// kinds are additive only.
type Type string

// The closed event type set.
const (
	// TypeClassification carries the classification stage's structured output.
	TypeClassification Type = "classification"

	// TypeModeSelected reports which pipeline mode the run will execute.
	TypeModeSelected Type = "mode-selected"

	// TypeLayerStart marks a reasoning stage beginning.
	TypeLayerStart Type = "layer-start"

	// TypeLayerChunk carries incremental streamed output from a stage.
	TypeLayerChunk Type = "layer-chunk"

	// TypeLayerArtifact carries a stage's completed artifact.
	TypeLayerArtifact Type = "layer-artifact"

	// TypeLayerComplete marks a reasoning stage finishing.
	TypeLayerComplete Type = "layer-complete"

	// TypeParallelStart marks a fan-out of concurrent solver tasks.
	TypeParallelStart Type = "parallel-start"

	// TypeEscalation reports a transfer from the Deep to the Ultra branch.
	TypeEscalation Type = "escalation"

	// TypeStageData carries auxiliary stage data (search context, warnings).
	TypeStageData Type = "stage-data"

	// TypeCheckpoint is the terminal, non-final event carrying a resume
	// payload when the time budget is exceeded.
	TypeCheckpoint Type = "checkpoint"

	// TypeFinalStart marks the final answer beginning to stream.
	TypeFinalStart Type = "final-start"

	// TypeFinalChunk carries incremental final answer text.
	TypeFinalChunk Type = "final-chunk"

	// TypeFinalComplete marks successful pipeline termination.
	TypeFinalComplete Type = "final-complete"

	// TypeError is the single terminal error event for a failed run.
	TypeError Type = "error"
)

// Event is one record in the strictly-ordered progress stream of a run.
type Event struct {
	// Type is the event kind from the closed set above.
	Type Type `json:"type"`

	// RunID identifies the pipeline run that emitted this event.
	RunID string `json:"run_id"`

	// Stage names the stage this event belongs to. Empty for run-level
	// events (mode selection, final completion, errors).
	Stage string `json:"stage,omitempty"`

	// Seq is the run's monotonic log-sequence number, assigned by the
	// state machine. Strictly increasing within a run.
	Seq int `json:"seq"`

	// Timestamp records when the event was produced.
	Timestamp time.Time `json:"ts"`

	// Data contains event-specific structured payload. Common keys:
	//   "text"       incremental or complete output text
	//   "checkpoint" serialized resume payload (TypeCheckpoint only)
	//   "error"      error description (TypeError only)
	Data map[string]interface{} `json:"data,omitempty"`
}

// Terminal reports whether this event ends the stream for its run. A run
// emits exactly one terminal event: final-complete, checkpoint, or error.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeFinalComplete, TypeCheckpoint, TypeError:
		return true
	default:
		return false
	}
}

// Emitter receives progress events from pipeline execution.
//
// Implementations should be non-blocking, thread-safe, and resilient: a
// slow or failing observability backend must never slow down or crash the
// pipeline. Emit must not panic.
type Emitter interface {
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
