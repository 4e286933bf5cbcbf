package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/deepthink-go/pipeline/client"
	"github.com/dshills/deepthink-go/pipeline/emit"
	"github.com/dshills/deepthink-go/pipeline/fanout"
	"github.com/dshills/deepthink-go/pipeline/store"
	"github.com/dshills/deepthink-go/pipeline/tool"
)

// Pipeline is the stage state machine. It owns no per-run state; one
// Pipeline serves many concurrent runs.
type Pipeline struct {
	client  *client.Client
	exec    *fanout.Executor
	audit   store.AuditLog
	search  tool.Searcher
	vision  tool.Vision
	metrics *PrometheusMetrics

	modelID     string
	maxTokens   int64
	temperature float64
	timeBudget  time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFanout sets the executor used for parallel solver stages. Without it
// a default executor over the pipeline's client is created.
func WithFanout(exec *fanout.Executor) Option {
	return func(p *Pipeline) { p.exec = exec }
}

// WithAuditLog enables best-effort stage auditing. Appends are
// fire-and-forget; audit failures never block or fail the pipeline.
func WithAuditLog(audit store.AuditLog) Option {
	return func(p *Pipeline) { p.audit = audit }
}

// WithSearch enables web context gathering when classification requests it.
func WithSearch(s tool.Searcher) Option {
	return func(p *Pipeline) { p.search = s }
}

// WithVision enables image analysis for requests carrying image references.
func WithVision(v tool.Vision) Option {
	return func(p *Pipeline) { p.vision = v }
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithModel sets the upstream model and generation parameters.
func WithModel(modelID string, maxTokens int64, temperature float64) Option {
	return func(p *Pipeline) {
		p.modelID = modelID
		p.maxTokens = maxTokens
		p.temperature = temperature
	}
}

// WithTimeBudget sets the per-invocation wall-clock budget.
func WithTimeBudget(d time.Duration) Option {
	return func(p *Pipeline) { p.timeBudget = d }
}

// New creates a Pipeline over the given resilient client.
func New(c *client.Client, optFns ...Option) *Pipeline {
	p := &Pipeline{
		client:     c,
		search:     tool.NullSearcher{},
		vision:     tool.NullVision{},
		maxTokens:  4096,
		timeBudget: DefaultTimeBudget,
	}
	for _, fn := range optFns {
		fn(p)
	}
	if p.exec == nil {
		p.exec = fanout.New(c, fanout.Options{})
	}
	return p
}

// Request is one inbound invocation: either fresh input starting a run, or
// a checkpoint payload resuming one.
type Request struct {
	// Input is the question to reason about. Required for a fresh start;
	// ignored on resume (the checkpoint carries the original input).
	Input string

	// Context is optional conversation context.
	Context string

	// Images are optional image references for vision analysis.
	Images []string

	// Illustrate requests a generated illustration alongside the final
	// answer. Skipped silently when no vision backend is configured.
	Illustrate bool

	// Mode overrides classification-based routing when set.
	Mode Mode

	// Checkpoint, when non-nil, resumes a prior run instead of starting one.
	Checkpoint *Checkpoint
}

// Execute runs one time-boxed invocation of the pipeline and emits its
// progress to em.
//
// The caller always observes exactly one terminal event: final-complete on
// success, checkpoint when the time budget was exceeded, or error on fatal
// failure. A budget halt is not an error; Execute returns nil for it.
func (p *Pipeline) Execute(ctx context.Context, req Request, em emit.Emitter) error {
	if em == nil {
		em = emit.NullEmitter{}
	}

	run, err := p.prepareRun(req)
	if err != nil {
		// No run identity yet; report against the checkpoint's run if any.
		runID := ""
		if req.Checkpoint != nil {
			runID = req.Checkpoint.RunID
		}
		em.Emit(emit.Event{
			Type:      emit.TypeError,
			RunID:     runID,
			Seq:       1,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"error": err.Error()},
		})
		return err
	}

	p.metrics.RunStarted()
	defer p.metrics.RunFinished()

	budget := NewBudget(p.timeBudget)
	err = p.execute(ctx, run, budget, em, req)
	if err == nil {
		return nil
	}

	var h *haltError
	if errors.As(err, &h) {
		p.metrics.IncCheckpoint(h.cp.Kind)
		// The checkpoint event consumes a sequence number like any other
		// event. The payload snapshots the counter after that reservation
		// so the resumed invocation's numbering continues past it.
		seq := run.NextSeq()
		h.cp.Seq = run.seq
		payload, merr := h.cp.Marshal()
		if merr != nil {
			p.emitError(run, em, merr)
			return merr
		}
		em.Emit(emit.Event{
			Type:      emit.TypeCheckpoint,
			RunID:     run.ID,
			Seq:       seq,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"checkpoint":   string(payload),
				"resume_stage": string(h.cp.ResumeStage),
				"kind":         string(h.cp.Kind),
			},
		})
		return nil
	}

	p.emitError(run, em, err)
	return err
}

// prepareRun builds run state from a start or resume request.
func (p *Pipeline) prepareRun(req Request) (*Run, error) {
	if req.Checkpoint != nil {
		if err := req.Checkpoint.Validate(); err != nil {
			return nil, err
		}
		run := runFromCheckpoint(*req.Checkpoint)
		run.StartedAt = time.Now()
		return run, nil
	}
	if req.Input == "" {
		return nil, ErrEmptyInput
	}
	run := NewRun(req.Input, req.Context)
	run.Images = req.Images
	run.Illustrate = req.Illustrate
	run.Mode = req.Mode
	return run, nil
}

// execute drives the state machine for one invocation.
func (p *Pipeline) execute(ctx context.Context, run *Run, b *Budget, em emit.Emitter, req Request) error {
	if req.Checkpoint != nil {
		return p.resume(ctx, run, b, em, *req.Checkpoint)
	}

	p.analyzeImages(ctx, run, em)

	if run.Mode == ModeAuto {
		if err := p.classify(ctx, run, em); err != nil {
			return err
		}
	} else {
		p.emit(run, em, emit.TypeModeSelected, "", map[string]interface{}{
			"mode": string(run.Mode), "source": "override",
		})
	}

	switch run.Mode {
	case ModeInstant:
		return p.runInstant(ctx, run, b, em)
	case ModeUltra:
		return p.runUltra(ctx, run, b, em)
	default:
		return p.runDeep(ctx, run, b, em)
	}
}

// resume is the single exhaustive dispatch over checkpoint kinds. No stage
// already present in the checkpoint's artifacts is re-executed, and
// classification is never repeated.
func (p *Pipeline) resume(ctx context.Context, run *Run, b *Budget, em emit.Emitter, cp Checkpoint) error {
	switch cp.Kind {
	case KindDeep:
		run.Mode = ModeDeep
		return p.runDeep(ctx, run, b, em)
	case KindUltraSolve, KindUltraSynth:
		run.Mode = ModeUltra
		return p.runUltra(ctx, run, b, em)
	default:
		return ErrBadCheckpoint
	}
}

// emit sends one event with the run's next sequence number.
func (p *Pipeline) emit(run *Run, em emit.Emitter, typ emit.Type, stage StageID, data map[string]interface{}) {
	em.Emit(emit.Event{
		Type:      typ,
		RunID:     run.ID,
		Stage:     string(stage),
		Seq:       run.NextSeq(),
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (p *Pipeline) emitError(run *Run, em emit.Emitter, err error) {
	p.emit(run, em, emit.TypeError, "", map[string]interface{}{"error": err.Error()})
}

// emitFinal streams a completed answer as the run's final event sequence.
// A requested illustration is generated first so it rides the same stream
// ahead of the terminal event.
func (p *Pipeline) emitFinal(ctx context.Context, run *Run, em emit.Emitter, answer string) {
	p.emit(run, em, emit.TypeFinalStart, "", nil)
	p.emit(run, em, emit.TypeFinalChunk, "", map[string]interface{}{"text": answer})
	p.illustrate(ctx, run, em, answer)
	p.emit(run, em, emit.TypeFinalComplete, "", map[string]interface{}{
		"text": answer, "mode": string(run.Mode),
	})
}

// auditStage records a completed stage, fire-and-forget. Audit writes are
// non-critical; they never block or fail the pipeline.
func (p *Pipeline) auditStage(run *Run, stage StageID, artifact string, dur time.Duration) {
	if p.audit == nil {
		return
	}
	rec := store.StageRecord{
		RunID:      run.ID,
		Stage:      string(stage),
		Mode:       string(run.Mode),
		Artifact:   artifact,
		DurationMS: dur.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.audit.Append(ctx, rec)
	}()
}
