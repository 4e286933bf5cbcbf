package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dshills/deepthink-go/pipeline/client"
	"github.com/dshills/deepthink-go/pipeline/emit"
	"github.com/dshills/deepthink-go/pipeline/fanout"
	"github.com/dshills/deepthink-go/pipeline/model"
	"github.com/dshills/deepthink-go/pipeline/tool"
)

// request builds the upstream request for a stage prompt.
func (p *Pipeline) request(run *Run, prompt string) model.Request {
	return model.Request{
		Model:       p.modelID,
		Messages:    run.messages(prompt),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
}

// callStage executes one non-streaming stage with checkpoint semantics:
// a stage whose artifact already exists is skipped verbatim; a stage that
// still needs to run first checks the budget and halts with a checkpoint
// pointing at itself when the budget is spent.
//
// The prompt is built lazily so skipped stages pay nothing.
func (p *Pipeline) callStage(ctx context.Context, run *Run, b *Budget, em emit.Emitter, stage StageID, prompt func() string) (string, error) {
	if text, done := run.Artifact(stage); done {
		return text, nil
	}
	if b.Exceeded() {
		return "", halt(run, stage)
	}

	p.emit(run, em, emit.TypeLayerStart, stage, nil)
	start := time.Now()

	text, err := p.client.Call(ctx, p.request(run, prompt()))
	if err != nil {
		p.metrics.ObserveStage(stage, time.Since(start), "error")
		return "", stageErr(stage, err)
	}

	dur := time.Since(start)
	p.metrics.ObserveStage(stage, dur, "success")
	run.SetArtifact(stage, text)
	p.emit(run, em, emit.TypeLayerArtifact, stage, map[string]interface{}{"text": text})
	p.emit(run, em, emit.TypeLayerComplete, stage, map[string]interface{}{"duration_ms": dur.Milliseconds()})
	p.auditStage(run, stage, text, dur)
	return text, nil
}

// streamStage executes one streaming stage, emitting a layer-chunk per
// arriving chunk and checking the budget inside the stream loop. A run out
// of budget mid-stream keeps its partial text as the stage artifact rather
// than discarding work; the budget halt then lands on the next stage.
func (p *Pipeline) streamStage(ctx context.Context, run *Run, b *Budget, em emit.Emitter, stage StageID, prompt func() string) (string, error) {
	if text, done := run.Artifact(stage); done {
		return text, nil
	}
	if b.Exceeded() {
		return "", halt(run, stage)
	}

	p.emit(run, em, emit.TypeLayerStart, stage, nil)
	start := time.Now()

	text, err := p.client.Stream(ctx, p.request(run, prompt()), func(chunk string) error {
		p.emit(run, em, emit.TypeLayerChunk, stage, map[string]interface{}{"text": chunk})
		if b.Exceeded() {
			return client.ErrStopStream
		}
		return nil
	})
	if err != nil {
		p.metrics.ObserveStage(stage, time.Since(start), "error")
		return "", stageErr(stage, err)
	}

	dur := time.Since(start)
	p.metrics.ObserveStage(stage, dur, "success")
	run.SetArtifact(stage, text)
	p.emit(run, em, emit.TypeLayerComplete, stage, map[string]interface{}{"duration_ms": dur.Milliseconds()})
	p.auditStage(run, stage, text, dur)
	return text, nil
}

// classify routes the run: one structured call whose output selects the
// pipeline mode and may request web context. Malformed output falls back to
// the default classification rather than failing the run.
func (p *Pipeline) classify(ctx context.Context, run *Run, em emit.Emitter) error {
	start := time.Now()
	text, err := p.client.Call(ctx, p.request(run, classifyPrompt(run.Input)))
	if err != nil {
		p.metrics.ObserveStage(StageClassify, time.Since(start), "error")
		return stageErr(StageClassify, err)
	}
	p.metrics.ObserveStage(StageClassify, time.Since(start), "success")

	cls := ParseClassification(text)
	run.Mode = cls.ModeFor()
	run.SetArtifact(StageClassify, text)

	p.emit(run, em, emit.TypeClassification, StageClassify, map[string]interface{}{
		"complexity":   cls.Complexity,
		"domains":      cls.Domains,
		"needs_search": cls.NeedsSearch,
	})
	p.emit(run, em, emit.TypeModeSelected, "", map[string]interface{}{
		"mode": string(run.Mode), "source": "classification",
	})
	p.auditStage(run, StageClassify, text, time.Since(start))

	if cls.NeedsSearch {
		p.gatherSearch(ctx, run, em)
	}
	return nil
}

// gatherSearch fetches web context once per run. The searcher never raises;
// an empty result set simply leaves SearchContext blank. Escalation and
// resume reuse the gathered context instead of re-fetching.
func (p *Pipeline) gatherSearch(ctx context.Context, run *Run, em emit.Emitter) {
	if run.SearchContext != "" {
		return
	}
	results := p.search.Search(ctx, run.Input, 5)
	if len(results) == 0 {
		return
	}
	run.SearchContext = tool.FormatContext(results)

	sources := make([]interface{}, 0, len(results))
	for _, r := range results {
		sources = append(sources, map[string]interface{}{"title": r.Title, "url": r.URL})
	}
	p.emit(run, em, emit.TypeStageData, "", map[string]interface{}{"sources": sources})
}

// analyzeImages enriches context with image descriptions. Vision is an
// optional, skippable step: failures degrade to no description.
func (p *Pipeline) analyzeImages(ctx context.Context, run *Run, em emit.Emitter) {
	if len(run.Images) == 0 {
		return
	}
	analyzed := 0
	for _, ref := range run.Images {
		desc := p.vision.Analyze(ctx, ref, "Describe this image as context for answering a question about it.")
		if desc == "" {
			continue
		}
		analyzed++
		run.Context += "\nImage context: " + desc
	}
	if analyzed > 0 {
		p.emit(run, em, emit.TypeStageData, "", map[string]interface{}{"images_analyzed": analyzed})
	}
}

// illustrate generates an optional image for a completed answer. Like image
// analysis it is skippable: an unconfigured or failing backend produces no
// event and the run completes normally.
func (p *Pipeline) illustrate(ctx context.Context, run *Run, em emit.Emitter, answer string) {
	if !run.Illustrate {
		return
	}
	ref := p.vision.Generate(ctx, illustratePrompt(run.Input, answer))
	if ref == "" {
		return
	}
	p.emit(run, em, emit.TypeStageData, "", map[string]interface{}{"generated_image": ref})
}

// runInstant answers directly with one streamed call, emitting final chunks
// as they arrive.
func (p *Pipeline) runInstant(ctx context.Context, run *Run, b *Budget, em emit.Emitter) error {
	p.emit(run, em, emit.TypeFinalStart, "", nil)
	start := time.Now()

	text, err := p.client.Stream(ctx, p.request(run, instantPrompt(run.Input)), func(chunk string) error {
		p.emit(run, em, emit.TypeFinalChunk, "", map[string]interface{}{"text": chunk})
		if b.Exceeded() {
			return client.ErrStopStream
		}
		return nil
	})
	if err != nil {
		p.metrics.ObserveStage(StageInstant, time.Since(start), "error")
		return stageErr(StageInstant, err)
	}

	dur := time.Since(start)
	p.metrics.ObserveStage(StageInstant, dur, "success")
	run.SetArtifact(StageInstant, text)
	p.auditStage(run, StageInstant, text, dur)
	p.illustrate(ctx, run, em, text)
	p.emit(run, em, emit.TypeFinalComplete, "", map[string]interface{}{
		"text": text, "mode": string(run.Mode),
	})
	return nil
}

// runDeep executes the deep branch: decompose, solve, critique, refine,
// confidence gate. Stages whose artifacts already exist (from a checkpoint)
// are skipped; the gate may escalate into the ultra branch.
func (p *Pipeline) runDeep(ctx context.Context, run *Run, b *Budget, em emit.Emitter) error {
	decompText, err := p.callStage(ctx, run, b, em, StageDecompose, func() string {
		return decomposePrompt(run.Input)
	})
	if err != nil {
		return err
	}
	decomp := ParseDecomposition(decompText, run.Input)

	solution, err := p.streamStage(ctx, run, b, em, StageSolve, func() string {
		return solvePrompt(run.Input, decomp)
	})
	if err != nil {
		return err
	}

	critText, err := p.callStage(ctx, run, b, em, StageCritique, func() string {
		return critiquePrompt(run.Input, solution)
	})
	if err != nil {
		return err
	}
	crit := ParseCritique(critText)

	refined, err := p.streamStage(ctx, run, b, em, StageRefine, func() string {
		return refinePrompt(run.Input, solution, crit)
	})
	if err != nil {
		return err
	}

	confText, err := p.callStage(ctx, run, b, em, StageConfidence, func() string {
		return confidencePrompt(run.Input, refined)
	})
	if err != nil {
		return err
	}
	conf := ParseConfidence(confText)

	if ShouldEscalate(conf, crit) {
		p.metrics.IncEscalation()
		p.emit(run, em, emit.TypeEscalation, "", map[string]interface{}{
			"confidence":     conf.Score,
			"missing_angles": crit.MissingAngles,
		})
		// The ultra branch reuses the same input, conversation context, and
		// search context already gathered.
		run.Mode = ModeUltra
		return p.runUltra(ctx, run, b, em)
	}

	p.emitFinal(ctx, run, em, refined)
	return nil
}

// runUltra executes the ultra branch: deep decomposition, three-perspective
// solver fan-out, skeptic review, verification, synthesis, meta-critique
// with at most one re-synthesis, and a final confidence assessment.
func (p *Pipeline) runUltra(ctx context.Context, run *Run, b *Budget, em emit.Emitter) error {
	decompText, err := p.callStage(ctx, run, b, em, StageUltraDecompose, func() string {
		return ultraDecomposePrompt(run.Input)
	})
	if err != nil {
		return err
	}
	decomp := ParseDecomposition(decompText, run.Input)

	solutions, err := p.parallelSolve(ctx, run, b, em, decomp)
	if err != nil {
		return err
	}

	skeptic, err := p.streamStage(ctx, run, b, em, StageSkeptic, func() string {
		return skepticPrompt(run.Input, solutions)
	})
	if err != nil {
		return err
	}

	verText, err := p.callStage(ctx, run, b, em, StageVerify, func() string {
		return verifyPrompt(run.Input, solutions, skeptic)
	})
	if err != nil {
		return err
	}
	ver := ParseVerification(verText)

	answer, err := p.streamStage(ctx, run, b, em, StageSynthesize, func() string {
		return synthesizePrompt(run.Input, solutions, skeptic, ver)
	})
	if err != nil {
		return err
	}

	metaText, err := p.callStage(ctx, run, b, em, StageMetaCritique, func() string {
		return metaCritiquePrompt(run.Input, answer)
	})
	if err != nil {
		return err
	}
	meta := ParseMetaCritique(metaText)

	// At most one re-synthesis pass; a second incomplete verdict does not
	// loop, and no second escalation can occur after it.
	if !meta.Complete {
		answer, err = p.streamStage(ctx, run, b, em, StageResynthesize, func() string {
			return resynthesizePrompt(run.Input, answer, meta.Gaps)
		})
		if err != nil {
			return err
		}
	}

	confText, err := p.callStage(ctx, run, b, em, StageFinalConfidence, func() string {
		return confidencePrompt(run.Input, answer)
	})
	if err != nil {
		return err
	}
	conf := ParseConfidence(confText)
	p.emit(run, em, emit.TypeStageData, StageFinalConfidence, map[string]interface{}{
		"confidence": conf.Score,
	})

	p.emitFinal(ctx, run, em, answer)
	return nil
}

// parallelSolve fans the problem out to three perspective solvers and fans
// their results back in. Partial failure degrades to placeholders; only a
// total failure is fatal. A total failure caused by budget expiry converts
// to a checkpoint halt so the fan-out is retried on the next invocation.
func (p *Pipeline) parallelSolve(ctx context.Context, run *Run, b *Budget, em emit.Emitter, decomp Decomposition) ([]string, error) {
	if text, done := run.Artifact(StageParallelSolve); done {
		return decodeSolutions(text), nil
	}
	if b.Exceeded() {
		return nil, halt(run, StageParallelSolve)
	}

	tasks := make([]fanout.Task, 0, len(solverPerspectives))
	ids := make([]string, 0, len(solverPerspectives))
	for _, sp := range solverPerspectives {
		tasks = append(tasks, fanout.Task{
			ID:      sp.ID,
			Request: p.request(run, perspectivePrompt(run.Input, decomp, sp.Frame)),
		})
		ids = append(ids, sp.ID)
	}
	p.emit(run, em, emit.TypeParallelStart, StageParallelSolve, map[string]interface{}{"tasks": ids})
	start := time.Now()

	// The fan-out runs inside the remaining budget so a slow upstream
	// cannot push the invocation past its hard cutoff.
	fanCtx, cancel := context.WithTimeout(ctx, b.Remaining())
	defer cancel()

	results, err := p.exec.RunParallel(fanCtx, tasks)
	if err != nil {
		p.metrics.ObserveStage(StageParallelSolve, time.Since(start), "error")
		if errors.Is(err, fanout.ErrAllTasksFailed) && b.Exceeded() {
			return nil, halt(run, StageParallelSolve)
		}
		return nil, stageErr(StageParallelSolve, err)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			p.metrics.IncFanoutFailure(r.TaskID)
		}
	}
	if failed > 0 {
		p.emit(run, em, emit.TypeStageData, StageParallelSolve, map[string]interface{}{
			"warning": "partial solver failure", "failed": failed,
		})
	}

	solutions := fanout.Texts(results)
	encoded, merr := json.Marshal(solutions)
	if merr != nil {
		return nil, stageErr(StageParallelSolve, merr)
	}

	dur := time.Since(start)
	p.metrics.ObserveStage(StageParallelSolve, dur, "success")
	run.SetArtifact(StageParallelSolve, string(encoded))
	p.emit(run, em, emit.TypeLayerComplete, StageParallelSolve, map[string]interface{}{
		"duration_ms": dur.Milliseconds(), "succeeded": len(results) - failed,
	})
	p.auditStage(run, StageParallelSolve, string(encoded), dur)
	return solutions, nil
}

// decodeSolutions restores fan-out results from a checkpoint artifact. A
// malformed artifact degrades to a single placeholder entry; the synthesis
// stages still need to run, so resume never silently skips them.
func decodeSolutions(encoded string) []string {
	var out []string
	if err := json.Unmarshal([]byte(encoded), &out); err != nil || len(out) == 0 {
		return []string{"[solver output unavailable]"}
	}
	return out
}
