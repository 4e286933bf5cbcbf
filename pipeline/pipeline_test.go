package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/deepthink-go/pipeline/client"
	"github.com/dshills/deepthink-go/pipeline/credpool"
	"github.com/dshills/deepthink-go/pipeline/emit"
	"github.com/dshills/deepthink-go/pipeline/fanout"
	"github.com/dshills/deepthink-go/pipeline/model"
)

// capture records every emitted event for assertion.
type capture struct {
	mu     sync.Mutex
	events []emit.Event
}

func (c *capture) Emit(event emit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capture) byType(typ emit.Type) []emit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emit.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *capture) count(typ emit.Type) int { return len(c.byType(typ)) }

func testPipeline(mock *model.MockCompleter, opts ...Option) *Pipeline {
	pool := credpool.New([]string{"k"})
	c := client.New(pool, func(string) model.Completer { return mock }, client.Options{})
	exec := fanout.New(c, fanout.Options{
		Stagger:        time.Millisecond,
		PerTaskTimeout: 5 * time.Second,
	})
	base := []Option{WithModel("test-model", 512, 0), WithFanout(exec)}
	return New(c, append(base, opts...)...)
}

func TestDeepBranchHappyPath(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			`{"complexity":"medium"}`,
			`{"subproblems":["part one","part two"],"approach":"split"}`,
			"draft solution",
			`{"issues":["too terse"],"missing_angles":[],"strengths":["correct"]}`,
			"refined solution",
			`{"score":85}`,
		},
	}
	p := testPipeline(mock)
	events := &capture{}

	if err := p.Execute(context.Background(), Request{Input: "question"}, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := mock.CallCount(); got != 6 {
		t.Errorf("call count = %d, want 6", got)
	}
	if events.count(emit.TypeClassification) != 1 {
		t.Error("missing classification event")
	}
	if events.count(emit.TypeEscalation) != 0 {
		t.Error("confident deep run must not escalate")
	}

	finals := events.byType(emit.TypeFinalComplete)
	if len(finals) != 1 {
		t.Fatalf("final-complete count = %d, want exactly 1", len(finals))
	}
	if finals[0].Data["text"] != "refined solution" {
		t.Errorf("final text = %q", finals[0].Data["text"])
	}
	if events.count(emit.TypeCheckpoint) != 0 || events.count(emit.TypeError) != 0 {
		t.Error("a successful run must emit exactly one terminal event")
	}
}

func TestEventSequenceIsStrictlyIncreasing(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			`{"complexity":"medium"}`,
			`{"subproblems":["a"]}`,
			"solution",
			`{"issues":[],"missing_angles":[]}`,
			"refined",
			`{"score":80}`,
		},
	}
	p := testPipeline(mock)
	events := &capture{}

	if err := p.Execute(context.Background(), Request{Input: "q"}, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	last := 0
	for _, e := range events.events {
		if e.Seq <= last {
			t.Fatalf("seq %d after %d: ordering violated", e.Seq, last)
		}
		last = e.Seq
	}
}

func TestDeepEscalatesToUltra(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			`{"complexity":"medium"}`,
			`{"subproblems":["a"]}`,
			"draft",
			`{"issues":[],"missing_angles":[]}`,
			"refined",
			`{"score":65}`, // below threshold: escalate
			`{"subproblems":["x","y"],"approach":"thorough"}`,
			"perspective solution", // three parallel solvers share this
			"perspective solution",
			"perspective solution",
			"skeptical review",
			`{"consistent":true,"concerns":[]}`,
			"synthesized answer",
			`{"complete":true}`,
			`{"score":90}`,
		},
	}
	p := testPipeline(mock)
	events := &capture{}

	if err := p.Execute(context.Background(), Request{Input: "hard question"}, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if events.count(emit.TypeEscalation) != 1 {
		t.Fatal("expected exactly one escalation event")
	}
	if events.count(emit.TypeParallelStart) != 1 {
		t.Error("ultra branch must announce its fan-out")
	}

	finals := events.byType(emit.TypeFinalComplete)
	if len(finals) != 1 {
		t.Fatalf("final-complete count = %d", len(finals))
	}
	if finals[0].Data["text"] != "synthesized answer" {
		t.Errorf("final text = %q", finals[0].Data["text"])
	}
	if got := mock.CallCount(); got != 15 {
		t.Errorf("call count = %d, want 15", got)
	}
}

func TestUltraResynthesizesOnce(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			`{"subproblems":["x"]}`,
			"sol", "sol", "sol",
			"review",
			`{"consistent":true}`,
			"first answer",
			`{"complete":false,"gaps":["missing caveats"]}`,
			"second answer",
			`{"score":90}`,
		},
	}
	p := testPipeline(mock)
	events := &capture{}

	if err := p.Execute(context.Background(), Request{Input: "q", Mode: ModeUltra}, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	finals := events.byType(emit.TypeFinalComplete)
	if len(finals) != 1 {
		t.Fatalf("final-complete count = %d", len(finals))
	}
	// Exactly one re-synthesis pass, its output becomes the answer.
	if finals[0].Data["text"] != "second answer" {
		t.Errorf("final text = %q", finals[0].Data["text"])
	}
	if got := mock.CallCount(); got != 10 {
		t.Errorf("call count = %d, want 10", got)
	}
}

func TestInstantMode(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			`{"complexity":"simple"}`,
			"Hello world",
		},
		StreamChunks: [][]string{
			nil,
			{"Hello ", "world"},
		},
	}
	p := testPipeline(mock)
	events := &capture{}

	if err := p.Execute(context.Background(), Request{Input: "hi"}, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := events.count(emit.TypeFinalChunk); got != 2 {
		t.Errorf("final-chunk count = %d, want 2", got)
	}
	finals := events.byType(emit.TypeFinalComplete)
	if len(finals) != 1 || finals[0].Data["text"] != "Hello world" {
		t.Fatalf("final events wrong: %+v", finals)
	}
	if got := mock.CallCount(); got != 2 {
		t.Errorf("call count = %d, want 2", got)
	}
}

func TestModeOverrideSkipsClassification(t *testing.T) {
	mock := &model.MockCompleter{Responses: []string{"direct answer"}}
	p := testPipeline(mock)
	events := &capture{}

	if err := p.Execute(context.Background(), Request{Input: "q", Mode: ModeInstant}, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if events.count(emit.TypeClassification) != 0 {
		t.Error("override must skip the classification call")
	}
	if got := mock.CallCount(); got != 1 {
		t.Errorf("call count = %d, want 1", got)
	}
	selected := events.byType(emit.TypeModeSelected)
	if len(selected) != 1 || selected[0].Data["source"] != "override" {
		t.Errorf("mode-selected event wrong: %+v", selected)
	}
}

// fakeVision answers vision calls with canned results.
type fakeVision struct {
	mu          sync.Mutex
	description string
	imageRef    string
	lastPrompt  string
}

func (f *fakeVision) Analyze(_ context.Context, _ string, _ string) string {
	return f.description
}

func (f *fakeVision) Generate(_ context.Context, prompt string) string {
	f.mu.Lock()
	f.lastPrompt = prompt
	f.mu.Unlock()
	return f.imageRef
}

func TestIllustrationAccompaniesFinalAnswer(t *testing.T) {
	mock := &model.MockCompleter{Responses: []string{"direct answer"}}
	vision := &fakeVision{imageRef: "https://images.example/out.png"}
	p := testPipeline(mock, WithVision(vision))
	events := &capture{}

	req := Request{Input: "q", Mode: ModeInstant, Illustrate: true}
	if err := p.Execute(context.Background(), req, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var ref interface{}
	for _, e := range events.byType(emit.TypeStageData) {
		if v, ok := e.Data["generated_image"]; ok {
			ref = v
		}
	}
	if ref != "https://images.example/out.png" {
		t.Errorf("generated_image = %v, want the vision backend's URL", ref)
	}
	if !strings.Contains(vision.lastPrompt, "direct answer") {
		t.Errorf("generation prompt must include the answer, got %q", vision.lastPrompt)
	}
	if events.count(emit.TypeFinalComplete) != 1 {
		t.Error("illustrated run must still end with exactly one final-complete")
	}
}

func TestIllustrationSkippedWithoutBackend(t *testing.T) {
	mock := &model.MockCompleter{Responses: []string{"direct answer"}}
	p := testPipeline(mock)
	events := &capture{}

	req := Request{Input: "q", Mode: ModeInstant, Illustrate: true}
	if err := p.Execute(context.Background(), req, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for _, e := range events.byType(emit.TypeStageData) {
		if _, ok := e.Data["generated_image"]; ok {
			t.Error("no image event expected when generation is unavailable")
		}
	}
	if events.count(emit.TypeFinalComplete) != 1 {
		t.Error("run must complete normally without a vision backend")
	}
}

func TestMalformedDecompositionContinuesWithDefault(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			`{"complexity":"medium"}`,
			"THIS IS NOT JSON",
			"solution",
			`{"issues":[],"missing_angles":[]}`,
			"refined",
			`{"score":80}`,
		},
	}
	p := testPipeline(mock)
	events := &capture{}

	if err := p.Execute(context.Background(), Request{Input: "the question"}, events); err != nil {
		t.Fatalf("malformed upstream output must never be fatal: %v", err)
	}

	if events.count(emit.TypeFinalComplete) != 1 {
		t.Fatal("run must complete")
	}
	// The solve prompt was built from the default decomposition, which
	// carries the input as the single subproblem.
	solveReq := mock.Calls[2]
	prompt := solveReq.Messages[len(solveReq.Messages)-1].Content
	if !strings.Contains(prompt, "- the question") {
		t.Errorf("solve prompt must use the default decomposition, got:\n%s", prompt)
	}
}

func TestBudgetExceededProducesCheckpoint(t *testing.T) {
	mock := &model.MockCompleter{}
	p := testPipeline(mock, WithTimeBudget(time.Nanosecond))
	events := &capture{}

	err := p.Execute(context.Background(), Request{Input: "q", Mode: ModeDeep}, events)
	if err != nil {
		t.Fatalf("a budget halt is not an error: %v", err)
	}

	if got := mock.CallCount(); got != 0 {
		t.Errorf("no upstream call should happen with a spent budget, got %d", got)
	}
	cps := events.byType(emit.TypeCheckpoint)
	if len(cps) != 1 {
		t.Fatalf("checkpoint count = %d, want 1", len(cps))
	}
	if cps[0].Data["resume_stage"] != string(StageDecompose) {
		t.Errorf("resume_stage = %v", cps[0].Data["resume_stage"])
	}
	if cps[0].Data["kind"] != string(KindDeep) {
		t.Errorf("kind = %v", cps[0].Data["kind"])
	}
	if events.count(emit.TypeFinalComplete) != 0 || events.count(emit.TypeError) != 0 {
		t.Error("checkpoint must be the run's only terminal event")
	}

	// The payload itself must decode and validate.
	payload, _ := cps[0].Data["checkpoint"].(string)
	if _, err := UnmarshalCheckpoint([]byte(payload)); err != nil {
		t.Errorf("emitted checkpoint does not round-trip: %v", err)
	}
}

func TestSequenceNeverRepeatsAcrossResume(t *testing.T) {
	halted := testPipeline(&model.MockCompleter{}, WithTimeBudget(time.Nanosecond))
	first := &capture{}

	if err := halted.Execute(context.Background(), Request{Input: "q", Mode: ModeDeep}, first); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	cps := first.byType(emit.TypeCheckpoint)
	if len(cps) != 1 {
		t.Fatalf("checkpoint count = %d, want 1", len(cps))
	}

	// The payload's counter includes the checkpoint event's own number.
	payload, _ := cps[0].Data["checkpoint"].(string)
	cp, err := UnmarshalCheckpoint([]byte(payload))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cp.Seq != cps[0].Seq {
		t.Fatalf("payload seq = %d, checkpoint event seq = %d", cp.Seq, cps[0].Seq)
	}

	mock := &model.MockCompleter{
		Responses: []string{
			`{"subproblems":["a"]}`,
			"solution",
			`{"issues":[],"missing_angles":[]}`,
			"refined",
			`{"score":80}`,
		},
	}
	resumed := testPipeline(mock)
	second := &capture{}
	if err := resumed.Execute(context.Background(), Request{Checkpoint: &cp}, second); err != nil {
		t.Fatalf("resume: %v", err)
	}

	for _, e := range second.events {
		if e.Seq <= cps[0].Seq {
			t.Fatalf("resumed event seq %d (%s) collides with first invocation (last seq %d)",
				e.Seq, e.Type, cps[0].Seq)
		}
	}
}

func TestResumeFromRefinerSkipsCompletedStages(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			"resumed refined answer",
			`{"score":95}`,
		},
	}
	p := testPipeline(mock)
	events := &capture{}

	cp := Checkpoint{
		Kind:        KindDeep,
		ResumeStage: StageRefine,
		RunID:       "run-resume",
		Input:       "original question",
		Mode:        ModeDeep,
		Artifacts: map[string]string{
			string(StageDecompose): `{"subproblems":["a"]}`,
			string(StageSolve):     "prior solution",
			string(StageCritique):  `{"issues":["gap in reasoning"],"missing_angles":[]}`,
		},
		Seq: 20,
	}
	if err := p.Execute(context.Background(), Request{Checkpoint: &cp}, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Decompose, solve, and critique must not be re-invoked: artifact
	// values are taken verbatim from the checkpoint.
	if got := mock.CallCount(); got != 2 {
		t.Fatalf("call count = %d, want 2 (refine + confidence)", got)
	}
	if events.count(emit.TypeClassification) != 0 {
		t.Error("resume must never re-classify")
	}

	// The refine prompt is built from checkpointed artifacts.
	refinePrompt := mock.Calls[0].Messages[len(mock.Calls[0].Messages)-1].Content
	if !strings.Contains(refinePrompt, "prior solution") || !strings.Contains(refinePrompt, "gap in reasoning") {
		t.Errorf("refine prompt must use checkpointed artifacts, got:\n%s", refinePrompt)
	}

	finals := events.byType(emit.TypeFinalComplete)
	if len(finals) != 1 || finals[0].Data["text"] != "resumed refined answer" {
		t.Fatalf("final events wrong: %+v", finals)
	}
	if finals[0].RunID != "run-resume" {
		t.Errorf("run identity must survive resume, got %q", finals[0].RunID)
	}
	if finals[0].Seq <= 20 {
		t.Errorf("sequence must continue past the checkpoint, got %d", finals[0].Seq)
	}
}

func TestResumeUltraSynthPhase(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			"synthesized from checkpoint",
			`{"complete":true}`,
			`{"score":88}`,
		},
	}
	p := testPipeline(mock)
	events := &capture{}

	cp := Checkpoint{
		Kind:        KindUltraSynth,
		ResumeStage: StageSynthesize,
		RunID:       "run-ultra",
		Input:       "q",
		Mode:        ModeUltra,
		Artifacts: map[string]string{
			string(StageUltraDecompose): `{"subproblems":["x"]}`,
			string(StageParallelSolve):  `["sol a","sol b","sol c"]`,
			string(StageSkeptic):        "review",
			string(StageVerify):         `{"consistent":true}`,
		},
	}
	if err := p.Execute(context.Background(), Request{Checkpoint: &cp}, events); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := mock.CallCount(); got != 3 {
		t.Fatalf("call count = %d, want 3 (synthesize + meta + confidence)", got)
	}
	if events.count(emit.TypeParallelStart) != 0 {
		t.Error("resume past the fan-out must not re-run it")
	}
	finals := events.byType(emit.TypeFinalComplete)
	if len(finals) != 1 || finals[0].Data["text"] != "synthesized from checkpoint" {
		t.Fatalf("final events wrong: %+v", finals)
	}
}

func TestFatalUpstreamErrorEmitsSingleErrorEvent(t *testing.T) {
	mock := &model.MockCompleter{
		Errs: []error{&model.ProviderError{StatusCode: 401, Type: "authentication_error", Message: "bad key"}},
	}
	p := testPipeline(mock)
	events := &capture{}

	err := p.Execute(context.Background(), Request{Input: "q"}, events)
	if err == nil {
		t.Fatal("expected an error")
	}

	if got := events.count(emit.TypeError); got != 1 {
		t.Fatalf("error event count = %d, want exactly 1", got)
	}
	if events.count(emit.TypeFinalComplete) != 0 {
		t.Error("a failed run must not also emit a final answer")
	}
}

func TestEmptyInputRejected(t *testing.T) {
	p := testPipeline(&model.MockCompleter{})
	events := &capture{}

	err := p.Execute(context.Background(), Request{}, events)
	if err == nil {
		t.Fatal("expected ErrEmptyInput")
	}
	if events.count(emit.TypeError) != 1 {
		t.Error("rejection must still produce a terminal error event")
	}
}

func TestInvalidCheckpointRejected(t *testing.T) {
	p := testPipeline(&model.MockCompleter{})
	events := &capture{}

	cp := Checkpoint{Kind: "bogus", ResumeStage: StageRefine, Input: "q"}
	err := p.Execute(context.Background(), Request{Checkpoint: &cp}, events)
	if err == nil {
		t.Fatal("expected ErrBadCheckpoint")
	}
	if events.count(emit.TypeError) != 1 {
		t.Error("rejection must still produce a terminal error event")
	}
}
