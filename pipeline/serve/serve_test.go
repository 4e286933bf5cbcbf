package serve_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/deepthink-go/pipeline"
	"github.com/dshills/deepthink-go/pipeline/client"
	"github.com/dshills/deepthink-go/pipeline/credpool"
	"github.com/dshills/deepthink-go/pipeline/emit"
	"github.com/dshills/deepthink-go/pipeline/model"
	"github.com/dshills/deepthink-go/pipeline/serve"
)

func newTestServer(t *testing.T, mock *model.MockCompleter, opts ...pipeline.Option) *httptest.Server {
	t.Helper()
	pool := credpool.New([]string{"k"})
	c := client.New(pool, func(string) model.Completer { return mock }, client.Options{})
	base := []pipeline.Option{pipeline.WithModel("test-model", 512, 0)}
	p := pipeline.New(c, append(base, opts...)...)

	srv := httptest.NewServer(serve.NewServer(p, serve.WithKeepalive(50*time.Millisecond)))
	t.Cleanup(srv.Close)
	return srv
}

// readEvents consumes SSE records until the stream closes, returning them
// in arrival order.
func readEvents(t *testing.T, resp *http.Response) []emit.Event {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	var events []emit.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event emit.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func TestServeInstantRun(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			`{"complexity":"simple"}`,
			"the answer",
		},
	}
	srv := newTestServer(t, mock)

	resp, err := http.Post(srv.URL, "application/json",
		strings.NewReader(`{"input":"what is 2+2"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, emit.TypeFinalComplete, last.Type)
	assert.Equal(t, "the answer", last.Data["text"])

	terminal := 0
	for _, e := range events {
		if e.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "stream must carry exactly one terminal event")
}

func TestServeCheckpointThenResume(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			// Resume invocation: refine, then confidence.
			"finished answer",
			`{"score":90}`,
		},
	}

	// First invocation: a spent budget yields a checkpoint immediately.
	haltSrv := newTestServer(t, mock, pipeline.WithTimeBudget(time.Nanosecond))
	resp, err := http.Post(haltSrv.URL, "application/json",
		strings.NewReader(`{"input":"question","mode":"deep"}`))
	require.NoError(t, err)
	events := readEvents(t, resp)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, emit.TypeCheckpoint, last.Type)
	payload, _ := last.Data["checkpoint"].(string)
	require.NotEmpty(t, payload)

	// Hand the checkpoint back with artifacts filled in for the stages
	// that (in a real run) completed before the halt.
	cp, err := pipeline.UnmarshalCheckpoint([]byte(payload))
	require.NoError(t, err)
	cp.ResumeStage = pipeline.StageRefine
	cp.Artifacts = map[string]string{
		string(pipeline.StageDecompose): `{"subproblems":["a"]}`,
		string(pipeline.StageSolve):     "draft",
		string(pipeline.StageCritique):  `{"issues":[],"missing_angles":[]}`,
	}
	cpJSON, err := json.Marshal(cp)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"stage":      "continue_deep",
		"checkpoint": json.RawMessage(cpJSON),
	})
	require.NoError(t, err)

	resumeSrv := newTestServer(t, mock)
	resp, err = http.Post(resumeSrv.URL, "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	events = readEvents(t, resp)
	require.NotEmpty(t, events)

	last = events[len(events)-1]
	assert.Equal(t, emit.TypeFinalComplete, last.Type)
	assert.Equal(t, "finished answer", last.Data["text"])
}

func TestServeObserverSeesEveryEvent(t *testing.T) {
	mock := &model.MockCompleter{
		Responses: []string{
			`{"complexity":"simple"}`,
			"observed answer",
		},
	}
	observer := emit.NewBufferedEmitter()
	pool := credpool.New([]string{"k"})
	c := client.New(pool, func(string) model.Completer { return mock }, client.Options{})
	p := pipeline.New(c, pipeline.WithModel("test-model", 512, 0))

	srv := httptest.NewServer(serve.NewServer(p,
		serve.WithKeepalive(50*time.Millisecond),
		serve.WithObserver(observer),
	))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json",
		strings.NewReader(`{"input":"q"}`))
	require.NoError(t, err)
	events := readEvents(t, resp)
	require.NotEmpty(t, events)

	// The observer receives the same event sequence delivered over SSE.
	runID := events[0].RunID
	history := observer.History(runID)
	require.Len(t, history, len(events))
	for i, e := range events {
		assert.Equal(t, e.Type, history[i].Type)
		assert.Equal(t, e.Seq, history[i].Seq)
	}
	assert.Len(t, observer.HistoryByType(runID, emit.TypeFinalComplete), 1)
}

func TestServeKeepaliveComments(t *testing.T) {
	// A stage that sits idle longer than the keepalive interval.
	slow := &slowCompleter{delay: 200 * time.Millisecond, text: "done"}
	pool := credpool.New([]string{"k"})
	c := client.New(pool, func(string) model.Completer { return slow }, client.Options{})
	p := pipeline.New(c, pipeline.WithModel("m", 512, 0))

	srv := httptest.NewServer(serve.NewServer(p, serve.WithKeepalive(20*time.Millisecond)))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json",
		strings.NewReader(`{"input":"q","mode":"instant"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw := new(strings.Builder)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		raw.WriteString(scanner.Text())
		raw.WriteString("\n")
	}
	assert.Contains(t, raw.String(), ": keepalive")
	assert.Contains(t, raw.String(), "final-complete")
}

func TestServeRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t, &model.MockCompleter{})

	tests := []struct {
		name string
		body string
	}{
		{"empty body object", `{}`},
		{"blank input", `{"input":"   "}`},
		{"unknown stage directive", `{"stage":"restart_deep","checkpoint":{}}`},
		{"resume without checkpoint", `{"stage":"continue_deep"}`},
		{"malformed json", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServeMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &model.MockCompleter{})
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// slowCompleter delays before answering, to force keepalive frames.
type slowCompleter struct {
	delay time.Duration
	text  string
}

func (s *slowCompleter) Complete(ctx context.Context, _ model.Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
		return s.text, nil
	}
}

func (s *slowCompleter) Stream(ctx context.Context, req model.Request) (model.ChunkStream, error) {
	text, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &oneChunk{text: text}, nil
}

type oneChunk struct {
	text string
	done bool
}

func (o *oneChunk) Next(context.Context) (string, error) {
	if o.done {
		return "", io.EOF
	}
	o.done = true
	return o.text, nil
}

func (o *oneChunk) Close() error { return nil }
