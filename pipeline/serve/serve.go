// Package serve exposes the pipeline over a long-lived HTTP response using
// server-sent events. One POST starts or resumes a run; the response is the
// run's strictly-ordered event stream.
package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/deepthink-go/pipeline"
	"github.com/dshills/deepthink-go/pipeline/emit"
)

// KeepaliveInterval is how often an idle connection receives a comment
// frame, defeating intermediary idle-connection timeouts.
const KeepaliveInterval = 10 * time.Second

// startRequest is the inbound JSON body. A fresh start carries input; a
// resume carries stage "continue_<mode>" plus the checkpoint payload.
type startRequest struct {
	Input      string   `json:"input"`
	Context    string   `json:"context,omitempty"`
	Images     []string `json:"images,omitempty"`
	Illustrate bool     `json:"illustrate,omitempty"`
	Mode       string   `json:"mode,omitempty"`

	Stage      string          `json:"stage,omitempty"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// Server handles pipeline invocations over SSE.
type Server struct {
	pipeline  *pipeline.Pipeline
	keepalive time.Duration
	buffer    int
	observer  emit.Emitter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithKeepalive overrides the keepalive interval (tests use short ones).
func WithKeepalive(d time.Duration) ServerOption {
	return func(s *Server) { s.keepalive = d }
}

// WithEventBuffer sets the event channel buffer size.
func WithEventBuffer(n int) ServerOption {
	return func(s *Server) { s.buffer = n }
}

// WithObserver tees every run's events into an additional emitter (tracing,
// logging) alongside the SSE response. The observer sees events for all runs
// served by this Server and must tolerate concurrent Emit calls.
func WithObserver(observer emit.Emitter) ServerOption {
	return func(s *Server) { s.observer = observer }
}

// NewServer creates a Server over the given pipeline.
func NewServer(p *pipeline.Pipeline, optFns ...ServerOption) *Server {
	s := &Server{pipeline: p, keepalive: KeepaliveInterval, buffer: 256}
	for _, fn := range optFns {
		fn(s)
	}
	return s
}

// ServeHTTP starts or resumes a run and streams its events until the run
// emits its single terminal event. The stream is closed exactly once.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	req, err := buildRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	channel := emit.NewChannel(s.buffer)
	var sink emit.Emitter = channel
	if s.observer != nil {
		sink = emit.Multi(channel, s.observer)
	}
	go func() {
		defer channel.Close()
		_ = s.pipeline.Execute(r.Context(), req, sink)
	}()

	s.stream(w, flusher, r, channel)
}

// buildRequest translates the wire body into a pipeline request.
func buildRequest(body startRequest) (pipeline.Request, error) {
	if body.Stage != "" {
		if !strings.HasPrefix(body.Stage, "continue_") {
			return pipeline.Request{}, fmt.Errorf("unknown stage directive %q", body.Stage)
		}
		if len(body.Checkpoint) == 0 {
			return pipeline.Request{}, fmt.Errorf("stage %q requires a checkpoint", body.Stage)
		}
		cp, err := pipeline.UnmarshalCheckpoint(body.Checkpoint)
		if err != nil {
			return pipeline.Request{}, err
		}
		return pipeline.Request{Checkpoint: &cp}, nil
	}

	if strings.TrimSpace(body.Input) == "" {
		return pipeline.Request{}, fmt.Errorf("input is required")
	}
	return pipeline.Request{
		Input:      body.Input,
		Context:    body.Context,
		Images:     body.Images,
		Illustrate: body.Illustrate,
		Mode:       pipeline.Mode(body.Mode),
	}, nil
}

// stream copies events to the client until the channel drains, interleaving
// keepalive comments on idle connections.
func (s *Server) stream(w http.ResponseWriter, flusher http.Flusher, r *http.Request, channel *emit.Channel) {
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; the pipeline's emits are dropped once the
			// channel closes behind it.
			channel.Close()
			return

		case <-keepalive.C:
			// Comment frame: not part of the typed event set.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case event, ok := <-channel.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				channel.Close()
				return
			}
			flusher.Flush()
			keepalive.Reset(s.keepalive)
		}
	}
}

// writeEvent renders one SSE record.
func writeEvent(w http.ResponseWriter, event emit.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
