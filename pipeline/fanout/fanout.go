// Package fanout runs N independent stage calls concurrently with partial
// failure tolerance, producing a capped result set collected by task
// identity rather than arrival order.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dshills/deepthink-go/pipeline/client"
	"github.com/dshills/deepthink-go/pipeline/model"
)

// ErrAllTasksFailed is returned when every task in a fan-out fails; no
// plausible degraded result exists, so the stage is fatal.
var ErrAllTasksFailed = errors.New("all parallel tasks failed")

// TruncationMarker is appended to results exceeding the length cap.
const TruncationMarker = "\n[... output truncated]"

// Task is one unit of fan-out work. Each task executes the resilient
// client's stream form independently; its status is terminal once it
// completes or fails and it is never re-run within the same fan-out.
type Task struct {
	// ID identifies the task in the result set (e.g. "solver-a").
	ID string

	// Request is the upstream call this task performs.
	Request model.Request
}

// Result is the settled outcome of one task.
type Result struct {
	// TaskID matches the Task that produced this result.
	TaskID string

	// Text is the (possibly truncated) output. Empty when the task failed.
	Text string

	// Err is the task failure, nil on success.
	Err error

	// TimedOut marks a task cancelled by its per-task timeout.
	TimedOut bool

	// Truncated marks a result cut at the length cap.
	Truncated bool
}

// Options configures the executor. Zero values select the noted defaults.
type Options struct {
	// PerTaskTimeout is the hard timeout per task, independent of the
	// underlying client's retry timeouts. Default 120s.
	PerTaskTimeout time.Duration

	// Stagger offsets successive task starts to avoid simultaneous
	// connection bursts against the same upstream. Default 500ms.
	Stagger time.Duration

	// MaxResultRunes caps each result's length, bounding memory pressure
	// on the downstream consumer. Default 6000.
	MaxResultRunes int

	// MaxConcurrent bounds concurrently running tasks. Default 4.
	MaxConcurrent int64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PerTaskTimeout <= 0 {
		out.PerTaskTimeout = 120 * time.Second
	}
	if out.Stagger <= 0 {
		out.Stagger = 500 * time.Millisecond
	}
	if out.MaxResultRunes <= 0 {
		out.MaxResultRunes = 6000
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 4
	}
	return out
}

// Executor fans out tasks over the resilient client and fans results back in.
type Executor struct {
	client *client.Client
	opts   Options
}

// New creates an Executor over the given resilient client.
func New(c *client.Client, opts Options) *Executor {
	return &Executor{client: c, opts: opts.withDefaults()}
}

// RunParallel executes all tasks concurrently and resolves only after every
// task has settled. It never fails fast on the first error.
//
// Results are positionally aligned with tasks. If some tasks fail their
// results carry Err and an empty Text; callers use Texts to substitute
// placeholder strings so downstream stages degrade gracefully. Only when
// every task fails does RunParallel return ErrAllTasksFailed.
//
// A task's per-task timeout cancels its logical unit of work; the underlying
// request may continue unobserved, and the executor does not wait on it.
func (e *Executor) RunParallel(ctx context.Context, tasks []Task) ([]Result, error) {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	sem := semaphore.NewWeighted(e.opts.MaxConcurrent)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t Task) {
			defer wg.Done()
			results[idx] = e.runTask(ctx, t, time.Duration(idx)*e.opts.Stagger, sem)
		}(i, task)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed == len(results) {
		return results, ErrAllTasksFailed
	}
	return results, nil
}

// runTask executes one task under its own hard timeout.
func (e *Executor) runTask(ctx context.Context, task Task, delay time.Duration, sem *semaphore.Weighted) Result {
	result := Result{TaskID: task.ID}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = ctx.Err()
			return result
		case <-timer.C:
		}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		result.Err = err
		return result
	}
	defer sem.Release(1)

	taskCtx, cancel := context.WithTimeout(ctx, e.opts.PerTaskTimeout)
	defer cancel()

	text, err := e.client.Stream(taskCtx, task.Request, nil)
	if err != nil {
		result.Err = err
		result.TimedOut = errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		return result
	}
	if text == "" {
		result.Err = errors.New("task produced no output")
		return result
	}

	result.Text, result.Truncated = capResult(text, e.opts.MaxResultRunes)
	return result
}

// Texts flattens results into per-task strings, substituting a placeholder
// for each failed task so downstream consumers keep positional alignment.
func Texts(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		if r.Err != nil {
			out[i] = Placeholder(r)
			continue
		}
		out[i] = r.Text
	}
	return out
}

// Placeholder renders the stand-in string for a failed task.
func Placeholder(r Result) string {
	if r.TimedOut {
		return fmt.Sprintf("[%s unavailable: timed out]", r.TaskID)
	}
	return fmt.Sprintf("[%s unavailable: failed]", r.TaskID)
}

// capResult truncates text to maxRunes, appending the truncation marker.
func capResult(text string, maxRunes int) (string, bool) {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text, false
	}
	return string(runes[:maxRunes]) + TruncationMarker, true
}
