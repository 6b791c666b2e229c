package session

import (
	"context"
	"errors"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Result is the outcome of one processed frame.
type Result struct {
	Seq    uint64
	Tracks []TrackInfo
	Err    error
}

// RunnerStats counts frames through the mailbox.
type RunnerStats struct {
	Submitted uint64 `json:"submitted"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Runner feeds frames from any number of producers into one Engine worker.
//
// Frames go into a single-slot mailbox: a newer frame replaces one that was
// not consumed yet, which is counted as a drop. Producers never block and
// nothing queues up behind a slow detector.
type Runner struct {
	engine   *Engine
	onResult func(Result)

	mu     sync.Mutex
	cond   *sync.Cond
	frame  *types.Frame // nil = consumed
	closed bool
	seq    uint64
	stats  RunnerStats

	done chan struct{}
}

// NewRunner creates a Runner. onResult, if set, is called from the worker
// goroutine after each frame.
func NewRunner(engine *Engine, onResult func(Result)) *Runner {
	r := &Runner{
		engine:   engine,
		onResult: onResult,
		done:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start launches the worker. It stops when ctx is done or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			r.close()
		case <-r.done:
		}
	}()
	go r.loop(ctx)
}

// Submit hands a frame to the worker without blocking. It reports false once
// the runner is stopped.
func (r *Runner) Submit(frame types.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.seq++
	if frame.Seq == 0 {
		frame.Seq = r.seq
	}
	r.stats.Submitted++
	if r.frame != nil {
		r.stats.Dropped++
	}
	r.frame = &frame
	r.cond.Signal()
	return true
}

// Stop closes the mailbox, lets the frame in progress finish and waits for
// the worker to exit. A frame still waiting in the mailbox is dropped.
// Stop must only be called after Start.
func (r *Runner) Stop() {
	r.close()
	<-r.done
}

// Stats returns a snapshot of the counters.
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runner) close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		if r.frame != nil {
			r.stats.Dropped++
			r.frame = nil
		}
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Runner) next() *types.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.frame == nil && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return nil
	}
	f := r.frame
	r.frame = nil
	return f
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	for {
		f := r.next()
		if f == nil {
			return
		}

		tracks, err := r.engine.ProcessFrame(ctx, *f)

		r.mu.Lock()
		switch {
		case errors.Is(err, ErrStaleFrame):
			r.stats.Dropped++
		case err != nil:
			r.stats.Failed++
		default:
			r.stats.Processed++
		}
		r.mu.Unlock()

		if r.onResult != nil {
			r.onResult(Result{Seq: f.Seq, Tracks: tracks, Err: err})
		}
	}
}
