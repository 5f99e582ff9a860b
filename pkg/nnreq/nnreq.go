// Package nnreq drives a single inference request through a fixed number of repetitions,
// either synchronously, or asynchronously through the engine's completion callback.
package nnreq

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/classifier/pkg/nn"
	"github.com/cyclopcam/logs"
)

// Mode selects how Execute submits inference
type Mode string

const (
	ModeSync  Mode = "sync"  // Block on every repetition, one after the other
	ModeAsync Mode = "async" // Submit once, and let the completion callback resubmit
)

var ErrInvalidMode = errors.New(`wrong inference mode is chosen. Please use "sync" or "async" mode`)

// Wrapper owns one inference request for the duration of a batch.
// The request's completion callback and the goroutine blocked in Execute
// share curIter and done, which are guarded by mu.
type Wrapper struct {
	log     logs.Log
	request nn.InferRequest
	id      int
	numIter int

	mu       sync.Mutex
	finished *sync.Cond
	curIter  int
	done     bool
	err      error
	input    nn.Inputs
}

// NewWrapper takes over the completion callback of request.
// numIter values below 1 are treated as 1.
func NewWrapper(log logs.Log, request nn.InferRequest, id int, numIter int) *Wrapper {
	if numIter < 1 {
		numIter = 1
	}
	w := &Wrapper{
		log:     log,
		request: request,
		id:      id,
		numIter: numIter,
	}
	w.finished = sync.NewCond(&w.mu)
	request.SetCompletionCallback(w.callback, id)
	return w
}

// Return the number of repetitions that have completed
func (w *Wrapper) CompletedIterations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curIter
}

func (w *Wrapper) NumIterations() int {
	return w.numIter
}

// Execute runs numIter repetitions of input, and returns once the last one has completed.
// A non-zero completion status is logged, but is not returned as an error.
func (w *Wrapper) Execute(mode Mode, input nn.Inputs) error {
	switch mode {
	case ModeAsync:
		return w.executeAsync(input)
	case ModeSync:
		return w.executeSync(input)
	}
	w.log.Errorf("%v", ErrInvalidMode)
	return fmt.Errorf("%w (got %q)", ErrInvalidMode, mode)
}

func (w *Wrapper) executeSync(input nn.Inputs) error {
	w.log.Infof("Start inference (%v Synchronous executions)", w.numIter)
	w.reset(input)
	for i := 0; i < w.numIter; i++ {
		if err := w.request.Infer(input); err != nil {
			return fmt.Errorf("Sync request %v failed: %w", w.id, err)
		}
		w.mu.Lock()
		w.curIter++
		w.mu.Unlock()
		w.log.Infof("Completed %v Sync request execution", i+1)
	}
	return nil
}

func (w *Wrapper) executeAsync(input nn.Inputs) error {
	w.log.Infof("Start inference (%v Asynchronous executions)", w.numIter)
	w.reset(input)
	if err := w.request.StartAsync(input); err != nil {
		return fmt.Errorf("Async request %v failed to start: %w", w.id, err)
	}
	w.mu.Lock()
	for !w.done {
		w.finished.Wait()
	}
	err := w.err
	w.mu.Unlock()
	return err
}

func (w *Wrapper) reset(input nn.Inputs) {
	w.mu.Lock()
	w.input = input
	w.curIter = 0
	w.done = false
	w.err = nil
	w.mu.Unlock()
}

// callback is invoked by the engine, on the engine's goroutine
func (w *Wrapper) callback(status nn.StatusCode, userData any) {
	if id, ok := userData.(int); !ok || id != w.id {
		w.log.Errorf("Request ID %v does not correspond to user data %v", w.id, userData)
	}
	if status != nn.StatusOK {
		w.log.Errorf("Request %v failed with status code %v (%v)", w.id, int(status), status)
	}

	w.mu.Lock()
	w.curIter++
	curIter := w.curIter
	input := w.input
	again := curIter < w.numIter
	w.mu.Unlock()

	w.log.Infof("Completed %v Async request execution", curIter)

	if again {
		// Resubmit from the callback goroutine. The request is idle again by the time
		// the engine invokes us.
		err := w.request.StartAsync(input)
		if err == nil {
			return
		}
		w.log.Errorf("Request %v failed to resubmit: %v", w.id, err)
		w.finish(fmt.Errorf("Async request %v failed to resubmit after %v executions: %w", w.id, curIter, err))
		return
	}
	w.finish(nil)
}

func (w *Wrapper) finish(err error) {
	w.mu.Lock()
	w.done = true
	w.err = err
	w.mu.Unlock()
	w.finished.Signal()
}
