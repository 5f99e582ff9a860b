// Package nntest provides an in-process inference engine for tests.
// It runs no real model. The output of each image is a deterministic probability vector,
// so tests can check plumbing without any native libraries.
package nntest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/classifier/pkg/nn"
)

// Engine is a fake nn.Engine
type Engine struct {
	InputName   string
	OutputName  string
	InputShape  []int64 // NCHW
	NumClasses  int
	Layers      []nn.Layer
	Unsupported map[string]bool // Layers that QueryNetwork will not report
	Latency     time.Duration   // How long each inference takes

	// Status codes reported to successive async completions. Once exhausted, completions report StatusOK.
	Statuses []nn.StatusCode

	mu         sync.Mutex
	extensions map[string][]string // device -> libraries
	requests   []*Request
}

// Create a fake engine with a single NCHW input and a single [N, numClasses] output
func NewEngine(channels, height, width, numClasses int) *Engine {
	return &Engine{
		InputName:  "data",
		OutputName: "prob",
		InputShape: []int64{1, int64(channels), int64(height), int64(width)},
		NumClasses: numClasses,
		Layers: []nn.Layer{
			{Name: "conv1", Type: "Conv"},
			{Name: "pool1", Type: "GlobalAveragePool"},
			{Name: "fc", Type: "Gemm"},
			{Name: "prob", Type: "Softmax"},
		},
		Unsupported: map[string]bool{},
		extensions:  map[string][]string{},
	}
}

func (e *Engine) ReadNetwork(modelFile, weightsFile string) (*nn.Network, error) {
	return &nn.Network{
		Name:        "fake",
		ModelFile:   modelFile,
		WeightsFile: weightsFile,
		Inputs:      []nn.TensorInfo{{Name: e.InputName, Shape: append([]int64(nil), e.InputShape...)}},
		Outputs:     []nn.TensorInfo{{Name: e.OutputName, Shape: []int64{e.InputShape[0], int64(e.NumClasses)}}},
		Layers:      append([]nn.Layer(nil), e.Layers...),
		BatchSize:   int(e.InputShape[0]),
	}, nil
}

func (e *Engine) AddExtension(libraryPath, device string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extensions[device] = append(e.extensions[device], libraryPath)
	return nil
}

// Return the extension libraries registered for device
func (e *Engine) Extensions(device string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.extensions[device]...)
}

func (e *Engine) QueryNetwork(net *nn.Network, device string) (map[string]string, error) {
	supported := map[string]string{}
	for _, l := range net.Layers {
		if !e.Unsupported[l.Name] {
			supported[l.Name] = device
		}
	}
	return supported, nil
}

func (e *Engine) LoadNetwork(net *nn.Network, device string, numRequests int) (nn.ExecutableNetwork, error) {
	if numRequests < 1 {
		return nil, fmt.Errorf("Invalid number of requests %v", numRequests)
	}
	x := &ExecutableNetwork{}
	for i := 0; i < numRequests; i++ {
		r := &Request{
			engine: e,
			input:  net.Inputs[0].Name,
			output: net.Outputs[0].Name,
		}
		x.requests = append(x.requests, r)
	}
	e.mu.Lock()
	e.requests = append(e.requests, x.requests...)
	e.mu.Unlock()
	return x, nil
}

func (e *Engine) Close() error {
	return nil
}

// Return all requests that have been created by LoadNetwork
func (e *Engine) Requests() []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Request(nil), e.requests...)
}

func (e *Engine) nextStatus() nn.StatusCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Statuses) == 0 {
		return nn.StatusOK
	}
	s := e.Statuses[0]
	e.Statuses = e.Statuses[1:]
	return s
}

type ExecutableNetwork struct {
	requests []*Request
}

func (x *ExecutableNetwork) Request(id int) (nn.InferRequest, error) {
	if id < 0 || id >= len(x.requests) {
		return nil, fmt.Errorf("Request %v out of range", id)
	}
	return x.requests[id], nil
}

func (x *ExecutableNetwork) NumRequests() int {
	return len(x.requests)
}

func (x *ExecutableNetwork) Close() error {
	return nil
}

// Request is a fake nn.InferRequest that records how it was driven
type Request struct {
	engine *Engine
	input  string
	output string

	running        atomic.Int32
	maxConcurrency atomic.Int32
	submissions    atomic.Int32
	callbacks      atomic.Int32

	mu       sync.Mutex
	cb       nn.CompletionCallback
	userData any
	result   *nn.Blob
	batches  []int64 // batch size of each submission
}

// Number of times Infer or StartAsync accepted inputs
func (r *Request) Submissions() int {
	return int(r.submissions.Load())
}

// Number of completion callbacks invoked
func (r *Request) Callbacks() int {
	return int(r.callbacks.Load())
}

// The highest number of inferences that were running at the same time
func (r *Request) MaxConcurrency() int {
	return int(r.maxConcurrency.Load())
}

// The batch size of every submission, in order
func (r *Request) Batches() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.batches...)
}

// Override the userData passed to the completion callback
func (r *Request) SetUserData(userData any) {
	r.mu.Lock()
	r.userData = userData
	r.mu.Unlock()
}

func (r *Request) SetCompletionCallback(cb nn.CompletionCallback, userData any) {
	r.mu.Lock()
	r.cb = cb
	r.userData = userData
	r.mu.Unlock()
}

func (r *Request) Infer(inputs nn.Inputs) error {
	if err := r.begin(inputs); err != nil {
		return err
	}
	r.run(inputs)
	return nil
}

func (r *Request) StartAsync(inputs nn.Inputs) error {
	if err := r.begin(inputs); err != nil {
		return err
	}
	go func() {
		r.run(inputs)
		status := r.engine.nextStatus()
		r.mu.Lock()
		cb, userData := r.cb, r.userData
		r.mu.Unlock()
		r.callbacks.Add(1)
		if cb != nil {
			cb(status, userData)
		}
	}()
	return nil
}

func (r *Request) Output(name string) (*nn.Blob, error) {
	if name != r.output {
		return nil, fmt.Errorf("Output '%v' not found", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return nil, &nn.StatusError{Status: nn.StatusResultNotReady}
	}
	return r.result, nil
}

func (r *Request) begin(inputs nn.Inputs) error {
	blob, ok := inputs[r.input]
	if !ok {
		return &nn.StatusError{Status: nn.StatusNotFound, Err: fmt.Errorf("Input '%v' not provided", r.input)}
	}
	if len(blob.Shape) == 0 || blob.Shape[0] <= 0 {
		return &nn.StatusError{Status: nn.StatusParameterMismatch, Err: fmt.Errorf("Invalid input shape %v", blob.Shape)}
	}
	n := r.running.Add(1)
	for {
		m := r.maxConcurrency.Load()
		if n <= m || r.maxConcurrency.CompareAndSwap(m, n) {
			break
		}
	}
	r.submissions.Add(1)
	r.mu.Lock()
	r.batches = append(r.batches, blob.Shape[0])
	r.mu.Unlock()
	return nil
}

func (r *Request) run(inputs nn.Inputs) {
	if r.engine.Latency != 0 {
		time.Sleep(r.engine.Latency)
	}
	in := inputs[r.input]
	batch := in.Shape[0]
	out := nn.NewBlob(batch, int64(r.engine.NumClasses))
	for i := 0; i < int(batch); i++ {
		FillProbabilities(out.Item(i), in.Item(i))
	}
	r.mu.Lock()
	r.result = out
	r.mu.Unlock()
	r.running.Add(-1)
}

// FillProbabilities writes a deterministic probability vector for one image into probs.
// The most probable class is chosen by the mean pixel value, so different images produce different winners.
func FillProbabilities(probs []float32, image []float32) {
	if len(probs) == 0 {
		return
	}
	mean := float32(0)
	for _, v := range image {
		mean += v
	}
	if len(image) != 0 {
		mean /= float32(len(image))
	}
	winner := int(mean) % len(probs)
	rest := float32(0.5) / float32(len(probs))
	for i := range probs {
		probs[i] = rest
	}
	probs[winner] += 0.5
}
