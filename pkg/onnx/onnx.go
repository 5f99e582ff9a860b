// Package onnx is an nn.Engine backed by ONNX Runtime, through https://github.com/yalue/onnxruntime_go
package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cyclopcam/classifier/pkg/nn"
	"github.com/cyclopcam/logs"
	ort "github.com/yalue/onnxruntime_go"
)

// Options for creating an Engine
type Options struct {
	SharedLibraryPath string // Path to onnxruntime.so. If empty, the loader's default search path is used.
	IntraOpThreads    int    // Threads used inside a single operator. Zero lets ONNX Runtime decide.
}

// Engine runs networks with ONNX Runtime.
// Device "CPU" uses the default execution provider. Any other device name is handed to the
// OpenVINO execution provider as its device_type (eg "GPU", "MYRIAD", "HDDL").
type Engine struct {
	log     logs.Log
	options Options
	ownsEnv bool
}

func NewEngine(log logs.Log, options Options) (*Engine, error) {
	e := &Engine{
		log:     log,
		options: options,
	}
	if !ort.IsInitialized() {
		if options.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(options.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("Failed to initialize ONNX Runtime: %w", err)
		}
		e.ownsEnv = true
	}
	if options.SharedLibraryPath != "" {
		log.Infof("ONNX Runtime library %v", options.SharedLibraryPath)
	}
	return e, nil
}

func (e *Engine) Close() error {
	if e.ownsEnv {
		e.ownsEnv = false
		return ort.DestroyEnvironment()
	}
	return nil
}

func isCPU(device string) bool {
	return strings.EqualFold(device, "CPU")
}

// ReadNetwork reads the graph of an ONNX model.
// weightsFile is optional. ONNX models store their weights inline, or in external data files that are
// named inside the model, and which must live next to it.
func (e *Engine) ReadNetwork(modelFile, weightsFile string) (*nn.Network, error) {
	raw, err := os.ReadFile(modelFile)
	if err != nil {
		return nil, err
	}
	graph, err := readGraph(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", modelFile, err)
	}
	for _, location := range graph.ExternalData {
		full := filepath.Join(filepath.Dir(modelFile), location)
		if _, err := os.Stat(full); err != nil {
			return nil, fmt.Errorf("Model %v references external weights %v: %w", modelFile, full, err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelFile)
	if err != nil {
		return nil, fmt.Errorf("Failed to read inputs and outputs of %v: %w", modelFile, err)
	}

	net := &nn.Network{
		Name:      graph.Name,
		ModelFile: modelFile,
		Layers:    graph.Layers,
		BatchSize: 1,
	}
	if weightsFile != "" {
		if _, err := os.Stat(weightsFile); err == nil {
			net.WeightsFile = weightsFile
		}
	}
	for _, in := range inputs {
		if in.DataType != ort.TensorElementDataTypeFloat {
			return nil, fmt.Errorf("Input '%v' has type %v, but only float32 is supported", in.Name, in.DataType)
		}
		net.Inputs = append(net.Inputs, tensorInfo(in))
	}
	for _, out := range outputs {
		if out.DataType != ort.TensorElementDataTypeFloat {
			e.log.Warnf("Output '%v' has type %v, and cannot be read as float32", out.Name, out.DataType)
		}
		net.Outputs = append(net.Outputs, tensorInfo(out))
	}
	if len(net.Inputs) != 0 && len(net.Inputs[0].Shape) != 0 && net.Inputs[0].Shape[0] > 0 {
		net.BatchSize = int(net.Inputs[0].Shape[0])
	}
	return net, nil
}

func tensorInfo(info ort.InputOutputInfo) nn.TensorInfo {
	t := nn.TensorInfo{
		Name:  info.Name,
		Shape: append([]int64(nil), info.Dimensions...),
	}
	if len(info.Dimensions) != 0 && info.Dimensions[0] > 0 {
		t.ModelBatch = info.Dimensions[0]
	}
	return t
}

// AddExtension checks that a library of custom operator kernels exists.
// onnxruntime_go has no way of loading such a library into a session, so layers from
// custom operator domains remain unsupported, and QueryNetwork reports them as such.
func (e *Engine) AddExtension(libraryPath, device string) error {
	if _, err := os.Stat(libraryPath); err != nil {
		return fmt.Errorf("Extension library: %w", err)
	}
	e.log.Warnf("Custom operator library %v for %v is not loaded. ONNX Runtime sessions only run operators from the built-in domains", libraryPath, device)
	return nil
}

// QueryNetwork reports the layers whose operator domain ONNX Runtime implements itself
func (e *Engine) QueryNetwork(net *nn.Network, device string) (map[string]string, error) {
	supported := map[string]string{}
	for _, l := range net.Layers {
		if IsBuiltinDomain(l.Domain) {
			supported[l.Name] = device
		}
	}
	return supported, nil
}

func (e *Engine) sessionOptions(device string) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if e.options.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(e.options.IntraOpThreads); err != nil {
			options.Destroy()
			return nil, err
		}
	}
	if !isCPU(device) {
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{"device_type": device}); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("Device %v is not available: %w", device, err)
		}
	}
	return options, nil
}

func (e *Engine) LoadNetwork(net *nn.Network, device string, numRequests int) (nn.ExecutableNetwork, error) {
	if numRequests < 1 {
		return nil, fmt.Errorf("Invalid number of requests %v", numRequests)
	}
	for _, out := range net.Outputs {
		for i := 1; i < len(out.Shape); i++ {
			if out.Shape[i] <= 0 {
				return nil, fmt.Errorf("Output '%v' has dynamic dimension %v in %v, which is not supported", out.Name, i, out.Shape)
			}
		}
	}
	// A model with a fixed batch of 1 is run one image at a time. Any other fixed batch must match.
	modelBatch := int64(0)
	for _, in := range net.Inputs {
		if in.ModelBatch > 1 && in.ModelBatch != int64(net.BatchSize) {
			return nil, fmt.Errorf("Input '%v' of %v has a fixed batch size of %v, and cannot run batches of %v", in.Name, filepath.Base(net.ModelFile), in.ModelBatch, net.BatchSize)
		}
		modelBatch = max(modelBatch, in.ModelBatch)
	}

	options, err := e.sessionOptions(device)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	inputNames := make([]string, len(net.Inputs))
	for i, in := range net.Inputs {
		inputNames[i] = in.Name
	}
	outputNames := make([]string, len(net.Outputs))
	for i, out := range net.Outputs {
		outputNames[i] = out.Name
	}

	session, err := ort.NewDynamicAdvancedSession(net.ModelFile, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("Failed to create ONNX Runtime session for %v on %v: %w", net.ModelFile, device, err)
	}

	x := &ExecutableNetwork{
		session: session,
	}
	for i := 0; i < numRequests; i++ {
		x.requests = append(x.requests, &Request{
			log:        e.log,
			session:    session,
			inputs:     inputNames,
			outputs:    append([]nn.TensorInfo(nil), net.Outputs...),
			modelBatch: modelBatch,
		})
	}
	e.log.Infof("Loaded %v onto %v with %v request(s)", filepath.Base(net.ModelFile), device, numRequests)
	return x, nil
}

// ExecutableNetwork is a model loaded into an ONNX Runtime session.
// ONNX Runtime allows concurrent Run calls on one session, so all requests share it.
type ExecutableNetwork struct {
	session  *ort.DynamicAdvancedSession
	requests []*Request
}

func (x *ExecutableNetwork) Request(id int) (nn.InferRequest, error) {
	if id < 0 || id >= len(x.requests) {
		return nil, fmt.Errorf("Request %v out of range (have %v)", id, len(x.requests))
	}
	return x.requests[id], nil
}

func (x *ExecutableNetwork) NumRequests() int {
	return len(x.requests)
}

func (x *ExecutableNetwork) Close() error {
	if x.session == nil {
		return nil
	}
	err := x.session.Destroy()
	x.session = nil
	return err
}

// Request runs one inference at a time on the shared session
type Request struct {
	log        logs.Log
	session    *ort.DynamicAdvancedSession
	inputs     []string
	outputs    []nn.TensorInfo
	modelBatch int64 // 1 if the model only accepts single images. 0 if its batch is dynamic.

	mu       sync.Mutex
	busy     bool
	cb       nn.CompletionCallback
	userData any
	results  map[string]*nn.Blob
}

var errBusy = &nn.StatusError{Status: nn.StatusRequestBusy, Err: errors.New("Inference request is already running")}

func (r *Request) SetCompletionCallback(cb nn.CompletionCallback, userData any) {
	r.mu.Lock()
	r.cb = cb
	r.userData = userData
	r.mu.Unlock()
}

func (r *Request) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return errBusy
	}
	r.busy = true
	r.results = nil
	return nil
}

func (r *Request) release() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

func (r *Request) Infer(inputs nn.Inputs) error {
	if err := r.acquire(); err != nil {
		return err
	}
	defer r.release()
	return r.run(inputs)
}

func (r *Request) StartAsync(inputs nn.Inputs) error {
	if err := r.acquire(); err != nil {
		return err
	}
	go func() {
		err := r.run(inputs)
		if err != nil {
			r.log.Errorf("Async inference failed: %v", err)
		}
		r.mu.Lock()
		cb, userData := r.cb, r.userData
		r.mu.Unlock()
		// The request must be idle before the callback runs, so that the callback can resubmit
		r.release()
		if cb != nil {
			cb(nn.StatusOf(err), userData)
		}
	}()
	return nil
}

func (r *Request) Output(name string) (*nn.Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		return nil, &nn.StatusError{Status: nn.StatusResultNotReady, Err: errors.New("No inference has completed")}
	}
	b, ok := r.results[name]
	if !ok {
		return nil, &nn.StatusError{Status: nn.StatusNotFound, Err: fmt.Errorf("Output '%v' not found", name)}
	}
	return b, nil
}

// Return the shared batch size of all inputs
func (r *Request) checkInputs(inputs nn.Inputs) (int64, error) {
	batch := int64(-1)
	for _, name := range r.inputs {
		blob, ok := inputs[name]
		if !ok {
			return 0, &nn.StatusError{Status: nn.StatusNotFound, Err: fmt.Errorf("Input '%v' not provided", name)}
		}
		if len(blob.Shape) == 0 || blob.Shape[0] <= 0 || int64(len(blob.Data)) != nn.ShapeSize(blob.Shape) {
			return 0, &nn.StatusError{Status: nn.StatusParameterMismatch, Err: fmt.Errorf("Input '%v' has %v values for shape %v", name, len(blob.Data), blob.Shape)}
		}
		if batch != -1 && blob.Shape[0] != batch {
			return 0, &nn.StatusError{Status: nn.StatusParameterMismatch, Err: fmt.Errorf("Input '%v' has batch %v, but other inputs have %v", name, blob.Shape[0], batch)}
		}
		batch = blob.Shape[0]
	}
	return batch, nil
}

func (r *Request) run(inputs nn.Inputs) error {
	batch, err := r.checkInputs(inputs)
	if err != nil {
		return err
	}
	if r.modelBatch > 1 && batch != r.modelBatch {
		return &nn.StatusError{Status: nn.StatusParameterMismatch, Err: fmt.Errorf("Model has a fixed batch size of %v, but was given a batch of %v", r.modelBatch, batch)}
	}
	var results map[string]*nn.Blob
	if r.modelBatch == 1 && batch != 1 {
		// The model only accepts single images, so the batch is run one image at a time
		parts := make([]map[string]*nn.Blob, batch)
		for i := range parts {
			if parts[i], err = r.runOnce(sliceInputs(inputs, r.inputs, i), 1); err != nil {
				return err
			}
		}
		results, err = stackResults(parts)
	} else {
		results, err = r.runOnce(inputs, batch)
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.results = results
	r.mu.Unlock()
	return nil
}

// sliceInputs returns item i of every input, as a batch of 1
func sliceInputs(inputs nn.Inputs, names []string, i int) nn.Inputs {
	item := nn.Inputs{}
	for _, name := range names {
		blob := inputs[name]
		shape := append([]int64{1}, blob.Shape[1:]...)
		item[name] = &nn.Blob{Shape: shape, Data: blob.Item(i)}
	}
	return item
}

// stackResults concatenates per-item outputs along the leading dimension
func stackResults(parts []map[string]*nn.Blob) (map[string]*nn.Blob, error) {
	if len(parts) == 0 {
		return map[string]*nn.Blob{}, nil
	}
	results := map[string]*nn.Blob{}
	for name, first := range parts[0] {
		if len(first.Shape) == 0 {
			return nil, fmt.Errorf("Output '%v' is a scalar, and cannot be stacked", name)
		}
		stacked := &nn.Blob{Shape: append([]int64(nil), first.Shape...)}
		stacked.Shape[0] = 0
		for i, part := range parts {
			b, ok := part[name]
			if !ok || !slices.Equal(b.Shape[1:], first.Shape[1:]) {
				return nil, fmt.Errorf("Output '%v' of item %v does not match the shape %v of item 0", name, i, first.Shape)
			}
			stacked.Shape[0] += b.Shape[0]
			stacked.Data = append(stacked.Data, b.Data...)
		}
		results[name] = stacked
	}
	return results, nil
}

func (r *Request) runOnce(inputs nn.Inputs, batch int64) (map[string]*nn.Blob, error) {
	inTensors := make([]ort.ArbitraryTensor, 0, len(r.inputs))
	defer func() {
		for _, t := range inTensors {
			t.Destroy()
		}
	}()
	for _, name := range r.inputs {
		blob := inputs[name]
		t, err := ort.NewTensor(ort.NewShape(blob.Shape...), blob.Data)
		if err != nil {
			return nil, &nn.StatusError{Status: nn.StatusGeneralError, Err: err}
		}
		inTensors = append(inTensors, t)
	}

	outTensors := make([]*ort.Tensor[float32], 0, len(r.outputs))
	defer func() {
		for _, t := range outTensors {
			t.Destroy()
		}
	}()
	outArgs := make([]ort.ArbitraryTensor, 0, len(r.outputs))
	for _, out := range r.outputs {
		shape := append([]int64(nil), out.Shape...)
		if len(shape) != 0 {
			shape[0] = batch
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			return nil, &nn.StatusError{Status: nn.StatusNotAllocated, Err: err}
		}
		outTensors = append(outTensors, t)
		outArgs = append(outArgs, t)
	}

	if err := r.session.Run(inTensors, outArgs); err != nil {
		return nil, &nn.StatusError{Status: nn.StatusGeneralError, Err: err}
	}

	results := map[string]*nn.Blob{}
	for i, out := range r.outputs {
		t := outTensors[i]
		results[out.Name] = &nn.Blob{
			Shape: append([]int64(nil), t.GetShape()...),
			Data:  append([]float32(nil), t.GetData()...),
		}
	}
	return results, nil
}
