package nn

import (
	"errors"
	"fmt"
)

// Package nn is the engine-neutral interface layer for classification models.
// To load a model onto a device, use the nnload package.

// StatusCode is the completion status that an engine reports for an inference request.
// The numbering follows the vendor convention, where zero is success and failures are negative.
type StatusCode int

const (
	StatusOK                StatusCode = 0
	StatusGeneralError      StatusCode = -1
	StatusNotImplemented    StatusCode = -2
	StatusNetworkNotLoaded  StatusCode = -3
	StatusParameterMismatch StatusCode = -4
	StatusNotFound          StatusCode = -5
	StatusOutOfBounds       StatusCode = -6
	StatusUnexpected        StatusCode = -7
	StatusRequestBusy       StatusCode = -8
	StatusResultNotReady    StatusCode = -9
	StatusNotAllocated      StatusCode = -10
	StatusInferNotStarted   StatusCode = -11
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusGeneralError:
		return "GENERAL_ERROR"
	case StatusNotImplemented:
		return "NOT_IMPLEMENTED"
	case StatusNetworkNotLoaded:
		return "NETWORK_NOT_LOADED"
	case StatusParameterMismatch:
		return "PARAMETER_MISMATCH"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusOutOfBounds:
		return "OUT_OF_BOUNDS"
	case StatusUnexpected:
		return "UNEXPECTED"
	case StatusRequestBusy:
		return "REQUEST_BUSY"
	case StatusResultNotReady:
		return "RESULT_NOT_READY"
	case StatusNotAllocated:
		return "NOT_ALLOCATED"
	case StatusInferNotStarted:
		return "INFER_NOT_STARTED"
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// StatusError is an error that carries an engine status code
type StatusError struct {
	Status StatusCode
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%v: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Return the status code carried by err, or StatusGeneralError if err doesn't carry one.
// A nil error is StatusOK.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusGeneralError
}

// TensorInfo describes one input or output of a network.
// Dimensions that are not known until inference time are negative.
type TensorInfo struct {
	Name  string
	Shape []int64

	// Leading dimension as declared by the model file, or 0 if the model leaves it dynamic.
	// SetBatchSize does not change it.
	ModelBatch int64
}

// Layer is a single node of the network graph
type Layer struct {
	Name   string // Unique within the network
	Type   string // eg "Conv", "Softmax"
	Domain string // Operator set that defines Type. Empty for the default set.
}

// Network is a model that has been read from disk, but not yet loaded onto a device
type Network struct {
	Name        string
	ModelFile   string
	WeightsFile string // Empty if the model has no separate weights file
	Inputs      []TensorInfo
	Outputs     []TensorInfo
	Layers      []Layer
	BatchSize   int
}

// Return the output with the given name, or nil
func (n *Network) Output(name string) *TensorInfo {
	for i := range n.Outputs {
		if n.Outputs[i].Name == name {
			return &n.Outputs[i]
		}
	}
	return nil
}

// SetBatchSize changes the leading dimension of every input and output
func (n *Network) SetBatchSize(batchSize int) {
	n.BatchSize = batchSize
	for i := range n.Inputs {
		if len(n.Inputs[i].Shape) != 0 {
			n.Inputs[i].Shape[0] = int64(batchSize)
		}
	}
	for i := range n.Outputs {
		if len(n.Outputs[i].Shape) != 0 {
			n.Outputs[i].Shape[0] = int64(batchSize)
		}
	}
}

// InputDims returns the (batch, channels, height, width) of a 4D NCHW input
func (t *TensorInfo) InputDims() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("Input '%v' has shape %v, but an NCHW image input is expected", t.Name, t.Shape)
	}
	for i := 1; i < 4; i++ {
		if t.Shape[i] <= 0 {
			return 0, 0, 0, 0, fmt.Errorf("Input '%v' has dynamic dimension %v in %v", t.Name, i, t.Shape)
		}
	}
	return int(t.Shape[0]), int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3]), nil
}

// Blob is a dense float32 tensor
type Blob struct {
	Shape []int64
	Data  []float32
}

// Create a zeroed blob of the given shape
func NewBlob(shape ...int64) *Blob {
	return &Blob{
		Shape: append([]int64(nil), shape...),
		Data:  PageAlignedFloats(int(ShapeSize(shape))),
	}
}

// Return the number of elements in a tensor of the given shape
func ShapeSize(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	size := int64(1)
	for _, d := range shape {
		size *= d
	}
	return size
}

// Split the blob along its leading dimension, and return element i.
// For a [N, 1000] output, Item(i) is the 1000 probabilities of image i.
func (b *Blob) Item(i int) []float32 {
	if len(b.Shape) == 0 || b.Shape[0] <= 0 {
		return nil
	}
	n := int(b.Shape[0])
	stride := len(b.Data) / n
	return b.Data[i*stride : (i+1)*stride]
}

// Inputs maps input names to their data
type Inputs map[string]*Blob

// CompletionCallback is invoked by the engine, on a goroutine owned by the engine,
// when an asynchronous inference finishes.
type CompletionCallback func(status StatusCode, userData any)

// InferRequest is one reusable execution slot of a loaded network
type InferRequest interface {
	// Infer runs inference and blocks until it completes
	Infer(inputs Inputs) error

	// StartAsync submits inputs and returns immediately. The completion callback
	// is invoked when the inference finishes.
	StartAsync(inputs Inputs) error

	// SetCompletionCallback registers the function that StartAsync will invoke.
	// userData is passed back unchanged to the callback.
	SetCompletionCallback(cb CompletionCallback, userData any)

	// Output returns the named output of the most recent inference
	Output(name string) (*Blob, error)
}

// ExecutableNetwork is a network that has been loaded onto a device
type ExecutableNetwork interface {
	Request(id int) (InferRequest, error)
	NumRequests() int
	Close() error
}

// Engine is the capability surface of an inference engine.
// Everything related to device plugins, graph execution and kernels lives behind it.
type Engine interface {
	// ReadNetwork reads a model, and its weights file if the format has one
	ReadNetwork(modelFile, weightsFile string) (*Network, error)

	// AddExtension registers a library of custom kernels for a device
	AddExtension(libraryPath, device string) error

	// QueryNetwork returns the layers of net that the device can execute, mapped to the device name
	QueryNetwork(net *Network, device string) (map[string]string, error)

	// LoadNetwork loads net onto a device, and creates numRequests inference requests
	LoadNetwork(net *Network, device string, numRequests int) (ExecutableNetwork, error)

	Close() error
}
