package nnreq

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/classifier/pkg/nn"
	"github.com/cyclopcam/classifier/pkg/nn/nntest"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// recordingLog remembers every error message, and forwards everything to the test log
type recordingLog struct {
	logs.Log
	mu     sync.Mutex
	errors []string
}

func (r *recordingLog) Errorf(format string, a ...interface{}) {
	r.mu.Lock()
	r.errors = append(r.errors, fmt.Sprintf(format, a...))
	r.mu.Unlock()
	r.Log.Errorf(format, a...)
}

func (r *recordingLog) errorsContaining(s string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errors {
		if strings.Contains(e, s) {
			n++
		}
	}
	return n
}

func newRecordingLog(t *testing.T) *recordingLog {
	return &recordingLog{Log: logs.NewTestingLog(t)}
}

func setup(t *testing.T) (*nntest.Engine, *nntest.Request, nn.Inputs) {
	engine := nntest.NewEngine(3, 4, 4, 10)
	net, err := engine.ReadNetwork("fake.onnx", "")
	require.NoError(t, err)
	x, err := engine.LoadNetwork(net, "CPU", 1)
	require.NoError(t, err)
	req, err := x.Request(0)
	require.NoError(t, err)
	inputs := nn.Inputs{"data": nn.NewBlob(1, 3, 4, 4)}
	return engine, req.(*nntest.Request), inputs
}

func TestSyncRunsSequentially(t *testing.T) {
	engine, req, inputs := setup(t)
	engine.Latency = time.Millisecond
	w := NewWrapper(logs.NewTestingLog(t), req, 0, 5)
	require.NoError(t, w.Execute(ModeSync, inputs))
	require.Equal(t, 5, req.Submissions())
	require.Equal(t, 1, req.MaxConcurrency())
	require.Equal(t, 0, req.Callbacks())
	require.Equal(t, 5, w.CompletedIterations())
	out, err := req.Output("prob")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 10}, out.Shape)
}

func TestAsyncWaitsForAllCompletions(t *testing.T) {
	for _, latency := range []time.Duration{0, time.Millisecond} {
		engine, req, inputs := setup(t)
		engine.Latency = latency
		w := NewWrapper(logs.NewTestingLog(t), req, 0, 7)
		require.NoError(t, w.Execute(ModeAsync, inputs))
		require.Equal(t, 7, req.Callbacks())
		require.Equal(t, 7, req.Submissions())
		require.Equal(t, 7, w.CompletedIterations())
		require.Equal(t, 1, req.MaxConcurrency())
	}
}

func TestWrapperIsReusable(t *testing.T) {
	_, req, inputs := setup(t)
	w := NewWrapper(logs.NewTestingLog(t), req, 0, 3)
	require.NoError(t, w.Execute(ModeAsync, inputs))
	require.NoError(t, w.Execute(ModeAsync, inputs))
	require.Equal(t, 3, w.CompletedIterations())
	require.Equal(t, 6, req.Callbacks())
	require.NoError(t, w.Execute(ModeSync, inputs))
	require.Equal(t, 3, w.CompletedIterations())
	require.Equal(t, 9, req.Submissions())
}

func TestMismatchedRequestID(t *testing.T) {
	_, req, inputs := setup(t)
	log := newRecordingLog(t)
	w := NewWrapper(log, req, 0, 3)
	req.SetUserData(42)
	require.NoError(t, w.Execute(ModeAsync, inputs))
	require.Equal(t, 3, w.CompletedIterations())
	require.Equal(t, 3, log.errorsContaining("does not correspond to user data 42"))
}

func TestFailedStatusIsLoggedOnly(t *testing.T) {
	engine, req, inputs := setup(t)
	engine.Statuses = []nn.StatusCode{nn.StatusOK, nn.StatusGeneralError, nn.StatusOK}
	log := newRecordingLog(t)
	w := NewWrapper(log, req, 0, 3)
	require.NoError(t, w.Execute(ModeAsync, inputs))
	require.Equal(t, 3, w.CompletedIterations())
	require.Equal(t, 1, log.errorsContaining("failed with status code -1"))
}

func TestInvalidMode(t *testing.T) {
	_, req, inputs := setup(t)
	w := NewWrapper(logs.NewTestingLog(t), req, 0, 1)
	err := w.Execute(Mode("turbo"), inputs)
	require.True(t, errors.Is(err, ErrInvalidMode))
	require.Equal(t, 0, req.Submissions())
}

func TestMinimumOneIteration(t *testing.T) {
	_, req, inputs := setup(t)
	w := NewWrapper(logs.NewTestingLog(t), req, 0, 0)
	require.Equal(t, 1, w.NumIterations())
	require.NoError(t, w.Execute(ModeAsync, inputs))
	require.Equal(t, 1, req.Callbacks())
}

// flakyRequest completes asynchronously, but refuses every submission after the first
type flakyRequest struct {
	mu       sync.Mutex
	started  int
	cb       nn.CompletionCallback
	userData any
}

func (f *flakyRequest) Infer(inputs nn.Inputs) error { return nil }

func (f *flakyRequest) StartAsync(inputs nn.Inputs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.started > 1 {
		return &nn.StatusError{Status: nn.StatusRequestBusy}
	}
	cb, userData := f.cb, f.userData
	go cb(nn.StatusOK, userData)
	return nil
}

func (f *flakyRequest) SetCompletionCallback(cb nn.CompletionCallback, userData any) {
	f.cb = cb
	f.userData = userData
}

func (f *flakyRequest) Output(name string) (*nn.Blob, error) {
	return nil, errors.New("no output")
}

func TestResubmitFailureReleasesCaller(t *testing.T) {
	req := &flakyRequest{}
	w := NewWrapper(logs.NewTestingLog(t), req, 0, 4)
	err := w.Execute(ModeAsync, nn.Inputs{})
	require.Error(t, err)
	require.Equal(t, nn.StatusRequestBusy, nn.StatusOf(err))
	require.Equal(t, 1, w.CompletedIterations())
}
