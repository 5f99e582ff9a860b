package nnload

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cyclopcam/classifier/pkg/nn"
	"github.com/cyclopcam/classifier/pkg/nn/nntest"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestWeightsFile(t *testing.T) {
	require.Equal(t, "/models/inception_v4.bin", WeightsFile("/models/inception_v4.xml"))
	require.Equal(t, "/models/resnet.v1.bin", WeightsFile("/models/resnet.v1.onnx"))
	require.Equal(t, "model.bin", WeightsFile("model"))
}

func TestIsCPUDevice(t *testing.T) {
	require.True(t, IsCPUDevice("CPU"))
	require.True(t, IsCPUDevice("HETERO:FPGA,CPU"))
	require.False(t, IsCPUDevice("GPU"))
	require.False(t, IsCPUDevice("MYRIAD"))
}

func TestLoadModel(t *testing.T) {
	log := logs.NewTestingLog(t)
	engine := nntest.NewEngine(3, 8, 8, 5)
	net, exec, err := LoadModel(log, engine, "/models/net.onnx", Setup{BatchSize: 4, NumInputs: 3})
	require.NoError(t, err)
	require.Equal(t, "/models/net.bin", net.WeightsFile)
	require.Equal(t, 3, net.BatchSize)
	require.Equal(t, []int64{3, 3, 8, 8}, net.Inputs[0].Shape)
	require.Equal(t, 1, exec.NumRequests())

	net, _, err = LoadModel(log, engine, "/models/net.onnx", Setup{BatchSize: 2, NumInputs: 10})
	require.NoError(t, err)
	require.Equal(t, 2, net.BatchSize)

	_, _, err = LoadModel(log, engine, "/models/net.onnx", Setup{BatchSize: 0, NumInputs: 10})
	require.Error(t, err)
}

func TestUnsupportedLayers(t *testing.T) {
	log := logs.NewTestingLog(t)
	engine := nntest.NewEngine(3, 8, 8, 5)
	engine.Unsupported["pool1"] = true

	_, _, err := LoadModel(log, engine, "net.onnx", Setup{Device: "CPU", BatchSize: 1, NumInputs: 1})
	require.True(t, errors.Is(err, ErrUnsupportedLayers))
	var ule *UnsupportedLayersError
	require.True(t, errors.As(err, &ule))
	require.Equal(t, []string{"pool1"}, ule.Layers)

	// Only CPU devices are checked
	_, _, err = LoadModel(log, engine, "net.onnx", Setup{Device: "GPU", BatchSize: 1, NumInputs: 1})
	require.NoError(t, err)
}

func TestExtensionOnlyForCPU(t *testing.T) {
	log := logs.NewTestingLog(t)
	engine := nntest.NewEngine(3, 8, 8, 5)
	_, _, err := LoadModel(log, engine, "net.onnx", Setup{Device: "GPU", Extension: "libext.so", BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, 0, len(engine.Extensions("CPU")))

	_, _, err = LoadModel(log, engine, "net.onnx", Setup{Device: "HETERO:GPU,CPU", Extension: "libext.so", BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"libext.so"}, engine.Extensions("CPU"))
}

// multiInputEngine reports a network with two inputs
type multiInputEngine struct {
	*nntest.Engine
}

func (m *multiInputEngine) ReadNetwork(modelFile, weightsFile string) (*nn.Network, error) {
	net, err := m.Engine.ReadNetwork(modelFile, weightsFile)
	if err != nil {
		return nil, err
	}
	net.Inputs = append(net.Inputs, nn.TensorInfo{Name: "second", Shape: []int64{1, 4}})
	return net, nil
}

func TestSingleInputOnly(t *testing.T) {
	engine := &multiInputEngine{nntest.NewEngine(3, 8, 8, 5)}
	_, _, err := LoadModel(logs.NewTestingLog(t), engine, "net.onnx", Setup{BatchSize: 1})
	require.ErrorContains(t, err, "single input")
}

func TestFetchModel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/m/with.onnx", "/m/with.bin", "/m/without.onnx":
			w.Write([]byte("model bytes " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	log := logs.NewTestingLog(t)
	cache := t.TempDir()

	local, err := FetchModel(log, srv.URL+"/m/with.onnx", cache)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cache, "with.onnx"), local)
	raw, err := os.ReadFile(filepath.Join(cache, "with.bin"))
	require.NoError(t, err)
	require.Equal(t, "model bytes /m/with.bin", string(raw))
	require.Equal(t, int32(2), hits.Load())

	// Second fetch is served from the cache
	_, err = FetchModel(log, srv.URL+"/m/with.onnx", cache)
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())

	// Missing weights are fine
	local, err = FetchModel(log, srv.URL+"/m/without.onnx", cache)
	require.NoError(t, err)
	_, err = os.Stat(local)
	require.NoError(t, err)
	_, err = os.Stat(WeightsFile(local))
	require.True(t, os.IsNotExist(err))

	// Missing model is not
	_, err = FetchModel(log, srv.URL+"/m/nothing.onnx", cache)
	require.Error(t, err)

	// Local paths pass straight through
	local, err = FetchModel(log, "/some/model.onnx", cache)
	require.NoError(t, err)
	require.Equal(t, "/some/model.onnx", local)
}
