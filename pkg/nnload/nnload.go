package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// inference engine (ONNX Runtime), so that you can just call one function to load a model
// onto a device, and not need to know about the implementation details.
//
// This is also where we pair a model with its weights file, download models that are
// given as URLs, and refuse to run networks that contain layers the device can't execute.

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/classifier/pkg/nn"
	"github.com/cyclopcam/classifier/pkg/onnx"
	"github.com/cyclopcam/logs"
)

var ErrUnsupportedLayers = errors.New("Network has layers that are not supported by the device")

// UnsupportedLayersError lists the layers that a device cannot execute
type UnsupportedLayersError struct {
	Device string
	Layers []string
}

func (e *UnsupportedLayersError) Error() string {
	return fmt.Sprintf("Following layers are not supported by the plugin for specified device %v:\n %v", e.Device, strings.Join(e.Layers, ", "))
}

func (e *UnsupportedLayersError) Is(target error) bool {
	return target == ErrUnsupportedLayers
}

// Setup describes how a network is loaded onto a device
type Setup struct {
	Device        string // eg "CPU", "GPU", "MYRIAD"
	Extension     string // Optional library of custom CPU kernels
	BatchSize     int    // Requested batch size. The network batch is min(BatchSize, NumInputs).
	NumInputs     int    // Number of images that will be classified
	NumRequests   int    // Inference requests to create. Zero means 1.
	ModelCacheDir string // Where to place models that are downloaded from a URL
}

// WeightsFile returns the weights file that is paired with a model, which is the model
// filename with its extension replaced by ".bin".
func WeightsFile(modelFile string) string {
	return strings.TrimSuffix(modelFile, filepath.Ext(modelFile)) + ".bin"
}

// Return true if the device name refers to (or includes) the CPU plugin.
// Names such as "HETERO:FPGA,CPU" count.
func IsCPUDevice(device string) bool {
	return strings.Contains(strings.ToUpper(device), "CPU")
}

// NewEngine creates our concrete inference engine
func NewEngine(log logs.Log, options onnx.Options) (nn.Engine, error) {
	log.Infof("Creating Inference Engine")
	return onnx.NewEngine(log, options)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

var errNotFound = errors.New("Not found")

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		os.Remove(tempFile)
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}

// FetchModel returns the local path of a model.
// If model is a URL, then the model and its paired weights file are downloaded into cacheDir,
// unless they're already there. A weights file that doesn't exist on the server is not an error,
// because some model formats don't have one.
func FetchModel(log logs.Log, model, cacheDir string) (string, error) {
	if !isURL(model) {
		return model, nil
	}
	u, err := url.Parse(model)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", fmt.Errorf("Model URL %v has no filename", model)
	}
	localModel := filepath.Join(cacheDir, name)

	weightsURL := *u
	weightsURL.Path = WeightsFile(u.Path)

	downloads := []struct {
		src      string
		dst      string
		optional bool
	}{
		{u.String(), localModel, false},
		{weightsURL.String(), WeightsFile(localModel), true},
	}
	for _, d := range downloads {
		if _, err := os.Stat(d.dst); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", err
		}
		log.Infof("Downloading %v to %v", d.src, d.dst)
		err := downloadFile(d.src, d.dst)
		if errors.Is(err, errNotFound) && d.optional {
			log.Infof("%v does not exist", d.src)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("Download of %v failed: %w", d.src, err)
		}
	}
	return localModel, nil
}

// CheckSupportedLayers returns an UnsupportedLayersError if the device cannot execute every layer of net
func CheckSupportedLayers(engine nn.Engine, net *nn.Network, device string) error {
	supported, err := engine.QueryNetwork(net, device)
	if err != nil {
		return err
	}
	missing := []string{}
	for _, l := range net.Layers {
		if _, ok := supported[l.Name]; !ok {
			missing = append(missing, l.Name)
		}
	}
	if len(missing) != 0 {
		return &UnsupportedLayersError{Device: device, Layers: missing}
	}
	return nil
}

// LoadModel reads a model, verifies that the device can run it, and loads it onto the device.
func LoadModel(log logs.Log, engine nn.Engine, modelFile string, setup Setup) (*nn.Network, nn.ExecutableNetwork, error) {
	device := setup.Device
	if device == "" {
		device = "CPU"
	}
	if setup.Extension != "" && IsCPUDevice(device) {
		if err := engine.AddExtension(setup.Extension, "CPU"); err != nil {
			return nil, nil, err
		}
	}

	modelFile, err := FetchModel(log, modelFile, setup.ModelCacheDir)
	if err != nil {
		return nil, nil, err
	}
	weightsFile := WeightsFile(modelFile)
	log.Infof("Loading network files:\n\t%v\n\t%v", modelFile, weightsFile)
	net, err := engine.ReadNetwork(modelFile, weightsFile)
	if err != nil {
		return nil, nil, err
	}

	if IsCPUDevice(device) {
		if err := CheckSupportedLayers(engine, net, "CPU"); err != nil {
			log.Errorf("%v", err)
			log.Errorf("Please try to specify a cpu extensions library path using the -l or --cpu_extension command line argument")
			return nil, nil, err
		}
	}

	if len(net.Inputs) != 1 {
		return nil, nil, fmt.Errorf("Only single input topologies are supported, but %v has %v inputs", modelFile, len(net.Inputs))
	}
	if len(net.Outputs) == 0 {
		return nil, nil, fmt.Errorf("%v has no outputs", modelFile)
	}

	batchSize := setup.BatchSize
	if setup.NumInputs > 0 {
		batchSize = min(batchSize, setup.NumInputs)
	}
	if batchSize < 1 {
		return nil, nil, fmt.Errorf("Invalid batch size %v", batchSize)
	}
	net.SetBatchSize(batchSize)

	numRequests := max(setup.NumRequests, 1)
	log.Infof("Loading model to the plugin")
	exec, err := engine.LoadNetwork(net, device, numRequests)
	if err != nil {
		return nil, nil, err
	}
	return net, exec, nil
}
