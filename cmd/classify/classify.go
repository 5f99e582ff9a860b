package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/classifier/pkg/classify"
	"github.com/cyclopcam/classifier/pkg/config"
	"github.com/cyclopcam/classifier/pkg/imgload"
	"github.com/cyclopcam/classifier/pkg/nn"
	"github.com/cyclopcam/classifier/pkg/nnload"
	"github.com/cyclopcam/classifier/pkg/nnreq"
	"github.com/cyclopcam/classifier/pkg/onnx"
	"github.com/cyclopcam/logs"
)

// Build the options of a flag whose value may also come from the config file.
// The flag is only required when the config file didn't supply it.
func fromConfig(help string, value any, have bool) *argparse.Options {
	if have {
		return &argparse.Options{Help: help, Default: value}
	}
	return &argparse.Options{Help: help, Required: true}
}

// parseArgs reads the config file named by -c (if any), and overlays the command line on top of it
func parseArgs(args []string) (*config.Config, error) {
	cfg := config.Default()
	if configFile := config.FindConfigFile(args); configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return nil, err
		}
	}

	parser := argparse.NewParser("classify", "Classify images with a neural network, and write the class probabilities of each image to a JSON file")
	parser.String("c", "config", &argparse.Options{Help: "TOML file with default settings"})
	model := parser.String("m", "model", fromConfig("Path to a model file, or an http(s) URL", cfg.Model, cfg.Model != ""))
	inputs := parser.StringList("i", "input", fromConfig("Image file, or directory of images. May be repeated.", cfg.Inputs, len(cfg.Inputs) != 0))
	output := parser.String("o", "output", fromConfig("Output JSON file", cfg.Output, cfg.Output != ""))
	batch := parser.Int("b", "batch", fromConfig("Batch size", cfg.Batch, cfg.Batch != 0))
	cpuExtension := parser.String("l", "cpu_extension", &argparse.Options{Help: "Absolute path to a shared library with custom CPU kernels", Default: cfg.CPUExtension})
	device := parser.String("d", "device", &argparse.Options{Help: "Target device: CPU, GPU, FPGA, HDDL, MYRIAD, or HETERO:<devices>", Default: cfg.Device})
	labels := parser.String("", "labels", &argparse.Options{Help: "Labels mapping file", Default: cfg.Labels})
	numberTop := parser.Int("", "number_top", &argparse.Options{Help: "Number of top results to log for each image", Default: cfg.NumberTop})
	mode := parser.String("", "mode", &argparse.Options{Help: "Inference mode: sync or async", Default: cfg.Mode})
	numIter := parser.Int("", "niter", &argparse.Options{Help: "Number of inference iterations per batch", Default: cfg.NumIter})
	outputBlob := parser.String("", "output-blob", &argparse.Options{Help: "Name of the output tensor. Defaults to the first output of the network.", Default: cfg.OutputBlob})
	channels := parser.String("", "channels", &argparse.Options{Help: "Color plane order of the input tensor: bgr or rgb", Default: cfg.Channels})
	modelDir := parser.String("", "modeldir", &argparse.Options{Help: "Directory where downloaded models are kept", Default: cfg.ModelDir})
	ortLib := parser.String("", "ortlib", &argparse.Options{Help: "Path to the ONNX Runtime shared library", Default: cfg.ORTLibrary})
	threads := parser.Int("", "threads", &argparse.Options{Help: "Threads per operator. 0 lets the engine decide.", Default: cfg.Threads})
	progress := parser.Flag("", "progress", &argparse.Options{Help: "Show a progress bar", Default: cfg.Progress})
	if err := parser.Parse(args); err != nil {
		fmt.Print(parser.Usage(err))
		return nil, err
	}

	cfg.Model = *model
	cfg.Inputs = *inputs
	cfg.Output = *output
	cfg.Batch = *batch
	cfg.CPUExtension = *cpuExtension
	cfg.Device = *device
	cfg.Labels = *labels
	cfg.NumberTop = *numberTop
	cfg.Mode = *mode
	cfg.NumIter = *numIter
	cfg.OutputBlob = *outputBlob
	cfg.Channels = *channels
	cfg.ModelDir = *modelDir
	cfg.ORTLibrary = *ortLib
	cfg.Threads = *threads
	cfg.Progress = *progress
	if err := cfg.Validate(); err != nil {
		fmt.Print(parser.Usage(err))
		return nil, err
	}
	return cfg, nil
}

func run(log logs.Log, cfg *config.Config) error {
	channels, err := imgload.ParseChannelOrder(cfg.Channels)
	if err != nil {
		return err
	}
	files, err := config.ExpandInputs(log, cfg.Inputs)
	if err != nil {
		return err
	}
	log.Infof("Found %v images", len(files))

	var labels []string
	if cfg.Labels != "" {
		if labels, err = nn.LoadLabelsFile(cfg.Labels); err != nil {
			return fmt.Errorf("Failed to read labels: %w", err)
		}
	}

	engine, err := nnload.NewEngine(log, onnx.Options{
		SharedLibraryPath: cfg.ORTLibrary,
		IntraOpThreads:    cfg.Threads,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	net, exec, err := nnload.LoadModel(log, engine, cfg.Model, nnload.Setup{
		Device:        cfg.Device,
		Extension:     cfg.CPUExtension,
		BatchSize:     cfg.Batch,
		NumInputs:     len(files),
		NumRequests:   1,
		ModelCacheDir: cfg.ModelDir,
	})
	if err != nil {
		return err
	}
	defer exec.Close()
	log.Infof("Batch size is %v", net.BatchSize)

	results, err := classify.Run(log, net, exec, files, classify.Options{
		BatchSize:  net.BatchSize,
		Mode:       nnreq.Mode(cfg.Mode),
		NumIter:    cfg.NumIter,
		OutputBlob: cfg.OutputBlob,
		Channels:   channels,
		NumberTop:  cfg.NumberTop,
		Labels:     labels,
		Progress:   cfg.Progress,
	})
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.Output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := classify.WriteJSONFile(cfg.Output, results.Probabilities); err != nil {
		return err
	}
	log.Infof("Wrote results of %v images to %v", len(results.Probabilities), cfg.Output)
	results.PrintSummary(os.Stdout)
	return nil
}

func main() {
	cfg, err := parseArgs(os.Args)
	if err != nil {
		os.Exit(1)
	}

	log, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(log, cfg); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
