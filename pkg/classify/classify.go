// Package classify runs batches of images through a network, and collects the class probabilities of each image.
package classify

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cyclopcam/classifier/pkg/imgload"
	"github.com/cyclopcam/classifier/pkg/nn"
	"github.com/cyclopcam/classifier/pkg/nnreq"
	"github.com/cyclopcam/classifier/pkg/perfstats"
	"github.com/cyclopcam/logs"
	"github.com/docker/go-units"
)

type Options struct {
	BatchSize   int                  // Images per batch. Zero means the network batch size.
	Mode        nnreq.Mode           // sync or async
	NumIter     int                  // Inference repetitions per batch
	OutputBlob  string               // Output to read. Empty means the first output of the network.
	Channels    imgload.ChannelOrder // Order of color planes in the input tensor
	NumberTop   int                  // Log this many of the most probable classes of each image. Zero disables.
	Labels      []string             // Optional class labels, for the top-N log
	Progress    bool                 // Show a progress bar
	ProgressOut io.Writer            // Where the progress bar is drawn. Defaults to stderr.
}

// Results of a run
type Results struct {
	// Image base filename -> probabilities of classes 1..N-1, formatted as strings.
	// Class 0 is the background class, and is left out.
	Probabilities map[string][]string
	Stats         perfstats.Throughput
}

// Format a probability with the fewest digits that read back to the same float32
func FormatProbability(p float32) string {
	return strconv.FormatFloat(float64(p), 'g', -1, 32)
}

// Run classifies files in batches, using request 0 of exec.
// An image that cannot be read is fatal for the whole run.
func Run(log logs.Log, net *nn.Network, exec nn.ExecutableNetwork, files []string, options Options) (*Results, error) {
	if len(net.Inputs) != 1 {
		return nil, fmt.Errorf("Expected 1 network input, but there are %v", len(net.Inputs))
	}
	input := net.Inputs[0]
	_, channels, height, width, err := input.InputDims()
	if err != nil {
		return nil, err
	}

	outputName := options.OutputBlob
	if outputName == "" {
		if len(net.Outputs) == 0 {
			return nil, fmt.Errorf("Network has no outputs")
		}
		outputName = net.Outputs[0].Name
	}
	if net.Output(outputName) == nil {
		return nil, fmt.Errorf("Output '%v' not found. Network outputs are: %v", outputName, outputNames(net))
	}

	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = net.BatchSize
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("Invalid batch size %v", batchSize)
	}
	channelOrder := options.Channels
	if channelOrder == "" {
		channelOrder = imgload.ChannelOrderBGR
	}

	request, err := exec.Request(0)
	if err != nil {
		return nil, err
	}

	var bar *pb.ProgressBar
	if options.Progress {
		out := options.ProgressOut
		if out == nil {
			out = os.Stderr
		}
		bar = pb.New(len(files)).SetWriter(out).Start()
		defer bar.Finish()
	}

	results := &Results{
		Probabilities: map[string][]string{},
	}
	keySource := map[string]string{}

	for start := 0; start < len(files); start += batchSize {
		batchFiles := files[start:min(start+batchSize, len(files))]
		timing := perfstats.BatchTiming{}

		timing.LoadStart = time.Now()
		blob, err := imgload.LoadBatch(batchFiles, channels, height, width, channelOrder)
		if err != nil {
			return nil, err
		}
		log.Infof("Batch of %v images (%v x %v), input tensor %v", len(batchFiles), width, height, units.BytesSize(float64(len(blob.Data)*4)))

		wrapper := nnreq.NewWrapper(log, request, 0, options.NumIter)
		timing.InferStart = time.Now()
		if err := wrapper.Execute(options.Mode, nn.Inputs{input.Name: blob}); err != nil {
			return nil, err
		}
		output, err := request.Output(outputName)
		if err != nil {
			return nil, fmt.Errorf("Failed to read output '%v': %w", outputName, err)
		}
		timing.InferEnd = time.Now()
		results.Stats.AddBatch(timing)

		if len(output.Shape) == 0 || int(output.Shape[0]) < len(batchFiles) {
			return nil, fmt.Errorf("Output '%v' has shape %v, which does not cover a batch of %v", outputName, output.Shape, len(batchFiles))
		}
		for i, filename := range batchFiles {
			probs := output.Item(i)
			key := filepath.Base(filename)
			if prev, ok := keySource[key]; ok {
				log.Warnf("%v and %v have the same name. Only the results of %v are kept", prev, filename, filename)
			}
			keySource[key] = filename
			results.Probabilities[key] = formatProbabilities(probs)
			if options.NumberTop > 0 {
				logTop(log, filename, nn.TopN(probs, options.NumberTop, options.Labels))
			}
		}
		if bar != nil {
			bar.Add(len(batchFiles))
		}
	}
	log.Infof("Classified %v images in %v batches. Latency std dev %.3f ms", len(files), results.Stats.Batches(), results.Stats.LatencyStdDevMS())
	return results, nil
}

func formatProbabilities(probs []float32) []string {
	if len(probs) == 0 {
		return []string{}
	}
	s := make([]string, len(probs)-1)
	for i, p := range probs[1:] {
		s[i] = FormatProbability(p)
	}
	return s
}

func logTop(log logs.Log, filename string, top []nn.Classification) {
	lines := make([]string, len(top))
	for i, c := range top {
		lines[i] = fmt.Sprintf("%v %v", c.Label, FormatProbability(c.Probability))
	}
	log.Infof("Image %v:\n\t%v", filename, strings.Join(lines, "\n\t"))
}

func outputNames(net *nn.Network) string {
	names := make([]string, len(net.Outputs))
	for i, o := range net.Outputs {
		names[i] = o.Name
	}
	return strings.Join(names, ", ")
}

// Write the probabilities of every image as a JSON object
func WriteJSON(w io.Writer, probabilities map[string][]string) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(probabilities)
}

// WriteJSONFile is WriteJSON into a new (or truncated) file
func WriteJSONFile(filename string, probabilities map[string][]string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteJSON(f, probabilities); err != nil {
		f.Close()
		return fmt.Errorf("Error writing %v: %w", filename, err)
	}
	return f.Close()
}

// Print the average frames per second and latency over all batches
func (r *Results) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "Average FPS: %f\n", r.Stats.AverageFPS())
	fmt.Fprintf(w, "Average latency: %f ms\n", r.Stats.AverageLatencyMS())
}
