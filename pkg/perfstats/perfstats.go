package perfstats

import (
	"math"
	"time"
)

// Two scalars (N samples and X total amount), which can measure total and average values.
type Accumulator struct {
	Samples int64
	Total   float64
}

func (a *Accumulator) AddSample(v float64) {
	a.Samples++
	a.Total += v
}

func (a *Accumulator) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return a.Total / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// BatchTiming holds the three timestamps of one batch
type BatchTiming struct {
	LoadStart  time.Time // Before the first image of the batch was read
	InferStart time.Time // After the batch tensor was built, before inference was submitted
	InferEnd   time.Time // After the output was read back
}

// Inference is how long the engine took to produce the output
func (b BatchTiming) Inference() time.Duration {
	return b.InferEnd.Sub(b.InferStart)
}

// Latency is the end-to-end time of the batch, including image loading
func (b BatchTiming) Latency() time.Duration {
	return b.InferEnd.Sub(b.LoadStart)
}

// Throughput keeps per-batch frames-per-second and latency.
// FPS of a batch is the reciprocal of its inference time, so a batch of 4 that takes 100ms counts as 10 FPS.
type Throughput struct {
	FPS     Accumulator
	Latency TimeAccumulator

	latencies []float64 // milliseconds, one per batch
}

func (t *Throughput) AddBatch(b BatchTiming) {
	inference := b.Inference()
	if inference > 0 {
		t.FPS.AddSample(1 / inference.Seconds())
	} else {
		// Clock resolution can be coarser than a very fast inference
		t.FPS.AddSample(0)
	}
	t.Latency.AddSample(b.Latency())
	t.latencies = append(t.latencies, msec(b.Latency()))
}

func (t *Throughput) Batches() int64 {
	return t.Latency.Samples
}

// Mean of per-batch FPS
func (t *Throughput) AverageFPS() float64 {
	return t.FPS.Average()
}

// Mean of per-batch latency, in milliseconds
func (t *Throughput) AverageLatencyMS() float64 {
	return msec(t.Latency.Average())
}

// Standard deviation of per-batch latency, in milliseconds
func (t *Throughput) LatencyStdDevMS() float64 {
	_, variance := MeanVar(t.latencies)
	return math.Sqrt(variance)
}

// Returns (mean, variance) of the given samples, or zeros if there are none
func MeanVar(samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))
	sum = 0
	for _, v := range samples {
		diff := v - mean
		sum += diff * diff
	}
	return mean, sum / float64(len(samples))
}

func msec(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
