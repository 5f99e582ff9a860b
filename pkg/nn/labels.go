package nn

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
)

// Classification is one class of a classifier output, with its probability
type Classification struct {
	Class       int     `json:"class"`
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// Load a labels mapping file.
// Each line is "<id> <label text>", such as "n01440764 tench, Tinca tinca". We keep only the
// text after the first space. Line N is the label of class N, so empty lines are preserved.
func LoadLabelsFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	labels := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if _, after, found := strings.Cut(line, " "); found {
			line = after
		}
		labels = append(labels, strings.TrimSpace(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// TopN returns the n most probable classes, in descending order of probability.
// NaN probabilities sort last. If labels is nil or too short, the label is the class number.
func TopN(probs []float32, n int, labels []string) []Classification {
	all := make([]Classification, len(probs))
	for i, p := range probs {
		all[i] = Classification{
			Class:       i,
			Label:       ClassLabel(i, labels),
			Probability: p,
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].Probability, all[j].Probability
		if math32.IsNaN(a) {
			return false
		}
		if math32.IsNaN(b) {
			return true
		}
		return a > b
	})
	if n < len(all) && n >= 0 {
		all = all[:n]
	}
	return all
}

// Return the label of a class, or its number if we have no label for it
func ClassLabel(class int, labels []string) string {
	if class >= 0 && class < len(labels) {
		return labels[class]
	}
	return strconv.Itoa(class)
}
