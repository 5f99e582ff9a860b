// Package config holds the settings of a classification run.
// Settings come from an optional TOML file, and command line flags override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cyclopcam/logs"
)

type Config struct {
	Model        string   `toml:"model"`         // Model file, or URL
	Inputs       []string `toml:"inputs"`        // Image files, or directories of images
	Output       string   `toml:"output"`        // JSON file with inference results
	Batch        int      `toml:"batch"`         // Inference batch size
	CPUExtension string   `toml:"cpu_extension"` // Library of custom CPU kernels
	Device       string   `toml:"device"`        // CPU, GPU, MYRIAD, HDDL, or HETERO:...
	Labels       string   `toml:"labels"`        // Labels mapping file
	NumberTop    int      `toml:"number_top"`    // Number of top results to report for each image
	Mode         string   `toml:"mode"`          // sync or async
	NumIter      int      `toml:"niter"`         // Inference repetitions per batch
	OutputBlob   string   `toml:"output_blob"`   // Name of the output tensor. Empty means the first output.
	Channels     string   `toml:"channels"`      // bgr or rgb
	ModelDir     string   `toml:"model_dir"`     // Download cache for models given as URLs
	ORTLibrary   string   `toml:"ortlib"`        // Path to the ONNX Runtime shared library
	Threads      int      `toml:"threads"`       // Threads per operator. Zero lets the engine decide.
	Progress     bool     `toml:"progress"`      // Show a progress bar
}

// Image file extensions that we pick up when an input is a directory
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

func Default() *Config {
	return &Config{
		Device:    "CPU",
		NumberTop: 10,
		Mode:      "sync",
		NumIter:   1,
		Channels:  "bgr",
		ModelDir:  "models",
	}
}

// Load a TOML config file on top of the defaults
func Load(filename string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(filename, cfg)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("Unknown settings in %v: %v", filename, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// FindConfigFile returns the value of -c or --config in args, without parsing anything else.
// We need the config file before we build the flag parser, because the file supplies the flag defaults.
func FindConfigFile(args []string) string {
	for i, a := range args {
		for _, name := range []string{"-c", "--config"} {
			if a == name && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(a, name+"="); ok {
				return v
			}
		}
	}
	return ""
}

// Validate checks that required settings are present and that values are in range.
// The inference mode is checked by the request wrapper, when inference starts.
func (c *Config) Validate() error {
	missing := []string{}
	if c.Model == "" {
		missing = append(missing, "model")
	}
	if len(c.Inputs) == 0 {
		missing = append(missing, "input")
	}
	if c.Output == "" {
		missing = append(missing, "output")
	}
	if len(missing) != 0 {
		return fmt.Errorf("Missing required settings: %v", strings.Join(missing, ", "))
	}
	if c.Batch < 1 {
		return fmt.Errorf("Batch size must be at least 1 (got %v)", c.Batch)
	}
	if c.NumIter < 1 {
		return fmt.Errorf("niter must be at least 1 (got %v)", c.NumIter)
	}
	if c.NumberTop < 0 {
		return fmt.Errorf("number_top may not be negative (got %v)", c.NumberTop)
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads may not be negative (got %v)", c.Threads)
	}
	return nil
}

func isImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ExpandInputs replaces every directory in paths with the image files inside it (not recursive),
// in lexical order. Files are kept as given, whatever their extension.
func ExpandInputs(log logs.Log, paths []string) ([]string, error) {
	files := []string{}
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		found := []string{}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !isImageFile(e.Name()) {
				continue
			}
			found = append(found, filepath.Join(p, e.Name()))
		}
		sort.Strings(found)
		if len(found) == 0 {
			log.Warnf("No images found in %v", p)
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, errors.New("No input images")
	}
	return files, nil
}
