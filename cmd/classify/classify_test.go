package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	cfg, err := parseArgs([]string{"classify", "-m", "m.onnx", "-i", "a.jpg", "-i", "images", "-o", "out.json", "-b", "4", "--mode", "async"})
	require.NoError(t, err)
	require.Equal(t, "m.onnx", cfg.Model)
	require.Equal(t, []string{"a.jpg", "images"}, cfg.Inputs)
	require.Equal(t, "out.json", cfg.Output)
	require.Equal(t, 4, cfg.Batch)
	require.Equal(t, "async", cfg.Mode)
	require.Equal(t, "CPU", cfg.Device)
	require.Equal(t, 10, cfg.NumberTop)
	require.Equal(t, 1, cfg.NumIter)

	_, err = parseArgs([]string{"classify", "-m", "m.onnx", "-i", "a.jpg", "-o", "out.json"})
	require.Error(t, err)

	_, err = parseArgs([]string{"classify", "-m", "m.onnx", "-i", "a.jpg", "-o", "out.json", "-b", "0"})
	require.Error(t, err)
}

func TestParseArgsWithConfigFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "run.toml")
	content := `
model = "from-file.onnx"
inputs = ["images"]
output = "file.json"
batch = 2
device = "GPU"
`
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))

	// The file supplies the required settings
	cfg, err := parseArgs([]string{"classify", "-c", filename})
	require.NoError(t, err)
	require.Equal(t, "from-file.onnx", cfg.Model)
	require.Equal(t, 2, cfg.Batch)
	require.Equal(t, "GPU", cfg.Device)

	// The command line overrides the file
	cfg, err = parseArgs([]string{"classify", "--config", filename, "-b", "8", "-d", "CPU"})
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Batch)
	require.Equal(t, "CPU", cfg.Device)
	require.Equal(t, "file.json", cfg.Output)
}
