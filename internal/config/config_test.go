package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesKeys(t *testing.T) {
	path := writeConfig(t, `
# training
records_roots: [ "/data/a", /data/b ]
epochs: 2
batch_size: 32
min_after_dequeue: 100
capacity: 500
learning_rate: 0.01
summary_dir: 'out/summaries'
stride: 2
tolerance: 1e-7
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a", "/data/b"}, cfg.RecordsRoots)
	assert.Equal(t, 2, cfg.Epochs)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 100, cfg.MinAfterDequeue)
	assert.Equal(t, 500, cfg.Capacity)
	assert.Equal(t, 0.01, cfg.LearningRate)
	assert.Equal(t, "out/summaries", cfg.SummaryDir)
	assert.Equal(t, 2, cfg.Stride)
	assert.Equal(t, 1e-7, cfg.Tolerance)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Readers)
	assert.Equal(t, 1, cfg.Pad)
	assert.NoError(t, cfg.ValidateTrain())
	assert.NoError(t, cfg.ValidateGradcheck())
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(writeConfig(t, "steps: many\n"))
	assert.ErrorContains(t, err, "line 1: steps")
	_, err = Load(writeConfig(t, "colour: red\n"))
	assert.ErrorContains(t, err, "unknown key colour")
	_, err = Load(writeConfig(t, "just text\n"))
	assert.ErrorContains(t, err, "missing ':'")
	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOverridesAndValidation(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateTrain())

	cfg.ApplyOverrides(Overrides{RecordsRoots: []string{"/records"}, BatchSize: 8, Steps: 10})
	require.NoError(t, cfg.ValidateTrain())
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 10, cfg.Steps)

	cfg.Epochs = 0
	cfg.Steps = 0
	assert.Error(t, cfg.ValidateTrain())

	cfg.Steps = 1
	cfg.MinAfterDequeue = cfg.Capacity
	assert.Error(t, cfg.ValidateTrain())

	cfg = Default()
	cfg.Stride = 0
	assert.Error(t, cfg.ValidateGradcheck())
}
