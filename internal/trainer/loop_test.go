package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tensordriver/internal/augment"
	"tensordriver/internal/dataset"
	"tensordriver/internal/model"
)

var shape = dataset.ImageShape{Height: 20, Width: 16, Channels: 3}

func writeRecords(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := dataset.NewRecordWriter(f)
	for i := 0; i < n; i++ {
		img := make([]byte, shape.Size())
		for j := range img {
			img[j] = byte((i*31 + j*7) % 256)
		}
		require.NoError(t, w.Write(dataset.EncodeRecord(img, shape, float32(i%5)/5-0.4)))
	}
}

func smallRun(t *testing.T, files []string) RunConfig {
	aug := augment.DefaultOptions()
	aug.CropTop, aug.CropHeight = 4, 12
	aug.Height, aug.Width = 12, 16
	arch := model.Architecture{
		Height: 12, Width: 16, Channels: 3,
		Convs:      []model.ConvSpec{{Kernel: 3, Filters: 24, Stride: 2, View: true}},
		PoolKernel: 2, PoolStride: 2,
		Hidden: []int{4},
		Bound:  2,
	}
	return RunConfig{
		Files:           files,
		Epochs:          1,
		BatchSize:       4,
		Readers:         2,
		Capacity:        16,
		MinAfterDequeue: 4,
		LogEvery:        2,
		Seed:            5,
		LearningRate:    0.01,
		Delta:           1,
		Shape:           shape,
		Augment:         &aug,
		Architecture:    &arch,
	}
}

func TestRunDrainsOneEpoch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tfrecord")
	b := filepath.Join(dir, "b.tfrecord")
	writeRecords(t, a, 9)
	writeRecords(t, b, 9)

	cfg := smallRun(t, []string{a, b})
	cfg.SummaryDir = filepath.Join(dir, "summaries")
	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	// 18 examples in batches of 4, remainder dropped
	assert.Equal(t, 4, res.Steps)
	assert.False(t, res.LastLoss < 0)

	for _, name := range []string{"summaries.tsv", "conv1_weights.png", "conv1_W_grid.png", "bound_val_in.png"} {
		_, err := os.Stat(filepath.Join(cfg.SummaryDir, name))
		assert.NoError(t, err, name)
	}
}

func TestRunStopsAtSteps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.tfrecord")
	writeRecords(t, path, 6)

	cfg := smallRun(t, []string{path})
	cfg.Epochs = 0
	cfg.Steps = 3
	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Steps)
}

func TestRunSurfacesPipelineErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tfrecord")
	require.NoError(t, os.WriteFile(path, []byte("not a record"), 0o644))

	_, err := Run(context.Background(), smallRun(t, []string{path}))
	require.Error(t, err)
	assert.ErrorIs(t, err, dataset.ErrCorrupt)
}

func TestRunHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.tfrecord")
	writeRecords(t, path, 6)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := smallRun(t, []string{path})
	cfg.Epochs = 0
	cfg.Steps = 100
	_, err := Run(ctx, cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunValidates(t *testing.T) {
	_, err := Run(context.Background(), RunConfig{Files: []string{"x"}})
	assert.Error(t, err)
	_, err = Run(context.Background(), RunConfig{BatchSize: 1})
	assert.Error(t, err)
}
