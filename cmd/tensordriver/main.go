package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"tensordriver/internal/config"
	"tensordriver/internal/conv"
	"tensordriver/internal/dataset"
	"tensordriver/internal/gradcheck"
	"tensordriver/internal/layers"
	"tensordriver/internal/matfile"
	"tensordriver/internal/trainer"
	"tensordriver/internal/viz"
)

const usage = `usage: tensordriver <command> [flags]

commands:
  gradcheck  compare naive and im2col convolution gradients with numeric ones
  train      train the steering model on TFRecord files
  grid       render a conv kernel as a 3x8 image grid
  mkrecords  write a synthetic TFRecord file of driving frames
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "gradcheck":
		err = runGradcheck(args)
	case "train":
		err = runTrain(args)
	case "grid":
		err = runGrid(args)
	case "mkrecords":
		err = runMkRecords(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runGradcheck(args []string) error {
	fs := flag.NewFlagSet("gradcheck", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to YAML config")
	fixture := fs.String("fixture", "", "MAT-file with x, w, b and dout; random fixtures when empty")
	im2colOut := fs.String("im2col-out", "", "Write an im2col export to this MAT-file")
	seed := fs.Int64("seed", 0, "PRNG seed for random fixtures")
	strict := fs.Bool("strict", false, "Fail when a relative error exceeds the tolerance")
	simple := fs.String("simple", "", "MAT-file with an (H, W, C, N) x_simple to expand with a 2x2 im2col")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	cfg.ApplyOverrides(config.Overrides{Fixture: *fixture, Im2ColOut: *im2colOut, Seed: *seed})
	if err := cfg.ValidateGradcheck(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	report, err := gradcheck.Run(gradcheck.Options{
		Fixture:   cfg.Fixture,
		Seed:      cfg.Seed,
		Param:     conv.Param{Stride: cfg.Stride, Pad: cfg.Pad},
		Im2ColOut: cfg.Im2ColOut,
		Simple:    *simple,
	})
	if err != nil {
		return err
	}
	passed := report.Passed(cfg.Tolerance)
	log.Printf("tolerance=%g passed=%t", cfg.Tolerance, passed)
	if *strict && !passed {
		return errors.Errorf("gradient errors above tolerance %g", cfg.Tolerance)
	}
	return nil
}

func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cfgPath := fs.String("config", "configs/demo.yaml", "Path to YAML config")
	roots := fs.String("records", "", "Comma separated directories of TFRecord files")
	epochs := fs.Int("epochs", 0, "Passes over the record files")
	steps := fs.Int("steps", 0, "Number of training steps")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	readers := fs.Int("readers", 0, "Number of record reader goroutines")
	seed := fs.Int64("seed", 0, "PRNG seed")
	logEvery := fs.Int("log-every", 0, "Log every N steps")
	summaryDir := fs.String("summary-dir", "", "Directory for histogram and image summaries")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	var rootList []string
	if *roots != "" {
		rootList = strings.Split(*roots, ",")
	}
	cfg.ApplyOverrides(config.Overrides{
		RecordsRoots: rootList,
		Epochs:       *epochs,
		Steps:        *steps,
		BatchSize:    *batchSize,
		Readers:      *readers,
		Seed:         *seed,
		LogEvery:     *logEvery,
		SummaryDir:   *summaryDir,
	})
	if err := cfg.ValidateTrain(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	files, err := dataset.DiscoverAll(cfg.RecordsRoots)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no records discovered under %v", cfg.RecordsRoots)
	}
	log.Printf("roots=%v files=%d", cfg.RecordsRoots, len(files))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = trainer.Run(ctx, trainer.RunConfig{
		Files:           files,
		Epochs:          cfg.Epochs,
		Steps:           cfg.Steps,
		BatchSize:       cfg.BatchSize,
		Readers:         cfg.Readers,
		Capacity:        cfg.Capacity,
		MinAfterDequeue: cfg.MinAfterDequeue,
		LogEvery:        cfg.LogEvery,
		Seed:            cfg.Seed,
		LearningRate:    cfg.LearningRate,
		Delta:           cfg.Delta,
		SummaryDir:      cfg.SummaryDir,
	})
	return err
}

func runGrid(args []string) error {
	fs := flag.NewFlagSet("grid", flag.ExitOnError)
	in := fs.String("mat", "", "MAT-file holding a [kh, kw, cin, 24] kernel; random init when empty")
	name := fs.String("var", "W", "Variable name of the kernel in the MAT-file")
	out := fs.String("out", "kernel_grid.png", "Output PNG path")
	pad := fs.Int("pad", 1, "Padding between kernels")
	seed := fs.Int64("seed", 42, "PRNG seed for the random kernel")
	fs.Parse(args)

	kernel := layers.NewBuilder(*seed, nil).TruncatedNormal(layers.WeightStdDev, 5, 5, 3, layers.GridRows*layers.GridCols)
	if *in != "" {
		vars, err := matfile.Load(*in)
		if err != nil {
			return err
		}
		k, ok := vars[*name]
		if !ok {
			return errors.Errorf("%s: no variable %q", *in, *name)
		}
		kernel = k
	}
	grid, err := viz.KernelsOnGrid(kernel, layers.GridRows, layers.GridCols, *pad)
	if err != nil {
		return err
	}
	if err := viz.WritePNG(*out, grid); err != nil {
		return err
	}
	log.Printf("kernel=%v grid=%v path=%s", kernel.Shape, grid.Shape, *out)
	return nil
}

func runMkRecords(args []string) error {
	fs := flag.NewFlagSet("mkrecords", flag.ExitOnError)
	out := fs.String("out", "data/synthetic.tfrecord", "Output TFRecord path")
	count := fs.Int("count", 100, "Number of records")
	seed := fs.Int64("seed", 42, "PRNG seed")
	fs.Parse(args)

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}
	f, err := os.Create(*out)
	if err != nil {
		return errors.Wrap(err, "create records")
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(*seed))
	shape := dataset.DefaultImageShape
	w := dataset.NewRecordWriter(f)
	for i := 0; i < *count; i++ {
		label := rng.Float64()*2 - 1
		if err := w.Write(dataset.EncodeRecord(syntheticRoad(shape, label), shape, float32(label))); err != nil {
			return err
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close records")
	}
	log.Printf("records=%d path=%s", *count, *out)
	return nil
}

// syntheticRoad draws a bright lane line whose slant follows the steering label.
func syntheticRoad(shape dataset.ImageShape, label float64) []byte {
	img := make([]byte, shape.Size())
	for y := 0; y < shape.Height; y++ {
		center := float64(shape.Width)/2 + label*float64(y-shape.Height/2)/2
		for x := 0; x < shape.Width; x++ {
			v := byte(40 + y/4)
			if math.Abs(float64(x)-center) < 4 {
				v = 230
			}
			for c := 0; c < shape.Channels; c++ {
				img[(y*shape.Width+x)*shape.Channels+c] = v
			}
		}
	}
	return img
}
