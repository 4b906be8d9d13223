package dataset

import (
	"context"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/pkg/errors"

	"tensordriver/internal/augment"
	"tensordriver/internal/tensor"
)

// Queue defaults of the shuffle batcher.
const (
	DefaultReaders         = 3
	DefaultCapacity        = 50000
	DefaultMinAfterDequeue = 10000
)

// PipelineOptions configures StartPipeline.
type PipelineOptions struct {
	Files           []string
	Epochs          int // passes over Files; 0 repeats forever
	BatchSize       int
	Readers         int
	Capacity        int
	MinAfterDequeue int
	Seed            int64
	Shape           ImageShape
	Augment         augment.Options
}

// Batch is a set of processed frames and their steering labels.
type Batch struct {
	Images *tensor.Tensor // [B, H, W, C]
	Labels []float64
}

// example is a processed frame waiting in the shuffle buffer. Pixels are held as float32 so a
// full buffer of 66x200x3 frames at the default min_after_dequeue stays near 1.6 GB.
type example struct {
	shape  []int
	pixels []float32
	label  float64
}

func newExample(img *tensor.Tensor, label float64) example {
	pixels := make([]float32, len(img.Data))
	for i, v := range img.Data {
		pixels[i] = float32(v)
	}
	return example{shape: img.Shape, pixels: pixels, label: label}
}

// StartPipeline launches the input pipeline: a filename queue reshuffled every epoch, parallel
// readers that decode and augment records, and a shuffle buffer that emits full batches. The
// batch channel closes once the inputs are exhausted or ctx is done; a final partial batch is
// dropped. Read and decode failures are reported on the error channel and stop the pipeline.
func StartPipeline(parent context.Context, opts PipelineOptions) (<-chan Batch, <-chan error, error) {
	if len(opts.Files) == 0 {
		return nil, nil, errors.New("pipeline: no input files")
	}
	if opts.BatchSize <= 0 {
		return nil, nil, errors.Errorf("pipeline: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.Epochs < 0 {
		return nil, nil, errors.Errorf("pipeline: epochs must be >= 0 (got %d)", opts.Epochs)
	}
	if opts.Readers <= 0 {
		opts.Readers = DefaultReaders
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MinAfterDequeue < 0 {
		opts.MinAfterDequeue = 0
	}
	if opts.MinAfterDequeue >= opts.Capacity {
		return nil, nil, errors.Errorf("pipeline: min_after_dequeue %d must be below capacity %d", opts.MinAfterDequeue, opts.Capacity)
	}
	if opts.Shape == (ImageShape{}) {
		opts.Shape = DefaultImageShape
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan string, opts.Readers)
	examples := make(chan example, opts.Readers*2)
	out := make(chan Batch)
	errCh := make(chan error, opts.Readers)

	rng := rand.New(rand.NewSource(opts.Seed))
	readerRngs := make([]*rand.Rand, opts.Readers)
	for i := range readerRngs {
		readerRngs[i] = rand.New(rand.NewSource(rng.Int63()))
	}
	batchRng := rand.New(rand.NewSource(rng.Int63()))

	go produceFilenames(ctx, jobs, opts.Files, opts.Epochs, rng)

	var readers sync.WaitGroup
	for i := 0; i < opts.Readers; i++ {
		readers.Add(1)
		go func(rng *rand.Rand) {
			defer readers.Done()
			if err := reader(ctx, jobs, examples, opts, rng); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errCh <- err:
				default:
				}
				cancel()
			}
		}(readerRngs[i])
	}
	go func() {
		readers.Wait()
		close(examples)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		shuffleBatch(ctx, examples, out, opts, batchRng)
	}()

	go func() {
		readers.Wait()
		<-done
		cancel()
		close(errCh)
	}()

	return out, errCh, nil
}

// produceFilenames feeds every file once per epoch, in a fresh random order each epoch.
func produceFilenames(ctx context.Context, jobs chan<- string, files []string, epochs int, rng *rand.Rand) {
	defer close(jobs)
	for epoch := 0; epochs == 0 || epoch < epochs; epoch++ {
		order := append([]string(nil), files...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, path := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- path:
			}
		}
	}
}

func reader(ctx context.Context, jobs <-chan string, examples chan<- example, opts PipelineOptions, rng *rand.Rand) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path, ok := <-jobs:
			if !ok {
				return nil
			}
			if err := readFile(ctx, path, examples, opts, rng); err != nil {
				return errors.Wrapf(err, "read %s", path)
			}
		}
	}
}

func readFile(ctx context.Context, path string, examples chan<- example, opts PipelineOptions, rng *rand.Rand) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open records")
	}
	defer f.Close()

	rr := NewRecordReader(f)
	for index := 0; ; index++ {
		raw, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "record %d", index)
		}
		rec, err := DecodeRecord(raw, opts.Shape)
		if err != nil {
			return errors.Wrapf(err, "record %d", index)
		}
		img, label, err := augment.Process(rec.Image, rec.Label, rng, opts.Augment)
		if err != nil {
			return errors.Wrapf(err, "record %d", index)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case examples <- newExample(img, label):
		}
	}
}

// shuffleBatch keeps at most MinAfterDequeue+1 examples buffered, dequeuing uniformly at random
// whenever more than MinAfterDequeue are held, and drains the buffer once input ends.
func shuffleBatch(ctx context.Context, in <-chan example, out chan<- Batch, opts PipelineOptions, rng *rand.Rand) {
	buf := make([]example, 0, opts.MinAfterDequeue+1)
	pending := make([]example, 0, opts.BatchSize)

	emit := func() bool {
		i := rng.Intn(len(buf))
		pending = append(pending, buf[i])
		buf[i] = buf[len(buf)-1]
		buf = buf[:len(buf)-1]
		if len(pending) < opts.BatchSize {
			return true
		}
		batch := assemble(pending)
		pending = pending[:0]
		select {
		case <-ctx.Done():
			return false
		case out <- batch:
			return true
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ex, ok := <-in:
			if !ok {
				for len(buf) > 0 {
					if !emit() {
						return
					}
				}
				return
			}
			buf = append(buf, ex)
			for len(buf) > opts.MinAfterDequeue {
				if !emit() {
					return
				}
			}
		}
	}
}

func assemble(examples []example) Batch {
	shape := append([]int{len(examples)}, examples[0].shape...)
	images := tensor.New(shape...)
	per := len(examples[0].pixels)
	labels := make([]float64, len(examples))
	for i, ex := range examples {
		dst := images.Data[i*per : (i+1)*per]
		for j, v := range ex.pixels {
			dst[j] = float64(v)
		}
		labels[i] = ex.label
	}
	return Batch{Images: images, Labels: labels}
}
