package metrics

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"tensordriver/internal/tensor"
	"tensordriver/internal/viz"
)

const histBins = 30

// Histogram summarizes one recorded tensor.
type Histogram struct {
	Tag    string
	Step   int
	Count  int
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	values []float64
}

// Summaries collects histogram and image summaries keyed by tag.
type Summaries struct {
	mu     sync.Mutex
	step   int
	hists  map[string]Histogram
	images map[string]*tensor.Tensor
}

// NewSummaries returns an empty registry.
func NewSummaries() *Summaries {
	return &Summaries{hists: map[string]Histogram{}, images: map[string]*tensor.Tensor{}}
}

// SetStep stamps subsequent summaries with step.
func (s *Summaries) SetStep(step int) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

// Histogram records descriptive statistics of values under tag, replacing any earlier record.
func (s *Summaries) Histogram(tag string, values []float64) {
	h := Histogram{Tag: tag, Count: len(values), values: append([]float64(nil), values...)}
	if len(values) > 0 {
		h.Min = floats.Min(values)
		h.Max = floats.Max(values)
		if len(values) > 1 {
			h.Mean, h.StdDev = stat.MeanStdDev(values, nil)
		} else {
			h.Mean = values[0]
		}
	}
	s.mu.Lock()
	h.Step = s.step
	s.hists[tag] = h
	s.mu.Unlock()
}

// Image records an 8-bit [1, H, W, C] image under tag.
func (s *Summaries) Image(tag string, img *tensor.Tensor) {
	s.mu.Lock()
	s.images[tag] = img
	s.mu.Unlock()
}

// Get returns the histogram recorded under tag.
func (s *Summaries) Get(tag string) (Histogram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hists[tag]
	return h, ok
}

// Histograms returns every histogram ordered by tag.
func (s *Summaries) Histograms() []Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Histogram, 0, len(s.hists))
	for _, h := range s.hists {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Flush appends the histogram statistics to dir/summaries.tsv and renders one PNG per
// histogram and image tag.
func (s *Summaries) Flush(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create summary dir")
	}
	hists := s.Histograms()
	s.mu.Lock()
	images := make(map[string]*tensor.Tensor, len(s.images))
	for tag, img := range s.images {
		images[tag] = img
	}
	s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, "summaries.tsv"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open summaries.tsv")
	}
	w := bufio.NewWriter(f)
	for _, h := range hists {
		fmt.Fprintf(w, "%d\t%s\t%d\t%.6g\t%.6g\t%.6g\t%.6g\n", h.Step, h.Tag, h.Count, h.Min, h.Max, h.Mean, h.StdDev)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "write summaries.tsv")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close summaries.tsv")
	}

	for _, h := range hists {
		if h.Count == 0 {
			continue
		}
		if err := plotHistogram(filepath.Join(dir, fileName(h.Tag)+".png"), h); err != nil {
			return errors.Wrapf(err, "plot %s", h.Tag)
		}
	}
	for tag, img := range images {
		if err := viz.WritePNG(filepath.Join(dir, fileName(tag)+".png"), img); err != nil {
			return errors.Wrapf(err, "image %s", tag)
		}
	}
	return nil
}

func fileName(tag string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(tag)
}

func plotHistogram(path string, h Histogram) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (step %d)", h.Tag, h.Step)
	p.X.Label.Text = "value"
	p.Y.Label.Text = "count"
	hist, err := plotter.NewHist(plotter.Values(h.values), histBins)
	if err != nil {
		return err
	}
	p.Add(hist)
	p.Add(plotter.NewGrid())
	return p.Save(4*vg.Inch, 3*vg.Inch, path)
}
