package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config captures the runtime knobs of the training and gradient-check tools.
type Config struct {
	RecordsRoots    []string `yaml:"records_roots"`
	Epochs          int      `yaml:"epochs"`
	BatchSize       int      `yaml:"batch_size"`
	Readers         int      `yaml:"readers"`
	Capacity        int      `yaml:"capacity"`
	MinAfterDequeue int      `yaml:"min_after_dequeue"`
	Seed            int64    `yaml:"seed"`
	Steps           int      `yaml:"steps"`
	LogEvery        int      `yaml:"log_every"`
	SummaryDir      string   `yaml:"summary_dir"`
	LearningRate    float64  `yaml:"learning_rate"`
	Delta           float64  `yaml:"delta"`

	Fixture   string  `yaml:"fixture"`
	Im2ColOut string  `yaml:"im2col_out"`
	Stride    int     `yaml:"stride"`
	Pad       int     `yaml:"pad"`
	Tolerance float64 `yaml:"tolerance"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	RecordsRoots []string
	Epochs       int
	BatchSize    int
	Readers      int
	Seed         int64
	Steps        int
	LogEvery     int
	SummaryDir   string
	Fixture      string
	Im2ColOut    string
}

// Default returns the settings used when a key is absent. The shuffle buffer holds up to
// min_after_dequeue+1 frames of 66x200x3 float32 values, about 1.6 GB at the default 10000;
// lower it on small hosts.
func Default() *Config {
	return &Config{
		Epochs:          1,
		BatchSize:       64,
		Readers:         3,
		Capacity:        50000,
		MinAfterDequeue: 10000,
		Seed:            42,
		LogEvery:        50,
		LearningRate:    1e-3,
		Delta:           1,
		Stride:          1,
		Pad:             1,
		Tolerance:       1e-6,
	}
}

// Load reads a Config from YAML on top of Default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.RecordsRoots) > 0 {
		c.RecordsRoots = o.RecordsRoots
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Readers > 0 {
		c.Readers = o.Readers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.SummaryDir != "" {
		c.SummaryDir = o.SummaryDir
	}
	if o.Fixture != "" {
		c.Fixture = o.Fixture
	}
	if o.Im2ColOut != "" {
		c.Im2ColOut = o.Im2ColOut
	}
}

// ValidateTrain verifies the config can drive a training run.
func (c *Config) ValidateTrain() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.RecordsRoots) == 0 {
		return errors.New("at least one records root must be set")
	}
	if c.Epochs < 0 {
		return errors.Errorf("epochs must be >= 0 (got %d)", c.Epochs)
	}
	if c.Steps < 0 {
		return errors.Errorf("steps must be >= 0 (got %d)", c.Steps)
	}
	if c.Epochs == 0 && c.Steps == 0 {
		return errors.New("steps must be set when epochs repeat forever")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Readers <= 0 {
		return errors.Errorf("readers must be > 0 (got %d)", c.Readers)
	}
	if c.MinAfterDequeue < 0 || c.MinAfterDequeue >= c.Capacity {
		return errors.Errorf("min_after_dequeue must be in [0, capacity) (got %d, capacity %d)", c.MinAfterDequeue, c.Capacity)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.Delta <= 0 {
		return errors.Errorf("delta must be > 0 (got %g)", c.Delta)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}

// ValidateGradcheck verifies the config can drive a gradient check.
func (c *Config) ValidateGradcheck() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Stride <= 0 {
		return errors.Errorf("stride must be > 0 (got %d)", c.Stride)
	}
	if c.Pad < 0 {
		return errors.Errorf("pad must be >= 0 (got %d)", c.Pad)
	}
	if c.Tolerance <= 0 {
		return errors.Errorf("tolerance must be > 0 (got %g)", c.Tolerance)
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("line %d: missing ':'", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, "\"'")

		var err error
		switch key {
		case "records_roots":
			cfg.RecordsRoots = splitList(value)
		case "epochs":
			cfg.Epochs, err = strconv.Atoi(value)
		case "batch_size":
			cfg.BatchSize, err = strconv.Atoi(value)
		case "readers":
			cfg.Readers, err = strconv.Atoi(value)
		case "capacity":
			cfg.Capacity, err = strconv.Atoi(value)
		case "min_after_dequeue":
			cfg.MinAfterDequeue, err = strconv.Atoi(value)
		case "seed":
			cfg.Seed, err = strconv.ParseInt(value, 10, 64)
		case "steps":
			cfg.Steps, err = strconv.Atoi(value)
		case "log_every":
			cfg.LogEvery, err = strconv.Atoi(value)
		case "summary_dir":
			cfg.SummaryDir = value
		case "learning_rate":
			cfg.LearningRate, err = strconv.ParseFloat(value, 64)
		case "delta":
			cfg.Delta, err = strconv.ParseFloat(value, 64)
		case "fixture":
			cfg.Fixture = value
		case "im2col_out":
			cfg.Im2ColOut = value
		case "stride":
			cfg.Stride, err = strconv.Atoi(value)
		case "pad":
			cfg.Pad, err = strconv.Atoi(value)
		case "tolerance":
			cfg.Tolerance, err = strconv.ParseFloat(value, 64)
		default:
			return nil, errors.Errorf("line %d: unknown key %s", lineNo, key)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: %s", lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts "a, b" and the flow form "[a, b]".
func splitList(value string) []string {
	value = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.Trim(strings.TrimSpace(item), "\"'")
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
