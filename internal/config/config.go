package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Precision names the numeric mode of every arena float buffer.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
)

// TerminationMode selects how finished flags are gathered once per step.
type TerminationMode string

const (
	TerminationHost   TerminationMode = "host"
	TerminationDevice TerminationMode = "device"
)

// DefaultTuningFile is the tuning table looked up when none is configured.
const DefaultTuningFile = "decoding_gemm_config.in"

type Config struct {
	BatchSize         int `yaml:"batch_size"`
	MaxSeqLen         int `yaml:"max_seq_len"`
	HeadNum           int `yaml:"head_num"`
	SizePerHead       int `yaml:"size_per_head"`
	VocabSize         int `yaml:"vocab_size"`
	DecoderLayers     int `yaml:"decoder_layers"`
	MemoryHiddenUnits int `yaml:"memory_hidden_units"`
	MemoryMaxSeqLen   int `yaml:"memory_max_seq_len"`
	StartID           int `yaml:"start_id"`
	EndID             int `yaml:"end_id"`

	// Exactly one of CandidateNum (top-k) and ProbabilityThreshold (top-p)
	// must be nonzero.
	CandidateNum         int     `yaml:"candidate_num"`
	ProbabilityThreshold float64 `yaml:"probability_threshold"`

	// FuseQKV is forwarded untouched to the decoder layer.
	FuseQKV bool `yaml:"fuse_qkv"`

	Precision       Precision       `yaml:"precision"`
	Seed            uint64          `yaml:"seed"`
	TuningFile      string          `yaml:"tuning_file"`
	TerminationMode TerminationMode `yaml:"termination_mode"`
	MaxMemory       int64           `yaml:"max_memory"`
	Parallelism     int             `yaml:"parallelism"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// HiddenUnits is the model width, heads times per-head width.
func (c *Config) HiddenUnits() int {
	return c.HeadNum * c.SizePerHead
}

// IsTopK reports whether the engine samples with a fixed candidate count.
func (c *Config) IsTopK() bool {
	return c.CandidateNum != 0
}

func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return newError("batch_size", c.BatchSize, "must be positive")
	}
	if c.MaxSeqLen <= 0 {
		return newError("max_seq_len", c.MaxSeqLen, "must be positive")
	}
	if c.HeadNum <= 0 {
		return newError("head_num", c.HeadNum, "must be positive")
	}
	if c.SizePerHead <= 0 {
		return newError("size_per_head", c.SizePerHead, "must be positive")
	}
	if c.VocabSize <= 0 {
		return newError("vocab_size", c.VocabSize, "must be positive")
	}
	if c.DecoderLayers <= 0 {
		return newError("decoder_layers", c.DecoderLayers, "must be positive")
	}
	if c.MemoryHiddenUnits <= 0 {
		return newError("memory_hidden_units", c.MemoryHiddenUnits, "must be positive")
	}
	if c.MemoryMaxSeqLen <= 0 {
		return newError("memory_max_seq_len", c.MemoryMaxSeqLen, "must be positive")
	}
	if c.StartID < 0 || c.StartID >= c.VocabSize {
		return newError("start_id", c.StartID, fmt.Sprintf("must be in [0, %d)", c.VocabSize))
	}
	if c.EndID < 0 || c.EndID >= c.VocabSize {
		return newError("end_id", c.EndID, fmt.Sprintf("must be in [0, %d)", c.VocabSize))
	}
	if err := c.validateSampling(); err != nil {
		return err
	}

	switch c.Precision {
	case PrecisionFP32, PrecisionFP16:
	default:
		return newError("precision", c.Precision, "expected fp32 or fp16")
	}
	switch c.TerminationMode {
	case TerminationHost, TerminationDevice:
	default:
		return newError("termination_mode", c.TerminationMode, "expected host or device")
	}
	if c.MaxMemory < 0 {
		return newError("max_memory", c.MaxMemory, "must be non-negative")
	}
	if c.Parallelism < 0 {
		return newError("parallelism", c.Parallelism, "must be non-negative")
	}
	return nil
}

func (c *Config) validateSampling() error {
	return ValidateSampling(c.CandidateNum, c.ProbabilityThreshold, c.VocabSize)
}

// ValidateSampling checks that exactly one sampling strategy is selected and
// that its parameter is in range.
func ValidateSampling(k int, p float64, vocab int) error {
	switch {
	case k == 0 && p == 0:
		return newError("candidate_num", k, "candidate_num for top-k is 0 and probability_threshold for top-p is 0.0")
	case k != 0 && p != 0:
		return newError("candidate_num", k, fmt.Sprintf("candidate_num for top-k and probability_threshold %g for top-p are both set", p))
	case k < 0:
		return newError("candidate_num", k, "must be positive")
	case k > vocab:
		return newError("candidate_num", k, fmt.Sprintf("must not exceed vocab_size %d", vocab))
	case k == 0 && !(p > 0 && p < 1):
		return newError("probability_threshold", p, "must be in (0, 1)")
	}
	return nil
}

func Default() Config {
	return Config{
		MaxSeqLen:       32,
		Precision:       PrecisionFP32,
		TuningFile:      DefaultTuningFile,
		TerminationMode: TerminationHost,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Load reads a YAML config on top of Default. Fields absent from the file keep
// their defaults. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Precision = Precision(strings.ToLower(string(cfg.Precision)))
	cfg.TerminationMode = TerminationMode(strings.ToLower(string(cfg.TerminationMode)))
	return cfg, nil
}
