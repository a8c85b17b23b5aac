package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.BatchSize = 2
	cfg.MaxSeqLen = 4
	cfg.HeadNum = 2
	cfg.SizePerHead = 4
	cfg.VocabSize = 16
	cfg.DecoderLayers = 2
	cfg.MemoryHiddenUnits = 8
	cfg.MemoryMaxSeqLen = 3
	cfg.EndID = 5
	cfg.CandidateNum = 1
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Precision != PrecisionFP32 {
		t.Errorf("expected precision fp32, got %q", cfg.Precision)
	}
	if cfg.TerminationMode != TerminationHost {
		t.Errorf("expected host termination, got %q", cfg.TerminationMode)
	}
	if cfg.TuningFile != DefaultTuningFile {
		t.Errorf("expected tuning file %q, got %q", DefaultTuningFile, cfg.TuningFile)
	}
	if cfg.CandidateNum != 0 || cfg.ProbabilityThreshold != 0 {
		t.Error("default config must not pick a sampling strategy")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		field   string
	}{
		{name: "valid top-k", mutate: func(c *Config) {}},
		{name: "valid top-p", mutate: func(c *Config) { c.CandidateNum = 0; c.ProbabilityThreshold = 0.9 }},
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true, field: "batch_size"},
		{name: "zero heads", mutate: func(c *Config) { c.HeadNum = 0 }, wantErr: true, field: "head_num"},
		{name: "zero layers", mutate: func(c *Config) { c.DecoderLayers = 0 }, wantErr: true, field: "decoder_layers"},
		{name: "end id out of vocab", mutate: func(c *Config) { c.EndID = 16 }, wantErr: true, field: "end_id"},
		{name: "negative start id", mutate: func(c *Config) { c.StartID = -1 }, wantErr: true, field: "start_id"},
		{name: "neither k nor p", mutate: func(c *Config) { c.CandidateNum = 0 }, wantErr: true, field: "candidate_num"},
		{name: "both k and p", mutate: func(c *Config) { c.ProbabilityThreshold = 0.5 }, wantErr: true, field: "candidate_num"},
		{name: "k above vocab", mutate: func(c *Config) { c.CandidateNum = 17 }, wantErr: true, field: "candidate_num"},
		{name: "p of one", mutate: func(c *Config) { c.CandidateNum = 0; c.ProbabilityThreshold = 1 }, wantErr: true, field: "probability_threshold"},
		{name: "negative p", mutate: func(c *Config) { c.CandidateNum = 0; c.ProbabilityThreshold = -0.2 }, wantErr: true, field: "probability_threshold"},
		{name: "NaN p", mutate: func(c *Config) { c.CandidateNum = 0; c.ProbabilityThreshold = math.NaN() }, wantErr: true, field: "probability_threshold"},
		{name: "unknown precision", mutate: func(c *Config) { c.Precision = "bf16" }, wantErr: true, field: "precision"},
		{name: "unknown termination", mutate: func(c *Config) { c.TerminationMode = "poll" }, wantErr: true, field: "termination_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *config.Error, got %T", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, cerr.Field)
			}
		})
	}
}

func TestHiddenUnits(t *testing.T) {
	cfg := validConfig()
	if got := cfg.HiddenUnits(); got != 8 {
		t.Errorf("expected hidden units 8, got %d", got)
	}
	if !cfg.IsTopK() {
		t.Error("expected top-k config")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decode.yaml")
	body := `
batch_size: 4
max_seq_len: 12
head_num: 2
size_per_head: 8
vocab_size: 100
decoder_layers: 3
memory_hidden_units: 16
memory_max_seq_len: 7
end_id: 2
probability_threshold: 0.8
precision: FP16
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BatchSize != 4 || cfg.MaxSeqLen != 12 || cfg.DecoderLayers != 3 {
		t.Errorf("unexpected shape fields: %+v", cfg)
	}
	if cfg.Precision != PrecisionFP16 {
		t.Errorf("expected precision to be normalized to fp16, got %q", cfg.Precision)
	}
	if cfg.TerminationMode != TerminationHost {
		t.Errorf("expected default termination mode to survive, got %q", cfg.TerminationMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
