package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/logger"
)

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewCLI builds the root command and its subcommands.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "decode",
		Short:         "Sampling decoder over a synthetic transformer",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (console, json)")

	rootCmd.AddCommand(newRunCmd(), newPlanCmd())
	return rootCmd
}

// demoConfig is the model shape used when no config file is given.
func demoConfig() config.Config {
	cfg := config.Default()
	cfg.BatchSize = 4
	cfg.MaxSeqLen = 16
	cfg.HeadNum = 4
	cfg.SizePerHead = 8
	cfg.VocabSize = 61
	cfg.DecoderLayers = 2
	cfg.MemoryHiddenUnits = 32
	cfg.MemoryMaxSeqLen = 8
	cfg.StartID = 0
	cfg.EndID = 1
	cfg.CandidateNum = 4
	return cfg
}

// loadConfig reads --config (or the demo shape) and applies every model
// flag the user set explicitly. Logging is configured from the result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := demoConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	f := cmd.Flags()
	ints := map[string]*int{
		"batch":       &cfg.BatchSize,
		"max-len":     &cfg.MaxSeqLen,
		"heads":       &cfg.HeadNum,
		"head-size":   &cfg.SizePerHead,
		"vocab":       &cfg.VocabSize,
		"layers":      &cfg.DecoderLayers,
		"top-k":       &cfg.CandidateNum,
		"parallelism": &cfg.Parallelism,
	}
	for name, dst := range ints {
		if f.Lookup(name) != nil && f.Changed(name) {
			v, err := f.GetInt(name)
			if err != nil {
				return cfg, err
			}
			*dst = v
		}
	}
	if f.Changed("top-p") {
		cfg.ProbabilityThreshold, _ = f.GetFloat64("top-p")
		if !f.Changed("top-k") {
			cfg.CandidateNum = 0
		}
	}
	if f.Changed("precision") {
		p, _ := f.GetString("precision")
		cfg.Precision = config.Precision(p)
	}
	if f.Changed("termination") {
		m, _ := f.GetString("termination")
		cfg.TerminationMode = config.TerminationMode(m)
	}
	if f.Changed("seed") {
		cfg.Seed, _ = f.GetUint64("seed")
	}
	if f.Changed("fuse-qkv") {
		cfg.FuseQKV, _ = f.GetBool("fuse-qkv")
	}
	if f.Changed("tuning-file") {
		cfg.TuningFile, _ = f.GetString("tuning-file")
	}
	if f.Changed("max-memory") {
		cfg.MaxMemory, _ = f.GetInt64("max-memory")
	}
	if v, _ := f.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := f.GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}

	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func addModelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("batch", 0, "Sequences per generation")
	f.Int("max-len", 0, "Maximum generated length")
	f.Int("heads", 0, "Attention heads")
	f.Int("head-size", 0, "Width of each head")
	f.Int("vocab", 0, "Vocabulary size")
	f.Int("layers", 0, "Decoder layers")
	f.Int("top-k", 0, "Sample from the k most likely tokens")
	f.Float64("top-p", 0, "Sample from the smallest set with this probability mass")
	f.String("precision", "", "Arena precision (fp32, fp16)")
	f.String("termination", "", "Finished-flag gathering (host, device)")
	f.Uint64("seed", 0, "Sampler seed")
	f.Bool("fuse-qkv", false, "Use fused QKV weights in the decoder layers")
	f.String("tuning-file", "", "GEMM tuning table")
	f.Int64("max-memory", 0, "Device memory limit in bytes, 0 for unlimited")
	f.Int("parallelism", 0, "Rows sampled concurrently, 0 for one per row")
}
