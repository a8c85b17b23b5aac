package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-decoding/internal/arena"
	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/gemm"
	"github.com/23skdu/longbow-decoding/internal/kernels"
	"github.com/23skdu/longbow-decoding/internal/kvcache"
	"github.com/23skdu/longbow-decoding/internal/logger"
	"github.com/23skdu/longbow-decoding/internal/metrics"
	"github.com/23skdu/longbow-decoding/internal/sampling"
)

var (
	// ErrBusy is returned when Generate is called while another call on the
	// same engine is running.
	ErrBusy = errors.New("engine busy")
	// ErrInvalidParams wraps every DecodingParams shape violation.
	ErrInvalidParams = errors.New("invalid decoding params")
	// ErrClosed is returned by Generate after Close.
	ErrClosed = errors.New("engine closed")
)

// Engine generates token sequences for a fixed batch shape. It owns one
// arena and one stream; Generate calls run one at a time.
type Engine struct {
	cfg     config.Config
	prec    *device.Precision
	decoder DecoderLayer

	devCtx *device.Context
	stream *device.Stream
	arena  *arena.Arena

	sampler sampling.Sampler
	rng     *sampling.RNG
	cache   *kvcache.Manager
	gemm    *gemm.Executor
	term    *terminationTracker
	pp      pingPong

	mu     sync.Mutex
	closed bool
	state  atomic.Int32

	statsMu sync.Mutex
	stats   Stats
}

type options struct {
	table  *gemm.Table
	devCtx *device.Context
}

type Option func(*options)

// WithTuningTable uses a copy of an already loaded table instead of reading
// cfg.TuningFile.
func WithTuningTable(t *gemm.Table) Option {
	return func(o *options) { o.table = t }
}

// WithDeviceContext allocates the arena from ctx.
func WithDeviceContext(ctx *device.Context) Option {
	return func(o *options) { o.devCtx = ctx }
}

type plan struct {
	prec    *device.Precision
	sampler sampling.Sampler
	layout  *arena.Layout
}

// prepare validates cfg and sizes the arena without allocating anything.
func prepare(cfg *config.Config, decoder DecoderLayer) (*plan, error) {
	if decoder == nil {
		return nil, fmt.Errorf("new engine: nil decoder layer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError(err)
	}
	prec, err := device.PrecisionByName(string(cfg.Precision))
	if err != nil {
		return nil, err
	}

	sampler, err := sampling.New(sampling.Params{
		Batch:                cfg.BatchSize,
		Vocab:                cfg.VocabSize,
		VocabPadded:          prec.PadVocab(cfg.VocabSize),
		EndID:                cfg.EndID,
		CandidateNum:         cfg.CandidateNum,
		ProbabilityThreshold: cfg.ProbabilityThreshold,
		MaxValue:             prec.MaxValue,
		Parallelism:          cfg.Parallelism,
	})
	if err != nil {
		return nil, configError(err)
	}

	probes := arena.Probes{
		DecoderWorkspace: decoder.WorkspaceSize(cfg.BatchSize),
		RNGState:         sampling.RNGStateSize(),
	}
	if cfg.IsTopK() {
		probes.TopKWorkspace = sampler.WorkspaceSize()
	} else {
		probes.TopPWorkspace = sampler.WorkspaceSize()
	}
	layout, err := arena.Plan(cfg, prec, probes)
	if err != nil {
		return nil, err
	}
	return &plan{prec: prec, sampler: sampler, layout: layout}, nil
}

// PlanLayout returns the arena layout NewEngine would allocate for cfg.
func PlanLayout(cfg config.Config, decoder DecoderLayer) (*arena.Layout, error) {
	pl, err := prepare(&cfg, decoder)
	if err != nil {
		return nil, err
	}
	return pl.layout, nil
}

// NewEngine validates cfg, sizes and allocates the arena and binds the
// sampler. Configuration errors are *config.Error and are returned before
// any allocation.
func NewEngine(cfg config.Config, decoder DecoderLayer, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	pl, err := prepare(&cfg, decoder)
	if err != nil {
		return nil, err
	}
	prec, sampler, layout := pl.prec, pl.sampler, pl.layout
	vp := prec.PadVocab(cfg.VocabSize)

	var table *gemm.Table
	if o.table != nil {
		table = o.table.Clone()
	} else if table, err = gemm.LoadTable(cfg.TuningFile, prec); err != nil {
		return nil, configError(err)
	}

	devCtx := o.devCtx
	if devCtx == nil {
		devCtx = device.NewContext(cfg.MaxMemory)
	}
	a, err := arena.Allocate(devCtx, layout)
	if err != nil {
		metrics.RecordGenerationError("allocate")
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		prec:    prec,
		decoder: decoder,
		devCtx:  devCtx,
		arena:   a,
		sampler: sampler,
		cache:   kvcache.New(a, &cfg),
		gemm:    gemm.NewExecutor(table, prec, a.Bytes(arena.GemmWorkspace)),
		stream:  device.NewStream("decoding", 0),
	}
	e.pp.slots = [2]device.Floats{a.Floats(arena.FromTensor0), a.Floats(arena.FromTensor1)}

	if e.rng, err = sampling.NewRNG(a.Bytes(arena.RNGState), cfg.BatchSize); err != nil {
		e.Close()
		return nil, err
	}
	err = sampler.Bind(sampling.Binding{
		Workspace:   a.Bytes(topWorkspace(cfg.IsTopK())),
		RNG:         e.rng,
		IDVals:      a.Int32s(arena.TopPIDVals),
		BeginOffset: a.Int32s(arena.BeginTopPOffset),
		Offset:      a.Int32s(arena.TopPOffset),
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.term = newTerminationTracker(cfg.TerminationMode, e.stream, a.Bools(arena.Finished), a.Int32s(arena.FinishedCount), cfg.BatchSize)
	e.stats.ArenaBytes = layout.Total()

	logger.Log.Info("Decoding engine initialized",
		"precision", prec.String(),
		"sampler", sampler.Name(),
		"batch", cfg.BatchSize,
		"max_seq_len", cfg.MaxSeqLen,
		"layers", cfg.DecoderLayers,
		"vocab_padded", vp,
		"arena", humanize.IBytes(uint64(layout.Total())),
		"tuning_entries", table.Len())
	return e, nil
}

func topWorkspace(topK bool) string {
	if topK {
		return arena.TopKWorkspace
	}
	return arena.TopPWorkspace
}

func configError(err error) error {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		metrics.RecordConfigError(cfgErr.Field)
	}
	return err
}

func (e *Engine) Config() config.Config {
	return e.cfg
}

func (e *Engine) Precision() *device.Precision {
	return e.prec
}

// Layout is the engine's arena plan.
func (e *Engine) Layout() *arena.Layout {
	return e.arena.Layout()
}

// State reports where the running generation is, or idle/done. The stage is
// set when its work is launched on the stream, so it can run ahead of the
// kernel currently executing.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// DeviceMemory is the number of bytes the engine's device context holds.
func (e *Engine) DeviceMemory() int64 {
	return e.devCtx.Used()
}

func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close stops the stream and frees the arena. It waits for a running
// Generate to return.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.stream.Close()
	e.arena.Free()
	logger.Log.Info("Decoding engine closed")
	return err
}

func (e *Engine) validate(weights []LayerWeights, p DecodingParams) error {
	c := &e.cfg
	h := c.HiddenUnits()
	if len(weights) != c.DecoderLayers {
		return fmt.Errorf("%w: %d layer weights for %d layers", ErrInvalidParams, len(weights), c.DecoderLayers)
	}
	checks := []struct {
		name string
		have int
		want int
	}{
		{"embedding table", floatsLen(p.EmbeddingTable), c.VocabSize * h},
		{"position encoding", floatsLen(p.PositionEncoding), c.MaxSeqLen * h},
		{"layer norm gamma", floatsLen(p.LayerNormGamma), h},
		{"layer norm beta", floatsLen(p.LayerNormBeta), h},
		{"embedding kernel", floatsLen(p.EmbeddingKernel), h * c.VocabSize},
		{"embedding bias", floatsLen(p.EmbeddingBias), c.VocabSize},
		{"memory", floatsLen(p.Memory), c.BatchSize * c.MemoryMaxSeqLen * c.MemoryHiddenUnits},
		{"memory lengths", len(p.MemoryLengths), c.BatchSize},
		{"output ids", len(p.OutputIDs), c.MaxSeqLen * c.BatchSize},
		{"sequence lengths", len(p.SequenceLengths), c.BatchSize},
	}
	for _, chk := range checks {
		if chk.have < chk.want {
			return fmt.Errorf("%w: %s holds %d values, need %d", ErrInvalidParams, chk.name, chk.have, chk.want)
		}
	}
	// full precision multiplies the caller's kernel in place
	if e.prec == device.FP32 {
		if _, ok := device.Float32s(p.EmbeddingKernel); !ok {
			return fmt.Errorf("%w: embedding kernel must be fp32", ErrInvalidParams)
		}
	}
	return nil
}

func floatsLen(f device.Floats) int {
	if f == nil {
		return 0
	}
	return f.Len()
}

// Generate runs one generation call. OutputIDs is filled column by column
// until every sequence has produced the end id or MaxSeqLen steps ran;
// columns after a sequence finished hold the end id. ctx is checked once
// per step, after the termination check.
func (e *Engine) Generate(ctx context.Context, weights []LayerWeights, p DecodingParams) error {
	if !e.mu.TryLock() {
		return ErrBusy
	}
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := e.validate(weights, p); err != nil {
		return err
	}

	id := uuid.New()
	log := logger.Log.With("generation", id.String())
	start := time.Now()

	steps, earlyExit, err := e.run(ctx, log, weights, p)
	if err != nil {
		metrics.RecordGenerationError(e.State().String())
		log.Error("Generation failed", "state", e.State().String(), "step", steps, "error", err)
		e.setState(StateDone)
		return err
	}
	e.setState(StateDone)

	tokens := 0
	for _, l := range p.SequenceLengths[:e.cfg.BatchSize] {
		tokens += int(l)
	}
	dur := time.Since(start)
	metrics.RecordGeneration(steps, earlyExit, dur)
	metrics.RecordTokens(tokens)

	e.statsMu.Lock()
	e.stats.Generations++
	e.stats.StepsRun += int64(steps)
	e.stats.LastSteps = steps
	e.stats.LastEarlyExit = 0
	if earlyExit {
		e.stats.LastEarlyExit = steps
	}
	e.statsMu.Unlock()

	log.Info("Generation complete", "steps", steps, "early_exit", earlyExit, "tokens", tokens, "duration", dur)
	return nil
}

func (e *Engine) run(ctx context.Context, log *logger.Logger, weights []LayerWeights, p DecodingParams) (int, bool, error) {
	c := &e.cfg
	batch := c.BatchSize
	hidden := c.HiddenUnits()
	vp := e.prec.PadVocab(c.VocabSize)

	wordIDs := e.arena.Int32s(arena.WordIDs)[:batch]
	finished := e.arena.Bools(arena.Finished)[:batch]
	normed := e.arena.Floats(arena.DecoderNormedResult)
	logits := e.arena.Floats(arena.Logits)
	workspace := e.arena.Floats(arena.DecoderWorkspace)
	lengths := p.SequenceLengths[:batch]
	output := p.OutputIDs[:c.MaxSeqLen*batch]

	e.setState(StateInitializing)
	e.term.reset()
	e.stream.Launch("init_state", func() error {
		e.cache.Reset()
		clear(finished)
		clear(lengths)
		for b := range wordIDs {
			wordIDs[b] = int32(c.StartID)
		}
		for i := range output {
			output[i] = int32(c.EndID)
		}
		if err := e.rng.Seed(c.Seed); err != nil {
			return err
		}
		return e.sampler.Reset()
	})
	proj := e.padProjection(p)

	for step := 1; step <= c.MaxSeqLen; step++ {
		stepStart := time.Now()

		e.setState(StateEmbedding)
		e.stream.Launch("embedding_lookup", func() error {
			return kernels.EmbeddingLookup(e.pp.slots[0], p.EmbeddingTable, p.PositionEncoding, wordIDs, step, hidden)
		})

		e.setState(StateLayerCompute)
		e.pp.reset()
		for l := 0; l < c.DecoderLayers; l++ {
			lp := LayerParams{
				Layer:         l,
				Weights:       weights[l],
				Input:         e.pp.in(),
				Output:        e.pp.out(),
				Memory:        p.Memory,
				MemoryLengths: p.MemoryLengths,
				Cache:         e.cache.Get(l),
				Workspace:     workspace,
				Step:          step,
				MaxSeqLen:     c.MaxSeqLen,
				Finished:      finished,
				FuseQKV:       c.FuseQKV,
				Batch:         batch,
				HeadNum:       c.HeadNum,
				SizePerHead:   c.SizePerHead,
				MemorySeqLen:  c.MemoryMaxSeqLen,
				MemoryHidden:  c.MemoryHiddenUnits,
				Precision:     e.prec,
			}
			e.stream.Launch("decoder_layer", func() error {
				lp.PopulateCross = e.cache.CrossPending(lp.Layer)
				if err := e.decoder.Forward(lp); err != nil {
					return fmt.Errorf("layer %d step %d: %w", lp.Layer, lp.Step, err)
				}
				return e.cache.Commit(lp.Layer, lp.Step)
			})
			e.pp.swap()
		}

		e.setState(StateProject)
		final := e.pp.in()
		e.stream.Launch("layer_norm", func() error {
			return kernels.LayerNorm(normed, final, p.LayerNormGamma, p.LayerNormBeta, batch, hidden)
		})
		e.stream.Launch("projection_gemm", func() error {
			return e.gemm.Run(gemm.Shape{M: batch, N: vp, K: hidden}, normed, proj.kernel, logits)
		})

		e.setState(StateSample)
		column := output[(step-1)*batch : step*batch]
		e.stream.Launch("sample", func() error {
			return e.sampler.Sample(sampling.Step{
				Logits:   logits,
				Bias:     proj.bias,
				Finished: finished,
				WordIDs:  wordIDs,
				Lengths:  lengths,
				Output:   column,
			})
		})

		e.setState(StateCheckTermination)
		done, err := e.term.check()
		if err != nil {
			return step, false, err
		}
		metrics.RecordStep(time.Since(stepStart), done)
		log.Debug("Step complete", "step", step, "finished", done)

		if done == batch {
			return step, step < c.MaxSeqLen, nil
		}
		if err := ctx.Err(); err != nil {
			return step, false, fmt.Errorf("generation cancelled after step %d: %w", step, err)
		}
	}
	return c.MaxSeqLen, false, nil
}
