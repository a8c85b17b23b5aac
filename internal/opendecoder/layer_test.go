package opendecoder

import (
	"context"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-decoding/internal/arena"
	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/engine"
	"github.com/23skdu/longbow-decoding/internal/kvcache"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.BatchSize = 2
	cfg.MaxSeqLen = 4
	cfg.HeadNum = 2
	cfg.SizePerHead = 4
	cfg.VocabSize = 12
	cfg.DecoderLayers = 2
	cfg.MemoryHiddenUnits = 6
	cfg.MemoryMaxSeqLen = 3
	cfg.EndID = 1
	cfg.CandidateNum = 1
	cfg.TuningFile = filepath.Join(t.TempDir(), "missing.in")
	return cfg
}

type harness struct {
	cfg    config.Config
	layer  *Layer
	arena  *arena.Arena
	cache  *kvcache.Manager
	input  device.F32
	output device.F32
	memory device.F32
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	prec, err := device.PrecisionByName(string(cfg.Precision))
	require.NoError(t, err)
	l := New(&cfg)
	layout, err := arena.Plan(&cfg, prec, arena.Probes{
		DecoderWorkspace: l.WorkspaceSize(cfg.BatchSize),
		TopKWorkspace:    64,
		RNGState:         20,
	})
	require.NoError(t, err)
	a, err := arena.Allocate(device.NewContext(0), layout)
	require.NoError(t, err)
	t.Cleanup(a.Free)
	for _, r := range layout.Regions() {
		a.Zero(r.Name)
	}

	h := cfg.HiddenUnits()
	return &harness{
		cfg:    cfg,
		layer:  l,
		arena:  a,
		cache:  kvcache.New(a, &cfg),
		input:  randomFloats(1, cfg.BatchSize*h),
		output: make(device.F32, cfg.BatchSize*h),
		memory: randomFloats(2, cfg.BatchSize*cfg.MemoryMaxSeqLen*cfg.MemoryHiddenUnits),
	}
}

func randomFloats(seed uint64, n int) device.F32 {
	r := rand.New(rand.NewPCG(seed, 1))
	out := make(device.F32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64())
	}
	return out
}

func (h *harness) params(w *Weights, step int, populate bool, lengths []int32) engine.LayerParams {
	return engine.LayerParams{
		Weights:       w,
		Input:         h.input,
		Output:        h.output,
		Memory:        h.memory,
		MemoryLengths: lengths,
		Cache:         h.cache.Get(0),
		PopulateCross: populate,
		Workspace:     h.arena.Floats(arena.DecoderWorkspace),
		Step:          step,
		MaxSeqLen:     h.cfg.MaxSeqLen,
		Finished:      make([]uint8, h.cfg.BatchSize),
		FuseQKV:       h.cfg.FuseQKV,
		Batch:         h.cfg.BatchSize,
		HeadNum:       h.cfg.HeadNum,
		SizePerHead:   h.cfg.SizePerHead,
		MemorySeqLen:  h.cfg.MemoryMaxSeqLen,
		MemoryHidden:  h.cfg.MemoryHiddenUnits,
	}
}

func allZero(f device.Floats) bool {
	for i := 0; i < f.Len(); i++ {
		if f.At(i) != 0 {
			return false
		}
	}
	return true
}

func TestWorkspaceSize(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, 3*8*workspaceRows, New(&cfg).WorkspaceSize(3))
}

func TestForwardRejectsForeignWeights(t *testing.T) {
	h := newHarness(t, testConfig(t))
	p := h.params(nil, 1, true, nil)
	p.Weights = "not weights"
	assert.ErrorIs(t, h.layer.Forward(p), ErrWeights)
}

func TestForwardRejectsStepOutOfRange(t *testing.T) {
	h := newHarness(t, testConfig(t))
	w := RandomWeights(&h.cfg, 3)[0]
	assert.Error(t, h.layer.Forward(h.params(w, 0, true, nil)))
	assert.Error(t, h.layer.Forward(h.params(w, h.cfg.MaxSeqLen+1, true, nil)))
}

func TestForwardWritesOnlyCurrentPosition(t *testing.T) {
	h := newHarness(t, testConfig(t))
	w := RandomWeights(&h.cfg, 3)[0]
	view := h.cache.Get(0)

	require.NoError(t, h.layer.Forward(h.params(w, 1, true, nil)))
	k0, v0 := view.Position(0)
	k1, _ := view.Position(1)
	assert.False(t, allZero(k0))
	assert.False(t, allZero(v0))
	assert.True(t, allZero(k1))
	assert.False(t, allZero(h.output))

	require.NoError(t, h.layer.Forward(h.params(w, 2, false, nil)))
	k1, _ = view.Position(1)
	k2, _ := view.Position(2)
	assert.False(t, allZero(k1))
	assert.True(t, allZero(k2))
}

func TestCrossCacheOnlyFilledWhenAsked(t *testing.T) {
	h := newHarness(t, testConfig(t))
	w := RandomWeights(&h.cfg, 3)[0]
	view := h.cache.Get(0)

	require.NoError(t, h.layer.Forward(h.params(w, 1, false, nil)))
	assert.True(t, allZero(view.KMem))

	require.NoError(t, h.layer.Forward(h.params(w, 1, true, nil)))
	assert.False(t, allZero(view.KMem))
	assert.False(t, allZero(view.VMem))
	before := device.ToFloat32(view.KMem)

	device.Fill(h.memory, 9)
	require.NoError(t, h.layer.Forward(h.params(w, 2, false, nil)))
	assert.Equal(t, before, device.ToFloat32(view.KMem))
}

func TestMemoryLengthMasksTail(t *testing.T) {
	cfg := testConfig(t)
	run := func(tail float32) []float32 {
		h := newHarness(t, cfg)
		w := RandomWeights(&cfg, 5)[0]
		// sequence 0 attends to one memory position only
		seq := cfg.MemoryMaxSeqLen * cfg.MemoryHiddenUnits
		device.Fill(h.memory.Slice(cfg.MemoryHiddenUnits, seq), tail)
		require.NoError(t, h.layer.Forward(h.params(w, 1, true, []int32{1, 3})))
		return device.ToFloat32(h.output.Slice(0, cfg.HiddenUnits()))
	}
	assert.InDeltaSlice(t, run(0.5), run(-4), 1e-6)
}

func TestFusedMatchesSeparate(t *testing.T) {
	cfg := testConfig(t)
	w := RandomWeights(&cfg, 11)[0]

	separate := newHarness(t, cfg)
	require.NoError(t, separate.layer.Forward(separate.params(w, 1, true, nil)))

	w.Fuse()
	cfg.FuseQKV = true
	fused := newHarness(t, cfg)
	require.NoError(t, fused.layer.Forward(fused.params(w, 1, true, nil)))

	assert.InDeltaSlice(t, []float32(separate.output), []float32(fused.output), 1e-5)
	k0, _ := separate.cache.Get(0).Position(0)
	k1, _ := fused.cache.Get(0).Position(0)
	assert.InDeltaSlice(t, device.ToFloat32(k0), device.ToFloat32(k1), 1e-5)
}

func TestForwardHalfPrecision(t *testing.T) {
	cfg := testConfig(t)
	w := RandomWeights(&cfg, 7)[0]

	full := newHarness(t, cfg)
	require.NoError(t, full.layer.Forward(full.params(w, 1, true, nil)))

	cfg.Precision = config.PrecisionFP16
	half := newHarness(t, cfg)
	p := half.params(w, 1, true, nil)
	p.Input = device.FP16.From(half.input)
	out := device.FP16.New(half.output.Len())
	p.Output = out
	require.NoError(t, half.layer.Forward(p))

	assert.InDeltaSlice(t, []float32(full.output), device.ToFloat32(out), 5e-2)
}

func TestPositionEncoding(t *testing.T) {
	pe := PositionEncoding(3, 4)
	require.Len(t, pe, 12)
	assert.Equal(t, []float32{0, 0, 1, 1}, pe[:4])
	assert.InDelta(t, math.Sin(1), pe[4], 1e-6)
	assert.InDelta(t, math.Cos(1), pe[6], 1e-6)
	assert.InDelta(t, math.Sin(1e-4), pe[5], 1e-6)
}

func TestEngineEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.CandidateNum = 3
	cfg.Seed = 42
	h := cfg.HiddenUnits()

	e, err := engine.NewEngine(cfg, New(&cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	layers := RandomWeights(&cfg, 1)
	weights := make([]engine.LayerWeights, len(layers))
	for i, w := range layers {
		weights[i] = w
	}
	gamma := make(device.F32, h)
	device.Fill(gamma, 1)

	generate := func() ([]int32, []int32) {
		p := engine.DecodingParams{
			EmbeddingTable:   randomFloats(3, cfg.VocabSize*h),
			PositionEncoding: device.F32(PositionEncoding(cfg.MaxSeqLen, h)),
			LayerNormGamma:   gamma,
			LayerNormBeta:    make(device.F32, h),
			EmbeddingKernel:  randomFloats(4, h*cfg.VocabSize),
			EmbeddingBias:    make(device.F32, cfg.VocabSize),
			Memory:           randomFloats(5, cfg.BatchSize*cfg.MemoryMaxSeqLen*cfg.MemoryHiddenUnits),
			MemoryLengths:    []int32{3, 2},
			OutputIDs:        make([]int32, cfg.MaxSeqLen*cfg.BatchSize),
			SequenceLengths:  make([]int32, cfg.BatchSize),
		}
		require.NoError(t, e.Generate(context.Background(), weights, p))
		return p.OutputIDs, p.SequenceLengths
	}

	ids, lengths := generate()
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, int32(0))
		assert.Less(t, id, int32(cfg.VocabSize))
	}
	for _, n := range lengths {
		assert.GreaterOrEqual(t, n, int32(0))
		assert.LessOrEqual(t, n, int32(cfg.MaxSeqLen))
	}

	again, lengthsAgain := generate()
	assert.Equal(t, ids, again)
	assert.Equal(t, lengths, lengthsAgain)
}
