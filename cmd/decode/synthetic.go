package main

import (
	"math/rand/v2"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/engine"
	"github.com/23skdu/longbow-decoding/internal/opendecoder"
)

// model is a randomly initialized decoder with its embedding, projection
// and encoder memory, all stored at the engine precision.
type model struct {
	layers []engine.LayerWeights
	params func() engine.DecodingParams
}

func normals(r *rand.Rand, n int, scale float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64() * scale)
	}
	return out
}

func syntheticModel(cfg config.Config, prec *device.Precision, seed uint64) model {
	r := rand.New(rand.NewPCG(seed, 0x6d6f64656c))
	h := cfg.HiddenUnits()
	vocab := cfg.VocabSize

	embedding := prec.From(normals(r, vocab*h, 0.1))
	position := prec.From(opendecoder.PositionEncoding(cfg.MaxSeqLen, h))
	gammaVals := make([]float32, h)
	for i := range gammaVals {
		gammaVals[i] = 1
	}
	gamma := prec.From(gammaVals)
	beta := prec.New(h)
	kernel := prec.From(normals(r, h*vocab, 0.5))
	bias := prec.From(normals(r, vocab, 0.1))
	memory := prec.From(normals(r, cfg.BatchSize*cfg.MemoryMaxSeqLen*cfg.MemoryHiddenUnits, 1))
	lengths := make([]int32, cfg.BatchSize)
	for b := range lengths {
		lengths[b] = int32(cfg.MemoryMaxSeqLen - b%cfg.MemoryMaxSeqLen)
	}

	ws := opendecoder.RandomWeights(&cfg, seed)
	layers := make([]engine.LayerWeights, len(ws))
	for i, w := range ws {
		layers[i] = w
	}

	return model{
		layers: layers,
		params: func() engine.DecodingParams {
			return engine.DecodingParams{
				EmbeddingTable:   embedding,
				PositionEncoding: position,
				LayerNormGamma:   gamma,
				LayerNormBeta:    beta,
				EmbeddingKernel:  kernel,
				EmbeddingBias:    bias,
				Memory:           memory,
				MemoryLengths:    lengths,
				OutputIDs:        make([]int32, cfg.MaxSeqLen*cfg.BatchSize),
				SequenceLengths:  make([]int32, cfg.BatchSize),
			}
		},
	}
}
