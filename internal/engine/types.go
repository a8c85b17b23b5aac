package engine

import (
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/kvcache"
)

// LayerWeights is one layer's weight bundle. The engine forwards it to the
// decoder layer without looking inside.
type LayerWeights interface{}

// DecoderLayer computes one transformer decoder layer for one step.
type DecoderLayer interface {
	// WorkspaceSize is the scratch a Forward call needs, in elements of
	// the active precision.
	WorkspaceSize(batch int) int
	Forward(p LayerParams) error
}

// LayerParams is everything one Forward call may read or write.
type LayerParams struct {
	Layer   int
	Weights LayerWeights

	// Input and Output are batch × hidden. They never alias.
	Input  device.Floats
	Output device.Floats

	// Memory is batch × MemorySeqLen × MemoryHidden.
	Memory        device.Floats
	MemoryLengths []int32

	Cache kvcache.CacheView
	// PopulateCross is true on the one call that must fill Cache.KMem and
	// Cache.VMem from Memory.
	PopulateCross bool

	Workspace device.Floats

	// Step is 1-based; the layer writes cache position Step-1.
	Step      int
	MaxSeqLen int
	Finished  []uint8
	FuseQKV   bool

	Batch        int
	HeadNum      int
	SizePerHead  int
	MemorySeqLen int
	MemoryHidden int
	Precision    *device.Precision
}

// Hidden is HeadNum × SizePerHead.
func (p LayerParams) Hidden() int {
	return p.HeadNum * p.SizePerHead
}

// DecodingParams are the per-call inputs and outputs of Generate.
type DecodingParams struct {
	// EmbeddingTable is vocab × hidden; PositionEncoding is
	// maxSeqLen × hidden.
	EmbeddingTable   device.Floats
	PositionEncoding device.Floats

	LayerNormGamma device.Floats
	LayerNormBeta  device.Floats

	// EmbeddingKernel is hidden × vocab; EmbeddingBias is vocab.
	EmbeddingKernel device.Floats
	EmbeddingBias   device.Floats

	Memory        device.Floats
	MemoryLengths []int32

	// OutputIDs is maxSeqLen × batch, filled one column (step) at a time.
	OutputIDs       []int32
	SequenceLengths []int32
}

// Stats summarizes an engine's lifetime.
type Stats struct {
	ArenaBytes  int
	Generations int64
	StepsRun    int64
	// LastSteps is the number of steps the last generation ran.
	LastSteps int
	// LastEarlyExit is the step the last generation stopped at before
	// reaching the max length, or 0.
	LastEarlyExit int
}
