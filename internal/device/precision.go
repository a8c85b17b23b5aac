package device

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
)

// Precision is the numeric strategy shared by every float buffer of an
// engine: storage size, vocabulary alignment, logit saturation value and the
// legal GEMM algorithm ids. One implementation serves both modes.
type Precision struct {
	Name     string
	ElemSize int

	// VocabAlign is the multiple the projection width is padded to.
	VocabAlign int

	// MaxValue is the largest finite value, used to force finished rows.
	MaxValue float32

	// DataType is the tuning table's data type column for this mode.
	DataType int

	AlgoMin     int
	AlgoMax     int
	DefaultAlgo int

	// GemmWorkspace reports whether GEMM needs float32 conversion scratch.
	GemmWorkspace bool

	view  func(b []byte) Floats
	alloc func(n int) Floats
}

var (
	FP32 = &Precision{
		Name:        "fp32",
		ElemSize:    4,
		VocabAlign:  1,
		MaxValue:    math.MaxFloat32,
		DataType:    0,
		AlgoMin:     -1,
		AlgoMax:     23,
		DefaultAlgo: -1,
		view:        func(b []byte) Floats { return F32(arrow.Float32Traits.CastFromBytes(b)) },
		alloc:       func(n int) Floats { return make(F32, n) },
	}

	FP16 = &Precision{
		Name:          "fp16",
		ElemSize:      2,
		VocabAlign:    8,
		MaxValue:      65504,
		DataType:      1,
		AlgoMin:       99,
		AlgoMax:       115,
		DefaultAlgo:   99,
		GemmWorkspace: true,
		view:          func(b []byte) Floats { return F16(arrow.Uint16Traits.CastFromBytes(b)) },
		alloc:         func(n int) Floats { return make(F16, n) },
	}
)

func PrecisionByName(name string) (*Precision, error) {
	switch name {
	case FP32.Name:
		return FP32, nil
	case FP16.Name:
		return FP16, nil
	}
	return nil, fmt.Errorf("unknown precision %q", name)
}

// PrecisionByDataType returns the mode whose tuning table data type is dt.
func PrecisionByDataType(dt int) (*Precision, bool) {
	switch dt {
	case FP32.DataType:
		return FP32, true
	case FP16.DataType:
		return FP16, true
	}
	return nil, false
}

// PadVocab rounds the vocabulary size up to the mode's alignment.
func (p *Precision) PadVocab(vocab int) int {
	return (vocab + p.VocabAlign - 1) / p.VocabAlign * p.VocabAlign
}

// Pads reports whether the projection must be copied into padded buffers.
func (p *Precision) Pads(vocab int) bool {
	return p.PadVocab(vocab) != vocab
}

// ValidAlgo reports whether id is a plain BLAS algorithm legal in this mode.
func (p *Precision) ValidAlgo(id int) bool {
	return id >= p.AlgoMin && id <= p.AlgoMax
}

// View reinterprets device bytes as elements of this precision. len(b) must
// be a multiple of ElemSize.
func (p *Precision) View(b []byte) Floats {
	return p.view(b)
}

// New allocates a host-side buffer of n elements.
func (p *Precision) New(n int) Floats {
	return p.alloc(n)
}

// From converts host values into a new buffer of this precision.
func (p *Precision) From(vals []float32) Floats {
	f := p.alloc(len(vals))
	for i, v := range vals {
		f.Set(i, v)
	}
	return f
}

func (p *Precision) String() string {
	return p.Name
}
