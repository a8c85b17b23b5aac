package arena

import (
	"fmt"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
)

// Kind is the element type of a region.
type Kind int

const (
	KindFloat Kind = iota
	KindInt32
	KindBool
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt32:
		return "int32"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Region names
const (
	GemmWorkspace         = "gemm_workspace"
	FromTensor0           = "from_tensor.0"
	FromTensor1           = "from_tensor.1"
	KCache                = "k_cache"
	VCache                = "v_cache"
	DecoderWorkspace      = "decoder_workspace"
	DecoderNormedResult   = "decoder_normed_result"
	Logits                = "logits"
	WordIDs               = "word_ids"
	Finished              = "finished"
	FinishedCount         = "finished_count"
	TopPIDVals            = "topp_id_vals"
	BeginTopPOffset       = "begin_topp_offset"
	TopPOffset            = "topp_offset"
	TopPWorkspace         = "topp_workspace"
	TopKWorkspace         = "topk_workspace"
	PaddedEmbeddingKernel = "padded_embedding_kernel"
	PaddedEmbeddingBias   = "padded_embedding_bias"
	RNGState              = "rng_state"
)

// FinishedCountElems is the size of the termination reduction scratch: the
// total lands in element 0, per-lane partial sums follow.
const FinishedCountElems = 32

// GemmPanelRows is the tallest K panel the projection GEMM converts at once.
const GemmPanelRows = 64

func KMemCache(layer int) string { return fmt.Sprintf("k_mem_cache.%d", layer) }
func VMemCache(layer int) string { return fmt.Sprintf("v_mem_cache.%d", layer) }

// Alignment in elements (bytes for KindBytes).
const (
	numericAlign = 4
	boolAlign    = 32
	bytesAlign   = 16
)

// Region is one named view of the arena.
type Region struct {
	Name   string
	Kind   Kind
	Offset int
	Elems  int
	Bytes  int
}

// Probes carries the data-dependent sizes that must be measured before the
// arena total is known.
type Probes struct {
	// DecoderWorkspace is in elements of the active precision.
	DecoderWorkspace int
	// TopKWorkspace and TopPWorkspace are in bytes. Only the active
	// strategy's value is used.
	TopKWorkspace int
	TopPWorkspace int
	// RNGState is in bytes per sequence.
	RNGState int
}

// Layout is the immutable arena plan.
type Layout struct {
	prec    *device.Precision
	regions []Region
	index   map[string]int
	total   int
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}

// Plan computes every region for cfg in arena order.
func Plan(cfg *config.Config, prec *device.Precision, probes Probes) (*Layout, error) {
	if prec == nil {
		return nil, fmt.Errorf("plan arena: nil precision")
	}
	if probes.DecoderWorkspace < 0 || probes.TopKWorkspace < 0 || probes.TopPWorkspace < 0 || probes.RNGState < 0 {
		return nil, fmt.Errorf("plan arena: negative probe size %+v", probes)
	}

	b := cfg.BatchSize
	h := cfg.HiddenUnits()
	vp := prec.PadVocab(cfg.VocabSize)
	cacheSize := b * cfg.MaxSeqLen * h
	memCacheSize := b * cfg.MemoryMaxSeqLen * h
	topK := cfg.IsTopK()

	l := &Layout{prec: prec, index: make(map[string]int)}

	if prec.GemmWorkspace {
		l.add(GemmWorkspace, KindBytes, (b*h+b*vp+GemmPanelRows*vp)*4)
	} else {
		l.add(GemmWorkspace, KindBytes, 0)
	}
	l.add(FromTensor0, KindFloat, b*h)
	l.add(FromTensor1, KindFloat, b*h)
	for i := 0; i < cfg.DecoderLayers; i++ {
		l.add(KMemCache(i), KindFloat, memCacheSize)
		l.add(VMemCache(i), KindFloat, memCacheSize)
	}
	l.add(KCache, KindFloat, cfg.DecoderLayers*cacheSize)
	l.add(VCache, KindFloat, cfg.DecoderLayers*cacheSize)
	l.add(DecoderWorkspace, KindFloat, probes.DecoderWorkspace)
	l.add(DecoderNormedResult, KindFloat, b*h)
	l.add(Logits, KindFloat, b*vp)
	l.add(WordIDs, KindInt32, b)
	l.add(Finished, KindBool, b)
	l.add(FinishedCount, KindInt32, FinishedCountElems)

	topPOnly := func(n int) int {
		if topK {
			return 0
		}
		return n
	}
	topKOnly := func(n int) int {
		if topK {
			return n
		}
		return 0
	}
	l.add(TopPIDVals, KindInt32, topPOnly(b*vp))
	l.add(BeginTopPOffset, KindInt32, topPOnly(b+1))
	l.add(TopPOffset, KindInt32, topPOnly(b+1))
	l.add(TopPWorkspace, KindBytes, topPOnly(probes.TopPWorkspace))
	l.add(TopKWorkspace, KindBytes, topKOnly(probes.TopKWorkspace))

	if prec.Pads(cfg.VocabSize) {
		l.add(PaddedEmbeddingKernel, KindFloat, h*vp)
		l.add(PaddedEmbeddingBias, KindFloat, vp)
	} else {
		l.add(PaddedEmbeddingKernel, KindFloat, 0)
		l.add(PaddedEmbeddingBias, KindFloat, 0)
	}
	l.add(RNGState, KindBytes, b*probes.RNGState)

	return l, nil
}

func (l *Layout) add(name string, kind Kind, elems int) {
	var bytes int
	switch kind {
	case KindFloat:
		elems = alignUp(elems, numericAlign)
		bytes = elems * l.prec.ElemSize
	case KindInt32:
		elems = alignUp(elems, numericAlign)
		bytes = elems * 4
	case KindBool:
		elems = alignUp(elems, boolAlign)
		bytes = elems
	case KindBytes:
		elems = alignUp(elems, bytesAlign)
		bytes = elems
	}
	l.index[name] = len(l.regions)
	l.regions = append(l.regions, Region{Name: name, Kind: kind, Offset: l.total, Elems: elems, Bytes: bytes})
	l.total += bytes
}

// Total is the byte size of the single arena allocation.
func (l *Layout) Total() int {
	return l.total
}

func (l *Layout) Precision() *device.Precision {
	return l.prec
}

// Regions returns the regions in arena order.
func (l *Layout) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	return out
}

func (l *Layout) Region(name string) (Region, bool) {
	i, ok := l.index[name]
	if !ok {
		return Region{}, false
	}
	return l.regions[i], true
}
