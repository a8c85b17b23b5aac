package sampling

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-decoding/internal/kernels"
	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// TopP samples from the smallest probability-sorted prefix whose mass
// exceeds the threshold.
type TopP struct {
	base

	// per sequence, vocabPadded wide: probabilities by id, sorted
	// cumulative mass, sorted ids
	probs     []float64
	sorted    []float64
	sortedIDs []int32

	idVals []int32
	begin  []int32
	offset []int32
}

func (t *TopP) Name() string {
	return "topp"
}

func (t *TopP) P() float64 {
	return t.params.ProbabilityThreshold
}

func (t *TopP) size() int {
	return t.params.Batch * t.params.VocabPadded * (8 + 8 + 4)
}

func (t *TopP) WorkspaceSize() int {
	if t.state == Uninitialized {
		t.state = Sized
	}
	return t.size()
}

func (t *TopP) Bind(bd Binding) error {
	if err := t.bind(bd, t.size()); err != nil {
		return err
	}
	n := t.params.Batch * t.params.VocabPadded
	if len(bd.IDVals) < n || len(bd.BeginOffset) < t.params.Batch+1 || len(bd.Offset) < t.params.Batch+1 {
		return fmt.Errorf("sampler: top-p index buffers too small")
	}
	ws := bd.Workspace
	t.probs = arrow.Float64Traits.CastFromBytes(ws[:n*8])
	t.sorted = arrow.Float64Traits.CastFromBytes(ws[n*8 : n*16])
	t.sortedIDs = arrow.Int32Traits.CastFromBytes(ws[n*16 : n*20])
	t.idVals = bd.IDVals
	t.begin = bd.BeginOffset
	t.offset = bd.Offset
	t.state = Ready
	return nil
}

// Reset fills the id buffer with the identity permutation per row and the
// offsets with row starts.
func (t *TopP) Reset() error {
	if err := t.ready(); err != nil {
		return err
	}
	vp := t.params.VocabPadded
	for b := 0; b < t.params.Batch; b++ {
		row := t.idVals[b*vp : (b+1)*vp]
		for i := range row {
			row[i] = int32(i)
		}
	}
	for b := 0; b <= t.params.Batch; b++ {
		t.begin[b] = int32(b * vp)
		t.offset[b] = int32(b * vp)
	}
	return nil
}

func (t *TopP) Sample(s Step) error {
	if err := t.ready(); err != nil {
		return err
	}
	if err := t.checkStep(s); err != nil {
		return err
	}
	vp := t.params.VocabPadded
	vocab := t.params.Vocab
	mask := t.params.mask()

	err := t.rows(func(row int) error {
		logits := s.Logits.Slice(row*vp, (row+1)*vp)
		probs := t.probs[row*vp : row*vp+vocab]
		if err := kernels.UpdateLogitsSoftmax(logits, s.Bias, s.Finished[row:row+1], mask, probs); err != nil {
			return err
		}

		ids := t.sortedIDs[t.offset[row] : int(t.offset[row])+vocab]
		copy(ids, t.idVals[t.begin[row]:int(t.begin[row])+vocab])
		slices.SortStableFunc(ids, func(a, b int32) int {
			return cmp.Compare(probs[b], probs[a])
		})

		cum := t.sorted[row*vp : row*vp+vocab]
		for i, id := range ids {
			cum[i] = probs[id]
		}
		floats.CumSum(cum, cum)
		n := prefixLen(cum, t.P())
		metrics.RecordTopPPrefix(n)

		u, err := t.rng.Float64(row)
		if err != nil {
			return err
		}
		t.emit(s, row, ids[draw(cum[:n], u)])
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RecordSamplerDraws(t.Name(), t.params.Batch)
	return nil
}

// prefixLen is the length of the shortest prefix whose cumulative mass
// exceeds p, including the crossing token.
func prefixLen(cum []float64, p float64) int {
	for i, c := range cum {
		if c > p {
			return i + 1
		}
	}
	return len(cum)
}
