package sampling

import (
	"github.com/apache/arrow-go/v18/arrow"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/kernels"
	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// TopK samples among the k highest scoring ids of each sequence.
type TopK struct {
	base

	// per sequence: k scores, then k ids
	vals []float64
	ids  []int32
}

func (t *TopK) Name() string {
	return "topk"
}

func (t *TopK) K() int {
	return t.params.CandidateNum
}

func (t *TopK) WorkspaceSize() int {
	if t.state == Uninitialized {
		t.state = Sized
	}
	return t.params.Batch * t.K() * (8 + 4)
}

func (t *TopK) Bind(bd Binding) error {
	size := t.params.Batch * t.K() * (8 + 4)
	if err := t.bind(bd, size); err != nil {
		return err
	}
	split := t.params.Batch * t.K() * 8
	t.vals = arrow.Float64Traits.CastFromBytes(bd.Workspace[:split])
	t.ids = arrow.Int32Traits.CastFromBytes(bd.Workspace[split:size])
	t.state = Ready
	return nil
}

func (t *TopK) Reset() error {
	return t.ready()
}

func (t *TopK) Sample(s Step) error {
	if err := t.ready(); err != nil {
		return err
	}
	if err := t.checkStep(s); err != nil {
		return err
	}
	k := t.K()
	vp := t.params.VocabPadded
	mask := t.params.mask()

	err := t.rows(func(row int) error {
		logits := s.Logits.Slice(row*vp, (row+1)*vp)
		if err := kernels.UpdateLogits(logits, s.Bias, s.Finished[row:row+1], mask); err != nil {
			return err
		}
		vals := t.vals[row*k : (row+1)*k]
		ids := t.ids[row*k : (row+1)*k]
		n := selectTopK(logits, t.params.Vocab, vals, ids)

		kernels.Softmax(vals[:n])
		floats.CumSum(vals[:n], vals[:n])
		u, err := t.rng.Float64(row)
		if err != nil {
			return err
		}
		t.emit(s, row, ids[draw(vals[:n], u)])
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RecordSamplerDraws(t.Name(), t.params.Batch)
	return nil
}

// selectTopK keeps the len(vals) best scores among ids [0, vocab) in
// descending order. Ties keep the lower id first.
func selectTopK(row device.Floats, vocab int, vals []float64, ids []int32) int {
	n := 0
	for i := 0; i < vocab; i++ {
		v := float64(row.At(i))
		if n == len(vals) && v <= vals[n-1] {
			continue
		}
		j := n
		if n < len(vals) {
			n++
		} else {
			j = n - 1
		}
		for j > 0 && vals[j-1] < v {
			vals[j] = vals[j-1]
			ids[j] = ids[j-1]
			j--
		}
		vals[j] = v
		ids[j] = int32(i)
	}
	return n
}
