// Package kernels holds the row-wise numeric operations the decode loop
// launches on its stream. Every kernel reads and writes through
// device.Floats so one implementation serves both precisions.
package kernels

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-decoding/internal/device"
)

// LayerNormEpsilon matches the decoder's normalization epsilon.
const LayerNormEpsilon = 1e-6

// Softmax normalizes x in place.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}

// LayerNorm normalizes rows×width values of in into out, then scales by
// gamma and shifts by beta. out may alias in.
func LayerNorm(out, in, gamma, beta device.Floats, rows, width int) error {
	if in.Len() < rows*width || out.Len() < rows*width || gamma.Len() < width || beta.Len() < width {
		return fmt.Errorf("layer norm %dx%d: short operand", rows, width)
	}
	for r := 0; r < rows; r++ {
		off := r * width
		var mean float64
		for i := 0; i < width; i++ {
			mean += float64(in.At(off + i))
		}
		mean /= float64(width)
		var variance float64
		for i := 0; i < width; i++ {
			d := float64(in.At(off+i)) - mean
			variance += d * d
		}
		variance /= float64(width)
		inv := 1 / math.Sqrt(variance+LayerNormEpsilon)
		for i := 0; i < width; i++ {
			v := (float64(in.At(off+i)) - mean) * inv
			out.Set(off+i, float32(v)*gamma.At(i)+beta.At(i))
		}
	}
	return nil
}

// EmbeddingLookup writes emb[id]·√hidden + pos[step-1] for every sequence.
// step is 1-based.
func EmbeddingLookup(out, emb, pos device.Floats, ids []int32, step, hidden int) error {
	scale := float32(math.Sqrt(float64(hidden)))
	pOff := (step - 1) * hidden
	if pos.Len() < pOff+hidden {
		return fmt.Errorf("embedding lookup: no position encoding for step %d", step)
	}
	if out.Len() < len(ids)*hidden {
		return fmt.Errorf("embedding lookup: output holds %d values, need %d", out.Len(), len(ids)*hidden)
	}
	for b, id := range ids {
		eOff := int(id) * hidden
		if id < 0 || emb.Len() < eOff+hidden {
			return fmt.Errorf("embedding lookup: token id %d out of range", id)
		}
		oOff := b * hidden
		for i := 0; i < hidden; i++ {
			out.Set(oOff+i, emb.At(eOff+i)*scale+pos.At(pOff+i))
		}
	}
	return nil
}

// LogitMask describes how raw logits become sampling scores.
type LogitMask struct {
	Batch       int
	Vocab       int
	VocabPadded int
	EndID       int
	// MaxValue is the precision's largest finite value.
	MaxValue float32
}

// UpdateLogits adds bias to every real vocabulary column, forces padded
// columns to -max, and forces finished rows to select only the end id.
func UpdateLogits(logits, bias device.Floats, finished []uint8, m LogitMask) error {
	if logits.Len() < m.Batch*m.VocabPadded || bias.Len() < m.Vocab || len(finished) < m.Batch {
		return fmt.Errorf("update logits: short operand")
	}
	for b := 0; b < m.Batch; b++ {
		row := logits.Slice(b*m.VocabPadded, (b+1)*m.VocabPadded)
		if finished[b] != 0 {
			device.Fill(row, -m.MaxValue)
			row.Set(m.EndID, m.MaxValue)
			continue
		}
		for i := 0; i < m.Vocab; i++ {
			row.Set(i, row.At(i)+bias.At(i))
		}
		for i := m.Vocab; i < m.VocabPadded; i++ {
			row.Set(i, -m.MaxValue)
		}
	}
	return nil
}

// UpdateLogitsSoftmax applies UpdateLogits and replaces each row with its
// probability distribution. Padded columns end at probability zero.
func UpdateLogitsSoftmax(logits, bias device.Floats, finished []uint8, m LogitMask, scratch []float64) error {
	if err := UpdateLogits(logits, bias, finished, m); err != nil {
		return err
	}
	if len(scratch) < m.Vocab {
		return fmt.Errorf("update logits softmax: scratch holds %d, need %d", len(scratch), m.Vocab)
	}
	row := scratch[:m.Vocab]
	for b := 0; b < m.Batch; b++ {
		off := b * m.VocabPadded
		for i := range row {
			row[i] = float64(logits.At(off + i))
		}
		Softmax(row)
		for i, p := range row {
			logits.Set(off+i, float32(p))
		}
		for i := m.Vocab; i < m.VocabPadded; i++ {
			logits.Set(off+i, 0)
		}
	}
	return nil
}

// CountFinished reduces finished flags into out[0]. out[1:] receives
// strided per-lane partial sums.
func CountFinished(finished []uint8, batch int, out []int32) int32 {
	lanes := max(len(out)-1, 1)
	partial := out[1:]
	clear(partial)
	var total int32
	for b := 0; b < batch; b++ {
		if finished[b] != 0 {
			total++
			if len(partial) > 0 {
				partial[b%lanes]++
			}
		}
	}
	out[0] = total
	return total
}
