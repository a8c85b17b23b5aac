// Package opendecoder is a host reference for one pre-norm transformer
// decoder layer: masked self-attention over the step cache, cross-attention
// over the encoder memory and a ReLU feed-forward block.
package opendecoder

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/engine"
	"github.com/23skdu/longbow-decoding/internal/kernels"
)

var ErrWeights = errors.New("opendecoder: weights are not *opendecoder.Weights")

// workspace rows per sequence, in units of hidden: normed, q, ctx, residual
// and the feed-forward inner activations.
const workspaceRows = 4 + FFNMultiplier

type Layer struct {
	hidden      int
	parallelism int
}

func New(cfg *config.Config) *Layer {
	return &Layer{hidden: cfg.HiddenUnits(), parallelism: cfg.Parallelism}
}

func (l *Layer) WorkspaceSize(batch int) int {
	return batch * l.hidden * workspaceRows
}

type scratch struct {
	normed, q, ctx, resid, inner device.Floats
}

func (l *Layer) split(ws device.Floats, batch int) (scratch, error) {
	n := batch * l.hidden
	if ws.Len() < n*workspaceRows {
		return scratch{}, fmt.Errorf("workspace %d elements, need %d", ws.Len(), n*workspaceRows)
	}
	return scratch{
		normed: ws.Slice(0, n),
		q:      ws.Slice(n, 2*n),
		ctx:    ws.Slice(2*n, 3*n),
		resid:  ws.Slice(3*n, 4*n),
		inner:  ws.Slice(4*n, 4*n+FFNMultiplier*n),
	}, nil
}

func (l *Layer) Forward(p engine.LayerParams) error {
	w, ok := p.Weights.(*Weights)
	if !ok {
		return ErrWeights
	}
	h := p.Hidden()
	if h != l.hidden {
		return fmt.Errorf("hidden %d, layer built for %d", h, l.hidden)
	}
	if p.Step < 1 || p.Step > p.MaxSeqLen {
		return fmt.Errorf("step %d outside 1..%d", p.Step, p.MaxSeqLen)
	}
	s, err := l.split(p.Workspace, p.Batch)
	if err != nil {
		return err
	}
	n := p.Batch * h
	device.Copy(s.resid, p.Input.Slice(0, n))

	if err := l.selfAttention(p, w, s); err != nil {
		return fmt.Errorf("self attention: %w", err)
	}
	if err := l.crossAttention(p, w, s); err != nil {
		return fmt.Errorf("cross attention: %w", err)
	}
	if err := l.feedForward(p, w, s); err != nil {
		return fmt.Errorf("feed forward: %w", err)
	}
	device.Copy(p.Output.Slice(0, n), s.resid)
	return nil
}

func (l *Layer) selfAttention(p engine.LayerParams, w *Weights, s scratch) error {
	h := p.Hidden()
	gamma, beta := w.SelfNorm.floats()
	if err := kernels.LayerNorm(s.normed, s.resid, gamma, beta, p.Batch, h); err != nil {
		return err
	}

	k, v := p.Cache.Position(p.Step - 1)
	if p.FuseQKV {
		qkv := s.inner.Slice(0, 3*p.Batch*h)
		if err := linear(qkv, s.normed, p.Batch, w.SelfQKV); err != nil {
			return err
		}
		for b := 0; b < p.Batch; b++ {
			row := qkv.Slice(b*3*h, (b+1)*3*h)
			device.Copy(s.q.Slice(b*h, (b+1)*h), row.Slice(0, h))
			device.Copy(k.Slice(b*h, (b+1)*h), row.Slice(h, 2*h))
			device.Copy(v.Slice(b*h, (b+1)*h), row.Slice(2*h, 3*h))
		}
	} else {
		for _, op := range []struct {
			out device.Floats
			w   Linear
		}{{s.q, w.SelfQ}, {k, w.SelfK}, {v, w.SelfV}} {
			if err := linear(op.out, s.normed, p.Batch, op.w); err != nil {
				return err
			}
		}
	}

	stride := p.Batch * h
	err := l.rows(p.Batch, func(b int) error {
		key := func(t int) device.Floats { return p.Cache.K.Slice(t*stride+b*h, t*stride+(b+1)*h) }
		val := func(t int) device.Floats { return p.Cache.V.Slice(t*stride+b*h, t*stride+(b+1)*h) }
		attend(s.ctx.Slice(b*h, (b+1)*h), s.q.Slice(b*h, (b+1)*h), p.Step, key, val, p.HeadNum, p.SizePerHead)
		return nil
	})
	if err != nil {
		return err
	}
	return project(s, p.Batch, w.SelfOut)
}

func (l *Layer) crossAttention(p engine.LayerParams, w *Weights, s scratch) error {
	h := p.Hidden()
	gamma, beta := w.CrossNorm.floats()
	if err := kernels.LayerNorm(s.normed, s.resid, gamma, beta, p.Batch, h); err != nil {
		return err
	}
	if err := linear(s.q, s.normed, p.Batch, w.CrossQ); err != nil {
		return err
	}

	rows := p.Batch * p.MemorySeqLen
	if p.PopulateCross {
		mem := p.Memory.Slice(0, rows*p.MemoryHidden)
		if err := linear(p.Cache.KMem.Slice(0, rows*h), mem, rows, w.CrossK); err != nil {
			return err
		}
		if err := linear(p.Cache.VMem.Slice(0, rows*h), mem, rows, w.CrossV); err != nil {
			return err
		}
	}

	err := l.rows(p.Batch, func(b int) error {
		n := p.MemorySeqLen
		if b < len(p.MemoryLengths) && p.MemoryLengths[b] > 0 {
			n = min(int(p.MemoryLengths[b]), n)
		}
		base := b * p.MemorySeqLen
		key := func(t int) device.Floats { return p.Cache.KMem.Slice((base+t)*h, (base+t+1)*h) }
		val := func(t int) device.Floats { return p.Cache.VMem.Slice((base+t)*h, (base+t+1)*h) }
		attend(s.ctx.Slice(b*h, (b+1)*h), s.q.Slice(b*h, (b+1)*h), n, key, val, p.HeadNum, p.SizePerHead)
		return nil
	})
	if err != nil {
		return err
	}
	return project(s, p.Batch, w.CrossOut)
}

func (l *Layer) feedForward(p engine.LayerParams, w *Weights, s scratch) error {
	h := p.Hidden()
	gamma, beta := w.FFNNorm.floats()
	if err := kernels.LayerNorm(s.normed, s.resid, gamma, beta, p.Batch, h); err != nil {
		return err
	}
	inner := s.inner.Slice(0, p.Batch*w.FFNInner.Out)
	if err := linear(inner, s.normed, p.Batch, w.FFNInner); err != nil {
		return err
	}
	for i := 0; i < inner.Len(); i++ {
		if inner.At(i) < 0 {
			inner.Set(i, 0)
		}
	}
	if err := linear(s.normed, inner, p.Batch, w.FFNOut); err != nil {
		return err
	}
	addInto(s.resid, s.normed)
	return nil
}

// project applies the attention output projection to ctx and adds it to the
// residual.
func project(s scratch, batch int, out Linear) error {
	if err := linear(s.normed, s.ctx, batch, out); err != nil {
		return err
	}
	addInto(s.resid, s.normed)
	return nil
}

func (l *Layer) rows(batch int, fn func(b int) error) error {
	var g errgroup.Group
	if l.parallelism > 0 {
		g.SetLimit(l.parallelism)
	}
	for b := 0; b < batch; b++ {
		g.Go(func() error { return fn(b) })
	}
	return g.Wait()
}

// attend computes scaled dot-product attention of q against n keys, head by
// head, and writes the weighted values into ctx.
func attend(ctx, q device.Floats, n int, key, val func(t int) device.Floats, heads, sizePerHead int) {
	scale := 1 / math.Sqrt(float64(sizePerHead))
	scores := make([]float64, n)
	for hd := 0; hd < heads; hd++ {
		off := hd * sizePerHead
		for t := 0; t < n; t++ {
			kt := key(t)
			var dot float64
			for i := 0; i < sizePerHead; i++ {
				dot += float64(q.At(off+i)) * float64(kt.At(off+i))
			}
			scores[t] = dot * scale
		}
		kernels.Softmax(scores)
		for i := 0; i < sizePerHead; i++ {
			var acc float64
			for t := 0; t < n; t++ {
				acc += scores[t] * float64(val(t).At(off+i))
			}
			ctx.Set(off+i, float32(acc))
		}
	}
}

// linear computes out = in·kernel + bias over rows. out must not alias in.
func linear(out, in device.Floats, rows int, l Linear) error {
	if in.Len() < rows*l.In || out.Len() < rows*l.Out {
		return fmt.Errorf("linear %dx%d over %d rows: short operand", l.In, l.Out, rows)
	}
	a := stage(in.Slice(0, rows*l.In))
	c, direct := device.Float32s(out.Slice(0, rows*l.Out))
	if !direct {
		c = make([]float32, rows*l.Out)
	}
	for r := 0; r < rows; r++ {
		copy(c[r*l.Out:(r+1)*l.Out], l.Bias)
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: rows, Cols: l.In, Stride: l.In, Data: a},
		blas32.General{Rows: l.In, Cols: l.Out, Stride: l.Out, Data: l.Kernel},
		1,
		blas32.General{Rows: rows, Cols: l.Out, Stride: l.Out, Data: c})
	if !direct {
		device.Copy(out, device.F32(c))
	}
	return nil
}

func stage(f device.Floats) []float32 {
	if v, ok := device.Float32s(f); ok {
		return v
	}
	return device.ToFloat32(f)
}

func addInto(dst, src device.Floats) {
	for i := 0; i < dst.Len(); i++ {
		dst.Set(i, dst.At(i)+src.At(i))
	}
}
