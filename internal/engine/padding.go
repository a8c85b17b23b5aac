package engine

import (
	"github.com/23skdu/longbow-decoding/internal/arena"
	"github.com/23skdu/longbow-decoding/internal/device"
)

// projection is the vocabulary projection every later stage uses, always
// vocabPadded wide.
type projection struct {
	kernel device.Floats
	bias   device.Floats
}

// padProjection returns the projection for this call. When the precision
// needs no padding the caller's buffers are used directly. Otherwise a copy
// into the padded arena buffers is launched, with the extra columns zeroed.
func (e *Engine) padProjection(p DecodingParams) projection {
	vocab := e.cfg.VocabSize
	if !e.prec.Pads(vocab) {
		return projection{kernel: p.EmbeddingKernel, bias: p.EmbeddingBias}
	}

	hidden := e.cfg.HiddenUnits()
	vp := e.prec.PadVocab(vocab)
	kernel := e.arena.Floats(arena.PaddedEmbeddingKernel)
	bias := e.arena.Floats(arena.PaddedEmbeddingBias)

	e.stream.Launch("pad_projection", func() error {
		padRows(kernel, p.EmbeddingKernel, hidden, vocab, vp)
		padRows(bias, p.EmbeddingBias, 1, vocab, vp)
		return nil
	})
	return projection{kernel: kernel, bias: bias}
}

// padRows copies rows of width cols into rows of width padded.
func padRows(dst, src device.Floats, rows, cols, padded int) {
	for r := 0; r < rows; r++ {
		d := dst.Slice(r*padded, (r+1)*padded)
		device.Copy(d, src.Slice(r*cols, (r+1)*cols))
		device.Fill(d.Slice(cols, padded), 0)
	}
}
