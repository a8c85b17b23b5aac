package opendecoder

import (
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
)

// FFNMultiplier is the feed-forward inner width in units of hidden.
const FFNMultiplier = 4

// Linear is a row-major in × out weight matrix and its bias.
type Linear struct {
	Kernel []float32
	Bias   []float32
	In     int
	Out    int
}

// Norm holds layer-norm scale and shift.
type Norm struct {
	Gamma []float32
	Beta  []float32
}

func (n Norm) floats() (device.Floats, device.Floats) {
	return device.F32(n.Gamma), device.F32(n.Beta)
}

// Weights is one decoder layer. With fused QKV, SelfQKV replaces SelfQ,
// SelfK and SelfV and produces q|k|v concatenated.
type Weights struct {
	SelfNorm Norm
	SelfQ    Linear
	SelfK    Linear
	SelfV    Linear
	SelfQKV  Linear
	SelfOut  Linear

	CrossNorm Norm
	CrossQ    Linear
	CrossK    Linear
	CrossV    Linear
	CrossOut  Linear

	FFNNorm  Norm
	FFNInner Linear
	FFNOut   Linear
}

type initRand struct {
	r     *rand.Rand
	scale float64
}

func (g initRand) linear(in, out int) Linear {
	l := Linear{Kernel: make([]float32, in*out), Bias: make([]float32, out), In: in, Out: out}
	for i := range l.Kernel {
		l.Kernel[i] = float32(g.r.NormFloat64() * g.scale)
	}
	for i := range l.Bias {
		l.Bias[i] = float32(g.r.NormFloat64() * g.scale)
	}
	return l
}

func norm(width int) Norm {
	n := Norm{Gamma: make([]float32, width), Beta: make([]float32, width)}
	for i := range n.Gamma {
		n.Gamma[i] = 1
	}
	return n
}

// RandomWeights builds deterministic weights for every layer of cfg.
func RandomWeights(cfg *config.Config, seed uint64) []*Weights {
	g := initRand{r: rand.New(rand.NewPCG(seed, 0x6f70656e)), scale: 0.02}
	h := cfg.HiddenUnits()
	mem := cfg.MemoryHiddenUnits
	layers := make([]*Weights, cfg.DecoderLayers)
	for i := range layers {
		w := &Weights{
			SelfNorm:  norm(h),
			SelfOut:   g.linear(h, h),
			CrossNorm: norm(h),
			CrossQ:    g.linear(h, h),
			CrossK:    g.linear(mem, h),
			CrossV:    g.linear(mem, h),
			CrossOut:  g.linear(h, h),
			FFNNorm:   norm(h),
			FFNInner:  g.linear(h, FFNMultiplier*h),
			FFNOut:    g.linear(FFNMultiplier*h, h),
		}
		if cfg.FuseQKV {
			w.SelfQKV = g.linear(h, 3*h)
		} else {
			w.SelfQ = g.linear(h, h)
			w.SelfK = g.linear(h, h)
			w.SelfV = g.linear(h, h)
		}
		layers[i] = w
	}
	return layers
}

// Fuse concatenates separate Q, K and V weights into SelfQKV.
func (w *Weights) Fuse() {
	h := w.SelfQ.In
	out := w.SelfQ.Out
	f := Linear{Kernel: make([]float32, h*3*out), Bias: make([]float32, 3*out), In: h, Out: 3 * out}
	for r := 0; r < h; r++ {
		copy(f.Kernel[r*3*out:], w.SelfQ.Kernel[r*out:(r+1)*out])
		copy(f.Kernel[r*3*out+out:], w.SelfK.Kernel[r*out:(r+1)*out])
		copy(f.Kernel[r*3*out+2*out:], w.SelfV.Kernel[r*out:(r+1)*out])
	}
	copy(f.Bias, w.SelfQ.Bias)
	copy(f.Bias[out:], w.SelfK.Bias)
	copy(f.Bias[2*out:], w.SelfV.Bias)
	w.SelfQKV = f
}

// PositionEncoding returns the sinusoidal table, maxSeqLen × hidden. The
// first half of each row holds sines, the second half cosines.
func PositionEncoding(maxSeqLen, hidden int) []float32 {
	out := make([]float32, maxSeqLen*hidden)
	half := hidden / 2
	logInc := math.Log(10000) / math.Max(float64(half-1), 1)
	for pos := 0; pos < maxSeqLen; pos++ {
		for i := 0; i < half; i++ {
			angle := float64(pos) * math.Exp(-float64(i)*logInc)
			out[pos*hidden+i] = float32(math.Sin(angle))
			out[pos*hidden+half+i] = float32(math.Cos(angle))
		}
	}
	return out
}
