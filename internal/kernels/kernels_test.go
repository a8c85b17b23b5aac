package kernels

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-decoding/internal/device"
)

func TestSoftmax(t *testing.T) {
	tests := []struct {
		name  string
		input []float64
	}{
		{"empty", []float64{}},
		{"single", []float64{1.0}},
		{"uniform", []float64{1.0, 1.0, 1.0}},
		{"large", []float64{1000, 1001, 1002}},
		{"neg", []float64{-1, -2, -3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := append([]float64(nil), tt.input...)
			Softmax(x)
			if len(x) == 0 {
				return
			}
			sum := 0.0
			for _, v := range x {
				if math.IsNaN(v) || v < 0 {
					t.Fatalf("invalid probability %v", v)
				}
				sum += v
			}
			if math.Abs(sum-1.0) > 1e-9 {
				t.Errorf("sum = %v, want 1", sum)
			}
		})
	}
}

func TestLayerNorm(t *testing.T) {
	in := device.FP32.From([]float32{1, 2, 3, 4, 10, 10, 10, 10})
	gamma := device.FP32.From([]float32{1, 1, 1, 1})
	beta := device.FP32.From([]float32{0, 0, 0, 1})
	out := device.FP32.New(8)

	if err := LayerNorm(out, in, gamma, beta, 2, 4); err != nil {
		t.Fatalf("LayerNorm: %v", err)
	}
	// row 0: normalized values are symmetric around zero
	if math.Abs(float64(out.At(0)+out.At(3)-1)) > 1e-5 {
		t.Errorf("row 0 not centred: %v", device.ToFloat32(out)[:4])
	}
	// row 1: constant input normalizes to beta
	for i := 4; i < 8; i++ {
		if math.Abs(float64(out.At(i)-beta.At(i-4))) > 1e-3 {
			t.Errorf("constant row element %d = %v, want %v", i, out.At(i), beta.At(i-4))
		}
	}

	if err := LayerNorm(out, in, gamma, beta, 3, 4); err == nil {
		t.Error("expected short operand error")
	}
}

func TestEmbeddingLookup(t *testing.T) {
	const hidden = 4
	emb := device.FP32.New(3 * hidden)
	for i := 0; i < emb.Len(); i++ {
		emb.Set(i, float32(i/hidden))
	}
	pos := device.FP32.New(2 * hidden)
	device.Fill(pos.Slice(hidden, 2*hidden), 0.5)
	out := device.FP32.New(2 * hidden)

	if err := EmbeddingLookup(out, emb, pos, []int32{2, 1}, 2, hidden); err != nil {
		t.Fatalf("EmbeddingLookup: %v", err)
	}
	// emb[2]·√4 + 0.5
	if out.At(0) != 4.5 || out.At(hidden) != 2.5 {
		t.Errorf("unexpected output %v", device.ToFloat32(out))
	}

	if err := EmbeddingLookup(out, emb, pos, []int32{3, 0}, 1, hidden); err == nil {
		t.Error("expected out-of-range id error")
	}
	if err := EmbeddingLookup(out, emb, pos, []int32{0, 0}, 3, hidden); err == nil {
		t.Error("expected missing position error")
	}
}

func TestUpdateLogits(t *testing.T) {
	m := LogitMask{Batch: 2, Vocab: 5, VocabPadded: 8, EndID: 1, MaxValue: device.FP16.MaxValue}
	logits := device.FP16.New(16)
	bias := device.FP16.From([]float32{1, 2, 3, 4, 5})
	finished := []uint8{0, 1}

	if err := UpdateLogits(logits, bias, finished, m); err != nil {
		t.Fatalf("UpdateLogits: %v", err)
	}
	for i := 0; i < 5; i++ {
		if logits.At(i) != bias.At(i) {
			t.Errorf("column %d: bias not added", i)
		}
	}
	for i := 5; i < 8; i++ {
		if logits.At(i) != -65504 {
			t.Errorf("padded column %d = %v", i, logits.At(i))
		}
	}
	for i := 8; i < 16; i++ {
		want := float32(-65504)
		if i-8 == m.EndID {
			want = 65504
		}
		if logits.At(i) != want {
			t.Errorf("finished row column %d = %v, want %v", i-8, logits.At(i), want)
		}
	}
}

func TestUpdateLogitsSoftmax(t *testing.T) {
	m := LogitMask{Batch: 2, Vocab: 3, VocabPadded: 4, EndID: 2, MaxValue: device.FP32.MaxValue}
	logits := device.FP32.From([]float32{0, 0, 0, 9, 5, 5, 5, 9})
	bias := device.FP32.New(3)
	scratch := make([]float64, 3)

	if err := UpdateLogitsSoftmax(logits, bias, []uint8{0, 1}, m, scratch); err != nil {
		t.Fatalf("UpdateLogitsSoftmax: %v", err)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(float64(logits.At(i))-1.0/3) > 1e-6 {
			t.Errorf("uniform row element %d = %v", i, logits.At(i))
		}
	}
	if logits.At(3) != 0 || logits.At(7) != 0 {
		t.Error("padded columns must have zero probability")
	}
	if logits.At(6) != 1 || logits.At(4) != 0 {
		t.Errorf("finished row should put all mass on end id: %v", device.ToFloat32(logits)[4:])
	}
}

func TestCountFinished(t *testing.T) {
	out := make([]int32, 4)
	fin := []uint8{1, 0, 1, 1, 1}
	if got := CountFinished(fin, 5, out); got != 4 || out[0] != 4 {
		t.Fatalf("expected 4 finished, got %d (%v)", got, out)
	}
	// lanes 0..2 over indices 0,3 / 1,4 / 2
	if out[1] != 2 || out[2] != 1 || out[3] != 1 {
		t.Errorf("unexpected partials %v", out[1:])
	}
	if got := CountFinished(fin, 2, out); got != 1 {
		t.Errorf("batch bound ignored: %d", got)
	}
}
