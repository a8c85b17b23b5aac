package device

import (
	"errors"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestPrecisionPadVocab(t *testing.T) {
	tests := []struct {
		prec   *Precision
		vocab  int
		padded int
		pads   bool
	}{
		{FP32, 16, 16, false},
		{FP32, 30001, 30001, false},
		{FP16, 16, 16, false},
		{FP16, 17, 24, true},
		{FP16, 30001, 30008, true},
		{FP16, 1, 8, true},
	}
	for _, tt := range tests {
		if got := tt.prec.PadVocab(tt.vocab); got != tt.padded {
			t.Errorf("%s PadVocab(%d) = %d, want %d", tt.prec, tt.vocab, got, tt.padded)
		}
		if got := tt.prec.Pads(tt.vocab); got != tt.pads {
			t.Errorf("%s Pads(%d) = %v, want %v", tt.prec, tt.vocab, got, tt.pads)
		}
	}
}

func TestPrecisionAlgoRange(t *testing.T) {
	if !FP32.ValidAlgo(-1) || !FP32.ValidAlgo(23) || FP32.ValidAlgo(24) || FP32.ValidAlgo(99) {
		t.Error("fp32 algorithm range should be [-1, 23]")
	}
	if !FP16.ValidAlgo(99) || !FP16.ValidAlgo(115) || FP16.ValidAlgo(98) || FP16.ValidAlgo(-1) {
		t.Error("fp16 algorithm range should be [99, 115]")
	}
}

func TestPrecisionByName(t *testing.T) {
	p, err := PrecisionByName("fp16")
	if err != nil || p != FP16 {
		t.Fatalf("expected FP16, got %v, %v", p, err)
	}
	if _, err := PrecisionByName("int8"); err == nil {
		t.Error("expected error for unknown precision")
	}
}

func TestViewsShareBytes(t *testing.T) {
	b := make([]byte, 16)

	f := FP32.View(b)
	if f.Len() != 4 {
		t.Fatalf("expected 4 fp32 elements, got %d", f.Len())
	}
	f.Set(2, 1.5)
	if again := FP32.View(b); again.At(2) != 1.5 {
		t.Errorf("fp32 view did not alias the byte slice")
	}

	h := FP16.View(b)
	if h.Len() != 8 {
		t.Fatalf("expected 8 fp16 elements, got %d", h.Len())
	}
	h.Set(7, -0.25)
	if got := FP16.View(b).At(7); got != -0.25 {
		t.Errorf("fp16 round trip: got %v", got)
	}
}

func TestFloatHelpers(t *testing.T) {
	src := FP32.From([]float32{1, 2, 3})
	dst := FP16.New(3)
	if n := Copy(dst, src); n != 3 {
		t.Fatalf("expected 3 copied, got %d", n)
	}
	if got := ToFloat32(dst); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("unexpected copy result %v", got)
	}

	Fill(dst.Slice(1, 3), 9)
	if dst.At(0) != 1 || dst.At(1) != 9 || dst.At(2) != 9 {
		t.Errorf("Fill on slice leaked outside range: %v", ToFloat32(dst))
	}

	if _, ok := Float32s(dst); ok {
		t.Error("fp16 view must not expose a float32 slice")
	}
	if raw, ok := Float32s(src); !ok || len(raw) != 3 {
		t.Error("fp32 view should expose its backing slice")
	}
}

func TestContextAlloc(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	ctx := NewContextWithAllocator(mem, 1024)
	buf, err := ctx.Alloc(1000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if buf.Len() != 1000 || ctx.Used() != 1000 {
		t.Errorf("expected 1000 bytes in use, got len=%d used=%d", buf.Len(), ctx.Used())
	}
	for _, v := range buf.Bytes() {
		if v != 0 {
			t.Fatal("expected zeroed allocation")
		}
	}

	if _, err := ctx.Alloc(100); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory, got %v", err)
	}

	buf.Free()
	buf.Free()
	if ctx.Used() != 0 {
		t.Errorf("expected 0 bytes after free, got %d", ctx.Used())
	}
}

func TestStreamOrdering(t *testing.T) {
	s := NewStream("test", 4)
	defer s.Close()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		s.Launch("append", func() error {
			order = append(order, i)
			return nil
		})
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if len(order) != 100 {
		t.Fatalf("expected 100 ops, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("op %d ran at position %d", v, i)
		}
	}
	if s.Launched() != 100 {
		t.Errorf("expected 100 launched, got %d", s.Launched())
	}
}

func TestStreamLatchesFirstError(t *testing.T) {
	s := NewStream("test", 0)
	defer s.Close()

	boom := errors.New("boom")
	ran := false
	s.Launch("fail", func() error { return boom })
	s.Launch("after", func() error { ran = true; return nil })

	err := s.Synchronize()
	if !errors.Is(err, boom) {
		t.Fatalf("expected latched boom, got %v", err)
	}
	if ran {
		t.Error("operations after a failure must be skipped")
	}
	if err := s.Synchronize(); err != nil {
		t.Errorf("error should be cleared after Synchronize, got %v", err)
	}
}

func TestStreamClosed(t *testing.T) {
	s := NewStream("test", 1)
	var wg sync.WaitGroup
	wg.Add(1)
	s.Launch("pending", func() error { wg.Done(); return nil })
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	s.Launch("late", func() error { return nil })
	if err := s.Synchronize(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
