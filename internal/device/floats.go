package device

import "github.com/x448/float16"

// Floats is a precision-typed view over device memory. Kernels read and write
// through it in float32 regardless of the storage type.
type Floats interface {
	Len() int
	At(i int) float32
	Set(i int, v float32)
	Slice(from, to int) Floats
}

// F32 stores elements as IEEE single precision.
type F32 []float32

func (f F32) Len() int              { return len(f) }
func (f F32) At(i int) float32      { return f[i] }
func (f F32) Set(i int, v float32)  { f[i] = v }
func (f F32) Slice(a, b int) Floats { return f[a:b] }

// F16 stores elements as IEEE half precision bit patterns.
type F16 []uint16

func (f F16) Len() int              { return len(f) }
func (f F16) At(i int) float32      { return float16.Frombits(f[i]).Float32() }
func (f F16) Set(i int, v float32)  { f[i] = float16.Fromfloat32(v).Bits() }
func (f F16) Slice(a, b int) Floats { return f[a:b] }

// Float32s exposes the backing slice when the view is single precision.
func Float32s(f Floats) ([]float32, bool) {
	v, ok := f.(F32)
	return v, ok
}

// Copy copies min(dst.Len(), src.Len()) elements and returns the count.
func Copy(dst, src Floats) int {
	if d, ok := dst.(F32); ok {
		if s, ok := src.(F32); ok {
			return copy(d, s)
		}
	}
	if d, ok := dst.(F16); ok {
		if s, ok := src.(F16); ok {
			return copy(d, s)
		}
	}
	n := min(dst.Len(), src.Len())
	for i := 0; i < n; i++ {
		dst.Set(i, src.At(i))
	}
	return n
}

func Fill(dst Floats, v float32) {
	for i := 0; i < dst.Len(); i++ {
		dst.Set(i, v)
	}
}

// ToFloat32 copies a view out into a fresh host slice.
func ToFloat32(f Floats) []float32 {
	out := make([]float32, f.Len())
	for i := range out {
		out[i] = f.At(i)
	}
	return out
}
