package gemm

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// Shape is a row-major product a (M×K) × b (K×N) → c (M×N).
type Shape struct {
	M, N, K int
}

// Executor runs GEMMs with the algorithm the tuning table picks for each
// shape.
type Executor struct {
	table     *Table
	prec      *device.Precision
	workspace []float32
}

// NewExecutor binds a table to a precision. workspace is the float32
// conversion scratch reduced precision needs; it may be nil at fp32.
func NewExecutor(table *Table, prec *device.Precision, workspace []byte) *Executor {
	e := &Executor{table: table, prec: prec}
	if len(workspace) > 0 {
		e.workspace = arrow.Float32Traits.CastFromBytes(workspace)
	}
	return e
}

// Select returns the algorithm for s, or the precision's default.
func (e *Executor) Select(s Shape) Algo {
	if a, ok := e.table.Lookup(Key{BatchCount: 1, N: s.N, M: s.M, K: s.K, DataType: e.prec.DataType}); ok {
		return a
	}
	return Algo{ID: e.prec.DefaultAlgo, Stages: -1}
}

// panelRows is the K panel height an algorithm id runs with: 8, 16, 32 or 64.
func (e *Executor) panelRows(id int) int {
	d := id - e.prec.AlgoMin
	if d < 0 {
		d = -d
	}
	return 8 << (d % 4)
}

func (e *Executor) Run(s Shape, a, b, c device.Floats) error {
	if a.Len() < s.M*s.K || b.Len() < s.K*s.N || c.Len() < s.M*s.N {
		return fmt.Errorf("gemm %dx%dx%d: operand sizes a=%d b=%d c=%d too small", s.M, s.N, s.K, a.Len(), b.Len(), c.Len())
	}
	algo := e.Select(s)
	metrics.RecordGemmAlgorithm(strconv.Itoa(algo.ID))

	af, aok := device.Float32s(a)
	bf, bok := device.Float32s(b)
	cf, cok := device.Float32s(c)
	if aok && bok && cok {
		if algo.ID == e.prec.DefaultAlgo {
			gemm(s.M, s.N, s.K, af, s.K, bf, cf, 0)
			return nil
		}
		e.panelled(s, algo, af, bf, cf)
		return nil
	}
	return e.converted(s, algo, a, b, c)
}

func gemm(m, n, k int, a []float32, lda int, b, c []float32, beta float32) {
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: lda, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c})
}

func (e *Executor) panelled(s Shape, algo Algo, a, b, c []float32) {
	rows := e.panelRows(algo.ID)
	var beta float32
	for k0 := 0; k0 < s.K; k0 += rows {
		k1 := min(k0+rows, s.K)
		gemm(s.M, s.N, k1-k0, a[k0:], s.K, b[k0*s.N:], c, beta)
		beta = 1
	}
}

// converted runs reduced precision operands through float32 scratch laid out
// as [a M×K][c M×N][b panel ≤64×N].
func (e *Executor) converted(s Shape, algo Algo, a, b, c device.Floats) error {
	rows := e.panelRows(algo.ID)
	need := s.M*s.K + s.M*s.N + rows*s.N
	if len(e.workspace) < need {
		return fmt.Errorf("gemm %dx%dx%d: workspace holds %d floats, need %d", s.M, s.N, s.K, len(e.workspace), need)
	}
	aw := e.workspace[:s.M*s.K]
	cw := e.workspace[s.M*s.K : s.M*s.K+s.M*s.N]
	bw := e.workspace[s.M*s.K+s.M*s.N:]

	for i := range aw {
		aw[i] = a.At(i)
	}
	var beta float32
	for k0 := 0; k0 < s.K; k0 += rows {
		k1 := min(k0+rows, s.K)
		panel := bw[:(k1-k0)*s.N]
		for i := range panel {
			panel[i] = b.At(k0*s.N + i)
		}
		gemm(s.M, s.N, k1-k0, aw[k0:], s.K, panel, cw, beta)
		beta = 1
	}
	for i, v := range cw {
		c.Set(i, v)
	}
	return nil
}
