// Package publish ships finished generations to an Arrow Flight endpoint,
// one record per generation and one row per sequence.
package publish

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema is the layout of every published record.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "generation", Type: arrow.BinaryTypes.String},
	{Name: "sequence", Type: arrow.PrimitiveTypes.Int32},
	{Name: "length", Type: arrow.PrimitiveTypes.Int32},
	{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
}, nil)

// Result is one finished generation. OutputIDs is maxSeqLen × batch, step
// major, as the engine writes it.
type Result struct {
	Generation string
	Batch      int
	MaxSeqLen  int
	OutputIDs  []int32
	Lengths    []int32
}

// Tokens returns the first Lengths[b] ids of sequence b.
func (r Result) Tokens(b int) []int32 {
	n := min(int(r.Lengths[b]), r.MaxSeqLen)
	out := make([]int32, n)
	for step := 0; step < n; step++ {
		out[step] = r.OutputIDs[step*r.Batch+b]
	}
	return out
}

func (r Result) validate() error {
	if r.Batch <= 0 || r.MaxSeqLen <= 0 {
		return fmt.Errorf("result %q: batch %d max length %d", r.Generation, r.Batch, r.MaxSeqLen)
	}
	if len(r.OutputIDs) < r.Batch*r.MaxSeqLen || len(r.Lengths) < r.Batch {
		return fmt.Errorf("result %q: %d ids and %d lengths for batch %d", r.Generation, len(r.OutputIDs), len(r.Lengths), r.Batch)
	}
	return nil
}

// BuildRecord converts r into a record in Schema. The caller releases it.
func BuildRecord(mem memory.Allocator, r Result) (arrow.Record, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	gen := b.Field(0).(*array.StringBuilder)
	seq := b.Field(1).(*array.Int32Builder)
	length := b.Field(2).(*array.Int32Builder)
	tokens := b.Field(3).(*array.ListBuilder)
	values := tokens.ValueBuilder().(*array.Int32Builder)

	for i := 0; i < r.Batch; i++ {
		gen.Append(r.Generation)
		seq.Append(int32(i))
		length.Append(r.Lengths[i])
		tokens.Append(true)
		values.AppendValues(r.Tokens(i), nil)
	}
	return b.NewRecord(), nil
}

// Row is one decoded sequence of a published record.
type Row struct {
	Generation string
	Sequence   int32
	Length     int32
	Tokens     []int32
}

// ReadRecord decodes a record built by BuildRecord.
func ReadRecord(rec arrow.Record) ([]Row, error) {
	if rec.NumCols() != int64(len(Schema.Fields())) {
		return nil, fmt.Errorf("record has %d columns, want %d", rec.NumCols(), len(Schema.Fields()))
	}
	gen, ok1 := rec.Column(0).(*array.String)
	seq, ok2 := rec.Column(1).(*array.Int32)
	length, ok3 := rec.Column(2).(*array.Int32)
	tokens, ok4 := rec.Column(3).(*array.List)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("unexpected schema %s", rec.Schema())
	}
	values, ok := tokens.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("tokens hold %s, want int32", tokens.ListValues().DataType())
	}

	rows := make([]Row, rec.NumRows())
	for i := range rows {
		start, end := tokens.ValueOffsets(i)
		rows[i] = Row{
			Generation: gen.Value(i),
			Sequence:   seq.Value(i),
			Length:     length.Value(i),
			Tokens:     append([]int32{}, values.Int32Values()[start:end]...),
		}
	}
	return rows, nil
}
