package gemm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/logger"
	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// Key identifies one tuned GEMM shape.
type Key struct {
	BatchCount int
	N, M, K    int
	DataType   int
}

// Algo is a tuned algorithm choice and its parameters. Stages is -1 for
// plain BLAS algorithms, which are the only entries whose id range is
// checked.
type Algo struct {
	ID           int
	CustomOption int
	Tile         int
	SplitK       int
	Swizzle      int
	Reduction    int
	Workspace    int
	Stages       int
	ExecTime     float64
}

// Table maps shapes to algorithms. It is read-only once loaded.
type Table struct {
	entries map[Key]Algo
}

func NewTable() *Table {
	return &Table{entries: make(map[Key]Algo)}
}

// header fields, separator, entry fields
const (
	headerFields = 5
	entryFields  = 13
)

// LoadTable reads the tuning file at path and validates it for prec. A
// missing file is not an error: the table is empty and every lookup falls
// back to the default algorithm.
func LoadTable(path string, prec *device.Precision) (*Table, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Log.Warn("Tuning file not found, using default GEMM algorithm", "path", path)
		metrics.RecordTuningEntries(0)
		return NewTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open tuning file: %w", err)
	}
	defer f.Close()

	t, err := ParseTable(f, prec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Log.Info("Loaded GEMM tuning table", "path", path, "entries", t.Len())
	metrics.RecordTuningEntries(t.Len())
	return t, nil
}

// ParseTable reads one entry per line:
//
//	batch seq head size_per_head dataType ### batchCount n m k algoId customOption tile splitK swizzle reductionScheme workspaceSize stages execTime
//
// Blank lines and lines starting with '#' are skipped. The algorithm id of
// every BLAS row (stages -1) must lie in its data type's range.
func ParseTable(r io.Reader, prec *device.Precision) (*Table, error) {
	t := NewTable()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, algo, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		mode := prec
		if key.DataType != prec.DataType {
			var ok bool
			if mode, ok = device.PrecisionByDataType(key.DataType); !ok {
				return nil, config.NewError("tuning_file", key.DataType, fmt.Sprintf("line %d: unknown data type %d", lineNo, key.DataType))
			}
		}
		if algo.Stages == -1 && !mode.ValidAlgo(algo.ID) {
			return nil, config.NewError("tuning_file", algo.ID,
				fmt.Sprintf("line %d: algorithm %d is not used in %s, expected [%d, %d]", lineNo, algo.ID, mode, mode.AlgoMin, mode.AlgoMax))
		}
		t.entries[key] = algo
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tuning table: %w", err)
	}
	return t, nil
}

func parseLine(line string) (Key, Algo, error) {
	fields := strings.Fields(line)
	if len(fields) != headerFields+1+entryFields || fields[headerFields] != "###" {
		return Key{}, Algo{}, fmt.Errorf("expected %d fields around ###, got %q", headerFields+1+entryFields, line)
	}
	ints := make([]int, 0, headerFields+entryFields-1)
	for i, f := range fields {
		if i == headerFields || i == len(fields)-1 {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return Key{}, Algo{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		ints = append(ints, v)
	}
	execTime, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return Key{}, Algo{}, fmt.Errorf("exec time: %w", err)
	}

	e := ints[headerFields:]
	key := Key{BatchCount: e[0], N: e[1], M: e[2], K: e[3], DataType: ints[4]}
	algo := Algo{
		ID:           e[4],
		CustomOption: e[5],
		Tile:         e[6],
		SplitK:       e[7],
		Swizzle:      e[8],
		Reduction:    e[9],
		Workspace:    e[10],
		Stages:       e[11],
		ExecTime:     execTime,
	}
	return key, algo, nil
}

func (t *Table) Len() int {
	return len(t.entries)
}

// Lookup is safe for concurrent use.
func (t *Table) Lookup(k Key) (Algo, bool) {
	a, ok := t.entries[k]
	return a, ok
}

// Clone gives an engine its own copy of the table.
func (t *Table) Clone() *Table {
	return &Table{entries: maps.Clone(t.entries)}
}
