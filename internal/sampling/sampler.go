package sampling

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/kernels"
)

// ErrNotReady is returned when a sampler is used out of lifecycle order.
var ErrNotReady = errors.New("sampler not ready")

// State is a sampler's lifecycle position.
type State int

const (
	Uninitialized State = iota
	Sized
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Sized:
		return "sized"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Params fixes the strategy and the shapes it works on.
type Params struct {
	Batch       int
	Vocab       int
	VocabPadded int
	EndID       int

	// Exactly one of CandidateNum and ProbabilityThreshold is nonzero.
	CandidateNum         int
	ProbabilityThreshold float64

	// MaxValue is the precision's largest finite value.
	MaxValue float32

	// Parallelism bounds concurrently sampled rows; 0 means one goroutine
	// per row.
	Parallelism int
}

func (p Params) mask() kernels.LogitMask {
	return kernels.LogitMask{Batch: 1, Vocab: p.Vocab, VocabPadded: p.VocabPadded, EndID: p.EndID, MaxValue: p.MaxValue}
}

// Binding is the arena memory a sampler works in.
type Binding struct {
	Workspace []byte
	RNG       *RNG

	// Top-p index buffers: identity ids per row and batch+1 row offsets.
	IDVals      []int32
	BeginOffset []int32
	Offset      []int32
}

// Step is one decode step's inputs and outputs.
type Step struct {
	// Logits holds batch × vocabPadded raw scores and is overwritten.
	Logits device.Floats
	Bias   device.Floats

	// Finished is read at the start of the step and updated.
	Finished []uint8
	WordIDs  []int32
	Lengths  []int32

	// Output receives this step's batch of ids.
	Output []int32
}

// Sampler picks the next token for every sequence of the batch.
type Sampler interface {
	Name() string
	State() State

	// WorkspaceSize is the size probe: it reports the workspace bytes and
	// moves the sampler to Sized. It touches no memory.
	WorkspaceSize() int

	Bind(Binding) error

	// Reset prepares per-generation index buffers.
	Reset() error

	Sample(Step) error
}

// New validates the sampling parameters and builds the selected strategy.
// Nothing is allocated when validation fails.
func New(p Params) (Sampler, error) {
	if err := config.ValidateSampling(p.CandidateNum, p.ProbabilityThreshold, p.Vocab); err != nil {
		return nil, err
	}
	if p.Batch <= 0 || p.Vocab <= 0 || p.VocabPadded < p.Vocab {
		return nil, fmt.Errorf("sampler: invalid shape batch=%d vocab=%d padded=%d", p.Batch, p.Vocab, p.VocabPadded)
	}
	if p.EndID < 0 || p.EndID >= p.Vocab {
		return nil, fmt.Errorf("sampler: end id %d outside vocabulary", p.EndID)
	}
	if p.CandidateNum != 0 {
		return &TopK{base: base{params: p}}, nil
	}
	return &TopP{base: base{params: p}}, nil
}

type base struct {
	params Params
	state  State
	rng    *RNG
}

func (b *base) State() State {
	return b.state
}

func (b *base) ready() error {
	if b.state != Ready {
		return fmt.Errorf("%w: state %s", ErrNotReady, b.state)
	}
	return nil
}

func (b *base) bind(bd Binding, size int) error {
	if b.state != Sized {
		return fmt.Errorf("%w: bind in state %s", ErrNotReady, b.state)
	}
	if len(bd.Workspace) < size {
		return fmt.Errorf("sampler: workspace holds %d bytes, need %d", len(bd.Workspace), size)
	}
	if bd.RNG == nil {
		return fmt.Errorf("sampler: nil rng")
	}
	b.rng = bd.RNG
	return nil
}

func (b *base) checkStep(s Step) error {
	n := b.params.Batch
	if s.Logits.Len() < n*b.params.VocabPadded || s.Bias.Len() < b.params.Vocab {
		return fmt.Errorf("sampler: short logits or bias")
	}
	if len(s.Finished) < n || len(s.WordIDs) < n || len(s.Lengths) < n || len(s.Output) < n {
		return fmt.Errorf("sampler: short running state")
	}
	return nil
}

// rows runs fn for every sequence. Each row owns its RNG slot and workspace
// slice so the result does not depend on scheduling.
func (b *base) rows(fn func(row int) error) error {
	var g errgroup.Group
	if b.params.Parallelism > 0 {
		g.SetLimit(b.params.Parallelism)
	}
	for row := 0; row < b.params.Batch; row++ {
		g.Go(func() error { return fn(row) })
	}
	return g.Wait()
}

// emit writes a chosen id and advances the running state. Length grows only
// for sequences unfinished at the start of the step.
func (b *base) emit(s Step, row int, id int32) {
	s.Output[row] = id
	s.WordIDs[row] = id
	if s.Finished[row] == 0 {
		s.Lengths[row]++
	}
	if int(id) == b.params.EndID {
		s.Finished[row] = 1
	} else {
		s.Finished[row] = 0
	}
}

// draw picks the first index whose cumulative mass exceeds u·total.
func draw(cum []float64, u float64) int {
	if len(cum) == 0 {
		return 0
	}
	r := u * cum[len(cum)-1]
	for i, c := range cum {
		if c > r {
			return i
		}
	}
	return len(cum) - 1
}
