package engine

import (
	"fmt"

	"github.com/23skdu/longbow-decoding/internal/device"
)

// State is the decode loop's position within a generation call.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateEmbedding
	StateLayerCompute
	StateProject
	StateSample
	StateCheckTermination
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateEmbedding:
		return "embedding"
	case StateLayerCompute:
		return "layer-compute"
	case StateProject:
		return "project"
	case StateSample:
		return "sample"
	case StateCheckTermination:
		return "check-termination"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// pingPong is the pair of layer input/output slots. Layer i reads the
// active slot and writes the other; the active index flips after each layer.
type pingPong struct {
	slots  [2]device.Floats
	active int
}

func (p *pingPong) reset()             { p.active = 0 }
func (p *pingPong) in() device.Floats  { return p.slots[p.active] }
func (p *pingPong) out() device.Floats { return p.slots[1-p.active] }
func (p *pingPong) swap()              { p.active = 1 - p.active }
