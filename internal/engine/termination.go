package engine

import (
	"fmt"

	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/kernels"
)

// terminationTracker gathers the finished flags once per step. It is the
// only place the decode loop waits for the stream.
type terminationTracker struct {
	mode     config.TerminationMode
	stream   *device.Stream
	batch    int
	finished []uint8
	counts   []int32

	// host mode mirror of the flags after the previous check
	mirror []uint8
	prev   int
}

func newTerminationTracker(mode config.TerminationMode, stream *device.Stream, finished []uint8, counts []int32, batch int) *terminationTracker {
	return &terminationTracker{
		mode:     mode,
		stream:   stream,
		batch:    batch,
		finished: finished[:batch],
		counts:   counts,
		mirror:   make([]uint8, batch),
	}
}

func (t *terminationTracker) reset() {
	clear(t.mirror)
	t.prev = 0
}

// check waits for every launched operation and returns how many sequences
// are finished. A sequence becoming unfinished again is an error.
func (t *terminationTracker) check() (int, error) {
	if t.mode == config.TerminationDevice {
		return t.checkDevice()
	}
	return t.checkHost()
}

func (t *terminationTracker) checkHost() (int, error) {
	if err := t.stream.Synchronize(); err != nil {
		return 0, err
	}
	n := 0
	for b, f := range t.finished {
		if t.mirror[b] != 0 && f == 0 {
			return 0, fmt.Errorf("sequence %d finished flag went back to false", b)
		}
		t.mirror[b] = f
		if f != 0 {
			n++
		}
	}
	return n, nil
}

func (t *terminationTracker) checkDevice() (int, error) {
	t.stream.Launch("count_finished", func() error {
		kernels.CountFinished(t.finished, t.batch, t.counts)
		return nil
	})
	if err := t.stream.Synchronize(); err != nil {
		return 0, err
	}
	n := int(t.counts[0])
	if n < t.prev {
		return 0, fmt.Errorf("finished count dropped from %d to %d", t.prev, n)
	}
	t.prev = n
	return n, nil
}
