package arena

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/logger"
	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// Arena is one device allocation sliced by a Layout. Views alias the
// allocation and stay valid until Free.
type Arena struct {
	layout *Layout
	buf    *device.Buffer
}

// Allocate makes the single allocation for layout. An allocation failure is
// returned as is and not retried.
func Allocate(ctx *device.Context, layout *Layout) (*Arena, error) {
	buf, err := ctx.Alloc(layout.Total())
	if err != nil {
		return nil, fmt.Errorf("allocate arena: %w", err)
	}
	for _, r := range layout.regions {
		metrics.RecordArenaRegion(r.Name, int64(r.Bytes))
	}
	logger.Log.Debug("Arena allocated", "bytes", humanize.IBytes(uint64(layout.Total())), "regions", len(layout.regions))
	return &Arena{layout: layout, buf: buf}, nil
}

func (a *Arena) Layout() *Layout {
	return a.layout
}

func (a *Arena) Free() {
	a.buf.Free()
}

func (a *Arena) region(name string, kind Kind) (Region, []byte) {
	r, ok := a.layout.Region(name)
	if !ok {
		panic(fmt.Sprintf("arena: unknown region %q", name))
	}
	if r.Kind != kind {
		panic(fmt.Sprintf("arena: region %q is %s, not %s", name, r.Kind, kind))
	}
	return r, a.buf.Bytes()[r.Offset : r.Offset+r.Bytes : r.Offset+r.Bytes]
}

// Floats views a float region at the arena's precision.
func (a *Arena) Floats(name string) device.Floats {
	_, b := a.region(name, KindFloat)
	if len(b) == 0 {
		return a.layout.prec.New(0)
	}
	return a.layout.prec.View(b)
}

func (a *Arena) Int32s(name string) []int32 {
	_, b := a.region(name, KindInt32)
	if len(b) == 0 {
		return nil
	}
	return arrow.Int32Traits.CastFromBytes(b)
}

// Bools views a flag region, one byte per flag.
func (a *Arena) Bools(name string) []uint8 {
	_, b := a.region(name, KindBool)
	if len(b) == 0 {
		return nil
	}
	return arrow.Uint8Traits.CastFromBytes(b)
}

func (a *Arena) Bytes(name string) []byte {
	_, b := a.region(name, KindBytes)
	return b
}

// Zero clears one region of any kind.
func (a *Arena) Zero(name string) {
	r, ok := a.layout.Region(name)
	if !ok {
		panic(fmt.Sprintf("arena: unknown region %q", name))
	}
	clear(a.buf.Bytes()[r.Offset : r.Offset+r.Bytes])
}
