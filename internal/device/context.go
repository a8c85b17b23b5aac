package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// ErrOutOfMemory is returned when an allocation would exceed the context's
// memory limit. It is fatal for the caller; nothing retries.
var ErrOutOfMemory = errors.New("device out of memory")

var allocatedBytes int64

// AllocatedBytes is the process-wide total held by all contexts.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

func traceAlloc(delta int64) {
	metrics.RecordDeviceMemory(atomic.AddInt64(&allocatedBytes, delta))
}

// Context owns device allocations. Memory comes from an arrow allocator so
// every buffer is 64-byte aligned and zeroed.
type Context struct {
	mem      memory.Allocator
	maxBytes int64
	used     atomic.Int64
}

// NewContext creates a context backed by the Go allocator. maxBytes of 0
// means unlimited.
func NewContext(maxBytes int64) *Context {
	return NewContextWithAllocator(memory.NewGoAllocator(), maxBytes)
}

func NewContextWithAllocator(mem memory.Allocator, maxBytes int64) *Context {
	return &Context{mem: mem, maxBytes: maxBytes}
}

// Used returns the bytes currently held by this context.
func (c *Context) Used() int64 {
	return c.used.Load()
}

// Alloc reserves n bytes.
func (c *Context) Alloc(n int) (*Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("alloc: negative size %d", n)
	}
	if c.maxBytes > 0 && c.used.Load()+int64(n) > c.maxBytes {
		metrics.RecordAllocationFailure()
		return nil, fmt.Errorf("alloc %s with %s of %s in use: %w",
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(c.used.Load())), humanize.IBytes(uint64(c.maxBytes)), ErrOutOfMemory)
	}
	data := c.mem.Allocate(n)
	c.used.Add(int64(n))
	traceAlloc(int64(n))
	return &Buffer{ctx: c, data: data}, nil
}

// Buffer is one device allocation.
type Buffer struct {
	ctx  *Context
	once sync.Once
	data []byte
}

func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Free returns the memory to the allocator. Calling it twice is a no-op.
func (b *Buffer) Free() {
	b.once.Do(func() {
		n := int64(len(b.data))
		b.ctx.mem.Free(b.data)
		b.data = nil
		b.ctx.used.Add(-n)
		traceAlloc(-n)
	})
}
