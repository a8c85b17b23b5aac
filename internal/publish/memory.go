package publish

import (
	"context"
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

var ErrClosed = errors.New("publisher closed")

// MemoryPublisher is an in-process sink for tests and embedders that read
// results back without a Flight server. It keeps decoded rows in memory and
// goes through the same record encoding as FlightPublisher.
type MemoryPublisher struct {
	mu     sync.RWMutex
	mem    memory.Allocator
	closed bool
	rows   map[string][]Row
	order  []string
}

func NewMemoryPublisher(mem memory.Allocator) *MemoryPublisher {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &MemoryPublisher{mem: mem, rows: make(map[string][]Row)}
}

func (m *MemoryPublisher) Publish(ctx context.Context, r Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := BuildRecord(m.mem, r)
	if err != nil {
		return err
	}
	defer rec.Release()
	rows, err := ReadRecord(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.rows[r.Generation]; !ok {
		m.order = append(m.order, r.Generation)
	}
	m.rows[r.Generation] = rows
	return nil
}

// Rows returns the rows stored for one generation.
func (m *MemoryPublisher) Rows(generation string) ([]Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.rows[generation]
	return rows, ok
}

// Generations lists stored generation ids in publish order.
func (m *MemoryPublisher) Generations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *MemoryPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[string][]Row)
	m.order = nil
}

func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
