package kvcache

import (
	"fmt"

	"github.com/23skdu/longbow-decoding/internal/arena"
	"github.com/23skdu/longbow-decoding/internal/config"
	"github.com/23skdu/longbow-decoding/internal/device"
	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// CacheView is what a decoder layer sees of the caches for one step.
//
// K and V are the layer's slice of the flat self-attention caches, laid out
// [position][batch][hidden]. KMem and VMem are the layer's cross-attention
// caches, laid out [batch][memory position][hidden].
type CacheView struct {
	K, V       device.Floats
	KMem, VMem device.Floats

	stride int
}

// Position returns the key and value rows written at pos (0-based), one
// hidden vector per sequence.
func (c CacheView) Position(pos int) (k, v device.Floats) {
	off := pos * c.stride
	return c.K.Slice(off, off+c.stride), c.V.Slice(off, off+c.stride)
}

// Manager hands out per-layer cache views and tracks which positions each
// layer has finished writing in the current generation.
type Manager struct {
	layers    int
	maxSeqLen int
	stride    int
	cacheSize int

	k, v       device.Floats
	kMem, vMem []device.Floats

	capacity  int64
	committed []int
}

func New(a *arena.Arena, cfg *config.Config) *Manager {
	m := &Manager{
		layers:    cfg.DecoderLayers,
		maxSeqLen: cfg.MaxSeqLen,
		stride:    cfg.BatchSize * cfg.HiddenUnits(),
		k:         a.Floats(arena.KCache),
		v:         a.Floats(arena.VCache),
		committed: make([]int, cfg.DecoderLayers),
	}
	m.cacheSize = m.maxSeqLen * m.stride

	l := a.Layout()
	for _, name := range []string{arena.KCache, arena.VCache} {
		r, _ := l.Region(name)
		m.capacity += int64(r.Bytes)
	}
	for i := 0; i < m.layers; i++ {
		m.kMem = append(m.kMem, a.Floats(arena.KMemCache(i)))
		m.vMem = append(m.vMem, a.Floats(arena.VMemCache(i)))
		for _, name := range []string{arena.KMemCache(i), arena.VMemCache(i)} {
			r, _ := l.Region(name)
			m.capacity += int64(r.Bytes)
		}
	}
	metrics.RecordKVCacheStats(m.capacity, 0)
	return m
}

func (m *Manager) Layers() int {
	return m.layers
}

// CapacityBytes is the arena space held by all caches.
func (m *Manager) CapacityBytes() int64 {
	return m.capacity
}

// Get returns layer's views. Self caches are addressed at layer × cacheSize.
func (m *Manager) Get(layer int) CacheView {
	if layer < 0 || layer >= m.layers {
		panic(fmt.Sprintf("kvcache: layer %d out of range [0, %d)", layer, m.layers))
	}
	off := layer * m.cacheSize
	metrics.RecordCacheRead()
	return CacheView{
		K:      m.k.Slice(off, off+m.cacheSize),
		V:      m.v.Slice(off, off+m.cacheSize),
		KMem:   m.kMem[layer],
		VMem:   m.vMem[layer],
		stride: m.stride,
	}
}

// Reset forgets every committed position. Cache contents are left in place;
// a position is always written before it is read.
func (m *Manager) Reset() {
	clear(m.committed)
	metrics.RecordKVCacheStats(m.capacity, 0)
}

// CrossPending reports whether layer still has to populate its
// cross-attention cache, which happens exactly once, at step 1.
func (m *Manager) CrossPending(layer int) bool {
	return m.committed[layer] == 0
}

// Committed is the number of positions layer has written.
func (m *Manager) Committed(layer int) int {
	return m.committed[layer]
}

// Commit records that layer finished writing the position for step
// (1-based). Steps must be committed in order, each exactly once.
func (m *Manager) Commit(layer, step int) error {
	if layer < 0 || layer >= m.layers {
		return fmt.Errorf("commit: layer %d out of range [0, %d)", layer, m.layers)
	}
	if step > m.maxSeqLen {
		return fmt.Errorf("commit: layer %d step %d exceeds max sequence length %d", layer, step, m.maxSeqLen)
	}
	if want := m.committed[layer] + 1; step != want {
		return fmt.Errorf("commit: layer %d step %d out of order, expected %d", layer, step, want)
	}
	m.committed[layer] = step
	if step == 1 {
		metrics.RecordCrossCachePopulation()
	}
	if layer == m.layers-1 {
		metrics.RecordKVCacheStats(m.capacity, step)
	}
	return nil
}
