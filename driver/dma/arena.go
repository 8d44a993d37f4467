package dma

import (
	"fmt"
	"sync"
)

// Arena is a simulated bus address space. Allocations and mappings
// share the Go memory of their buffers, and devices modeled in
// software reach them through Resolve.
type Arena struct {
	mu      sync.Mutex
	next    uint64
	regions []*region
	// Limit is the maximum number of live regions; zero means no
	// limit.
	Limit int
}

type region struct {
	addr uint64
	buf  []byte
}

const (
	arenaBase  = 0x1000_0000
	arenaAlign = 64
)

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{next: arenaBase}
}

type arenaMem struct {
	a *Arena
	r *region
}

func (m *arenaMem) Bytes() []byte    { return m.r.buf }
func (m *arenaMem) PhysAddr() uint64 { return m.r.addr }
func (m *arenaMem) Close() error     { return m.a.release(m.r) }

func (a *Arena) Alloc(size int) (Mem, error) {
	if size <= 0 {
		return nil, ErrEmptyRange
	}
	r, err := a.insert(make([]byte, size))
	if err != nil {
		return nil, err
	}
	return &arenaMem{a: a, r: r}, nil
}

// Map makes buf visible without copying.
func (a *Arena) Map(buf []byte, dir Direction) (*Mapping, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyRange
	}
	r, err := a.insert(buf)
	if err != nil {
		return nil, err
	}
	return &Mapping{
		Segs: []Segment{{Addr: r.addr, Len: len(buf)}},
		buf:  buf,
		dir:  dir,
	}, nil
}

func (a *Arena) Unmap(m *Mapping) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range m.Segs {
		idx := a.find(s.Addr)
		if idx == -1 || a.regions[idx].addr != s.Addr {
			return fmt.Errorf("dma: unmap %#x: %w", s.Addr, ErrNotMapped)
		}
		a.regions = append(a.regions[:idx], a.regions[idx+1:]...)
	}
	m.Segs = nil
	return nil
}

// Resolve returns the n bytes at bus address addr.
func (a *Arena) Resolve(addr uint64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.find(addr)
	if idx == -1 {
		return nil, fmt.Errorf("dma: resolve %#x: %w", addr, ErrNotMapped)
	}
	r := a.regions[idx]
	off := int(addr - r.addr)
	if off+n > len(r.buf) {
		return nil, fmt.Errorf("dma: resolve %#x+%d: %w", addr, n, ErrNotMapped)
	}
	return r.buf[off : off+n], nil
}

// Live returns the number of live allocations and mappings.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

func (a *Arena) insert(buf []byte) (*region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Limit > 0 && len(a.regions) >= a.Limit {
		return nil, ErrNoMemory
	}
	if a.next == 0 {
		a.next = arenaBase
	}
	r := &region{addr: a.next, buf: buf}
	size := (uint64(len(buf)) + arenaAlign - 1) &^ (arenaAlign - 1)
	// Leave a gap so overruns don't land in the next region.
	a.next += size + arenaAlign
	if a.next >= 1<<32 {
		return nil, ErrNoMemory
	}
	a.regions = append(a.regions, r)
	return r, nil
}

func (a *Arena) release(r *region) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r2 := range a.regions {
		if r2 == r {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("dma: release %#x: %w", r.addr, ErrNotMapped)
}

// find returns the index of the region containing addr, or -1.
func (a *Arena) find(addr uint64) int {
	for i, r := range a.regions {
		if addr >= r.addr && addr < r.addr+uint64(len(r.buf)) {
			return i
		}
	}
	return -1
}
