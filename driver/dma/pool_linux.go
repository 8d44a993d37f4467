package dma

import (
	"fmt"

	"periph.io/x/host/v3/pmem"
)

const pageSize = 4096

// Pool allocates locked, physically contiguous memory through pmem.
// Buffers are mapped through page-sized bounce buffers, so each
// mapping segment is at most one page.
type Pool struct{}

func (Pool) Alloc(size int) (Mem, error) {
	if size <= 0 {
		return nil, ErrEmptyRange
	}
	m, err := pmem.Alloc(roundPage(size))
	if err != nil {
		return nil, fmt.Errorf("dma: alloc %d: %w", size, err)
	}
	return m, nil
}

func (p Pool) Map(buf []byte, dir Direction) (*Mapping, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyRange
	}
	m := &Mapping{buf: buf, dir: dir}
	for off := 0; off < len(buf); off += pageSize {
		n := min(len(buf)-off, pageSize)
		b, err := p.Alloc(n)
		if err != nil {
			p.release(m)
			return nil, err
		}
		if dir == ToDevice {
			copy(b.Bytes(), buf[off:off+n])
		}
		m.bounce = append(m.bounce, b)
		m.Segs = append(m.Segs, Segment{Addr: b.PhysAddr(), Len: n})
	}
	return m, nil
}

func (p Pool) Unmap(m *Mapping) error {
	if m.dir == FromDevice {
		off := 0
		for i, b := range m.bounce {
			n := m.Segs[i].Len
			copy(m.buf[off:off+n], b.Bytes()[:n])
			off += n
		}
	}
	return p.release(m)
}

func (Pool) release(m *Mapping) error {
	var first error
	for _, b := range m.bounce {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.bounce = nil
	m.Segs = nil
	return first
}

func roundPage(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
