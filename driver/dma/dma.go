// Package dma provides memory that bus-mastering devices can reach,
// and mapping of ordinary buffers into their address space.
package dma

import (
	"errors"
	"io"
)

// Mem is a physically contiguous block of memory usable by a DMA
// engine. Close releases it.
type Mem interface {
	io.Closer
	Bytes() []byte
	// PhysAddr is the bus address of the first byte.
	PhysAddr() uint64
}

// Allocator allocates DMA memory.
type Allocator interface {
	Alloc(size int) (Mem, error)
}

// Direction is the direction of a mapped transfer.
type Direction uint8

const (
	// ToDevice buffers are read by the device.
	ToDevice Direction = iota
	// FromDevice buffers are written by the device.
	FromDevice
)

// Segment is a bus-contiguous span of a mapping.
type Segment struct {
	Addr uint64
	Len  int
}

// Mapping is a buffer made visible to a device. It is valid until
// passed to Unmap.
type Mapping struct {
	Segs []Segment

	buf    []byte
	dir    Direction
	bounce []Mem
}

// Len returns the total mapped length.
func (m *Mapping) Len() int {
	n := 0
	for _, s := range m.Segs {
		n += s.Len
	}
	return n
}

// Mapper maps buffers for device access. For FromDevice mappings
// the buffer contents are only valid after Unmap.
type Mapper interface {
	Map(buf []byte, dir Direction) (*Mapping, error)
	Unmap(m *Mapping) error
}

// Bus is the DMA view of a platform.
type Bus interface {
	Allocator
	Mapper
}

var (
	ErrNoMemory   = errors.New("dma: out of memory")
	ErrNotMapped  = errors.New("dma: address not mapped")
	ErrEmptyRange = errors.New("dma: empty buffer")
)
