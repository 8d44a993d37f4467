// Package uio maps a controller register block exported through the
// Linux userspace I/O framework and delivers its interrupt.
package uio

import (
	"sync/atomic"
	"unsafe"
)

// MMIO is a little endian register window. Accesses are single loads
// and stores of the access width, so the compiler neither merges nor
// elides them.
type MMIO struct {
	mem []byte
}

// NewMMIO returns a register window over mem. The backing memory must
// be aligned to 8 bytes.
func NewMMIO(mem []byte) *MMIO {
	if len(mem) > 0 && uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 != 0 {
		panic("uio: unaligned register window")
	}
	return &MMIO{mem: mem}
}

func (m *MMIO) ptr(off uint32, width uint32) unsafe.Pointer {
	if off%width != 0 || int(off+width) > len(m.mem) {
		panic("uio: register access out of range")
	}
	return unsafe.Pointer(&m.mem[off])
}

// 16-bit accesses go through the containing word; sync/atomic has no
// 16-bit operations.
func (m *MMIO) Read16(off uint32) uint16 {
	w := m.Read32(off &^ 3)
	return uint16(w >> (8 * (off & 3)))
}

func (m *MMIO) Write16(off uint32, val uint16) {
	shift := 8 * (off & 3)
	w := m.Read32(off &^ 3)
	w = w&^(0xffff<<shift) | uint32(val)<<shift
	m.Write32(off&^3, w)
}

func (m *MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(m.ptr(off, 4)))
}

func (m *MMIO) Write32(off uint32, val uint32) {
	atomic.StoreUint32((*uint32)(m.ptr(off, 4)), val)
}

// Read64 reads the low word first.
func (m *MMIO) Read64(off uint32) uint64 {
	lo := m.Read32(off)
	hi := m.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

func (m *MMIO) Write64(off uint32, val uint64) {
	m.Write32(off, uint32(val))
	m.Write32(off+4, uint32(val>>32))
}
