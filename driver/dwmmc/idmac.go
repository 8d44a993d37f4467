package dwmmc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"sdmmc.dev/driver/dma"
	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/mmc"
)

const (
	// ringBytes is the size of the descriptor ring memory.
	ringBytes = 4096
	// minDMA is the shortest transfer worth setting up DMA for.
	minDMA = 16
)

var (
	errChainBusy  = errors.New("dwmmc: dma: chain already armed")
	errUnaligned  = errors.New("dwmmc: dma: unaligned buffer")
	errTooShort   = errors.New("dwmmc: dma: transfer too short")
	errRingFull   = errors.New("dwmmc: dma: too many descriptors")
	errEngineBusy = errors.New("dwmmc: dma: engine not stopped, chain leaked")
)

// ring is the internal DMA controller and its descriptor ring. The
// ring is a fixed array of descriptor slots; chains are allocated at a
// cursor that wraps, and the last slot links back to the first.
type ring struct {
	regs reg.Registers
	bus  dma.Bus
	mem  dma.Mem
	desc []byte
	n    int

	cursor int
	armed  *chain
}

// chain is a prepared descriptor chain and the buffers it maps.
type chain struct {
	first int
	count int
	maps  []*dma.Mapping
}

func newRing(regs reg.Registers, bus dma.Bus) (*ring, error) {
	mem, err := bus.Alloc(ringBytes)
	if err != nil {
		return nil, fmt.Errorf("dwmmc: descriptor ring: %w", err)
	}
	if mem.PhysAddr()+ringBytes > 1<<32 {
		mem.Close()
		return nil, errors.New("dwmmc: descriptor ring: outside 32-bit address space")
	}
	return &ring{
		regs: regs,
		bus:  bus,
		mem:  mem,
		desc: mem.Bytes()[:ringBytes],
		n:    ringBytes / reg.DescSize,
	}, nil
}

func (r *ring) addr(slot int) uint32 {
	return uint32(r.mem.PhysAddr()) + uint32(slot*reg.DescSize)
}

func (r *ring) descriptor(slot int) []byte {
	off := slot * reg.DescSize
	return r.desc[off : off+reg.DescSize]
}

// prepare maps the buffers of d and writes a descriptor chain for them.
// On error nothing is mapped or written, and the transfer should use
// PIO.
func (r *ring) prepare(d *mmc.Data) (*chain, error) {
	if r.armed != nil {
		return nil, errChainBusy
	}
	n := d.Len()
	if n < minDMA {
		return nil, fmt.Errorf("%w: %d bytes", errTooShort, n)
	}
	if d.BlockSize%4 != 0 {
		return nil, fmt.Errorf("%w: block size %d", errUnaligned, d.BlockSize)
	}
	dir := dma.FromDevice
	if d.Dir == mmc.Write {
		dir = dma.ToDevice
	}
	ch := &chain{first: r.cursor}
	remain := n
	for _, b := range d.SG {
		if remain == 0 {
			break
		}
		b = b[:min(len(b), remain)]
		if len(b) == 0 {
			continue
		}
		if len(b)%4 != 0 {
			r.unmap(ch)
			return nil, fmt.Errorf("%w: %d byte element", errUnaligned, len(b))
		}
		m, err := r.bus.Map(b, dir)
		if err != nil {
			r.unmap(ch)
			return nil, fmt.Errorf("dwmmc: dma: %w", err)
		}
		ch.maps = append(ch.maps, m)
		for _, s := range m.Segs {
			if s.Addr%4 != 0 {
				r.unmap(ch)
				return nil, fmt.Errorf("%w: address %#x", errUnaligned, s.Addr)
			}
			if s.Addr+uint64(s.Len) > 1<<32 {
				r.unmap(ch)
				return nil, fmt.Errorf("dwmmc: dma: address %#x outside 32-bit address space", s.Addr)
			}
			ch.count += (s.Len + reg.DescMaxData - 1) / reg.DescMaxData
		}
		remain -= len(b)
	}
	if remain > 0 {
		r.unmap(ch)
		return nil, fmt.Errorf("dwmmc: dma: scatter list %d bytes short", remain)
	}
	if ch.count > r.n {
		r.unmap(ch)
		return nil, fmt.Errorf("%w: %d", errRingFull, ch.count)
	}
	i := 0
	for _, m := range ch.maps {
		for _, s := range m.Segs {
			for off := 0; off < s.Len; off += reg.DescMaxData {
				size := min(s.Len-off, reg.DescMaxData)
				flags := uint32(reg.DescOWN | reg.DescCH)
				if i == 0 {
					flags |= reg.DescFS
				}
				if i == ch.count-1 {
					flags |= reg.DescLD
				} else {
					flags |= reg.DescDIC
				}
				slot := (ch.first + i) % r.n
				d := r.descriptor(slot)
				binary.LittleEndian.PutUint32(d[0:], flags)
				binary.LittleEndian.PutUint32(d[4:], uint32(size))
				binary.LittleEndian.PutUint32(d[8:], uint32(s.Addr)+uint32(off))
				binary.LittleEndian.PutUint32(d[12:], r.addr((slot+1)%r.n))
				i++
			}
		}
	}
	r.cursor = (ch.first + ch.count) % r.n
	r.armed = ch
	return ch, nil
}

// start hands the chain to the controller. Completion is signaled by
// the IDMAC receive or transmit interrupt.
func (r *ring) start(ch *chain) {
	r.regs.Write32(reg.DBADDR, r.addr(ch.first))
	r.regs.Write32(reg.BMOD, reg.BmodDE|reg.BmodFB)
	r.regs.Write32(reg.IDINTEN, reg.IdmacAll)
	r.regs.Write32(reg.CTRL, r.regs.Read32(reg.CTRL)|reg.CtrlUseIDMAC|reg.CtrlDMAEnable)
	r.regs.Write32(reg.PLDMND, 1)
}

// disable switches the data path to the FIFO register.
func (r *ring) disable() {
	r.regs.Write32(reg.CTRL, r.regs.Read32(reg.CTRL)&^(reg.CtrlUseIDMAC|reg.CtrlDMAEnable))
	r.regs.Write32(reg.BMOD, 0)
}

// complete releases the armed chain after the controller finished it.
func (r *ring) complete() error {
	ch := r.armed
	if ch == nil {
		return nil
	}
	var err error
	for i := 0; i < ch.count; i++ {
		slot := (ch.first + i) % r.n
		if binary.LittleEndian.Uint32(r.descriptor(slot))&reg.DescOWN != 0 {
			err = fmt.Errorf("dwmmc: dma: descriptor %d not returned: %w", slot, mmc.ErrDMA)
			break
		}
	}
	if uerr := r.unmap(ch); err == nil {
		err = uerr
	}
	r.armed = nil
	return err
}

// stop halts the IDMAC. The armed chain stays mapped until release,
// which may only run once the CTRL DMA reset has self-cleared.
func (r *ring) stop() {
	r.regs.Write32(reg.BMOD, reg.BmodSWR)
	r.regs.Write32(reg.DBADDR, 0)
	r.disable()
}

// release clears and unmaps the armed chain, if any.
func (r *ring) release() error {
	ch := r.armed
	if ch == nil {
		return nil
	}
	for i := 0; i < ch.count; i++ {
		clear(r.descriptor((ch.first + i) % r.n))
	}
	r.armed = nil
	return r.unmap(ch)
}

func (r *ring) unmap(ch *chain) error {
	var err error
	for _, m := range ch.maps {
		if uerr := r.bus.Unmap(m); err == nil {
			err = uerr
		}
	}
	ch.maps = nil
	return err
}

// close stops the IDMAC and frees the descriptor memory. A chain left
// armed by a failed reset may still be in use by the engine; its
// memory is leaked.
func (r *ring) close() error {
	r.stop()
	if r.armed != nil {
		return errEngineBusy
	}
	return r.mem.Close()
}
