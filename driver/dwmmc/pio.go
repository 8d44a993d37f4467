package dwmmc

import (
	"encoding/binary"

	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/mmc"
)

// pio moves data through the FIFO data register with the CPU. Words
// that straddle scatter elements or the end of the transfer are
// assembled in part.
type pio struct {
	width int
	depth int

	write  bool
	sg     [][]byte
	idx    int
	off    int
	remain int
	moved  int

	part    [8]byte
	partOff int
	partLen int
}

func (p *pio) start(d *mmc.Data) {
	*p = pio{
		width:  p.width,
		depth:  p.depth,
		write:  d.Dir == mmc.Write,
		sg:     d.SG,
		remain: d.Len(),
	}
}

// stop abandons the transfer.
func (p *pio) stop() {
	p.sg = nil
	p.remain = 0
	p.partLen = 0
}

func (p *pio) done() bool {
	return p.remain == 0 && p.partLen == 0
}

// transfer moves as much data as the FIFO allows and returns the
// number of bytes moved.
func (p *pio) transfer(regs reg.Registers) int {
	if p.write {
		return p.push(regs)
	}
	return p.pull(regs)
}

func (p *pio) pull(regs reg.Registers) int {
	start := p.moved
	for p.remain > 0 {
		words := reg.FIFOCount(regs.Read32(reg.STATUS))
		if words == 0 {
			break
		}
		for ; words > 0 && p.remain > 0; words-- {
			p.load(regs)
			p.scatter()
		}
	}
	return p.moved - start
}

func (p *pio) push(regs reg.Registers) int {
	start := p.moved
	for p.remain > 0 {
		space := p.depth - reg.FIFOCount(regs.Read32(reg.STATUS))
		if space <= 0 {
			break
		}
		for ; space > 0 && p.remain > 0; space-- {
			p.gather()
			p.store(regs)
		}
	}
	return p.moved - start
}

// load reads one FIFO word into part.
func (p *pio) load(regs reg.Registers) {
	var v uint64
	switch p.width {
	case 2:
		v = uint64(regs.Read16(reg.DATA))
	case 8:
		v = regs.Read64(reg.DATA)
	default:
		v = uint64(regs.Read32(reg.DATA))
	}
	binary.LittleEndian.PutUint64(p.part[:], v)
	p.partOff = 0
	p.partLen = min(p.width, p.remain)
}

// scatter copies part into the scatter list.
func (p *pio) scatter() {
	for p.partLen > 0 {
		k := copy(p.sg[p.idx][p.off:], p.part[p.partOff:p.partOff+p.partLen])
		p.partOff += k
		p.partLen -= k
		p.advance(k)
	}
}

// gather fills part with the next word from the scatter list. The tail
// of the last word is zero.
func (p *pio) gather() {
	p.part = [8]byte{}
	n := min(p.width, p.remain)
	for p.partLen < n {
		k := copy(p.part[p.partLen:n], p.sg[p.idx][p.off:])
		p.partLen += k
		p.advance(k)
	}
}

func (p *pio) store(regs reg.Registers) {
	v := binary.LittleEndian.Uint64(p.part[:])
	switch p.width {
	case 2:
		regs.Write16(reg.DATA, uint16(v))
	case 8:
		regs.Write64(reg.DATA, v)
	default:
		regs.Write32(reg.DATA, uint32(v))
	}
	p.partLen = 0
}

func (p *pio) advance(k int) {
	p.off += k
	p.moved += k
	p.remain -= k
	if p.off == len(p.sg[p.idx]) {
		p.idx++
		p.off = 0
	}
}
