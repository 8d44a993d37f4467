// Package sim simulates a DesignWare MMC controller register block
// with attached cards, for testing drivers without hardware.
package sim

import (
	"encoding/binary"
	"sync"

	"sdmmc.dev/driver/dma"
	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/mmc"
)

type Config struct {
	// Slots is the number of card slots; default 1.
	Slots int
	// FIFODepth is the FIFO depth in words; default 32.
	FIFODepth int
	// DataWidth is the FIFO word width in bytes: 2, 4 or 8; default 4.
	DataWidth int
	// CardSize is the size of each card in bytes; default 1 MiB.
	CardSize int
	// FineTuning selects 16 sampling phases.
	FineTuning bool
	// Bus resolves IDMAC descriptor and buffer addresses.
	Bus *dma.Arena
}

// Issued records a command sent to a card.
type Issued struct {
	Slot   int
	Opcode uint8
	Arg    uint32
}

// Simulator implements reg.Registers. Commands execute as soon as
// they are started; interrupts are delivered from a separate
// goroutine to the handler set by SetInterruptHandler.
type Simulator struct {
	cfg Config

	mu      sync.Mutex
	regs    map[uint32]uint32
	rintsts uint32
	idsts   uint32
	cards   []*card
	xfer    *transfer
	fifo    []uint64
	handler func()
	issued  []Issued

	busy       int
	busyWrites int
	dataCRC    int
	cmdCRC     int
	stopCRC    int
	hang       int
	stuck      uint32
	resets     int

	kick    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
}

type card struct {
	mem     []byte
	phases  uint32
	present bool
}

type transfer struct {
	data  []byte
	off   int
	write bool
	dma   bool
	crc   bool
}

var le = binary.LittleEndian

// New returns a running simulator with a card inserted in every slot.
func New(cfg Config) *Simulator {
	if cfg.Slots == 0 {
		cfg.Slots = 1
	}
	if cfg.FIFODepth == 0 {
		cfg.FIFODepth = 32
	}
	if cfg.DataWidth == 0 {
		cfg.DataWidth = 4
	}
	if cfg.CardSize == 0 {
		cfg.CardSize = 1 << 20
	}
	if cfg.Bus == nil {
		cfg.Bus = dma.NewArena()
	}
	s := &Simulator{
		cfg:     cfg,
		regs:    make(map[uint32]uint32),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for i := 0; i < cfg.Slots; i++ {
		s.cards = append(s.cards, &card{
			mem:     make([]byte, cfg.CardSize),
			phases:  0xffff,
			present: true,
		})
	}
	var width uint32
	switch cfg.DataWidth {
	case 2:
		width = 0b000
	case 8:
		width = 0b010
	default:
		width = 0b001
	}
	s.regs[reg.HCON] = uint32(cfg.Slots-1)<<reg.HconSlotsShift | width<<reg.HconDataWidthShift
	s.regs[reg.FIFOTH] = uint32(cfg.FIFODepth-1) << reg.FIFOTHRXShift
	s.regs[reg.VERID] = 0x5342270a
	go s.run()
	return s
}

// Bus returns the simulated DMA address space.
func (s *Simulator) Bus() *dma.Arena {
	return s.cfg.Bus
}

// SetInterruptHandler sets the function called while the interrupt
// line is asserted.
func (s *Simulator) SetInterruptHandler(h func()) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	s.signal()
}

// Close stops interrupt delivery.
func (s *Simulator) Close() error {
	close(s.quit)
	<-s.stopped
	return nil
}

func (s *Simulator) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case <-s.kick:
		}
		for {
			s.mu.Lock()
			h, pending := s.handler, s.asserted()
			s.mu.Unlock()
			if h == nil || !pending {
				break
			}
			h()
		}
	}
}

func (s *Simulator) asserted() bool {
	return s.mintsts() != 0 || s.idsts&s.regs[reg.IDINTEN] != 0
}

func (s *Simulator) mintsts() uint32 {
	if s.regs[reg.CTRL]&reg.CtrlIntEnable == 0 {
		return 0
	}
	return s.rintsts & s.regs[reg.INTMASK]
}

func (s *Simulator) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Simulator) raise(bits uint32) {
	s.rintsts |= bits
	s.signal()
}

func (s *Simulator) Read32(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch off {
	case reg.MINTSTS:
		return s.mintsts()
	case reg.RINTSTS:
		return s.rintsts
	case reg.IDSTS:
		return s.idsts
	case reg.STATUS:
		return s.status()
	case reg.CDETECT:
		var v uint32
		for i, c := range s.cards {
			if !c.present {
				v |= 0b1 << i
			}
		}
		return v
	case reg.DATA:
		return uint32(s.pop())
	}
	return s.regs[off]
}

func (s *Simulator) Write32(off uint32, val uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch off {
	case reg.RINTSTS:
		s.rintsts &^= val
	case reg.IDSTS:
		s.idsts &^= val
	case reg.MINTSTS, reg.STATUS, reg.HCON, reg.VERID, reg.CDETECT:
		// Read only.
	case reg.CTRL:
		s.control(val)
	case reg.BMOD:
		s.regs[off] = val &^ reg.BmodSWR
		if val&reg.BmodSWR != 0 {
			s.idsts = 0
		}
	case reg.CMD:
		s.regs[off] = val
		if val&reg.CmdStart != 0 {
			s.exec(val)
			s.regs[off] &^= reg.CmdStart
		}
	case reg.DATA:
		s.push(uint64(val))
	default:
		s.regs[off] = val
		if off == reg.INTMASK || off == reg.IDINTEN {
			s.signal()
		}
	}
}

func (s *Simulator) Read16(off uint32) uint16 {
	if off == reg.DATA {
		s.mu.Lock()
		defer s.mu.Unlock()
		return uint16(s.pop())
	}
	return uint16(s.Read32(off &^ 0b11) >> (8 * (off & 0b10)))
}

func (s *Simulator) Write16(off uint32, val uint16) {
	if off == reg.DATA {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.push(uint64(val))
		return
	}
	s.Write32(off, uint32(val))
}

func (s *Simulator) Read64(off uint32) uint64 {
	if off == reg.DATA {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pop()
	}
	return uint64(s.Read32(off)) | uint64(s.Read32(off+4))<<32
}

func (s *Simulator) Write64(off uint32, val uint64) {
	if off == reg.DATA {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.push(val)
		return
	}
	s.Write32(off, uint32(val))
	s.Write32(off+4, uint32(val>>32))
}

func (s *Simulator) status() uint32 {
	n := uint32(len(s.fifo))
	st := n << reg.StatusFCNTShift & reg.StatusFCNTMask
	if n == 0 {
		st |= reg.StatusFIFOEmpty
	}
	if int(n) == s.cfg.FIFODepth {
		st |= reg.StatusFIFOFull
	}
	if s.busy != 0 {
		st |= reg.StatusDataBusy
		if s.busy > 0 {
			s.busy--
		}
	}
	return st
}

func (s *Simulator) control(val uint32) {
	if val&reg.CtrlReset != 0 {
		s.resets++
		s.xfer = nil
		s.fifo = nil
	}
	if val&reg.CtrlFIFOReset != 0 {
		s.fifo = nil
	}
	if val&reg.CtrlDMAReset != 0 && s.xfer != nil && s.xfer.dma {
		s.xfer = nil
	}
	s.regs[reg.CTRL] = val &^ (reg.CtrlAllResets &^ s.stuck)
	s.signal()
}

func (s *Simulator) exec(cmd uint32) {
	if cmd&reg.CmdUpdateClock != 0 {
		return
	}
	slot := int(cmd&reg.CmdSlotMask) >> reg.CmdSlotShift
	op := uint8(cmd & reg.CmdIndexMask)
	arg := s.regs[reg.CMDARG]
	s.issued = append(s.issued, Issued{Slot: slot, Opcode: op, Arg: arg})
	if s.hang > 0 {
		s.hang--
		return
	}
	if cmd&reg.CmdStopAbort != 0 {
		s.xfer = nil
	}
	if slot >= len(s.cards) || !s.cards[slot].present {
		s.raise(reg.IntRTO | reg.IntCMD)
		return
	}
	if op == mmc.StopTransmission && s.stopCRC > 0 {
		s.stopCRC--
		s.raise(reg.IntRCRC | reg.IntCMD)
		return
	}
	if s.cmdCRC > 0 {
		s.cmdCRC--
		s.raise(reg.IntRCRC | reg.IntCMD)
		return
	}
	c := s.cards[slot]
	resp := uint32(0x900) // READY_FOR_DATA, transfer state.
	if op == mmc.IORWDirect {
		resp = 0x1000 | s.ioDirect(c, arg)
	}
	s.regs[reg.RESP0] = resp
	if cmd&reg.CmdRespLong != 0 {
		s.regs[reg.RESP0] = 0x5a5a0000
		s.regs[reg.RESP1] = 0x00000001
		s.regs[reg.RESP2] = 0x53494d31
		s.regs[reg.RESP3] = 0x1d414200
	}
	s.raise(reg.IntCMD)
	if cmd&reg.CmdDatExp != 0 {
		s.startData(slot, c, op, arg, cmd&reg.CmdDatWrite != 0)
	}
}

func (s *Simulator) ioDirect(c *card, arg uint32) uint32 {
	off := ioOffset(arg)
	if off >= len(c.mem) {
		return 0
	}
	if arg&(0b1<<31) != 0 {
		c.mem[off] = byte(arg)
	}
	return uint32(c.mem[off])
}

func ioOffset(arg uint32) int {
	return int(arg>>28&0b111)<<17 | int(arg>>9&0x1ffff)
}

func (s *Simulator) startData(slot int, c *card, op uint8, arg uint32, write bool) {
	n := int(s.regs[reg.BYTCNT])
	t := &transfer{
		write: write,
		dma:   s.regs[reg.CTRL]&reg.CtrlUseIDMAC != 0 && s.regs[reg.BMOD]&reg.BmodDE != 0,
	}
	var window []byte
	switch op {
	case mmc.SendTuningBlock, mmc.SendTuningBlockHS2:
		width := mmc.BusWidth4
		if s.regs[reg.CTYPE]&(0b1<<(reg.Ctype8BitShift+slot)) != 0 {
			width = mmc.BusWidth8
		}
		window = append([]byte(nil), mmc.TuningPattern(width)...)
		t.crc = c.phases&(0b1<<s.phase()) == 0
	case mmc.IORWExtended:
		window = c.mem[ioOffset(arg):]
	default:
		off := int(arg) * mmc.BlockSize
		if off < len(c.mem) {
			window = c.mem[off:]
		}
	}
	if n > len(window) {
		s.raise(reg.IntDRTO | reg.IntDTO)
		return
	}
	t.data = window[:n]
	if s.dataCRC > 0 {
		s.dataCRC--
		t.crc = true
	}
	s.xfer = t
	switch {
	case t.dma:
		s.runDMA()
	case t.write:
		s.raise(reg.IntTXDR)
	default:
		s.fill()
	}
}

// phase returns the sampling phase selected by CLKSEL.
func (s *Simulator) phase() int {
	clksel := s.regs[reg.CLKSEL]
	p := int(clksel & reg.ClkselSampleMask)
	if s.cfg.FineTuning {
		p <<= 1
		if clksel&reg.ClkselFine != 0 {
			p |= 1
		}
	}
	return p
}

func (s *Simulator) runDMA() {
	t := s.xfer
	addr := uint64(s.regs[reg.DBADDR])
	for t.off < len(t.data) {
		d, err := s.cfg.Bus.Resolve(addr, reg.DescSize)
		if err != nil {
			s.dmaFault(reg.IdmacFBE)
			return
		}
		des0 := le.Uint32(d[0:])
		if des0&reg.DescOWN == 0 {
			s.dmaFault(reg.IdmacDU)
			return
		}
		size := int(le.Uint32(d[4:]) & reg.DescSizeMask)
		buf, err := s.cfg.Bus.Resolve(uint64(le.Uint32(d[8:])), size)
		if err != nil {
			s.dmaFault(reg.IdmacFBE)
			return
		}
		size = min(size, len(t.data)-t.off)
		if t.write {
			copy(t.data[t.off:], buf[:size])
		} else {
			copy(buf, t.data[t.off:t.off+size])
		}
		t.off += size
		le.PutUint32(d[0:], des0&^reg.DescOWN)
		if des0&reg.DescLD != 0 {
			break
		}
		addr = uint64(le.Uint32(d[12:]))
	}
	if t.write {
		s.idsts |= reg.IdmacTI | reg.IdmacNI
	} else {
		s.idsts |= reg.IdmacRI | reg.IdmacNI
	}
	s.finish()
}

func (s *Simulator) dmaFault(bits uint32) {
	s.idsts |= bits | reg.IdmacAI
	s.xfer = nil
	s.signal()
}

func (s *Simulator) finish() {
	t := s.xfer
	s.xfer = nil
	if t.write && s.busyWrites != 0 {
		s.busy = s.busyWrites
	}
	bits := uint32(reg.IntDTO)
	if t.crc {
		bits |= reg.IntDCRC
	}
	s.raise(bits)
}

// fill moves card data into the receive FIFO.
func (s *Simulator) fill() {
	t := s.xfer
	if t == nil || t.write || t.dma {
		return
	}
	w := s.cfg.DataWidth
	for len(s.fifo) < s.cfg.FIFODepth && t.off < len(t.data) {
		var word [8]byte
		t.off += copy(word[:w], t.data[t.off:])
		s.fifo = append(s.fifo, le.Uint64(word[:]))
	}
	if t.off == len(t.data) {
		s.finish()
		return
	}
	s.raise(reg.IntRXDR)
}

func (s *Simulator) pop() uint64 {
	if len(s.fifo) == 0 {
		s.raise(reg.IntFRUN)
		return 0
	}
	v := s.fifo[0]
	s.fifo = s.fifo[1:]
	s.fill()
	return v
}

func (s *Simulator) push(v uint64) {
	t := s.xfer
	if t == nil || !t.write || t.dma {
		s.raise(reg.IntFRUN)
		return
	}
	var word [8]byte
	le.PutUint64(word[:], v)
	t.off += copy(t.data[t.off:], word[:s.cfg.DataWidth])
	if t.off == len(t.data) {
		s.finish()
		return
	}
	s.raise(reg.IntTXDR)
}
