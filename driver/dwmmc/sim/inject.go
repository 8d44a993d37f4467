package sim

import "sdmmc.dev/driver/dwmmc/reg"

// ReadCard returns a copy of n bytes of card memory at off.
func (s *Simulator) ReadCard(slot, off, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.cards[slot].mem[off:off+n]...)
}

// WriteCard stores data in card memory at off.
func (s *Simulator) WriteCard(slot, off int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.cards[slot].mem[off:], data)
}

// SetPhases sets the bitmap of sampling phases at which tuning reads
// from the card in slot succeed.
func (s *Simulator) SetPhases(slot int, bitmap uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[slot].phases = bitmap
}

// RemoveCard removes the card from slot and raises card detect.
func (s *Simulator) RemoveCard(slot int) {
	s.setPresent(slot, false)
}

// InsertCard inserts a card in slot and raises card detect.
func (s *Simulator) InsertCard(slot int) {
	s.setPresent(slot, true)
}

func (s *Simulator) setPresent(slot int, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[slot].present = present
	s.raise(reg.IntCD)
}

// RaiseSDIO signals an SDIO card interrupt from slot.
func (s *Simulator) RaiseSDIO(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raise(reg.IntSDIO0 << slot)
}

// InjectDataCRC makes the next n data transfers end with a data CRC
// error.
func (s *Simulator) InjectDataCRC(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataCRC = n
}

// InjectCommandCRC makes the next n commands fail with a response
// CRC error.
func (s *Simulator) InjectCommandCRC(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmdCRC = n
}

// InjectStopCRC makes the next n stop commands fail with a response
// CRC error.
func (s *Simulator) InjectStopCRC(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCRC = n
}

// SetWriteBusy makes the card report data busy for n STATUS reads
// after every write. A negative n keeps it busy forever.
func (s *Simulator) SetWriteBusy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busyWrites = n
	s.busy = 0
}

// InjectHang makes the next n commands never complete.
func (s *Simulator) InjectHang(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang = n
}

// StickReset makes the CTRL reset bits in mask never self-clear.
func (s *Simulator) StickReset(mask uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck = mask
	s.regs[reg.CTRL] &^= reg.CtrlAllResets &^ mask
}

// Issued returns the commands sent to cards so far.
func (s *Simulator) Issued() []Issued {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Issued(nil), s.issued...)
}

// Resets returns the number of controller resets.
func (s *Simulator) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// DataActive reports whether a data transfer is in progress.
func (s *Simulator) DataActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xfer != nil
}
