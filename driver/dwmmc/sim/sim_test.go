package sim

import (
	"bytes"
	"testing"

	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/mmc"
)

func TestHardwareConfig(t *testing.T) {
	s := New(Config{Slots: 3, FIFODepth: 64, DataWidth: 8})
	defer s.Close()
	hcon := s.Read32(reg.HCON)
	if n := reg.Slots(hcon); n != 3 {
		t.Errorf("%d slots, want 3", n)
	}
	if w := reg.DataWidth(hcon); w != 8 {
		t.Errorf("data width %d, want 8", w)
	}
	if d := reg.FIFODepth(s.Read32(reg.FIFOTH)); d != 64 {
		t.Errorf("fifo depth %d, want 64", d)
	}
	if cd := s.Read32(reg.CDETECT); cd != 0 {
		t.Errorf("CDETECT %#x with every card present", cd)
	}
	s.RemoveCard(1)
	if cd := s.Read32(reg.CDETECT); cd != 0b010 {
		t.Errorf("CDETECT %#x, want 0b010", cd)
	}
	if s.Read32(reg.RINTSTS)&reg.IntCD == 0 {
		t.Error("card detect not raised")
	}
}

func TestFIFORead(t *testing.T) {
	s := New(Config{FIFODepth: 4})
	defer s.Close()
	want := make([]byte, 40)
	for i := range want {
		want[i] = byte(i)
	}
	s.WriteCard(0, 2*mmc.BlockSize, want)
	s.Write32(reg.BYTCNT, uint32(len(want)))
	s.Write32(reg.CMDARG, 2)
	s.Write32(reg.CMD, reg.CmdStart|reg.CmdDatExp|mmc.ReadSingleBlock)
	if !s.DataActive() {
		t.Fatal("no data transfer")
	}
	var got []byte
	for len(got) < len(want) {
		n := reg.FIFOCount(s.Read32(reg.STATUS))
		if n == 0 {
			t.Fatalf("fifo empty after %d bytes", len(got))
		}
		for ; n > 0; n-- {
			v := s.Read32(reg.DATA)
			got = append(got, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		}
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read % x", got)
	}
	if s.Read32(reg.RINTSTS)&reg.IntDTO == 0 {
		t.Error("data transfer over not raised")
	}
	s.Read32(reg.DATA)
	if s.Read32(reg.RINTSTS)&reg.IntFRUN == 0 {
		t.Error("underrun not raised")
	}
}

func TestResetBits(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	s.Write32(reg.CTRL, reg.CtrlAllResets|reg.CtrlIntEnable)
	if got := s.Read32(reg.CTRL); got != reg.CtrlIntEnable {
		t.Errorf("CTRL %#x after reset", got)
	}
	s.StickReset(reg.CtrlFIFOReset)
	s.Write32(reg.CTRL, reg.CtrlFIFOReset)
	if s.Read32(reg.CTRL)&reg.CtrlFIFOReset == 0 {
		t.Error("stuck reset cleared")
	}
	if n := s.Resets(); n != 1 {
		t.Errorf("%d controller resets, want 1", n)
	}
}
