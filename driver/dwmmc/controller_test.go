package dwmmc

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/driver/dwmmc/sim"
	"sdmmc.dev/mmc"
)

func newTestController(t *testing.T, scfg sim.Config, useDMA bool, cfg Config) (*Controller, *sim.Simulator) {
	t.Helper()
	s := sim.New(scfg)
	t.Cleanup(func() { s.Close() })
	if useDMA {
		cfg.Bus = s.Bus()
	}
	cfg.IRQ = s
	c, err := New(s, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, s
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestReadWrite(t *testing.T) {
	for _, width := range []int{2, 4, 8} {
		for _, useDMA := range []bool{false, true} {
			c, s := newTestController(t, sim.Config{DataWidth: width}, useDMA, Config{})
			ctx := testContext(t)
			slot := c.Slot(0)
			if err := slot.SetClock(ctx, 25*physic.MegaHertz); err != nil {
				t.Fatal(err)
			}
			if err := slot.SetBusWidth(ctx, mmc.BusWidth4); err != nil {
				t.Fatal(err)
			}
			for _, blocks := range []int{1, 8} {
				want := pattern(blocks*mmc.BlockSize, byte(width+blocks))
				if err := mmc.WriteBlocks(ctx, slot, 10, want); err != nil {
					t.Fatalf("width %d dma %v: %v", width, useDMA, err)
				}
				if got := s.ReadCard(0, 10*mmc.BlockSize, len(want)); !bytes.Equal(got, want) {
					t.Errorf("width %d dma %v: card contents differ after write", width, useDMA)
				}
				got := make([]byte, len(want))
				if err := mmc.ReadBlocks(ctx, slot, 10, got); err != nil {
					t.Fatalf("width %d dma %v: %v", width, useDMA, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("width %d dma %v: read data differs", width, useDMA)
				}
			}
			st := c.Stats()
			if useDMA && (st.DMA == 0 || st.PIO != 0) {
				t.Errorf("width %d: %d dma and %d pio transfers, want only dma", width, st.DMA, st.PIO)
			}
			if !useDMA && (st.PIO == 0 || st.DMA != 0) {
				t.Errorf("width %d: %d dma and %d pio transfers, want only pio", width, st.DMA, st.PIO)
			}
			if st.Errors != 0 {
				t.Errorf("width %d dma %v: %d errors", width, useDMA, st.Errors)
			}
		}
	}
}

func TestScatterRead(t *testing.T) {
	for _, useDMA := range []bool{false, true} {
		c, s := newTestController(t, sim.Config{}, useDMA, Config{})
		ctx := testContext(t)
		want := pattern(16*mmc.BlockSize, 3)
		s.WriteCard(0, 0, want)
		sg := [][]byte{make([]byte, 4100), make([]byte, 2996), make([]byte, 1096)}
		req := mmc.NewBlockRequest(mmc.Read, 0, 16, sg...)
		if err := mmc.Do(ctx, c.Slot(0), req); err != nil {
			t.Fatal(err)
		}
		if got := bytes.Join(sg, nil); !bytes.Equal(got, want) {
			t.Errorf("dma %v: scattered data differs", useDMA)
		}
		if req.Data.BytesXfered != len(want) {
			t.Errorf("dma %v: %d bytes transferred, want %d", useDMA, req.Data.BytesXfered, len(want))
		}
		if useDMA {
			if n := s.Bus().Live(); n != 1 {
				t.Errorf("%d live dma regions after transfer, want 1", n)
			}
		}
	}
}

func TestPollMode(t *testing.T) {
	s := sim.New(sim.Config{})
	defer s.Close()
	c, err := New(s, Config{Bus: s.Bus()})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := testContext(t)
	want := pattern(2*mmc.BlockSize, 9)
	if err := mmc.WriteBlocks(ctx, c.Slot(0), 0, want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read data differs")
	}
}

func TestShortIOFallback(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{})
	ctx := testContext(t)
	const (
		fn   = 1
		addr = 0x100
	)
	wreq, err := mmc.NewIORequest(mmc.Write, fn, addr, []byte{0xa1, 0xb2, 0xc3})
	if err != nil {
		t.Fatal(err)
	}
	if err := mmc.Do(ctx, c.Slot(0), wreq); err != nil {
		t.Fatal(err)
	}
	if got := s.ReadCard(0, fn<<17|addr, 3); !bytes.Equal(got, []byte{0xa1, 0xb2, 0xc3}) {
		t.Errorf("card contents % x", got)
	}
	buf := make([]byte, 3)
	rreq, err := mmc.NewIORequest(mmc.Read, fn, addr, buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := mmc.Do(ctx, c.Slot(0), rreq); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{0xa1, 0xb2, 0xc3}) {
		t.Errorf("read % x", buf)
	}
	st := c.Stats()
	if st.Fallbacks != 2 || st.PIO != 2 {
		t.Errorf("%d fallbacks and %d pio transfers, want 2 and 2", st.Fallbacks, st.PIO)
	}
}

func TestDataCRC(t *testing.T) {
	for _, useDMA := range []bool{false, true} {
		c, s := newTestController(t, sim.Config{}, useDMA, Config{})
		ctx := testContext(t)
		s.InjectDataCRC(1)
		buf := make([]byte, 8*mmc.BlockSize)
		err := mmc.ReadBlocks(ctx, c.Slot(0), 0, buf)
		if !errors.Is(err, mmc.ErrCRC) {
			t.Fatalf("dma %v: got %v, want %v", useDMA, err, mmc.ErrCRC)
		}
		issued := s.Issued()
		last := issued[len(issued)-1]
		if last.Opcode != mmc.StopTransmission {
			t.Errorf("dma %v: last command %d, want stop", useDMA, last.Opcode)
		}
		if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, buf); err != nil {
			t.Errorf("dma %v: read after crc error: %v", useDMA, err)
		}
		if s.DataActive() {
			t.Errorf("dma %v: data transfer still active", useDMA)
		}
	}
}

func TestCommandRetry(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{})
	ctx := testContext(t)
	want := pattern(mmc.BlockSize, 5)
	s.WriteCard(0, 0, want)
	s.InjectCommandCRC(1)
	got := make([]byte, mmc.BlockSize)
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read data differs after retry")
	}
	if n := c.Stats().Retries; n != 1 {
		t.Errorf("%d retries, want 1", n)
	}
	var reads int
	for _, cmd := range s.Issued() {
		if cmd.Opcode == mmc.ReadSingleBlock {
			reads++
		}
	}
	if reads != 2 {
		t.Errorf("read command issued %d times, want 2", reads)
	}

	// The stop commands after the first failure also fail, until the
	// controller is reset and the read retried.
	s.InjectCommandCRC(5)
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, got); !errors.Is(err, mmc.ErrCRC) {
		t.Errorf("got %v, want %v", err, mmc.ErrCRC)
	}
}

func stops(s *sim.Simulator) int {
	n := 0
	for _, cmd := range s.Issued() {
		if cmd.Opcode == mmc.StopTransmission {
			n++
		}
	}
	return n
}

func TestStopRetry(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{})
	ctx := testContext(t)
	want := pattern(4*mmc.BlockSize, 9)
	s.WriteCard(0, 0, want)

	s.InjectStopCRC(1)
	got := make([]byte, len(want))
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read data differs")
	}
	if n := stops(s); n != 2 {
		t.Errorf("%d stop commands, want 2", n)
	}

	resets := c.Stats().Resets
	before := stops(s)
	s.InjectStopCRC(maxStopRetries + 1)
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, got); !errors.Is(err, mmc.ErrCRC) {
		t.Errorf("got %v, want %v", err, mmc.ErrCRC)
	}
	if n := stops(s) - before; n != maxStopRetries+1 {
		t.Errorf("%d stop commands, want %d", n, maxStopRetries+1)
	}
	if n := c.Stats().Resets; n != resets+1 {
		t.Errorf("%d controller resets, want %d", n, resets+1)
	}
	// The next request dispatches normally.
	clear(got)
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("read data differs after recovery")
	}
}

func TestCommandOnly(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, false, Config{})
	ctx := testContext(t)
	req := &mmc.Request{Cmd: &mmc.Command{Opcode: mmc.SendStatus, Arg: 1 << 16, Flags: mmc.RespR1}}
	if err := mmc.Do(ctx, c.Slot(0), req); err != nil {
		t.Fatal(err)
	}
	if req.Cmd.Resp[0] != 0x900 {
		t.Errorf("response %#x", req.Cmd.Resp[0])
	}
	req = &mmc.Request{Cmd: &mmc.Command{Opcode: mmc.SendCSD, Flags: mmc.RespR2}}
	if err := mmc.Do(ctx, c.Slot(0), req); err != nil {
		t.Fatal(err)
	}
	want := [4]uint32{0x1d414200, 0x53494d31, 0x00000001, 0x5a5a0000}
	if req.Cmd.Resp != want {
		t.Errorf("long response %#x, want %#x", req.Cmd.Resp, want)
	}
	issued := s.Issued()
	if len(issued) != 2 || issued[0].Opcode != mmc.SendStatus || issued[0].Arg != 1<<16 {
		t.Errorf("issued %+v", issued)
	}
}

func TestWriteBusy(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{BusyTimeout: 20 * time.Millisecond})
	ctx := testContext(t)
	s.SetWriteBusy(3)
	if err := mmc.WriteBlocks(ctx, c.Slot(0), 0, pattern(mmc.BlockSize, 1)); err != nil {
		t.Fatal(err)
	}
	s.SetWriteBusy(-1)
	err := mmc.WriteBlocks(ctx, c.Slot(0), 0, pattern(mmc.BlockSize, 2))
	if !errors.Is(err, mmc.ErrBusy) {
		t.Errorf("got %v, want %v", err, mmc.ErrBusy)
	}
	s.SetWriteBusy(0)
	if err := mmc.WriteBlocks(ctx, c.Slot(0), 0, pattern(mmc.BlockSize, 3)); err != nil {
		t.Errorf("write after busy timeout: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	for _, useDMA := range []bool{false, true} {
		c, s := newTestController(t, sim.Config{}, useDMA, Config{RequestTimeout: 50 * time.Millisecond})
		ctx := testContext(t)
		s.InjectHang(1)
		req := &mmc.Request{Cmd: &mmc.Command{Opcode: mmc.SendStatus, Flags: mmc.RespR1}}
		if err := mmc.Do(ctx, c.Slot(0), req); !errors.Is(err, mmc.ErrTimeout) {
			t.Errorf("dma %v: command: got %v, want %v", useDMA, err, mmc.ErrTimeout)
		}

		s.InjectHang(1)
		req = mmc.NewBlockRequest(mmc.Read, 0, 1, make([]byte, mmc.BlockSize))
		req.Cmd.Retries = 0
		if err := mmc.Do(ctx, c.Slot(0), req); !errors.Is(err, mmc.ErrTimeout) {
			t.Errorf("dma %v: read: got %v, want %v", useDMA, err, mmc.ErrTimeout)
		}
		if s.DataActive() {
			t.Errorf("dma %v: data transfer active after timeout", useDMA)
		}
		if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, make([]byte, mmc.BlockSize)); err != nil {
			t.Errorf("dma %v: read after timeout: %v", useDMA, err)
		}
	}
}

func TestCancelledRead(t *testing.T) {
	for _, useDMA := range []bool{false, true} {
		c, s := newTestController(t, sim.Config{}, useDMA, Config{RequestTimeout: 50 * time.Millisecond})
		s.InjectHang(1)
		var done atomic.Bool
		req := mmc.NewBlockRequest(mmc.Read, 0, 1, make([]byte, mmc.BlockSize))
		req.Cmd.Retries = 0
		req.Done = func(*mmc.Request) { done.Store(true) }
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		err := mmc.Do(ctx, c.Slot(0), req)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("dma %v: got %v, want %v", useDMA, err, context.DeadlineExceeded)
		}
		if !done.Load() {
			t.Errorf("dma %v: Do returned before the request completed", useDMA)
		}
		if s.DataActive() {
			t.Errorf("dma %v: data transfer active after cancel", useDMA)
		}
	}
}

func TestCardRemoval(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{})
	ctx := testContext(t)
	slot := c.Slot(0)
	s.InjectHang(1)
	var reqs []*mmc.Request
	for i := 0; i < 3; i++ {
		req := mmc.NewBlockRequest(mmc.Read, uint32(i), 1, make([]byte, mmc.BlockSize))
		if err := slot.Submit(req); err != nil {
			t.Fatal(err)
		}
		reqs = append(reqs, req)
	}
	waitFor(t, func() bool { return len(s.Issued()) > 0 })
	s.RemoveCard(0)
	for i, req := range reqs {
		if err := req.Wait(ctx); !errors.Is(err, mmc.ErrNoMedium) {
			t.Errorf("request %d: got %v, want %v", i, err, mmc.ErrNoMedium)
		}
	}
	if slot.CardPresent() {
		t.Error("card present after removal")
	}
	var armed bool
	err := c.exec(ctx, nil, func() error {
		armed = c.ring.armed != nil
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if armed {
		t.Error("dma chain armed after removal")
	}
	if n := s.Bus().Live(); n != 1 {
		t.Errorf("%d live dma regions after removal, want 1", n)
	}
	err = mmc.ReadBlocks(ctx, slot, 0, make([]byte, mmc.BlockSize))
	if !errors.Is(err, mmc.ErrNoMedium) {
		t.Errorf("read without card: got %v, want %v", err, mmc.ErrNoMedium)
	}
	if n := c.Stats().Removals; n != 1 {
		t.Errorf("%d removals, want 1", n)
	}

	s.InsertCard(0)
	waitFor(t, slot.CardPresent)
	if err := mmc.ReadBlocks(ctx, slot, 0, make([]byte, mmc.BlockSize)); err != nil {
		t.Errorf("read after insertion: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExternalDetect(t *testing.T) {
	det := &fakeDetector{present: true}
	c, _ := newTestController(t, sim.Config{}, false, Config{
		Slots: []SlotConfig{{Detect: det}},
	})
	slot := c.Slot(0)
	if !slot.CardPresent() {
		t.Fatal("card not present")
	}
	det.set(false)
	slot.CardChanged()
	waitFor(t, func() bool { return !slot.CardPresent() })
	det.set(true)
	slot.CardChanged()
	waitFor(t, slot.CardPresent)
}

type fakeDetector struct {
	mu      sync.Mutex
	present bool
}

func (d *fakeDetector) set(present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present = present
}

func (d *fakeDetector) Present() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present
}

func TestOrdering(t *testing.T) {
	c, _ := newTestController(t, sim.Config{}, false, Config{})
	ctx := testContext(t)
	var (
		mu    sync.Mutex
		order []uint32
	)
	var reqs []*mmc.Request
	for i := 0; i < 8; i++ {
		req := &mmc.Request{
			Cmd: &mmc.Command{Opcode: mmc.SendStatus, Arg: uint32(i), Flags: mmc.RespR1},
			Done: func(r *mmc.Request) {
				mu.Lock()
				order = append(order, r.Cmd.Arg)
				mu.Unlock()
			},
		}
		if err := c.Slot(0).Submit(req); err != nil {
			t.Fatal(err)
		}
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		if err := req.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, arg := range order {
		if arg != uint32(i) {
			t.Fatalf("completion order %v", order)
		}
	}
}

func TestRoundRobin(t *testing.T) {
	c, s := newTestController(t, sim.Config{Slots: 2}, false, Config{})
	ctx := testContext(t)
	started, release := make(chan struct{}), make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		blocked <- c.exec(ctx, nil, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	var reqs []*mmc.Request
	for i := 0; i < 3; i++ {
		for slot := 0; slot < 2; slot++ {
			req := &mmc.Request{Cmd: &mmc.Command{Opcode: mmc.SendStatus, Arg: uint32(i), Flags: mmc.RespR1}}
			if err := c.Slot(slot).Submit(req); err != nil {
				t.Fatal(err)
			}
			reqs = append(reqs, req)
		}
	}
	close(release)
	if err := <-blocked; err != nil {
		t.Fatal(err)
	}
	for _, req := range reqs {
		if err := req.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	issued := s.Issued()
	if len(issued) != 6 {
		t.Fatalf("issued %+v", issued)
	}
	for i, cmd := range issued {
		if cmd.Slot != i%2 || cmd.Arg != uint32(i/2) {
			t.Errorf("command %d: slot %d arg %d, want slot %d arg %d", i, cmd.Slot, cmd.Arg, i%2, i/2)
		}
	}
}

func TestBusSettings(t *testing.T) {
	c, s := newTestController(t, sim.Config{Slots: 2}, false, Config{})
	ctx := testContext(t)
	if err := c.Slot(0).SetBusWidth(ctx, mmc.BusWidth4); err != nil {
		t.Fatal(err)
	}
	if err := c.Slot(1).SetBusWidth(ctx, mmc.BusWidth8); err != nil {
		t.Fatal(err)
	}
	if err := c.Slot(1).SetTiming(ctx, mmc.TimingMMCDDR52); err != nil {
		t.Fatal(err)
	}
	if got, want := s.Read32(reg.CTYPE), uint32(0b1|0b1<<(reg.Ctype8BitShift+1)); got != want {
		t.Errorf("CTYPE %#x, want %#x", got, want)
	}
	if got, want := s.Read32(reg.UHS_REG), uint32(0b1<<(reg.UhsDDRShift+1)); got != want {
		t.Errorf("UHS_REG %#x, want %#x", got, want)
	}
	if err := c.Slot(0).SetBusWidth(ctx, 3); err == nil {
		t.Error("invalid bus width accepted")
	}
	if err := c.Slot(0).SetClock(ctx, 400*physic.KiloHertz); err != nil {
		t.Fatal(err)
	}
	if got := s.Read32(reg.CLKDIV); got != 63 {
		t.Errorf("CLKDIV %d, want 63", got)
	}
	ena := s.Read32(reg.CLKENA)
	if ena&0b1 == 0 || ena&(0b1<<reg.ClkenaLowPowerShift) == 0 {
		t.Errorf("CLKENA %#x, want slot 0 enabled in low power mode", ena)
	}
}

func TestClockDivider(t *testing.T) {
	const src = 50 * physic.MegaHertz
	tests := []struct {
		rate physic.Frequency
		div  uint32
	}{
		{100 * physic.MegaHertz, 0},
		{50 * physic.MegaHertz, 0},
		{30 * physic.MegaHertz, 1},
		{25 * physic.MegaHertz, 1},
		{400 * physic.KiloHertz, 63},
		{100 * physic.KiloHertz, 250},
		{50 * physic.KiloHertz, 255},
	}
	for _, test := range tests {
		div := clockDivider(src, test.rate)
		if div != test.div {
			t.Errorf("clockDivider(%v) = %d, want %d", test.rate, div, test.div)
		}
		if got := dividedClock(src, div); got > test.rate && div < 0xff {
			t.Errorf("rate %v: card clock %v too fast", test.rate, got)
		}
	}
}

func TestSDIOInterrupt(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, false, Config{})
	if err := c.Slot(0).SetClock(testContext(t), 25*physic.MegaHertz); err != nil {
		t.Fatal(err)
	}
	irqs := make(chan struct{}, 1)
	err := c.Slot(0).SetSDIOHandler(func() {
		select {
		case irqs <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if ena := s.Read32(reg.CLKENA); ena&(0b1<<reg.ClkenaLowPowerShift) != 0 {
		t.Errorf("CLKENA %#x: low power gating with sdio handler", ena)
	}
	s.RaiseSDIO(0)
	select {
	case <-irqs:
	case <-time.After(5 * time.Second):
		t.Fatal("no sdio interrupt")
	}
	if err := c.Slot(0).SetSDIOHandler(nil); err != nil {
		t.Fatal(err)
	}
	if s.Read32(reg.INTMASK)&reg.IntSDIO0 != 0 {
		t.Error("sdio interrupt unmasked without handler")
	}
}

func TestReset(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{})
	ctx := testContext(t)
	regs := []uint32{reg.CTRL, reg.INTMASK, reg.FIFOTH, reg.TMOUT, reg.IDINTEN, reg.BMOD, reg.DBADDR, reg.RINTSTS, reg.IDSTS}
	dump := func() []uint32 {
		var vals []uint32
		for _, r := range regs {
			vals = append(vals, s.Read32(r))
		}
		return vals
	}
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, make([]byte, 2*mmc.BlockSize)); err != nil {
		t.Fatal(err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	first := dump()
	if err := c.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	second := dump()
	for i := range regs {
		if first[i] != second[i] {
			t.Errorf("register %#x: %#x after first reset, %#x after second", regs[i], first[i], second[i])
		}
	}
	if first[0]&reg.CtrlIntEnable == 0 {
		t.Error("interrupts disabled after reset")
	}
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, make([]byte, 2*mmc.BlockSize)); err != nil {
		t.Errorf("read after reset: %v", err)
	}
}

func TestResetTimeout(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{ResetTimeout: 10 * time.Millisecond})
	ctx := testContext(t)
	s.StickReset(reg.CtrlReset)
	if err := c.Reset(ctx); !errors.Is(err, ErrResetTimeout) {
		t.Fatalf("got %v, want %v", err, ErrResetTimeout)
	}
	req := mmc.NewBlockRequest(mmc.Read, 0, 1, make([]byte, mmc.BlockSize))
	if err := c.Slot(0).Submit(req); !errors.Is(err, ErrResetTimeout) {
		t.Errorf("submit to failed controller: got %v, want %v", err, ErrResetTimeout)
	}
	s.StickReset(0)
	if err := c.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, make([]byte, mmc.BlockSize)); err != nil {
		t.Errorf("read after recovery: %v", err)
	}
}

func TestDMAResetTimeout(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{ResetTimeout: 10 * time.Millisecond})
	ctx := testContext(t)
	bus := s.Bus()
	d := &mmc.Data{
		Dir:       mmc.Read,
		BlockSize: mmc.BlockSize,
		Blocks:    2,
		SG:        [][]byte{make([]byte, 2*mmc.BlockSize)},
	}
	err := c.exec(ctx, nil, func() error {
		ch, err := c.ring.prepare(d)
		if err != nil {
			return err
		}
		c.ring.start(ch)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	live := bus.Live()
	s.StickReset(reg.CtrlDMAReset)
	if err := c.exec(ctx, nil, c.resetDMA); !errors.Is(err, ErrResetTimeout) {
		t.Fatalf("got %v, want %v", err, ErrResetTimeout)
	}
	var armed bool
	c.exec(ctx, nil, func() error {
		armed = c.ring.armed != nil
		return nil
	})
	if !armed {
		t.Error("chain released while the dma reset was pending")
	}
	if n := bus.Live(); n != live {
		t.Errorf("%d live dma regions after failed reset, want %d", n, live)
	}
	s.StickReset(0)
	if err := c.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if n := bus.Live(); n != live-1 {
		t.Errorf("%d live dma regions after recovery, want %d", n, live-1)
	}
	if err := mmc.ReadBlocks(ctx, c.Slot(0), 0, make([]byte, mmc.BlockSize)); err != nil {
		t.Errorf("read after recovery: %v", err)
	}
}

func TestClose(t *testing.T) {
	c, s := newTestController(t, sim.Config{}, true, Config{RequestTimeout: time.Minute})
	ctx := testContext(t)
	s.InjectHang(1)
	req := mmc.NewBlockRequest(mmc.Read, 0, 1, make([]byte, mmc.BlockSize))
	if err := c.Slot(0).Submit(req); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Issued()) > 0 })
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := req.Wait(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("pending request: got %v, want %v", err, ErrClosed)
	}
	if err := c.Slot(0).Submit(mmc.NewBlockRequest(mmc.Read, 0, 1, make([]byte, mmc.BlockSize))); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close: got %v, want %v", err, ErrClosed)
	}
	if n := s.Bus().Live(); n != 0 {
		t.Errorf("%d live dma regions after close, want 0", n)
	}
}

func TestSubmitInvalid(t *testing.T) {
	c, _ := newTestController(t, sim.Config{}, false, Config{})
	tests := []*mmc.Request{
		{},
		{Cmd: &mmc.Command{}, Data: &mmc.Data{BlockSize: 0, Blocks: 1}},
		{Cmd: &mmc.Command{}, Data: &mmc.Data{BlockSize: 512, Blocks: 2, SG: [][]byte{make([]byte, 512)}}},
	}
	for i, req := range tests {
		if err := c.Slot(0).Submit(req); err == nil {
			t.Errorf("request %d accepted", i)
		}
	}
}

func TestSnapshot(t *testing.T) {
	c, _ := newTestController(t, sim.Config{}, false, Config{})
	ctx := testContext(t)
	slot := c.Slot(0)
	if err := slot.SetBusWidth(ctx, mmc.BusWidth4); err != nil {
		t.Fatal(err)
	}
	if err := slot.SetClock(ctx, 25*physic.MegaHertz); err != nil {
		t.Fatal(err)
	}
	if err := mmc.ReadBlocks(ctx, slot, 0, make([]byte, mmc.BlockSize)); err != nil {
		t.Fatal(err)
	}
	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := snap.WriteCBOR(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeSnapshot(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got.Stats.Requests != 1 || got.Stats.PIO != 1 {
		t.Errorf("stats %+v", got.Stats)
	}
	if len(got.Slots) != 1 {
		t.Fatalf("%d slots, want 1", len(got.Slots))
	}
	want := SlotState{Index: 0, Present: true, Width: 4, Timing: "legacy", ClockHz: 25_000_000, Phase: -1}
	if got.Slots[0] != want {
		t.Errorf("slot state %+v, want %+v", got.Slots[0], want)
	}
	if _, err := DecodeSnapshot([]byte{0xa1, 0x18, 0x63, 0x00}); err == nil {
		t.Error("unknown field accepted")
	}
}

func TestSnapshotCancel(t *testing.T) {
	c, _ := newTestController(t, sim.Config{}, false, Config{})
	ctx := testContext(t)
	started, hold := make(chan struct{}), make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- c.exec(ctx, nil, func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	sctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	snap, err := c.Snapshot(sctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
	if snap.Slots != nil {
		t.Errorf("cancelled snapshot has slots %+v", snap.Slots)
	}
	close(hold)
	if err := <-held; err != nil {
		t.Fatal(err)
	}
	snap, err = c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Slots) != 1 {
		t.Errorf("%d slots, want 1", len(snap.Slots))
	}
}

func TestRegistry(t *testing.T) {
	var r Registry
	c1, _ := newTestController(t, sim.Config{}, false, Config{})
	c2, _ := newTestController(t, sim.Config{}, false, Config{})
	h1, h2 := r.Add(c1), r.Add(c2)
	if h1 == h2 {
		t.Fatal("duplicate handle")
	}
	if c, ok := r.Get(h2); !ok || c != c2 {
		t.Error("lookup failed")
	}
	if c := r.Remove(h1); c != c1 {
		t.Error("remove returned wrong controller")
	}
	if _, ok := r.Get(h1); ok {
		t.Error("removed handle still registered")
	}
	if h3 := r.Add(c1); h3 == h1 {
		t.Error("handle reused")
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if hs := r.Handles(); len(hs) != 0 {
		t.Errorf("handles %v after close", hs)
	}
	if err := c2.Slot(0).Submit(&mmc.Request{Cmd: &mmc.Command{}}); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after registry close: got %v, want %v", err, ErrClosed)
	}
}
