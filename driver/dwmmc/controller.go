// Package dwmmc drives the Synopsys DesignWare Mobile Storage Host
// controller found in many SoCs, for SD, SDIO and eMMC cards.
//
// A Controller owns one register block and serializes requests from
// its slots. Interrupt handling is split in two: HandleInterrupt only
// reads and acknowledges status, and a worker goroutine runs the
// transfer state machine and programs the registers.
package dwmmc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sdmmc.dev/driver/dwmmc/reg"
	"sdmmc.dev/mmc"
)

// ErrClosed is returned for requests to a closed controller.
var ErrClosed = errors.New("dwmmc: controller closed")

const (
	// irqQueue is the capacity of the interrupt status queue.
	irqQueue = 32

	dataInts = reg.IntDTO | reg.IntDataErrors | reg.IntRXDR | reg.IntTXDR
)

type Controller struct {
	regs   reg.Registers
	cfg    Config
	log    *slog.Logger
	ring   *ring
	pio    pio
	fifoth uint32
	slots  []*Slot

	irqs      chan irqStatus
	lostMint  atomic.Uint32
	lostIDs   atomic.Uint32
	nirqs     atomic.Uint64
	overflows atomic.Uint64
	cdCheck   atomic.Bool
	kick      chan struct{}
	expired   chan uint64
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	ctl    []*work
	next   int
	closed bool
	failed error
	stats  Stats

	// Owned by the worker.
	cur     *xfer
	events  []event
	seq     uint64
	timer   *time.Timer
	mask    uint32
	busSlot int
}

type irqStatus struct {
	mint  uint32
	idsts uint32
}

// work is a queued request or control operation.
type work struct {
	req   *mmc.Request
	tries int

	fn   func() error
	errc chan error
}

type event struct {
	x     *xfer
	phase Phase
	ev    Event
}

// New resets the controller behind regs and starts its worker.
func New(regs reg.Registers, cfg Config) (*Controller, error) {
	cfg.setDefaults()
	hcon := regs.Read32(reg.HCON)
	depth := cfg.FIFODepth
	if depth == 0 {
		depth = reg.FIFODepth(regs.Read32(reg.FIFOTH))
	}
	c := &Controller{
		regs:    regs,
		cfg:     cfg,
		log:     cfg.Log,
		pio:     pio{width: reg.DataWidth(hcon), depth: depth},
		fifoth:  reg.FIFOThreshold(depth),
		irqs:    make(chan irqStatus, irqQueue),
		kick:    make(chan struct{}, 1),
		expired: make(chan uint64, 4),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		busSlot: -1,
	}
	n := reg.Slots(hcon)
	slots := cfg.Slots
	if len(slots) == 0 {
		slots = make([]SlotConfig, n)
	}
	if len(slots) > n {
		return nil, fmt.Errorf("dwmmc: %d slots configured, controller has %d", len(slots), n)
	}
	for i, sc := range slots {
		c.slots = append(c.slots, newSlot(c, i, sc))
	}
	if cfg.Bus != nil {
		r, err := newRing(regs, cfg.Bus)
		if err != nil {
			return nil, err
		}
		c.ring = r
	}
	c.mask = reg.IntCD | reg.IntCMD | reg.IntDTO | reg.IntCmdErrors | reg.IntDataErrors
	if err := c.resetController(); err != nil {
		if c.ring != nil {
			c.ring.close()
		}
		return nil, fmt.Errorf("dwmmc: init: %w", err)
	}
	var pwren uint32
	for _, s := range c.slots {
		pwren |= 0b1 << s.index
		s.present = s.detect()
	}
	regs.Write32(reg.PWREN, pwren)
	c.log.Info("controller ready",
		"version", fmt.Sprintf("%#x", regs.Read32(reg.VERID)),
		"slots", len(c.slots), "fifo", depth, "width", c.pio.width, "dma", c.ring != nil)
	go c.run()
	if cfg.IRQ != nil {
		cfg.IRQ.SetInterruptHandler(c.HandleInterrupt)
	}
	return c, nil
}

// Slot returns slot i.
func (c *Controller) Slot(i int) *Slot {
	return c.slots[i]
}

// Slots returns the number of slots.
func (c *Controller) Slots() int {
	return len(c.slots)
}

// Close stops the controller. Outstanding requests complete with
// ErrClosed.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if c.cfg.IRQ != nil {
			c.cfg.IRQ.SetInterruptHandler(nil)
		}
		close(c.quit)
	})
	<-c.stopped
	return nil
}

// Reset resets the controller and clears a failure recorded by a
// reset timeout.
func (c *Controller) Reset(ctx context.Context) error {
	w := &work{
		fn: func() error {
			if err := c.resetController(); err != nil {
				c.fatal(err)
				return err
			}
			c.mu.Lock()
			c.failed = nil
			c.mu.Unlock()
			return nil
		},
		errc: make(chan error, 1),
	}
	if err := c.enqueue(nil, w, true); err != nil {
		return err
	}
	return wait(ctx, w)
}

// HandleInterrupt reads and acknowledges the interrupt status and
// hands it to the worker. It never blocks and is safe to call from
// any goroutine.
func (c *Controller) HandleInterrupt() {
	mint := c.regs.Read32(reg.MINTSTS)
	var ids uint32
	if c.ring != nil {
		ids = c.regs.Read32(reg.IDSTS) & reg.IdmacAll
	}
	if mint == 0 && ids == 0 {
		return
	}
	c.regs.Write32(reg.RINTSTS, mint)
	if ids != 0 {
		c.regs.Write32(reg.IDSTS, ids)
	}
	c.nirqs.Add(1)
	select {
	case c.irqs <- irqStatus{mint: mint, idsts: ids}:
	default:
		c.lostMint.Or(mint)
		c.lostIDs.Or(ids)
		c.overflows.Add(1)
		c.signal()
	}
}

func (c *Controller) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) enqueue(s *Slot, w *work, force bool) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.failed != nil && !force:
		err := c.failed
		c.mu.Unlock()
		return err
	}
	if s == nil {
		c.ctl = append(c.ctl, w)
	} else {
		s.queue = append(s.queue, w)
	}
	c.mu.Unlock()
	c.signal()
	return nil
}

// exec runs fn on the worker between requests, in order with the
// requests of s. A nil s runs fn before any queued request.
func (c *Controller) exec(ctx context.Context, s *Slot, fn func() error) error {
	w := &work{fn: fn, errc: make(chan error, 1)}
	if err := c.enqueue(s, w, false); err != nil {
		return err
	}
	return wait(ctx, w)
}

func wait(ctx context.Context, w *work) error {
	select {
	case err := <-w.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) inc(field *uint64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

func (c *Controller) run() {
	defer close(c.stopped)
	var tick <-chan time.Time
	if c.cfg.IRQ == nil {
		t := time.NewTicker(c.cfg.PollInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		c.dispatch()
		select {
		case <-c.quit:
			c.shutdown()
			return
		case st := <-c.irqs:
			c.service(st)
		case seq := <-c.expired:
			c.expire(seq)
		case <-c.kick:
		case <-tick:
			c.HandleInterrupt()
		}
		c.drain()
	}
}

// drain processes every pending interrupt status and posted event.
func (c *Controller) drain() {
	for {
		for len(c.events) > 0 {
			e := c.events[0]
			c.events = c.events[1:]
			c.step(e.x, e.phase, e.ev)
		}
		select {
		case st := <-c.irqs:
			c.service(st)
			continue
		default:
		}
		lost := irqStatus{mint: c.lostMint.Swap(0), idsts: c.lostIDs.Swap(0)}
		if lost != (irqStatus{}) {
			c.service(lost)
			continue
		}
		if c.cdCheck.Swap(false) {
			c.cardChanged()
			continue
		}
		if len(c.events) == 0 {
			return
		}
	}
}

func (c *Controller) post(x *xfer, p Phase, ev Event) {
	c.events = append(c.events, event{x: x, phase: p, ev: ev})
}

func (c *Controller) dispatch() {
	for c.cur == nil {
		w, s := c.nextWork()
		if w == nil {
			return
		}
		if w.fn != nil {
			w.errc <- w.fn()
			continue
		}
		c.start(s, w)
	}
}

// nextWork dequeues controller operations first, then the head of the
// next slot queue in round-robin order.
func (c *Controller) nextWork() (*work, *Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ctl) > 0 {
		w := c.ctl[0]
		c.ctl = c.ctl[1:]
		return w, nil
	}
	n := len(c.slots)
	for i := 0; i < n; i++ {
		s := c.slots[(c.next+i)%n]
		if len(s.queue) == 0 {
			continue
		}
		w := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		c.next = (c.next + i + 1) % n
		return w, s
	}
	return nil, nil
}

func (c *Controller) start(s *Slot, w *work) {
	req := w.req
	c.mu.Lock()
	failed, present := c.failed, s.present
	c.mu.Unlock()
	switch {
	case failed != nil:
		c.fail(req, failed)
		return
	case !present:
		c.fail(req, mmc.ErrNoMedium)
		return
	}
	if err := c.setupBus(s); err != nil {
		c.fail(req, err)
		c.fatal(err)
		return
	}
	c.seq++
	x := newXfer(req, s, c.seq, w.tries)
	c.cur = x
	c.inc(&c.stats.Requests)
	c.regs.Write32(reg.RINTSTS, reg.IntCMD|reg.IntCmdErrors|dataInts)
	if x.hasData() {
		c.startData(x)
	}
	c.arm(x)
	c.sendCommand(s, req.Cmd, req.Data)
}

func (c *Controller) startData(x *xfer) {
	d := x.req.Data
	c.regs.Write32(reg.BLKSIZ, uint32(d.BlockSize))
	c.regs.Write32(reg.BYTCNT, uint32(d.Len()))
	if c.ring != nil {
		ch, err := c.ring.prepare(d)
		if err == nil {
			c.setPIOMask(0)
			c.ring.start(ch)
			x.dma = true
			c.inc(&c.stats.DMA)
			return
		}
		c.log.Debug("dma fallback", "slot", x.slot.index, "err", err)
		c.inc(&c.stats.Fallbacks)
		c.ring.disable()
	}
	c.pio.start(d)
	if d.Dir == mmc.Write {
		c.setPIOMask(reg.IntTXDR)
	} else {
		c.setPIOMask(reg.IntRXDR)
	}
	c.inc(&c.stats.PIO)
}

func (c *Controller) setPIOMask(bits uint32) {
	c.mask = c.mask&^(reg.IntRXDR|reg.IntTXDR) | bits
	c.regs.Write32(reg.INTMASK, c.mask)
}

func (c *Controller) sendCommand(s *Slot, cmd *mmc.Command, d *mmc.Data) {
	v := uint32(reg.CmdStart|reg.CmdUseHoldReg) |
		uint32(s.index)<<reg.CmdSlotShift |
		uint32(cmd.Opcode)&reg.CmdIndexMask
	if cmd.Flags&mmc.RespPresent != 0 {
		v |= reg.CmdRespExp
		if cmd.Flags&mmc.Resp136 != 0 {
			v |= reg.CmdRespLong
		}
		if cmd.Flags&mmc.RespCRC != 0 {
			v |= reg.CmdRespCRC
		}
	}
	if d != nil {
		v |= reg.CmdDatExp
		if d.Dir == mmc.Write {
			v |= reg.CmdDatWrite
		}
	}
	if cmd.Opcode == mmc.StopTransmission {
		v |= reg.CmdStopAbort
	} else {
		v |= reg.CmdPrvDatWait
	}
	if s.needInit {
		v |= reg.CmdInit
		s.needInit = false
	}
	c.regs.Write32(reg.CMDARG, cmd.Arg)
	c.regs.Write32(reg.CMD, v)
}

func (c *Controller) issueStop(x *xfer) {
	x.stop.Err = nil
	x.stop.Resp = [4]uint32{}
	if err := c.setupBus(x.slot); err != nil {
		c.fatal(err)
		return
	}
	c.arm(x)
	c.regs.Write32(reg.RINTSTS, reg.IntCMD|reg.IntCmdErrors)
	c.sendCommand(x.slot, x.stop, nil)
}

// service handles one interrupt status in the order the hardware
// raises events: card detect, SDIO, command, data.
func (c *Controller) service(st irqStatus) {
	if st.mint&reg.IntCD != 0 {
		c.cardChanged()
	}
	if sdio := st.mint & reg.IntSDIOMask; sdio != 0 {
		c.sdio(sdio)
	}
	x := c.cur
	if x == nil {
		return
	}
	if st.mint&(reg.IntCMD|reg.IntCmdErrors) != 0 && (x.cmd == IssuingCommand || x.cmd == IssuingStop) {
		c.commandDone(x, st.mint)
	}
	if c.cur != x || !x.hasData() {
		return
	}
	if st.mint&reg.IntDataErrors != 0 {
		c.dataError(x, dataErr(st.mint))
	}
	if x.dma {
		if st.idsts&reg.IdmacErrors != 0 {
			c.dataError(x, fmt.Errorf("dwmmc: idmac status %#x: %w", st.idsts, mmc.ErrDMA))
		}
		if st.idsts&(reg.IdmacRI|reg.IdmacTI) != 0 {
			c.step(x, PhaseData, EventTransferDone)
		}
	} else if st.mint&(reg.IntRXDR|reg.IntTXDR|reg.IntDTO) != 0 {
		c.pioService(x)
	}
	if st.mint&reg.IntDTO != 0 {
		if !x.dma && x.data == TransferringData && !x.moved {
			c.dataError(x, fmt.Errorf("dwmmc: data over with %d bytes left: %w", c.pio.remain, mmc.ErrFIFO))
		}
		c.step(x, PhaseData, EventDataOver)
	}
}

func (c *Controller) commandDone(x *xfer, mint uint32) {
	cmd := x.command()
	switch {
	case mint&reg.IntRTO != 0:
		cmd.Err = mmc.ErrTimeout
	case mint&reg.IntRCRC != 0:
		cmd.Err = mmc.ErrCRC
	case mint&reg.IntRE != 0:
		cmd.Err = mmc.ErrResponse
	case mint&reg.IntHLE != 0:
		cmd.Err = mmc.ErrBusy
	case cmd.Flags&mmc.Resp136 != 0:
		cmd.Resp[0] = c.regs.Read32(reg.RESP3)
		cmd.Resp[1] = c.regs.Read32(reg.RESP2)
		cmd.Resp[2] = c.regs.Read32(reg.RESP1)
		cmd.Resp[3] = c.regs.Read32(reg.RESP0)
	case cmd.Flags&mmc.RespPresent != 0:
		cmd.Resp[0] = c.regs.Read32(reg.RESP0)
	}
	if cmd.Err != nil {
		cmd.Err = fmt.Errorf("dwmmc: cmd%d: %w", cmd.Opcode, cmd.Err)
	}
	c.step(x, PhaseCommand, EventCommandDone)
}

func dataErr(mint uint32) error {
	var err error
	switch {
	case mint&reg.IntDCRC != 0:
		err = mmc.ErrCRC
	case mint&(reg.IntDRTO|reg.IntHTO) != 0:
		err = mmc.ErrTimeout
	case mint&reg.IntSBE != 0:
		err = mmc.ErrStartBit
	case mint&reg.IntEBE != 0:
		err = mmc.ErrEndBit
	default:
		err = mmc.ErrFIFO
	}
	return fmt.Errorf("dwmmc: data: %w", err)
}

func (c *Controller) dataError(x *xfer, err error) {
	if x.req.Data.Err == nil {
		x.req.Data.Err = err
	}
	c.step(x, PhaseData, EventDataError)
}

func (c *Controller) pioService(x *xfer) {
	if x.dma || x.data != TransferringData || x.moved {
		return
	}
	c.pio.transfer(c.regs)
	if c.pio.done() {
		c.setPIOMask(0)
		c.step(x, PhaseData, EventTransferDone)
	}
}

// step feeds an event to the active request and performs the
// resulting action.
func (c *Controller) step(x *xfer, p Phase, ev Event) {
	if c.cur != x {
		return
	}
	st, act, done := x.advance(p, ev)
	c.log.Debug("transition", "slot", x.slot.index, "seq", x.seq, "phase", p, "event", ev, "state", st)
	switch act {
	case actIssueStop:
		c.issueStop(x)
	case actRecover:
		if err := c.recover(x.timedOut || x.stopFailed); err != nil {
			c.fatal(err)
			return
		}
		c.post(x, p, EventRecovered)
	case actWaitBusy:
		err := c.waitNotBusy()
		switch {
		case errors.Is(err, ErrResetTimeout):
			c.fatal(err)
			return
		case err != nil:
			if x.req.Data.Err == nil {
				x.req.Data.Err = err
			}
			c.post(x, PhaseData, EventDataError)
		default:
			c.post(x, PhaseData, EventBusyClear)
		}
	case actAbortData:
		if x.data != Idle && x.req.Data.Err == nil {
			x.req.Data.Err = mmc.ErrAborted
		}
		c.post(x, PhaseData, EventAbort)
	case actDataFinished:
		c.finishData(x)
		c.post(x, PhaseCommand, EventDataFinished)
	}
	if done {
		c.complete(x)
	}
}

func (c *Controller) finishData(x *xfer) {
	d := x.req.Data
	if x.dma {
		if err := c.ring.complete(); err != nil && d.Err == nil {
			d.Err = err
		}
		if d.Err == nil {
			d.BytesXfered = d.Len()
		}
		return
	}
	d.BytesXfered = c.pio.moved
	c.pio.stop()
	c.setPIOMask(0)
}

func (c *Controller) complete(x *xfer) {
	c.disarm()
	c.cur = nil
	req := x.req
	if !x.removed && x.tries < req.Cmd.Retries && mmc.Transient(req.Cmd.Err) {
		c.log.Debug("retrying command", "slot", x.slot.index, "cmd", req.Cmd.Opcode, "err", req.Cmd.Err)
		clearResults(req)
		c.mu.Lock()
		x.slot.queue = append([]*work{{req: req, tries: x.tries + 1}}, x.slot.queue...)
		c.stats.Retries++
		c.mu.Unlock()
		return
	}
	c.finish(req)
}

func (c *Controller) finish(req *mmc.Request) {
	if err := req.Err(); err != nil {
		c.inc(&c.stats.Errors)
		c.log.Debug("request failed", "cmd", req.Cmd.Opcode, "err", err)
	}
	req.Complete()
}

// fail completes a request that never reached the bus.
func (c *Controller) fail(req *mmc.Request, err error) {
	if req.Cmd.Err == nil {
		req.Cmd.Err = err
	}
	c.finish(req)
}

func (c *Controller) failWork(ws []*work, err error) {
	for _, w := range ws {
		if w.fn != nil {
			w.errc <- err
			continue
		}
		c.fail(w.req, err)
	}
}

// fatal records a reset failure and fails every outstanding request.
func (c *Controller) fatal(err error) {
	c.log.Error("controller failed", "err", err)
	c.mu.Lock()
	c.failed = err
	ws := c.ctl
	c.ctl = nil
	for _, s := range c.slots {
		ws = append(ws, s.queue...)
		s.queue = nil
	}
	c.mu.Unlock()
	if x := c.cur; x != nil {
		c.disarm()
		c.cur = nil
		c.fail(x.req, err)
	}
	c.failWork(ws, err)
}

func (c *Controller) arm(x *xfer) {
	c.disarm()
	seq := x.seq
	c.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		select {
		case c.expired <- seq:
		default:
		}
	})
}

func (c *Controller) disarm() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// expire forces the active request into recovery if it is still the
// one the watchdog was armed for.
func (c *Controller) expire(seq uint64) {
	x := c.cur
	if x == nil || x.seq != seq {
		return
	}
	c.log.Warn("request timeout", "slot", x.slot.index, "cmd", x.req.Cmd.Opcode,
		"command", x.cmd, "data", x.data)
	x.timedOut = true
	if x.data != Idle {
		if x.req.Data.Err == nil {
			x.req.Data.Err = fmt.Errorf("dwmmc: data: %w", mmc.ErrTimeout)
		}
		c.step(x, PhaseData, EventTimeout)
	}
	if x.cmd == IssuingCommand || x.cmd == IssuingStop {
		if cmd := x.command(); cmd.Err == nil {
			cmd.Err = fmt.Errorf("dwmmc: cmd%d: %w", cmd.Opcode, mmc.ErrTimeout)
		}
		c.step(x, PhaseCommand, EventTimeout)
	}
}

// cardChanged updates slot presence and cancels the work of slots
// whose card is gone.
func (c *Controller) cardChanged() {
	for _, s := range c.slots {
		present := s.detect()
		c.mu.Lock()
		was := s.present
		s.present = present
		var ws []*work
		if was && !present {
			ws = s.queue
			s.queue = nil
			c.stats.Removals++
		}
		c.mu.Unlock()
		if was == present {
			continue
		}
		c.log.Info("card detect", "slot", s.index, "present", present)
		if present {
			s.needInit = true
			continue
		}
		c.removed(s, ws)
	}
}

func (c *Controller) removed(s *Slot, ws []*work) {
	if x := c.cur; x != nil && x.slot == s {
		c.disarm()
		c.cur = nil
		x.removed = true
		if err := c.recover(false); err != nil {
			c.fatal(err)
		}
		c.fail(x.req, mmc.ErrNoMedium)
	}
	c.failWork(ws, mmc.ErrNoMedium)
	s.dropTuning()
}

func (c *Controller) sdio(bits uint32) {
	for _, s := range c.slots {
		if bits&(reg.IntSDIO0<<s.index) != 0 && s.sdio != nil {
			s.sdio()
		}
	}
}

func (c *Controller) shutdown() {
	c.disarm()
	c.mu.Lock()
	ws := c.ctl
	c.ctl = nil
	for _, s := range c.slots {
		ws = append(ws, s.queue...)
		s.queue = nil
	}
	c.mu.Unlock()
	if x := c.cur; x != nil {
		c.cur = nil
		c.quiesce()
		c.fail(x.req, ErrClosed)
	}
	c.failWork(ws, ErrClosed)
	c.regs.Write32(reg.INTMASK, 0)
	if c.ring != nil {
		c.ring.close()
	}
}

// clearResults prepares a request for reissue without disturbing its
// waiters.
func clearResults(req *mmc.Request) {
	for _, cmd := range []*mmc.Command{req.Cmd, req.Stop} {
		if cmd != nil {
			cmd.Resp = [4]uint32{}
			cmd.Err = nil
		}
	}
	if req.Data != nil {
		req.Data.BytesXfered = 0
		req.Data.Err = nil
	}
}
