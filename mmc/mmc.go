// Package mmc defines the protocol-level types shared between SD, SDIO
// and eMMC host controller drivers and the storage stack above them.
package mmc

import (
	"context"
	"sync"

	"periph.io/x/conn/v3/physic"
)

// Command opcodes used by host drivers.
const (
	GoIdleState        = 0
	AllSendCID         = 2
	SendRelativeAddr   = 3
	Switch             = 6
	SelectCard         = 7
	SendIfCond         = 8
	SendCSD            = 9
	VoltageSwitch      = 11
	StopTransmission   = 12
	SendStatus         = 13
	SetBlockLen        = 16
	ReadSingleBlock    = 17
	ReadMultipleBlock  = 18
	SendTuningBlock    = 19 // SD UHS-I
	SendTuningBlockHS2 = 21 // eMMC HS200
	SetBlockCount      = 23
	WriteBlock         = 24
	WriteMultipleBlock = 25
	IORWDirect         = 52
	IORWExtended       = 53
	AppCmd             = 55
)

// BlockSize is the standard data block size.
const BlockSize = 512

// Response flags describe the expected command response.
type Response uint8

const (
	RespPresent Response = 0b1 << iota
	Resp136
	RespCRC
	RespBusy
	RespOpcode
)

// Standard response types.
const (
	RespNone = Response(0)
	RespR1   = RespPresent | RespCRC | RespOpcode
	RespR1B  = RespPresent | RespCRC | RespOpcode | RespBusy
	RespR2   = RespPresent | Resp136 | RespCRC
	RespR3   = RespPresent
	RespR6   = RespPresent | RespCRC | RespOpcode
	RespR7   = RespPresent | RespCRC | RespOpcode
)

// Command is a single protocol command and its result.
type Command struct {
	Opcode uint8
	Arg    uint32
	Flags  Response
	// Retries is the number of times the command is reissued
	// after a CRC or timeout error.
	Retries int

	// Resp holds the response; Resp[0] is the first 32 bits
	// of a 136-bit response.
	Resp [4]uint32
	Err  error
}

// Direction of a data transfer.
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Data describes the data phase of a request. SG is the scatter
// list; its elements are filled or drained in order.
type Data struct {
	Dir       Direction
	BlockSize int
	Blocks    int
	SG        [][]byte

	BytesXfered int
	Err         error
}

// Len returns the transfer length in bytes.
func (d *Data) Len() int {
	return d.BlockSize * d.Blocks
}

// Request is a unit of work submitted to a host: a command, an
// optional data phase and an optional stop command.
type Request struct {
	Cmd  *Command
	Data *Data
	Stop *Command

	// Done, if set, is called once the request completes. It runs
	// on the host's worker and must not block.
	Done func(*Request)

	once sync.Once
	done chan struct{}
}

// Err returns the first error of the command, data and stop phases.
func (r *Request) Err() error {
	if r.Cmd != nil && r.Cmd.Err != nil {
		return r.Cmd.Err
	}
	if r.Data != nil && r.Data.Err != nil {
		return r.Data.Err
	}
	if r.Stop != nil && r.Stop.Err != nil {
		return r.Stop.Err
	}
	return nil
}

func (r *Request) doneChan() chan struct{} {
	r.once.Do(func() {
		r.done = make(chan struct{})
	})
	return r.done
}

// Complete runs the Done callback and then wakes waiters. Hosts call
// it exactly once.
func (r *Request) Complete() {
	if r.Done != nil {
		r.Done(r)
	}
	close(r.doneChan())
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.doneChan():
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the results of the request so it can be submitted
// again.
func (r *Request) Reset() {
	r.once = sync.Once{}
	r.done = nil
	for _, c := range []*Command{r.Cmd, r.Stop} {
		if c != nil {
			c.Resp = [4]uint32{}
			c.Err = nil
		}
	}
	if r.Data != nil {
		r.Data.BytesXfered = 0
		r.Data.Err = nil
	}
}

// BusWidth is the number of data lines.
type BusWidth uint8

const (
	BusWidth1 BusWidth = 1
	BusWidth4 BusWidth = 4
	BusWidth8 BusWidth = 8
)

// Timing is a bus timing mode.
type Timing uint8

const (
	TimingLegacy Timing = iota
	TimingMMCHS
	TimingSDHS
	TimingUHSSDR12
	TimingUHSSDR25
	TimingUHSSDR50
	TimingUHSSDR104
	TimingUHSDDR50
	TimingMMCDDR52
	TimingMMCHS200
	TimingMMCHS400
)

var timingNames = [...]string{
	TimingLegacy:    "legacy",
	TimingMMCHS:     "mmc-hs",
	TimingSDHS:      "sd-hs",
	TimingUHSSDR12:  "sdr12",
	TimingUHSSDR25:  "sdr25",
	TimingUHSSDR50:  "sdr50",
	TimingUHSSDR104: "sdr104",
	TimingUHSDDR50:  "ddr50",
	TimingMMCDDR52:  "ddr52",
	TimingMMCHS200:  "hs200",
	TimingMMCHS400:  "hs400",
}

func (t Timing) String() string {
	if int(t) < len(timingNames) {
		return timingNames[t]
	}
	return "unknown"
}

// ParseTiming returns the timing mode named s.
func ParseTiming(s string) (Timing, bool) {
	for t, name := range timingNames {
		if name == s {
			return Timing(t), true
		}
	}
	return 0, false
}

// DDR reports whether data is clocked on both edges.
func (t Timing) DDR() bool {
	switch t {
	case TimingUHSDDR50, TimingMMCDDR52, TimingMMCHS400:
		return true
	}
	return false
}

// NeedsTuning reports whether the mode requires sampling point
// calibration before use.
func (t Timing) NeedsTuning() bool {
	switch t {
	case TimingUHSSDR50, TimingUHSSDR104, TimingMMCHS200:
		return true
	}
	return false
}

// Host is the interface a host controller slot presents to the
// storage stack.
type Host interface {
	// Submit queues a request. It never blocks; the result is
	// delivered through the request.
	Submit(req *Request) error
	SetBusWidth(ctx context.Context, w BusWidth) error
	SetTiming(ctx context.Context, t Timing) error
	SetClock(ctx context.Context, rate physic.Frequency) error
	CardPresent() bool
	// Tune calibrates the sampling point for the current timing
	// mode using the tuning command opcode.
	Tune(ctx context.Context, opcode uint8) error
}

// Do submits req to h and waits for its completion. If ctx is done
// first, Do still waits for the host to release the request and its
// buffer, then returns ctx.Err(). Hosts bound every request with a
// watchdog, so the wait is finite.
func Do(ctx context.Context, h Host, req *Request) error {
	if err := h.Submit(req); err != nil {
		return err
	}
	err := req.Wait(ctx)
	if err == nil || ctx.Err() == nil {
		return err
	}
	<-req.doneChan()
	return ctx.Err()
}
