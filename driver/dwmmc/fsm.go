package dwmmc

import (
	"sdmmc.dev/mmc"
)

// State is the state of one phase of the active request.
type State uint8

const (
	Idle State = iota
	IssuingCommand
	TransferringData
	DataBusy
	IssuingStop
	ErrorRecovery
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case IssuingCommand:
		return "issuing-command"
	case TransferringData:
		return "transferring-data"
	case DataBusy:
		return "data-busy"
	case IssuingStop:
		return "issuing-stop"
	case ErrorRecovery:
		return "error-recovery"
	}
	return "unknown"
}

// Phase selects the command or data half of a request.
type Phase uint8

const (
	PhaseCommand Phase = iota
	PhaseData
)

func (p Phase) String() string {
	if p == PhaseData {
		return "data"
	}
	return "command"
}

// Event drives the transfer state machine.
type Event uint8

const (
	EventCommandDone Event = iota
	// EventTransferDone reports that DMA or PIO moved every byte.
	EventTransferDone
	// EventDataOver is the controller's data transfer over interrupt.
	EventDataOver
	EventDataError
	EventBusyClear
	EventAbort
	// EventDataFinished tells the command phase that the data phase
	// is done.
	EventDataFinished
	EventRecovered
	EventTimeout
)

var eventNames = [...]string{
	EventCommandDone:  "command-done",
	EventTransferDone: "transfer-done",
	EventDataOver:     "data-over",
	EventDataError:    "data-error",
	EventBusyClear:    "busy-clear",
	EventAbort:        "abort",
	EventDataFinished: "data-finished",
	EventRecovered:    "recovered",
	EventTimeout:      "timeout",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// action is the work a transition asks of the controller.
type action uint8

const (
	actNone action = iota
	actIssueStop
	actRecover
	actWaitBusy
	actAbortData
	actDataFinished
)

// xfer is the active request and the states of its two phases.
type xfer struct {
	req  *mmc.Request
	slot *Slot
	seq  uint64

	cmd  State
	data State

	// stop is the stop command in flight, either the request's own or
	// one issued after a failure.
	stop      *mmc.Command
	stopTries int
	tries     int
	dma       bool

	moved        bool
	over         bool
	dataFinished bool
	cmdFailed    bool
	dataFailed   bool
	timedOut     bool
	stopFailed   bool
	removed      bool
}

// maxStopRetries bounds the reissues of a stop command that failed
// with a CRC or timeout error.
const maxStopRetries = 2

func newXfer(req *mmc.Request, s *Slot, seq uint64, tries int) *xfer {
	x := &xfer{
		req:   req,
		slot:  s,
		seq:   seq,
		tries: tries,
		cmd:   IssuingCommand,
	}
	if req.Data != nil {
		x.data = TransferringData
	}
	return x
}

func (x *xfer) hasData() bool {
	return x.req.Data != nil
}

// command returns the command currently on the bus.
func (x *xfer) command() *mmc.Command {
	if x.cmd == IssuingStop {
		return x.stop
	}
	return x.req.Cmd
}

// advance moves one phase by one event and returns the phase's new
// state, the action to perform and whether the request is complete.
// Only the command phase completes a request.
func (x *xfer) advance(p Phase, ev Event) (State, action, bool) {
	if p == PhaseData {
		a := x.advanceData(ev)
		return x.data, a, false
	}
	a, done := x.advanceCommand(ev)
	return x.cmd, a, done
}

func (x *xfer) advanceCommand(ev Event) (action, bool) {
	switch x.cmd {
	case IssuingCommand:
		switch ev {
		case EventCommandDone:
			failed := x.req.Cmd.Err != nil
			x.cmdFailed = failed
			switch {
			case !x.hasData():
				x.cmd = Idle
				return actNone, true
			case failed && x.dataFinished:
				x.cmd = ErrorRecovery
				return x.afterData()
			case failed:
				x.cmd = ErrorRecovery
				return actAbortData, false
			case x.dataFinished:
				x.cmd = Idle
				return x.afterData()
			}
			x.cmd = Idle
		case EventDataFinished:
			// Data may finish before the command interrupt is seen.
			x.dataFinished = true
		case EventTimeout:
			x.cmdFailed = true
			x.cmd = ErrorRecovery
			if x.hasData() && !x.dataFinished {
				return actAbortData, false
			}
			return actRecover, false
		}
	case Idle:
		if ev == EventDataFinished {
			x.dataFinished = true
			return x.afterData()
		}
	case ErrorRecovery:
		switch ev {
		case EventDataFinished:
			x.dataFinished = true
			return x.afterData()
		case EventRecovered:
			if !x.hasData() || x.dataFinished {
				x.cmd = Idle
				return actNone, true
			}
		}
	case IssuingStop:
		switch ev {
		case EventCommandDone:
			err := x.stop.Err
			if err == nil {
				x.cmd = Idle
				return actNone, true
			}
			if mmc.Transient(err) && x.stopTries < maxStopRetries {
				x.stopTries++
				return actIssueStop, false
			}
			// The card may still be sending; reset before the next
			// request.
			x.stopFailed = true
			x.cmd = ErrorRecovery
			return actRecover, false
		case EventTimeout:
			x.cmd = ErrorRecovery
			return actRecover, false
		}
	}
	return actNone, false
}

// afterData decides between a stop command and completion once the
// data phase has finished. A stop is sent when the request carries
// one, even if the card is already idle, and after any failure.
func (x *xfer) afterData() (action, bool) {
	if x.req.Stop != nil || x.cmdFailed || x.dataFailed {
		x.stop = x.req.Stop
		if x.stop == nil {
			x.stop = mmc.StopCommand(x.req.Data.Dir)
		}
		x.cmd = IssuingStop
		return actIssueStop, false
	}
	x.cmd = Idle
	return actNone, true
}

func (x *xfer) advanceData(ev Event) action {
	switch x.data {
	case TransferringData:
		switch ev {
		case EventTransferDone:
			x.moved = true
		case EventDataOver:
			x.over = true
		case EventDataError, EventAbort, EventTimeout:
			x.dataFailed = true
			x.data = ErrorRecovery
			return actRecover
		default:
			return actNone
		}
		if !x.moved || !x.over {
			return actNone
		}
		if x.req.Data.Dir == mmc.Write {
			x.data = DataBusy
			return actWaitBusy
		}
		x.data = Idle
		return actDataFinished
	case DataBusy:
		switch ev {
		case EventBusyClear:
			x.data = Idle
			return actDataFinished
		case EventDataError, EventAbort, EventTimeout:
			x.dataFailed = true
			x.data = ErrorRecovery
			return actRecover
		}
	case ErrorRecovery:
		if ev == EventRecovered {
			x.data = Idle
			return actDataFinished
		}
	}
	return actNone
}
