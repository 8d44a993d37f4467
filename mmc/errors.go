package mmc

import "errors"

// Protocol errors.
var (
	ErrCRC      = errors.New("mmc: crc error")
	ErrTimeout  = errors.New("mmc: timeout")
	ErrResponse = errors.New("mmc: invalid response")
	ErrEndBit   = errors.New("mmc: end bit error")
	ErrStartBit = errors.New("mmc: start bit error")
)

// Bus and controller errors.
var (
	ErrFIFO    = errors.New("mmc: fifo overrun or underrun")
	ErrDMA     = errors.New("mmc: dma error")
	ErrBusy    = errors.New("mmc: card busy")
	ErrAborted = errors.New("mmc: transfer aborted")
)

// ErrNoMedium is returned for requests to a slot without a card.
var ErrNoMedium = errors.New("mmc: no medium")

// ErrNoViableMode is returned when tuning finds no stable sampling
// point. Callers should fall back to a slower timing mode.
var ErrNoViableMode = errors.New("mmc: no viable timing mode")

// Transient reports whether err is a protocol error worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrCRC) || errors.Is(err, ErrTimeout)
}
