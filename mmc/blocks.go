package mmc

import (
	"context"
	"errors"
	"fmt"
)

// NeedsStop reports whether the protocol requires a stop command to
// terminate a data transfer started by opcode.
func NeedsStop(opcode uint8) bool {
	switch opcode {
	case ReadMultipleBlock, WriteMultipleBlock:
		return true
	}
	return false
}

// StopCommand returns the stop command terminating a transfer in the
// given direction. Writes leave the card busy while it programs.
func StopCommand(dir Direction) *Command {
	flags := RespR1
	if dir == Write {
		flags = RespR1B
	}
	return &Command{Opcode: StopTransmission, Flags: flags}
}

// NewBlockRequest returns a request transferring blocks of BlockSize
// bytes starting at block address lba. Multi-block transfers carry a
// stop command.
func NewBlockRequest(dir Direction, lba uint32, blocks int, sg ...[]byte) *Request {
	var opcode uint8
	switch {
	case dir == Read && blocks > 1:
		opcode = ReadMultipleBlock
	case dir == Read:
		opcode = ReadSingleBlock
	case blocks > 1:
		opcode = WriteMultipleBlock
	default:
		opcode = WriteBlock
	}
	req := &Request{
		Cmd: &Command{Opcode: opcode, Arg: lba, Flags: RespR1, Retries: 1},
		Data: &Data{
			Dir:       dir,
			BlockSize: BlockSize,
			Blocks:    blocks,
			SG:        sg,
		},
	}
	if NeedsStop(opcode) {
		req.Stop = StopCommand(dir)
	}
	return req
}

// NewIORequest returns an SDIO extended read or write of len(buf) bytes
// in byte mode, at register address addr of function fn.
func NewIORequest(dir Direction, fn uint8, addr uint32, buf []byte) (*Request, error) {
	if len(buf) == 0 || len(buf) > 512 {
		return nil, fmt.Errorf("mmc: invalid io length %d", len(buf))
	}
	if fn > 7 || addr > 0x1ffff {
		return nil, errors.New("mmc: invalid io address")
	}
	arg := uint32(fn)<<28 | addr<<9 | uint32(len(buf))&0x1ff
	if dir == Write {
		arg |= 0b1 << 31
	}
	return &Request{
		Cmd: &Command{Opcode: IORWExtended, Arg: arg, Flags: RespR1},
		Data: &Data{
			Dir:       dir,
			BlockSize: len(buf),
			Blocks:    1,
			SG:        [][]byte{buf},
		},
	}, nil
}

// ReadBlocks reads len(buf)/BlockSize blocks starting at lba.
func ReadBlocks(ctx context.Context, h Host, lba uint32, buf []byte) error {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return fmt.Errorf("mmc: read: buffer length %d not a multiple of %d", len(buf), BlockSize)
	}
	req := NewBlockRequest(Read, lba, len(buf)/BlockSize, buf)
	if err := Do(ctx, h, req); err != nil {
		return fmt.Errorf("mmc: read block %d: %w", lba, err)
	}
	return nil
}

// WriteBlocks writes len(buf)/BlockSize blocks starting at lba.
func WriteBlocks(ctx context.Context, h Host, lba uint32, buf []byte) error {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return fmt.Errorf("mmc: write: buffer length %d not a multiple of %d", len(buf), BlockSize)
	}
	req := NewBlockRequest(Write, lba, len(buf)/BlockSize, buf)
	if err := Do(ctx, h, req); err != nil {
		return fmt.Errorf("mmc: write block %d: %w", lba, err)
	}
	return nil
}
