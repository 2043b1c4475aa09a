package mmc

import (
	"fmt"
	"time"
)

// Response holds up to four response words. A 136-bit response is stored
// most significant word first; short responses use word 0 (and word 1 for
// the OCR of an SPI R3).
type Response [4]uint32

// Command is a single command descriptor. It is built per call and owned by
// the operation issuing it.
type Command struct {
	Opcode  uint8
	Arg     uint32
	Flags   Flags
	Resp    Response
	Retries int
	Err     error

	// BusyTimeout bounds the busy phase of an R1b command (0 means host default).
	BusyTimeout time.Duration
}

// String returns a readable representation of the command.
func (c *Command) String() string {
	return fmt.Sprintf("CMD%d arg=0x%08x flags=0x%03x", c.Opcode, c.Arg, uint32(c.Flags))
}

// Direction of a data transfer.
type Direction uint8

const (
	DataRead Direction = iota + 1
	DataWrite
)

func (d Direction) String() string {
	switch d {
	case DataRead:
		return "read"
	case DataWrite:
		return "write"
	default:
		return "none"
	}
}

// Data describes the block transfer attached to an ADTC command.
type Data struct {
	Dir         Direction
	BlockSize   int
	Blocks      int
	Buf         []byte
	TimeoutNs   uint32
	TimeoutClks uint32
	BytesXfered int
	Err         error
}

// Len returns the number of bytes the transfer moves.
func (d *Data) Len() int {
	return d.BlockSize * d.Blocks
}

// Request aggregates a command, an optional data phase and an optional stop
// command. It is submitted to the transport once.
type Request struct {
	Cmd  *Command
	Data *Data
	Stop *Command
}

// validate checks the descriptors before they reach a transport.
func (r *Request) validate() error {
	if r.Cmd == nil {
		return fmt.Errorf("request without command: %w", ErrInvalidArgument)
	}
	if r.Cmd.Opcode > MaxOpcode {
		return fmt.Errorf("opcode %d does not fit in 6 bits: %w", r.Cmd.Opcode, ErrInvalidArgument)
	}
	if r.Data != nil {
		if r.Cmd.Flags.Class() != CMD_ADTC {
			return fmt.Errorf("CMD%d carries data but is not ADTC: %w", r.Cmd.Opcode, ErrInvalidArgument)
		}
		if r.Data.BlockSize <= 0 || r.Data.Blocks <= 0 || len(r.Data.Buf) < r.Data.Len() {
			return fmt.Errorf("CMD%d data buffer %d bytes for %dx%d: %w",
				r.Cmd.Opcode, len(r.Data.Buf), r.Data.Blocks, r.Data.BlockSize, ErrInvalidArgument)
		}
	}
	return nil
}
