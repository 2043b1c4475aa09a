package mmc

import (
	"errors"
	"fmt"
)

// Transport and protocol errors.
var (
	// ErrTimeout indicates the card did not answer in time.
	ErrTimeout = errors.New("timeout")

	// ErrIO indicates a transport I/O failure.
	ErrIO = errors.New("I/O error")

	// ErrCRC indicates a CRC mismatch on a response or data block.
	ErrCRC = errors.New("CRC error")

	// ErrBadResponse indicates a malformed or unexpected response.
	ErrBadResponse = errors.New("malformed response")

	// ErrBadMessage indicates the card rejected the command through its status word.
	ErrBadMessage = errors.New("card reported command error")

	// ErrNoMemory indicates the scratch buffer could not be allocated.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrInvalidArgument indicates an invalid parameter or missing card.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotSupported indicates the operation is not available for this card or host.
	ErrNotSupported = errors.New("not supported")
)

// IsTransient reports whether an exchange failing with err may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCRC) || errors.Is(err, ErrIO)
}

// Phase names the part of an exchange that failed.
type Phase uint8

const (
	PhaseCommand Phase = iota
	PhaseData
	PhaseStop
)

func (p Phase) String() string {
	switch p {
	case PhaseCommand:
		return "command"
	case PhaseData:
		return "data"
	case PhaseStop:
		return "stop"
	default:
		return "unknown"
	}
}

// CommandError is returned by the exchange engines.
type CommandError struct {
	Opcode uint8
	Arg    uint32
	Phase  Phase
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("CMD%d (arg 0x%08x) %s phase: %v", e.Opcode, e.Arg, e.Phase, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// StatusError reports a card status word carrying error bits.
type StatusError struct {
	Opcode uint8
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("CMD%d: card status %s", e.Opcode, e.Status)
}

// Unwrap lets callers match status failures with ErrBadMessage.
func (e *StatusError) Unwrap() error {
	return ErrBadMessage
}
