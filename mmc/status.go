package mmc

import (
	"fmt"
	"strings"
)

// Native R1 card status bits
const (
	R1_OUT_OF_RANGE       = 1 << 31
	R1_ADDRESS_ERROR      = 1 << 30
	R1_BLOCK_LEN_ERROR    = 1 << 29
	R1_ERASE_SEQ_ERROR    = 1 << 28
	R1_ERASE_PARAM        = 1 << 27
	R1_WP_VIOLATION       = 1 << 26
	R1_CARD_IS_LOCKED     = 1 << 25
	R1_LOCK_UNLOCK_FAILED = 1 << 24
	R1_COM_CRC_ERROR      = 1 << 23
	R1_ILLEGAL_COMMAND    = 1 << 22
	R1_CARD_ECC_FAILED    = 1 << 21
	R1_CC_ERROR           = 1 << 20
	R1_ERROR              = 1 << 19
	R1_UNDERRUN           = 1 << 18
	R1_OVERRUN            = 1 << 17
	R1_CID_CSD_OVERWRITE  = 1 << 16
	R1_WP_ERASE_SKIP      = 1 << 15
	R1_CARD_ECC_DISABLED  = 1 << 14
	R1_ERASE_RESET        = 1 << 13
	R1_READY_FOR_DATA     = 1 << 8
	R1_SWITCH_ERROR       = 1 << 7
	R1_EXCEPTION_EVENT    = 1 << 6
	R1_APP_CMD            = 1 << 5

	r1StateShift = 9
	r1StateMask  = 0xF << r1StateShift
)

// Status masks used after SWITCH and erase.
const (
	// R1_SWITCH_WARN_MASK marks bits reported as a warning after SWITCH.
	R1_SWITCH_WARN_MASK = 0xFDFFA000

	// R1_ERASE_ERR_MASK marks bits that abort the erase status poll.
	R1_ERASE_ERR_MASK = 0xFDF92000
)

// SPI R1 bits (low byte) and R2 bits (second byte)
const (
	R1_SPI_IDLE            = 1 << 0
	R1_SPI_ERASE_RESET     = 1 << 1
	R1_SPI_ILLEGAL_COMMAND = 1 << 2
	R1_SPI_COM_CRC         = 1 << 3
	R1_SPI_ERASE_SEQ       = 1 << 4
	R1_SPI_ADDRESS         = 1 << 5
	R1_SPI_PARAMETER       = 1 << 6

	R2_SPI_CARD_LOCKED    = 1 << 8
	R2_SPI_WP_ERASE_SKIP  = 1 << 9
	R2_SPI_ERROR          = 1 << 10
	R2_SPI_CC_ERROR       = 1 << 11
	R2_SPI_CARD_ECC_ERROR = 1 << 12
	R2_SPI_WP_VIOLATION   = 1 << 13
	R2_SPI_ERASE_PARAM    = 1 << 14
	R2_SPI_OUT_OF_RANGE   = 1 << 15
)

// CardState is the CURRENT_STATE field of a native status word.
type CardState uint8

const (
	StateIdle CardState = iota
	StateReady
	StateIdent
	StateStandby
	StateTransfer
	StateData
	StateReceive
	StateProgram
	StateDisconnect
	StateBusTest
	StateSleep
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateReady:      "ready",
	StateIdent:      "ident",
	StateStandby:    "stby",
	StateTransfer:   "tran",
	StateData:       "data",
	StateReceive:    "rcv",
	StateProgram:    "prg",
	StateDisconnect: "dis",
	StateBusTest:    "btst",
	StateSleep:      "slp",
}

// String returns the short JEDEC name of the state.
func (s CardState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("reserved(%d)", uint8(s))
}

// Valid reports whether the state value is defined by the standard.
func (s CardState) Valid() bool {
	return int(s) < len(stateNames)
}

// Status is a card status word together with the bus mode it was read in.
// Native and SPI status words share no bit layout.
type Status struct {
	Raw uint32
	SPI bool
}

// DecodeStatus wraps the first response word of CMD13.
func DecodeStatus(resp Response, spi bool) Status {
	raw := resp[0]
	if spi {
		raw &= 0xFFFF
	}
	return Status{Raw: raw, SPI: spi}
}

// State returns the card state. SPI status words carry no state field,
// so the card is reported as transferring.
func (s Status) State() CardState {
	if s.SPI {
		return StateTransfer
	}
	return CardState((s.Raw & r1StateMask) >> r1StateShift)
}

// ReadyForData reports the READY_FOR_DATA bit. On SPI it is always true.
func (s Status) ReadyForData() bool {
	if s.SPI {
		return true
	}
	return s.Raw&R1_READY_FOR_DATA != 0
}

// SwitchError reports a failed SWITCH.
func (s Status) SwitchError() bool {
	return !s.SPI && s.Raw&R1_SWITCH_ERROR != 0
}

// IllegalCommand reports an illegal command bit in either layout.
func (s Status) IllegalCommand() bool {
	if s.SPI {
		return s.Raw&R1_SPI_ILLEGAL_COMMAND != 0
	}
	return s.Raw&R1_ILLEGAL_COMMAND != 0
}

// Locked reports whether the card is locked.
func (s Status) Locked() bool {
	if s.SPI {
		return s.Raw&R2_SPI_CARD_LOCKED != 0
	}
	return s.Raw&R1_CARD_IS_LOCKED != 0
}

// Errors returns the error bits set in the status word.
func (s Status) Errors() uint32 {
	if s.SPI {
		return s.Raw &^ (R1_SPI_IDLE | R2_SPI_CARD_LOCKED)
	}
	return s.Raw & 0xFFFFE000 &^ R1_CARD_IS_LOCKED
}

// Definitive reports a status that no amount of polling will clear.
func (s Status) Definitive() bool {
	return s.SwitchError() || s.IllegalCommand()
}

var nativeBitNames = []struct {
	bit  uint32
	name string
}{
	{R1_OUT_OF_RANGE, "out-of-range"},
	{R1_ADDRESS_ERROR, "address-error"},
	{R1_BLOCK_LEN_ERROR, "block-len-error"},
	{R1_ERASE_SEQ_ERROR, "erase-seq-error"},
	{R1_ERASE_PARAM, "erase-param"},
	{R1_WP_VIOLATION, "wp-violation"},
	{R1_CARD_IS_LOCKED, "locked"},
	{R1_LOCK_UNLOCK_FAILED, "lock-unlock-failed"},
	{R1_COM_CRC_ERROR, "com-crc-error"},
	{R1_ILLEGAL_COMMAND, "illegal-command"},
	{R1_CARD_ECC_FAILED, "ecc-failed"},
	{R1_CC_ERROR, "cc-error"},
	{R1_ERROR, "error"},
	{R1_UNDERRUN, "underrun"},
	{R1_OVERRUN, "overrun"},
	{R1_CID_CSD_OVERWRITE, "cid-csd-overwrite"},
	{R1_WP_ERASE_SKIP, "wp-erase-skip"},
	{R1_CARD_ECC_DISABLED, "ecc-disabled"},
	{R1_ERASE_RESET, "erase-reset"},
	{R1_READY_FOR_DATA, "ready-for-data"},
	{R1_SWITCH_ERROR, "switch-error"},
	{R1_EXCEPTION_EVENT, "exception-event"},
	{R1_APP_CMD, "app-cmd"},
}

var spiBitNames = []struct {
	bit  uint32
	name string
}{
	{R1_SPI_IDLE, "idle"},
	{R1_SPI_ERASE_RESET, "erase-reset"},
	{R1_SPI_ILLEGAL_COMMAND, "illegal-command"},
	{R1_SPI_COM_CRC, "com-crc-error"},
	{R1_SPI_ERASE_SEQ, "erase-seq-error"},
	{R1_SPI_ADDRESS, "address-error"},
	{R1_SPI_PARAMETER, "parameter-error"},
	{R2_SPI_CARD_LOCKED, "locked"},
	{R2_SPI_WP_ERASE_SKIP, "wp-erase-skip"},
	{R2_SPI_ERROR, "error"},
	{R2_SPI_CC_ERROR, "cc-error"},
	{R2_SPI_CARD_ECC_ERROR, "ecc-error"},
	{R2_SPI_WP_VIOLATION, "wp-violation"},
	{R2_SPI_ERASE_PARAM, "erase-param"},
	{R2_SPI_OUT_OF_RANGE, "out-of-range"},
}

// String returns a human-readable description of the status word.
func (s Status) String() string {
	var flags []string
	if s.SPI {
		for _, b := range spiBitNames {
			if s.Raw&b.bit != 0 {
				flags = append(flags, b.name)
			}
		}
		return strings.TrimSpace(fmt.Sprintf("[%04X] spi %s", s.Raw, strings.Join(flags, ",")))
	}
	for _, b := range nativeBitNames {
		if s.Raw&b.bit != 0 {
			flags = append(flags, b.name)
		}
	}
	return strings.TrimSpace(fmt.Sprintf("[%08X] %s %s", s.Raw, s.State(), strings.Join(flags, ",")))
}
