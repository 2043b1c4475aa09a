package mmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// moviNAND diagnostic mode arguments. Undocumented; sent verbatim.
const (
	MOVI_CMD62_ENTER     = 0xEFAC62EC
	MOVI_CMD62_TRIM_MODE = 0x10210000
	MOVI_CMD62_EXIT      = 0x00DECCEE
	MOVI_CMD62_READ_MODE = 0x0000CCEE

	MOVI_ERASE_START = 0x4000A018
	MOVI_ERASE_END   = 0x00006400

	// MOVI_TRIM_OFFSET locates the trim size in bytes inside the diagnostic block.
	MOVI_TRIM_OFFSET = 84
)

// moviEraseTimeout bounds the busy phase of the diagnostic erase.
const moviEraseTimeout = 1000 * time.Millisecond

// VendorTrimSupported reports whether the moviNAND trim-size sequence may
// run against this card.
func (c *Card) VendorTrimSupported() bool {
	return c.Host != nil && c.Host.VendorTrim && c.CID.ManfID == MANFID_SAMSUNG
}

// SendTrimSize reads the trim size, in sectors, through the moviNAND
// diagnostic mode. The exit sequence is sent even if the diagnostic read
// failed; the read error is returned afterwards, joined with any exit error.
func (c *Card) SendTrimSize() (uint32, error) {
	if !c.VendorTrimSupported() {
		return 0, fmt.Errorf("trim size needs a moviNAND card (manfid 0x%02x) with vendor_trim enabled, have manfid 0x%02x: %w",
			MANFID_SAMSUNG, c.CID.ManfID, ErrNotSupported)
	}

	if err := c.moviCommands(MOVI_CMD62_ENTER, MOVI_CMD62_TRIM_MODE); err != nil {
		return 0, err
	}

	if err := c.moviErase(); err != nil {
		c.Host.log().Warn("moviNAND diagnostic erase failed", "error", err)
	}

	if err := c.moviCommands(MOVI_CMD62_ENTER, MOVI_CMD62_EXIT, MOVI_CMD62_ENTER, MOVI_CMD62_READ_MODE); err != nil {
		return 0, err
	}

	trim, readErr := c.moviReadTrimSize()
	c.Host.log().Info("moviNAND trim size", "sectors", trim)

	if err := c.moviCommands(MOVI_CMD62_ENTER, MOVI_CMD62_EXIT); err != nil {
		return trim, errors.Join(readErr, err)
	}
	return trim, readErr
}

func (c *Card) moviCommands(args ...uint32) error {
	for _, arg := range args {
		if err := c.moviCommand(arg); err != nil {
			return fmt.Errorf("failed to send CMD62 0x%08x: %w", arg, err)
		}
	}
	return nil
}

// moviCommand sends one CMD62 and waits for the card to return to the
// transfer state. Running out of polls is only reported.
func (c *Card) moviCommand(arg uint32) error {
	h := c.Host
	cmd := &Command{
		Opcode: CMD_VENDOR_62,
		Arg:    arg,
		Flags:  RSP_SPI_R1B | RSP_R1B | CMD_AC,
	}
	if err := h.WaitForCmd(cmd, h.Retry); err != nil {
		return err
	}

	for i := 0; i < MaxStatusPolls; i++ {
		st, err := c.sendStatus(h.Retry)
		if err == nil && st.State() == StateTransfer {
			return nil
		}
	}
	h.log().Warn("timed out waiting for moviNAND to release DAT0", "arg", fmt.Sprintf("%#x", arg))
	return nil
}

// moviErase runs the erase step of the diagnostic sequence.
func (c *Card) moviErase() error {
	h := c.Host

	start := &Command{Opcode: CMD_ERASE_GROUP_START, Arg: MOVI_ERASE_START, Flags: RSP_SPI_R1 | RSP_R1 | CMD_AC}
	if err := h.WaitForCmd(start, NoRetry); err != nil {
		return fmt.Errorf("failed to set erase group start: %w", err)
	}

	end := &Command{Opcode: CMD_ERASE_GROUP_END, Arg: MOVI_ERASE_END, Flags: RSP_SPI_R1 | RSP_R1 | CMD_AC}
	if err := h.WaitForCmd(end, NoRetry); err != nil {
		return fmt.Errorf("failed to set erase group end: %w", err)
	}

	erase := &Command{
		Opcode:      CMD_ERASE,
		Flags:       RSP_SPI_R1B | RSP_R1B | CMD_AC,
		BusyTimeout: moviEraseTimeout,
	}
	if err := h.WaitForCmd(erase, NoRetry); err != nil {
		return fmt.Errorf("failed to erase: %w", err)
	}

	if h.IsSPI() {
		return nil
	}

	// No retries, or errors in the status word would be lost.
	_, err := c.waitWhileProgramming(CMD_ERASE, pollOptions{
		retry:     NoRetry,
		errMask:   R1_ERASE_ERR_MASK,
		needReady: true,
	})
	return err
}

// moviReadTrimSize reads the diagnostic block. The trim size is decoded
// even when the transfer reported an error.
func (c *Card) moviReadTrimSize() (uint32, error) {
	buf := make([]byte, EXT_CSD_SIZE)
	cmd := &Command{
		Opcode: CMD_READ_SINGLE_BLOCK,
		Flags:  RSP_R1 | CMD_ADTC,
	}
	err := c.Host.waitForData(c, cmd, DataRead, len(buf), 1, buf)
	trim := binary.LittleEndian.Uint32(buf[MOVI_TRIM_OFFSET:]) / 512
	if err != nil {
		return trim, fmt.Errorf("failed to read trim size block: %w", err)
	}
	return trim, nil
}
