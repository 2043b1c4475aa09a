package mmc

import (
	"errors"
	"fmt"
)

func selectCard(h *Host, c *Card) error {
	cmd := &Command{Opcode: CMD_SELECT_CARD}
	if c != nil {
		cmd.Arg = c.rcaArg()
		cmd.Flags = RSP_R1 | CMD_AC
	} else {
		cmd.Flags = RSP_NONE | CMD_AC
	}
	return h.WaitForCmd(cmd, h.Retry)
}

// Select moves the card to the transfer state.
func (c *Card) Select() error {
	return selectCard(c.Host, c)
}

// DeselectCards sends CMD7 with address zero, moving every card back to stand-by.
func (h *Host) DeselectCards() error {
	return selectCard(h, nil)
}

// SleepAwake puts the card to sleep or wakes it up.
// SEND_STATUS is invalid while the card sleeps, so without hardware busy
// detection the advertised sleep/awake timeout is waited out.
func (c *Card) SleepAwake(sleep bool) error {
	h := c.Host
	if sleep {
		if err := h.DeselectCards(); err != nil {
			h.log().Debug("deselect before sleep failed", "error", err)
		}
	}

	cmd := &Command{
		Opcode: CMD_SLEEP_AWAKE,
		Arg:    c.rcaArg(),
		Flags:  RSP_R1B | CMD_AC,
	}
	if sleep {
		cmd.Arg |= 1 << 15
	}
	if err := h.WaitForCmd(cmd, NoRetry); err != nil {
		return err
	}

	if !h.Caps.Has(CapWaitWhileBusy) {
		h.delay(c.ExtCSD.SleepAwakeDelayMs())
	}

	if !sleep {
		return c.Select()
	}
	return nil
}

// GoIdle resets every card on the bus to the idle state.
func (h *Host) GoIdle() error {
	// Chip select must stay inactive during CMD0 on a native bus,
	// otherwise the card drops into SPI mode.
	if !h.IsSPI() {
		h.Transport.SetChipSelect(CSHigh)
		h.delay(1)
	}

	cmd := &Command{
		Opcode: CMD_GO_IDLE_STATE,
		Flags:  RSP_SPI_R1 | RSP_NONE | CMD_BC,
	}
	err := h.WaitForCmd(cmd, NoRetry)

	h.delay(1)

	if !h.IsSPI() {
		h.Transport.SetChipSelect(CSDontCare)
		h.delay(1)
	}

	h.UseSPICRC = false
	return err
}

// SendOpCond negotiates the operating conditions. With ocr zero the card is
// probed once; otherwise CMD1 is repeated until the card finishes powering up.
// The returned OCR is only meaningful on a native bus.
func (h *Host) SendOpCond(ocr uint32) (uint32, error) {
	spi := h.IsSPI()
	cmd := &Command{
		Opcode: CMD_SEND_OP_COND,
		Flags:  RSP_SPI_R1 | RSP_R3 | CMD_BCR,
	}
	if !spi {
		cmd.Arg = ocr
	}

	var err error
	for i := 0; i < opCondAttempts; i++ {
		err = h.WaitForCmd(cmd, NoRetry)
		if err != nil {
			break
		}
		if ocr == 0 {
			break
		}
		if spi {
			if cmd.Resp[0]&R1_SPI_IDLE == 0 {
				break
			}
		} else if cmd.Resp[0]&OCR_CARD_BUSY != 0 {
			break
		}

		err = fmt.Errorf("CMD1: card did not finish power up in %d attempts: %w", opCondAttempts, ErrTimeout)
		h.delay(10)
	}

	if spi {
		return 0, err
	}
	return cmd.Resp[0], err
}

// AllSendCID asks every card in the ready state for its CID.
func (h *Host) AllSendCID() (Response, error) {
	cmd := &Command{
		Opcode: CMD_ALL_SEND_CID,
		Flags:  RSP_R2 | CMD_BCR,
	}
	if err := h.WaitForCmd(cmd, h.Retry); err != nil {
		return Response{}, err
	}
	return cmd.Resp, nil
}

// SetRelativeAddr assigns the card its RCA.
func (c *Card) SetRelativeAddr() error {
	cmd := &Command{
		Opcode: CMD_SET_RELATIVE_ADDR,
		Arg:    c.rcaArg(),
		Flags:  RSP_R1 | CMD_AC,
	}
	return c.Host.WaitForCmd(cmd, c.Host.Retry)
}

func sendCxdNative(h *Host, arg uint32, opcode uint8) (Response, error) {
	cmd := &Command{
		Opcode: opcode,
		Arg:    arg,
		Flags:  RSP_R2 | CMD_AC,
	}
	if err := h.WaitForCmd(cmd, h.Retry); err != nil {
		return Response{}, err
	}
	return cmd.Resp, nil
}

// sendCxdData reads a register as a single data block. Only SPI hosts read
// CID and CSD this way; native hosts get them as R2 responses.
func sendCxdData(h *Host, c *Card, opcode uint8, buf []byte) error {
	cmd := &Command{
		Opcode: opcode,
		Flags:  RSP_SPI_R1 | RSP_R1 | CMD_ADTC,
	}
	return h.waitForData(c, cmd, DataRead, len(buf), 1, buf)
}

// SendCSD reads the card specific data register.
func (c *Card) SendCSD() (Response, error) {
	h := c.Host
	if !h.IsSPI() {
		return sendCxdNative(h, c.rcaArg(), CMD_SEND_CSD)
	}

	buf := make([]byte, CXD_SIZE)
	if err := sendCxdData(h, c, CMD_SEND_CSD, buf); err != nil {
		return Response{}, err
	}
	return WordsFromBytes(buf), nil
}

// SendCID reads the CID of the card attached to the host.
func (h *Host) SendCID() (Response, error) {
	if !h.IsSPI() {
		if h.Card == nil {
			return Response{}, fmt.Errorf("CMD%d needs an addressed card: %w", CMD_SEND_CID, ErrInvalidArgument)
		}
		return sendCxdNative(h, h.Card.rcaArg(), CMD_SEND_CID)
	}

	buf := make([]byte, CXD_SIZE)
	if err := sendCxdData(h, nil, CMD_SEND_CID, buf); err != nil {
		return Response{}, err
	}
	return WordsFromBytes(buf), nil
}

// SendExtCSD reads the 512-byte extended CSD.
func (c *Card) SendExtCSD() ([]byte, error) {
	buf := make([]byte, EXT_CSD_SIZE)
	if err := sendCxdData(c.Host, c, CMD_SEND_EXT_CSD, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SPIReadOCR reads the OCR of a card in SPI mode.
func (h *Host) SPIReadOCR(highCap bool) (uint32, error) {
	cmd := &Command{
		Opcode: CMD_SPI_READ_OCR,
		Flags:  RSP_SPI_R3,
	}
	if highCap {
		cmd.Arg = OCR_HCS
	}
	err := h.WaitForCmd(cmd, NoRetry)
	return cmd.Resp[1], err
}

// SPISetCRC turns CRC checking on the SPI bus on or off.
func (h *Host) SPISetCRC(on bool) error {
	cmd := &Command{
		Opcode: CMD_SPI_CRC_ON_OFF,
		Flags:  RSP_SPI_R1,
	}
	if on {
		cmd.Arg = 1
	}
	if err := h.WaitForCmd(cmd, NoRetry); err != nil {
		return err
	}
	h.UseSPICRC = on
	return nil
}

// Switch writes value into byte index of the EXT_CSD using command set set.
func (c *Card) Switch(set, index, value uint8) error {
	h := c.Host
	cmd := &Command{
		Opcode: CMD_SWITCH,
		Arg: SWITCH_MODE_WRITE_BYTE<<24 |
			uint32(index)<<16 |
			uint32(value)<<8 |
			uint32(set),
		Flags: RSP_SPI_R1B | RSP_R1B | CMD_AC,
	}
	if err := h.WaitForCmd(cmd, h.Retry); err != nil {
		return err
	}

	// 24nm iNAND parts need 2 ms before the status check.
	h.delay(2)

	st, err := c.waitWhileProgramming(CMD_SWITCH, pollOptions{
		retry:  h.Retry,
		single: h.Caps.Has(CapWaitWhileBusy) || h.IsSPI(),
	})
	var statusErr *StatusError
	if err != nil && !errors.As(err, &statusErr) {
		return err
	}

	if h.IsSPI() {
		if st.IllegalCommand() {
			return &StatusError{Opcode: CMD_SWITCH, Status: st}
		}
		return nil
	}

	if st.Raw&R1_SWITCH_WARN_MASK != 0 {
		h.log().Warn("unexpected status after switch",
			"status", fmt.Sprintf("%#x", st.Raw), "index", index, "value", value)
	}
	if st.SwitchError() {
		return &StatusError{Opcode: CMD_SWITCH, Status: st}
	}
	return nil
}

// SendStatus reads the card status word. Native and SPI status words have
// different layouts; the returned Status records which one it holds.
func (c *Card) SendStatus() (Status, error) {
	if c == nil || c.Host == nil {
		return Status{}, fmt.Errorf("CMD%d without a card: %w", CMD_SEND_STATUS, ErrInvalidArgument)
	}
	return c.sendStatus(c.Host.Retry)
}

// LockPayload returns the CMD42 data block that sets the fixed password and
// locks the card, or clears the password.
func LockPayload(lock bool) []byte {
	buf := make([]byte, LOCK_BLOCK_SIZE)
	if lock {
		buf[0] = LOCK_OP_LOCK
	} else {
		buf[0] = LOCK_OP_UNLOCK
	}
	buf[1] = LOCK_PWD_LEN
	copy(buf[2:], lockPassword[:])
	return buf
}

// SendLockCmd locks or unlocks the card with the fixed password.
// The command is never retried.
func (c *Card) SendLockCmd(lock bool) error {
	h := c.Host
	cmd := &Command{
		Opcode: CMD_LOCK_UNLOCK,
		Flags:  RSP_SPI_R1B | RSP_R1B | CMD_ADTC,
	}

	err := h.waitForData(c, cmd, DataWrite, LOCK_BLOCK_SIZE, 1, LockPayload(lock))
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			h.log().Error("lock/unlock failed", "cmd", cmd.Opcode, "phase", cmdErr.Phase, "error", cmdErr.Err)
		}
		return err
	}

	_, err = c.waitWhileProgramming(CMD_LOCK_UNLOCK, pollOptions{retry: h.Retry})
	return err
}
