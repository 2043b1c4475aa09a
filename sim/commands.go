package sim

import (
	"bytes"
	"encoding/binary"

	"github.com/sergev/mmc/mmc"
)

// CMD42 operation bits
const (
	lockSetPwd = 0x01
	lockClrPwd = 0x02
	lockLock   = 0x04
	lockErase  = 0x08
)

// First EXT_CSD byte of the read-only properties segment.
const extCSDPropertiesStart = 192

func (c *Card) execute(req *mmc.Request) {
	cmd := req.Cmd
	if c.state == mmc.StateSleep && cmd.Opcode != mmc.CMD_SLEEP_AWAKE && cmd.Opcode != mmc.CMD_GO_IDLE_STATE {
		c.noResponse(cmd)
		return
	}

	switch cmd.Opcode {
	case mmc.CMD_GO_IDLE_STATE:
		c.reset()
		if c.spi {
			cmd.Resp[0] = mmc.R1_SPI_IDLE
		}
	case mmc.CMD_SEND_OP_COND:
		c.sendOpCond(cmd)
	case mmc.CMD_ALL_SEND_CID:
		c.allSendCID(cmd)
	case mmc.CMD_SET_RELATIVE_ADDR:
		c.setRelativeAddr(cmd)
	case mmc.CMD_SLEEP_AWAKE:
		c.sleepAwake(cmd)
	case mmc.CMD_SWITCH:
		c.switchByte(cmd)
	case mmc.CMD_SELECT_CARD:
		c.selectCard(cmd)
	case mmc.CMD_SEND_EXT_CSD:
		c.readData(req, c.ext)
	case mmc.CMD_SEND_CSD:
		c.sendRegister(req, c.profile.CSD)
	case mmc.CMD_SEND_CID:
		c.sendRegister(req, c.profile.CID)
	case mmc.CMD_SEND_STATUS:
		c.sendStatus(cmd)
	case mmc.CMD_READ_SINGLE_BLOCK:
		c.readData(req, c.block(cmd.Arg))
	case mmc.CMD_ERASE_GROUP_START, mmc.CMD_ERASE_GROUP_END, mmc.CMD_ERASE:
		c.erase(cmd)
	case mmc.CMD_LOCK_UNLOCK:
		c.lockUnlock(req)
	case mmc.CMD_SPI_READ_OCR:
		c.readOCR(cmd)
	case mmc.CMD_SPI_CRC_ON_OFF:
		c.setCRC(cmd)
	case mmc.CMD_VENDOR_62:
		c.vendorCommand(cmd)
	default:
		c.illegal(cmd)
	}
}

// noResponse leaves the host waiting for a response that never comes.
func (c *Card) noResponse(cmd *mmc.Command) {
	cmd.Err = mmc.ErrTimeout
}

// illegal rejects a command. A native card stays silent and reports the
// error in the next status; an SPI card answers with the illegal command bit.
func (c *Card) illegal(cmd *mmc.Command) {
	c.pending |= mmc.R1_ILLEGAL_COMMAND
	if c.spi {
		cmd.Resp[0] = c.spiStatus(false)
		c.pending = 0
		return
	}
	c.noResponse(cmd)
}

func (c *Card) r1(cmd *mmc.Command) {
	if c.spi {
		cmd.Resp[0] = c.spiStatus(false)
		return
	}
	cmd.Resp[0] = c.nativeStatus()
}

func (c *Card) addressed(cmd *mmc.Command) bool {
	return c.spi || (c.rca != 0 && uint16(cmd.Arg>>16) == c.rca)
}

// ready reports whether the card left identification and may transfer data.
func (c *Card) ready() bool {
	return c.state == mmc.StateTransfer
}

func (c *Card) sendOpCond(cmd *mmc.Command) {
	if c.state != mmc.StateIdle && c.state != mmc.StateReady {
		c.illegal(cmd)
		return
	}
	if !c.spi {
		if cmd.Arg == 0 {
			cmd.Resp[0] = c.ocr
			return
		}
		if cmd.Arg&c.ocr&mmc.OCR_VDD_WINDOW == 0 {
			// Incompatible voltage: the card goes inactive.
			c.state = mmc.StateDisconnect
			c.noResponse(cmd)
			return
		}
	}

	if c.powering < 0 {
		c.powering = c.PowerUpPolls
	}
	if c.powering > 0 {
		c.powering--
		if c.spi {
			cmd.Resp[0] = mmc.R1_SPI_IDLE
		} else {
			cmd.Resp[0] = c.ocr
		}
		return
	}

	if c.spi {
		c.state = mmc.StateTransfer
		cmd.Resp[0] = c.spiStatus(false)
		return
	}
	c.state = mmc.StateReady
	cmd.Resp[0] = c.ocr | mmc.OCR_CARD_BUSY
}

func (c *Card) allSendCID(cmd *mmc.Command) {
	if c.spi || c.state != mmc.StateReady {
		c.noResponse(cmd)
		return
	}
	c.state = mmc.StateIdent
	cmd.Resp = c.profile.CID
}

func (c *Card) setRelativeAddr(cmd *mmc.Command) {
	if c.spi || c.state != mmc.StateIdent {
		c.illegal(cmd)
		return
	}
	c.r1(cmd)
	c.rca = uint16(cmd.Arg >> 16)
	c.state = mmc.StateStandby
}

func (c *Card) sleepAwake(cmd *mmc.Command) {
	if c.spi {
		c.illegal(cmd)
		return
	}
	if !c.addressed(cmd) {
		c.noResponse(cmd)
		return
	}

	sleep := cmd.Arg&(1<<15) != 0
	switch {
	case sleep && c.state == mmc.StateStandby:
		c.r1(cmd)
		c.state = mmc.StateSleep
	case !sleep && c.state == mmc.StateSleep:
		c.state = mmc.StateStandby
		c.r1(cmd)
	default:
		c.illegal(cmd)
	}
}

func (c *Card) switchByte(cmd *mmc.Command) {
	if !c.ready() || c.ext == nil {
		c.illegal(cmd)
		return
	}
	c.r1(cmd)

	mode := cmd.Arg >> 24 & 0x3
	index := int(cmd.Arg >> 16 & 0xFF)
	value := byte(cmd.Arg >> 8)

	if c.Faults.SwitchError || index >= extCSDPropertiesStart {
		c.pending |= mmc.R1_SWITCH_ERROR
		if c.spi {
			c.pending |= mmc.R1_ILLEGAL_COMMAND
		}
	} else {
		switch mode {
		case mmc.SWITCH_MODE_SET_BITS:
			c.ext[index] |= value
		case mmc.SWITCH_MODE_CLEAR_BITS:
			c.ext[index] &^= value
		case mmc.SWITCH_MODE_WRITE_BYTE:
			c.ext[index] = value
		}
	}
	c.startBusy()
}

func (c *Card) selectCard(cmd *mmc.Command) {
	if c.spi {
		c.illegal(cmd)
		return
	}
	if c.addressed(cmd) {
		c.r1(cmd)
		if c.state == mmc.StateStandby {
			c.state = mmc.StateTransfer
		}
		return
	}

	// Deselect: no response.
	switch c.state {
	case mmc.StateTransfer, mmc.StateData:
		c.state = mmc.StateStandby
	case mmc.StateProgram:
		c.state = mmc.StateDisconnect
	}
}

func (c *Card) sendRegister(req *mmc.Request, reg mmc.Response) {
	cmd := req.Cmd
	if c.spi {
		c.readData(req, reg.Bytes())
		return
	}
	if c.state != mmc.StateStandby || !c.addressed(cmd) {
		c.noResponse(cmd)
		return
	}
	cmd.Resp = reg
}

func (c *Card) sendStatus(cmd *mmc.Command) {
	if c.spi {
		cmd.Resp[0] = c.spiStatus(true)
		return
	}
	if !c.addressed(cmd) {
		c.noResponse(cmd)
		return
	}

	cmd.Resp[0] = c.nativeStatus()
	if c.state == mmc.StateProgram && !c.Faults.StuckBusy {
		if c.busy <= 1 {
			c.finishBusy()
		} else {
			c.busy--
		}
	}
	if c.state == mmc.StateDisconnect && c.busy == 0 {
		c.state = mmc.StateStandby
	}
}

// readData serves a single block read of src.
func (c *Card) readData(req *mmc.Request, src []byte) {
	cmd := req.Cmd
	if !c.ready() || src == nil {
		c.illegal(cmd)
		return
	}
	if req.Data == nil || req.Data.Dir != mmc.DataRead {
		cmd.Err = mmc.ErrBadResponse
		return
	}
	c.r1(cmd)
	copy(req.Data.Buf[:req.Data.Len()], src)
}

// block returns the contents of a data block. In the vendor read mode the
// diagnostic block carrying the trim size is returned instead.
func (c *Card) block(addr uint32) []byte {
	b := make([]byte, mmc.EXT_CSD_SIZE)
	if c.vendor == vendorRead {
		binary.LittleEndian.PutUint32(b[mmc.MOVI_TRIM_OFFSET:], c.TrimBytes)
		return b
	}
	for i := 0; i < len(b); i += 4 {
		binary.BigEndian.PutUint32(b[i:], addr)
	}
	return b
}

func (c *Card) erase(cmd *mmc.Command) {
	if !c.ready() {
		c.illegal(cmd)
		return
	}
	c.r1(cmd)

	switch cmd.Opcode {
	case mmc.CMD_ERASE_GROUP_START:
		c.eraseStart = true
	case mmc.CMD_ERASE_GROUP_END:
		c.eraseEnd = c.eraseStart
	case mmc.CMD_ERASE:
		if !c.eraseEnd {
			c.pending |= mmc.R1_ERASE_SEQ_ERROR
			return
		}
		c.eraseStart, c.eraseEnd = false, false
		c.startBusy()
	}
}

func (c *Card) lockUnlock(req *mmc.Request) {
	cmd := req.Cmd
	if !c.ready() {
		c.illegal(cmd)
		return
	}
	if req.Data == nil || req.Data.Dir != mmc.DataWrite || req.Data.Len() < 2 {
		cmd.Err = mmc.ErrBadResponse
		return
	}
	c.r1(cmd)

	buf := req.Data.Buf[:req.Data.Len()]
	op := buf[0]
	n := int(buf[1])
	if 2+n > len(buf) {
		c.pending |= mmc.R1_LOCK_UNLOCK_FAILED
		return
	}
	pwd := buf[2 : 2+n]
	match := c.password != nil && bytes.Equal(pwd, c.password)

	ok := true
	switch {
	case op&lockErase != 0:
		c.password = nil
		c.locked = false
	case op&lockClrPwd != 0:
		if match {
			c.password = nil
			c.locked = false
		} else {
			ok = false
		}
	case op&lockSetPwd != 0:
		if c.password == nil || match {
			c.password = append([]byte(nil), pwd...)
			c.locked = op&lockLock != 0
		} else {
			ok = false
		}
	default:
		if match {
			c.locked = op&lockLock != 0
		} else {
			ok = false
		}
	}
	if !ok {
		c.pending |= mmc.R1_LOCK_UNLOCK_FAILED
	}
	c.startBusy()
}

func (c *Card) readOCR(cmd *mmc.Command) {
	if !c.spi {
		c.illegal(cmd)
		return
	}
	cmd.Resp[0] = c.spiStatus(false)
	cmd.Resp[1] = c.ocr
	if c.ready() {
		cmd.Resp[1] |= mmc.OCR_CARD_BUSY
	}
}

func (c *Card) setCRC(cmd *mmc.Command) {
	if !c.spi {
		c.illegal(cmd)
		return
	}
	c.crc = cmd.Arg&1 != 0
	cmd.Resp[0] = c.spiStatus(false)
}

// vendorCommand tracks the two-step CMD62 protocol of moviNAND cards.
func (c *Card) vendorCommand(cmd *mmc.Command) {
	manfid := uint8(c.profile.CID.Bits(120, 8))
	if manfid != mmc.MANFID_SAMSUNG || !c.ready() {
		c.illegal(cmd)
		return
	}

	if !c.vendorNext {
		if cmd.Arg != mmc.MOVI_CMD62_ENTER {
			c.illegal(cmd)
			return
		}
		c.vendorNext = true
		if c.vendor == vendorOff {
			c.vendor = vendorUnlocked
		}
	} else {
		c.vendorNext = false
		switch cmd.Arg {
		case mmc.MOVI_CMD62_TRIM_MODE:
			c.vendor = vendorTrim
		case mmc.MOVI_CMD62_READ_MODE:
			c.vendor = vendorRead
		case mmc.MOVI_CMD62_EXIT:
			c.vendor = vendorOff
		default:
			c.illegal(cmd)
			return
		}
	}
	c.r1(cmd)
	c.startBusy()
}

// VendorMode reports whether the card is still in its diagnostic mode.
func (c *Card) VendorMode() bool {
	return c.vendor != vendorOff
}
