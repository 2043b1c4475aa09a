package sim

import (
	"fmt"
	"time"

	"github.com/sergev/mmc/mmc"
	"github.com/sergev/mmc/profiles"
)

// Faults make the simulated card misbehave.
type Faults struct {
	// CommandErr fails the command phase of an opcode with the given error.
	CommandErr map[uint8]error

	// DataErr fails the data phase of an opcode with the given error.
	DataErr map[uint8]error

	// SwitchError makes every SWITCH report SWITCH_ERROR.
	SwitchError bool

	// StuckBusy keeps the card in the programming state forever.
	StuckBusy bool
}

// vendor diagnostic mode of moviNAND cards
type vendorMode uint8

const (
	vendorOff vendorMode = iota
	vendorUnlocked
	vendorTrim
	vendorRead
)

// Card is a simulated MMC card together with its host controller.
// It implements mmc.Transport in native or SPI framing.
type Card struct {
	caps    mmc.Caps
	spi     bool
	profile *profiles.Profile

	state    mmc.CardState
	rca      uint16
	ocr      uint32
	powering int
	busy     int
	pending  uint32 // status bits reported by the next SEND_STATUS
	crc      bool
	ext      []byte

	password []byte
	locked   bool

	eraseStart, eraseEnd bool

	vendor     vendorMode
	vendorNext bool

	// PowerUpPolls is the number of SEND_OP_COND calls answered busy.
	PowerUpPolls int

	// BusyPolls is the number of SEND_STATUS calls answered with PRG
	// after a busy command.
	BusyPolls int

	// TrimBytes is reported by the vendor diagnostic block.
	TrimBytes uint32

	Faults Faults

	// Elapsed accumulates the delays requested by the host.
	Elapsed time.Duration

	// CS is the last chip select level requested by the host.
	CS mmc.ChipSelect
}

var _ mmc.Transport = (*Card)(nil)

// New creates a powered-off card with the registers of profile p on a host
// with capabilities caps.
func New(p *profiles.Profile, caps mmc.Caps) *Card {
	c := &Card{
		caps:         caps,
		spi:          caps.Has(mmc.CapSPI),
		profile:      p,
		PowerUpPolls: 2,
		BusyPolls:    2,
		TrimBytes:    256 * 512,
	}
	c.ocr = mmc.OCR_VDD_WINDOW | 0x80
	if p.ExtCSD != nil {
		c.ext = append([]byte(nil), p.ExtCSD...)
		if ext, err := mmc.DecodeExtCSD(p.ExtCSD); err == nil && ext.Sectors > (2<<30)/512 {
			c.ocr |= mmc.OCR_HCS
		}
	}
	c.reset()
	return c
}

// NewFromProfile creates a card from an embedded profile.
func NewFromProfile(name string, caps mmc.Caps) (*Card, error) {
	p, err := profiles.GetProfile(name)
	if err != nil {
		return nil, err
	}
	return New(p, caps), nil
}

func (c *Card) reset() {
	c.state = mmc.StateIdle
	c.rca = 0
	c.powering = -1
	c.busy = 0
	c.crc = false
	c.eraseStart, c.eraseEnd = false, false
	c.vendor = vendorOff
	c.vendorNext = false
}

// State returns the current card state.
func (c *Card) State() mmc.CardState {
	return c.state
}

// RCA returns the relative card address assigned by the host.
func (c *Card) RCA() uint16 {
	return c.rca
}

// Locked reports whether the card is locked.
func (c *Card) Locked() bool {
	return c.locked
}

// CRC reports whether SPI CRC checking was turned on.
func (c *Card) CRC() bool {
	return c.crc
}

// ExtCSD returns the current EXT_CSD contents.
func (c *Card) ExtCSD() []byte {
	return c.ext
}

// PrintStatus prints the simulated card to stdout.
func (c *Card) PrintStatus() {
	fmt.Printf("Simulated card: %s\n", c.profile.Name)
	bus := "native"
	if c.spi {
		bus = "SPI"
	}
	fmt.Printf("Bus: %s\n", bus)
	fmt.Printf("State: %s\n", c.state)
}

// Close does nothing; the card lives in memory.
func (c *Card) Close() error {
	return nil
}

func (c *Card) Caps() mmc.Caps {
	return c.caps
}

func (c *Card) SetChipSelect(cs mmc.ChipSelect) {
	c.CS = cs
}

func (c *Card) Delay(d time.Duration) {
	c.Elapsed += d
}

// Request executes one exchange against the card. An SPI host, or a native
// host with hardware busy detection, returns only once busy is released.
func (c *Card) Request(req *mmc.Request) {
	cmd := req.Cmd
	if err, ok := c.Faults.CommandErr[cmd.Opcode]; ok {
		cmd.Err = err
		return
	}

	c.execute(req)

	if req.Data != nil && cmd.Err == nil && req.Data.Err == nil {
		if err, ok := c.Faults.DataErr[cmd.Opcode]; ok {
			req.Data.Err = err
		} else {
			req.Data.BytesXfered = req.Data.Len()
		}
	}
	if cmd.Err == nil && cmd.Flags.Busy(c.spi) && (c.spi || c.caps.Has(mmc.CapWaitWhileBusy)) && !c.Faults.StuckBusy {
		c.finishBusy()
	}
	if req.Stop != nil && cmd.Err == nil {
		req.Stop.Resp[0] = c.nativeStatus()
		if c.state == mmc.StateData || c.state == mmc.StateReceive {
			c.state = mmc.StateTransfer
		}
	}
}

// startBusy moves the card to the programming state.
func (c *Card) startBusy() {
	c.state = mmc.StateProgram
	c.busy = c.BusyPolls
	if c.busy == 0 && !c.Faults.StuckBusy {
		c.finishBusy()
	}
}

func (c *Card) finishBusy() {
	if c.state == mmc.StateProgram {
		c.state = mmc.StateTransfer
	}
	c.busy = 0
}

// nativeStatus builds an R1 status word and clears the reported bits.
func (c *Card) nativeStatus() uint32 {
	st := uint32(c.state)<<9 | c.pending
	if c.state != mmc.StateProgram && c.state != mmc.StateReceive {
		st |= mmc.R1_READY_FOR_DATA
	}
	if c.locked {
		st |= mmc.R1_CARD_IS_LOCKED
	}
	c.pending = 0
	return st
}

// spiStatus builds an SPI R1 byte, with the R2 byte above it when wide is set.
func (c *Card) spiStatus(wide bool) uint32 {
	var st uint32
	if c.state == mmc.StateIdle || c.state == mmc.StateReady {
		st |= mmc.R1_SPI_IDLE
	}
	if c.pending&mmc.R1_ILLEGAL_COMMAND != 0 {
		st |= mmc.R1_SPI_ILLEGAL_COMMAND
	}
	if c.pending&mmc.R1_ERASE_SEQ_ERROR != 0 {
		st |= mmc.R1_SPI_ERASE_SEQ
	}
	if wide {
		if c.locked {
			st |= mmc.R2_SPI_CARD_LOCKED
		}
		if c.pending&(mmc.R1_SWITCH_ERROR|mmc.R1_LOCK_UNLOCK_FAILED) != 0 {
			st |= mmc.R2_SPI_ERROR
		}
		c.pending = 0
	}
	return st
}
