package mmc

import (
	"log/slog"
	"time"
)

// Caps are host controller capabilities.
type Caps uint32

const (
	// CapSPI means the host talks to the card in SPI mode.
	CapSPI Caps = 1 << iota

	// CapWaitWhileBusy means the host waits for busy release in hardware.
	CapWaitWhileBusy

	// CapStopTransmission means the host can append a stop command to a request.
	CapStopTransmission
)

// Has reports whether all caps in c are set.
func (caps Caps) Has(c Caps) bool {
	return caps&c == c
}

// ChipSelect level requested from the host controller.
type ChipSelect uint8

const (
	CSDontCare ChipSelect = iota
	CSHigh
	CSLow
)

func (cs ChipSelect) String() string {
	switch cs {
	case CSHigh:
		return "high"
	case CSLow:
		return "low"
	default:
		return "dont-care"
	}
}

// Transport is the host controller seen by the protocol core.
//
// Request submits one exchange and blocks until the command, the optional
// data phase and the optional stop command have completed or timed out.
// The transport fills Cmd.Resp and reports failures in Cmd.Err, Data.Err and
// Stop.Err; it never returns before the exchange is finished.
type Transport interface {
	Request(req *Request)
	Caps() Caps
	SetChipSelect(cs ChipSelect)
	Delay(d time.Duration)
}

// Host is the handle for one host controller and its bus.
// Callers serialize access: one exchange at a time per host.
type Host struct {
	Name      string
	Transport Transport
	Caps      Caps

	// ClockHz is the current bus clock, used for data timeout conversion.
	ClockHz uint32

	// UseSPICRC is set by SPISetCRC and cleared by GoIdle.
	UseSPICRC bool

	// Card is the card attached to this host once it has been identified.
	Card *Card

	// VendorTrim enables the moviNAND trim-size backdoor.
	VendorTrim bool

	// Retry is the policy for commands that may be repeated safely.
	// Destructive and negotiation commands always use NoRetry.
	Retry RetryPolicy

	Logger *slog.Logger
	Alloc  Allocator
}

// NewHost creates a host handle for the transport.
// Capabilities are read from the transport once.
func NewHost(name string, t Transport) *Host {
	return &Host{
		Name:      name,
		Transport: t,
		Caps:      t.Caps(),
		Retry:     DefaultRetry,
		Logger:    slog.Default(),
		Alloc:     HeapAllocator{},
	}
}

// IsSPI reports whether the host runs the bus in SPI mode.
func (h *Host) IsSPI() bool {
	return h.Caps.Has(CapSPI)
}

func (h *Host) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger.With("host", h.Name)
}

func (h *Host) delay(ms int) {
	h.Transport.Delay(time.Duration(ms) * time.Millisecond)
}

// CardType distinguishes card families for timeout computation.
type CardType uint8

const (
	CardMMC CardType = iota
	CardSD
	CardSDIO
)

func (t CardType) String() string {
	switch t {
	case CardMMC:
		return "MMC"
	case CardSD:
		return "SD"
	case CardSDIO:
		return "SDIO"
	default:
		return "unknown"
	}
}

// Quirks are per-card workarounds.
type Quirks uint32

const (
	// QuirkLongReadTime forces a 300 ms read timeout.
	QuirkLongReadTime Quirks = 1 << iota
)

// Card is the handle for one card. The protocol core writes only RCA
// (at addressing) and the register caches (during identification).
type Card struct {
	Host *Host
	RCA  uint16
	Type CardType

	// BlockAddressed is set for high capacity cards.
	BlockAddressed bool

	CID    CID
	CSD    CSD
	ExtCSD ExtCSD
	Quirks Quirks
}

// NewCard creates a card handle on the host and attaches it.
func NewCard(h *Host, rca uint16) *Card {
	c := &Card{Host: h, RCA: rca}
	h.Card = c
	return c
}

// rcaArg returns the RCA placed in the upper 16 bits of a command argument.
func (c *Card) rcaArg() uint32 {
	return uint32(c.RCA) << 16
}
