// Package spihost drives an MMC or SD card in SPI mode over a Linux SPI
// port, with the chip select on a GPIO pin.
package spihost

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sergev/mmc/mmc"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Tokens and timing of the SPI protocol
const (
	TOKEN_START_BLOCK = 0xFE
	TOKEN_IDLE        = 0xFF

	DATA_RESP_MASK     = 0x1F
	DATA_RESP_ACCEPTED = 0x05
	DATA_RESP_CRC_ERR  = 0x0B
	DATA_RESP_WRITE    = 0x0D

	// Ncr: bytes to wait for a command response.
	responseBytes = 8

	// Clock bytes sent with chip select high before CMD0.
	powerUpBytes = 10

	DefaultSpeed       = 400 * physic.KiloHertz
	DefaultBusyTimeout = 3 * time.Second
	minReadTimeout     = 100 * time.Millisecond
)

// Bus is the SPI connection to the card.
type Bus interface {
	Tx(w, r []byte) error
}

// Pin drives the chip select line.
type Pin interface {
	Out(l gpio.Level) error
}

// Transport is an SPI-mode host controller.
type Transport struct {
	bus Bus
	cs  Pin

	// VerifyCRC checks the CRC16 of received data blocks.
	VerifyCRC bool

	Logger *slog.Logger

	port  spi.PortCloser
	name  string
	pin   string
	speed physic.Frequency

	mu     sync.Mutex
	closed bool
}

var _ mmc.Transport = (*Transport)(nil)

// New creates a transport on an open bus.
func New(bus Bus, cs Pin) *Transport {
	return &Transport{
		bus:    bus,
		cs:     cs,
		Logger: slog.Default(),
		speed:  DefaultSpeed,
	}
}

// Open initializes periph, opens the SPI port and claims the chip select pin.
func Open(portName, csPin string, speed physic.Frequency) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	if speed == 0 {
		speed = DefaultSpeed
	}

	pin := gpioreg.ByName(csPin)
	if pin == nil {
		return nil, fmt.Errorf("chip select pin %q not found", csPin)
	}
	if err := pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("failed to drive chip select pin %s: %w", csPin, err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", portName, err)
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect SPI port %s: %w", portName, err)
	}

	t := New(conn, pin)
	t.port = port
	t.name = portName
	t.pin = csPin
	t.speed = speed
	return t, nil
}

// Close releases the SPI port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.port != nil {
		return t.port.Close()
	}
	return nil
}

// PrintStatus prints the port settings to stdout.
func (t *Transport) PrintStatus() {
	fmt.Printf("SPI port: %s\n", t.name)
	fmt.Printf("Chip select: %s\n", t.pin)
	fmt.Printf("Clock: %s\n", t.speed)
	fmt.Printf("Read CRC check: %v\n", t.VerifyCRC)
}

func (t *Transport) Caps() mmc.Caps {
	return mmc.CapSPI
}

// SetChipSelect forces the chip select high. Other levels are handled per
// exchange.
func (t *Transport) SetChipSelect(cs mmc.ChipSelect) {
	if cs == mmc.CSHigh {
		t.deselect()
	}
}

func (t *Transport) Delay(d time.Duration) {
	time.Sleep(d)
}

// Request runs one exchange with the chip select held low throughout.
func (t *Transport) Request(req *mmc.Request) {
	cmd := req.Cmd
	if cmd.Opcode == mmc.CMD_GO_IDLE_STATE {
		t.deselect()
		if err := t.bus.Tx(idle(powerUpBytes), make([]byte, powerUpBytes)); err != nil {
			cmd.Err = fmt.Errorf("failed to clock card: %w", mmc.ErrIO)
			return
		}
	}

	if err := t.cs.Out(gpio.Low); err != nil {
		cmd.Err = fmt.Errorf("failed to select card: %w", mmc.ErrIO)
		return
	}
	defer t.deselect()

	if cmd.Err = t.command(cmd, req.Data == nil); cmd.Err != nil {
		return
	}
	if req.Data != nil {
		req.Data.Err = t.transfer(req.Data, cmd)
	}
	if req.Stop != nil {
		req.Stop.Err = t.command(req.Stop, true)
	}
}

// deselect raises chip select and sends one more byte so the card
// releases its data output.
func (t *Transport) deselect() {
	t.cs.Out(gpio.High)
	t.bus.Tx(idle(1), make([]byte, 1))
}

// idle returns n bytes of 0xFF.
func idle(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = TOKEN_IDLE
	}
	return b
}

func (t *Transport) read(n int) ([]byte, error) {
	r := make([]byte, n)
	if err := t.bus.Tx(idle(n), r); err != nil {
		return nil, fmt.Errorf("SPI transfer failed: %v: %w", err, mmc.ErrIO)
	}
	return r, nil
}

func (t *Transport) readByte() (byte, error) {
	r, err := t.read(1)
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

// command sends the command token and collects the response. The busy
// phase of an R1b command is awaited unless a data block follows.
func (t *Transport) command(cmd *mmc.Command, waitBusy bool) error {
	token := make([]byte, 6)
	token[0] = 0x40 | cmd.Opcode
	binary.BigEndian.PutUint32(token[1:5], cmd.Arg)
	token[5] = crc7(token[:5])<<1 | 1
	if err := t.bus.Tx(token, make([]byte, len(token))); err != nil {
		return fmt.Errorf("failed to send CMD%d: %v: %w", cmd.Opcode, err, mmc.ErrIO)
	}

	r1, err := t.response()
	if err != nil {
		return err
	}
	cmd.Resp[0] = uint32(r1)

	rsp := cmd.Flags.SPIResponse()
	switch {
	case rsp&mmc.RSP_SPI_S2 != 0:
		r2, err := t.readByte()
		if err != nil {
			return err
		}
		cmd.Resp[0] |= uint32(r2) << 8
	case rsp&mmc.RSP_SPI_B4 != 0:
		b, err := t.read(4)
		if err != nil {
			return err
		}
		cmd.Resp[1] = binary.BigEndian.Uint32(b)
	}

	if r1&mmc.R1_SPI_COM_CRC != 0 {
		return fmt.Errorf("CMD%d rejected with R1 0x%02x: %w", cmd.Opcode, r1, mmc.ErrCRC)
	}
	if waitBusy && rsp&mmc.RSP_SPI_BUSY != 0 {
		return t.waitBusy(cmd.BusyTimeout)
	}
	return nil
}

// response waits for the first byte with the top bit clear.
func (t *Transport) response() (byte, error) {
	for i := 0; i < responseBytes; i++ {
		b, err := t.readByte()
		if err != nil {
			return 0, err
		}
		if b&0x80 == 0 {
			return b, nil
		}
	}
	return 0, mmc.ErrTimeout
}

// waitBusy reads until the card stops holding its output low.
func (t *Transport) waitBusy(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		b, err := t.readByte()
		if err != nil {
			return err
		}
		if b != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("card busy for more than %v: %w", timeout, mmc.ErrTimeout)
		}
	}
}

func (t *Transport) transfer(data *mmc.Data, cmd *mmc.Command) error {
	if data.Blocks != 1 {
		return fmt.Errorf("%d block transfer: %w", data.Blocks, mmc.ErrNotSupported)
	}
	if data.Dir == mmc.DataWrite {
		return t.writeBlock(data, cmd.BusyTimeout)
	}
	return t.readBlock(data)
}

func (t *Transport) readBlock(data *mmc.Data) error {
	timeout := time.Duration(data.TimeoutNs) * time.Nanosecond
	if timeout < minReadTimeout {
		timeout = minReadTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		b, err := t.readByte()
		if err != nil {
			return err
		}
		if b == TOKEN_START_BLOCK {
			break
		}
		if b != TOKEN_IDLE {
			return fmt.Errorf("data error token 0x%02x: %w", b, mmc.ErrIO)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no data token in %v: %w", timeout, mmc.ErrTimeout)
		}
	}

	n := data.Len()
	block, err := t.read(n + 2)
	if err != nil {
		return err
	}
	copy(data.Buf[:n], block)
	data.BytesXfered = n

	if t.VerifyCRC {
		want := binary.BigEndian.Uint16(block[n:])
		if got := crc16(block[:n]); got != want {
			t.Logger.Debug("data CRC mismatch", "got", got, "want", want)
			return fmt.Errorf("data block CRC 0x%04x, want 0x%04x: %w", got, want, mmc.ErrCRC)
		}
	}
	return nil
}

func (t *Transport) writeBlock(data *mmc.Data, busyTimeout time.Duration) error {
	n := data.Len()
	packet := make([]byte, n+3)
	packet[0] = TOKEN_START_BLOCK
	copy(packet[1:], data.Buf[:n])
	binary.BigEndian.PutUint16(packet[n+1:], crc16(data.Buf[:n]))
	if err := t.bus.Tx(packet, make([]byte, len(packet))); err != nil {
		return fmt.Errorf("failed to send data block: %v: %w", err, mmc.ErrIO)
	}

	var token byte = TOKEN_IDLE
	for i := 0; i < responseBytes && token == TOKEN_IDLE; i++ {
		b, err := t.readByte()
		if err != nil {
			return err
		}
		token = b
	}
	if token == TOKEN_IDLE {
		return fmt.Errorf("no data response: %w", mmc.ErrTimeout)
	}
	switch token & DATA_RESP_MASK {
	case DATA_RESP_ACCEPTED:
	case DATA_RESP_CRC_ERR:
		return fmt.Errorf("data block rejected: %w", mmc.ErrCRC)
	default:
		return fmt.Errorf("data response 0x%02x: %w", token, mmc.ErrIO)
	}
	data.BytesXfered = n
	return t.waitBusy(busyTimeout)
}
