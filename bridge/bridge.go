// Package bridge talks to an MMC bridge adapter: a microcontroller that
// runs single card exchanges on behalf of the host over a serial or USB
// link.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sergev/mmc/mmc"
)

const (
	VendorID  = 0x1209 // pid.codes
	ProductID = 0x0001
)

// Info is returned by REQ_GET_INFO.
type Info struct {
	Caps    mmc.Caps
	FwMajor uint8
	FwMinor uint8
	ClockHz uint32
}

// Transport implements mmc.Transport over a bridge link.
type Transport struct {
	rw     io.ReadWriter
	closer func() error
	name   string
	info   Info

	Logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ mmc.Transport = (*Transport)(nil)

// New connects to a bridge on rw and fetches its capabilities.
func New(rw io.ReadWriter, name string) (*Transport, error) {
	t := &Transport{
		rw:     rw,
		name:   name,
		Logger: slog.Default(),
	}
	info, err := t.fetchInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bridge info: %w", err)
	}
	t.info = info
	return t, nil
}

// Info returns the bridge description read at connect time.
func (t *Transport) Info() Info {
	return t.info
}

func (t *Transport) fetchInfo() (Info, error) {
	r, err := t.exchange(&frame{Opcode: REQ_GET_INFO}, 0)
	if err != nil {
		return Info{}, err
	}
	if err := statusError(r.CmdStatus); err != nil {
		return Info{}, err
	}
	return Info{
		Caps:    mmc.Caps(r.Resp[0]),
		FwMajor: uint8(r.Resp[1] >> 8),
		FwMinor: uint8(r.Resp[1]),
		ClockHz: r.Resp[2],
	}, nil
}

// exchange sends one frame and reads the reply.
func (t *Transport) exchange(f *frame, payloadLen int) (*reply, error) {
	if _, err := t.rw.Write(f.encode()); err != nil {
		return nil, fmt.Errorf("failed to write frame: %w", err)
	}
	r, err := readReply(t.rw, payloadLen)
	if err != nil {
		return nil, err
	}
	if r.Opcode != f.Opcode {
		return nil, fmt.Errorf("reply for wrong opcode (0x%02x != 0x%02x with status 0x%02x)",
			r.Opcode, f.Opcode, r.CmdStatus)
	}
	return r, nil
}

// Request forwards an exchange to the bridge. Link failures are reported
// as ErrIO on the command. Transfers larger than one frame payload are
// refused with ErrInvalidArgument.
//
// Timeouts are not part of the frame: the bridge firmware bounds every
// exchange with its own response, data and busy timeouts, so the
// BusyTimeout and data timeout fields of the request are not forwarded.
func (t *Transport) Request(req *mmc.Request) {
	cmd := req.Cmd
	f := &frame{Opcode: cmd.Opcode, Flags: cmd.Flags, Arg: cmd.Arg}
	payloadLen := 0
	if d := req.Data; d != nil {
		if d.BlockSize < 0 || d.BlockSize > 0xFFFF || d.Blocks < 0 || d.Blocks > 0xFFFF || d.Len() > maxPayload {
			cmd.Err = fmt.Errorf("bridge: transfer of %d blocks of %d bytes exceeds %d bytes: %w",
				d.Blocks, d.BlockSize, maxPayload, mmc.ErrInvalidArgument)
			return
		}
		f.Dir = d.Dir
		f.BlockSize = uint16(d.BlockSize)
		f.Blocks = uint16(d.Blocks)
		if d.Dir == mmc.DataWrite {
			f.Payload = d.Buf[:d.Len()]
		} else {
			payloadLen = d.Len()
		}
	}

	r, err := t.exchange(f, payloadLen)
	if err != nil {
		t.Logger.Debug("bridge exchange failed", "cmd", cmd.Opcode, "error", err)
		cmd.Err = fmt.Errorf("%v: %w", err, mmc.ErrIO)
		return
	}
	cmd.Resp = r.Resp
	if cmd.Err = statusError(r.CmdStatus); cmd.Err != nil {
		return
	}

	if d := req.Data; d != nil {
		d.Err = statusError(r.DataStatus)
		if d.Dir == mmc.DataRead {
			copy(d.Buf, r.Payload)
		}
		if d.Err == nil {
			d.BytesXfered = d.Len()
		}
	}

	if stop := req.Stop; stop != nil {
		r, err := t.exchange(&frame{Opcode: stop.Opcode, Flags: stop.Flags, Arg: stop.Arg}, 0)
		if err != nil {
			stop.Err = fmt.Errorf("%v: %w", err, mmc.ErrIO)
			return
		}
		stop.Resp = r.Resp
		stop.Err = statusError(r.CmdStatus)
	}
}

func (t *Transport) Caps() mmc.Caps {
	return t.info.Caps
}

func (t *Transport) SetChipSelect(cs mmc.ChipSelect) {
	r, err := t.exchange(&frame{Opcode: REQ_SET_CS, Arg: uint32(cs)}, 0)
	if err == nil {
		err = statusError(r.CmdStatus)
	}
	if err != nil {
		t.Logger.Warn("failed to set chip select", "cs", cs, "error", err)
	}
}

func (t *Transport) Delay(d time.Duration) {
	time.Sleep(d)
}

// PrintStatus prints bridge information to stdout.
func (t *Transport) PrintStatus() {
	fmt.Printf("Bridge: %s\n", t.name)
	fmt.Printf("Firmware Version: %d.%d\n", t.info.FwMajor, t.info.FwMinor)
	fmt.Printf("Bus Clock: %d Hz\n", t.info.ClockHz)
	fmt.Printf("SPI Mode: %v\n", t.info.Caps.Has(mmc.CapSPI))
	fmt.Printf("Hardware Busy Detect: %v\n", t.info.Caps.Has(mmc.CapWaitWhileBusy))
}

// Close closes the link.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.closer == nil {
		return nil
	}
	t.closed = true
	return t.closer()
}

// Serve runs the bridge side of the protocol on rw, executing every
// request against card until rw reports EOF.
func Serve(rw io.ReadWriter, card mmc.Transport, info Info) error {
	for {
		f, err := readFrame(rw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ErrChecksum) {
			if _, err := rw.Write((&reply{Opcode: f.Opcode, CmdStatus: STATUS_BAD_FRAME}).encode()); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if _, err := rw.Write(serveFrame(f, card, info).encode()); err != nil {
			return err
		}
	}
}

func serveFrame(f *frame, card mmc.Transport, info Info) *reply {
	r := &reply{Opcode: f.Opcode}
	switch {
	case f.Opcode == REQ_GET_INFO:
		r.Resp[0] = uint32(info.Caps)
		r.Resp[1] = uint32(info.FwMajor)<<8 | uint32(info.FwMinor)
		r.Resp[2] = info.ClockHz
		return r
	case f.Opcode == REQ_SET_CS:
		card.SetChipSelect(mmc.ChipSelect(f.Arg))
		return r
	case f.Opcode > mmc.MaxOpcode:
		r.CmdStatus = STATUS_BAD_COMMAND
		return r
	case f.Dir != 0 && f.dataLen() > maxPayload:
		r.CmdStatus = STATUS_BAD_COMMAND
		return r
	}

	cmd := &mmc.Command{Opcode: f.Opcode, Flags: f.Flags, Arg: f.Arg}
	req := &mmc.Request{Cmd: cmd}
	if f.Dir != 0 {
		req.Data = &mmc.Data{
			Dir:       f.Dir,
			BlockSize: int(f.BlockSize),
			Blocks:    int(f.Blocks),
			Buf:       make([]byte, f.dataLen()),
		}
		copy(req.Data.Buf, f.Payload)
	}
	card.Request(req)

	r.CmdStatus = errorStatus(cmd.Err)
	r.Resp = cmd.Resp
	if req.Data != nil && cmd.Err == nil {
		r.DataStatus = errorStatus(req.Data.Err)
		if f.Dir == mmc.DataRead {
			r.Payload = req.Data.Buf
		}
	}
	return r
}
