package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sergev/mmc/mmc"
)

// Frame markers
const (
	FRAME_START   = 0xA5
	REPLY_START   = 0x5A
	CHECKSUM_SEED = 0x4a
)

// Bridge requests use opcodes above the 6-bit command index.
const (
	REQ_GET_INFO = 0x40
	REQ_SET_CS   = 0x41
)

// Reply status codes
const (
	STATUS_OK            = 0
	STATUS_TIMEOUT       = 1
	STATUS_CRC           = 2
	STATUS_IO            = 3
	STATUS_BAD_COMMAND   = 4
	STATUS_BAD_FRAME     = 5
	STATUS_NOT_SUPPORTED = 6
)

const (
	// [start][opcode][flags u16][arg u32][dir][blksz u16][blocks u16]
	requestHeaderSize = 13

	// [start][opcode][cmd status][data status][resp 16 bytes]
	replyHeaderSize = 20

	maxPayload = 64 * 1024
)

// ErrChecksum is returned for a frame with a bad trailing sum.
var ErrChecksum = errors.New("frame checksum mismatch")

// frame is one request from host to bridge.
// The payload is present for writes only.
type frame struct {
	Opcode    uint8
	Flags     mmc.Flags
	Arg       uint32
	Dir       mmc.Direction
	BlockSize uint16
	Blocks    uint16
	Payload   []byte
}

// reply is the bridge answer. The payload is present for reads whose
// command phase succeeded.
type reply struct {
	Opcode     uint8
	CmdStatus  byte
	DataStatus byte
	Resp       mmc.Response
	Payload    []byte
}

func checksum(b []byte) byte {
	sum := byte(CHECKSUM_SEED)
	for _, v := range b {
		sum += v
	}
	return sum
}

func (f *frame) dataLen() int {
	return int(f.BlockSize) * int(f.Blocks)
}

func (f *frame) encode() []byte {
	b := make([]byte, requestHeaderSize, requestHeaderSize+len(f.Payload)+1)
	b[0] = FRAME_START
	b[1] = f.Opcode
	binary.BigEndian.PutUint16(b[2:4], uint16(f.Flags))
	binary.BigEndian.PutUint32(b[4:8], f.Arg)
	b[8] = byte(f.Dir)
	binary.BigEndian.PutUint16(b[9:11], f.BlockSize)
	binary.BigEndian.PutUint16(b[11:13], f.Blocks)
	b = append(b, f.Payload...)
	return append(b, checksum(b))
}

// readFrame reads one request. A checksum failure still returns the frame
// so the bridge can answer with the opcode echo.
func readFrame(r io.Reader) (*frame, error) {
	hdr := make([]byte, requestHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != FRAME_START {
		return nil, fmt.Errorf("bad frame start 0x%02x", hdr[0])
	}

	f := &frame{
		Opcode:    hdr[1],
		Flags:     mmc.Flags(binary.BigEndian.Uint16(hdr[2:4])),
		Arg:       binary.BigEndian.Uint32(hdr[4:8]),
		Dir:       mmc.Direction(hdr[8]),
		BlockSize: binary.BigEndian.Uint16(hdr[9:11]),
		Blocks:    binary.BigEndian.Uint16(hdr[11:13]),
	}
	n := 0
	if f.Dir == mmc.DataWrite {
		n = f.dataLen()
		if n > maxPayload {
			return nil, fmt.Errorf("payload of %d bytes exceeds maximum %d", n, maxPayload)
		}
	}

	rest := make([]byte, n+1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	f.Payload = rest[:n]
	if checksum(append(hdr, f.Payload...)) != rest[n] {
		return f, ErrChecksum
	}
	return f, nil
}

func (r *reply) encode() []byte {
	b := make([]byte, replyHeaderSize, replyHeaderSize+len(r.Payload)+1)
	b[0] = REPLY_START
	b[1] = r.Opcode
	b[2] = r.CmdStatus
	b[3] = r.DataStatus
	for i, w := range r.Resp {
		binary.BigEndian.PutUint32(b[4+4*i:], w)
	}
	b = append(b, r.Payload...)
	return append(b, checksum(b))
}

// readReply reads the answer to a request expecting up to payloadLen bytes
// of read data.
func readReply(rd io.Reader, payloadLen int) (*reply, error) {
	hdr := make([]byte, replyHeaderSize)
	if _, err := io.ReadFull(rd, hdr); err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	if hdr[0] != REPLY_START {
		return nil, fmt.Errorf("bad reply start 0x%02x", hdr[0])
	}

	r := &reply{
		Opcode:     hdr[1],
		CmdStatus:  hdr[2],
		DataStatus: hdr[3],
	}
	for i := range r.Resp {
		r.Resp[i] = binary.BigEndian.Uint32(hdr[4+4*i:])
	}

	n := 0
	if r.CmdStatus == STATUS_OK {
		n = payloadLen
	}
	rest := make([]byte, n+1)
	if _, err := io.ReadFull(rd, rest); err != nil {
		return nil, fmt.Errorf("failed to read reply body: %w", err)
	}
	r.Payload = rest[:n]
	if checksum(append(hdr, r.Payload...)) != rest[n] {
		return nil, ErrChecksum
	}
	return r, nil
}

// statusError converts a reply status code into an error.
func statusError(code byte) error {
	switch code {
	case STATUS_OK:
		return nil
	case STATUS_TIMEOUT:
		return mmc.ErrTimeout
	case STATUS_CRC:
		return mmc.ErrCRC
	case STATUS_IO:
		return mmc.ErrIO
	case STATUS_BAD_COMMAND:
		return fmt.Errorf("bridge: bad command: %w", mmc.ErrInvalidArgument)
	case STATUS_BAD_FRAME:
		return fmt.Errorf("bridge: corrupted frame: %w", mmc.ErrIO)
	case STATUS_NOT_SUPPORTED:
		return fmt.Errorf("bridge: %w", mmc.ErrNotSupported)
	}
	return fmt.Errorf("bridge: unknown status 0x%02x: %w", code, mmc.ErrIO)
}

// errorStatus is the inverse of statusError.
func errorStatus(err error) byte {
	switch {
	case err == nil:
		return STATUS_OK
	case errors.Is(err, mmc.ErrTimeout):
		return STATUS_TIMEOUT
	case errors.Is(err, mmc.ErrCRC):
		return STATUS_CRC
	case errors.Is(err, mmc.ErrInvalidArgument):
		return STATUS_BAD_COMMAND
	case errors.Is(err, mmc.ErrNotSupported):
		return STATUS_NOT_SUPPORTED
	}
	return STATUS_IO
}
