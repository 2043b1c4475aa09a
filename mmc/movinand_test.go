package mmc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newMoviCard(f *fakeTransport) (*Card, *bytes.Buffer) {
	c, logs := newTestCard(f)
	c.Host.VendorTrim = true
	c.CID.ManfID = MANFID_SAMSUNG
	return c, logs
}

func fillTrimBlock(req *Request) {
	binary.LittleEndian.PutUint32(req.Data.Buf[MOVI_TRIM_OFFSET:], 1024*512)
}

func cmd62Args(f *fakeTransport) []uint32 {
	var args []uint32
	for _, s := range f.sent {
		if s.Opcode == CMD_VENDOR_62 {
			args = append(args, s.Arg)
		}
	}
	return args
}

var moviArgs = []uint32{
	0xEFAC62EC, 0x10210000,
	0xEFAC62EC, 0xDECCEE,
	0xEFAC62EC, 0xCCEE,
	0xEFAC62EC, 0xDECCEE,
}

func TestSendTrimSizeGated(t *testing.T) {
	tests := []struct {
		name   string
		enable bool
		manfid uint8
	}{
		{"disabled", false, MANFID_SAMSUNG},
		{"other vendor", true, MANFID_SANDISK},
	}
	for _, tt := range tests {
		f := &fakeTransport{}
		c, _ := newTestCard(f)
		c.Host.VendorTrim = tt.enable
		c.CID.ManfID = tt.manfid

		if _, err := c.SendTrimSize(); !errors.Is(err, ErrNotSupported) {
			t.Errorf("%s: error = %v, want ErrNotSupported", tt.name, err)
		}
		if len(f.sent) != 0 {
			t.Errorf("%s: transport called %d times", tt.name, len(f.sent))
		}
	}
}

func TestSendTrimSize(t *testing.T) {
	f := &fakeTransport{}
	f.handler = answers{CMD_READ_SINGLE_BLOCK: fillTrimBlock}.handle
	c, _ := newMoviCard(f)

	trim, err := c.SendTrimSize()
	if err != nil {
		t.Fatalf("SendTrimSize failed: %v", err)
	}
	if trim != 1024 {
		t.Errorf("trim = %d sectors, want 1024", trim)
	}
	if diff := cmp.Diff(moviArgs, cmd62Args(f)); diff != "" {
		t.Errorf("CMD62 arguments (-want +got):\n%s", diff)
	}

	want := []uint8{
		62, 13, 62, 13,
		35, 36, 38, 13,
		62, 13, 62, 13, 62, 13, 62, 13,
		17,
		62, 13, 62, 13,
	}
	if diff := cmp.Diff(want, f.opcodes()); diff != "" {
		t.Errorf("opcodes (-want +got):\n%s", diff)
	}
	for _, s := range f.sent {
		switch s.Opcode {
		case CMD_ERASE_GROUP_START:
			if s.Arg != 0x4000A018 {
				t.Errorf("erase start arg %#x", s.Arg)
			}
		case CMD_ERASE_GROUP_END:
			if s.Arg != 0x00006400 {
				t.Errorf("erase end arg %#x", s.Arg)
			}
		case CMD_ERASE:
			if s.Arg != 0 || s.Flags != RSP_SPI_R1B|RSP_R1B|CMD_AC {
				t.Errorf("erase arg %#x flags %#x", s.Arg, s.Flags)
			}
		}
	}
}

func TestSendTrimSizeExitsAfterReadFailure(t *testing.T) {
	f := &fakeTransport{}
	f.handler = answers{CMD_READ_SINGLE_BLOCK: func(req *Request) {
		fillTrimBlock(req)
		req.Data.Err = ErrCRC
	}}.handle
	c, _ := newMoviCard(f)

	trim, err := c.SendTrimSize()
	if !errors.Is(err, ErrCRC) {
		t.Fatalf("error = %v, want ErrCRC", err)
	}
	if trim != 1024 {
		t.Errorf("trim = %d, want 1024 decoded despite the error", trim)
	}
	if diff := cmp.Diff(moviArgs, cmd62Args(f)); diff != "" {
		t.Errorf("exit sequence not sent (-want +got):\n%s", diff)
	}
	ops := f.opcodes()
	if ops[len(ops)-4] != CMD_VENDOR_62 || ops[len(ops)-2] != CMD_VENDOR_62 {
		t.Errorf("exit CMD62s do not follow the read: %v", ops)
	}
}

func TestSendTrimSizeKeepsReadErrorWhenExitFails(t *testing.T) {
	f := &fakeTransport{}
	read := false
	f.handler = answers{
		CMD_READ_SINGLE_BLOCK: func(req *Request) {
			read = true
			fillTrimBlock(req)
			req.Data.Err = ErrCRC
		},
		CMD_VENDOR_62: func(req *Request) {
			if read {
				req.Cmd.Err = ErrBadResponse
				return
			}
			req.Cmd.Resp[0] = nativeStatus(StateTransfer, R1_READY_FOR_DATA)
		},
	}.handle
	c, _ := newMoviCard(f)

	trim, err := c.SendTrimSize()
	if !errors.Is(err, ErrCRC) {
		t.Errorf("error = %v, want the read error ErrCRC", err)
	}
	if !errors.Is(err, ErrBadResponse) {
		t.Errorf("error = %v, want the exit error ErrBadResponse", err)
	}
	if trim != 1024 {
		t.Errorf("trim = %d, want 1024", trim)
	}
	if got := cmd62Args(f); len(got) != len(moviArgs)-1 {
		t.Errorf("CMD62 args %#x, want exit stopped after the first command", got)
	}
}

func TestSendTrimSizeSuppressesEraseFailure(t *testing.T) {
	f := &fakeTransport{}
	f.handler = answers{
		CMD_ERASE_GROUP_START: func(req *Request) { req.Cmd.Err = ErrBadResponse },
		CMD_READ_SINGLE_BLOCK: fillTrimBlock,
	}.handle
	c, logs := newMoviCard(f)

	trim, err := c.SendTrimSize()
	if err != nil || trim != 1024 {
		t.Fatalf("SendTrimSize = %d, %v", trim, err)
	}
	if f.count(CMD_ERASE_GROUP_START) != 1 || f.count(CMD_ERASE_GROUP_END) != 0 || f.count(CMD_ERASE) != 0 {
		t.Errorf("erase step continued after failure: %v", f.opcodes())
	}
	if !strings.Contains(logs.String(), "diagnostic erase failed") {
		t.Errorf("erase failure not logged:\n%s", logs)
	}
}

func TestSendTrimSizeEraseStatusMask(t *testing.T) {
	f := &fakeTransport{}
	f.handler = answers{
		CMD_SEND_STATUS: func(req *Request) {
			if len(f.sent) > 1 && f.sent[len(f.sent)-2].Opcode == CMD_ERASE {
				req.Cmd.Resp[0] = nativeStatus(StateTransfer, R1_READY_FOR_DATA|R1_ERASE_RESET)
				return
			}
			req.Cmd.Resp[0] = nativeStatus(StateTransfer, R1_READY_FOR_DATA)
		},
		CMD_READ_SINGLE_BLOCK: fillTrimBlock,
	}.handle
	c, logs := newMoviCard(f)

	if _, err := c.SendTrimSize(); err != nil {
		t.Fatalf("SendTrimSize failed: %v", err)
	}
	if !strings.Contains(logs.String(), "diagnostic erase failed") {
		t.Errorf("masked erase status not reported:\n%s", logs)
	}
}

func TestSendTrimSizeStopsOnCMD62Failure(t *testing.T) {
	f := &fakeTransport{}
	f.handler = answers{CMD_VENDOR_62: func(req *Request) { req.Cmd.Err = ErrBadResponse }}.handle
	c, _ := newMoviCard(f)

	if _, err := c.SendTrimSize(); !errors.Is(err, ErrBadResponse) {
		t.Errorf("error = %v, want ErrBadResponse", err)
	}
	if len(f.sent) != 1 {
		t.Errorf("exchanges = %d, want 1", len(f.sent))
	}
}
