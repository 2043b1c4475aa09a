package mmc

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCommandErrorAlwaysSurfaces(t *testing.T) {
	ops := []struct {
		name string
		caps Caps
		op   func(c *Card) error
	}{
		{"select", 0, func(c *Card) error { return c.Select() }},
		{"set rca", 0, func(c *Card) error { return c.SetRelativeAddr() }},
		{"status", 0, func(c *Card) error { _, err := c.SendStatus(); return err }},
		{"switch", 0, func(c *Card) error { return c.Switch(1, EXT_CSD_BUS_WIDTH, 1) }},
		{"ext_csd", 0, func(c *Card) error { _, err := c.SendExtCSD(); return err }},
		{"lock", 0, func(c *Card) error { return c.SendLockCmd(true) }},
		{"unlock", 0, func(c *Card) error { return c.SendLockCmd(false) }},
		{"csd", 0, func(c *Card) error { _, err := c.SendCSD(); return err }},
		{"cid", 0, func(c *Card) error { _, err := c.Host.SendCID(); return err }},
		{"all cid", 0, func(c *Card) error { _, err := c.Host.AllSendCID(); return err }},
		{"sleep", 0, func(c *Card) error { return c.SleepAwake(true) }},
		{"awake", 0, func(c *Card) error { return c.SleepAwake(false) }},
		{"spi csd", CapSPI, func(c *Card) error { _, err := c.SendCSD(); return err }},
		{"spi cid", CapSPI, func(c *Card) error { _, err := c.Host.SendCID(); return err }},
		{"spi status", CapSPI, func(c *Card) error { _, err := c.SendStatus(); return err }},
		{"spi crc", CapSPI, func(c *Card) error { return c.Host.SPISetCRC(true) }},
	}
	dataOutcomes := []error{nil, ErrCRC}

	for _, tt := range ops {
		for _, dataErr := range dataOutcomes {
			f := &fakeTransport{caps: tt.caps, handler: func(req *Request) {
				req.Cmd.Err = ErrBadResponse
				if req.Data != nil {
					req.Data.Err = dataErr
				}
			}}
			c, _ := newTestCard(f)

			err := tt.op(c)
			if !errors.Is(err, ErrBadResponse) {
				t.Errorf("%s (data error %v): error = %v, want ErrBadResponse", tt.name, dataErr, err)
			}
		}
	}
}

func TestSendOpCondProbeIsSinglePass(t *testing.T) {
	f := &fakeTransport{handler: func(req *Request) {
		req.Cmd.Resp[0] = 0x00FF8080 // still busy
	}}
	h := NewHost("test", f)

	ocr, err := h.SendOpCond(0)
	if err != nil {
		t.Fatalf("SendOpCond failed: %v", err)
	}
	if ocr != 0x00FF8080 {
		t.Errorf("ocr = %#x, want 0x00ff8080", ocr)
	}
	if len(f.sent) != 1 {
		t.Errorf("exchanges = %d, want 1", len(f.sent))
	}
	if len(f.delays) != 0 {
		t.Errorf("delays = %v, want none", f.delays)
	}
}

func TestSendOpCondTimesOut(t *testing.T) {
	for _, caps := range []Caps{0, CapSPI} {
		f := &fakeTransport{caps: caps, handler: func(req *Request) {
			// Native: busy bit never set. SPI: idle bit never clears.
			req.Cmd.Resp[0] = R1_SPI_IDLE
		}}
		h := NewHost("test", f)

		_, err := h.SendOpCond(OCR_VDD_WINDOW)
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("caps %v: error = %v, want ErrTimeout", caps, err)
		}
		if len(f.sent) != 100 {
			t.Errorf("caps %v: exchanges = %d, want 100", caps, len(f.sent))
		}
		if len(f.delays) != 100 {
			t.Fatalf("caps %v: delays = %d, want 100", caps, len(f.delays))
		}
		for i, d := range f.delays {
			if d != 10*time.Millisecond {
				t.Errorf("caps %v: delay %d = %v, want 10ms", caps, i, d)
				break
			}
		}
	}
}

func TestSendOpCondCompletes(t *testing.T) {
	attempts := 0
	f := &fakeTransport{handler: func(req *Request) {
		attempts++
		req.Cmd.Resp[0] = OCR_VDD_WINDOW
		if attempts == 3 {
			req.Cmd.Resp[0] |= OCR_CARD_BUSY | OCR_HCS
		}
	}}
	h := NewHost("test", f)

	ocr, err := h.SendOpCond(OCR_VDD_WINDOW | OCR_HCS)
	if err != nil {
		t.Fatalf("SendOpCond failed: %v", err)
	}
	if ocr != OCR_VDD_WINDOW|OCR_CARD_BUSY|OCR_HCS {
		t.Errorf("ocr = %#x", ocr)
	}
	if len(f.sent) != 3 || len(f.delays) != 2 {
		t.Errorf("exchanges = %d delays = %d, want 3 and 2", len(f.sent), len(f.delays))
	}
	if f.sent[0].Arg != OCR_VDD_WINDOW|OCR_HCS {
		t.Errorf("arg = %#x", f.sent[0].Arg)
	}
}

func TestSendOpCondSPI(t *testing.T) {
	f := &fakeTransport{caps: CapSPI, handler: func(req *Request) {
		req.Cmd.Resp[0] = 0
	}}
	h := NewHost("test", f)

	ocr, err := h.SendOpCond(OCR_VDD_WINDOW)
	if err != nil {
		t.Fatalf("SendOpCond failed: %v", err)
	}
	if ocr != 0 {
		t.Errorf("ocr = %#x, want 0 on SPI", ocr)
	}
	if f.sent[0].Arg != 0 {
		t.Errorf("SPI arg = %#x, want 0", f.sent[0].Arg)
	}
}

func TestSPIRegisterByteOrder(t *testing.T) {
	pattern := Response{0x12345678, 0x9ABCDEF0, 0x0F1E2D3C, 0x4B5A6978}
	wire := []byte{
		0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0,
		0x0F, 0x1E, 0x2D, 0x3C, 0x4B, 0x5A, 0x69, 0x78,
	}
	if diff := cmp.Diff(wire, pattern.Bytes()); diff != "" {
		t.Fatalf("Bytes() mismatch (-want +got):\n%s", diff)
	}

	reads := []struct {
		name string
		op   func(c *Card) (Response, error)
	}{
		{"csd", func(c *Card) (Response, error) { return c.SendCSD() }},
		{"cid", func(c *Card) (Response, error) { return c.Host.SendCID() }},
	}
	for _, tt := range reads {
		f := &fakeTransport{caps: CapSPI, handler: func(req *Request) {
			copy(req.Data.Buf, wire)
		}}
		c, _ := newTestCard(f)

		got, err := tt.op(c)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if diff := cmp.Diff(pattern, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tt.name, diff)
		}

		s := f.sent[0]
		if s.Flags != RSP_SPI_R1|RSP_R1|CMD_ADTC || s.Dir != DataRead {
			t.Errorf("%s: flags %#x dir %v", tt.name, s.Flags, s.Dir)
		}
		if s.TimeoutNs != 0 || s.TimeoutClks != 64 {
			t.Errorf("%s: timeout %dns %dclk, want 0ns 64clk", tt.name, s.TimeoutNs, s.TimeoutClks)
		}
	}
}

func TestNativeRegisterReads(t *testing.T) {
	want := Response{1, 2, 3, 4}
	f := &fakeTransport{handler: func(req *Request) { req.Cmd.Resp = want }}
	c, _ := newTestCard(f)
	c.RCA = 0x1234

	csd, err := c.SendCSD()
	if err != nil {
		t.Fatal(err)
	}
	cid, err := c.Host.SendCID()
	if err != nil {
		t.Fatal(err)
	}
	if csd != want || cid != want {
		t.Errorf("csd %v cid %v, want %v", csd, cid, want)
	}
	for _, s := range f.sent {
		if s.Arg != 0x12340000 || s.Flags != RSP_R2|CMD_AC {
			t.Errorf("CMD%d arg %#x flags %#x", s.Opcode, s.Arg, s.Flags)
		}
	}
}

func TestSendCIDNeedsCard(t *testing.T) {
	f := &fakeTransport{}
	h := NewHost("test", f)

	if _, err := h.SendCID(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
	if len(f.sent) != 0 {
		t.Errorf("transport called %d times", len(f.sent))
	}
}

func TestSwitch(t *testing.T) {
	tests := []struct {
		name     string
		caps     Caps
		status   []uint32
		wantErr  error
		polls    int
		wantWarn bool
	}{
		{
			name:   "polls while programming",
			status: []uint32{nativeStatus(StateProgram, 0), nativeStatus(StateProgram, 0), nativeStatus(StateTransfer, R1_READY_FOR_DATA)},
			polls:  3,
		},
		{
			name:    "switch error",
			status:  []uint32{nativeStatus(StateTransfer, R1_SWITCH_ERROR)},
			wantErr: ErrBadMessage,
			polls:   1,
		},
		{
			name:     "unexpected bit is a warning",
			status:   []uint32{nativeStatus(StateTransfer, R1_ERASE_RESET)},
			polls:    1,
			wantWarn: true,
		},
		{
			name:   "reserved bit outside the warning mask",
			status: []uint32{nativeStatus(StateTransfer, 1<<4)},
			polls:  1,
		},
		{
			name:   "hardware busy wait checks once",
			caps:   CapWaitWhileBusy,
			status: []uint32{nativeStatus(StateProgram, 0)},
			polls:  1,
		},
		{
			name:    "spi illegal command",
			caps:    CapSPI,
			status:  []uint32{R1_SPI_ILLEGAL_COMMAND},
			wantErr: ErrBadMessage,
			polls:   1,
		},
		{
			name:   "spi clean",
			caps:   CapSPI,
			status: []uint32{0},
			polls:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeTransport{caps: tt.caps}
			f.handler = answers{CMD_SEND_STATUS: statusSequence(tt.status...)}.handle
			c, logs := newTestCard(f)

			err := c.Switch(1, EXT_CSD_BUS_WIDTH, 2)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Switch failed: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}

			if f.sent[0].Opcode != CMD_SWITCH || f.sent[0].Arg != 0x03B70201 {
				t.Errorf("first exchange CMD%d arg %#x, want CMD6 arg 0x03b70201", f.sent[0].Opcode, f.sent[0].Arg)
			}
			if f.sent[0].Flags != RSP_SPI_R1B|RSP_R1B|CMD_AC {
				t.Errorf("flags = %#x", f.sent[0].Flags)
			}
			if n := f.count(CMD_SEND_STATUS); n != tt.polls {
				t.Errorf("status polls = %d, want %d", n, tt.polls)
			}
			if len(f.delays) == 0 || f.delays[0] != 2*time.Millisecond {
				t.Errorf("delays = %v, want 2ms settle", f.delays)
			}
			warned := strings.Contains(logs.String(), "unexpected status after switch")
			if warned != tt.wantWarn {
				t.Errorf("warning logged = %v, want %v\n%s", warned, tt.wantWarn, logs)
			}
		})
	}
}

func TestSendStatus(t *testing.T) {
	var nilCard *Card
	if _, err := nilCard.SendStatus(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil card: error = %v, want ErrInvalidArgument", err)
	}

	f := &fakeTransport{handler: func(req *Request) {
		req.Cmd.Resp[0] = nativeStatus(StateStandby, R1_READY_FOR_DATA)
	}}
	c, _ := newTestCard(f)
	c.RCA = 7

	st, err := c.SendStatus()
	if err != nil {
		t.Fatal(err)
	}
	if st.State() != StateStandby || !st.ReadyForData() || st.SPI {
		t.Errorf("status = %v", st)
	}
	if f.sent[0].Arg != 7<<16 || f.sent[0].Flags != RSP_SPI_R2|RSP_R1|CMD_AC {
		t.Errorf("arg %#x flags %#x", f.sent[0].Arg, f.sent[0].Flags)
	}

	spi := &fakeTransport{caps: CapSPI, handler: func(req *Request) {
		req.Cmd.Resp[0] = 0xABCD0000 | R2_SPI_CARD_LOCKED
	}}
	c, _ = newTestCard(spi)
	st, err = c.SendStatus()
	if err != nil {
		t.Fatal(err)
	}
	if spi.sent[0].Arg != 0 {
		t.Errorf("SPI arg = %#x, want 0", spi.sent[0].Arg)
	}
	if !st.SPI || st.Raw != R2_SPI_CARD_LOCKED || !st.Locked() {
		t.Errorf("SPI status = %v", st)
	}
}

func TestLockPayload(t *testing.T) {
	for _, lock := range []bool{true, false} {
		f := &fakeTransport{}
		f.handler = answers{CMD_SEND_STATUS: statusSequence(
			nativeStatus(StateProgram, 0),
			nativeStatus(StateTransfer, R1_READY_FOR_DATA),
		)}.handle
		c, _ := newTestCard(f)

		if err := c.SendLockCmd(lock); err != nil {
			t.Fatalf("lock=%v: %v", lock, err)
		}

		want := make([]byte, 512)
		want[0] = 0x02
		if lock {
			want[0] = 0x05
		}
		copy(want[1:], []byte{0x04, '1', '2', '3', '4'})

		s := f.sent[0]
		if s.Opcode != CMD_LOCK_UNLOCK || s.Arg != 0 || s.Dir != DataWrite {
			t.Errorf("lock=%v: CMD%d arg %#x dir %v", lock, s.Opcode, s.Arg, s.Dir)
		}
		if s.Flags != RSP_SPI_R1B|RSP_R1B|CMD_ADTC {
			t.Errorf("lock=%v: flags %#x", lock, s.Flags)
		}
		if diff := cmp.Diff(want, s.Data); diff != "" {
			t.Errorf("lock=%v payload mismatch (-want +got):\n%s", lock, diff)
		}
		if diff := cmp.Diff([]uint8{CMD_LOCK_UNLOCK, CMD_SEND_STATUS, CMD_SEND_STATUS}, f.opcodes()); diff != "" {
			t.Errorf("lock=%v opcodes (-want +got):\n%s", lock, diff)
		}
	}
}

func TestLockDataErrorIsNotRetried(t *testing.T) {
	f := &fakeTransport{handler: func(req *Request) {
		if req.Data != nil {
			req.Data.Err = ErrCRC
		}
	}}
	c, logs := newTestCard(f)

	err := c.SendLockCmd(true)
	if !errors.Is(err, ErrCRC) {
		t.Fatalf("error = %v, want ErrCRC", err)
	}
	if len(f.sent) != 1 {
		t.Errorf("exchanges = %d, want 1", len(f.sent))
	}
	if !strings.Contains(logs.String(), "lock/unlock failed") {
		t.Errorf("failure not logged:\n%s", logs)
	}
}

func TestGoIdle(t *testing.T) {
	f := &fakeTransport{}
	h := NewHost("test", f)
	h.UseSPICRC = true

	if err := h.GoIdle(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]ChipSelect{CSHigh, CSDontCare}, f.cs); diff != "" {
		t.Errorf("chip select (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}, f.delays); diff != "" {
		t.Errorf("delays (-want +got):\n%s", diff)
	}
	if f.sent[0].Opcode != CMD_GO_IDLE_STATE || f.sent[0].Flags != RSP_SPI_R1|RSP_NONE|CMD_BC {
		t.Errorf("CMD%d flags %#x", f.sent[0].Opcode, f.sent[0].Flags)
	}
	if h.UseSPICRC {
		t.Error("UseSPICRC still set")
	}

	spi := &fakeTransport{caps: CapSPI, handler: func(req *Request) { req.Cmd.Err = ErrTimeout }}
	h = NewHost("spi", spi)
	h.UseSPICRC = true
	if err := h.GoIdle(); !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	if len(spi.cs) != 0 || len(spi.delays) != 1 || len(spi.sent) != 1 {
		t.Errorf("SPI cs %v delays %v exchanges %d", spi.cs, spi.delays, len(spi.sent))
	}
	if h.UseSPICRC {
		t.Error("UseSPICRC kept after failed reset")
	}
}

func TestSleepAwake(t *testing.T) {
	f := &fakeTransport{}
	c, _ := newTestCard(f)
	c.ExtCSD.SATimeout = 1 << 17 // 13.1 ms

	if err := c.SleepAwake(true); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint8{CMD_SELECT_CARD, CMD_SLEEP_AWAKE}, f.opcodes()); diff != "" {
		t.Errorf("sleep opcodes (-want +got):\n%s", diff)
	}
	if f.sent[0].Arg != 0 || f.sent[0].Flags != RSP_NONE|CMD_AC {
		t.Errorf("deselect arg %#x flags %#x", f.sent[0].Arg, f.sent[0].Flags)
	}
	if f.sent[1].Arg != 1<<16|1<<15 || f.sent[1].Flags != RSP_R1B|CMD_AC {
		t.Errorf("sleep arg %#x flags %#x", f.sent[1].Arg, f.sent[1].Flags)
	}
	if diff := cmp.Diff([]time.Duration{14 * time.Millisecond}, f.delays); diff != "" {
		t.Errorf("delays (-want +got):\n%s", diff)
	}

	f = &fakeTransport{caps: CapWaitWhileBusy}
	c, _ = newTestCard(f)
	if err := c.SleepAwake(false); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint8{CMD_SLEEP_AWAKE, CMD_SELECT_CARD}, f.opcodes()); diff != "" {
		t.Errorf("awake opcodes (-want +got):\n%s", diff)
	}
	if f.sent[0].Arg != 1<<16 || f.sent[1].Arg != 1<<16 {
		t.Errorf("awake args %#x %#x", f.sent[0].Arg, f.sent[1].Arg)
	}
	if len(f.delays) != 0 {
		t.Errorf("delays = %v, want none with hardware busy wait", f.delays)
	}
}

func TestSPIReadOCRAndCRC(t *testing.T) {
	f := &fakeTransport{caps: CapSPI, handler: func(req *Request) {
		if req.Cmd.Opcode == CMD_SPI_READ_OCR {
			req.Cmd.Resp[1] = 0xC0FF8000
		}
	}}
	h := NewHost("spi", f)

	ocr, err := h.SPIReadOCR(true)
	if err != nil || ocr != 0xC0FF8000 {
		t.Errorf("ocr = %#x, %v", ocr, err)
	}
	if f.sent[0].Arg != 1<<30 || f.sent[0].Flags != RSP_SPI_R3 {
		t.Errorf("READ_OCR arg %#x flags %#x", f.sent[0].Arg, f.sent[0].Flags)
	}

	if err := h.SPISetCRC(true); err != nil || !h.UseSPICRC {
		t.Errorf("SPISetCRC(true): %v, UseSPICRC %v", err, h.UseSPICRC)
	}
	if f.sent[1].Arg != 1 {
		t.Errorf("CRC_ON_OFF arg = %d, want 1", f.sent[1].Arg)
	}

	f.handler = func(req *Request) { req.Cmd.Err = ErrTimeout }
	if err := h.SPISetCRC(false); err == nil || !h.UseSPICRC {
		t.Errorf("failed SPISetCRC(false): %v, UseSPICRC %v", err, h.UseSPICRC)
	}
}

func TestPollGivesUpAfterLimit(t *testing.T) {
	f := &fakeTransport{handler: func(req *Request) {
		req.Cmd.Resp[0] = nativeStatus(StateProgram, 0)
	}}
	c, _ := newTestCard(f)

	_, err := c.waitWhileProgramming(CMD_LOCK_UNLOCK, pollOptions{retry: NoRetry, maxPolls: 5})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	if len(f.sent) != 5 {
		t.Errorf("polls = %d, want 5", len(f.sent))
	}
}

func TestPollStopsOnErrorMask(t *testing.T) {
	f := &fakeTransport{handler: func(req *Request) {
		req.Cmd.Resp[0] = nativeStatus(StateProgram, R1_ERASE_PARAM)
	}}
	c, _ := newTestCard(f)

	st, err := c.waitWhileProgramming(CMD_ERASE, pollOptions{errMask: R1_ERASE_ERR_MASK, needReady: true})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != st {
		t.Fatalf("error = %v, want StatusError for %v", err, st)
	}
	if len(f.sent) != 1 {
		t.Errorf("polls = %d, want 1", len(f.sent))
	}
}
