package mmc

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"
)

// sent is a copy of one request as the transport saw it.
type sent struct {
	Opcode      uint8
	Arg         uint32
	Flags       Flags
	Dir         Direction
	Data        []byte
	TimeoutNs   uint32
	TimeoutClks uint32
}

// fakeTransport answers requests through handler and records everything.
type fakeTransport struct {
	caps    Caps
	handler func(req *Request)
	sent    []sent
	delays  []time.Duration
	cs      []ChipSelect
}

func (f *fakeTransport) Request(req *Request) {
	s := sent{Opcode: req.Cmd.Opcode, Arg: req.Cmd.Arg, Flags: req.Cmd.Flags}
	if req.Data != nil {
		s.Dir = req.Data.Dir
		s.TimeoutNs = req.Data.TimeoutNs
		s.TimeoutClks = req.Data.TimeoutClks
		if req.Data.Dir == DataWrite {
			s.Data = append([]byte(nil), req.Data.Buf[:req.Data.Len()]...)
		}
	}
	f.sent = append(f.sent, s)
	if f.handler != nil {
		f.handler(req)
	}
}

func (f *fakeTransport) Caps() Caps                  { return f.caps }
func (f *fakeTransport) SetChipSelect(cs ChipSelect) { f.cs = append(f.cs, cs) }
func (f *fakeTransport) Delay(d time.Duration)       { f.delays = append(f.delays, d) }

func (f *fakeTransport) opcodes() []uint8 {
	ops := make([]uint8, len(f.sent))
	for i, s := range f.sent {
		ops[i] = s.Opcode
	}
	return ops
}

func (f *fakeTransport) count(opcode uint8) int {
	n := 0
	for _, s := range f.sent {
		if s.Opcode == opcode {
			n++
		}
	}
	return n
}

// newTestCard returns a card with RCA 1 on a host over f, logging into buf.
func newTestCard(f *fakeTransport) (*Card, *bytes.Buffer) {
	var buf bytes.Buffer
	h := NewHost("test", f)
	h.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewCard(h, 1), &buf
}

// nativeStatus builds an R1 status word.
func nativeStatus(state CardState, bits uint32) uint32 {
	return uint32(state)<<9 | bits
}

// answers routes requests by opcode. Unhandled opcodes complete with a
// transfer-state status.
type answers map[uint8]func(req *Request)

func (a answers) handle(req *Request) {
	if fn, ok := a[req.Cmd.Opcode]; ok {
		fn(req)
		return
	}
	req.Cmd.Resp[0] = nativeStatus(StateTransfer, R1_READY_FOR_DATA)
}

// statusSequence answers CMD13 with the given words, repeating the last one.
func statusSequence(words ...uint32) func(req *Request) {
	i := 0
	return func(req *Request) {
		req.Cmd.Resp[0] = words[i]
		if i < len(words)-1 {
			i++
		}
	}
}

type failingAllocator struct{}

func (failingAllocator) Alloc(n int) ([]byte, error) {
	return nil, fmt.Errorf("%d bytes: %w", n, ErrNoMemory)
}

func (failingAllocator) Free([]byte) {}
