package mmc

import (
	"fmt"
	"log/slog"
	"time"
)

// Exchange records one completed request.
type Exchange struct {
	Opcode  uint8
	Arg     uint32
	Flags   Flags
	Resp    Response
	Err     error
	DataDir Direction
	DataLen int
	DataErr error
}

// OK reports whether the command and its data phase completed.
func (e Exchange) OK() bool {
	return e.Err == nil && e.DataErr == nil
}

// Trace is the exchanges seen by a TracingTransport, oldest first.
type Trace []Exchange

// Opcodes returns the opcode of every exchange in order.
func (t Trace) Opcodes() []uint8 {
	ops := make([]uint8, len(t))
	for i, e := range t {
		ops[i] = e.Opcode
	}
	return ops
}

// Last returns the final exchange, or nil for an empty trace.
func (t Trace) Last() *Exchange {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// TracingTransport logs every exchange of the wrapped transport at debug
// level and keeps the last Limit exchanges.
type TracingTransport struct {
	Base   Transport
	Logger *slog.Logger
	Limit  int
	Trace  Trace
}

var _ Transport = (*TracingTransport)(nil)

// NewTracingTransport wraps base. A nil logger uses slog.Default.
func NewTracingTransport(base Transport, logger *slog.Logger) *TracingTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TracingTransport{Base: base, Logger: logger, Limit: 256}
}

func (t *TracingTransport) Request(req *Request) {
	t.Base.Request(req)

	e := Exchange{
		Opcode: req.Cmd.Opcode,
		Arg:    req.Cmd.Arg,
		Flags:  req.Cmd.Flags,
		Resp:   req.Cmd.Resp,
		Err:    req.Cmd.Err,
	}
	attrs := []any{
		"cmd", e.Opcode,
		"arg", slogHex(e.Arg),
		"resp", slogHex(e.Resp[0]),
	}
	if req.Data != nil {
		e.DataDir = req.Data.Dir
		e.DataLen = req.Data.Len()
		e.DataErr = req.Data.Err
		attrs = append(attrs, "data", e.DataDir.String(), "len", e.DataLen)
	}
	if !e.OK() {
		attrs = append(attrs, "error", e.Err, "data_error", e.DataErr)
	}
	t.Logger.Debug("exchange", attrs...)

	t.Trace = append(t.Trace, e)
	if t.Limit > 0 && len(t.Trace) > t.Limit {
		t.Trace = t.Trace[len(t.Trace)-t.Limit:]
	}
}

func (t *TracingTransport) Caps() Caps {
	return t.Base.Caps()
}

func (t *TracingTransport) SetChipSelect(cs ChipSelect) {
	t.Logger.Debug("chip select", "cs", cs)
	t.Base.SetChipSelect(cs)
}

func (t *TracingTransport) Delay(d time.Duration) {
	t.Base.Delay(d)
}

// Reset discards the recorded exchanges.
func (t *TracingTransport) Reset() {
	t.Trace = nil
}

type slogHex uint32

func (h slogHex) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("0x%08x", uint32(h)))
}
