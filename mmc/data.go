package mmc

import (
	"fmt"
)

// Allocator supplies scratch buffers for data transfers.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(buf []byte)
}

// HeapAllocator allocates scratch buffers from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("scratch buffer of %d bytes: %w", n, ErrInvalidArgument)
	}
	return make([]byte, n), nil
}

func (HeapAllocator) Free([]byte) {}

func (h *Host) allocator() Allocator {
	if h.Alloc == nil {
		return HeapAllocator{}
	}
	return h.Alloc
}

// withScratch runs fn with a zeroed scratch buffer of n bytes and releases
// the buffer when fn returns, whatever the outcome.
func (h *Host) withScratch(n int, fn func(buf []byte) error) error {
	alloc := h.allocator()
	buf, err := alloc.Alloc(n)
	if err != nil {
		return fmt.Errorf("failed to allocate %d byte transfer buffer: %w", n, err)
	}
	if len(buf) < n {
		alloc.Free(buf)
		return fmt.Errorf("allocator returned %d of %d bytes: %w", len(buf), n, ErrNoMemory)
	}
	defer alloc.Free(buf)

	buf = buf[:n]
	clear(buf)
	return fn(buf)
}

// waitForData runs cmd with one attached block transfer through a private
// scratch buffer. For writes buf is copied in; for reads the transferred
// bytes are copied back to buf even when the exchange failed.
func (h *Host) waitForData(card *Card, cmd *Command, dir Direction, blockSize, blocks int, buf []byte) error {
	n := blockSize * blocks
	if blockSize <= 0 || blocks <= 0 || len(buf) < n {
		return fmt.Errorf("CMD%d: %d byte buffer for %dx%d transfer: %w",
			cmd.Opcode, len(buf), blocks, blockSize, ErrInvalidArgument)
	}

	return h.withScratch(n, func(scratch []byte) error {
		if dir == DataWrite {
			copy(scratch, buf[:n])
		}

		data := &Data{
			Dir:       dir,
			BlockSize: blockSize,
			Blocks:    blocks,
			Buf:       scratch,
		}
		if cmd.Opcode == CMD_SEND_CSD || cmd.Opcode == CMD_SEND_CID {
			// CSD and CID accesses time out after 64 clock cycles.
			data.TimeoutNs = 0
			data.TimeoutClks = 64
		} else {
			SetDataTimeout(data, card, h)
		}

		err := h.WaitForReq(&Request{Cmd: cmd, Data: data})
		if dir == DataRead {
			copy(buf[:n], scratch)
		}
		return err
	})
}
