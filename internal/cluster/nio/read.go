package nio

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// initReader replaces the receive buffer with a fresh one, dropping
// the owner reference on the old buffer (blocks keep theirs).
func (r *reader) initReader(size int) {
	r.buffer.Release()
	r.buffer = iobuf.NewBuffer(size)
	r.current = 0
	r.msgHeader = 0
}

// moveToNewBuffer compacts the partial frame starting at msgHeader
// into a fresh buffer.
func (r *reader) moveToNewBuffer(size, msgBytes int) {
	old := r.buffer
	oldHeader := r.msgHeader
	r.buffer = iobuf.NewBuffer(size)
	copy(r.buffer.Data, old.Data[oldHeader:oldHeader+msgBytes])
	r.current = msgBytes
	r.msgHeader = 0
	old.Release()
}

// allocContinuation swaps in a fresh buffer for the next body segment
// of a multi-buffer frame. The in-progress header survives in r.hdr.
func (r *reader) allocContinuation(size int) {
	r.buffer.Release()
	r.buffer = iobuf.NewBuffer(size)
	r.current = 0
}

// appendBodyBlock appends n true-body bytes from the current buffer to
// the pending block chain. On the first block the body starts right
// after the in-progress header; continuation buffers hold body from
// offset zero.
func (r *reader) appendBodyBlock(n int, firstBlock bool) {
	off := 0
	if firstBlock {
		off = r.msgHeader + wire.MsgHeaderLength
	}
	r.blocks = iobuf.AppendBlock(r.blocks, iobuf.NewBlock(r.buffer, off, n))
}

// dealReadEvent performs one socket read and consumes as many complete
// frames as the buffer now holds.
//
// Returns nil when the buffer filled (more may be pending, call
// again), errAgain when the socket drained, and a terminal error on
// reset or protocol violation.
func (c *SockContext) dealReadEvent() error {
	e := c.Worker.engine
	r := &c.reader

	c.Worker.stats.CallReadCount.Add(1)
	n, err := unix.Read(c.Sock, r.buffer.Data[r.current:])
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN):
			return errAgain
		case errors.Is(err, unix.EINTR):
			return nil
		default:
			e.logger.Error("read failed",
				"peer", c.Machine.Addr(), "error", err)
			return err
		}
	}
	if n == 0 {
		e.logger.Debug("connection closed by peer",
			"peer", c.Machine.Addr(), "fd", c.Sock)
		return errConnReset
	}

	c.Worker.stats.RecvBytes.Add(int64(n))
	r.current += n

	result := error(errAgain)
	if r.current == len(r.buffer.Data) {
		// Buffer filled; the socket may hold more.
		result = nil
	}

	readBufferSize := e.cfg.ReadBufferSize

	for {
		var (
			msgBytes      int
			recvBodyBytes int
			firstBlock    bool
		)

		if r.blocks == nil {
			msgBytes = r.current - r.msgHeader
			if msgBytes < wire.MsgHeaderLength {
				// Not even a header yet; compact when the tail of the
				// buffer is too small to be worth filling.
				if len(r.buffer.Data)-r.current < compactThreshold {
					if msgBytes > 0 {
						r.moveToNewBuffer(readBufferSize, msgBytes)
					} else {
						r.initReader(readBufferSize)
					}
				}
				return result
			}

			hdr, err := wire.ParseHeader(r.buffer.Data[r.msgHeader:], e.cfg.CheckMagic)
			if err != nil {
				e.logger.Error("bad frame header",
					"peer", c.Machine.Addr(), "error", err)
				return err
			}
			r.hdr = hdr
			recvBodyBytes = msgBytes - wire.MsgHeaderLength
			firstBlock = true
		} else {
			msgBytes = r.current
			recvBodyBytes = r.recvBodyBytes + msgBytes
			firstBlock = false
		}

		hdr := &r.hdr
		if hdr.AlignedDataLen > wire.MaxMsgLength {
			e.logger.Error("frame too large",
				"peer", c.Machine.Addr(),
				"aligned_data_len", hdr.AlignedDataLen,
				"max", wire.MaxMsgLength)
			return wire.ErrPayloadTooLarge
		}

		alignedLen := int(hdr.AlignedDataLen)

		if recvBodyBytes < alignedLen {
			// Body incomplete.
			if recvBodyBytes+(len(r.buffer.Data)-r.current) >= alignedLen {
				// The rest fits in this buffer; keep reading in place.
				return result
			}

			currentBodyBytes := recvBodyBytes - r.recvBodyBytes
			currentTrueBodyBytes := currentBodyBytes
			if over := recvBodyBytes - int(hdr.DataLen); over > 0 {
				// Padding bytes already received are not body.
				currentTrueBodyBytes = currentBodyBytes - over
			}

			if hdr.FuncID < 0 {
				// Single-buffer contract.
				if !firstBlock || wire.MsgHeaderLength+alignedLen > readBufferSize {
					e.logger.Error("single-buffer frame exceeds receive buffer",
						"peer", c.Machine.Addr(),
						"func_id", hdr.FuncID,
						"data_len", hdr.DataLen)
					return wire.ErrOversizedSingleBufferFrame
				}
				r.moveToNewBuffer(readBufferSize, msgBytes)
				return result
			}

			if len(r.buffer.Data)-r.current >= compactThreshold {
				// Plenty of buffer left; keep filling it first.
				return result
			}

			if recvBodyBytes%wire.AlignBytes != 0 {
				if r.current == len(r.buffer.Data) {
					// Full buffer that cannot end unaligned on a
					// well-formed stream.
					return wire.ErrUnalignedBody
				}
				return result
			}

			if currentTrueBodyBytes > 0 {
				r.appendBodyBlock(currentTrueBodyBytes, firstBlock)
			}
			r.recvBodyBytes = recvBodyBytes

			if firstBlock {
				if currentTrueBodyBytes > 0 {
					r.allocContinuation(readBufferSize)
				} else {
					r.moveToNewBuffer(readBufferSize, msgBytes)
				}
			} else {
				r.allocContinuation(readBufferSize)
			}
			return result
		}

		// Body complete: carve the final segment, dispatch, advance.
		var currentBodyBytes int
		if firstBlock {
			currentBodyBytes = alignedLen
		} else {
			currentBodyBytes = alignedLen - r.recvBodyBytes
		}
		padLen := int(hdr.PadLen())
		currentTrueBodyBytes := currentBodyBytes
		if padLen > 0 {
			if currentBodyBytes > padLen {
				currentTrueBodyBytes = currentBodyBytes - padLen
			} else {
				currentTrueBodyBytes = 0
			}
		}
		if currentTrueBodyBytes > 0 {
			r.appendBodyBlock(currentTrueBodyBytes, firstBlock)
		}

		c.Worker.stats.RecvMsgCount.Add(1)
		hdrCopy := *hdr
		blocks := r.blocks
		r.blocks = nil
		r.recvBodyBytes = 0
		c.dealMessage(&hdrCopy, blocks)

		if firstBlock {
			r.msgHeader += wire.MsgHeaderLength + currentBodyBytes
		} else {
			r.msgHeader = currentBodyBytes
		}
	}
}
