package nio

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/yndnr/clustermesh-go/internal/cluster/iobuf"
	"github.com/yndnr/clustermesh-go/internal/cluster/outqueue"
	"github.com/yndnr/clustermesh-go/internal/cluster/wire"
)

// iovec entry classification for the post-writev accounting walk.
const (
	buffTypeHeader  = 'H'
	buffTypeData    = 'D'
	buffTypePadding = 'P'
)

type vecMeta struct {
	priority int
	index    int
	buffType byte
}

type priorityBatch struct {
	send  [WritevItemOnce]*outqueue.Message
	done  [WritevItemOnce]*outqueue.Message
	count int
	dones int
}

// dealWriteEvent assembles one writev batch across the priority
// queues and applies the result to the per-message send cursors.
//
// Assembly starts at queueIndex, the priority whose head stopped
// mid-transmission. When queueIndex is zero the loop makes three
// passes starting at priority zero; otherwise it makes four, where
// pass zero takes only the head of queueIndex and the later pass that
// revisits that priority skips the already-fetched head. The batch is
// bounded by WritevItemOnce messages, WritevArraySize iovec slots and
// WriteMaxCombineBytes bytes.
//
// Returns nil when the batch flushed completely and a bound forced the
// break (more data is pending), errAgain when the socket or queues are
// drained, and a terminal error otherwise.
func (c *SockContext) dealWriteEvent() error {
	var (
		vecs  [WritevArraySize][]byte
		metas [WritevArraySize]vecMeta
		msgs  [outqueue.PriorityCount]priorityBatch

		vecCount      int
		totalBytes    int
		totalMsgCount int
	)

	priority := int(c.queueIndex)
	start := 0
	if c.queueIndex == 0 {
		start = 1
	}

	lastMsgComplete := false
	fetchDone := false

	for i := start; i <= outqueue.PriorityCount; i++ {
		pass := i
		prio := priority
		c.Queues.View(outqueue.Priority(prio), func(head *outqueue.Message) {
			msg := head
			if c.queueIndex > 0 && pass == int(c.queueIndex)+1 && msg != nil {
				// Revisiting the resume priority: its head was already
				// fetched by pass zero.
				msg = msg.Next
			}
			for msg != nil {
				remainLen := 0
				if msg.BytesSent < wire.MsgHeaderLength {
					vecs[vecCount] = msg.HeaderBuf[msg.BytesSent:]
					metas[vecCount] = vecMeta{prio, msgs[prio].count, buffTypeHeader}
					totalBytes += wire.MsgHeaderLength - msg.BytesSent
					vecCount++
					remainLen = int(msg.Header.AlignedDataLen)
				} else {
					remainLen = int(msg.Header.AlignedDataLen) + wire.MsgHeaderLength - msg.BytesSent
				}

				if remainLen > 0 {
					padLen := int(msg.Header.PadLen())
					remainDataLen := remainLen - padLen
					if remainDataLen > 0 {
						if msg.Blocks != nil {
							readBytes := 0
							for b := msg.Blocks; b != nil && vecCount < WritevArraySize-1; b = b.Next {
								if b.ReadAvail() <= 0 {
									continue
								}
								vecs[vecCount] = b.Bytes()
								metas[vecCount] = vecMeta{prio, msgs[prio].count, buffTypeData}
								readBytes += b.ReadAvail()
								vecCount++
							}
							totalBytes += readBytes
							lastMsgComplete = readBytes == remainDataLen
						} else {
							vecs[vecCount] = msg.Inline[int(msg.Header.DataLen)-remainDataLen:]
							metas[vecCount] = vecMeta{prio, msgs[prio].count, buffTypeData}
							totalBytes += remainDataLen
							vecCount++
							lastMsgComplete = true
						}
					} else {
						lastMsgComplete = true
					}

					if padLen > 0 && lastMsgComplete {
						n := padLen
						if remainDataLen <= 0 {
							n = remainLen
						}
						vecs[vecCount] = c.padding[:n]
						metas[vecCount] = vecMeta{prio, msgs[prio].count, buffTypePadding}
						totalBytes += n
						vecCount++
					}
				} else {
					lastMsgComplete = true
				}

				msgs[prio].send[msgs[prio].count] = msg
				msgs[prio].count++
				totalMsgCount++

				if totalMsgCount == WritevItemOnce ||
					vecCount >= WritevArraySize-2 ||
					totalBytes >= WriteMaxCombineBytes {
					fetchDone = true
					return
				}
				if pass == 0 {
					// Resume pass fetches only the in-progress head.
					return
				}
				msg = msg.Next
			}
		})

		if fetchDone {
			break
		}

		if i == 0 {
			priority = 0
		} else {
			priority++
		}
	}

	if vecCount == 0 {
		return errAgain
	}

	w := c.Worker
	w.stats.SendRetryCount.Add(int64(totalMsgCount))
	w.stats.CallWritevCount.Add(1)

	writeBytes, err := unix.Writev(c.Sock, vecs[:vecCount])
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN):
			return errAgain
		case errors.Is(err, unix.EINTR):
			return nil
		default:
			w.engine.logger.Error("writev failed",
				"peer", c.Machine.Addr(), "error", err)
			return err
		}
	}
	if writeBytes == 0 {
		return errConnReset
	}

	w.stats.SendBytes.Add(int64(writeBytes))

	result := error(errAgain)
	if writeBytes == totalBytes && fetchDone {
		// Flushed everything assembled and a bound cut the fetch
		// short: more is pending, caller should come right back.
		result = nil
	}

	totalDoneCount := 0
	if writeBytes == totalBytes && lastMsgComplete {
		for p := range msgs {
			copy(msgs[p].done[:msgs[p].count], msgs[p].send[:msgs[p].count])
			msgs[p].dones = msgs[p].count
			for k := 0; k < msgs[p].count; k++ {
				// Cursor to completion; Release drops any block refs.
				m := msgs[p].send[k]
				m.BytesSent = m.WireLen()
			}
		}
		totalDoneCount = totalMsgCount
		c.queueIndex = 0
	} else {
		remain := writeBytes
		vi := 0
		for ; vi < vecCount; vi++ {
			remain -= len(vecs[vi])
			m := msgs[metas[vi].priority].send[metas[vi].index]
			if remain >= 0 {
				if m.Blocks != nil && metas[vi].buffType == buffTypeData {
					m.Blocks = iobuf.ConsumeChain(m.Blocks, len(vecs[vi]))
				}
				m.BytesSent += len(vecs[vi])
				if m.Done() {
					totalDoneCount++
					b := &msgs[metas[vi].priority]
					b.done[b.dones] = m
					b.dones++
				}
			} else {
				part := remain + len(vecs[vi])
				if m.Blocks != nil && metas[vi].buffType == buffTypeData {
					m.Blocks = iobuf.ConsumeChain(m.Blocks, part)
				}
				m.BytesSent += part
				break
			}
		}

		if vi < vecCount {
			c.queueIndex = outqueue.Priority(metas[vi].priority)
		} else {
			c.queueIndex = outqueue.Priority(metas[vi-1].priority)
		}

		if totalDoneCount == 0 {
			return result
		}
	}

	w.stats.SendMsgCount.Add(int64(totalDoneCount))

	for p := 0; p < outqueue.PriorityCount; p++ {
		if msgs[p].dones == 0 {
			continue
		}
		c.Queues.AdvanceHead(outqueue.Priority(p), msgs[p].done[msgs[p].dones-1])
	}

	now := nowNS()
	for p := 0; p < outqueue.PriorityCount; p++ {
		for k := 0; k < msgs[p].dones; k++ {
			m := msgs[p].done[k]
			w.stats.SendDelayedTime.Add(now - m.InQueueTime)
			m.Release()
		}
	}

	return result
}
