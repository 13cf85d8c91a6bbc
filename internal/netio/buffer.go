// Copyright (C) 2016-2018  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package netio implements the NET context of spec.md §2: the Acceptor,
// per-connection rotating input/output buffers, the input-buffer rotation
// policy (§4.3), the write path (§4.5), and process-wide admission control
// (§4.6). It is built from goroutines and channels in the idiom of
// neonet.NodeLink's serveRecv/serveSend split, rather than a manual
// reactor loop - see Connection.netReader/netWriter.
package netio

import (
	"sync/atomic"
)

// IBuf is one of a connection's two rotating input buffers (spec.md §3).
//
// Bytes arrive from the socket at the tail (grown by netReader). rpos
// marks the earliest byte still referenced by an in-flight Message -
// invariant (1)/(2) of spec.md §3 require the buffer never be reset while
// rpos < len(data). pos is the framing cursor: bytes in [pos, len(data))
// are parse_size, read from the socket but not yet sliced into a Message.
type IBuf struct {
	data []byte
	max  int
	rpos int
	pos  int
}

// Len is the number of valid (socket-written) bytes the buffer holds.
func (b *IBuf) Len() int { return len(b.data) }

// Cap is the buffer's current backing capacity.
func (b *IBuf) Cap() int { return cap(b.data) }

// Unused is the room left to grow before hitting IBUF_MAX.
func (b *IBuf) Unused() int { return b.max - len(b.data) }

// Used is the count of bytes still referenced by at least one retained
// slice: either an in-flight Message ([rpos, pos)) or an unparsed tail
// ([pos, len(data))). A buffer may only be reset when Used() == 0
// (spec.md §3 invariant 2).
func (b *IBuf) Used() int { return len(b.data) - b.rpos }

// ParseSize is parse_size: bytes read from the socket but not yet framed.
func (b *IBuf) ParseSize() int { return len(b.data) - b.pos }

// Pos is the parse cursor's absolute offset into data.
func (b *IBuf) Pos() int { return b.pos }

// Tail returns the unparsed bytes at the end of the buffer - the slice the
// decoder (package wire, via Connection.decode) reads from.
func (b *IBuf) Tail() []byte { return b.data[b.pos:] }

// Grow ensures the buffer can accept at least need more bytes from the
// socket, extending its backing array if necessary. Callers must have
// already established room exists per the rotation policy (§4.3); Grow
// itself never enforces max - that check belongs to selectInputBuffer.
func (b *IBuf) Grow(need int) {
	if cap(b.data)-len(b.data) >= need {
		return
	}
	grown := make([]byte, len(b.data), len(b.data)+need)
	copy(grown, b.data)
	b.data = grown
}

// AppendFromSocket records n freshly-read bytes as now part of the buffer.
// The caller (netReader) has already written them into data[len(data):].
func (b *IBuf) AppendFromSocket(n int) { b.data = b.data[:len(b.data)+n] }

// WriteArea returns the free region after the valid bytes, for the socket
// read() call to fill directly (no intermediate copy).
func (b *IBuf) WriteArea() []byte { return b.data[len(b.data):cap(b.data)] }

// Advance moves the parse cursor forward by n bytes: a message of that
// length has just been framed out of the unparsed tail (spec.md §4.2
// step 6).
func (b *IBuf) Advance(n int) { b.pos += n }

// Retire moves rpos forward by n bytes: an in-flight Message of that
// length has been freed after its response was handed to NET.
func (b *IBuf) Retire(n int) { b.rpos += n }

// IsEmpty reports whether the buffer holds no bytes an in-flight message
// or unparsed tail could reference.
func (b *IBuf) IsEmpty() bool { return b.Used() == 0 }

// Reset rewinds the buffer to offset zero. Callers must only do this when
// IsEmpty() holds (spec.md §3 invariant 2).
func (b *IBuf) Reset() {
	b.data = b.data[:0]
	b.rpos = 0
	b.pos = 0
}

// CopyTailTo copies this buffer's unparsed tail into dst (already grown to
// fit it), used by rotation rule 4 (§4.3) when switching p_ibuf.
func (b *IBuf) CopyTailTo(dst *IBuf) {
	tail := b.Tail()
	dst.Grow(len(tail))
	n := copy(dst.data[len(dst.data):cap(dst.data)], tail)
	dst.data = dst.data[:len(dst.data)+n]
}

// TruncateTail drops the unparsed tail after it has been copied elsewhere
// (rotation rule 4) or discarded on close (§4.7: wpos -= parse_size).
func (b *IBuf) TruncateTail() {
	b.data = b.data[:b.pos]
}

// OBuf is one of a connection's two rotating output buffers, paired with
// the same-indexed IBuf (spec.md §3).
//
// TX is the single producer: it appends response bytes and then commits
// them by advancing wend. NET is the single consumer: it drains from wpos
// up to the last committed wend and advances wpos as bytes leave the
// socket. wend is an atomic.Int64 per the Open Question in spec.md §9 -
// NET reads the commit savepoint before every write so it never sends
// past what TX has actually finished appending.
type OBuf struct {
	data []byte
	max  int
	wpos int
	wend atomic.Int64
}

// Append adds response bytes at the tail, beyond any previously committed
// region. It does not advance wend - call Commit once the response (or a
// batch of responses) is complete, so NET never observes a half-written
// frame.
func (b *OBuf) Append(p []byte) {
	if cap(b.data)-len(b.data) < len(p) {
		grown := make([]byte, len(b.data), len(b.data)+len(p))
		copy(grown, b.data)
		b.data = grown
	}
	b.data = append(b.data, p...)
}

// Commit publishes everything appended so far to NET by advancing wend to
// the current tail. Safe to call concurrently with NET reading Pending.
func (b *OBuf) Commit() {
	b.wend.Store(int64(len(b.data)))
}

// Pending is the number of committed-but-undrained bytes (wend - wpos).
func (b *OBuf) Pending() int {
	return int(b.wend.Load()) - b.wpos
}

// DrainArea returns the next slice of committed bytes NET may write to the
// socket - a single scatter-gather segment here, since Go's growable
// []byte already appears contiguous (spec.md §4.5's "vectored write
// across scatter-gather segments" collapses to one net.Buffers entry).
func (b *OBuf) DrainArea() []byte {
	wend := int(b.wend.Load())
	return b.data[b.wpos:wend]
}

// Advance moves wpos forward by n bytes after a successful (partial or
// full) socket write.
func (b *OBuf) Advance(n int) { b.wpos += n }

// IsEmpty reports whether every committed byte has been drained.
func (b *OBuf) IsEmpty() bool { return b.Pending() == 0 }

// Reset rewinds the buffer to offset zero - only valid once IsEmpty holds
// and the buffer is not mid-commit.
func (b *OBuf) Reset() {
	b.data = b.data[:0]
	b.wpos = 0
	b.wend.Store(0)
}
