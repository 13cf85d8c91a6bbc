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

package netio

import (
	"container/list"
	"net"
	"sync"
	"sync/atomic"

	"github.com/globaldb/iprotod/internal/wire"
)

// EnvelopeKind classifies a cross-context Message for the generic NET-side
// hop dispatch in netFinishLoop (spec.md §4.4's NET hop column, collapsed
// here into data rather than a per-opcode switch - spec.md §9 "each
// message carries its own two-hop route so the generic hop runner can
// drive it without a switch statement").
type EnvelopeKind int

const (
	KindNormal EnvelopeKind = iota
	KindConnect
	KindDisconnect
	KindJoinEnd
	KindSubscribeEnd
)

// Envelope is the subset of txctx.Message that netio needs to drive
// buffer bookkeeping and the write-back path, without netio importing
// txctx (which itself imports netio - see SPEC_FULL.md §3).
type Envelope interface {
	IBufIndex() int
	OBufIndex() int
	Len() int // bytes held in the input buffer; doubles as the message's refcount (spec.md §3)
	Kind() EnvelopeKind
	ResponseBytes() []byte // full encoded frame(s) to append to obuf; nil if the handler already streamed directly via RawConn
}

// MessageFactory lets txctx construct its Message type from decode results
// without netio depending on txctx. Connection calls back into it from the
// NET reader goroutine only.
type MessageFactory interface {
	// NewMessage builds a Message for a fully-decoded request.
	NewMessage(conn *Connection, ibufIdx int, step wire.Step) Envelope
	// NewConnect builds the synthetic CONNECT message the Acceptor routes
	// to TX on accept (spec.md §4.1).
	NewConnect(conn *Connection) Envelope
	// NewDisconnect builds the connection's pre-allocated disconnect
	// Message (spec.md §3: "reserved at construction so teardown never
	// needs to allocate"). Called once, from NewConnection.
	NewDisconnect(conn *Connection) Envelope
	// EncodeInlineError renders a framing-level error (malformed length,
	// unknown opcode) directly as response bytes - these never cross to
	// TX since no handler exists to run (spec.md §4.2 step 1, §7).
	EncodeInlineError(sync uint64, err error) []byte
}

// Buffer geometry defaults (spec.md GLOSSARY / §3); configurable per
// Acceptor for tests that want to exercise rotation/throttle edges with
// small buffers.
const DefaultIBufMax = 1 << 20 // 1 MiB
const DefaultOBufMax = 1 << 20

// Connection is one client socket, owning two rotating input buffers and
// two rotating output buffers (spec.md §3). Three goroutines cooperate on
// it, and invariant (a) ("at most one thread touches each buffer at a
// time") is kept by bufMu, which every cross-goroutine buffer access takes:
//
//   - netReader: the only writer of pIbuf and the only goroutine that
//     grows or reads into the current ibuf and rewinds it; decodes
//     requests and pushes them to TX.
//   - netFinishLoop: receives completed Messages back from TX, appends
//     their response bytes to the paired obuf, commits, and retires the
//     ibuf slice they held.
//   - netWriter: owns obuf[0].wpos/obuf[1].wpos; drains committed bytes to
//     the socket (the OutputFlusher algorithm, §4.5) and rewinds drained
//     pairs other than the current one.
//
// OBuf.wend is the one cross-goroutine field kept outside bufMu, as an
// atomic.Int64 (spec.md §9 Open Question).
type Connection struct {
	sock     net.Conn
	throttle *Throttle
	stats    *Stats
	factory  MessageFactory

	ibuf  [2]IBuf
	obuf  [2]OBuf
	pIbuf atomic.Int32 // written only by netReader, read by netWriter/netFinishLoop

	stopInput atomic.Bool // JOIN/SUBSCRIBE stop_input (§4.2)

	readArmed  atomic.Bool
	readGate   chan struct{} // buffered 1; receiving permits one read-event cycle
	onStopped  atomic.Bool   // membership in Throttle.stopped_connections
	stoppedMu  sync.Mutex
	stoppedEl  *list.Element

	writeGate chan struct{} // buffered 1; signals the writer there may be work
	done      chan struct{} // closed once by Close to stop netWriter

	netToTX chan Envelope
	txToNET chan Envelope

	closeOnce      sync.Once
	closed         atomic.Bool
	disconnectOnce sync.Once

	// bufMu guards the ibuf/obuf struct fields that any goroutine other
	// than their nominal owner touches: netFinishLoop retiring an ibuf
	// slice or appending a response, Close truncating/resetting buffers,
	// and the writer's IsEmpty checks against ibuf state the reader owns.
	// The atomic OBuf.wend field is deliberately outside this lock - it is
	// the one cross-context field spec.md §9 calls out as needing to stay
	// lock-free.
	bufMu sync.Mutex

	disconnect Envelope // pre-allocated at construction (spec.md §3)

	wg sync.WaitGroup
}

// NewConnection constructs a Connection around an accepted socket. It does
// not start I/O; the caller (Acceptor) still needs to call Open, which
// starts the NET goroutines and pushes the synthetic CONNECT message,
// mirroring spec.md §4.1's
// "constructs a Connection in NET ... routes [CONNECT] to TX ... upon
// return, arms the read watcher" (the arming itself happens lazily from
// netFinishLoop's KindConnect branch).
func NewConnection(sock net.Conn, throttle *Throttle, stats *Stats, factory MessageFactory, ibufMax, obufMax int) *Connection {
	if ibufMax <= 0 {
		ibufMax = DefaultIBufMax
	}
	if obufMax <= 0 {
		obufMax = DefaultOBufMax
	}
	c := &Connection{
		sock:      sock,
		throttle:  throttle,
		stats:     stats,
		factory:   factory,
		readGate:  make(chan struct{}, 1),
		writeGate: make(chan struct{}, 1),
		done:      make(chan struct{}),
		netToTX:   make(chan Envelope, 64),
		txToNET:   make(chan Envelope, 64),
	}
	c.ibuf[0] = IBuf{max: ibufMax}
	c.ibuf[1] = IBuf{max: ibufMax}
	c.obuf[0] = OBuf{max: obufMax}
	c.obuf[1] = OBuf{max: obufMax}
	c.disconnect = factory.NewDisconnect(c)
	return c
}

// NetToTX is the channel the reader pushes decoded Messages to; TX's
// Dispatcher receives from it.
func (c *Connection) NetToTX() <-chan Envelope { return c.netToTX }

// TxToNET is the channel TX hands completed Messages back on.
func (c *Connection) TxToNET() chan<- Envelope { return c.txToNET }

// Start launches the three NET goroutines. Called once, by Open, right
// before the synthetic CONNECT message is pushed onto netToTX; netReader
// does not read from the socket until that message comes back from TX.
func (c *Connection) Start() {
	c.throttle.ConnectionOpened()
	c.wg.Add(3)
	go c.netReader()
	go c.netFinishLoop()
	go c.netWriter()
}

// Open starts the connection's NET goroutines and pushes its synthetic
// CONNECT message (spec.md §4.1). This is the single entry point both
// Acceptor and tests driving a Connection without an Acceptor should use,
// since netToTX is unexported and callers outside this package otherwise
// have no way to seed it.
func (c *Connection) Open(connect Envelope) {
	c.Start()
	c.netToTX <- connect
}

// Wait blocks until all of the connection's NET goroutines have exited -
// used by Acceptor.Shutdown to drain in-flight connections.
func (c *Connection) Wait() { c.wg.Wait() }

// RawConn returns the streaming write surface handed to
// Backend.ProcessJoin/ProcessSubscribe once stop_input has been set.
func (c *Connection) RawConn() RawConn { return rawConn{c} }

// resumeInput implements the resumable interface Throttle needs, and is
// also used directly by the writer after a successful drain (§4.5's "feed
// a read event"). Safe to call from any goroutine.
//
// It always clears stopped-list membership first: Throttle.MessageFreed
// has already unlinked this connection from the FIFO list by the time it
// calls here, but onStopped/stoppedEl are local bookkeeping that nothing
// else clears - leaving them set would permanently wedge both
// parkOnStoppedList's CompareAndSwap (the connection could never be
// re-added to the list on a later global-throttle episode) and the
// writer's re-arm guard at flushOnce (it would never resumeInput again
// after any later per-connection stall).
func (c *Connection) resumeInput() {
	c.unparkFromStoppedList()
	c.readArmed.Store(true)
	select {
	case c.readGate <- struct{}{}:
	default:
	}
}

func (c *Connection) armRead() { c.resumeInput() }

func (c *Connection) armWrite() {
	select {
	case c.writeGate <- struct{}{}:
	default:
	}
}

// curIdx/prevIdx are small helpers shared by the reader/writer;
// pIbuf is only ever written by netReader, so an atomic load is always
// safe from the other goroutines.
func (c *Connection) curIdx() int  { return int(c.pIbuf.Load()) }
func (c *Connection) prevIdx() int { return 1 - c.curIdx() }

// netReader is the InputReader of spec.md §2/§4.2/§4.3/§4.6.
func (c *Connection) netReader() {
	defer c.wg.Done()

	// Reads are armed by netFinishLoop's KindConnect branch, once TX has
	// handled the synthetic CONNECT message (§4.1).
	<-c.readGate

	for {
		if c.closed.Load() {
			return
		}

		// §4.6 process-wide throttle: checked at the top of each read event.
		if c.throttle.Firing() {
			c.parkOnStoppedList()
			<-c.readGate
			if c.closed.Load() {
				return
			}
		}

		if !c.selectInputBuffer() {
			// §4.6 per-connection throttle: no watcher-list membership
			// needed, the writer re-arms us on its next successful drain.
			c.readArmed.Store(false)
			<-c.readGate
			if c.closed.Load() {
				return
			}
			continue
		}

		cur := &c.ibuf[c.curIdx()]
		n, err := c.sock.Read(cur.WriteArea())
		if n > 0 {
			c.bufMu.Lock()
			cur.AppendFromSocket(n)
			c.bufMu.Unlock()
			c.stats.AddReceived(n)
		}
		if err != nil {
			// spec.md §7: EOF or any socket error on the read side closes
			// the connection.
			c.Close(err)
			return
		}

		if !c.drainDecoded() {
			// stop_input was set (JOIN/SUBSCRIBE) - the handler owns the
			// fd until EndStream re-arms reads.
			<-c.readGate
			if c.closed.Load() {
				return
			}
		}
	}
}

// drainDecoded frames and routes every complete request currently sitting
// in the unparsed tail of the current buffer (spec.md §4.2). It returns
// false if a JOIN/SUBSCRIBE request just disarmed further reads.
func (c *Connection) drainDecoded() bool {
	for {
		c.bufMu.Lock()
		cur := &c.ibuf[c.curIdx()]
		if cur.ParseSize() == 0 {
			c.bufMu.Unlock()
			return true
		}
		step := wire.Decode(cur.Tail())

		switch step.Outcome {
		case wire.NeedMore:
			c.bufMu.Unlock()
			return true

		case wire.Invalid, wire.Rejected:
			cur.Advance(step.Consumed)
			cur.Retire(step.Consumed)
			c.bufMu.Unlock()
			c.writeInlineError(step.Sync, step.Err)

		case wire.OK:
			cur.Advance(step.Consumed)
			ibufIdx := c.curIdx()
			c.bufMu.Unlock()

			c.stats.CountRequest(step.Header.Code)
			msg := c.factory.NewMessage(c, ibufIdx, step)
			c.throttle.MessageAllocated()
			c.netToTX <- msg
			if step.Header.Code.StopsInput() {
				c.stopInput.Store(true)
				return false
			}
		}
	}
}

// writeInlineError handles the two framing-level error cases that never
// reach TX: malformed length and unknown opcode (spec.md §4.2 step 1, §7).
// NET writes the reply itself, directly into the current obuf, and keeps
// the connection open.
func (c *Connection) writeInlineError(sync uint64, err error) {
	frame := c.factory.EncodeInlineError(sync, err)
	if len(frame) == 0 {
		return
	}
	c.bufMu.Lock()
	obuf := &c.obuf[c.curIdx()]
	obuf.Append(frame)
	obuf.Commit()
	c.bufMu.Unlock()
	c.armWrite()
}

// selectInputBuffer implements the rotation policy of spec.md §4.3.
func (c *Connection) selectInputBuffer() bool {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	cur := &c.ibuf[c.curIdx()]

	// The current buffer is rewound here, by its reader, once nothing
	// references it; flushOnce leaves it alone because netReader reads
	// into its free tail without holding bufMu.
	if cur.IsEmpty() {
		cur.Reset()
	}

	need := wire.MinRequestLen
	if cur.ParseSize() > 0 {
		if length, lenSz, err := wire.TryReadLength(cur.Tail()); err == nil {
			need = lenSz + int(length)
		}
	}

	// Rule 1: current buffer already has enough room.
	if cur.Unused() >= need {
		cur.Grow(need)
		return true
	}

	curOBuf := &c.obuf[c.curIdx()]

	// Rule 2: no in-flight messages hold a slice of this buffer, and
	// either nothing has been parsed yet (pure unparsed prefix) or the
	// paired obuf is idle - grow in place rather than rotate.
	if cur.Used() == cur.ParseSize() && (cur.Pos() == 0 || curOBuf.IsEmpty()) {
		cur.Grow(need)
		return true
	}

	// Rule 3: try the other buffer.
	other := c.prevIdx()
	otherIBuf := &c.ibuf[other]
	otherOBuf := &c.obuf[other]
	if !otherIBuf.IsEmpty() || !otherOBuf.IsEmpty() {
		return false // no room - pause input
	}

	// Rule 4: rotate into the other buffer.
	tailLen := cur.ParseSize()
	otherIBuf.Grow(need + tailLen)
	cur.CopyTailTo(otherIBuf)
	cur.TruncateTail()
	if cur.IsEmpty() && curOBuf.IsEmpty() {
		cur.Reset()
		curOBuf.Reset()
	}
	c.pIbuf.Store(int32(other))
	return true
}

// netFinishLoop runs the generic NET hop for every Message TX hands back
// (spec.md §4.4's hop-2 column), driven purely by Envelope.Kind() so no
// opcode switch is needed here (spec.md §9).
func (c *Connection) netFinishLoop() {
	defer c.wg.Done()
	for env := range c.txToNET {
		switch env.Kind() {
		case KindConnect:
			c.appendResponse(env)
			c.armRead()

		case KindDisconnect:
			c.finishDisconnect()
			return

		case KindJoinEnd, KindSubscribeEnd:
			c.EndStream()
			c.retireAndResume(env)

		default:
			c.appendResponse(env)
			c.retireAndResume(env)
		}
	}
}

func (c *Connection) appendResponse(env Envelope) {
	resp := env.ResponseBytes()
	if len(resp) == 0 {
		return
	}
	c.bufMu.Lock()
	obuf := &c.obuf[env.OBufIndex()]
	obuf.Append(resp)
	obuf.Commit()
	c.bufMu.Unlock()
	c.armWrite()
}

func (c *Connection) retireAndResume(env Envelope) {
	c.bufMu.Lock()
	c.ibuf[env.IBufIndex()].Retire(env.Len())
	c.bufMu.Unlock()
	c.throttle.MessageFreed()
	c.CheckDisconnectOnRetire()
}

// netWriter is the OutputFlusher of spec.md §4.5.
func (c *Connection) netWriter() {
	defer c.wg.Done()
	for {
		select {
		case <-c.writeGate:
			for c.flushOnce() {
			}
		case <-c.done:
			return
		}
	}
}

// flushOnce drains one obuf segment to the socket and reports whether the
// caller should immediately try again (more committed bytes remain).
func (c *Connection) flushOnce() bool {
	c.bufMu.Lock()

	prev := c.prevIdx()
	obufPrev := &c.obuf[prev]
	ibufPrev := &c.ibuf[prev]

	var obuf *OBuf
	var idx int
	switch {
	case obufPrev.Pending() > 0:
		obuf, idx = obufPrev, prev
	case !ibufPrev.IsEmpty():
		c.bufMu.Unlock()
		return false // ibuf_prev still has in-flight requests - nothing to send yet
	default:
		cur := c.curIdx()
		if c.obuf[cur].IsEmpty() {
			c.bufMu.Unlock()
			return false // truly nothing pending
		}
		obuf, idx = &c.obuf[cur], cur
	}

	area := obuf.DrainArea()
	c.bufMu.Unlock()
	if len(area) == 0 {
		return false
	}

	n, err := c.sock.Write(area)

	c.bufMu.Lock()
	if n > 0 {
		obuf.Advance(n)
		c.stats.AddSent(n)
	}
	isEmpty := obuf.IsEmpty()
	pairEmpty := c.ibuf[idx].IsEmpty()
	if isEmpty && pairEmpty {
		if idx != c.curIdx() {
			c.ibuf[idx].Reset()
		}
		obuf.Reset()
	}
	pending := obuf.Pending()
	c.bufMu.Unlock()

	if err != nil {
		c.Close(err)
		return false
	}

	if isEmpty && !c.readArmed.Load() && !c.onStopped.Load() {
		c.resumeInput()
	}

	return n == len(area) && pending > 0
}

func (c *Connection) parkOnStoppedList() {
	if c.onStopped.CompareAndSwap(false, true) {
		c.stoppedMu.Lock()
		c.stoppedEl = c.throttle.Stop(c)
		c.stoppedMu.Unlock()
	}
}

// unparkFromStoppedList clears stopped-list membership: local bookkeeping
// (onStopped/stoppedEl) plus a defensive Throttle.Remove, safe to call
// whether or not Throttle.MessageFreed already popped this connection off
// its FIFO list (Remove on an already-unlinked or nil element is a no-op).
// Called from resumeInput (the common case: a resume, global or
// per-connection) and from Close (the connection may still be parked when
// it is torn down before ever being resumed).
func (c *Connection) unparkFromStoppedList() {
	c.onStopped.Store(false)
	c.stoppedMu.Lock()
	el := c.stoppedEl
	c.stoppedEl = nil
	c.stoppedMu.Unlock()
	c.throttle.Remove(el)
}

// Close implements spec.md §4.7. It is idempotent: the teardown sequence
// (stop watchers, close fd, truncate unparsed tails, enqueue disconnect)
// runs exactly once no matter how many goroutines observe a reason to
// close concurrently (EOF on read, a write error, an explicit shutdown).
func (c *Connection) Close(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.unparkFromStoppedList()
		_ = c.sock.Close()

		c.bufMu.Lock()
		for k := range c.ibuf {
			c.ibuf[k].TruncateTail() // "wpos -= parse_size": no more messages framed
		}
		idle := c.idleLocked()
		c.bufMu.Unlock()

		// Unblock netReader if parked on its gate; stop netWriter.
		select {
		case c.readGate <- struct{}{}:
		default:
		}
		close(c.done)

		if idle {
			c.enqueueDisconnect()
		}
		// If not idle, the last retiring message observes idle && closed
		// via CheckDisconnectOnRetire, invoked from retireAndResume after
		// netFinishLoop retires each Message TX hands back.
	})
	_ = cause // logged by the caller (txctx/cmd) via xlog; netio stays silent by design
}

func (c *Connection) idleLocked() bool {
	return c.ibuf[0].IsEmpty() && c.ibuf[1].IsEmpty()
}

func (c *Connection) idle() bool {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return c.idleLocked()
}

// enqueueDisconnect sends the pre-allocated disconnect Message exactly
// once and, since it is always the last thing ever sent on netToTX,
// closes the channel right after - safe because disconnectOnce serializes
// every caller, so no other send can be mid-flight when the close runs.
func (c *Connection) enqueueDisconnect() {
	c.disconnectOnce.Do(func() {
		c.netToTX <- c.disconnect
		close(c.netToTX)
	})
}

func (c *Connection) finishDisconnect() {
	close(c.txToNET)
	c.throttle.ConnectionClosed()
}

// CheckDisconnectOnRetire runs after every message retirement; exported so
// a future TX-side message source (not just retireAndResume) can trigger
// the same check. Implements spec.md §4.7: "If not idle, the last
// retiring message will observe idle ∧ fd == −1 and enqueue the
// disconnect then".
func (c *Connection) CheckDisconnectOnRetire() {
	if c.closed.Load() && c.idle() {
		c.enqueueDisconnect()
	}
}
