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
	"sync"
)

// DefaultMsgMax is MSG_MAX, the compile-time cap recommended by spec.md
// §3 invariant 5 and the GLOSSARY.
const DefaultMsgMax = 768

// resumable is the minimal surface Throttle needs from a Connection to
// synthesize a read event on resume (§4.6) without importing Connection
// and creating a cycle with the list.Element membership it also holds.
type resumable interface {
	resumeInput()
}

// Throttle implements the process-wide half of admission control
// (spec.md §4.6): the global in-flight message count versus
// active_connections + MSG_MAX, and the FIFO stopped_connections list of
// connections paused by that check. It is the one piece of state shared
// across every Connection's NET goroutines, so it is guarded by a mutex -
// mirroring spec.md §5's note that the listen socket and this counter are
// the only process-wide mutable state NET and TX ever touch together.
type Throttle struct {
	mu sync.Mutex

	msgMax             int64
	activeConnections  int64
	globalMsgCount     int64
	stopped            list.List // of resumable-holding *stoppedEntry
}

type stoppedEntry struct {
	conn resumable
}

// NewThrottle constructs a Throttle with the given MSG_MAX.
func NewThrottle(msgMax int) *Throttle {
	t := &Throttle{msgMax: int64(msgMax)}
	t.stopped.Init()
	return t
}

// firing reports whether global_msg_count > active_connections + MSG_MAX.
// Caller must hold mu.
func (t *Throttle) firing() bool {
	return t.globalMsgCount > t.activeConnections+t.msgMax
}

// Firing is the public, lock-protected form - used by the per-connection
// read loop's top-of-read-event check (spec.md §4.6).
func (t *Throttle) Firing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firing()
}

// ConnectionOpened/ConnectionClosed track active_connections.
func (t *Throttle) ConnectionOpened() {
	t.mu.Lock()
	t.activeConnections++
	t.mu.Unlock()
}

func (t *Throttle) ConnectionClosed() {
	t.mu.Lock()
	t.activeConnections--
	t.mu.Unlock()
}

// MessageAllocated records one more in-flight message (a Message handed
// from NET to TX) and reports whether the throttle is now firing.
func (t *Throttle) MessageAllocated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.globalMsgCount++
	return t.firing()
}

// MessageFreed records a message's retirement (response handed back to
// NET and the input bytes it held released) and runs resume(): if the
// stopped list is non-empty and the throttle is no longer firing, pop the
// head and synthesize a read event on it - strict FIFO fairness across
// connections (spec.md §4.6).
func (t *Throttle) MessageFreed() {
	t.mu.Lock()
	t.globalMsgCount--

	if t.firing() || t.stopped.Len() == 0 {
		t.mu.Unlock()
		return
	}

	front := t.stopped.Front()
	t.stopped.Remove(front)
	entry := front.Value.(*stoppedEntry)
	t.mu.Unlock()

	entry.conn.resumeInput()
}

// Stop adds conn to the tail of stopped_connections, returning the
// list.Element it must remember for idempotent removal in Close (§4.7).
func (t *Throttle) Stop(conn resumable) *list.Element {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped.PushBack(&stoppedEntry{conn: conn})
}

// Remove drops elem from stopped_connections if still present; safe to
// call with a nil or already-removed elem (Close's idempotency, §4.7).
func (t *Throttle) Remove(elem *list.Element) {
	if elem == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// list.List.Remove is a no-op for an element that is no longer in the
	// list (MessageFreed may already have popped it), so a repeated Remove
	// of the same elem is harmless.
	t.stopped.Remove(elem)
}
