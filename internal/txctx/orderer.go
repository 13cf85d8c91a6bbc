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

package txctx

import (
	"sync"

	"github.com/globaldb/iprotod/internal/netio"
)

// orderer re-serializes the out-of-order completions of Dispatcher's
// concurrent workers back into the strict per-connection FIFO order
// spec.md §1 requires responses to be streamed in, even though the workers
// that produced them may finish in any order (SPEC_FULL.md §2). Each
// Message is tagged with the sequence number it was received from NET in;
// complete buffers early arrivals until every lower sequence number has
// been forwarded. Safe for concurrent use - every worker goroutine calls
// complete directly as it finishes.
type orderer struct {
	out chan<- netio.Envelope

	mu      sync.Mutex
	next    uint64
	pending map[uint64]*Message
}

func newOrderer(out chan<- netio.Envelope) *orderer {
	return &orderer{out: out, pending: make(map[uint64]*Message)}
}

func (o *orderer) complete(msg *Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending[msg.seq] = msg
	for {
		m, ok := o.pending[o.next]
		if !ok {
			return
		}
		delete(o.pending, o.next)
		o.next++
		o.out <- m
	}
}
