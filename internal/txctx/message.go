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

// Package txctx implements the TX context of spec.md §2: the Dispatcher's
// bounded worker pool, per-opcode routing (§4.4), session/schema-version
// handling (§4.8), and the Backend boundary (§6). Message is the envelope
// crossing NET/TX (spec.md §3); it lives here rather than in a separate
// route package because it needs a *netio.Connection back-pointer while
// netio must not import txctx - see SPEC_FULL.md §3.
package txctx

import (
	"github.com/globaldb/iprotod/internal/netio"
	"github.com/globaldb/iprotod/internal/proto"
)

// Message is the cross-context envelope of spec.md §3: one decoded request
// (or a synthetic CONNECT/DISCONNECT/*End) travelling NET -> TX -> NET.
type Message struct {
	conn *netio.Connection

	ibufIdx int
	nbytes  int // bytes this message holds in ibuf[ibufIdx]; doubles as its refcount
	kind    netio.EnvelopeKind
	seq     uint64 // assigned by Dispatcher.Serve in NetToTX() receive order

	Header  proto.Header
	Body    proto.Body
	RawBody []byte // valid only for JOIN/SUBSCRIBE

	respBytes []byte
}

var _ netio.Envelope = (*Message)(nil)

func (m *Message) IBufIndex() int           { return m.ibufIdx }
func (m *Message) OBufIndex() int           { return m.ibufIdx } // obuf[i] is always paired with ibuf[i]
func (m *Message) Len() int                 { return m.nbytes }
func (m *Message) Kind() netio.EnvelopeKind { return m.kind }
func (m *Message) ResponseBytes() []byte    { return m.respBytes }

// setResponse installs the encoded reply frame(s) a handler produced.
func (m *Message) setResponse(b []byte) { m.respBytes = b }
