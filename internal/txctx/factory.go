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
	"github.com/globaldb/iprotod/internal/netio"
	"github.com/globaldb/iprotod/internal/proto"
	"github.com/globaldb/iprotod/internal/wire"
)

// Factory implements netio.MessageFactory, letting Connection construct
// txctx.Message values without netio importing this package (SPEC_FULL.md
// §3's dependency-inversion note).
type Factory struct{}

var _ netio.MessageFactory = Factory{}

func (Factory) NewMessage(conn *netio.Connection, ibufIdx int, step wire.Step) netio.Envelope {
	return &Message{
		conn:    conn,
		ibufIdx: ibufIdx,
		nbytes:  step.Consumed,
		kind:    netio.KindNormal,
		Header:  step.Header,
		Body:    step.Body,
		RawBody: step.RawBody,
	}
}

func (Factory) NewConnect(conn *netio.Connection) netio.Envelope {
	return &Message{conn: conn, kind: netio.KindConnect}
}

func (Factory) NewDisconnect(conn *netio.Connection) netio.Envelope {
	return &Message{conn: conn, kind: netio.KindDisconnect}
}

// EncodeInlineError renders the two framing-level errors that never reach
// TX (malformed length, unknown opcode - spec.md §4.2 step 1, §7) directly,
// since no Header with a valid opcode exists to dispatch on.
func (Factory) EncodeInlineError(sync uint64, err error) []byte {
	perr := proto.AsProtoError(err)
	hdr := proto.Header{Code: proto.AsError(perr.Code), Sync: sync}
	frame, encErr := wire.EncodeFrame(hdr, proto.EncodeError(perr))
	if encErr != nil {
		return nil
	}
	return frame
}
