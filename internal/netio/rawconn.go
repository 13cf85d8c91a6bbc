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
	"net"

	"github.com/pkg/errors"
)

// RawConn is handed to Backend.ProcessJoin/ProcessSubscribe once a JOIN or
// SUBSCRIBE request has decoded_Code.StopsInput() (spec.md §4.2, §9 "these
// requests take over the socket"). The handler owns the fd until it
// returns: no further framed requests are read from it, and the handler
// may write an unbounded number of follow-up frames directly, bypassing
// the usual obuf rotation - matching iproto.cc's IPROTO_CHUNK streaming
// (SPEC_FULL.md SUPPLEMENTED FEATURES).
type RawConn interface {
	// WriteChunk writes one pre-framed message (as produced by
	// wire.EncodeFrame) directly to the socket, blocking until it is
	// fully written or the connection errors.
	WriteChunk(frame []byte) error

	// RemoteAddr identifies the peer, for logging.
	RemoteAddr() net.Addr
}

// rawConn is Connection's implementation of RawConn. It writes straight
// to the underlying net.Conn rather than through obuf, since a streaming
// handler has already been granted exclusive ownership of the fd by
// stop_input - there is no concurrent NET writer to race with.
type rawConn struct {
	c *Connection
}

func (r rawConn) WriteChunk(frame []byte) error {
	n, err := r.c.sock.Write(frame)
	if err != nil {
		// spec.md §7: "Socket error inside a join/subscribe handler: do
		// not attempt to write a reply (would cause SIGPIPE); propagate
		// and close." The caller (txctx.Dispatcher) is responsible for
		// calling Connection.Close on this error.
		return errors.Wrap(err, "netio: write chunk")
	}
	r.c.stats.AddSent(n)
	return nil
}

func (r rawConn) RemoteAddr() net.Addr {
	return r.c.sock.RemoteAddr()
}

// EndStream is called by the NET hop of the join/subscribe route
// (net_end_join / net_end_subscribe, spec.md §4.4) once the handler
// returns, to re-arm ordinary framed reads on the connection.
func (c *Connection) EndStream() {
	c.stopInput.Store(false)
	c.armRead()
}
