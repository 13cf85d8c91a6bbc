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

// Package proto defines the wire-level vocabulary of the binary request
// protocol: opcodes, header/body shapes and error codes. It has no network
// or buffering logic of its own - see package wire for framing and
// package netio for the connections that use it.
package proto

// Code is a request/response opcode as carried in the header map's CODE key.
//
// For requests, Code is one of the request opcode constants below. For
// responses, Code encodes either OK or an error in its low bits - see
// IsError/ErrorCode.
type Code uint32

// Request opcodes.
const (
	SELECT    Code = 1
	INSERT    Code = 2
	REPLACE   Code = 3
	UPDATE    Code = 4
	DELETE    Code = 5
	CALL_16   Code = 6
	AUTH      Code = 7
	EVAL      Code = 8
	UPSERT    Code = 9
	CALL      Code = 10
	PING      Code = 64
	JOIN      Code = 65
	SUBSCRIBE Code = 66
)

// typeFlag marks a response Code as carrying an error; the error code
// itself is ORed into the low bits alongside it, mirroring iproto's
// (type | IPROTO_TYPE_ERROR) response encoding.
const typeFlag Code = 1 << 15

// OK is the response Code for a successful request.
const OK Code = 0

// IsError reports whether a response Code carries an error.
func (c Code) IsError() bool { return c&typeFlag != 0 }

// AsError returns the response Code for reporting errc on a request of any opcode.
func AsError(errc uint32) Code { return typeFlag | Code(errc) }

// ErrorCode extracts the error code that AsError encoded.
func (c Code) ErrorCode() uint32 { return uint32(c &^ typeFlag) }

// routeKind groups opcodes that share the same two-hop route (spec.md §4.4).
type routeKind int

const (
	routeDMLPoint routeKind = iota
	routeSelect
	routeMisc
	routeJoin
	routeSubscribe
	routeConnect    // synthetic, NET-internal
	routeDisconnect // synthetic, NET-internal
	routeUnknown
)

// RouteOf classifies a request opcode into its route kind, or routeUnknown
// if code is not a recognized request opcode.
func RouteOf(code Code) routeKind {
	switch code {
	case INSERT, REPLACE, UPDATE, DELETE, UPSERT:
		return routeDMLPoint
	case SELECT:
		return routeSelect
	case CALL_16, CALL, EVAL, AUTH, PING:
		return routeMisc
	case JOIN:
		return routeJoin
	case SUBSCRIBE:
		return routeSubscribe
	default:
		return routeUnknown
	}
}

// StopsInput reports whether decoding a request of this opcode must
// disarm further reads on the connection until its handler returns
// (spec.md §4.2 - JOIN/SUBSCRIBE take over the socket).
func (k routeKind) StopsInput() bool {
	return k == routeJoin || k == routeSubscribe
}

// IsKnown reports whether code is a recognized request opcode.
func (c Code) IsKnown() bool {
	return RouteOf(c) != routeUnknown
}

// KnownCodes lists every recognized request opcode, in declaration order -
// used by netio.Stats' /debug handler to render the per-opcode histogram.
func KnownCodes() []Code {
	return []Code{
		SELECT, INSERT, REPLACE, UPDATE, DELETE, CALL_16, AUTH, EVAL,
		UPSERT, CALL, PING, JOIN, SUBSCRIBE,
	}
}

// StopsInput reports whether decoding a request of this opcode must
// disarm further reads on the connection until its handler returns.
func (c Code) StopsInput() bool {
	return RouteOf(c).StopsInput()
}

func (c Code) String() string {
	switch c {
	case SELECT:
		return "SELECT"
	case INSERT:
		return "INSERT"
	case REPLACE:
		return "REPLACE"
	case UPDATE:
		return "UPDATE"
	case DELETE:
		return "DELETE"
	case UPSERT:
		return "UPSERT"
	case CALL_16:
		return "CALL_16"
	case CALL:
		return "CALL"
	case EVAL:
		return "EVAL"
	case AUTH:
		return "AUTH"
	case PING:
		return "PING"
	case JOIN:
		return "JOIN"
	case SUBSCRIBE:
		return "SUBSCRIBE"
	default:
		if c.IsError() {
			return "ERROR"
		}
		return "UNKNOWN"
	}
}
