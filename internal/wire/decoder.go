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

package wire

import (
	"github.com/globaldb/iprotod/internal/proto"
)

// Outcome classifies what Decode found at the head of a connection's
// unparsed tail.
type Outcome int

const (
	// NeedMore: not enough bytes yet - caller must read more from the
	// socket before calling Decode again (spec.md §4.2 steps 2-3).
	NeedMore Outcome = iota
	// Invalid: the length prefix could not be parsed at all, or a fully
	// arrived frame's header or body is not valid msgpack. Consumed
	// bytes must still be dropped so the decoder can resynchronize.
	Invalid
	// Rejected: framing was fine but the frame itself cannot be routed
	// (unknown opcode). No TX round-trip is needed to answer it.
	Rejected
	// OK: a complete, routable frame was decoded.
	OK
)

// Step is the result of one Decode call.
type Step struct {
	Outcome  Outcome
	Consumed int // bytes to drop from the connection's unparsed tail
	Sync     uint64
	Header   proto.Header
	Body     proto.Body
	RawBody  []byte // valid when Header.Code is JOIN/SUBSCRIBE
	Err      *proto.Error
}

// MinRequestLen is the smallest a valid request can possibly be: a 1-byte
// length prefix for a 2-byte header map with no entries is already
// nonsensical, but spec.md §4.3 uses 3 as the rotation-policy "need" floor
// and we honor it here too.
const MinRequestLen = 3

// Decode attempts to frame and decode exactly one request from the start
// of tail, the unparsed bytes at the end of a connection's current input
// buffer (spec.md §4.2).
func Decode(tail []byte) Step {
	length, lenSz, err := TryReadLength(tail)
	if err != nil {
		if err == ErrTruncated {
			return Step{Outcome: NeedMore}
		}
		// Invalid leading byte (e.g. 0xc1): we cannot know how large
		// the bogus "frame" was meant to be, so the only way to make
		// forward progress and resynchronize is to drop the one
		// offending byte and let the caller retry from the next one.
		return Step{
			Outcome:  Invalid,
			Consumed: 1,
			Err:      proto.NewError(proto.ErrInvalidMsgpack, "invalid msgpack: packet length"),
		}
	}

	reqstart := lenSz
	reqend := reqstart + int(length)
	if reqend > len(tail) {
		return Step{Outcome: NeedMore}
	}

	frame := tail[reqstart:reqend]
	dh, err := DecodeHeader(frame)
	if err != nil {
		return Step{
			Outcome:  Invalid,
			Consumed: reqend,
			Err:      proto.NewError(proto.ErrInvalidMsgpack, "invalid msgpack: %s", err),
		}
	}

	if !dh.Code.IsKnown() {
		return Step{
			Outcome:  Rejected,
			Consumed: reqend,
			Sync:     dh.Sync,
			Header:   dh.Header,
			Err:      proto.NewError(proto.ErrUnknownRequestType, "unknown request type %d", dh.Code),
		}
	}

	rawBody := frame[dh.Len:]

	step := Step{
		Outcome:  OK,
		Consumed: reqend,
		Sync:     dh.Sync,
		Header:   dh.Header,
		RawBody:  rawBody,
	}

	if !dh.Code.StopsInput() {
		body, err := DecodeBody(rawBody)
		if err != nil {
			return Step{
				Outcome:  Invalid,
				Consumed: reqend,
				Sync:     dh.Sync,
				Header:   dh.Header,
				Err:      proto.NewError(proto.ErrInvalidMsgpack, "invalid msgpack: body: %s", err),
			}
		}
		step.Body = body
	}

	return step
}
