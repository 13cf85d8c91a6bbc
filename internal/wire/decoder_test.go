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
	"testing"

	"github.com/globaldb/iprotod/internal/proto"
)

func TestDecodeNeedsMoreOnTruncatedLength(t *testing.T) {
	step := Decode([]byte{0xce, 0x00})
	if step.Outcome != NeedMore {
		t.Fatalf("Outcome = %v, want NeedMore", step.Outcome)
	}
}

func TestDecodeNeedsMoreOnTruncatedFrame(t *testing.T) {
	raw, err := EncodeFrame(proto.Header{Code: proto.PING, Sync: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	step := Decode(raw[:len(raw)-1])
	if step.Outcome != NeedMore {
		t.Fatalf("Outcome = %v, want NeedMore", step.Outcome)
	}
}

func TestDecodeInvalidLengthConsumesOneByte(t *testing.T) {
	// spec.md §8 scenario 3: a stray 0xc1 byte at the start of a frame.
	tail := []byte{0xc1, 1, 2, 3}
	step := Decode(tail)
	if step.Outcome != Invalid {
		t.Fatalf("Outcome = %v, want Invalid", step.Outcome)
	}
	if step.Consumed != 1 {
		t.Fatalf("Consumed = %d, want 1 (resync by one byte)", step.Consumed)
	}
	if step.Err == nil || step.Err.Code != proto.ErrInvalidMsgpack {
		t.Fatalf("Err = %v, want ErrInvalidMsgpack", step.Err)
	}
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	raw, err := EncodeFrame(proto.Header{Code: proto.Code(9999), Sync: 5}, nil)
	if err != nil {
		t.Fatal(err)
	}
	step := Decode(raw)
	if step.Outcome != Rejected {
		t.Fatalf("Outcome = %v, want Rejected", step.Outcome)
	}
	if step.Consumed != len(raw) {
		t.Fatalf("Consumed = %d, want %d (whole malformed frame dropped)", step.Consumed, len(raw))
	}
	if step.Sync != 5 {
		t.Fatalf("Sync = %d, want 5", step.Sync)
	}
	if step.Err == nil || step.Err.Code != proto.ErrUnknownRequestType {
		t.Fatalf("Err = %v, want ErrUnknownRequestType", step.Err)
	}
}

func TestDecodeOKDecodesBodyEagerly(t *testing.T) {
	raw, err := EncodeFrame(proto.Header{Code: proto.SELECT, Sync: 7}, proto.Body{proto.KeySpaceID: uint32(512)})
	if err != nil {
		t.Fatal(err)
	}
	step := Decode(raw)
	if step.Outcome != OK {
		t.Fatalf("Outcome = %v, want OK", step.Outcome)
	}
	if step.Consumed != len(raw) {
		t.Fatalf("Consumed = %d, want %d", step.Consumed, len(raw))
	}
	if step.Body == nil {
		t.Fatal("Body not decoded for SELECT")
	}
	if _, ok := step.Body.SpaceID(); !ok {
		t.Fatal("SpaceID missing from decoded body")
	}
}

func TestDecodeJoinDefersBodyDecode(t *testing.T) {
	// JOIN/SUBSCRIBE hand the raw body off to the handler untouched -
	// their framing takes over the socket (spec.md §4.2).
	raw, err := EncodeFrame(proto.Header{Code: proto.JOIN, Sync: 9}, proto.Body{proto.KeyUsername: "x"})
	if err != nil {
		t.Fatal(err)
	}
	step := Decode(raw)
	if step.Outcome != OK {
		t.Fatalf("Outcome = %v, want OK", step.Outcome)
	}
	if step.Body != nil {
		t.Fatalf("Body = %v, want nil (deferred)", step.Body)
	}
	if len(step.RawBody) == 0 {
		t.Fatal("RawBody empty for JOIN")
	}
}

func TestDecodeLeavesTailBytesForNextCall(t *testing.T) {
	raw1, _ := EncodeFrame(proto.Header{Code: proto.PING, Sync: 1}, nil)
	raw2, _ := EncodeFrame(proto.Header{Code: proto.PING, Sync: 2}, nil)
	tail := append(append([]byte{}, raw1...), raw2...)

	step := Decode(tail)
	if step.Outcome != OK || step.Sync != 1 {
		t.Fatalf("first Decode: outcome=%v sync=%d", step.Outcome, step.Sync)
	}
	tail = tail[step.Consumed:]

	step = Decode(tail)
	if step.Outcome != OK || step.Sync != 2 {
		t.Fatalf("second Decode: outcome=%v sync=%d", step.Outcome, step.Sync)
	}
	tail = tail[step.Consumed:]
	if len(tail) != 0 {
		t.Fatalf("leftover tail = %d bytes, want 0", len(tail))
	}
}
