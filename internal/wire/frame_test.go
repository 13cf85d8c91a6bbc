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
	"bytes"
	"fmt"
	"testing"

	"github.com/globaldb/iprotod/internal/proto"
)

func TestEncodeDecodeFrameRoundtrip(t *testing.T) {
	var testv = []struct {
		h    proto.Header
		body proto.Body
	}{
		{proto.Header{Code: proto.PING, Sync: 1}, nil},
		{proto.Header{Code: proto.SELECT, Sync: 2, SchemaVersion: 7}, proto.Body{proto.KeySpaceID: uint32(512)}},
		{proto.Header{Code: proto.OK, Sync: 3}, proto.EncodeOK([]interface{}{"a", int64(1)})},
	}

	for _, tt := range testv {
		raw, err := EncodeFrame(tt.h, tt.body)
		if err != nil {
			t.Fatalf("EncodeFrame(%v): %v", tt.h, err)
		}

		length, lenSz, err := TryReadLength(raw)
		if err != nil {
			t.Fatalf("TryReadLength: %v", err)
		}
		frame := raw[lenSz : lenSz+int(length)]

		dh, err := DecodeHeader(frame)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if dh.Header != tt.h {
			t.Errorf("header roundtrip: got %+v, want %+v", dh.Header, tt.h)
		}

		body, err := DecodeBody(frame[dh.Len:])
		if err != nil {
			t.Fatalf("DecodeBody: %v", err)
		}
		if tt.body == nil {
			if len(body) != 0 {
				t.Errorf("body roundtrip: got %v, want empty", body)
			}
			continue
		}
		for k, v := range tt.body {
			got, ok := body[k]
			if !ok {
				t.Errorf("body roundtrip: missing key %#x", k)
				continue
			}
			if !valuesEqual(got, v) {
				t.Errorf("body roundtrip: key %#x: got %v, want %v", k, got, v)
			}
		}
	}
}

func valuesEqual(a, b interface{}) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok || bok {
		return aok && bok && bytes.Equal(ab, bb)
	}
	// msgpack round-trips integers through whichever width it chooses,
	// so compare via fmt-stable string form instead of exact Go type.
	return sprintVal(a) == sprintVal(b)
}

func sprintVal(v interface{}) string {
	switch n := v.(type) {
	case int:
		return itoa(int64(n))
	case int64:
		return itoa(n)
	case int32:
		return itoa(int64(n))
	case int16:
		return itoa(int64(n))
	case int8:
		return itoa(int64(n))
	case uint:
		return itoa(int64(n))
	case uint64:
		return itoa(int64(n))
	case uint32:
		return itoa(int64(n))
	case uint16:
		return itoa(int64(n))
	case uint8:
		return itoa(int64(n))
	default:
		return fmt.Sprint(v)
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestTryReadLengthTruncated(t *testing.T) {
	var testv = [][]byte{
		{},
		{0xce, 0x00, 0x00}, // uint32 lead, only 2 of 4 length bytes present
	}
	for _, buf := range testv {
		if _, _, err := TryReadLength(buf); err != ErrTruncated {
			t.Errorf("TryReadLength(%x): got %v, want ErrTruncated", buf, err)
		}
	}
}

func TestTryReadLengthInvalidLead(t *testing.T) {
	// 0xc1 is a reserved msgpack byte, never a valid lead for anything.
	buf := []byte{0xc1, 0x00, 0x00}
	if _, _, err := TryReadLength(buf); err != ErrInvalidLength {
		t.Errorf("TryReadLength(0xc1): got %v, want ErrInvalidLength", err)
	}
}
