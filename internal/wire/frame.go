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

// Package wire implements the on-the-wire framing of spec.md §4.2 and §6:
//
//	<length:packed-uint> <header:map> <body:map?>
//
// Decoding the length prefix and the header map is done with
// github.com/tinylib/msgp's byte-level helpers, which read/write directly
// against a []byte slice without an intermediate io.Reader - exactly the
// zero-copy operation the decoder needs to run against a connection's
// ibuf tail (spec.md §4.2). Body maps, which are free-form and opaque to
// this front-end, are encoded/decoded with github.com/shamaton/msgpack.
package wire

import (
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"
	"github.com/tinylib/msgp/msgp"

	"github.com/globaldb/iprotod/internal/proto"
)

// ErrTruncated is returned (unwrapped, so callers may compare with ==) by
// TryReadLength when buf does not yet hold enough bytes - the caller must wait for more data from
// the socket, not close the connection (spec.md §4.2 steps 2-3).
var ErrTruncated = errors.New("wire: truncated")

// ErrInvalidLength is returned when the leading byte(s) of buf do not
// encode a msgpack unsigned integer - spec.md §4.2 step 1 / §8 scenario 3.
var ErrInvalidLength = errors.New("wire: packet length is not a valid msgpack uint")

// TryReadLength decodes the packed-uint length prefix at the start of buf.
//
// On success it returns the decoded length and the number of bytes the
// prefix itself occupied. If buf is too short to tell, it returns
// ErrTruncated. If the leading byte cannot start a msgpack uint at all
// (e.g. 0xc1, which is reserved and never valid), it returns
// ErrInvalidLength, matching INVALID_MSGPACK("packet length").
func TryReadLength(buf []byte) (length uint64, consumed int, err error) {
	if len(buf) == 0 {
		return 0, 0, ErrTruncated
	}
	if !isUintLead(buf[0]) {
		return 0, 0, ErrInvalidLength
	}

	n, rest, err := msgp.ReadUint64Bytes(buf)
	if err != nil {
		if errors.Is(err, msgp.ErrShortBytes) {
			return 0, 0, ErrTruncated
		}
		return 0, 0, errors.Wrap(ErrInvalidLength, err.Error())
	}
	return n, len(buf) - len(rest), nil
}

// IsFrameLead reports whether b can start a valid iproto frame's length
// prefix - used by cmd/iprotod to demux the binary protocol port from other
// traffic (e.g. HTTP) sharing the same listen socket via cmux.
func IsFrameLead(b byte) bool { return isUintLead(b) }

// isUintLead reports whether b can start a length prefix: positive fixint,
// one of uint8/16/32/64, or one of the signed int8/16/32/64 leads.
func isUintLead(b byte) bool {
	switch {
	case b <= 0x7f: // positive fixint
		return true
	case b == 0xcc, b == 0xd0: // uint8, int8 (tarantool accepts int8 lead for small lengths too)
		return true
	case b == 0xcd, b == 0xd1: // uint16, int16
		return true
	case b == 0xce, b == 0xd2: // uint32, int32
		return true
	case b == 0xcf, b == 0xd3: // uint64, int64
		return true
	default:
		return false
	}
}

// Frame is a fully-sliced, not-yet-decoded request or response: the bytes
// right after the length prefix, of exactly the declared length.
type Frame struct {
	Raw []byte
}

// DecodedHeader is proto.Header plus the number of bytes it occupied in
// Frame.Raw, so the caller can locate where the body starts.
type DecodedHeader struct {
	proto.Header
	Len int
}

// DecodeHeader decodes the header map at the start of raw.
func DecodeHeader(raw []byte) (DecodedHeader, error) {
	sz, rest, err := msgp.ReadMapHeaderBytes(raw)
	if err != nil {
		return DecodedHeader{}, errors.Wrap(err, "wire: decode header map")
	}

	var h proto.Header
	haveCode, haveSync := false, false
	for i := uint32(0); i < sz; i++ {
		var key uint64
		key, rest, err = msgp.ReadUint64Bytes(rest)
		if err != nil {
			return DecodedHeader{}, errors.Wrap(err, "wire: decode header key")
		}

		switch key {
		case proto.KeyCode:
			var v uint64
			v, rest, err = msgp.ReadUint64Bytes(rest)
			if err != nil {
				return DecodedHeader{}, errors.Wrap(err, "wire: decode header CODE")
			}
			h.Code = proto.Code(v)
			haveCode = true

		case proto.KeySync:
			h.Sync, rest, err = msgp.ReadUint64Bytes(rest)
			if err != nil {
				return DecodedHeader{}, errors.Wrap(err, "wire: decode header SYNC")
			}
			haveSync = true

		case proto.KeySchemaVersion:
			var v uint64
			v, rest, err = msgp.ReadUint64Bytes(rest)
			if err != nil {
				return DecodedHeader{}, errors.Wrap(err, "wire: decode header SCHEMA_VERSION")
			}
			h.SchemaVersion = uint32(v)

		default:
			// unknown header key - skip its value and ignore it,
			// forward-compatibility with future keys.
			rest, err = msgp.Skip(rest)
			if err != nil {
				return DecodedHeader{}, errors.Wrap(err, "wire: skip unknown header key")
			}
		}
	}

	if !haveCode || !haveSync {
		return DecodedHeader{}, errors.New("wire: header missing CODE or SYNC")
	}

	return DecodedHeader{Header: h, Len: len(raw) - len(rest)}, nil
}

// DecodeBody decodes a body map into a generic proto.Body. Returns (nil,
// nil) if raw is empty (opcodes such as PING carry no body).
func DecodeBody(raw []byte) (proto.Body, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var m map[uint]interface{}
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "wire: decode body map")
	}
	return proto.Body(m), nil
}

// EncodeHeader appends h's map encoding to dst.
func EncodeHeader(dst []byte, h proto.Header) []byte {
	dst = msgp.AppendMapHeader(dst, 3)
	dst = msgp.AppendUint64(dst, proto.KeyCode)
	dst = msgp.AppendUint64(dst, uint64(h.Code))
	dst = msgp.AppendUint64(dst, proto.KeySync)
	dst = msgp.AppendUint64(dst, h.Sync)
	dst = msgp.AppendUint64(dst, proto.KeySchemaVersion)
	dst = msgp.AppendUint64(dst, uint64(h.SchemaVersion))
	return dst
}

// EncodeBody appends body's map encoding to dst. A nil body encodes as
// nothing (not even an empty map) - callers that need an explicit empty
// body must pass proto.Body{}.
func EncodeBody(dst []byte, body proto.Body) ([]byte, error) {
	if body == nil {
		return dst, nil
	}
	b, err := msgpack.Marshal(map[uint]interface{}(body))
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode body map")
	}
	return append(dst, b...), nil
}

// EncodeFrame renders a full length-prefixed frame: header followed by an
// optional body.
func EncodeFrame(h proto.Header, body proto.Body) ([]byte, error) {
	payload := EncodeHeader(nil, h)
	payload, err := EncodeBody(payload, body)
	if err != nil {
		return nil, err
	}

	out := msgp.AppendUint64(nil, uint64(len(payload)))
	out = append(out, payload...)
	return out, nil
}
