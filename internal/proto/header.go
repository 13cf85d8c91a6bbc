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

package proto

// Header is the decoded form of a frame's header map (spec.md §6).
//
// Wire key assignment (small integers, msgpack-encoded by package wire):
const (
	KeyCode          = 0x00
	KeySync          = 0x01
	KeySchemaVersion = 0x05
)

// Header carries CODE/SYNC/SCHEMA_VERSION. CODE and SYNC must be present
// in every frame's header map; SCHEMA_VERSION is optional and reads as 0
// when absent.
type Header struct {
	Code          Code
	Sync          uint64
	SchemaVersion uint32
}

// Body wire key assignment. Bodies are decoded into a generic map by
// package wire (the request semantics themselves are out of scope, §1);
// these constants let a Backend pull out the fields it cares about.
const (
	KeySpaceID  = 0x10
	KeyIndexID  = 0x11
	KeyKey      = 0x20
	KeyTuple    = 0x21
	KeyOps      = 0x22
	KeyFunction = 0x28
	KeyExpr     = 0x29
	KeyArgs     = 0x2a
	KeyUsername = 0x2b
	KeyScramble = 0x2c
	KeyData     = 0x30
	KeyError    = 0x31
)

// Body is a frame body decoded into its msgpack map, keyed by the Key*
// constants above. nil for opcodes with no body (PING).
type Body map[uint]interface{}

func (b Body) getString(k uint) (string, bool) {
	v, ok := b[k]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (b Body) getUint32(k uint) (uint32, bool) {
	v, ok := b[k]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint32:
		return n, true
	case uint64:
		return uint32(n), true
	case int64:
		return uint32(n), true
	case int:
		return uint32(n), true
	case uint8:
		return uint32(n), true
	case uint16:
		return uint32(n), true
	case int8:
		return uint32(n), true
	case int16:
		return uint32(n), true
	case int32:
		return uint32(n), true
	case uint:
		return uint32(n), true
	}
	return 0, false
}

func (b Body) getSlice(k uint) ([]interface{}, bool) {
	v, ok := b[k]
	if !ok {
		return nil, false
	}
	s, ok := v.([]interface{})
	return s, ok
}

func (b Body) getBytes(k uint) ([]byte, bool) {
	v, ok := b[k]
	if !ok {
		return nil, false
	}
	s, ok := v.([]byte)
	return s, ok
}

// SpaceID, IndexID, Key, Tuple, Function, Expr, Args, Username and
// Scramble are convenience accessors used by Backend implementations.

func (b Body) SpaceID() (uint32, bool)        { return b.getUint32(KeySpaceID) }
func (b Body) IndexID() (uint32, bool)        { return b.getUint32(KeyIndexID) }
func (b Body) Key() ([]interface{}, bool)     { return b.getSlice(KeyKey) }
func (b Body) Tuple() ([]interface{}, bool)   { return b.getSlice(KeyTuple) }
func (b Body) Ops() ([]interface{}, bool)     { return b.getSlice(KeyOps) }
func (b Body) Function() (string, bool)       { return b.getString(KeyFunction) }
func (b Body) Expr() (string, bool)           { return b.getString(KeyExpr) }
func (b Body) Args() ([]interface{}, bool)    { return b.getSlice(KeyArgs) }
func (b Body) Username() (string, bool)       { return b.getString(KeyUsername) }
func (b Body) Scramble() ([]byte, bool)       { return b.getBytes(KeyScramble) }
