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

import "fmt"

// Error codes carried in a response header's CODE field (via AsError) and
// described in the body's ERROR key as a human-readable message.
const (
	ErrUnknown            uint32 = 0
	ErrInvalidMsgpack      uint32 = 1
	ErrUnknownRequestType  uint32 = 2
	ErrWrongSchemaVersion  uint32 = 3
	ErrMemoryIssue         uint32 = 4
	ErrAccessDenied        uint32 = 42
	ErrNoSuchProcedure     uint32 = 33
	ErrProcLua             uint32 = 32
	ErrAuthFailed          uint32 = 45
	ErrTupleNotFound       uint32 = 13
	ErrTimeout             uint32 = 78
)

// Error is a decoded/encodable protocol error: a code plus the message
// that travels in the body's ERROR key.
type Error struct {
	Code    uint32
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("iproto error %d: %s", e.Code, e.Message)
}

// NewError builds an *Error from errc/message, the canonical way handlers
// (txctx.Backend implementations, §6) report failures.
func NewError(errc uint32, format string, argv ...interface{}) *Error {
	return &Error{Code: errc, Message: fmt.Sprintf(format, argv...)}
}

// ErrWrongSchema builds the WRONG_SCHEMA_VERSION error of spec.md §4.2/§6.
func ErrWrongSchema(got, want uint32) *Error {
	return NewError(ErrWrongSchemaVersion, "schema version mismatch: peer=%d ours=%d", got, want)
}

// AsProtoError unwraps err into an *Error, falling back to ErrUnknown for
// errors the front-end does not otherwise recognize (e.g. bugs in a
// Backend implementation) - every handler error must become a response
// frame (spec.md §7), never escape as a Go panic.
func AsProtoError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: ErrUnknown, Message: err.Error()}
}
