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

// Tuple is one row of a SELECT/DML result.
type Tuple []interface{}

// SelectResult is what ProcessSelect returns on success - its Data becomes
// the response body's DATA array (spec.md §6).
type SelectResult struct {
	Data []Tuple
}

// CallResult is what ProcessCall/ProcessEval return on success.
type CallResult struct {
	Data []interface{}
}

// EncodeOK builds the body map for a successful response.
func EncodeOK(data []interface{}) Body {
	if data == nil {
		data = []interface{}{}
	}
	return Body{KeyData: data}
}

// EncodeSelect builds the body map for a successful SELECT response.
func EncodeSelect(res *SelectResult) Body {
	data := make([]interface{}, len(res.Data))
	for i, t := range res.Data {
		data[i] = []interface{}(t)
	}
	return Body{KeyData: data}
}

// EncodeError builds the body map for an error response.
func EncodeError(e *Error) Body {
	return Body{KeyError: e.Message}
}

// DMLRequest is the decoded body of an INSERT/REPLACE/UPDATE/DELETE/UPSERT
// request, pulled from a raw Body by txctx's dispatch before calling Backend.
type DMLRequest struct {
	Code    Code
	SpaceID uint32
	IndexID uint32
	Key     []interface{}
	Tuple   []interface{}
	Ops     []interface{}
}

// SelectRequest is the decoded body of a SELECT request.
type SelectRequest struct {
	SpaceID uint32
	IndexID uint32
	Key     []interface{}
}

// CallRequest is the decoded body of a CALL/CALL_16 request.
type CallRequest struct {
	Function string
	Args     []interface{}
}

// EvalRequest is the decoded body of an EVAL request.
type EvalRequest struct {
	Expr string
	Args []interface{}
}

// AuthRequest is the decoded body of an AUTH request.
type AuthRequest struct {
	Username string
	Scramble []byte
}
