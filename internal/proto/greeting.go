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

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
)

// GreetingLen is the fixed size of the greeting block sent on every new
// connection before any request is accepted (spec.md §4.8, §6).
const GreetingLen = 128

const saltRawLen = 32

// line1 holds "<version> <instance-uuid>\n", line2 holds the base64 salt
// followed by "\n" and zero padding to fill out GreetingLen.
const line1Len = 64

// Greeting is the decoded form of the 128-byte handshake preamble.
type Greeting struct {
	Version      string
	InstanceUUID string
	Salt         [saltRawLen]byte
}

// NewSalt generates a fresh per-session authentication challenge. Salt
// generation proper - and verifying a scramble against it - belongs to the
// authentication subsystem (out of scope, §1); this just fills the bytes.
func NewSalt() ([saltRawLen]byte, error) {
	var salt [saltRawLen]byte
	_, err := rand.Read(salt[:])
	if err != nil {
		return salt, errors.Wrap(err, "greeting: generate salt")
	}
	return salt, nil
}

// Encode renders g into a GreetingLen-byte block.
func (g *Greeting) Encode() [GreetingLen]byte {
	var out [GreetingLen]byte

	l1 := fmt.Sprintf("%s %s", g.Version, g.InstanceUUID)
	if len(l1) > line1Len-1 {
		l1 = l1[:line1Len-1]
	}
	copy(out[:], l1)
	out[len(l1)] = '\n'

	saltB64 := base64.StdEncoding.EncodeToString(g.Salt[:])
	copy(out[line1Len:], saltB64)
	out[line1Len+len(saltB64)] = '\n'

	return out
}

// DecodeGreeting parses a GreetingLen-byte block as produced by Encode.
func DecodeGreeting(buf []byte) (*Greeting, error) {
	if len(buf) < GreetingLen {
		return nil, errors.New("greeting: short buffer")
	}

	l1 := trimNUL(buf[:line1Len])
	var version, uuid string
	n, _ := fmt.Sscanf(string(l1), "%s %s", &version, &uuid)
	if n < 1 {
		return nil, errors.New("greeting: malformed first line")
	}

	l2 := trimNUL(buf[line1Len:GreetingLen])
	salt, err := base64.StdEncoding.DecodeString(string(l2))
	if err != nil {
		return nil, errors.Wrap(err, "greeting: decode salt")
	}

	g := &Greeting{Version: version, InstanceUUID: uuid}
	n = copy(g.Salt[:], salt)
	if n != saltRawLen {
		return nil, errors.New("greeting: bad salt length")
	}
	return g, nil
}

func trimNUL(b []byte) []byte {
	for i, c := range b {
		if c == '\n' || c == 0 {
			return b[:i]
		}
	}
	return b
}
