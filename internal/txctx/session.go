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

package txctx

import (
	"sync"

	"github.com/globaldb/iprotod/internal/netio"
	"github.com/globaldb/iprotod/internal/proto"
)

// Session is the per-connection state TX keeps across requests (spec.md
// §4.8): the handshake salt handed out in the greeting, and whatever a
// Backend's ProcessAuth stashes once authentication succeeds. It holds no
// buffer state of its own; Conn points back at the connection it belongs
// to (Backends use it for RawConn().RemoteAddr()).
type Session struct {
	Conn *netio.Connection
	Salt [32]byte

	mu       sync.Mutex
	authData interface{}
}

// SetAuthData lets Backend.ProcessAuth record whatever it needs to
// authorize subsequent requests on this session (e.g. a username).
func (s *Session) SetAuthData(v interface{}) {
	s.mu.Lock()
	s.authData = v
	s.mu.Unlock()
}

// AuthData returns the value last passed to SetAuthData, or nil.
func (s *Session) AuthData() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authData
}

// newSession allocates a Session and its handshake salt for a freshly
// accepted connection (spec.md §4.1/§4.8).
func newSession(conn *netio.Connection) (*Session, error) {
	salt, err := proto.NewSalt()
	if err != nil {
		return nil, err
	}
	return &Session{Conn: conn, Salt: salt}, nil
}
