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

package sqlitebackend

import (
	"sync"

	"github.com/pkg/errors"

	sqlite3 "github.com/gwenn/gosqlite"
)

// connPool is a pool of *sqlite3.Conn, adapted from neo/storage/sqlite's
// connPool: operated as a stack under a mutex, growing on demand via
// factory rather than pre-sizing, since sqlite3.Conn is not safe for
// concurrent use by multiple goroutines.
type connPool struct {
	factory func() (*sqlite3.Conn, error) // nil once closed

	mu    sync.Mutex
	connv []*sqlite3.Conn
}

func newConnPool(factory func() (*sqlite3.Conn, error)) *connPool {
	return &connPool{factory: factory}
}

// Close closes the pool and every connection currently sitting in it.
// Connections checked out at the time of Close are the caller's
// responsibility (getConn/putConn pairs should already have returned them).
func (p *connPool) Close() error {
	p.mu.Lock()
	connv := p.connv
	p.connv = nil
	p.factory = nil
	p.mu.Unlock()

	var firstErr error
	for _, conn := range connv {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var errClosedPool = errors.New("sqlitebackend: getConn on closed pool")

// getConn returns a connection from the pool, or a freshly created one if
// the pool was empty.
func (p *connPool) getConn() (*sqlite3.Conn, error) {
	p.mu.Lock()
	factory := p.factory
	var conn *sqlite3.Conn
	if factory == nil {
		p.mu.Unlock()
		return nil, errClosedPool
	}
	if l := len(p.connv); l > 0 {
		l--
		conn = p.connv[l]
		p.connv[l] = nil
		p.connv = p.connv[:l]
	}
	p.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	return factory()
}

// putConn returns conn to the pool. Callers must not use conn after this.
func (p *connPool) putConn(conn *sqlite3.Conn) {
	p.mu.Lock()
	if p.factory != nil {
		p.connv = append(p.connv, conn)
	} else {
		// pool closed while conn was checked out - close it ourselves
		// rather than leaking the handle.
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.mu.Unlock()
}
