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

package netio

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Acceptor is the NET-context component of spec.md §4.1: it listens on a
// configured endpoint and, for each accepted fd, constructs a Connection,
// synthesizes the CONNECT message, and routes it to TX.
type Acceptor struct {
	listener net.Listener
	throttle *Throttle
	stats    *Stats
	factory  MessageFactory

	ibufMax int
	obufMax int

	// onConnection, if set, is invoked once per accepted Connection right
	// after its CONNECT message has been pushed to NetToTX - cmd/iprotod
	// uses this to hand the Connection off to a txctx.Dispatcher, since
	// Acceptor itself (netio) must not import txctx (SPEC_FULL.md §3).
	onConnection func(*Connection)

	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool
}

// NewAcceptor wraps an already-bound net.Listener. Callers that want the
// listen socket demultiplexed with an HTTP debug endpoint (cmd/iprotod,
// via soheilhy/cmux) pass the matched sub-listener here.
func NewAcceptor(l net.Listener, throttle *Throttle, stats *Stats, factory MessageFactory, ibufMax, obufMax int) *Acceptor {
	return &Acceptor{
		listener: l,
		throttle: throttle,
		stats:    stats,
		factory:  factory,
		ibufMax:  ibufMax,
		obufMax:  obufMax,
		conns:    make(map[*Connection]struct{}),
	}
}

// OnConnection registers fn to run for every accepted Connection. Must be
// called before Serve.
func (a *Acceptor) OnConnection(fn func(*Connection)) {
	a.onConnection = fn
}

// Serve accepts connections until the listener errors or is closed by
// Shutdown. It returns nil once Shutdown has closed the listener, and the
// wrapped accept error otherwise.
func (a *Acceptor) Serve() error {
	for {
		sock, err := a.listener.Accept()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "netio: accept")
		}
		a.handleAccept(sock)
	}
}

func (a *Acceptor) handleAccept(sock net.Conn) {
	conn := NewConnection(sock, a.throttle, a.stats, a.factory, a.ibufMax, a.obufMax)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = sock.Close()
		return
	}
	a.conns[conn] = struct{}{}
	a.mu.Unlock()

	conn.Open(a.factory.NewConnect(conn))

	if a.onConnection != nil {
		a.onConnection(conn)
	}

	go a.untrackOnClose(conn)
}

// untrackOnClose removes conn from the live set once its goroutines exit,
// so Shutdown's drain loop terminates.
func (a *Acceptor) untrackOnClose(conn *Connection) {
	conn.Wait()
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
}

// Shutdown implements the graceful-shutdown SUPPLEMENTED FEATURE of
// SPEC_FULL.md: stop accepting new connections, then wait (bounded by
// ctx) for every currently-open connection to finish draining.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	if err := a.listener.Close(); err != nil {
		return errors.Wrap(err, "netio: close listener")
	}

	for {
		a.mu.Lock()
		n := len(a.conns)
		a.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ActiveConnections reports the number of currently tracked connections,
// for /debug metrics.
func (a *Acceptor) ActiveConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}
