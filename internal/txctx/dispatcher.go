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
	"context"
	"sync"

	"github.com/globaldb/iprotod/internal/netio"
	"github.com/globaldb/iprotod/internal/proto"
	"github.com/globaldb/iprotod/internal/xlog"
)

// Dispatcher is the TX context of spec.md §2: a bounded worker pool (sized
// to MSG_MAX, matching the process-wide admission control Throttle already
// enforces in netio so TX never queues more concurrent work than NET will
// ever admit) that receives Messages from many connections' NetToTX
// channels, dispatches each by opcode, and hands the completed Message back
// on the connection's TxToNET channel in strict per-connection order.
type Dispatcher struct {
	backend       Backend
	schemaVersion uint32
	version       string
	instanceUUID  string

	sem chan struct{}

	mu       sync.Mutex
	sessions map[*netio.Connection]*Session
}

// NewDispatcher builds a Dispatcher. msgMax should match the Throttle the
// same Acceptor uses (netio.DefaultMsgMax if unspecified by configuration).
func NewDispatcher(backend Backend, version, instanceUUID string, schemaVersion uint32, msgMax int) *Dispatcher {
	if msgMax <= 0 {
		msgMax = netio.DefaultMsgMax
	}
	return &Dispatcher{
		backend:       backend,
		schemaVersion: schemaVersion,
		version:       version,
		instanceUUID:  instanceUUID,
		sem:           make(chan struct{}, msgMax),
		sessions:      make(map[*netio.Connection]*Session),
	}
}

// Serve drains conn's NetToTX channel until it closes - which happens
// exactly once, right after the connection's pre-allocated disconnect
// Message is sent (netio.Connection.enqueueDisconnect) - dispatching each
// Message to a bounded worker goroutine and forwarding completions back to
// conn.TxToNET() in the order they were received from NET.
func (d *Dispatcher) Serve(ctx context.Context, conn *netio.Connection) {
	out := newOrderer(conn.TxToNET())

	var seq uint64
	var wg sync.WaitGroup
	for env := range conn.NetToTX() {
		msg, ok := env.(*Message)
		if !ok {
			continue // defensive: only this package's MessageFactory feeds netToTX
		}
		msg.seq = seq
		seq++

		d.sem <- struct{}{}
		wg.Add(1)
		go func(msg *Message) {
			defer wg.Done()
			defer func() { <-d.sem }()
			d.process(ctx, conn, msg)
			out.complete(msg)
		}(msg)
	}
	wg.Wait()
}

func (d *Dispatcher) process(ctx context.Context, conn *netio.Connection, msg *Message) {
	switch msg.kind {
	case netio.KindConnect:
		d.processConnect(ctx, conn, msg)
	case netio.KindDisconnect:
		d.processDisconnect(ctx, conn, msg)
	default:
		d.processRequest(ctx, conn, msg)
	}
}

func (d *Dispatcher) processConnect(ctx context.Context, conn *netio.Connection, msg *Message) {
	sess, err := newSession(conn)
	if err != nil {
		xlog.Errorf(ctx, "txctx: allocate session: %s", err)
		conn.Close(err)
		return
	}

	d.mu.Lock()
	d.sessions[conn] = sess
	d.mu.Unlock()

	if err := d.backend.OnConnect(ctx, sess); err != nil {
		// spec.md §7: an on-connect hook rejection closes the connection
		// without sending a greeting; netFinishLoop's KindConnect branch
		// still runs (appendResponse is a no-op with nil bytes, armRead is
		// harmless once closed is set - Close is idempotent).
		xlog.Warningf(ctx, "txctx: connection rejected: %s", err)
		conn.Close(err)
		return
	}

	g := proto.Greeting{Version: d.version, InstanceUUID: d.instanceUUID, Salt: sess.Salt}
	greeting := g.Encode()
	msg.setResponse(greeting[:])
}

func (d *Dispatcher) processDisconnect(ctx context.Context, conn *netio.Connection, msg *Message) {
	d.mu.Lock()
	sess := d.sessions[conn]
	delete(d.sessions, conn)
	d.mu.Unlock()

	if sess != nil {
		d.backend.OnDisconnect(ctx, sess)
	}
}

func (d *Dispatcher) processRequest(ctx context.Context, conn *netio.Connection, msg *Message) {
	d.mu.Lock()
	sess := d.sessions[conn]
	d.mu.Unlock()
	if sess == nil {
		// Can only happen if a request arrives after OnConnect rejected
		// the connection but before NET observed the close; drop it
		// silently, the connection is already being torn down.
		return
	}

	// spec.md §6: SCHEMA_VERSION == 0 means "don't check".
	if msg.Header.SchemaVersion != 0 && msg.Header.SchemaVersion != d.schemaVersion {
		frame, kind, err := encodeErr(msg.Header, proto.ErrWrongSchema(msg.Header.SchemaVersion, d.schemaVersion))
		if err != nil {
			xlog.Errorf(ctx, "txctx: encode WRONG_SCHEMA_VERSION: %s", err)
			return
		}
		msg.kind = kind
		msg.setResponse(frame)
		return
	}

	frame, kind, err := dispatch(ctx, d.backend, sess, msg.Header, msg.Body, msg.RawBody, conn.RawConn())
	if err != nil {
		// A RawConn write failure inside ProcessJoin/ProcessSubscribe, or
		// an EncodeFrame failure: either way the connection cannot be
		// trusted to carry more framed traffic (spec.md §7).
		xlog.Errorf(ctx, "txctx: %s: %s", msg.Header.Code, err)
		conn.Close(err)
		return
	}

	msg.kind = kind
	msg.setResponse(frame)
}
