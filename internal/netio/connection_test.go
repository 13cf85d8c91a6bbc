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
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/globaldb/iprotod/internal/proto"
	"github.com/globaldb/iprotod/internal/wire"
)

// echoEnvelope is a minimal Envelope used to drive Connection end-to-end
// without pulling in package txctx (which would make this an integration
// test across the netio/txctx boundary rather than a netio unit test).
type echoEnvelope struct {
	ibufIdx int
	nbytes  int
	kind    EnvelopeKind
	resp    []byte
}

func (e *echoEnvelope) IBufIndex() int        { return e.ibufIdx }
func (e *echoEnvelope) OBufIndex() int        { return e.ibufIdx }
func (e *echoEnvelope) Len() int              { return e.nbytes }
func (e *echoEnvelope) Kind() EnvelopeKind    { return e.kind }
func (e *echoEnvelope) ResponseBytes() []byte { return e.resp }

type echoFactory struct{}

func (echoFactory) NewMessage(conn *Connection, ibufIdx int, step wire.Step) Envelope {
	return &echoEnvelope{ibufIdx: ibufIdx, nbytes: step.Consumed, kind: KindNormal}
}
func (echoFactory) NewConnect(conn *Connection) Envelope {
	return &echoEnvelope{kind: KindConnect}
}
func (echoFactory) NewDisconnect(conn *Connection) Envelope {
	return &echoEnvelope{kind: KindDisconnect}
}
func (echoFactory) EncodeInlineError(sync uint64, err error) []byte { return nil }

func pingFrame(t *testing.T, sync uint64) []byte {
	t.Helper()
	frame, err := wire.EncodeFrame(proto.Header{Code: proto.PING, Sync: sync}, nil)
	require.NoError(t, err)
	return frame
}

// runEchoTX is a stand-in TX context: it bounces every normal request back
// to NET with a fixed PING-OK response, simulating the simplest possible
// Backend so Connection's own machinery (rotation, throttle, close) can be
// exercised without package txctx.
func runEchoTX(conn *Connection) {
	go func() {
		for env := range conn.NetToTX() {
			e := env.(*echoEnvelope)
			if e.kind == KindNormal {
				e.resp, _ = wire.EncodeFrame(proto.Header{Code: proto.OK}, nil)
			}
			conn.TxToNET() <- e
		}
	}()
}

func TestConnectionPingRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	throttle := NewThrottle(DefaultMsgMax)
	stats := &Stats{}
	conn := NewConnection(serverConn, throttle, stats, echoFactory{}, 4096, 4096)
	runEchoTX(conn)
	conn.Open(echoFactory{}.NewConnect(conn))

	req := pingFrame(t, 1)
	resp, _ := wire.EncodeFrame(proto.Header{Code: proto.OK}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := clientConn.Write(req)
		require.NoError(t, err)

		buf := make([]byte, len(resp))
		_, err = io.ReadFull(clientConn, buf)
		require.NoError(t, err)
		require.Equal(t, resp, buf)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo response")
	}

	require.Equal(t, uint64(1), stats.RequestCount(proto.PING))
	require.Equal(t, uint64(0), stats.RequestCount(proto.SELECT))
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	_, serverConn := net.Pipe()
	throttle := NewThrottle(DefaultMsgMax)
	stats := &Stats{}
	conn := NewConnection(serverConn, throttle, stats, echoFactory{}, 4096, 4096)
	runEchoTX(conn)
	conn.Open(echoFactory{}.NewConnect(conn))

	conn.Close(nil)
	conn.Close(nil) // must not panic or double-close channels

	select {
	case <-conn.done:
	case <-time.After(time.Second):
		t.Fatal("done channel never closed")
	}
}
