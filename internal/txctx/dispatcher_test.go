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
	"net"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/globaldb/iprotod/internal/netio"
	"github.com/globaldb/iprotod/internal/proto"
)

// stubBackend implements Backend with canned answers, enough to exercise
// Dispatcher's routing without a real storage engine.
type stubBackend struct {
	connected    chan struct{}
	disconnected chan struct{}
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		connected:    make(chan struct{}, 1),
		disconnected: make(chan struct{}, 1),
	}
}

func (b *stubBackend) ProcessDML(ctx context.Context, sess *Session, req *proto.DMLRequest) (*proto.Tuple, error) {
	return nil, nil
}
func (b *stubBackend) ProcessSelect(ctx context.Context, sess *Session, req *proto.SelectRequest) (*proto.SelectResult, error) {
	return &proto.SelectResult{Data: []proto.Tuple{{"a", "b"}}}, nil
}
func (b *stubBackend) ProcessCall(ctx context.Context, sess *Session, req *proto.CallRequest) (*proto.CallResult, error) {
	return &proto.CallResult{Data: []interface{}{req.Function}}, nil
}
func (b *stubBackend) ProcessEval(ctx context.Context, sess *Session, req *proto.EvalRequest) (*proto.CallResult, error) {
	return &proto.CallResult{}, nil
}
func (b *stubBackend) ProcessAuth(ctx context.Context, sess *Session, req *proto.AuthRequest) error {
	if req.Username == "" {
		return proto.NewError(proto.ErrAuthFailed, "no username")
	}
	return nil
}
func (b *stubBackend) ProcessJoin(ctx context.Context, sess *Session, conn netio.RawConn, hdr *proto.Header) error {
	return nil
}
func (b *stubBackend) ProcessSubscribe(ctx context.Context, sess *Session, conn netio.RawConn, hdr *proto.Header) error {
	return nil
}
func (b *stubBackend) OnConnect(ctx context.Context, sess *Session) error {
	b.connected <- struct{}{}
	return nil
}
func (b *stubBackend) OnDisconnect(ctx context.Context, sess *Session) {
	b.disconnected <- struct{}{}
}

func newTestConnection(t *testing.T) (*netio.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	throttle := netio.NewThrottle(netio.DefaultMsgMax)
	stats := &netio.Stats{}
	conn := netio.NewConnection(server, throttle, stats, Factory{}, 4096, 4096)
	return conn, client
}

func TestDispatcherConnectAndDisconnect(t *testing.T) {
	backend := newStubBackend()
	d := NewDispatcher(backend, "1.0", "test-uuid", 1, 4)

	conn, client := newTestConnection(t)
	defer client.Close()

	ctx := context.Background()
	go d.Serve(ctx, conn)
	conn.Open(Factory{}.NewConnect(conn))

	select {
	case <-backend.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect never called")
	}

	greeting := make([]byte, proto.GreetingLen)
	_, err := readFull(client, greeting)
	require.NoError(t, err)
	g, err := proto.DecodeGreeting(greeting)
	require.NoError(t, err)

	want := &proto.Greeting{Version: "1.0", InstanceUUID: "test-uuid", Salt: g.Salt}
	if diff := pretty.Compare(want, g); diff != "" {
		t.Errorf("greeting mismatch:\n%s", diff)
	}

	conn.Close(nil)
	select {
	case <-backend.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect never called")
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
