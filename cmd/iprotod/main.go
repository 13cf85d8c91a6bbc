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

// Command iprotod runs the iproto request-protocol front-end: it listens on
// one TCP endpoint, demultiplexes the binary wire protocol (spec.md §4.2)
// from an HTTP /debug/pprof endpoint sharing the same socket, and serves
// DML/SELECT/CALL/EVAL/AUTH/JOIN/SUBSCRIBE requests against a SQLite-backed
// txctx.Backend - grounded on neo/cmd/neo/misc.go's listenAndServe (cmux +
// errgroup demuxing a custom binary protocol from HTTP on one listen
// socket), adapted to internal/xlog instead of the teacher's log package and
// plain net.Listen instead of the dropped lab.nexedi.com/kirr/go123/xnet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"

	"github.com/globaldb/iprotod/internal/netio"
	"github.com/globaldb/iprotod/internal/txbackend/sqlitebackend"
	"github.com/globaldb/iprotod/internal/txctx"
	"github.com/globaldb/iprotod/internal/wire"
	"github.com/globaldb/iprotod/internal/xlog"
)

func main() {
	if err := run(); err != nil {
		xlog.Errorf(context.Background(), "iprotod: %s", err)
		xlog.Flush()
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr   = flag.String("listen", "127.0.0.1:3301", "address to listen on for iproto and /debug/pprof")
		dbPath       = flag.String("db", "iprotod.sqlite", "path to the SQLite database backing this instance (':memory:' for an ephemeral store)")
		version      = flag.String("version", "1.0.0", "server version string sent in the greeting")
		instanceUUID = flag.String("instance-uuid", "00000000-0000-0000-0000-000000000000", "instance UUID sent in the greeting")
		schemaVer    = flag.Uint("schema-version", 0, "server SCHEMA_VERSION; a request whose non-zero SCHEMA_VERSION differs gets WRONG_SCHEMA_VERSION (spec.md §6)")
		msgMax       = flag.Int("msg-max", netio.DefaultMsgMax, "MSG_MAX: admission-control threshold and TX worker pool size")
		ibufMax      = flag.Int("ibuf-max", 16<<20, "maximum size in bytes of one connection's input buffer")
		obufMax      = flag.Int("obuf-max", 16<<20, "maximum size in bytes of one connection's output buffer")
		shutdownWait = flag.Duration("shutdown-timeout", 10*time.Second, "how long to wait for connections to drain on SIGINT/SIGTERM")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := sqlitebackend.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close()

	throttle := netio.NewThrottle(*msgMax)
	stats := &netio.Stats{}
	dispatcher := txctx.NewDispatcher(backend, *version, *instanceUUID, uint32(*schemaVer), *msgMax)

	l, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	xlog.Infof(ctx, "iprotod: listening at %s", l.Addr())

	http.Handle("/debug/stats", stats)

	mux := cmux.New(l)
	protoL := mux.Match(iprotoMatch)
	httpL := mux.Match(cmux.HTTP1(), cmux.HTTP2())
	miscL := mux.Match(cmux.Any())

	acceptor := netio.NewAcceptor(protoL, throttle, stats, txctx.Factory{}, *ibufMax, *obufMax)
	acceptor.OnConnection(func(conn *netio.Connection) {
		go dispatcher.Serve(ctx, conn)
	})

	wg, _ := errgroup.WithContext(ctx)

	wg.Go(func() error {
		if err := mux.Serve(); err != nil && !isUseOfClosed(err) {
			return fmt.Errorf("cmux: %w", err)
		}
		return nil
	})

	wg.Go(func() error {
		if err := acceptor.Serve(); err != nil {
			return fmt.Errorf("iproto accept: %w", err)
		}
		return nil
	})

	wg.Go(func() error {
		if err := http.Serve(httpL, nil); err != nil && !isUseOfClosed(err) {
			return fmt.Errorf("debug http: %w", err)
		}
		return nil
	})

	wg.Go(func() error {
		return rejectStrangers(miscL)
	})

	<-ctx.Done()
	xlog.Infof(context.Background(), "iprotod: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownWait)
	defer cancel()
	if err := acceptor.Shutdown(shutdownCtx); err != nil {
		xlog.Warningf(context.Background(), "iprotod: connections did not drain cleanly: %s", err)
	}
	_ = l.Close()

	if err := wg.Wait(); err != nil && !isUseOfClosed(err) {
		return err
	}
	return nil
}

// iprotoMatch reports whether the connection's first byte can start a
// packed-uint length prefix (spec.md §4.2 step 1) - the cmux matcher that
// routes binary iproto traffic away from the HTTP debug listener sharing
// the same socket.
func iprotoMatch(r io.Reader) bool {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false
	}
	return wire.IsFrameLead(b[0])
}

// rejectStrangers logs and closes connections that matched neither the
// iproto nor the HTTP listener - mirrors neo/cmd/neo/misc.go's cmux.Any()
// branch.
func rejectStrangers(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if isUseOfClosed(err) {
				return nil
			}
			return err
		}

		b := make([]byte, 256)
		n, _ := conn.Read(b)
		if n > 0 {
			xlog.Infof(context.Background(), "iprotod: strange connection from %s: peer sent %q", conn.RemoteAddr(), b[:n])
		} else {
			xlog.Infof(context.Background(), "iprotod: strange connection from %s: peer sent nothing", conn.RemoteAddr())
		}
		conn.Close()
	}
}

// isUseOfClosed reports whether err is the expected consequence of closing
// the listener during shutdown - net.ErrClosed for net.Listener.Accept, or
// cmux's own "listener closed" error for mux.Serve/http.Serve on a
// cmux-matched sub-listener.
func isUseOfClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "listener closed")
}
