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

// Package sqlitebackend is a demo/integration txctx.Backend that executes
// DML and SELECT requests against a real SQLite database, grounded on
// neo/storage/sqlite's connection-pooled design (pool.go) but storing
// generic opaque tuples instead of NEO's ZODB schema, since this front-end
// (unlike the teacher) does not interpret space/tuple semantics beyond
// spec.md §6's SPACE_ID/INDEX_ID/KEY/TUPLE wire fields.
package sqlitebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	sqlite3 "github.com/gwenn/gosqlite"

	"github.com/globaldb/iprotod/internal/netio"
	"github.com/globaldb/iprotod/internal/proto"
	"github.com/globaldb/iprotod/internal/txctx"
	"github.com/globaldb/iprotod/internal/wire"
	"github.com/globaldb/iprotod/internal/xlog"
)

// Backend stores each space as its own SQLite table "space_<id>" with a
// JSON-encoded key as primary key and a JSON-encoded tuple as the value -
// adequate for the demo/integration role this backend plays (SPEC_FULL.md
// DOMAIN STACK), not a claim about wire-format fidelity, which is out of
// scope for this front-end (spec.md §1).
type Backend struct {
	pool *connPool

	mu   sync.Mutex
	seen map[uint32]bool // spaces whose table has already been created
}

var _ txctx.Backend = (*Backend)(nil)

// Open opens (and, if necessary, creates) the SQLite database at path,
// verifying connectivity the way neo/storage/sqlite's openURL does with a
// ping before returning - here, a prepared connection is immediately
// stored back into the pool instead of immediately dropped.
func Open(path string) (*Backend, error) {
	factory := func() (*sqlite3.Conn, error) {
		conn, err := sqlite3.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: open")
		}
		return conn, nil
	}

	conn, err := factory()
	if err != nil {
		return nil, err
	}

	b := &Backend{pool: newConnPool(factory), seen: make(map[uint32]bool)}
	b.pool.putConn(conn)
	return b, nil
}

// Close releases every pooled connection.
func (b *Backend) Close() error { return b.pool.Close() }

func spaceTable(spaceID uint32) string {
	return fmt.Sprintf("space_%d", spaceID)
}

func (b *Backend) ensureSpace(conn *sqlite3.Conn, spaceID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen[spaceID] {
		return nil
	}
	table := spaceTable(spaceID)
	err := conn.Exec("CREATE TABLE IF NOT EXISTS " + table + " (k BLOB PRIMARY KEY, tuple BLOB NOT NULL)")
	if err != nil {
		return errors.Wrapf(err, "sqlitebackend: create table for space %d", spaceID)
	}
	b.seen[spaceID] = true
	return nil
}

func encodeKey(key []interface{}) ([]byte, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return nil, errors.Wrap(err, "sqlitebackend: encode key")
	}
	return b, nil
}

func (b *Backend) ProcessSelect(ctx context.Context, sess *txctx.Session, req *proto.SelectRequest) (*proto.SelectResult, error) {
	conn, err := b.pool.getConn()
	if err != nil {
		return nil, err
	}
	defer b.pool.putConn(conn)

	if err := b.ensureSpace(conn, req.SpaceID); err != nil {
		return nil, err
	}

	keyBlob, err := encodeKey(req.Key)
	if err != nil {
		return nil, err
	}

	stmt, err := conn.Prepare("SELECT tuple FROM "+spaceTable(req.SpaceID)+" WHERE k = ?", keyBlob)
	if err != nil {
		return nil, errors.Wrap(err, "sqlitebackend: prepare select")
	}
	defer stmt.Finalize()

	var result proto.SelectResult
	for {
		hasRow, err := stmt.Next()
		if err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: select")
		}
		if !hasRow {
			break
		}
		var tupleBlob []byte
		if err := stmt.Scan(&tupleBlob); err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: scan tuple")
		}
		var tuple proto.Tuple
		if err := json.Unmarshal(tupleBlob, &tuple); err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: decode tuple")
		}
		result.Data = append(result.Data, tuple)
	}
	return &result, nil
}

func (b *Backend) ProcessDML(ctx context.Context, sess *txctx.Session, req *proto.DMLRequest) (*proto.Tuple, error) {
	conn, err := b.pool.getConn()
	if err != nil {
		return nil, err
	}
	defer b.pool.putConn(conn)

	if err := b.ensureSpace(conn, req.SpaceID); err != nil {
		return nil, err
	}

	table := spaceTable(req.SpaceID)
	keyBlob, err := encodeKey(req.Key)
	if err != nil {
		return nil, err
	}

	switch req.Code {
	case proto.DELETE:
		if err := conn.Exec("DELETE FROM "+table+" WHERE k = ?", keyBlob); err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: delete")
		}
		return nil, nil

	case proto.INSERT, proto.REPLACE, proto.UPSERT:
		tupleBlob, err := json.Marshal(req.Tuple)
		if err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: encode tuple")
		}
		if err := conn.Exec("INSERT OR REPLACE INTO "+table+" (k, tuple) VALUES (?, ?)", keyBlob, tupleBlob); err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: insert")
		}
		tuple := proto.Tuple(req.Tuple)
		return &tuple, nil

	case proto.UPDATE:
		// Demo backend treats UPDATE as a full-tuple replace using the
		// request's Ops list verbatim as the new tuple - update operator
		// semantics ([+/-/=, field, value], spec.md §1 Non-goals) are not
		// interpreted here.
		tupleBlob, err := json.Marshal(req.Ops)
		if err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: encode tuple")
		}
		if err := conn.Exec("UPDATE "+table+" SET tuple = ? WHERE k = ?", tupleBlob, keyBlob); err != nil {
			return nil, errors.Wrap(err, "sqlitebackend: update")
		}
		tuple := proto.Tuple(req.Ops)
		return &tuple, nil

	default:
		return nil, proto.NewError(proto.ErrUnknown, "sqlitebackend: unsupported DML opcode %s", req.Code)
	}
}

func (b *Backend) ProcessCall(ctx context.Context, sess *txctx.Session, req *proto.CallRequest) (*proto.CallResult, error) {
	return nil, proto.NewError(proto.ErrNoSuchProcedure, "sqlitebackend: stored procedures are not supported")
}

func (b *Backend) ProcessEval(ctx context.Context, sess *txctx.Session, req *proto.EvalRequest) (*proto.CallResult, error) {
	return nil, proto.NewError(proto.ErrNoSuchProcedure, "sqlitebackend: eval is not supported")
}

// ProcessAuth accepts any non-empty username - the demo backend carries no
// user/password table of its own. A real deployment plugs a Backend that
// checks req.Scramble against the session's salt here.
func (b *Backend) ProcessAuth(ctx context.Context, sess *txctx.Session, req *proto.AuthRequest) error {
	if req.Username == "" {
		return proto.NewError(proto.ErrAuthFailed, "sqlitebackend: empty username")
	}
	sess.SetAuthData(req.Username)
	return nil
}

// ProcessJoin/ProcessSubscribe: the demo backend has no replication feed to
// offer. It answers with one error frame over the handed-over socket
// (SPEC_FULL.md's IPROTO_CHUNK supplement) rather than closing the
// connection outright, then returns - the NET hop (netio.Connection.EndStream)
// resumes ordinary framed reads right after.
func (b *Backend) ProcessJoin(ctx context.Context, sess *txctx.Session, conn netio.RawConn, hdr *proto.Header) error {
	return writeUnsupportedChunk(conn, hdr.Sync, "sqlitebackend: JOIN is not supported")
}

func (b *Backend) ProcessSubscribe(ctx context.Context, sess *txctx.Session, conn netio.RawConn, hdr *proto.Header) error {
	return writeUnsupportedChunk(conn, hdr.Sync, "sqlitebackend: SUBSCRIBE is not supported")
}

func writeUnsupportedChunk(conn netio.RawConn, sync uint64, msg string) error {
	perr := proto.NewError(proto.ErrUnknown, msg)
	frame, err := wire.EncodeFrame(proto.Header{Code: proto.AsError(perr.Code), Sync: sync}, proto.EncodeError(perr))
	if err != nil {
		return errors.Wrap(err, "sqlitebackend: encode chunk error")
	}
	return conn.WriteChunk(frame)
}

func (b *Backend) OnConnect(ctx context.Context, sess *txctx.Session) error {
	xlog.Infof(ctx, "sqlitebackend: connect from %s", sess.Conn.RawConn().RemoteAddr())
	return nil
}

func (b *Backend) OnDisconnect(ctx context.Context, sess *txctx.Session) {
	xlog.Infof(ctx, "sqlitebackend: disconnect from %s", sess.Conn.RawConn().RemoteAddr())
}
