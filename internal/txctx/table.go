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

	"github.com/globaldb/iprotod/internal/netio"
	"github.com/globaldb/iprotod/internal/proto"
	"github.com/globaldb/iprotod/internal/wire"
)

// dispatch runs the per-opcode two-hop route of spec.md §4.4's TX column:
// decode the already-framed body into its typed request, call the matching
// Backend method, and encode the reply frame. It returns the encoded
// response (nil for JOIN/SUBSCRIBE, which stream their own reply via raw
// and never get one appended to obuf) and the EnvelopeKind the NET hop
// needs to finish the message correctly.
func dispatch(ctx context.Context, backend Backend, sess *Session, hdr proto.Header, body proto.Body, rawBody []byte, raw netio.RawConn) ([]byte, netio.EnvelopeKind, error) {
	switch hdr.Code {
	case proto.PING:
		return encodeOK(hdr, nil)

	case proto.SELECT:
		req := &proto.SelectRequest{}
		req.SpaceID, _ = body.SpaceID()
		req.IndexID, _ = body.IndexID()
		req.Key, _ = body.Key()
		res, err := backend.ProcessSelect(ctx, sess, req)
		if err != nil {
			return encodeErr(hdr, err)
		}
		return encodeFrame(hdr, proto.EncodeSelect(res))

	case proto.INSERT, proto.REPLACE, proto.UPDATE, proto.DELETE, proto.UPSERT:
		req := &proto.DMLRequest{Code: hdr.Code}
		req.SpaceID, _ = body.SpaceID()
		req.IndexID, _ = body.IndexID()
		req.Key, _ = body.Key()
		req.Tuple, _ = body.Tuple()
		req.Ops, _ = body.Ops()
		tuple, err := backend.ProcessDML(ctx, sess, req)
		if err != nil {
			return encodeErr(hdr, err)
		}
		var data []interface{}
		if tuple != nil {
			data = []interface{}{[]interface{}(*tuple)}
		}
		return encodeOK(hdr, data)

	case proto.CALL_16, proto.CALL:
		req := &proto.CallRequest{}
		req.Function, _ = body.Function()
		req.Args, _ = body.Args()
		res, err := backend.ProcessCall(ctx, sess, req)
		if err != nil {
			return encodeErr(hdr, err)
		}
		return encodeOK(hdr, res.Data)

	case proto.EVAL:
		req := &proto.EvalRequest{}
		req.Expr, _ = body.Expr()
		req.Args, _ = body.Args()
		res, err := backend.ProcessEval(ctx, sess, req)
		if err != nil {
			return encodeErr(hdr, err)
		}
		return encodeOK(hdr, res.Data)

	case proto.AUTH:
		req := &proto.AuthRequest{}
		req.Username, _ = body.Username()
		req.Scramble, _ = body.Scramble()
		if err := backend.ProcessAuth(ctx, sess, req); err != nil {
			return encodeErr(hdr, err)
		}
		return encodeOK(hdr, nil)

	case proto.JOIN:
		err := backend.ProcessJoin(ctx, sess, raw, &hdr)
		return nil, netio.KindJoinEnd, err

	case proto.SUBSCRIBE:
		err := backend.ProcessSubscribe(ctx, sess, raw, &hdr)
		return nil, netio.KindSubscribeEnd, err

	default:
		// unreachable: wire.Decode already rejected unknown opcodes before
		// a Message for them is ever constructed.
		return encodeErr(hdr, proto.NewError(proto.ErrUnknown, "unroutable opcode %s", hdr.Code))
	}
}

func encodeOK(hdr proto.Header, data []interface{}) ([]byte, netio.EnvelopeKind, error) {
	return encodeFrame(hdr, proto.EncodeOK(data))
}

func encodeErr(hdr proto.Header, err error) ([]byte, netio.EnvelopeKind, error) {
	perr := proto.AsProtoError(err)
	respHdr := proto.Header{Code: proto.AsError(perr.Code), Sync: hdr.Sync, SchemaVersion: hdr.SchemaVersion}
	frame, encErr := wire.EncodeFrame(respHdr, proto.EncodeError(perr))
	if encErr != nil {
		return nil, netio.KindNormal, encErr
	}
	return frame, netio.KindNormal, nil
}

func encodeFrame(hdr proto.Header, body proto.Body) ([]byte, netio.EnvelopeKind, error) {
	respHdr := proto.Header{Code: proto.OK, Sync: hdr.Sync, SchemaVersion: hdr.SchemaVersion}
	frame, err := wire.EncodeFrame(respHdr, body)
	if err != nil {
		return nil, netio.KindNormal, err
	}
	return frame, netio.KindNormal, nil
}
