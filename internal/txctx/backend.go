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
)

// Backend is the opaque transaction processor spec.md §1 sits in front of.
// The front-end never interprets a DML/SELECT/CALL/EVAL/AUTH payload beyond
// what it takes to route and frame it (SPEC_FULL.md §6) - everything else
// is Backend's job.
type Backend interface {
	ProcessDML(ctx context.Context, sess *Session, req *proto.DMLRequest) (*proto.Tuple, error)
	ProcessSelect(ctx context.Context, sess *Session, req *proto.SelectRequest) (*proto.SelectResult, error)
	ProcessCall(ctx context.Context, sess *Session, req *proto.CallRequest) (*proto.CallResult, error)
	ProcessEval(ctx context.Context, sess *Session, req *proto.EvalRequest) (*proto.CallResult, error)
	ProcessAuth(ctx context.Context, sess *Session, req *proto.AuthRequest) error

	// ProcessJoin/ProcessSubscribe receive the raw socket once
	// stop_input has taken effect (spec.md §4.2, SPEC_FULL.md's
	// IPROTO_CHUNK supplement); they own conn until they return.
	ProcessJoin(ctx context.Context, sess *Session, conn netio.RawConn, hdr *proto.Header) error
	ProcessSubscribe(ctx context.Context, sess *Session, conn netio.RawConn, hdr *proto.Header) error

	OnConnect(ctx context.Context, sess *Session) error
	OnDisconnect(ctx context.Context, sess *Session)
}
