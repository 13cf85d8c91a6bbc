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
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/globaldb/iprotod/internal/proto"
)

func TestInsertThenSelectRoundtrip(t *testing.T) {
	b, err := Open(":memory:")
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	_, err = b.ProcessDML(ctx, nil, &proto.DMLRequest{
		Code:    proto.INSERT,
		SpaceID: 1,
		Key:     []interface{}{"k1"},
		Tuple:   []interface{}{"k1", "v1"},
	})
	require.NoError(t, err)

	res, err := b.ProcessSelect(ctx, nil, &proto.SelectRequest{
		SpaceID: 1,
		Key:     []interface{}{"k1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.Equal(t, "v1", res.Data[0][1])
}

func TestDeleteRemovesTuple(t *testing.T) {
	b, err := Open(":memory:")
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	_, err = b.ProcessDML(ctx, nil, &proto.DMLRequest{
		Code: proto.INSERT, SpaceID: 2, Key: []interface{}{"k"}, Tuple: []interface{}{"k", 1},
	})
	require.NoError(t, err)

	_, err = b.ProcessDML(ctx, nil, &proto.DMLRequest{
		Code: proto.DELETE, SpaceID: 2, Key: []interface{}{"k"},
	})
	require.NoError(t, err)

	res, err := b.ProcessSelect(ctx, nil, &proto.SelectRequest{SpaceID: 2, Key: []interface{}{"k"}})
	require.NoError(t, err)
	require.Empty(t, res.Data)
}
