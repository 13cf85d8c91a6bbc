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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIBufGrowAndAdvance(t *testing.T) {
	b := IBuf{max: 64}
	b.Grow(16)
	require.GreaterOrEqual(t, cap(b.data), 16)

	n := copy(b.WriteArea(), []byte("hello world"))
	b.AppendFromSocket(n)
	require.Equal(t, 11, b.Len())
	require.Equal(t, 11, b.ParseSize())

	b.Advance(5)
	require.Equal(t, 6, b.ParseSize())
	require.Equal(t, []byte(" world"), b.Tail())

	b.Retire(5)
	require.Equal(t, 6, b.Used())
	require.False(t, b.IsEmpty())

	b.Retire(6)
	require.True(t, b.IsEmpty())
}

func TestIBufRotationTailCopy(t *testing.T) {
	src := IBuf{max: 64}
	src.Grow(16)
	n := copy(src.WriteArea(), []byte("AAAABBBB"))
	src.AppendFromSocket(n)
	src.Advance(4) // "AAAA" framed, "BBBB" still unparsed

	dst := IBuf{max: 64}
	src.CopyTailTo(&dst)
	require.Equal(t, []byte("BBBB"), dst.Tail())

	src.TruncateTail()
	require.Equal(t, 4, src.Len())
	require.Equal(t, 0, src.ParseSize())
}

func TestOBufCommitAndDrain(t *testing.T) {
	b := OBuf{max: 64}
	b.Append([]byte("resp1"))
	require.Equal(t, 0, b.Pending()) // not committed yet
	b.Commit()
	require.Equal(t, 5, b.Pending())

	area := b.DrainArea()
	require.Equal(t, []byte("resp1"), area)

	b.Advance(5)
	require.True(t, b.IsEmpty())

	b.Reset()
	require.Equal(t, 0, len(b.data))
}
