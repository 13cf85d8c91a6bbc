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

type fakeResumable struct {
	resumed chan struct{}
}

func newFakeResumable() *fakeResumable {
	return &fakeResumable{resumed: make(chan struct{}, 1)}
}

func (f *fakeResumable) resumeInput() {
	select {
	case f.resumed <- struct{}{}:
	default:
	}
}

func TestThrottleFiresAboveActiveConnsPlusMsgMax(t *testing.T) {
	th := NewThrottle(2)
	th.ConnectionOpened() // active=1

	require.False(t, th.MessageAllocated()) // count=1, 1 <= 1+2
	require.False(t, th.MessageAllocated()) // count=2
	require.False(t, th.MessageAllocated()) // count=3, 3 <= 3
	require.True(t, th.MessageAllocated())  // count=4, 4 > 3 -> firing
	require.True(t, th.Firing())
}

func TestThrottleResumesStoppedConnectionsFIFO(t *testing.T) {
	th := NewThrottle(0)
	th.ConnectionOpened()

	for i := 0; i < 3; i++ {
		th.MessageAllocated()
	}
	require.True(t, th.Firing())

	a := newFakeResumable()
	b := newFakeResumable()
	th.Stop(a)
	th.Stop(b)

	th.MessageFreed() // count=2, still firing (2 > 1) - nobody resumed
	select {
	case <-a.resumed:
		t.Fatal("a resumed while throttle still firing")
	default:
	}

	th.MessageFreed() // count=1, no longer firing - resumes a (FIFO head)
	select {
	case <-a.resumed:
	default:
		t.Fatal("a was not resumed")
	}
	select {
	case <-b.resumed:
		t.Fatal("b resumed before a (FIFO violated)")
	default:
	}
}

func TestThrottleRemoveIsIdempotentAndNilSafe(t *testing.T) {
	th := NewThrottle(10)
	th.Remove(nil) // must not panic

	el := th.Stop(newFakeResumable())
	th.Remove(el)
	th.Remove(el) // second removal of the same element must not panic
}
