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

// Package xlog provides leveled logging with a component prefix, wrapping
// github.com/golang/glog the way xcommon/log.log.go sketched (task-prefix
// plus glog.*Depth so the reported call site is the xlog caller, not this
// package). That original was a non-compiling stub keyed off a task-context
// stack this repository does not have; xlog keeps its shape but keys the
// prefix off a component name carried in context.Context instead.
package xlog

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

type componentKey struct{}

// WithComponent returns a context tagging every xlog call made through it
// with name, e.g. "netio", "txctx", "sqlitebackend".
func WithComponent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, componentKey{}, name)
}

func prefix(ctx context.Context) string {
	name, _ := ctx.Value(componentKey{}).(string)
	if name == "" {
		return ""
	}
	return name + ": "
}

// Depth lets a caller wrapping xlog (e.g. a helper that always logs on
// behalf of its own caller) report the correct source line to glog.
type Depth int

func (d Depth) Infof(ctx context.Context, format string, argv ...interface{}) {
	if !glog.V(1) {
		return
	}
	glog.InfoDepth(int(d)+1, prefix(ctx)+fmt.Sprintf(format, argv...))
}

func (d Depth) Warningf(ctx context.Context, format string, argv ...interface{}) {
	glog.WarningDepth(int(d)+1, prefix(ctx)+fmt.Sprintf(format, argv...))
}

func (d Depth) Errorf(ctx context.Context, format string, argv ...interface{}) {
	glog.ErrorDepth(int(d)+1, prefix(ctx)+fmt.Sprintf(format, argv...))
}

// Infof, Warningf and Errorf are the direct-call forms most call sites use.
func Infof(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Infof(ctx, format, argv...)
}

func Warningf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Warningf(ctx, format, argv...)
}

func Errorf(ctx context.Context, format string, argv ...interface{}) {
	Depth(1).Errorf(ctx, format, argv...)
}

// Flush flushes glog's buffered writers; call from cmd/iprotod on shutdown.
func Flush() { glog.Flush() }
