// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package stream implements spec.md §4.5: the binlog consumer loop that
// turns raw history/history_uint row inserts into resolved, emitted
// OpenTSDB lines.
package stream

import "context"

// RowEvent is one inserted history/history_uint row (spec.md §6's
// "{itemid, clock, value, ns}" row layout), already demultiplexed from
// whatever WriteRowsEvent carried it.
type RowEvent struct {
	ItemID uint64
	Clock  int64 // unix seconds
	Value  string
	NS     int64
}

// BinlogSource abstracts the real binlog reader so the consumer's
// filtering/resolve/emit loop is unit-testable without a live MySQL
// server (SPEC_FULL.md §4.5).
type BinlogSource interface {
	NextEvent(ctx context.Context) (RowEvent, error)
	Close() error
}

// TransientError marks a binlog read failure the consumer should recover
// from by closing and reopening the source (spec.md §4.5), as opposed to
// a fatal error that terminates the process.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
