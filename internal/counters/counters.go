// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package counters holds the bridge's closed set of self-telemetry
// counters (spec.md §4.6): atomic-add 64-bit values requiring no lock,
// shared by the stream consumer, resolver, mapping store and the debug
// server's Prometheus collector.
package counters

import "sync/atomic"

// Set is the full closed counter set spec.md §4.6 names. Every field is
// safe for concurrent Add/Load from multiple goroutines.
type Set struct {
	Received    atomic.Int64
	Sent        atomic.Int64
	Errors      atomic.Int64
	Updated     atomic.Int64
	RowsSkipped atomic.Int64

	ItemsCacheReads  atomic.Int64
	ItemsCacheWrites atomic.Int64

	MacrosWritten atomic.Int64
	MacrosRead    atomic.Int64
	MacrosExpired atomic.Int64

	// lastClock is the most recent Zabbix `clock` value observed by the
	// stream consumer, in unix seconds. delay_seconds is derived from it.
	lastClock atomic.Int64
}

// New returns an empty counter set.
func New() *Set {
	return &Set{}
}

// ObserveClock records clock as the most recent event time seen, if it is
// newer than what was already recorded (events are not guaranteed to be
// observed in strict clock order across tables).
func (s *Set) ObserveClock(clock int64) {
	for {
		cur := s.lastClock.Load()
		if clock <= cur {
			return
		}
		if s.lastClock.CompareAndSwap(cur, clock) {
			return
		}
	}
}

// DelaySeconds returns now - (last observed clock), or 0 if nothing has
// been observed yet.
func (s *Set) DelaySeconds(now int64) int64 {
	last := s.lastClock.Load()
	if last == 0 {
		return 0
	}
	d := now - last
	if d < 0 {
		return 0
	}
	return d
}

// Snapshot is a point-in-time read of every counter plus the mapping
// store's aggregate cache stats, ready to be formatted as OpenTSDB lines
// or a Prometheus exposition.
type Snapshot struct {
	Received         int64
	Sent             int64
	Errors           int64
	Updated          int64
	RowsSkipped      int64
	ItemsPerSecond   float64
	DelaySeconds     int64
	ItemsCacheTotal  int64
	ItemsCacheActive int64
	ItemsCacheExpire int64
	ItemsCacheReads  int64
	ItemsCacheWrites int64
	MacrosWritten    int64
	MacrosRead       int64
	MacrosExpired    int64
}
