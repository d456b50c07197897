// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry implements spec.md §4.6: periodic self-reporting of
// the counter set plus mapping-store cache stats, scheduled with
// go-co-op/gocron/v2 rather than a bespoke ticker loop (SPEC_FULL.md
// §4.6), following the teacher's internal/taskManager scheduling style.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/kylemallory/zabbix-bridge/internal/counters"
	"github.com/kylemallory/zabbix-bridge/internal/log"
	"github.com/kylemallory/zabbix-bridge/internal/mapping"
	"github.com/kylemallory/zabbix-bridge/internal/otsdb"
)

// emitInterval is spec.md §4.6's "every ~15s of wall time".
const emitInterval = 15 * time.Second

// Store is the subset of *store.Store telemetry needs.
type Store interface {
	CacheStats(ctx context.Context, now time.Time) (*mapping.CacheStats, error)
	ExpiredMacroHosts(ctx context.Context, now time.Time) ([]string, error)
}

// Emitter is the subset of *otsdb.Writer telemetry needs.
type Emitter interface {
	Write(line string) error
}

// Telemetry runs the self-reporting job and the macro-staleness sweep job
// on the same gocron scheduler (SPEC_FULL.md §4.6).
type Telemetry struct {
	store              Store
	emit               Emitter
	counters           *counters.Set
	macroSweepInterval time.Duration
	scheduler          gocron.Scheduler

	lastReceived int64
	lastEmitAt   time.Time
	now          func() time.Time
}

// New builds a Telemetry around a fresh gocron scheduler.
func New(store Store, emit Emitter, cset *counters.Set, macroSweepInterval time.Duration) (*Telemetry, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating scheduler: %w", err)
	}
	if macroSweepInterval <= 0 {
		macroSweepInterval = 2 * time.Hour
	}
	return &Telemetry{
		store:              store,
		emit:               emit,
		counters:           cset,
		macroSweepInterval: macroSweepInterval,
		scheduler:          scheduler,
		now:                time.Now,
	}, nil
}

// Start registers both jobs and starts the scheduler.
func (t *Telemetry) Start() error {
	if _, err := t.scheduler.NewJob(gocron.DurationJob(emitInterval), gocron.NewTask(t.emitSnapshot)); err != nil {
		return fmt.Errorf("telemetry: registering emit job: %w", err)
	}
	if _, err := t.scheduler.NewJob(gocron.DurationJob(t.macroSweepInterval), gocron.NewTask(t.sweepExpiredMacros)); err != nil {
		return fmt.Errorf("telemetry: registering macro sweep job: %w", err)
	}
	t.scheduler.Start()
	return nil
}

// Shutdown stops the scheduler, blocking until its jobs exit.
func (t *Telemetry) Shutdown() error {
	return t.scheduler.Shutdown()
}

// emitSnapshot assembles a counters.Snapshot and writes one OpenTSDB line
// per field (spec.md §4.6's closed counter list).
func (t *Telemetry) emitSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := t.now()
	stats, err := t.store.CacheStats(ctx, now)
	if err != nil {
		log.Warnf("telemetry: cache_stats: %v", err)
		stats = &mapping.CacheStats{}
	}

	received := t.counters.Received.Load()
	var itemsPerSecond float64
	if !t.lastEmitAt.IsZero() {
		elapsed := now.Sub(t.lastEmitAt).Seconds()
		if elapsed > 0 {
			itemsPerSecond = float64(received-t.lastReceived) / elapsed
		}
	}
	t.lastReceived = received
	t.lastEmitAt = now

	snap := counters.Snapshot{
		Received:         received,
		Sent:             t.counters.Sent.Load(),
		Errors:           t.counters.Errors.Load(),
		Updated:          t.counters.Updated.Load(),
		RowsSkipped:      t.counters.RowsSkipped.Load(),
		ItemsPerSecond:   itemsPerSecond,
		DelaySeconds:     t.counters.DelaySeconds(now.Unix()),
		ItemsCacheTotal:  stats.Total,
		ItemsCacheActive: stats.Active,
		ItemsCacheExpire: stats.Expired,
		ItemsCacheReads:  t.counters.ItemsCacheReads.Load(),
		ItemsCacheWrites: t.counters.ItemsCacheWrites.Load(),
		MacrosWritten:    t.counters.MacrosWritten.Load(),
		MacrosRead:       t.counters.MacrosRead.Load(),
		MacrosExpired:    t.counters.MacrosExpired.Load(),
	}

	for _, line := range FormatSnapshot(snap, now.Unix()) {
		if err := t.emit.Write(line); err != nil {
			log.Errorf("telemetry: writing self-telemetry line: %v", err)
			return
		}
	}
}

func (t *Telemetry) sweepExpiredMacros() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hosts, err := t.store.ExpiredMacroHosts(ctx, t.now())
	if err != nil {
		log.Warnf("telemetry: expired_macro_hosts: %v", err)
		return
	}
	if len(hosts) > 0 {
		t.counters.MacrosExpired.Add(int64(len(hosts)))
		log.Debugf("telemetry: %d host(s) with expired macros", len(hosts))
	}
}

// FormatSnapshot renders snap as one put line per counter, under the
// "bridge." namespace, with no tags — these describe the process as a
// whole, not any one host or item.
func FormatSnapshot(snap counters.Snapshot, ts int64) []string {
	empty := mapping.NewOrderedTags()
	line := func(metric string, value string) string {
		return otsdb.FormatLine("bridge."+metric, ts, value, empty)
	}
	return []string{
		line("received", fmt.Sprintf("%d", snap.Received)),
		line("sent", fmt.Sprintf("%d", snap.Sent)),
		line("errors", fmt.Sprintf("%d", snap.Errors)),
		line("updated", fmt.Sprintf("%d", snap.Updated)),
		line("rows_skipped", fmt.Sprintf("%d", snap.RowsSkipped)),
		line("items_per_second", fmt.Sprintf("%.4f", snap.ItemsPerSecond)),
		line("delay_seconds", fmt.Sprintf("%d", snap.DelaySeconds)),
		line("items_cache_total", fmt.Sprintf("%d", snap.ItemsCacheTotal)),
		line("items_cache_active", fmt.Sprintf("%d", snap.ItemsCacheActive)),
		line("items_cache_expired", fmt.Sprintf("%d", snap.ItemsCacheExpire)),
		line("items_cache_reads", fmt.Sprintf("%d", snap.ItemsCacheReads)),
		line("items_cache_writes", fmt.Sprintf("%d", snap.ItemsCacheWrites)),
		line("macros_written", fmt.Sprintf("%d", snap.MacrosWritten)),
		line("macros_read", fmt.Sprintf("%d", snap.MacrosRead)),
		line("macros_expired", fmt.Sprintf("%d", snap.MacrosExpired)),
	}
}
