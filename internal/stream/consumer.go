// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kylemallory/zabbix-bridge/internal/counters"
	"github.com/kylemallory/zabbix-bridge/internal/log"
	"github.com/kylemallory/zabbix-bridge/internal/mapping"
	"github.com/kylemallory/zabbix-bridge/internal/otsdb"
)

// freshnessBound is spec.md §4.5/§8's 300s row-age cutoff.
const freshnessBound = 300 * time.Second

// maxConsecutiveFailures is spec.md §7 kind 3's "three consecutive
// resolves against the same itemid" threshold.
const maxConsecutiveFailures = 3

// Resolver is the subset of *resolver.Resolver the consumer needs.
type Resolver interface {
	Resolve(ctx context.Context, itemid uint64) (*mapping.Item, error)
	MarkUnmappable(ctx context.Context, itemid uint64, host, key string) error
}

// Emitter is the subset of *otsdb.Writer the consumer needs.
type Emitter interface {
	Write(line string) error
}

// SourceFactory opens a fresh BinlogSource, used both for the initial
// open and to reopen after a transient read error.
type SourceFactory func(ctx context.Context) (BinlogSource, error)

// Consumer implements spec.md §4.5's event loop.
type Consumer struct {
	openSource SourceFactory
	resolver   Resolver
	emit       Emitter
	counters   *counters.Set
	now        func() time.Time

	consecutiveFailures map[uint64]int
	alive               bool
}

// New builds a Consumer. now defaults to time.Now; tests override it to
// make the freshness bound deterministic.
func New(openSource SourceFactory, resolver Resolver, emit Emitter, cset *counters.Set) *Consumer {
	return &Consumer{
		openSource:          openSource,
		resolver:            resolver,
		emit:                emit,
		counters:            cset,
		now:                 time.Now,
		consecutiveFailures: map[uint64]int{},
	}
}

// Alive reports whether the consumer loop is currently inside Run,
// backing the debug server's /healthz endpoint.
func (c *Consumer) Alive() bool { return c.alive }

// Run drives the consumer loop until ctx is canceled or a fatal error
// occurs (spec.md §7 kinds 2/5: upstream unavailable past recovery, or a
// downstream write failure). A transient binlog read error triggers a
// close-and-reopen instead of returning.
func (c *Consumer) Run(ctx context.Context) error {
	source, err := c.openSource(ctx)
	if err != nil {
		return fmt.Errorf("stream: opening binlog source: %w", err)
	}
	defer source.Close()

	c.alive = true
	defer func() { c.alive = false }()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		ev, err := source.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var transient *TransientError
			if errors.As(err, &transient) {
				log.Warnf("stream: transient binlog error, reopening: %v", transient.Err)
				source.Close()
				source, err = c.openSource(ctx)
				if err != nil {
					return fmt.Errorf("stream: reopening binlog source: %w", err)
				}
				continue
			}
			return fmt.Errorf("stream: fatal binlog error: %w", err)
		}

		if err := c.handle(ctx, ev); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev RowEvent) error {
	c.counters.Received.Add(1)
	c.counters.ObserveClock(ev.Clock)

	if c.now().Unix()-ev.Clock > int64(freshnessBound.Seconds()) {
		c.counters.RowsSkipped.Add(1)
		return nil
	}

	item, err := c.resolver.Resolve(ctx, ev.ItemID)
	if err != nil {
		log.Warnf("stream: resolve(%d): %v", ev.ItemID, err)
		c.counters.Errors.Add(1)
		c.consecutiveFailures[ev.ItemID]++
		if c.consecutiveFailures[ev.ItemID] >= maxConsecutiveFailures {
			if merr := c.resolver.MarkUnmappable(ctx, ev.ItemID, "", ""); merr != nil {
				log.Warnf("stream: marking item %d unmappable: %v", ev.ItemID, merr)
			}
			delete(c.consecutiveFailures, ev.ItemID)
		}
		return nil
	}
	delete(c.consecutiveFailures, ev.ItemID)

	if item == nil || item.Unmappable() {
		c.counters.Errors.Add(1)
		return nil
	}
	if item.Tags == nil {
		// Internal invariant violation (spec.md §7 kind 6): a mapped
		// item must always carry at least a host tag.
		log.Errorf("stream: item %d resolved with metric %q but no tags", ev.ItemID, item.Metric)
		c.counters.Errors.Add(1)
		return nil
	}

	line := otsdb.FormatLine(item.Metric, ev.Clock, ev.Value, item.Tags)
	if err := c.emit.Write(line); err != nil {
		return fmt.Errorf("stream: downstream write failed: %w", err)
	}
	c.counters.Sent.Add(1)
	return nil
}
