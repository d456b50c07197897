// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package resolver implements spec.md §4.4: turning a raw (itemid)
// binlog reference into a resolved metric+tags mapping, through the hot
// cache, the persistent store, the Zabbix schema, macro expansion and the
// key parser, in that order.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/kylemallory/zabbix-bridge/internal/cache"
	"github.com/kylemallory/zabbix-bridge/internal/counters"
	"github.com/kylemallory/zabbix-bridge/internal/keyparser"
	"github.com/kylemallory/zabbix-bridge/internal/log"
	"github.com/kylemallory/zabbix-bridge/internal/mapping"
	"github.com/kylemallory/zabbix-bridge/internal/sanitizer"
	"github.com/kylemallory/zabbix-bridge/internal/store"
)

// Store is the subset of *store.Store the resolver needs, small enough to
// fake in tests without a real SQLite file.
type Store interface {
	GetItem(ctx context.Context, itemid uint64) (*mapping.Item, error)
	PutItem(ctx context.Context, item *mapping.Item) error
	GetMacros(ctx context.Context, host string) (mapping.MacroSet, error)
	PutMacros(ctx context.Context, host string, macros mapping.MacroSet) error
	NeedsMacroRefresh(ctx context.Context, host string, now time.Time) (bool, error)
}

// ZabbixSource is the subset of *ZabbixDB the resolver needs.
type ZabbixSource interface {
	FetchItem(ctx context.Context, itemid uint64) (mapping.ZabbixItemRow, bool, error)
	FetchHostMacros(ctx context.Context, host string) ([]HostMacroRow, error)
}

var _ Store = (*store.Store)(nil)
var _ ZabbixSource = (*ZabbixDB)(nil)

// Resolver implements the resolve(itemid) operation of spec.md §4.4.
type Resolver struct {
	store        Store
	hot          *cache.ItemCache
	zabbix       ZabbixSource
	parser       *keyparser.Parser
	hostRules    []*keyparser.HostRule
	globalMacros mapping.MacroSet
	sanitize     *sanitizer.Sanitizer
	itemTTL      time.Duration
	counters     *counters.Set
	ignoredHosts []*regexp.Regexp
	ignoredKeys  []*regexp.Regexp
}

// New builds a Resolver. globalMacros is the static mappings.macros config
// fallback layer (spec.md §4.4 step 4's "configured global macro map"),
// keyed by the literal "{$WORD}" token.
func New(
	st Store,
	hot *cache.ItemCache,
	zabbix ZabbixSource,
	parser *keyparser.Parser,
	hostRules []*keyparser.HostRule,
	globalMacros mapping.MacroSet,
	sanitize *sanitizer.Sanitizer,
	itemTTL time.Duration,
	cset *counters.Set,
) *Resolver {
	if globalMacros == nil {
		globalMacros = mapping.MacroSet{}
	}
	return &Resolver{
		store:        st,
		hot:          hot,
		zabbix:       zabbix,
		parser:       parser,
		hostRules:    hostRules,
		globalMacros: globalMacros,
		sanitize:     sanitize,
		itemTTL:      itemTTL,
		counters:     cset,
	}
}

// SetIgnoreLists compiles spec.md §6's ignored_hosts/ignored_keys pattern
// lists. An item whose raw host or raw key matches is resolved to a
// negative-cache (unmappable) entry instead of being parsed, the same
// short-circuit an unresolved macro produces.
func (r *Resolver) SetIgnoreLists(ignoredHosts, ignoredKeys []string) error {
	compiled, err := compilePatterns(ignoredHosts)
	if err != nil {
		return fmt.Errorf("resolver: ignored_hosts: %w", err)
	}
	r.ignoredHosts = compiled

	compiled, err = compilePatterns(ignoredKeys)
	if err != nil {
		return fmt.Errorf("resolver: ignored_keys: %w", err)
	}
	r.ignoredKeys = compiled
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Resolve implements spec.md §4.4's resolve(itemid). A nil, nil return
// means "not found" (the item no longer exists / host disabled upstream).
func (r *Resolver) Resolve(ctx context.Context, itemid uint64) (*mapping.Item, error) {
	if item := r.hot.Get(itemid, nil); item != nil && time.Now().Before(item.NextRefreshAt) {
		return item, nil
	}

	stored, err := r.store.GetItem(ctx, itemid)
	if err != nil {
		return nil, fmt.Errorf("resolver: store lookup for item %d: %w", itemid, err)
	}
	if stored != nil && time.Now().Before(stored.NextRefreshAt) {
		r.warmHotCache(itemid, stored)
		return stored, nil
	}

	row, found, err := r.zabbix.FetchItem(ctx, itemid)
	if err != nil {
		return nil, fmt.Errorf("resolver: zabbix lookup for item %d: %w", itemid, err)
	}
	if !found {
		return nil, nil
	}

	if anyMatch(r.ignoredHosts, row.Host) || anyMatch(r.ignoredKeys, row.Key) {
		unmappable := &mapping.Item{ItemID: itemid, RawHost: row.Host, RawKey: row.Key, Tags: mapping.NewOrderedTags()}
		if err := r.store.PutItem(ctx, unmappable); err != nil {
			return nil, fmt.Errorf("resolver: storing ignored item %d: %w", itemid, err)
		}
		r.warmHotCache(itemid, unmappable)
		return unmappable, nil
	}

	hostMacros, err := r.getOrRefreshMacros(ctx, row.Host)
	if err != nil {
		return nil, fmt.Errorf("resolver: macro refresh for host %s: %w", row.Host, err)
	}

	expandedKey, ok := expandMacros(row.Key, hostMacros, r.globalMacros)
	if !ok {
		log.Warnf("resolver: unresolved macro in item %d key %q for host %s", itemid, row.Key, row.Host)
		r.counters.Errors.Add(1)
		unmappable := &mapping.Item{ItemID: itemid, RawHost: row.Host, RawKey: row.Key, Tags: mapping.NewOrderedTags()}
		if err := r.store.PutItem(ctx, unmappable); err != nil {
			return nil, fmt.Errorf("resolver: storing unmappable item %d: %w", itemid, err)
		}
		r.warmHotCache(itemid, unmappable)
		return unmappable, nil
	}

	parsed, err := r.parser.Parse(expandedKey)
	if err != nil {
		return nil, fmt.Errorf("resolver: key parser on item %d: %w", itemid, err)
	}

	tags := parsed.Tags
	if hostTags := keyparser.MatchHostTags(r.hostRules, row.Host); hostTags != nil {
		hostTags.Each(func(k, v string) {
			if !tags.Has(k) {
				tags.Set(k, v)
			}
		})
	}
	if row.Proxy != "" {
		if !tags.Has("proxy") {
			tags.Set("proxy", row.Proxy)
		}
	}
	if !tags.Has("host") {
		tags.Set("host", row.Host)
	}

	metric := r.sanitize.SanitizeMetric(parsed.Metric)
	cleanTags := mapping.NewOrderedTags()
	tags.Each(func(k, v string) {
		sk, sv := r.sanitize.SanitizeTagPair(k, v)
		cleanTags.Set(sk, sv)
	})

	item := &mapping.Item{
		ItemID:  itemid,
		RawHost: row.Host,
		RawKey:  row.Key,
		Metric:  metric,
		Tags:    cleanTags,
	}
	r.counters.Updated.Add(1)

	if err := r.store.PutItem(ctx, item); err != nil {
		return nil, fmt.Errorf("resolver: storing item %d: %w", itemid, err)
	}
	r.warmHotCache(itemid, item)

	return item, nil
}

func (r *Resolver) warmHotCache(itemid uint64, item *mapping.Item) {
	ttl := time.Until(item.NextRefreshAt)
	if ttl <= 0 {
		ttl = r.itemTTL
	}
	r.hot.Put(itemid, item, ttl)
}

// getOrRefreshMacros implements spec.md §4.4's get_or_refresh_macros.
func (r *Resolver) getOrRefreshMacros(ctx context.Context, host string) (mapping.MacroSet, error) {
	needsRefresh, err := r.store.NeedsMacroRefresh(ctx, host, time.Now())
	if err != nil {
		return nil, err
	}
	if needsRefresh {
		rows, err := r.zabbix.FetchHostMacros(ctx, host)
		if err != nil {
			return nil, err
		}
		byHost := map[string]mapping.MacroSet{}
		for _, row := range rows {
			h := row.RawHost
			if h == "" {
				h = mapping.GlobalHost
			}
			if byHost[h] == nil {
				byHost[h] = mapping.MacroSet{}
			}
			byHost[h][row.Macro] = row.Value
		}
		for h, set := range byHost {
			if err := r.store.PutMacros(ctx, h, set); err != nil {
				return nil, err
			}
		}
	}
	return r.store.GetMacros(ctx, host)
}

// MarkUnmappable stores a negative-cache row for itemid (spec.md §7 kind
// 3): used by the stream consumer once it has seen three consecutive
// resolve failures for the same itemid, so the expensive pipeline is not
// retried again until item_refresh_interval elapses.
func (r *Resolver) MarkUnmappable(ctx context.Context, itemid uint64, host, key string) error {
	item := &mapping.Item{ItemID: itemid, RawHost: host, RawKey: key, Tags: mapping.NewOrderedTags()}
	if err := r.store.PutItem(ctx, item); err != nil {
		return fmt.Errorf("resolver: marking item %d unmappable: %w", itemid, err)
	}
	r.warmHotCache(itemid, item)
	return nil
}
