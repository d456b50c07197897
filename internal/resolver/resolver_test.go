// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/kylemallory/zabbix-bridge/internal/cache"
	"github.com/kylemallory/zabbix-bridge/internal/counters"
	"github.com/kylemallory/zabbix-bridge/internal/keyparser"
	"github.com/kylemallory/zabbix-bridge/internal/mapping"
	"github.com/kylemallory/zabbix-bridge/internal/sanitizer"
)

type fakeStore struct {
	items       map[uint64]*mapping.Item
	macros      map[string]mapping.MacroSet
	needsRefresh map[string]bool
	putItemCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[uint64]*mapping.Item{}, macros: map[string]mapping.MacroSet{}, needsRefresh: map[string]bool{}}
}

func (f *fakeStore) GetItem(ctx context.Context, itemid uint64) (*mapping.Item, error) {
	return f.items[itemid], nil
}

func (f *fakeStore) PutItem(ctx context.Context, item *mapping.Item) error {
	item.NextRefreshAt = time.Now().Add(time.Hour)
	f.items[item.ItemID] = item
	f.putItemCalls++
	return nil
}

func (f *fakeStore) GetMacros(ctx context.Context, host string) (mapping.MacroSet, error) {
	result := mapping.MacroSet{}
	for k, v := range f.macros[mapping.GlobalHost] {
		result[k] = v
	}
	for k, v := range f.macros[host] {
		result[k] = v
	}
	return result, nil
}

func (f *fakeStore) PutMacros(ctx context.Context, host string, macros mapping.MacroSet) error {
	if f.macros[host] == nil {
		f.macros[host] = mapping.MacroSet{}
	}
	for k, v := range macros {
		f.macros[host][k] = v
	}
	return nil
}

func (f *fakeStore) NeedsMacroRefresh(ctx context.Context, host string, now time.Time) (bool, error) {
	if _, ok := f.needsRefresh[host]; ok {
		return f.needsRefresh[host], nil
	}
	return len(f.macros[host]) == 0, nil
}

type fakeZabbix struct {
	items  map[uint64]mapping.ZabbixItemRow
	macros map[string][]HostMacroRow
}

func (f *fakeZabbix) FetchItem(ctx context.Context, itemid uint64) (mapping.ZabbixItemRow, bool, error) {
	row, ok := f.items[itemid]
	return row, ok, nil
}

func (f *fakeZabbix) FetchHostMacros(ctx context.Context, host string) ([]HostMacroRow, error) {
	return f.macros[host], nil
}

func newTestResolver(t *testing.T, st Store, zdb ZabbixSource, rules []*keyparser.Rule, hostRules []*keyparser.HostRule) *Resolver {
	t.Helper()
	san, err := sanitizer.New("")
	if err != nil {
		t.Fatal(err)
	}
	return New(st, cache.New(100), zdb, keyparser.New(rules), hostRules, nil, san, time.Hour, counters.New())
}

func TestResolveHostTagFallback(t *testing.T) {
	st := newFakeStore()
	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{
		10: {ItemID: 10, Host: "web01.dc1.prod", Key: "weird_thing"},
	}}
	r := newTestResolver(t, st, zdb, nil, nil)

	item, err := r.Resolve(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if item.Metric != "weird_thing" {
		t.Errorf("metric = %q", item.Metric)
	}
	if v, ok := item.Tags.Get("host"); !ok || v != "web01.dc1.prod" {
		t.Errorf("host tag = %q, %v", v, ok)
	}
}

func TestResolveNotFound(t *testing.T) {
	st := newFakeStore()
	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{}}
	r := newTestResolver(t, st, zdb, nil, nil)

	item, err := r.Resolve(context.Background(), 999)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Errorf("expected nil for an item zabbix doesn't know about, got %+v", item)
	}
}

func TestResolveStoreHitSkipsZabbix(t *testing.T) {
	st := newFakeStore()
	st.items[5] = &mapping.Item{ItemID: 5, Metric: "cached.metric", Tags: mapping.NewOrderedTags(), NextRefreshAt: time.Now().Add(time.Hour)}
	zdb := &fakeZabbix{} // no items registered; a zabbix call would panic/fail
	r := newTestResolver(t, st, zdb, nil, nil)

	item, err := r.Resolve(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if item.Metric != "cached.metric" {
		t.Errorf("metric = %q, want cached.metric (store hit should short-circuit)", item.Metric)
	}
}

func TestResolveUnresolvedMacroStoresUnmappable(t *testing.T) {
	st := newFakeStore()
	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{
		20: {ItemID: 20, Host: "web01.dc1.prod", Key: "agent.ping[{$UNDEF}]"},
	}}
	r := newTestResolver(t, st, zdb, nil, nil)

	item, err := r.Resolve(context.Background(), 20)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Unmappable() {
		t.Errorf("expected unmappable item, got metric %q", item.Metric)
	}
	if r.counters.Errors.Load() != 1 {
		t.Errorf("errors counter = %d, want 1", r.counters.Errors.Load())
	}
}

func TestResolveExpandsMacroFromStoreThenGlobalConfig(t *testing.T) {
	st := newFakeStore()
	st.macros[mapping.GlobalHost] = mapping.MacroSet{"{$ENV}": "prod"}
	st.macros["web01.dc1.prod"] = mapping.MacroSet{"{$SITE}": "dc1"}
	st.needsRefresh["web01.dc1.prod"] = false

	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{
		30: {ItemID: 30, Host: "web01.dc1.prod", Key: "custom.key[{$SITE},{$ENV}]"},
	}}
	rule, err := keyparser.CompileRule(`^custom\.key\[([^,]*),([^\]]*)\]$`, "custom.key", nil, "default", "", keyparser.Flags{})
	if err != nil {
		t.Fatal(err)
	}
	r := newTestResolver(t, st, zdb, []*keyparser.Rule{rule}, nil)

	item, err := r.Resolve(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if item.RawKey != "custom.key[{$SITE},{$ENV}]" {
		t.Errorf("RawKey changed: %q", item.RawKey)
	}
	if item.Metric != "custom.key" {
		t.Errorf("metric = %q", item.Metric)
	}
}

func TestResolveProxyTagWhenPresent(t *testing.T) {
	st := newFakeStore()
	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{
		40: {ItemID: 40, Host: "web01.dc1.prod", Key: "agent.ping", Proxy: "proxy01"},
	}}
	r := newTestResolver(t, st, zdb, nil, nil)

	item, err := r.Resolve(context.Background(), 40)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := item.Tags.Get("proxy"); !ok || v != "proxy01" {
		t.Errorf("proxy tag = %q, %v", v, ok)
	}
}

func TestResolveHostRuleTagsApplied(t *testing.T) {
	st := newFakeStore()
	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{
		50: {ItemID: 50, Host: "web01.dc1.prod", Key: "agent.ping"},
	}}
	hostRule, err := keyparser.CompileHostRule(`^web.*$`, []keyparser.TagTemplate{{Key: "role", Value: "web"}})
	if err != nil {
		t.Fatal(err)
	}
	r := newTestResolver(t, st, zdb, nil, []*keyparser.HostRule{hostRule})

	item, err := r.Resolve(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := item.Tags.Get("role"); !ok || v != "web" {
		t.Errorf("role tag = %q, %v", v, ok)
	}
}

// TestEndToEndNetIfScenario reproduces spec.md §8 scenario #3 through the
// full resolver pipeline.
func TestEndToEndNetIfScenario(t *testing.T) {
	st := newFakeStore()
	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{
		3: {ItemID: 3, Host: "web01.dc1.prod", Key: "net.if.in[eth0]"},
	}}
	rule, err := keyparser.CompileRule(`^net\.if\.(in|out)\[([^\]]*)\]$`, "net.interface.{1}",
		[]keyparser.TagTemplate{{Key: "interface", Value: "{2}"}}, "default", "", keyparser.Flags{})
	if err != nil {
		t.Fatal(err)
	}
	r := newTestResolver(t, st, zdb, []*keyparser.Rule{rule}, nil)

	item, err := r.Resolve(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if item.Metric != "net.interface.in" {
		t.Errorf("metric = %q", item.Metric)
	}
	if v, _ := item.Tags.Get("interface"); v != "eth0" {
		t.Errorf("interface tag = %q", v)
	}
	if v, _ := item.Tags.Get("host"); v != "web01.dc1.prod" {
		t.Errorf("host tag = %q", v)
	}
}

func TestResolveIgnoredHostShortCircuits(t *testing.T) {
	st := newFakeStore()
	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{
		60: {ItemID: 60, Host: "scratch.dc1.test", Key: "agent.ping"},
	}}
	r := newTestResolver(t, st, zdb, nil, nil)
	if err := r.SetIgnoreLists([]string{`^scratch\.`}, nil); err != nil {
		t.Fatal(err)
	}

	item, err := r.Resolve(context.Background(), 60)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Unmappable() {
		t.Errorf("expected an ignored host to resolve as unmappable, got metric %q", item.Metric)
	}
}

func TestResolveIgnoredKeyShortCircuits(t *testing.T) {
	st := newFakeStore()
	zdb := &fakeZabbix{items: map[uint64]mapping.ZabbixItemRow{
		61: {ItemID: 61, Host: "web01.dc1.prod", Key: "debug.noisy.counter"},
	}}
	r := newTestResolver(t, st, zdb, nil, nil)
	if err := r.SetIgnoreLists(nil, []string{`^debug\.`}); err != nil {
		t.Fatal(err)
	}

	item, err := r.Resolve(context.Background(), 61)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Unmappable() {
		t.Errorf("expected an ignored key to resolve as unmappable, got metric %q", item.Metric)
	}
}

func TestMarkUnmappable(t *testing.T) {
	st := newFakeStore()
	r := newTestResolver(t, st, &fakeZabbix{}, nil, nil)

	if err := r.MarkUnmappable(context.Background(), 77, "web01", "some.key"); err != nil {
		t.Fatal(err)
	}
	if st.items[77] == nil || !st.items[77].Unmappable() {
		t.Error("expected item 77 to be stored as unmappable")
	}
}
