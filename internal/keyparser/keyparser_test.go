// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package keyparser

import "testing"

func mustRule(t *testing.T, pattern, metric string, tags []TagTemplate, argParser, argString string, flags Flags) *Rule {
	t.Helper()
	r, err := CompileRule(pattern, metric, tags, argParser, argString, flags)
	if err != nil {
		t.Fatalf("CompileRule(%q): %v", pattern, err)
	}
	return r
}

// TestIndexParser reproduces spec.md §8 scenario #1.
func TestIndexParser(t *testing.T) {
	rule := mustRule(t, `^system\.cpu\.load\[([^\]]*)\]$`, "system.cpu.load", nil,
		"index", "{1}", Flags{NamedParameters: []string{"cpu", "sampleInterval"}, ExpandParameters: true})

	p := New([]*Rule{rule})
	got, err := p.Parse("system.cpu.load[all,avg1]")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metric != "system.cpu.load" {
		t.Errorf("metric = %q", got.Metric)
	}
	want := map[string]string{"cpu": "all", "sampleInterval": "avg1"}
	checkTags(t, got.Tags, want, []string{"cpu", "sampleInterval"})
}

// TestNetIfRule reproduces spec.md §8 scenario #3.
func TestNetIfRule(t *testing.T) {
	rule := mustRule(t, `^net\.if\.(in|out)\[([^\]]*)\]$`, "net.interface.{1}",
		[]TagTemplate{{Key: "interface", Value: "{2}"}}, "default", "", Flags{})

	p := New([]*Rule{rule})
	got, err := p.Parse("net.if.in[eth0]")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metric != "net.interface.in" {
		t.Errorf("metric = %q, want net.interface.in", got.Metric)
	}
	checkTags(t, got.Tags, map[string]string{"interface": "eth0"}, []string{"interface"})
}

// TestJMXParser reproduces spec.md §8 scenario #4.
func TestJMXParser(t *testing.T) {
	rule := mustRule(t, `^jmx\[([^\]]*)\]$`, "jmx.{@domain}.{@attribute}", nil,
		"jmx", "{1}", Flags{ExpandParameters: true})

	p := New([]*Rule{rule})
	got, err := p.Parse(`jmx["java.lang:type=Memory","HeapMemoryUsage.used"]`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metric != "jmx.java.lang.HeapMemoryUsage.used" {
		t.Errorf("metric = %q", got.Metric)
	}
	checkTags(t, got.Tags, map[string]string{"type": "Memory"}, []string{"type"})
}

// TestCatchAll reproduces spec.md §8 scenario #5: no configured rule
// matches, so the built-in catch-all produces metric = key verbatim.
func TestCatchAll(t *testing.T) {
	p := New(nil)
	got, err := p.Parse("weird_thing")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metric != "weird_thing" {
		t.Errorf("metric = %q, want weird_thing", got.Metric)
	}
	if got.Tags.Len() != 0 {
		t.Errorf("expected no tags from catch-all, got %d", got.Tags.Len())
	}
}

// TestRuleOrderFirstMatchWins verifies spec.md §8's "Parser order" property.
func TestRuleOrderFirstMatchWins(t *testing.T) {
	first := mustRule(t, `^foo\..*$`, "first", nil, "default", "", Flags{})
	second := mustRule(t, `^foo\.bar$`, "second", nil, "default", "", Flags{})

	p := New([]*Rule{first, second})
	got, err := p.Parse("foo.bar")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metric != "first" {
		t.Errorf("metric = %q, want %q (first match should win)", got.Metric, "first")
	}
}

// TestUnresolvedParamSkipsRule verifies the soft-error skip behavior of
// spec.md §4.3: a rule whose template references a parameter the arg
// parser never produced is abandoned in favor of the next mapping.
func TestUnresolvedParamSkipsRule(t *testing.T) {
	bad := mustRule(t, `^x$`, "{@nonexistent}", nil, "default", "", Flags{})
	fallback := mustRule(t, `^x$`, "fallback", nil, "default", "", Flags{})

	p := New([]*Rule{bad, fallback})
	got, err := p.Parse("x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metric != "fallback" {
		t.Errorf("metric = %q, want fallback", got.Metric)
	}
}

// TestNamedParserHostRename verifies the named parser renames a "host"
// parameter to "tagged_host" (spec.md §4.3).
func TestNamedParserHostRename(t *testing.T) {
	rule := mustRule(t, `^haproxy\.trap\[(.*)\]$`, "haproxy.metric", nil,
		"named", "{1}", Flags{ExpandParameters: true})

	p := New([]*Rule{rule})
	got, err := p.Parse("haproxy.trap[host=lb01,role=frontend]")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := got.Tags.Get("tagged_host"); !ok || v != "lb01" {
		t.Errorf("tagged_host = %q, %v", v, ok)
	}
	if got.Tags.Has("host") {
		t.Error("raw 'host' tag should have been renamed")
	}
}

func checkTags(t *testing.T, tags interface{ Get(string) (string, bool) }, want map[string]string, order []string) {
	t.Helper()
	for k, v := range want {
		got, ok := tags.Get(k)
		if !ok || got != v {
			t.Errorf("tag %q = %q, %v; want %q", k, got, ok, v)
		}
	}
}
