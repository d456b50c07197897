// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package otsdb

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/kylemallory/zabbix-bridge/internal/mapping"
)

var lineGrammar = regexp.MustCompile(`^[A-Za-z0-9._/-]+ \d+ -?[0-9]+(\.[0-9]+)? (\S+=\S+( \S+=\S+)*)?\n$`)

func tagsOf(pairs ...string) *mapping.OrderedTags {
	t := mapping.NewOrderedTags()
	for i := 0; i+1 < len(pairs); i += 2 {
		t.Set(pairs[i], pairs[i+1])
	}
	return t
}

func TestFormatLineMatchesGrammar(t *testing.T) {
	line := FormatLine("system.cpu.load", 1599999990, "0.5", tagsOf("cpu", "all", "sampleInterval", "avg1", "host", "web01.dc1.prod"))
	if !lineGrammar.MatchString(line) {
		t.Fatalf("line %q does not match grammar", line)
	}
}

func TestFormatLineScenario1(t *testing.T) {
	got := FormatLine("system.cpu.load", 1599999990, "0.5", tagsOf("cpu", "all", "sampleInterval", "avg1", "host", "web01.dc1.prod"))
	want := "system.cpu.load 1599999990 0.5 cpu=all sampleInterval=avg1 host=web01.dc1.prod\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormatLineScenario3NetIf(t *testing.T) {
	got := FormatLine("net.interface.in", 1599999990, "17", tagsOf("interface", "eth0", "host", "web01.dc1.prod"))
	want := "net.interface.in 1599999990 17 interface=eth0 host=web01.dc1.prod\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormatLineOmitsEmptyTagValues(t *testing.T) {
	tags := tagsOf("host", "web01", "empty", "")
	got := FormatLine("m", 1, "1", tags)
	want := "m 1 1 host=web01\n"
	if got != want {
		t.Errorf("got %q, want %q (empty tag values must be omitted)", got, want)
	}
}

func TestFormatLineNoTags(t *testing.T) {
	got := FormatLine("weird_thing", 1599999990, "3", mapping.NewOrderedTags())
	want := "weird_thing 1599999990 3\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWriterWritesAtomicLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write("a 1 1\n"); err != nil {
		t.Fatal(err)
	}
	if err := w.Write("b 2 2\n"); err != nil {
		t.Fatal(err)
	}
	want := "a 1 1\nb 2 2\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}
