// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sanitizer

import (
	"regexp"
	"testing"
	"testing/quick"
)

func mustNew(t *testing.T) *Sanitizer {
	t.Helper()
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSanitizeMetricExamples(t *testing.T) {
	s := mustNew(t)
	cases := map[string]string{
		`"quoted.metric"`: "quoted.metric",
		"Camel Case":      "camelCase",
		"camel case":      "camel_case",
		"item 1":          "item.1",
		"Weird$Thing!!":   "weirdThing",
	}
	for in, want := range cases {
		if got := s.SanitizeMetric(in); got != want {
			t.Errorf("SanitizeMetric(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeTagPairLowersKeyOnly(t *testing.T) {
	s := mustNew(t)
	k, v := s.SanitizeTagPair("Host", "Web01")
	if k != "host" {
		t.Errorf("tag key = %q, want %q", k, "host")
	}
	if v != "Web01" {
		t.Errorf("tag value = %q, want unchanged %q", v, "Web01")
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	s := mustNew(t)
	f := func(in string) bool {
		once := s.SanitizeMetric(in)
		twice := s.SanitizeMetric(once)
		return once == twice
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestSanitizeCharset(t *testing.T) {
	s := mustNew(t)
	allowed := regexp.MustCompile(`^[A-Za-z0-9._/-]*$`)
	f := func(in string) bool {
		return allowed.MatchString(s.SanitizeMetric(in))
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestSanitizeCustomDisallow(t *testing.T) {
	s, err := New(`[^A-Za-z0-9.]`)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.SanitizeMetric("a/b-c"); got != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
}
