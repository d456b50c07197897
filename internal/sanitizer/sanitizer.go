// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sanitizer turns free-form Zabbix strings into metric- and
// tag-safe identifiers, applying the same fixed, ordered substitution
// passes the tcollector zabbix_bridge collector used (see transTagKeys,
// transTagVals and transMetric in the original Python source), generalized
// into one reusable pipeline with a configurable disallow class.
package sanitizer

import "regexp"

// DefaultDisallow matches every character not safe in an OpenTSDB metric
// or tag: the charset spec.md §4.1 rule 6 and §8's line grammar require.
const DefaultDisallow = `[^A-Za-z0-9._/-]`

var (
	leadingUpper  = regexp.MustCompile(`\s([A-Z])`)
	leadingLower  = regexp.MustCompile(`\s([a-z])`)
	leadingDigit  = regexp.MustCompile(`\s([0-9])`)
	quoted        = regexp.MustCompile(`^"(.*)"$`)
	leadingUpcase = regexp.MustCompile(`^([A-Z])`)
)

// Sanitizer applies the ordered substitution pipeline of spec.md §4.1.
// New is its constructor; the zero value has no disallow pattern, and
// calling its methods on it panics.
type Sanitizer struct {
	disallow *regexp.Regexp
}

// New builds a Sanitizer whose final "strip disallowed characters" pass
// uses disallowPattern. An empty pattern falls back to DefaultDisallow.
func New(disallowPattern string) (*Sanitizer, error) {
	if disallowPattern == "" {
		disallowPattern = DefaultDisallow
	}
	re, err := regexp.Compile(disallowPattern)
	if err != nil {
		return nil, err
	}
	return &Sanitizer{disallow: re}, nil
}

// SanitizeMetric implements spec.md §4.1's sanitize_metric(s).
func (s *Sanitizer) SanitizeMetric(in string) string {
	return s.disallow.ReplaceAllString(transform(in, true), "")
}

// SanitizeTagPair implements spec.md §4.1's sanitize_tag_pair(k, v).
// Both key and value go through the shared substitution passes; only the
// key gets its leading-uppercase-letter lowered (rule 5 is "for tag keys
// and metrics only").
func (s *Sanitizer) SanitizeTagPair(key, value string) (string, string) {
	k := s.disallow.ReplaceAllString(transform(key, true), "")
	v := s.disallow.ReplaceAllString(transform(value, false), "")
	return k, v
}

// transform applies rules 1-5 of spec.md §4.1 (everything but the final
// disallow-class strip, which the caller applies with its own compiled
// regexp so the class stays configurable per-Sanitizer).
func transform(s string, lowerFirst bool) string {
	if m := quoted.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = leadingUpper.ReplaceAllString(s, "$1")
	s = leadingLower.ReplaceAllString(s, "_$1")
	s = leadingDigit.ReplaceAllString(s, ".$1")
	if lowerFirst && leadingUpcase.MatchString(s) {
		s = lowerFirstByte(s)
	}
	return s
}

func lowerFirstByte(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
