// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package keyparser

import (
	"fmt"
	"regexp"
)

// ArgParserKind selects which of the four argument sub-parsers (spec.md
// §4.3) a rule uses.
type ArgParserKind string

const (
	ArgDefault ArgParserKind = "default"
	ArgIndex   ArgParserKind = "index"
	ArgNamed   ArgParserKind = "named"
	ArgJMX     ArgParserKind = "jmx"
)

// TagTemplate is one key/value template pair, kept as a slice entry (not a
// map) so that a rule's tag list keeps the order it was declared in.
type TagTemplate struct {
	Key   string
	Value string
}

// Flags carries the per-rule options spec.md §4.3 assigns to the
// index/named/jmx argument parsers.
type Flags struct {
	ParameterPrefix  string
	NamedParameters  []string
	ExpandParameters bool
	// KeyValueSplit is the separator the "named" parser splits each CSV
	// cell on. Defaults to "=".
	KeyValueSplit string
}

// Rule is one compiled (regex, rule) entry from mappings.item_key.
type Rule struct {
	Pattern   *regexp.Regexp
	Metric    string
	Tags      []TagTemplate
	ArgParser ArgParserKind
	// ArgString is a template (expanded with regex groups only) selecting
	// the substring passed to the argument parser. Empty means "the whole
	// match" (group 0).
	ArgString string
	Flags     Flags
}

// CompileRule builds a Rule, compiling patternSrc and defaulting ArgParser
// to ArgDefault and Flags.KeyValueSplit to "=" as spec.md §4.3 specifies.
func CompileRule(patternSrc, metric string, tags []TagTemplate, argParser string, argString string, flags Flags) (*Rule, error) {
	pat, err := regexp.Compile(patternSrc)
	if err != nil {
		return nil, fmt.Errorf("keyparser: compiling pattern %q: %w", patternSrc, err)
	}
	kind := ArgParserKind(argParser)
	switch kind {
	case "":
		kind = ArgDefault
	case ArgDefault, ArgIndex, ArgNamed, ArgJMX:
	default:
		return nil, fmt.Errorf("keyparser: unknown arg_parser %q", argParser)
	}
	if flags.KeyValueSplit == "" {
		flags.KeyValueSplit = "="
	}
	return &Rule{
		Pattern:   pat,
		Metric:    metric,
		Tags:      tags,
		ArgParser: kind,
		ArgString: argString,
		Flags:     flags,
	}, nil
}

// HostRule is one compiled (regex, tags) entry from mappings.item_host
// (spec.md §4.4 step 6). It never carries a metric template.
type HostRule struct {
	Pattern *regexp.Regexp
	Tags    []TagTemplate
}

// CompileHostRule builds a HostRule, compiling patternSrc.
func CompileHostRule(patternSrc string, tags []TagTemplate) (*HostRule, error) {
	pat, err := regexp.Compile(patternSrc)
	if err != nil {
		return nil, fmt.Errorf("keyparser: compiling host pattern %q: %w", patternSrc, err)
	}
	return &HostRule{Pattern: pat, Tags: tags}, nil
}
