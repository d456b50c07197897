// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package keyparser implements spec.md §4.3: an ordered list of
// (regex, rule) mappings that translate a (possibly already
// macro-expanded) Zabbix item key into an OpenTSDB metric name and tag
// set, dispatching to one of four argument sub-parsers.
package keyparser

import (
	"github.com/kylemallory/zabbix-bridge/internal/mapping"
)

// Parser holds the ordered rule list plus an implicit catch-all that
// always matches, guaranteeing spec.md §4.3's "if no rule matches, a
// final catch-all rule must be present producing metric = <item-key>
// verbatim" invariant regardless of what configuration supplied.
type Parser struct {
	rules []*Rule
}

// New returns a Parser trying rules in order, first match wins.
func New(rules []*Rule) *Parser {
	return &Parser{rules: append([]*Rule(nil), rules...)}
}

// Parse runs itemKey through the rule list and returns the resulting
// metric+tags. It never returns a nil result without an error: the
// built-in catch-all guarantees a match.
func (p *Parser) Parse(itemKey string) (*mapping.ParsedKey, error) {
	for _, rule := range p.rules {
		groups := rule.Pattern.FindStringSubmatch(itemKey)
		if groups == nil {
			continue
		}

		parsed, err := applyRule(rule, groups)
		if err == errUnresolvedParam {
			continue // soft error: try the next mapping
		}
		if err != nil {
			continue
		}
		return parsed, nil
	}

	return &mapping.ParsedKey{Metric: itemKey, Tags: mapping.NewOrderedTags()}, nil
}

// applyRule expands one matched rule into a ParsedKey, dispatching to the
// configured argument sub-parser.
func applyRule(rule *Rule, groups []string) (*mapping.ParsedKey, error) {
	argStr := groups[0]
	if rule.ArgString != "" {
		argStr = expandGroupsOnly(rule.ArgString, groups)
	}

	var (
		params        = map[string]string{}
		parserTags    []TagTemplate
		renameHostTag string
	)

	switch rule.ArgParser {
	case ArgDefault:
		r := parseDefault()
		params = r.params
	case ArgIndex:
		r := parseIndex(argStr, rule.Flags)
		params, parserTags = r.params, r.tags
	case ArgNamed:
		r := parseNamed(argStr, rule.Flags)
		params, parserTags = r.params, r.tags
		renameHostTag = "tagged_host"
	case ArgJMX:
		r, err := parseJMX(argStr, rule.Flags)
		if err != nil {
			return nil, err
		}
		params, parserTags = r.params, r.tags
		renameHostTag = "jmx_host"
	}

	metric, err := expandTemplate(rule.Metric, groups, params)
	if err != nil {
		return nil, err
	}

	ruleTags, err := expandTagTemplates(rule.Tags, groups, params)
	if err != nil {
		return nil, err
	}

	tags := mapping.NewOrderedTags()
	for _, t := range parserTags {
		tags.Set(t.Key, t.Value)
	}
	for _, t := range ruleTags {
		tags.Set(t.Key, t.Value)
	}

	if renameHostTag != "" {
		if v, ok := tags.Get("host"); ok {
			tags.Delete("host")
			tags.Set(renameHostTag, v)
		}
	}

	return &mapping.ParsedKey{Metric: metric, Tags: tags}, nil
}

// MatchHostTags runs the first-match-wins item-host rule list (spec.md
// §4.4 step 6) against rawHost and returns the tags the matching rule
// contributes, or nil if nothing matched.
func MatchHostTags(rules []*HostRule, rawHost string) *mapping.OrderedTags {
	for _, rule := range rules {
		groups := rule.Pattern.FindStringSubmatch(rawHost)
		if groups == nil {
			continue
		}
		tags := mapping.NewOrderedTags()
		for _, tt := range rule.Tags {
			k := expandGroupsOnly(tt.Key, groups)
			v := expandGroupsOnly(tt.Value, groups)
			if k == "" || v == "" {
				continue
			}
			if !tags.Has(k) {
				tags.Set(k, v)
			}
		}
		return tags
	}
	return nil
}
