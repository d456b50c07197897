// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package keyparser

import (
	"errors"
	"regexp"
	"strconv"
)

// errUnresolvedParam is returned when a template references a {@name} that
// the argument parser never produced. Per spec.md §4.3 this is a soft
// error: the whole rule is abandoned and the next mapping is tried.
var errUnresolvedParam = errors.New("keyparser: unresolved {@name} reference")

var (
	groupRef = regexp.MustCompile(`\{(\d+)\}`)
	paramRef = regexp.MustCompile(`\{@([\w:.]+)\}`)
)

// expandTemplate performs spec.md §4.3's substitution order: regex group
// references first, then named-parameter references, then the rest of the
// template is taken as literal text. groups[0] is the whole match.
func expandTemplate(tmpl string, groups []string, params map[string]string) (string, error) {
	out := groupRef.ReplaceAllStringFunc(tmpl, func(tok string) string {
		idx, _ := strconv.Atoi(tok[1 : len(tok)-1])
		if idx < len(groups) {
			return groups[idx]
		}
		return ""
	})

	var missing bool
	out = paramRef.ReplaceAllStringFunc(out, func(tok string) string {
		name := tok[2 : len(tok)-1]
		v, ok := params[name]
		if !ok {
			missing = true
			return tok
		}
		return v
	})
	if missing {
		return "", errUnresolvedParam
	}
	return out, nil
}

// expandGroupsOnly expands only {N} group references, used for argString
// templates which run before the argument parser (and therefore have no
// {@name} bindings yet).
func expandGroupsOnly(tmpl string, groups []string) string {
	return groupRef.ReplaceAllStringFunc(tmpl, func(tok string) string {
		idx, _ := strconv.Atoi(tok[1 : len(tok)-1])
		if idx < len(groups) {
			return groups[idx]
		}
		return ""
	})
}

// expandTagTemplates expands a rule's tag template list into an ordered
// tag set, dropping any pair where the expanded key or value is empty
// (spec.md §4.3's argParser_default behavior: "if k and v: tags[k]=v").
// A soft error from any single pair aborts the whole rule.
func expandTagTemplates(tmpls []TagTemplate, groups []string, params map[string]string) (ordered []TagTemplate, err error) {
	for _, tt := range tmpls {
		k, err := expandTemplate(tt.Key, groups, params)
		if err != nil {
			return nil, err
		}
		v, err := expandTemplate(tt.Value, groups, params)
		if err != nil {
			return nil, err
		}
		if k == "" || v == "" {
			continue
		}
		ordered = append(ordered, TagTemplate{Key: k, Value: v})
	}
	return ordered, nil
}
