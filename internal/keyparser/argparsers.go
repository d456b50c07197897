// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package keyparser

import (
	"fmt"
	"strconv"
	"strings"
)

// paramResult is the common return shape of the four argument parsers:
// the named-parameter bindings for {@name} substitution, and the tags
// those parameters contribute directly (only populated when
// flags.expand_parameters is set).
type paramResult struct {
	params map[string]string
	tags   []TagTemplate // insertion order matches CSV field order
}

// parseDefault implements spec.md §4.3's "default" sub-parser: no
// arguments, nothing to expose under {@name}.
func parseDefault() paramResult {
	return paramResult{params: map[string]string{}}
}

// parseIndex implements the "index" sub-parser: positional CSV values
// exposed as {@1}, {@2}, ... (or {@<prefix><name>} when named_parameters
// is set), optionally also surfaced as tags.
func parseIndex(argStr string, flags Flags) paramResult {
	fields := splitArgs(argStr)
	res := paramResult{params: map[string]string{}}
	for i, f := range fields {
		var name string
		if i < len(flags.NamedParameters) {
			name = flags.ParameterPrefix + flags.NamedParameters[i]
		} else {
			name = flags.ParameterPrefix + strconv.Itoa(i+1)
		}
		res.params[name] = f
		if flags.ExpandParameters {
			res.tags = append(res.tags, TagTemplate{Key: name, Value: f})
		}
	}
	return res
}

// parseNamed implements the "named" sub-parser: each CSV cell is split on
// flags.KeyValueSplit into key=value, exposed as {@<prefix>key}.
func parseNamed(argStr string, flags Flags) paramResult {
	fields := splitArgs(argStr)
	res := paramResult{params: map[string]string{}}
	for _, f := range fields {
		parts := strings.SplitN(f, flags.KeyValueSplit, 2)
		if len(parts) != 2 {
			continue
		}
		name := flags.ParameterPrefix + parts[0]
		res.params[name] = parts[1]
		if flags.ExpandParameters {
			res.tags = append(res.tags, TagTemplate{Key: name, Value: parts[1]})
		}
	}
	return res
}

// parseJMX implements the "jmx" sub-parser: first CSV cell is
// "domain:k1=v1,k2=v2" (or "domain,k1=v1,..."), second cell is the
// attribute name. domain, attribute and every query key become
// parameters under flags.parameter_prefix.
func parseJMX(argStr string, flags Flags) (paramResult, error) {
	fields := splitArgs(argStr)
	if len(fields) < 2 {
		return paramResult{}, fmt.Errorf("keyparser: jmx parser needs 2 fields, got %d", len(fields))
	}
	query, attribute := fields[0], fields[1]

	var domain, rest string
	switch {
	case strings.Contains(query, ":"):
		parts := strings.SplitN(query, ":", 2)
		domain, rest = parts[0], parts[1]
	case strings.Contains(query, ","):
		parts := strings.SplitN(query, ",", 2)
		domain, rest = parts[0], parts[1]
	default:
		domain, rest = query, ""
	}

	res := paramResult{params: map[string]string{}}
	prefix := flags.ParameterPrefix
	if rest != "" {
		for _, pair := range strings.Split(rest, ",") {
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 {
				continue
			}
			name := prefix + parts[0]
			res.params[name] = parts[1]
			if flags.ExpandParameters {
				res.tags = append(res.tags, TagTemplate{Key: name, Value: parts[1]})
			}
		}
	}
	res.params[prefix+"domain"] = domain
	res.params[prefix+"attribute"] = attribute

	return res, nil
}
