// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package resolver

import (
	"regexp"
	"strings"

	"github.com/kylemallory/zabbix-bridge/internal/mapping"
)

var macroToken = regexp.MustCompile(`\{\$\w+\}`)

// expandMacros implements spec.md §4.4 step 4: repeatedly substitute a
// "{$WORD}" token from hostMacros, falling back to globalMacros, stopping
// when no tokens remain or a token has no binding. The iteration is bounded
// by the number of tokens present in the original string (spec.md §9),
// so a key that keeps producing new unresolved tokens cannot loop forever.
//
// ok is false when at least one "{$WORD}" token remains unresolved.
func expandMacros(key string, hostMacros, globalMacros mapping.MacroSet) (expanded string, ok bool) {
	bound := len(macroToken.FindAllString(key, -1))
	for i := 0; i < bound; i++ {
		m := macroToken.FindString(key)
		if m == "" {
			return key, true
		}
		if v, found := hostMacros[m]; found {
			key = strings.Replace(key, m, v, 1)
			continue
		}
		if v, found := globalMacros[m]; found {
			key = strings.Replace(key, m, v, 1)
			continue
		}
		break
	}
	return key, macroToken.FindString(key) == ""
}
