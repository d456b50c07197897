// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"context"
	"time"

	"github.com/kylemallory/zabbix-bridge/internal/counters"
	"github.com/kylemallory/zabbix-bridge/internal/log"
)

type hookTimingKey struct{}

// hooks satisfies sqlhooks.Hooks, logging query timing at debug level.
// The counter bumps that matter for spec.md §4.6 (items_cache_reads/writes,
// macros_read/written) happen in the Store methods themselves, since they
// need to distinguish item vs. macro queries; this hook is purely an
// observability aid, same role as the teacher's repository.Hooks.
type hooks struct {
	counters *counters.Set
}

func (h *hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("store: query %s %v", query, args)
	return context.WithValue(ctx, hookTimingKey{}, time.Now()), nil
}

func (h *hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(hookTimingKey{}).(time.Time); ok {
		log.Debugf("store: took %s", time.Since(begin))
	}
	return ctx, nil
}
