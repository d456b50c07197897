// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package resolver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/go-sql-driver/mysql"

	"github.com/kylemallory/zabbix-bridge/internal/mapping"
)

// ZabbixDB wraps the read-only queries the resolver issues against the
// upstream Zabbix schema (spec.md §6).
type ZabbixDB struct {
	db      *sqlx.DB
	timeout time.Duration
}

// OpenZabbixDB connects to the Zabbix MySQL replica at dsn. Queries use a
// bounded deadline (default 10s, spec.md §5) rather than running
// unbounded.
func OpenZabbixDB(dsn string, timeout time.Duration) (*ZabbixDB, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("resolver: opening zabbix db: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ZabbixDB{db: db, timeout: timeout}, nil
}

// Close releases the underlying connection pool.
func (z *ZabbixDB) Close() error {
	return z.db.Close()
}

func (z *ZabbixDB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, z.timeout)
}

// LastSeenItemID returns the highest itemid known to Zabbix (the last-seen
// id probe), or 0 when the items table is empty.
func (z *ZabbixDB) LastSeenItemID(ctx context.Context) (uint64, error) {
	ctx, cancel := z.withTimeout(ctx)
	defer cancel()

	var id uint64
	err := z.db.GetContext(ctx, &id, `SELECT itemid FROM items ORDER BY itemid DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolver: last_seen_item_id: %w", err)
	}
	return id, nil
}

// FetchItem looks up one item's host, raw key and proxy host (spec.md §3,
// §6). ok is false when no row was found: the itemid does not exist, or
// its host has status 3, which the query excludes. The item's own status
// is not filtered.
func (z *ZabbixDB) FetchItem(ctx context.Context, itemid uint64) (row mapping.ZabbixItemRow, ok bool, err error) {
	ctx, cancel := z.withTimeout(ctx)
	defer cancel()

	var r struct {
		ItemID uint64         `db:"itemid"`
		Host   string         `db:"host"`
		Key    string         `db:"key_"`
		Proxy  sql.NullString `db:"proxy"`
	}
	err = z.db.GetContext(ctx, &r, `
		SELECT i.itemid, h.host, i.key_, h2.host AS proxy
		FROM items i
		JOIN hosts h ON i.hostid = h.hostid
		LEFT JOIN hosts h2 ON h2.hostid = h.proxy_hostid
		WHERE h.status <> 3 AND i.itemid = ?`, itemid)
	if err == sql.ErrNoRows {
		return mapping.ZabbixItemRow{}, false, nil
	}
	if err != nil {
		return mapping.ZabbixItemRow{}, false, fmt.Errorf("resolver: fetch_item(%d): %w", itemid, err)
	}
	return mapping.ZabbixItemRow{ItemID: r.ItemID, Host: r.Host, Key: r.Key, Proxy: r.Proxy.String}, true, nil
}

// HostMacroRow is one row of a host-macro fetch: RawHost is "" when the
// binding is a template-level global (tt.host IS NULL in the upstream
// query), meaning it applies via mapping.GlobalHost.
type HostMacroRow struct {
	RawHost string
	Macro   string
	Value   string
}

// FetchHostMacros runs spec.md §6's hostmacro join scoped to host, which
// returns both host's own bindings (tt.host = host) and every
// template-level global binding (tt.host IS NULL) in the same result set.
func (z *ZabbixDB) FetchHostMacros(ctx context.Context, host string) ([]HostMacroRow, error) {
	ctx, cancel := z.withTimeout(ctx)
	defer cancel()

	var rows []struct {
		Host  sql.NullString `db:"host"`
		Macro string         `db:"macro"`
		Value string         `db:"value"`
	}
	err := z.db.SelectContext(ctx, &rows, `
		SELECT tt.host AS host, m.macro, m.value
		FROM hostmacro m
		JOIN hosts h ON m.hostid = h.hostid
		LEFT JOIN hosts_templates ht ON ht.templateid = h.hostid
		LEFT JOIN hosts tt ON tt.hostid = ht.hostid
		WHERE tt.host = ? OR tt.host IS NULL`, host)
	if err != nil {
		return nil, fmt.Errorf("resolver: fetch_host_macros(%s): %w", host, err)
	}

	out := make([]HostMacroRow, len(rows))
	for i, r := range rows {
		out[i] = HostMacroRow{RawHost: r.Host.String, Macro: r.Macro, Value: r.Value}
	}
	return out, nil
}
