// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store implements spec.md §4.2's persistent mapping store: an
// embedded SQLite database holding resolved items, their tags, and
// per-host macro bindings, with jittered TTL refresh.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	sqlite3drv "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/kylemallory/zabbix-bridge/internal/counters"
	"github.com/kylemallory/zabbix-bridge/internal/log"
	"github.com/kylemallory/zabbix-bridge/internal/mapping"
)

//go:embed migrations/sqlite3/*.sql
var migrationFiles embed.FS

// Store wraps the single SQLite connection backing the mapping cache.
// SQLite does not benefit from concurrent writers, so the connection pool
// is capped at one — that cap is spec.md §5's "single store mutex" made
// structural instead of a hand-rolled sync.Mutex.
type Store struct {
	db       *sqlx.DB
	counters *counters.Set
	itemTTL  time.Duration
	macroTTL time.Duration
}

var driverRegistered = false

// Open connects to the SQLite database at path, bootstraps its schema via
// golang-migrate, and returns a ready Store.
func Open(path string, itemTTL, macroTTL time.Duration, cset *counters.Set) (*Store, error) {
	if !driverRegistered {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3drv.SQLiteDriver{}, &hooks{counters: cset}))
		driverRegistered = true
	}

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB, path); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, counters: cset, itemTTL: itemTTL, macroTTL: macroTTL}, nil
}

func migrateUp(db *sql.DB, path string) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrating %s: %w", path, err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// jitter returns ttl plus a uniform random amount in [0, ttl/10), breaking
// synchronized refresh waves (spec.md §4.2).
func jitter(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	spread := ttl / 10
	if spread <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(spread)))
}

// GetItem returns the cached mapping for itemid, or nil if not present.
func (s *Store) GetItem(ctx context.Context, itemid uint64) (*mapping.Item, error) {
	s.counters.ItemsCacheReads.Add(1)
	log.Debugf("store: get_item(%d)", itemid)

	var row struct {
		Host          string `db:"host"`
		ItemKey       string `db:"item_key"`
		Metric        string `db:"metric"`
		NextRefreshAt int64  `db:"next_refresh_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT host, item_key, metric, next_refresh_at FROM items WHERE itemid = ?`, itemid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get_item(%d): %w", itemid, err)
	}

	tags, err := s.loadTags(ctx, itemid)
	if err != nil {
		return nil, err
	}

	return &mapping.Item{
		ItemID:        itemid,
		RawHost:       row.Host,
		RawKey:        row.ItemKey,
		Metric:        row.Metric,
		Tags:          tags,
		NextRefreshAt: time.Unix(row.NextRefreshAt, 0).UTC(),
	}, nil
}

func (s *Store) loadTags(ctx context.Context, itemid uint64) (*mapping.OrderedTags, error) {
	var rows []struct {
		Key   string `db:"tag_key"`
		Value string `db:"tag_value"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT tag_key, tag_value FROM tags WHERE itemid = ? ORDER BY tag_order`, itemid)
	if err != nil {
		return nil, fmt.Errorf("store: loading tags for item %d: %w", itemid, err)
	}
	tags := mapping.NewOrderedTags()
	for _, r := range rows {
		tags.Set(r.Key, r.Value)
	}
	return tags, nil
}

// PutItem upserts item's row and replaces its tag rows in one transaction,
// computing a freshly jittered next_refresh_at (spec.md §4.2).
func (s *Store) PutItem(ctx context.Context, item *mapping.Item) error {
	s.counters.ItemsCacheWrites.Add(1)

	next := time.Now().Add(jitter(s.itemTTL)).Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: put_item(%d): begin: %w", item.ItemID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO items(itemid, host, item_key, metric, next_refresh_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(itemid) DO UPDATE SET host=excluded.host, item_key=excluded.item_key,
		   metric=excluded.metric, next_refresh_at=excluded.next_refresh_at`,
		item.ItemID, item.RawHost, item.RawKey, item.Metric, next)
	if err != nil {
		return fmt.Errorf("store: put_item(%d): upsert item: %w", item.ItemID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE itemid = ?`, item.ItemID); err != nil {
		return fmt.Errorf("store: put_item(%d): clearing tags: %w", item.ItemID, err)
	}

	if item.Tags != nil {
		i := 0
		var execErr error
		item.Tags.Each(func(k, v string) {
			if execErr != nil {
				return
			}
			_, execErr = tx.ExecContext(ctx,
				`INSERT INTO tags(itemid, tag_key, tag_value, tag_order) VALUES (?, ?, ?, ?)`,
				item.ItemID, k, v, i)
			i++
		})
		if execErr != nil {
			return fmt.Errorf("store: put_item(%d): inserting tags: %w", item.ItemID, execErr)
		}
	}

	item.NextRefreshAt = time.Unix(next, 0).UTC()
	return tx.Commit()
}

// GetMacros returns the merged macro set for host: host-specific bindings
// plus every mapping.GlobalHost binding, host-specific taking precedence
// (spec.md §4.2's get_macros).
func (s *Store) GetMacros(ctx context.Context, host string) (mapping.MacroSet, error) {
	s.counters.MacrosRead.Add(1)

	var rows []struct {
		Host  string `db:"host"`
		Macro string `db:"macro"`
		Value string `db:"value"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT host, macro, value FROM macros WHERE host = ? OR host = ?`, host, mapping.GlobalHost)
	if err != nil {
		return nil, fmt.Errorf("store: get_macros(%s): %w", host, err)
	}

	result := mapping.MacroSet{}
	for _, r := range rows {
		if r.Host == mapping.GlobalHost {
			if _, ok := result[r.Macro]; !ok {
				result[r.Macro] = r.Value
			}
		}
	}
	for _, r := range rows {
		if r.Host == host {
			result[r.Macro] = r.Value
		}
	}
	return result, nil
}

// PutMacros upserts host's macro bindings with a freshly jittered
// next_refresh_at (spec.md §4.2).
func (s *Store) PutMacros(ctx context.Context, host string, macros mapping.MacroSet) error {
	s.counters.MacrosWritten.Add(int64(len(macros)))

	next := time.Now().Add(jitter(s.macroTTL)).Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: put_macros(%s): begin: %w", host, err)
	}
	defer tx.Rollback()

	for name, value := range macros {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO macros(host, macro, value, next_refresh_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(host, macro, value) DO UPDATE SET next_refresh_at=excluded.next_refresh_at`,
			host, name, value, next)
		if err != nil {
			return fmt.Errorf("store: put_macros(%s): upsert %s: %w", host, name, err)
		}
	}

	return tx.Commit()
}

// ExpiredMacroHosts returns the set of hosts with at least one macro row
// whose next_refresh_at is at or before now. Hosts with no macro rows at
// all are not included.
func (s *Store) ExpiredMacroHosts(ctx context.Context, now time.Time) ([]string, error) {
	var hosts []string
	err := s.db.SelectContext(ctx, &hosts,
		`SELECT DISTINCT host FROM macros WHERE next_refresh_at <= ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: expired_macro_hosts: %w", err)
	}
	return hosts, nil
}

// NeedsMacroRefresh reports whether host has no macro rows yet, or has at
// least one row past its next_refresh_at.
func (s *Store) NeedsMacroRefresh(ctx context.Context, host string, now time.Time) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM macros WHERE host = ?`, host); err != nil {
		return false, fmt.Errorf("store: needs_macro_refresh(%s): count: %w", host, err)
	}
	if count == 0 {
		return true, nil
	}
	var expired int
	err := s.db.GetContext(ctx, &expired,
		`SELECT COUNT(*) FROM macros WHERE host = ? AND next_refresh_at <= ?`, host, now.Unix())
	if err != nil {
		return false, fmt.Errorf("store: needs_macro_refresh(%s): expired: %w", host, err)
	}
	return expired > 0, nil
}

// CacheStats mirrors spec.md §4.2's cache_stats().
func (s *Store) CacheStats(ctx context.Context, now time.Time) (*mapping.CacheStats, error) {
	var total, active int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM items`); err != nil {
		return nil, fmt.Errorf("store: cache_stats: total: %w", err)
	}
	if err := s.db.GetContext(ctx, &active, `SELECT COUNT(*) FROM items WHERE next_refresh_at > ?`, now.Unix()); err != nil {
		return nil, fmt.Errorf("store: cache_stats: active: %w", err)
	}

	var rows []struct {
		Host  string `db:"host"`
		Count int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT host, COUNT(*) AS count FROM items GROUP BY host`); err != nil {
		return nil, fmt.Errorf("store: cache_stats: per_host: %w", err)
	}
	perHost := make(map[string]int64, len(rows))
	for _, r := range rows {
		perHost[r.Host] = r.Count
	}

	return &mapping.CacheStats{
		Total:         total,
		Active:        active,
		Expired:       total - active,
		PerHostCounts: perHost,
	}, nil
}
