// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command zabbix-bridge tails a Zabbix server's MySQL replication stream
// and republishes each new history row as an OpenTSDB put line on stdout
// (spec.md §1). It is meant to run under tcollector or a similar
// line-oriented collector harness, or standalone under systemd.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/kylemallory/zabbix-bridge/internal/cache"
	"github.com/kylemallory/zabbix-bridge/internal/config"
	"github.com/kylemallory/zabbix-bridge/internal/counters"
	"github.com/kylemallory/zabbix-bridge/internal/debugserver"
	"github.com/kylemallory/zabbix-bridge/internal/keyparser"
	"github.com/kylemallory/zabbix-bridge/internal/log"
	"github.com/kylemallory/zabbix-bridge/internal/mapping"
	"github.com/kylemallory/zabbix-bridge/internal/otsdb"
	"github.com/kylemallory/zabbix-bridge/internal/resolver"
	"github.com/kylemallory/zabbix-bridge/internal/runtimeenv"
	"github.com/kylemallory/zabbix-bridge/internal/sanitizer"
	"github.com/kylemallory/zabbix-bridge/internal/store"
	"github.com/kylemallory/zabbix-bridge/internal/stream"
	"github.com/kylemallory/zabbix-bridge/internal/telemetry"
)

// Exit codes (spec.md §6): 0 graceful shutdown, 1 a config or dependency
// failure at startup, 2 an unrecoverable error in the running stream.
const (
	exitOK          = 0
	exitStartupFail = 1
	exitStreamFail  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/zabbix-bridge/config.json", "path to the bridge configuration document")
	storePath := flag.String("store", "/var/lib/zabbix-bridge/store.db", "path to the persistent mapping store (sqlite3)")
	gops := flag.Bool("gops", false, "start a github.com/google/gops agent for runtime introspection")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zabbix-bridge: %v\n", err)
		return exitStartupFail
	}

	if err := log.Init(cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "zabbix-bridge: opening logfile: %v\n", err)
		return exitStartupFail
	}
	log.SetLevel(cfg.LogLevel)

	cset := counters.New()

	itemTTL := time.Duration(cfg.ItemRefreshIntervalS) * time.Second
	macroTTL := time.Duration(cfg.MacroRefreshIntervalS) * time.Second

	st, err := store.Open(*storePath, itemTTL, macroTTL, cset)
	if err != nil {
		log.Errorf("zabbix-bridge: opening store: %v", err)
		return exitStartupFail
	}
	defer st.Close()

	if err := seedConfigMacros(context.Background(), st, cfg.Mappings.Macros); err != nil {
		log.Errorf("zabbix-bridge: seeding config macros: %v", err)
		return exitStartupFail
	}

	zdb, err := resolver.OpenZabbixDB(zabbixDSN(cfg.MySQL), 10*time.Second)
	if err != nil {
		log.Errorf("zabbix-bridge: opening zabbix db: %v", err)
		return exitStartupFail
	}
	defer zdb.Close()

	rules, err := config.CompileItemKeyRules(cfg.Mappings.ItemKey)
	if err != nil {
		log.Errorf("zabbix-bridge: %v", err)
		return exitStartupFail
	}
	hostRules, err := config.CompileItemHostRules(cfg.Mappings.ItemHost)
	if err != nil {
		log.Errorf("zabbix-bridge: %v", err)
		return exitStartupFail
	}

	san, err := sanitizer.New(cfg.Disallow)
	if err != nil {
		log.Errorf("zabbix-bridge: compiling disallow pattern: %v", err)
		return exitStartupFail
	}

	res := resolver.New(
		st,
		cache.New(100_000),
		zdb,
		keyparser.New(rules),
		hostRules,
		mapping.MacroSet(cfg.Mappings.Macros[mapping.GlobalHost]),
		san,
		itemTTL,
		cset,
	)
	if err := res.SetIgnoreLists(cfg.IgnoredHosts, cfg.IgnoredKeys); err != nil {
		log.Errorf("zabbix-bridge: %v", err)
		return exitStartupFail
	}

	writer := otsdb.NewWriter(os.Stdout)

	readerCfg := stream.ReaderConfig{
		Host:     cfg.MySQL.Host,
		Port:     uint16(cfg.MySQL.Port),
		User:     cfg.MySQL.User,
		Password: cfg.MySQL.Passwd,
		SlaveID:  cfg.SlaveID,
		Schema:   cfg.MySQL.DB,
	}
	factory := stream.NewReaderFactory(readerCfg, mysql.Position{})
	consumer := stream.New(factory, res, writer, cset)

	tel, err := telemetry.New(st, writer, cset, macroTTL/2)
	if err != nil {
		log.Errorf("zabbix-bridge: %v", err)
		return exitStartupFail
	}
	if err := tel.Start(); err != nil {
		log.Errorf("zabbix-bridge: %v", err)
		return exitStartupFail
	}
	defer tel.Shutdown()

	dbg, err := debugserver.New(cfg.DebugAddr, cset, consumer, *gops)
	if err != nil {
		log.Errorf("zabbix-bridge: starting debug server: %v", err)
		return exitStartupFail
	}
	go func() {
		if err := dbg.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("zabbix-bridge: debug server: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- consumer.Run(ctx) }()

	runtimeenv.SystemdNotify(true, "tailing zabbix replication stream")

	var streamErr error
	select {
	case <-ctx.Done():
		log.Infof("zabbix-bridge: shutting down on signal")
	case streamErr = <-runErr:
		log.Errorf("zabbix-bridge: stream consumer exited: %v", streamErr)
	}

	runtimeenv.SystemdNotify(false, "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := dbg.Shutdown(shutdownCtx); err != nil {
		log.Warnf("zabbix-bridge: debug server shutdown: %v", err)
	}
	if err := writer.Flush(); err != nil {
		log.Warnf("zabbix-bridge: flushing stdout: %v", err)
	}

	if streamErr != nil {
		return exitStreamFail
	}
	return exitOK
}

// zabbixDSN builds a go-sql-driver/mysql DSN from the config's mysql block.
func zabbixDSN(m config.MySQL) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", m.User, m.Passwd, m.Host, m.Port, m.DB)
}

// seedConfigMacros loads any per-host macro bindings supplied directly in
// the config document (spec.md §6's mappings.macros) into the store, so
// they are already present on first resolve rather than waiting for the
// first Zabbix-sourced macro refresh.
func seedConfigMacros(ctx context.Context, st *store.Store, macros map[string]map[string]string) error {
	for host, set := range macros {
		if err := st.PutMacros(ctx, host, mapping.MacroSet(set)); err != nil {
			return fmt.Errorf("host %s: %w", host, err)
		}
	}
	return nil
}
