// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `{
  "mysql": {"host": "db1", "port": 3306, "user": "bridge", "passwd": "", "db": "zabbix"},
  "slave_id": 42,
  "loglevel": "debug",
  "item_refresh_interval_s": 1800,
  "macro_refresh_interval_s": 300,
  "ignored_keys": ["agent.ping"],
  "ignored_hosts": [],
  "mappings": {
    "macros": {"__global__": {"{$SITE}": "dc1"}},
    "item_key": [
      {
        "pattern": "^system\\.cpu\\.load\\[([^\\]]*)\\]$",
        "metric": "system.cpu.load",
        "arg_parser": "index",
        "arg_string": "{1}",
        "flags": {"named_parameters": ["cpu", "sampleInterval"], "expand_parameters": true}
      }
    ],
    "item_host": [
      {"pattern": "^web.*$", "tags": [{"key": "role", "value": "web"}]}
    ]
  }
}`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MySQL.Host != "db1" || cfg.MySQL.DB != "zabbix" {
		t.Errorf("mysql config = %+v", cfg.MySQL)
	}
	if cfg.SlaveID != 42 {
		t.Errorf("slave_id = %d", cfg.SlaveID)
	}
	if cfg.DebugAddr != "127.0.0.1:6060" {
		t.Errorf("debug_addr default not applied: %q", cfg.DebugAddr)
	}
	if len(cfg.Mappings.ItemKey) != 1 {
		t.Fatalf("item_key len = %d", len(cfg.Mappings.ItemKey))
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeTempConfig(t, `{"mappings": {"item_key": []}}`)
	if _, err := Load(path); err == nil {
		t.Error("expected schema validation error for missing mysql.host/db")
	}
}

func TestLoadRejectsEmptyItemKeyList(t *testing.T) {
	path := writeTempConfig(t, `{"mysql": {"host": "db1", "db": "zabbix"}, "mappings": {"item_key": []}}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error: mappings.item_key must not be empty")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, `{
		"mysql": {"host": "db1", "db": "zabbix"},
		"mappings": {"item_key": [{"pattern": "^x$", "metric": "x"}]},
		"bogus_top_level_key": true
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected decode error for unknown field")
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	os.Setenv("ZABBIX_BRIDGE_MYSQL_PASSWD", "s3cr3t")
	defer os.Unsetenv("ZABBIX_BRIDGE_MYSQL_PASSWD")

	path := writeTempConfig(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MySQL.Passwd != "s3cr3t" {
		t.Errorf("passwd = %q, want env override", cfg.MySQL.Passwd)
	}
}

func TestCompileItemKeyRulesPreservesOrder(t *testing.T) {
	rules := []ItemKeyRule{
		{Pattern: "^a$", Metric: "first"},
		{Pattern: "^a$", Metric: "second"},
	}
	compiled, err := CompileItemKeyRules(rules)
	if err != nil {
		t.Fatal(err)
	}
	if len(compiled) != 2 || compiled[0].Metric != "first" || compiled[1].Metric != "second" {
		t.Errorf("order not preserved: %+v", compiled)
	}
}

func TestCompileItemKeyRulesRejectsBadPattern(t *testing.T) {
	_, err := CompileItemKeyRules([]ItemKeyRule{{Pattern: "(unterminated", Metric: "m"}})
	if err == nil {
		t.Error("expected compile error for invalid regex")
	}
}

func TestCompileItemHostRules(t *testing.T) {
	rules := []ItemHostRule{
		{Pattern: "^web.*$", Tags: []TagTemplate{{Key: "role", Value: "web"}}},
	}
	compiled, err := CompileItemHostRules(rules)
	if err != nil {
		t.Fatal(err)
	}
	if len(compiled) != 1 || len(compiled[0].Tags) != 1 {
		t.Errorf("unexpected result: %+v", compiled)
	}
}
