// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the bridge's static configuration
// document (spec.md §6) and compiles its ordered rule lists into the
// keyparser types that drive rule matching.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kylemallory/zabbix-bridge/internal/keyparser"
)

// MySQL holds the replica connection parameters spec.md §6 names under
// the "mysql" key.
type MySQL struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	User   string `json:"user"`
	Passwd string `json:"passwd"`
	DB     string `json:"db"`
}

// TagTemplate mirrors keyparser.TagTemplate in JSON-decodable form.
type TagTemplate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RuleFlags mirrors keyparser.Flags in JSON-decodable form.
type RuleFlags struct {
	ParameterPrefix  string   `json:"parameter_prefix"`
	NamedParameters  []string `json:"named_parameters"`
	ExpandParameters bool     `json:"expand_parameters"`
	KeyValueSplit    string   `json:"key_value_split"`
}

// ItemKeyRule is one entry of the ordered mappings.item_key list
// (spec.md §4.3). It is an array element, not an object key, so that the
// configured order survives JSON decoding unchanged (spec.md §9).
type ItemKeyRule struct {
	Pattern   string        `json:"pattern"`
	Metric    string        `json:"metric"`
	Tags      []TagTemplate `json:"tags"`
	ArgParser string        `json:"arg_parser"`
	ArgString string        `json:"arg_string"`
	Flags     RuleFlags     `json:"flags"`
}

// ItemHostRule is one entry of the ordered mappings.item_host list
// (spec.md §4.4 step 6).
type ItemHostRule struct {
	Pattern string        `json:"pattern"`
	Tags    []TagTemplate `json:"tags"`
}

// Mappings groups the three rule/macro sources spec.md §6 nests under
// "mappings".
type Mappings struct {
	Macros   map[string]map[string]string `json:"macros"`
	ItemKey  []ItemKeyRule                 `json:"item_key"`
	ItemHost []ItemHostRule                `json:"item_host"`
}

// Config is the decoded, validated configuration document (spec.md §6).
type Config struct {
	MySQL                 MySQL    `json:"mysql"`
	SlaveID               uint32   `json:"slave_id"`
	LogLevel              string   `json:"loglevel"`
	LogFile               string   `json:"logfile"`
	Disallow              string   `json:"disallow"`
	ItemRefreshIntervalS  int      `json:"item_refresh_interval_s"`
	MacroRefreshIntervalS int      `json:"macro_refresh_interval_s"`
	IgnoredKeys           []string `json:"ignored_keys"`
	IgnoredHosts          []string `json:"ignored_hosts"`
	DebugAddr             string   `json:"debug_addr"`
	Mappings              Mappings `json:"mappings"`
}

// Default returns the baseline configuration, overridden by whatever the
// config file and .env overlay supply. Mirrors the teacher's pattern of a
// package-level defaults value merged by decoding on top of it.
func Default() Config {
	return Config{
		MySQL:                 MySQL{Port: 3306},
		SlaveID:               1,
		LogLevel:              "info",
		LogFile:               "",
		Disallow:              `[^A-Za-z0-9._/-]`,
		ItemRefreshIntervalS:  86400,
		MacroRefreshIntervalS: 7200,
		DebugAddr:             "127.0.0.1:6060",
	}
}

// Load reads path after overlaying a ".env" file from the current working
// directory, if one exists, over the process environment. It does not expand `${VAR}`-style placeholders
// inside the document itself (spec.md keeps the document language-neutral);
// instead mysql.passwd may simply be left empty in the checked-in file and
// supplied by the environment via applyEnvOverrides after decoding.
func Load(path string) (*Config, error) {
	if err := godotenv.Overload(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := validate(raw); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if len(cfg.Mappings.ItemKey) == 0 {
		return nil, fmt.Errorf("config: mappings.item_key must not be empty")
	}

	return &cfg, nil
}

// applyEnvOverrides lets deployment-specific secrets live outside the
// checked-in config document (spec.md §6 / SPEC_FULL.md §6's environment
// overlay), the same shape as ZABBIX_BRIDGE_MYSQL_PASSWD=... in a .env
// file loaded by Load.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZABBIX_BRIDGE_MYSQL_PASSWD"); v != "" {
		cfg.MySQL.Passwd = v
	}
	if v := os.Getenv("ZABBIX_BRIDGE_MYSQL_USER"); v != "" {
		cfg.MySQL.User = v
	}
}

// CompileItemKeyRules turns the JSON-decoded item_key list into compiled
// keyparser.Rule values, preserving order.
func CompileItemKeyRules(rules []ItemKeyRule) ([]*keyparser.Rule, error) {
	out := make([]*keyparser.Rule, 0, len(rules))
	for i, r := range rules {
		tags := make([]keyparser.TagTemplate, len(r.Tags))
		for j, t := range r.Tags {
			tags[j] = keyparser.TagTemplate{Key: t.Key, Value: t.Value}
		}
		compiled, err := keyparser.CompileRule(r.Pattern, r.Metric, tags, r.ArgParser, r.ArgString, keyparser.Flags{
			ParameterPrefix:  r.Flags.ParameterPrefix,
			NamedParameters:  r.Flags.NamedParameters,
			ExpandParameters: r.Flags.ExpandParameters,
			KeyValueSplit:    r.Flags.KeyValueSplit,
		})
		if err != nil {
			return nil, fmt.Errorf("config: mappings.item_key[%d]: %w", i, err)
		}
		out = append(out, compiled)
	}
	return out, nil
}

// CompileItemHostRules turns the JSON-decoded item_host list into compiled
// keyparser.HostRule values, preserving order.
func CompileItemHostRules(rules []ItemHostRule) ([]*keyparser.HostRule, error) {
	out := make([]*keyparser.HostRule, 0, len(rules))
	for i, r := range rules {
		tags := make([]keyparser.TagTemplate, len(r.Tags))
		for j, t := range r.Tags {
			tags[j] = keyparser.TagTemplate{Key: t.Key, Value: t.Value}
		}
		compiled, err := keyparser.CompileHostRule(r.Pattern, tags)
		if err != nil {
			return nil, fmt.Errorf("config: mappings.item_host[%d]: %w", i, err)
		}
		out = append(out, compiled)
	}
	return out, nil
}
