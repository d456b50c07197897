// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package debugserver implements SPEC_FULL.md §4.7: a loopback-only
// operational HTTP surface (health + Prometheus metrics), entirely
// separate from the bridge's primary stdout output path.
package debugserver

import (
	"context"
	"net/http"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kylemallory/zabbix-bridge/internal/counters"
	"github.com/kylemallory/zabbix-bridge/internal/log"
)

// HealthChecker reports whether the stream consumer loop is alive.
type HealthChecker interface {
	Alive() bool
}

// Server is the loopback debug/introspection HTTP surface.
type Server struct {
	httpServer *http.Server
}

// collector adapts *counters.Set to a Prometheus Collector by re-reading
// every field on each scrape rather than keeping a parallel set of
// prometheus.Counter objects in sync by hand.
type collector struct {
	counters *counters.Set
	descs    map[string]*prometheus.Desc
}

func newCollector(cset *counters.Set) *collector {
	mk := func(name string) *prometheus.Desc {
		return prometheus.NewDesc("zabbix_bridge_"+name, name, nil, nil)
	}
	return &collector{
		counters: cset,
		descs: map[string]*prometheus.Desc{
			"received":           mk("received"),
			"sent":               mk("sent"),
			"errors":             mk("errors"),
			"updated":            mk("updated"),
			"rows_skipped":       mk("rows_skipped"),
			"items_cache_reads":  mk("items_cache_reads"),
			"items_cache_writes": mk("items_cache_writes"),
			"macros_written":     mk("macros_written"),
			"macros_read":        mk("macros_read"),
			"macros_expired":     mk("macros_expired"),
		},
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	emit := func(name string, v int64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
	emit("received", c.counters.Received.Load())
	emit("sent", c.counters.Sent.Load())
	emit("errors", c.counters.Errors.Load())
	emit("updated", c.counters.Updated.Load())
	emit("rows_skipped", c.counters.RowsSkipped.Load())
	emit("items_cache_reads", c.counters.ItemsCacheReads.Load())
	emit("items_cache_writes", c.counters.ItemsCacheWrites.Load())
	emit("macros_written", c.counters.MacrosWritten.Load())
	emit("macros_read", c.counters.MacrosRead.Load())
	emit("macros_expired", c.counters.MacrosExpired.Load())
}

// New builds a Server bound to addr. An empty addr means "disabled" and
// New returns (nil, nil): callers should treat a nil *Server as a no-op.
func New(addr string, cset *counters.Set, health HealthChecker, enableGops bool) (*Server, error) {
	if addr == "" {
		return nil, nil
	}

	if enableGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(newCollector(cset)); err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil && !health.Alive() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{httpServer: &http.Server{Addr: addr, Handler: r}}, nil
}

// ListenAndServe runs the server; it always returns a non-nil error on
// exit (matching net/http.Server.ListenAndServe), which callers started
// in a goroutine should log rather than treat as fatal. On a nil Server
// (debug server disabled) it returns nil at once.
func (s *Server) ListenAndServe() error {
	if s == nil {
		return nil
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warnf("debugserver: shutdown: %v", err)
		return err
	}
	return nil
}
