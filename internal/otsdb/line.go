// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package otsdb formats and writes OpenTSDB put-text lines (spec.md §6):
// "<metric> <timestamp> <value> [tag_k=tag_v ...]\n".
package otsdb

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/kylemallory/zabbix-bridge/internal/mapping"
)

// FormatLine builds one put line for metric, observed at unix second ts
// with value, tagged by tags in insertion order. Tags with an empty value
// are omitted (spec.md §6). value is written exactly as given; rendering
// it from the history/history_uint column is the caller's job.
func FormatLine(metric string, ts int64, value string, tags *mapping.OrderedTags) string {
	var b []byte
	b = append(b, metric...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, ts, 10)
	b = append(b, ' ')
	b = append(b, value...)
	if tags != nil {
		tags.Each(func(k, v string) {
			if v == "" {
				return
			}
			b = append(b, ' ')
			b = append(b, k...)
			b = append(b, '=')
			b = append(b, v...)
		})
	}
	b = append(b, '\n')
	return string(b)
}

// Writer serializes put lines to an underlying io.Writer, guaranteeing
// each line is written atomically (spec.md §5: "stdout writes are atomic
// per line") regardless of how many goroutines call Write concurrently.
type Writer struct {
	mu  sync.Mutex
	buf *bufio.Writer
}

// NewWriter wraps w (typically os.Stdout) in a line-granularity mutex.
func NewWriter(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriter(w)}
}

// Write emits one already-formatted line (expected to end in "\n").
func (w *Writer) Write(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.buf.WriteString(line); err != nil {
		return fmt.Errorf("otsdb: writing line: %w", err)
	}
	return w.buf.Flush()
}

// Flush forces any buffered bytes out; used on graceful shutdown.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}
