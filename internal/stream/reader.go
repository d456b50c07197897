// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
)

// ReaderConfig names the upstream Zabbix MySQL replica and the schema the
// consumer should tail (spec.md §6's "required privileges: SELECT,
// REPLICATION SLAVE, REPLICATION CLIENT").
type ReaderConfig struct {
	Host     string
	Port     uint16
	User     string
	Password string
	SlaveID  uint32
	Schema   string
}

// BinlogReader wraps replication.BinlogSyncer behind the BinlogSource
// interface, demultiplexing each WriteRowsEvent into one RowEvent per row
// so the consumer sees a flat stream.
type BinlogReader struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	schema   string
	pos      mysql.Position
	pending  []RowEvent
}

// OpenBinlogReader starts a replication session at pos (resume_stream is
// implicit in go-mysql: StartSync resumes from whatever position it is
// given, rather than always re-reading from the start of the log).
func OpenBinlogReader(ctx context.Context, cfg ReaderConfig, pos mysql.Position) (*BinlogReader, error) {
	syncerCfg := replication.BinlogSyncerConfig{
		ServerID: cfg.SlaveID,
		Flavor:   "mysql",
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
	}
	syncer := replication.NewBinlogSyncer(syncerCfg)
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("stream: starting binlog sync at %s: %w", pos, err)
	}
	return &BinlogReader{syncer: syncer, streamer: streamer, schema: cfg.Schema, pos: pos}, nil
}

// NewReaderFactory returns a SourceFactory that (re)opens a BinlogReader
// at the last position seen by any reader it previously created (so a
// reconnect resumes rather than restarting from scratch, per spec.md
// §4.5's "last binlog position provided by the reader itself").
func NewReaderFactory(cfg ReaderConfig, startPos mysql.Position) SourceFactory {
	last := startPos
	return func(ctx context.Context) (BinlogSource, error) {
		r, err := OpenBinlogReader(ctx, cfg, last)
		if err != nil {
			return nil, err
		}
		return &trackingReader{BinlogReader: r, onClose: func(p mysql.Position) { last = p }}, nil
	}
}

// trackingReader reports its final position back to the factory closure
// on Close so a subsequent reopen resumes rather than restarting.
type trackingReader struct {
	*BinlogReader
	onClose func(mysql.Position)
}

func (t *trackingReader) Close() error {
	t.onClose(t.pos)
	return t.BinlogReader.Close()
}

// Position returns the last log position observed.
func (r *BinlogReader) Position() mysql.Position { return r.pos }

// Close releases the underlying connection.
func (r *BinlogReader) Close() error {
	r.syncer.Close()
	return nil
}

// NextEvent implements BinlogSource: it pulls raw binlog events until it
// finds a WriteRowsEvent against schema/{history,history_uint}, splits it
// into per-row RowEvents, and serves them one at a time.
func (r *BinlogReader) NextEvent(ctx context.Context) (RowEvent, error) {
	for {
		if len(r.pending) > 0 {
			ev := r.pending[0]
			r.pending = r.pending[1:]
			return ev, nil
		}

		be, err := r.streamer.GetEvent(ctx)
		if err != nil {
			return RowEvent{}, classifyReadError(err)
		}
		if be.Header.LogPos > 0 {
			r.pos.Pos = be.Header.LogPos
		}

		rowsEvent, ok := be.Event.(*replication.RowsEvent)
		if !ok {
			continue
		}
		switch be.Header.EventType {
		case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		default:
			continue
		}
		if string(rowsEvent.Table.Schema) != r.schema {
			continue
		}
		table := string(rowsEvent.Table.Table)
		if table != "history" && table != "history_uint" {
			continue
		}
		for _, row := range rowsEvent.Rows {
			if re, ok := rowEventFromColumns(row); ok {
				r.pending = append(r.pending, re)
			}
		}
	}
}

// classifyReadError distinguishes a recoverable network hiccup (spec.md
// §4.5's "transient stream exception") from a fatal one: io.EOF and
// net.Error failures are wrapped as transient, context cancellation and
// deadline errors are returned unchanged, and everything else (e.g.
// replication protocol/type errors) is returned as-is and treated as fatal.
func classifyReadError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return &TransientError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}
	return err
}

// rowEventFromColumns maps one decoded RowsEvent row to a RowEvent,
// matching the Zabbix history/history_uint column layout (spec.md §6:
// itemid, clock, value, ns). The value column differs by table (DOUBLE
// for history, BIGINT UNSIGNED for history_uint) so it is rendered as a
// string rather than constrained to one Go numeric type.
func rowEventFromColumns(row []interface{}) (RowEvent, bool) {
	if len(row) < 4 {
		return RowEvent{}, false
	}
	itemid, ok := toUint64(row[0])
	if !ok {
		return RowEvent{}, false
	}
	clock, ok := toInt64(row[1])
	if !ok {
		return RowEvent{}, false
	}
	ns, _ := toInt64(row[3])
	return RowEvent{ItemID: itemid, Clock: clock, Value: toValueString(row[2]), NS: ns}, true
}

func toUint64(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case uint64:
		return t, true
	case uint32:
		return uint64(t), true
	case int64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int32:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	default:
		return 0, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case uint64:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint32:
		return int64(t), true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

func toValueString(v interface{}) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
