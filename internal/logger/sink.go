package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// SlogSink writes one "request" event per record.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		attrs := []slog.Attr{
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("source", e.Source),
			slog.String("model", e.Model),
			slog.Bool("stream", e.Stream),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		}
		if e.ErrorKind != "" {
			attrs = append(attrs, slog.String("kind", e.ErrorKind))
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, "request", attrs...)
	}
	return nil
}

const createRequestLogTable = `
CREATE TABLE IF NOT EXISTS request_log (
	id            UUID,
	request_id    String,
	source        LowCardinality(String),
	model         LowCardinality(String),
	stream        Bool,
	input_tokens  UInt32,
	output_tokens UInt32,
	latency_ms    UInt32,
	status        UInt16,
	error_kind    LowCardinality(String),
	created_at    DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY created_at
TTL toDateTime(created_at) + INTERVAL 30 DAY`

// ClickHouseSink batch-inserts records into the request_log table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to dsn and creates request_log when missing.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createRequestLogTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: create request_log: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_log")
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.ID,
			e.RequestID,
			e.Source,
			e.Model,
			e.Stream,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.ErrorKind,
			normalizeTime(e.CreatedAt),
		); err != nil {
			_ = b.Abort()
			return fmt.Errorf("logger: append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("logger: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
