// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks the completion
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completion as seen by the HTTP surface.
type RequestLog struct {
	ID        uuid.UUID
	RequestID string
	// Source is "primary", "fallback:<provider>/<model>" or empty when no
	// backend served the request.
	Source       string
	Model        string
	Stream       bool
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Status       uint16
	// ErrorKind is the apierr kind of a failed request.
	ErrorKind string
	CreatedAt time.Time
}

// Sink persists a batch of records. Write is called from a single goroutine.
type Sink interface {
	Write(ctx context.Context, batch []RequestLog) error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64
	onDrop      func()

	interval time.Duration
	sink     Sink
	baseCtx  context.Context
	log      *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink replaces the default slog sink.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sink = s }
}

// WithDropHook is called for every dropped record.
func WithDropHook(fn func()) Option {
	return func(l *Logger) { l.onDrop = fn }
}

// WithFlushInterval overrides the periodic flush interval (tests).
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.interval = d
		}
	}
}

func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:       make(chan RequestLog, channelBuffer),
		done:     make(chan struct{}),
		interval: flushInterval,
		baseCtx:  ctx,
		log:      slogger,
	}
	for _, o := range opts {
		o(l)
	}
	if l.sink == nil {
		l.sink = NewSlogSink(slogger)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. A zero ID or CreatedAt is filled in.
func (l *Logger) Log(entry RequestLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes buffered entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			l.log.ErrorContext(ctx, "request_log_flush_failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			// The base context may already be canceled at shutdown.
			ctx := context.WithoutCancel(l.baseCtx)
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(ctx)
					}
				default:
					flush(ctx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
