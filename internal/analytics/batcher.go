// Package analytics implements the Analytics Batcher (C11): a bounded,
// non-blocking per-table write pipeline to the columnar analytics store.
//
// Generalizes internal/logger's single-table batched logger (bounded
// channel, size/interval flush, drain-on-close) to one independent batcher
// per destination table, mirroring
// original_source/inference_batcher.rs's per-table mpsc channel design.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = time.Second
	defaultChannelBuffer = 10_000
)

// Record is one row destined for a destination table. Concrete row types
// are defined in records.go; a Sink implementation type-switches on the
// destination table to know which one it's receiving.
type Record any

// Sink writes a batch of rows to the columnar store. Implementations
// should treat failures as drop-and-log (§4.11: "write failures log and
// drop the batch — at-most-once delivery").
type Sink interface {
	Write(ctx context.Context, table string, rows []Record) error
}

// Manager owns one bounded-channel batcher per destination table.
type Manager struct {
	sink          Sink
	log           *slog.Logger
	batchSize     int
	flushInterval time.Duration
	channelBuffer int

	tables map[string]*tableBatcher
	onDrop func(table string)
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithBatchSize overrides the default flush-at-count threshold (500).
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// WithFlushInterval overrides the default flush-at-time threshold (1s).
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) { m.flushInterval = d }
}

// WithChannelBuffer overrides the default per-table channel buffer
// (10000). Mainly useful for exercising the drop-on-full path in tests.
func WithChannelBuffer(n int) Option {
	return func(m *Manager) { m.channelBuffer = n }
}

// WithDropMetric registers a callback invoked once per dropped record, in
// addition to the per-table Dropped() counter — spec testable property 8
// requires channel-full drops to be "counted in a metric".
func WithDropMetric(fn func(table string)) Option {
	return func(m *Manager) { m.onDrop = fn }
}

// NewManager starts one batcher goroutine per name in tables, each writing
// to sink. ctx governs the background goroutines' base logging context;
// call Close to drain and stop them.
func NewManager(ctx context.Context, sink Sink, log *slog.Logger, tables []string, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		sink:          sink,
		log:           log,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		channelBuffer: defaultChannelBuffer,
		tables:        make(map[string]*tableBatcher, len(tables)),
	}
	for _, o := range opts {
		o(m)
	}

	for _, name := range tables {
		tb := &tableBatcher{
			name: name,
			ch:   make(chan Record, m.channelBuffer),
			done: make(chan struct{}),
		}
		m.tables[name] = tb
		tb.wg.Add(1)
		go tb.run(ctx, sink, m.batchSize, m.flushInterval, log)
	}

	log.InfoContext(ctx, "analytics batcher started",
		slog.Int("batch_size", m.batchSize),
		slog.Duration("flush_interval", m.flushInterval),
		slog.Int("channel_buffer", m.channelBuffer),
		slog.Int("tables", len(tables)),
	)

	return m
}

// Send enqueues rec for table without blocking. A full channel drops the
// record and logs a warning — the request path never blocks on analytics.
// An unknown table name is also dropped and logged, since it indicates a
// caller/config mismatch rather than a transient condition.
func (m *Manager) Send(table string, rec Record) {
	tb, ok := m.tables[table]
	if !ok {
		m.log.Warn("analytics: unknown destination table", slog.String("table", table))
		return
	}
	select {
	case tb.ch <- rec:
	default:
		tb.dropped.Add(1)
		m.log.Warn("analytics: channel full, dropping record", slog.String("table", table))
		if m.onDrop != nil {
			m.onDrop(table)
		}
	}
}

// Dropped returns the number of records dropped for table due to a full
// channel, or 0 if table is unknown.
func (m *Manager) Dropped(table string) int64 {
	tb, ok := m.tables[table]
	if !ok {
		return 0
	}
	return tb.dropped.Load()
}

// Close signals every table's batcher to drain its channel and flush, then
// waits for all of them to exit.
func (m *Manager) Close() {
	for _, tb := range m.tables {
		tb.closeOnce.Do(func() { close(tb.done) })
	}
	for _, tb := range m.tables {
		tb.wg.Wait()
	}
}

type tableBatcher struct {
	name      string
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64
}

func (tb *tableBatcher) run(ctx context.Context, sink Sink, batchSize int, flushInterval time.Duration, log *slog.Logger) {
	defer tb.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	buf := make([]Record, 0, batchSize)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := sink.Write(ctx, tb.name, buf); err != nil {
			log.ErrorContext(ctx, "analytics: batch write failed",
				slog.String("table", tb.name), slog.Int("records", len(buf)), slog.String("error", err.Error()))
		}
		buf = buf[:0]
	}

	for {
		select {
		case rec := <-tb.ch:
			buf = append(buf, rec)
			if len(buf) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-tb.done:
			for {
				select {
				case rec := <-tb.ch:
					buf = append(buf, rec)
					if len(buf) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
