package analytics

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu      sync.Mutex
	writes  []write
	failOn  string
	onWrite func()
}

type write struct {
	table string
	rows  []Record
}

func (s *fakeSink) Write(ctx context.Context, table string, rows []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onWrite != nil {
		s.onWrite()
	}
	if table == s.failOn {
		return errWriteFailed
	}
	cp := make([]Record, len(rows))
	copy(cp, rows)
	s.writes = append(s.writes, write{table: table, rows: cp})
	return nil
}

func (s *fakeSink) allRows(table string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, w := range s.writes {
		if w.table == table {
			out = append(out, w.rows...)
		}
	}
	return out
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errWriteFailed = fakeErr("write failed")

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManager_FlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(context.Background(), sink, nil, []string{TableChatInference}, WithBatchSize(3), WithFlushInterval(time.Hour))
	t.Cleanup(m.Close)

	for i := 0; i < 3; i++ {
		m.Send(TableChatInference, ChatInferenceRecord{ID: "r"})
	}

	waitFor(t, time.Second, func() bool { return len(sink.allRows(TableChatInference)) == 3 })
}

func TestManager_FlushesOnTimer(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(context.Background(), sink, nil, []string{TableEmbeddingInference}, WithBatchSize(500), WithFlushInterval(10*time.Millisecond))
	t.Cleanup(m.Close)

	m.Send(TableEmbeddingInference, EmbeddingInferenceRecord{ID: "e1"})

	waitFor(t, time.Second, func() bool { return len(sink.allRows(TableEmbeddingInference)) == 1 })
}

func TestManager_DropsOnFullChannel(t *testing.T) {
	sink := &fakeSink{}
	blocking := make(chan struct{})
	started := make(chan struct{}, 1)
	sink.onWrite = func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-blocking
	}

	m := NewManager(context.Background(), sink, nil, []string{TableModerationInference},
		WithBatchSize(1), WithFlushInterval(time.Hour), WithChannelBuffer(1))
	defer func() {
		close(blocking)
		m.Close()
	}()

	// First record is picked up immediately and flushed, hanging inside
	// sink.Write until blocking is closed; the batcher goroutine won't
	// drain the channel again until that write returns.
	m.Send(TableModerationInference, ModerationInferenceRecord{ID: "first"})
	<-started

	// Channel buffer is 1: this one fills it...
	m.Send(TableModerationInference, ModerationInferenceRecord{ID: "second"})
	// ...and this one must be dropped since nothing is draining the channel.
	m.Send(TableModerationInference, ModerationInferenceRecord{ID: "third"})

	if got := m.Dropped(TableModerationInference); got != 1 {
		t.Errorf("expected exactly 1 dropped record, got %d", got)
	}
}

func TestManager_DrainsOnClose(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(context.Background(), sink, nil, []string{TableImageInference}, WithBatchSize(500), WithFlushInterval(time.Hour))

	m.Send(TableImageInference, ImageInferenceRecord{ID: "i1"})
	m.Send(TableImageInference, ImageInferenceRecord{ID: "i2"})
	m.Close()

	if got := len(sink.allRows(TableImageInference)); got != 2 {
		t.Errorf("expected close to drain and flush remaining records, got %d rows", got)
	}
}

func TestManager_WriteFailureDropsBatch(t *testing.T) {
	sink := &fakeSink{failOn: TableGuardrailInference}
	m := NewManager(context.Background(), sink, nil, []string{TableGuardrailInference}, WithBatchSize(1), WithFlushInterval(time.Hour))
	t.Cleanup(m.Close)

	m.Send(TableGuardrailInference, GuardrailInferenceRecord{ID: "g1"})

	waitFor(t, time.Second, func() bool { return m.tables[TableGuardrailInference] != nil })
	// No panic, no retry; the record is simply gone after the failed write.
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.allRows(TableGuardrailInference)); got != 0 {
		t.Errorf("expected failed write to produce no successful rows, got %d", got)
	}
}

func TestManager_UnknownTableSendIsNoop(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(context.Background(), sink, nil, []string{TableModelInference}, WithBatchSize(1), WithFlushInterval(time.Hour))
	t.Cleanup(m.Close)

	m.Send("no_such_table", ModelInferenceRecord{ID: "z"})
}
