package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink is the production Sink, writing each table's batch with a
// native ClickHouse batch insert.
type ClickHouseSink struct {
	conn driver.Conn
}

// ClickHouseOptions configures the native ClickHouse connection.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseSink opens a native ClickHouse connection pool.
func NewClickHouseSink(opts ClickHouseOptions) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// Write appends rows to table via a single native batch insert.
func (s *ClickHouseSink) Write(ctx context.Context, table string, rows []Record) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare batch for %s: %w", table, err)
	}

	for _, row := range rows {
		if err := batch.AppendStruct(row); err != nil {
			return fmt.Errorf("append row to %s batch: %w", table, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch to %s: %w", table, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
