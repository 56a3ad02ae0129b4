package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/jerryw02/glucobridge/internal/domain"
	"github.com/jerryw02/glucobridge/internal/ports"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TimescaleSink persists readings into a (hyper)table keyed by source and
// reading timestamp, so a reading pushed twice is stored once.
type TimescaleSink struct {
	db        *sql.DB
	tableName string
	source    string
}

func NewTimescaleSink(db *sql.DB, table, source string) (*TimescaleSink, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TimescaleSink{db: db, tableName: table, source: source}, nil
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

// EnsureSchema creates the readings table when it does not exist yet.
func (t *TimescaleSink) EnsureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+t.tableName+` (
	source TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	trend TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	seq BIGINT NOT NULL,
	PRIMARY KEY (source, ts)
)`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.tableName, err)
	}
	return nil
}

func (t *TimescaleSink) WriteBatch(readings []domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (source, ts, value, trend, received_at, seq) VALUES ")

	args := make([]any, 0, len(readings)*6)
	for i, r := range readings {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5, len(args)+6))
		args = append(args,
			t.source,
			r.Timestamp,
			r.Value,
			string(r.Trend),
			r.ReceivedAt,
			int64(r.Seq),
		)
	}

	b.WriteString(" ON CONFLICT (source, ts) DO NOTHING")

	if _, err := t.db.Exec(b.String(), args...); err != nil {
		return fmt.Errorf("insert %d readings: %w", len(readings), err)
	}
	return nil
}

var _ ports.ReadingSink = (*TimescaleSink)(nil)
