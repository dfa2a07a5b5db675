// Package journal records runtime notifications in SQLite. A Journal is an
// observer: register it on a module context and every notification it
// receives is stored.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/modhub"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

// ObserverID identifies the journal among a context's observers.
const ObserverID = "modhub.journal"

var ErrClosed = errors.New("journal is closed")

// Record is one stored notification.
type Record struct {
	bun.BaseModel `bun:"table:notifications"`

	ID         int64     `bun:"id,pk,autoincrement" json:"id"`
	EventID    string    `bun:"event_id,notnull" json:"eventId"`
	Type       string    `bun:"type,notnull" json:"type"`
	Source     string    `bun:"source,notnull" json:"source"`
	Time       time.Time `bun:"time,notnull" json:"time"`
	Data       string    `bun:"data" json:"data,omitempty"`
	ReceivedAt time.Time `bun:"received_at,notnull" json:"receivedAt"`
}

// Journal stores notifications through bun.
type Journal struct {
	db         *bun.DB
	logger     modhub.Logger
	maxRecords int
	closed     atomic.Bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(logger modhub.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithMaxRecords keeps at most n notifications, dropping the oldest on
// insert. Zero keeps everything.
func WithMaxRecords(n int) Option {
	return func(j *Journal) {
		if n >= 0 {
			j.maxRecords = n
		}
	}
}

// Open opens the SQLite database at dsn and creates the table if needed.
// ":memory:" gives a private in-memory journal.
func Open(ctx context.Context, dsn string, opts ...Option) (*Journal, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dsn, err)
	}
	// An in-memory database exists per connection.
	sqlDB.SetMaxOpenConns(1)

	j := &Journal{
		db:     bun.NewDB(sqlDB, sqlitedialect.New()),
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(j)
	}

	if _, err := j.db.NewCreateTable().Model((*Record)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = j.db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	if _, err := j.db.NewCreateIndex().Model((*Record)(nil)).Index("notifications_type_idx").IfNotExists().Column("type").Exec(ctx); err != nil {
		_ = j.db.Close()
		return nil, fmt.Errorf("create journal index: %w", err)
	}
	j.logger.Info("Journal opened", "dsn", dsn, "maxRecords", j.maxRecords)
	return j, nil
}

// ObserverID implements modhub.Observer.
func (j *Journal) ObserverID() string {
	return ObserverID
}

// OnEvent implements modhub.Observer by storing the notification.
func (j *Journal) OnEvent(ctx context.Context, event cloudevents.Event) error {
	if j.closed.Load() {
		return ErrClosed
	}
	record := &Record{
		EventID:    event.ID(),
		Type:       event.Type(),
		Source:     event.Source(),
		Time:       event.Time(),
		Data:       string(event.Data()),
		ReceivedAt: time.Now(),
	}
	if _, err := j.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return j.wrap("insert", err)
	}
	if j.maxRecords > 0 {
		return j.prune(ctx)
	}
	return nil
}

// Recent returns up to limit notifications, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	return j.query(ctx, "", limit)
}

// ByType returns up to limit notifications of one type, newest first.
func (j *Journal) ByType(ctx context.Context, eventType string, limit int) ([]Record, error) {
	return j.query(ctx, eventType, limit)
}

// Count returns how many notifications are stored.
func (j *Journal) Count(ctx context.Context) (int, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}
	n, err := j.db.NewSelect().Model((*Record)(nil)).Count(ctx)
	if err != nil {
		return 0, j.wrap("count", err)
	}
	return n, nil
}

// Close closes the database. It is idempotent: repeated Close calls return
// nil, while OnEvent, Recent, ByType and Count return ErrClosed afterwards.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) query(ctx context.Context, eventType string, limit int) ([]Record, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	var records []Record
	q := j.db.NewSelect().Model(&records).OrderExpr("id DESC")
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, j.wrap("select", err)
	}
	return records, nil
}

func (j *Journal) prune(ctx context.Context) error {
	keep := j.db.NewSelect().Model((*Record)(nil)).Column("id").OrderExpr("id DESC").Limit(j.maxRecords)
	res, err := j.db.NewDelete().Model((*Record)(nil)).Where("id NOT IN (?)", keep).Exec(ctx)
	if err != nil {
		return j.wrap("prune", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		j.logger.Debug("Journal pruned", "removed", n)
	}
	return nil
}

func (j *Journal) wrap(op string, err error) error {
	return fmt.Errorf("journal %s: %w", op, err)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
