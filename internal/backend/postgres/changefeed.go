package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusgate/campusgate/internal/realtime"
)

// ChangesChannel is the NOTIFY channel fed by the realtime row trigger.
const ChangesChannel = "realtime_changes"

const subscriberBuffer = 256

type subscriber struct {
	table  string
	filter []realtime.Condition
	ch     chan realtime.Change
}

// RowLoader reads the current JSON form of one row.
type RowLoader interface {
	Row(ctx context.Context, table, key string) (json.RawMessage, error)
}

// Changefeed fans NOTIFY payloads from one LISTEN connection out to
// subscribers. A subscriber that falls behind loses events.
//
// Payloads carry the row without its large text columns; the full row is
// loaded before dispatch.
type Changefeed struct {
	pool   *pgxpool.Pool
	rows   RowLoader
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// NewChangefeed constructs a Changefeed. Run must be started for events to flow.
func NewChangefeed(pool *pgxpool.Pool, rows RowLoader, logger *slog.Logger) *Changefeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Changefeed{pool: pool, rows: rows, logger: logger, subs: make(map[int]*subscriber)}
}

// Run listens until ctx is done, reconnecting after failures.
func (c *Changefeed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("changefeed connection lost", slog.Any("error", err), slog.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Changefeed) listen(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+ChangesChannel); err != nil {
		return err
	}
	c.logger.Info("changefeed listening", slog.String("channel", ChangesChannel))
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var change realtime.Change
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			c.logger.Warn("changefeed decode", slog.Any("error", err))
			continue
		}
		change, ok := c.hydrate(ctx, change)
		if !ok {
			continue
		}
		c.Dispatch(change)
	}
}

// hydrate replaces the trimmed record of an insert or update with the stored
// row. Changes for tables nobody watches are skipped without a query. A row
// already gone is skipped too; its DELETE follows.
func (c *Changefeed) hydrate(ctx context.Context, change realtime.Change) (realtime.Change, bool) {
	if !c.watched(change.Table) {
		return change, false
	}
	if change.Type == realtime.ChangeDelete || c.rows == nil {
		return change, true
	}
	table, ok := realtime.Lookup(change.Table)
	if !ok {
		return change, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(change.Record, &fields); err != nil {
		c.logger.Warn("changefeed record", slog.String("table", change.Table), slog.Any("error", err))
		return change, false
	}
	var key string
	if err := json.Unmarshal(fields[table.Key], &key); err != nil || key == "" {
		c.logger.Warn("changefeed record without key", slog.String("table", change.Table))
		return change, false
	}
	row, err := c.rows.Row(ctx, change.Table, key)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return change, false
	case err != nil:
		c.logger.Warn("changefeed row load", slog.String("table", change.Table), slog.String("key", key), slog.Any("error", err))
		return change, false
	}
	change.Record = row
	return change, true
}

func (c *Changefeed) watched(table string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.table == table {
			return true
		}
	}
	return false
}

// Changes registers a subscriber for the query's table and filter.
func (c *Changefeed) Changes(ctx context.Context, q realtime.Query) (<-chan realtime.Change, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, errors.New("postgres: changefeed: context done")
	}
	sub := &subscriber{table: q.Table, filter: q.Filter, ch: make(chan realtime.Change, subscriberBuffer)}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		close(sub.ch)
		c.mu.Unlock()
	}()
	return sub.ch, nil
}

// Dispatch delivers a change to every matching subscriber without blocking.
func (c *Changefeed) Dispatch(change realtime.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.table != change.Table {
			continue
		}
		scoped, ok := change.For(sub.filter)
		if !ok {
			continue
		}
		select {
		case sub.ch <- scoped:
		default:
			c.logger.Warn("changefeed subscriber lagging, event dropped", slog.String("table", change.Table))
		}
	}
}

// Source pairs the snapshot reader with the change feed.
type Source struct {
	*Tables
	*Changefeed
}

var _ realtime.Source = Source{}
