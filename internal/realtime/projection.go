package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Projection is a live list of rows mirroring one table slice. Rows are merged
// by key and never duplicated. Events racing the snapshot may briefly show a
// stale row; that window is accepted.
type Projection[T Row] struct {
	query   Query
	logger  *slog.Logger
	cancel  context.CancelFunc
	updates chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	rows    []T
	index   map[string]int
	loading bool
	closed  bool
	err     error
	once    sync.Once
}

// Subscribe opens the change stream first, then loads the snapshot and keeps
// applying changes until Close or until ctx is done.
func Subscribe[T Row](ctx context.Context, src Source, q Query, logger *slog.Logger) (*Projection[T], error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	changes, err := src.Changes(ctx, q)
	if err != nil {
		cancel()
		return nil, err
	}
	p := &Projection[T]{
		query:   q,
		logger:  logger,
		cancel:  cancel,
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
		index:   make(map[string]int),
		loading: true,
	}
	go p.run(ctx, src, changes)
	return p, nil
}

func (p *Projection[T]) run(ctx context.Context, src Source, changes <-chan Change) {
	defer close(p.done)
	snapshot, err := src.Snapshot(ctx, p.query)
	p.mu.Lock()
	if !p.closed {
		if err != nil {
			p.err = err
			p.logger.Warn("realtime snapshot failed", slog.String("table", p.query.Table), slog.Any("error", err))
		}
		for _, raw := range snapshot {
			if row, ok := p.decode(raw); ok {
				p.upsert(row)
			}
		}
		p.loading = false
		p.notify()
	}
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			p.Apply(change)
		}
	}
}

// Apply merges one change into the list. It is a no-op once the projection is closed.
func (p *Projection[T]) Apply(change Change) {
	if change.Table != p.query.Table {
		return
	}
	change, ok := change.For(p.query.Filter)
	if !ok {
		return
	}
	row, ok := p.decode(change.Row())
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	switch change.Type {
	case ChangeInsert, ChangeUpdate:
		p.upsert(row)
	case ChangeDelete:
		p.remove(row.Key())
	default:
		return
	}
	p.notify()
}

// List returns a copy of the current rows.
func (p *Projection[T]) List() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, len(p.rows))
	copy(out, p.rows)
	return out
}

// Loading reports whether the initial snapshot is still pending.
func (p *Projection[T]) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Err returns the snapshot error, if any.
func (p *Projection[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Updates signals after each applied change. Signals coalesce.
func (p *Projection[T]) Updates() <-chan struct{} {
	return p.updates
}

// Close cancels the change stream. No update is applied afterwards.
func (p *Projection[T]) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
	})
}

// Done is closed once the stream goroutine has exited.
func (p *Projection[T]) Done() <-chan struct{} {
	return p.done
}

func (p *Projection[T]) decode(raw json.RawMessage) (T, bool) {
	var row T
	if len(raw) == 0 {
		return row, false
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		p.logger.Warn("realtime row decode", slog.String("table", p.query.Table), slog.Any("error", err))
		return row, false
	}
	if row.Key() == "" {
		return row, false
	}
	return row, true
}

func (p *Projection[T]) upsert(row T) {
	if i, ok := p.index[row.Key()]; ok {
		p.rows[i] = row
		return
	}
	p.index[row.Key()] = len(p.rows)
	p.rows = append(p.rows, row)
}

func (p *Projection[T]) remove(key string) {
	i, ok := p.index[key]
	if !ok {
		return
	}
	p.rows = append(p.rows[:i], p.rows[i+1:]...)
	delete(p.index, key)
	for j := i; j < len(p.rows); j++ {
		p.index[p.rows[j].Key()] = j
	}
}

func (p *Projection[T]) notify() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}
