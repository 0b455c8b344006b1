package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/campusgate/campusgate/internal/realtime"
)

func TestSnapshotSQL(t *testing.T) {
	sql, args, err := snapshotSQL(realtime.Query{
		Table:      "leave_requests",
		Filter:     []realtime.Condition{{Column: "school_id", Value: "s1"}, {Column: "status", Value: "pending"}},
		OrderBy:    "created_at",
		Descending: true,
	})
	require.NoError(t, err)
	require.Equal(t, `SELECT row_to_json(t) FROM "leave_requests" t WHERE t."school_id"::text = $1 AND t."status"::text = $2 ORDER BY t."created_at" DESC`, sql)
	require.Equal(t, []any{"s1", "pending"}, args)
}

func TestSnapshotSQLRejectsUnregisteredNames(t *testing.T) {
	_, _, err := snapshotSQL(realtime.Query{Table: "users"})
	require.ErrorIs(t, err, realtime.ErrUnknownTable)

	_, _, err = snapshotSQL(realtime.Query{Table: "messages", Filter: []realtime.Condition{{Column: "body; drop table users", Value: "x"}}})
	require.ErrorIs(t, err, realtime.ErrUnknownColumn)
}

func TestChangefeedDispatchFilters(t *testing.T) {
	feed := NewChangefeed(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := feed.Changes(ctx, realtime.Query{Table: "messages", Filter: []realtime.Condition{{Column: "school_id", Value: "s1"}}})
	require.NoError(t, err)

	feed.Dispatch(realtime.Change{Table: "messages", Type: realtime.ChangeInsert, Record: []byte(`{"id":"1","school_id":"s2"}`)})
	feed.Dispatch(realtime.Change{Table: "announcements", Type: realtime.ChangeInsert, Record: []byte(`{"id":"2","school_id":"s1"}`)})
	feed.Dispatch(realtime.Change{Table: "messages", Type: realtime.ChangeInsert, Record: []byte(`{"id":"3","school_id":"s1"}`)})

	got := <-ch
	require.JSONEq(t, `{"id":"3","school_id":"s1"}`, string(got.Record))
	require.Empty(t, ch)

	cancel()
	for range ch {
	}
}

func TestChangefeedDispatchTurnsLeavingUpdateIntoDelete(t *testing.T) {
	feed := NewChangefeed(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending, err := feed.Changes(ctx, realtime.Query{Table: "leave_requests", Filter: []realtime.Condition{{Column: "status", Value: "pending"}}})
	require.NoError(t, err)
	approved, err := feed.Changes(ctx, realtime.Query{Table: "leave_requests", Filter: []realtime.Condition{{Column: "status", Value: "approved"}}})
	require.NoError(t, err)

	feed.Dispatch(realtime.Change{
		Table:     "leave_requests",
		Type:      realtime.ChangeUpdate,
		Record:    []byte(`{"id":"a","status":"approved"}`),
		OldRecord: []byte(`{"id":"a","status":"pending"}`),
	})

	got := <-pending
	require.Equal(t, realtime.ChangeDelete, got.Type)
	require.JSONEq(t, `{"id":"a","status":"pending"}`, string(got.OldRecord))
	got = <-approved
	require.Equal(t, realtime.ChangeUpdate, got.Type)
}

type fakeRows struct {
	rows  map[string]string
	err   error
	calls int
}

func (f *fakeRows) Row(ctx context.Context, table, key string) (json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.rows[table+"/"+key]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return json.RawMessage(raw), nil
}

func TestChangefeedHydratesTrimmedRecords(t *testing.T) {
	rows := &fakeRows{rows: map[string]string{"messages/m1": `{"id":"m1","school_id":"s1","body":"long text"}`}}
	feed := NewChangefeed(nil, rows, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trimmed := realtime.Change{Table: "messages", Type: realtime.ChangeInsert, Record: []byte(`{"id":"m1","school_id":"s1"}`)}
	_, ok := feed.hydrate(ctx, trimmed)
	require.False(t, ok, "no subscriber, no load")
	require.Zero(t, rows.calls)

	_, err := feed.Changes(ctx, realtime.Query{Table: "messages"})
	require.NoError(t, err)

	got, ok := feed.hydrate(ctx, trimmed)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"m1","school_id":"s1","body":"long text"}`, string(got.Record))

	_, ok = feed.hydrate(ctx, realtime.Change{Table: "messages", Type: realtime.ChangeUpdate, Record: []byte(`{"id":"gone"}`)})
	require.False(t, ok)

	deleted := realtime.Change{Table: "messages", Type: realtime.ChangeDelete, OldRecord: []byte(`{"id":"m1"}`)}
	calls := rows.calls
	got, ok = feed.hydrate(ctx, deleted)
	require.True(t, ok)
	require.Equal(t, deleted, got)
	require.Equal(t, calls, rows.calls)

	rows.err = errors.New("conn reset")
	_, ok = feed.hydrate(ctx, trimmed)
	require.False(t, ok)
}

func TestRowSQL(t *testing.T) {
	sql, err := rowSQL("announcements")
	require.NoError(t, err)
	require.Equal(t, `SELECT row_to_json(t) FROM "announcements" t WHERE t."id"::text = $1`, sql)

	_, err = rowSQL("users")
	require.ErrorIs(t, err, realtime.ErrUnknownTable)
}

func TestHashTokenIsStable(t *testing.T) {
	token, err := newOpaqueToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, hashToken(token), hashToken(token))
	require.NotEqual(t, token, hashToken(token))
}
