package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangeMatches(t *testing.T) {
	c := Change{
		Table:  "leave_requests",
		Type:   ChangeUpdate,
		Record: json.RawMessage(`{"id":"l1","school_id":"s1","status":"approved"}`),
	}
	require.True(t, c.Matches(nil))
	require.True(t, c.Matches([]Condition{{Column: "school_id", Value: "s1"}, {Column: "status", Value: "approved"}}))
	require.False(t, c.Matches([]Condition{{Column: "school_id", Value: "s2"}}))
	require.False(t, c.Matches([]Condition{{Column: "student_id", Value: "x"}}))

	deleted := Change{Type: ChangeDelete, OldRecord: json.RawMessage(`{"id":"l1","school_id":"s1"}`)}
	require.True(t, deleted.Matches([]Condition{{Column: "school_id", Value: "s1"}}))
}

func TestChangeForScopesUpdates(t *testing.T) {
	filter := []Condition{{Column: "status", Value: "pending"}}
	leaving := Change{
		Table:     "leave_requests",
		Type:      ChangeUpdate,
		Record:    json.RawMessage(`{"id":"l1","status":"approved"}`),
		OldRecord: json.RawMessage(`{"id":"l1","status":"pending"}`),
	}
	got, ok := leaving.For(filter)
	require.True(t, ok)
	require.Equal(t, ChangeDelete, got.Type)
	require.JSONEq(t, `{"id":"l1","status":"pending"}`, string(got.Row()))

	entering := Change{Table: "leave_requests", Type: ChangeUpdate, Record: leaving.OldRecord, OldRecord: leaving.Record}
	got, ok = entering.For(filter)
	require.True(t, ok)
	require.Equal(t, ChangeUpdate, got.Type)

	unrelated := Change{Table: "leave_requests", Type: ChangeUpdate, Record: leaving.Record, OldRecord: leaving.Record}
	_, ok = unrelated.For(filter)
	require.False(t, ok)

	noOld := Change{Table: "leave_requests", Type: ChangeUpdate, Record: leaving.Record}
	_, ok = noOld.For(filter)
	require.False(t, ok)
}

func TestWithConditionOverridesCallerFilter(t *testing.T) {
	q := Query{Table: "messages", Filter: []Condition{{Column: "school_id", Value: "other"}, {Column: "recipient_id", Value: "u1"}}}
	forced := q.WithCondition(TenantColumn, "mine")
	require.Len(t, forced.Filter, 2)
	require.Contains(t, forced.Filter, Condition{Column: "school_id", Value: "mine"})
	require.NotContains(t, forced.Filter, Condition{Column: "school_id", Value: "other"})
	require.Len(t, q.Filter, 2, "original query untouched")
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/realtime/messages?order=created_at&desc=true&recipient_id=u1&tab=abc.def", nil)
	q, err := ParseQuery("messages", req)
	require.NoError(t, err)
	require.Equal(t, "created_at", q.OrderBy)
	require.True(t, q.Descending)
	require.Equal(t, []Condition{{Column: "recipient_id", Value: "u1"}}, q.Filter)
	require.NoError(t, q.Validate())

	req = httptest.NewRequest("GET", "/realtime/messages?created_at=2024-09-02T08:00:00Z", nil)
	q, err = ParseQuery("messages", req)
	require.NoError(t, err)
	require.ErrorIs(t, q.Validate(), ErrUnknownColumn, "timestamps order but do not filter")

	req = httptest.NewRequest("GET", "/realtime/messages?desc=maybe", nil)
	_, err = ParseQuery("messages", req)
	require.Error(t, err)
}
