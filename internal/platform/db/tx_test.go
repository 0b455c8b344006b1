package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type failingBeginner struct {
	calls int
	err   error
}

func (b *failingBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.calls++
	return nil, b.err
}

func TestWithTxRetriesSerializationFailures(t *testing.T) {
	b := &failingBeginner{err: &pgconn.PgError{Code: "40001"}}
	err := WithTx(context.Background(), b, func(pgx.Tx) error { return nil })
	require.Error(t, err)
	require.Equal(t, txAttempts, b.calls)
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	b := &failingBeginner{err: errors.New("connection refused")}
	err := WithTx(context.Background(), b, func(pgx.Tx) error { return nil })
	require.Error(t, err)
	require.Equal(t, 1, b.calls)
}

func TestRetryable(t *testing.T) {
	require.True(t, retryable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	require.False(t, retryable(&pgconn.PgError{Code: "23505"}))
	require.False(t, retryable(nil))
}
