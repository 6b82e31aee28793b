package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "price_bars", []string{"symbol", "close"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"price_bars"}, []string{"symbol", "close"}).WillReturnResult(3)

	rows := [][]any{{"AAPL", 191.2}, {"MSFT", 402.5}, {"NVDA", 876.1}}
	n, err := CopyFrom(context.Background(), mock, "price_bars", []string{"symbol", "close"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "price_bars",
		Columns:      []string{"symbol", "date", "close"},
		ConflictKeys: []string{"symbol", "date"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "price_bars",
		ConflictKeys: []string{"symbol"},
	}, [][]any{{"AAPL"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "price_bars",
		Columns: []string{"symbol", "close"},
	}, [][]any{{"AAPL", 191.2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"symbol", "date", "close"})
	assert.Equal(t, `"symbol", "date", "close"`, result)
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"price_bars"}, []string{"symbol"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "price_bars", []string{"symbol"}, [][]any{{"AAPL"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO price_bars")
	assert.NoError(t, mock.ExpectationsWereMet())
}
