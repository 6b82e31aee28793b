package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/marketsync/internal/db"
	"github.com/sells-group/marketsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"latest_price_dates": `SELECT symbol, MAX(date) FROM price_bars GROUP BY symbol`,
	"write_record": `INSERT INTO records (id, symbol, category, record_date, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, category, record_date) DO UPDATE SET payload = EXCLUDED.payload`,
	"enqueue_recalc": `INSERT INTO recalc_queue (id, symbol, trigger_table, status, triggered_at)
		VALUES ($1, $2, $3, $4, $5)`,
	"resolve_entry": `UPDATE recalc_queue SET status = $1, completed_at = $2, error = $3
		WHERE id = $4 AND status = 'processing'`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS symbols (
	symbol   TEXT PRIMARY KEY,
	added_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL REFERENCES symbols(symbol),
	category    TEXT NOT NULL,
	record_date TIMESTAMPTZ NOT NULL,
	payload     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (symbol, category, record_date)
);

CREATE TABLE IF NOT EXISTS price_bars (
	symbol TEXT NOT NULL,
	date   TIMESTAMPTZ NOT NULL,
	open   DOUBLE PRECISION NOT NULL,
	high   DOUBLE PRECISION NOT NULL,
	low    DOUBLE PRECISION NOT NULL,
	close  DOUBLE PRECISION NOT NULL,
	volume BIGINT NOT NULL,
	PRIMARY KEY (symbol, date)
);

CREATE TABLE IF NOT EXISTS scores (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	components JSONB,
	scored_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS volatility (
	symbol TEXT PRIMARY KEY,
	coeff  DOUBLE PRECISION NOT NULL,
	as_of  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recalc_queue (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	trigger_table TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	triggered_at  TIMESTAMPTZ NOT NULL,
	claimed_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error         TEXT
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id            TEXT PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	requests_used INTEGER NOT NULL,
	report        JSONB
);

CREATE INDEX IF NOT EXISTS idx_records_symbol_category ON records(symbol, category, record_date);
CREATE INDEX IF NOT EXISTS idx_records_category ON records(category);
CREATE INDEX IF NOT EXISTS idx_scores_symbol ON scores(symbol, scored_at);
CREATE INDEX IF NOT EXISTS idx_queue_status ON recalc_queue(status, triggered_at);
CREATE INDEX IF NOT EXISTS idx_queue_claimed ON recalc_queue(status, claimed_at);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ImportSymbols(ctx context.Context, symbols []string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin import")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	added := 0
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO symbols (symbol) VALUES ($1) ON CONFLICT (symbol) DO NOTHING`, sym)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: import symbol %s", sym)
		}
		added += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit import")
	}
	return added, nil
}

func (s *PostgresStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol FROM symbols ORDER BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list symbols")
	}
	defer rows.Close()

	return scanStrings(rows, "postgres: scan symbol")
}

func (s *PostgresStore) CountSymbols(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM symbols`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count symbols")
}

func (s *PostgresStore) LatestRecordDate(ctx context.Context, symbol string, cat model.Category) (*time.Time, error) {
	var row pgx.Row
	if cat == model.CategoryPrices {
		row = s.pool.QueryRow(ctx, `SELECT MAX(date) FROM price_bars WHERE symbol = $1`, symbol)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT MAX(record_date) FROM records WHERE symbol = $1 AND category = $2`, symbol, string(cat))
	}

	var latest *time.Time
	if err := row.Scan(&latest); err != nil {
		return nil, eris.Wrapf(err, "postgres: latest record date for %s/%s", symbol, cat)
	}
	if latest == nil {
		return nil, nil
	}
	t := latest.UTC()
	return &t, nil
}

func (s *PostgresStore) HasRecords(ctx context.Context, symbol string, cat model.Category) (bool, error) {
	var row pgx.Row
	if cat == model.CategoryPrices {
		row = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM price_bars WHERE symbol = $1)`, symbol)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM records WHERE symbol = $1 AND category = $2)`, symbol, string(cat))
	}

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "postgres: has records for %s/%s", symbol, cat)
	}
	return exists, nil
}

func (s *PostgresStore) SymbolsWithout(ctx context.Context, cat model.Category) ([]string, error) {
	var rows pgx.Rows
	var err error
	if cat == model.CategoryPrices {
		rows, err = s.pool.Query(ctx,
			`SELECT s.symbol FROM symbols s
			 LEFT JOIN price_bars p ON p.symbol = s.symbol
			 WHERE p.symbol IS NULL ORDER BY s.symbol`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT s.symbol FROM symbols s
			 LEFT JOIN records r ON r.symbol = s.symbol AND r.category = $1
			 WHERE r.symbol IS NULL ORDER BY s.symbol`, string(cat))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: symbols without %s", cat)
	}
	defer rows.Close()

	return scanStrings(rows, "postgres: scan symbol")
}

func (s *PostgresStore) LatestPriceDates(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, MAX(date) FROM price_bars GROUP BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest price dates")
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var sym string
		var d time.Time
		if err := rows.Scan(&sym, &d); err != nil {
			return nil, eris.Wrap(err, "postgres: scan price date")
		}
		latest[sym] = d.UTC()
	}
	return latest, rows.Err()
}

func (s *PostgresStore) WriteRecord(ctx context.Context, symbol string, cat model.Category, recordDate time.Time, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (id, symbol, category, record_date, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (symbol, category, record_date) DO UPDATE SET payload = EXCLUDED.payload`,
		uuid.New().String(), symbol, string(cat), recordDate.UTC(), payload,
	)
	return eris.Wrapf(err, "postgres: write record %s/%s", symbol, cat)
}

func (s *PostgresStore) LatestRecord(ctx context.Context, symbol string, cat model.Category) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM records WHERE symbol = $1 AND category = $2
		 ORDER BY record_date DESC LIMIT 1`,
		symbol, string(cat),
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest record %s/%s", symbol, cat)
	}
	return payload, nil
}

func (s *PostgresStore) WritePriceBars(ctx context.Context, bars []model.PriceBar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(bars))
	for i, b := range bars {
		rows[i] = []any{b.Symbol, b.Date.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume}
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "price_bars",
		Columns:      []string{"symbol", "date", "open", "high", "low", "close", "volume"},
		ConflictKeys: []string{"symbol", "date"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: write price bars")
	}
	return n, nil
}

func (s *PostgresStore) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PriceBar, error) {
	if limit <= 0 {
		limit = 250
	}
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, date, open, high, low, close, volume FROM price_bars
		 WHERE symbol = $1 ORDER BY date DESC LIMIT $2`,
		symbol, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: price history %s", symbol)
	}
	defer rows.Close()

	var bars []model.PriceBar
	for rows.Next() {
		var b model.PriceBar
		if err := rows.Scan(&b.Symbol, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, eris.Wrap(err, "postgres: scan price bar")
		}
		b.Date = b.Date.UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func (s *PostgresStore) SaveScore(ctx context.Context, result model.ScoreResult) error {
	components, err := json.Marshal(result.Components)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal components for %s", result.Symbol)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO scores (id, symbol, score, components, scored_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), result.Symbol, result.Score, components, result.ScoredAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save score %s", result.Symbol)
}

func (s *PostgresStore) SaveVolatility(ctx context.Context, symbol string, coeff float64, asOf time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO volatility (symbol, coeff, as_of) VALUES ($1, $2, $3)
		 ON CONFLICT (symbol) DO UPDATE SET coeff = EXCLUDED.coeff, as_of = EXCLUDED.as_of`,
		symbol, coeff, asOf.UTC(),
	)
	return eris.Wrapf(err, "postgres: save volatility %s", symbol)
}

func (s *PostgresStore) Enqueue(ctx context.Context, symbol string, trigger model.Category) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recalc_queue (id, symbol, trigger_table, status, triggered_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), symbol, string(trigger), string(model.EntryPending), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: enqueue %s", symbol)
}

func (s *PostgresStore) PendingEntries(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, trigger_table, status, triggered_at, claimed_at, completed_at, error
		 FROM recalc_queue WHERE status = $1
		 ORDER BY triggered_at LIMIT $2`,
		string(model.EntryPending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending entries")
	}
	defer rows.Close()

	return scanPgQueueEntries(rows)
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, ids []string, claimedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	// Only pending entries transition; a racing claim is a no-op here.
	_, err := s.pool.Exec(ctx,
		`UPDATE recalc_queue SET status = $1, claimed_at = $2
		 WHERE id = ANY($3) AND status = 'pending'`,
		string(model.EntryProcessing), claimedAt.UTC(), ids,
	)
	return eris.Wrap(err, "postgres: mark processing")
}

func (s *PostgresStore) ResolveEntry(ctx context.Context, id string, status model.EntryStatus, errMsg string) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: resolve to non-terminal status %q", status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE recalc_queue SET status = $1, completed_at = $2, error = $3
		 WHERE id = $4 AND status = 'processing'`,
		string(status), time.Now().UTC(), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve entry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: entry %s not in processing state", id)
	}
	return nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recalc_queue SET status = 'pending', claimed_at = NULL
		 WHERE status = 'processing' AND claimed_at < $1`,
		claimedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reclaim stale")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM recalc_queue
		 WHERE status IN ('completed', 'failed') AND triggered_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete terminal entries")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) QueueStats(ctx context.Context) (model.QueueStats, error) {
	stats := model.QueueStats{ByStatus: make(map[model.EntryStatus]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM recalc_queue GROUP BY status`)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: queue stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, eris.Wrap(err, "postgres: scan queue stats")
		}
		stats.ByStatus[model.EntryStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, eris.Wrap(err, "postgres: queue stats rows")
	}

	var oldest *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT MIN(triggered_at) FROM recalc_queue WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: oldest pending")
	}
	if oldest != nil {
		t := oldest.UTC()
		stats.Oldest = &t
	}
	return stats, nil
}

func (s *PostgresStore) RecordSyncCycle(ctx context.Context, report model.CycleReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cycle report")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, started_at, finished_at, requests_used, report)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), report.StartedAt.UTC(), report.FinishedAt.UTC(),
		report.Requests.Used, payload,
	)
	return eris.Wrap(err, "postgres: record sync cycle")
}

func (s *PostgresStore) LastSyncTime(ctx context.Context) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(finished_at) FROM sync_runs`).Scan(&last)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last sync time")
	}
	if last == nil {
		return nil, nil
	}
	t := last.UTC()
	return &t, nil
}

func scanStrings(rows pgx.Rows, wrapMsg string) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, eris.Wrap(err, wrapMsg)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanPgQueueEntries(rows pgx.Rows) ([]model.QueueEntry, error) {
	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var trigger, status string
		var claimed, completed *time.Time
		var errMsg *string
		if err := rows.Scan(&e.ID, &e.Symbol, &trigger, &status, &e.TriggeredAt, &claimed, &completed, &errMsg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue entry")
		}
		e.TriggerTable = model.Category(trigger)
		e.Status = model.EntryStatus(status)
		e.TriggeredAt = e.TriggeredAt.UTC()
		if claimed != nil {
			t := claimed.UTC()
			e.ClaimedAt = &t
		}
		if completed != nil {
			t := completed.UTC()
			e.CompletedAt = &t
		}
		if errMsg != nil {
			e.Error = *errMsg
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
