package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/marketsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS symbols (
	symbol   TEXT PRIMARY KEY,
	added_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL REFERENCES symbols(symbol),
	category    TEXT NOT NULL,
	record_date DATETIME NOT NULL,
	payload     TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (symbol, category, record_date)
);

CREATE TABLE IF NOT EXISTS price_bars (
	symbol TEXT NOT NULL,
	date   DATETIME NOT NULL,
	open   REAL NOT NULL,
	high   REAL NOT NULL,
	low    REAL NOT NULL,
	close  REAL NOT NULL,
	volume INTEGER NOT NULL,
	PRIMARY KEY (symbol, date)
);

CREATE TABLE IF NOT EXISTS scores (
	id         TEXT PRIMARY KEY,
	symbol     TEXT NOT NULL,
	score      REAL NOT NULL,
	components TEXT,
	scored_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS volatility (
	symbol TEXT PRIMARY KEY,
	coeff  REAL NOT NULL,
	as_of  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS recalc_queue (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	trigger_table TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	triggered_at  DATETIME NOT NULL,
	claimed_at    DATETIME,
	completed_at  DATETIME,
	error         TEXT
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id            TEXT PRIMARY KEY,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME NOT NULL,
	requests_used INTEGER NOT NULL,
	report        TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_symbol_category ON records(symbol, category, record_date);
CREATE INDEX IF NOT EXISTS idx_records_category ON records(category);
CREATE INDEX IF NOT EXISTS idx_scores_symbol ON scores(symbol, scored_at);
CREATE INDEX IF NOT EXISTS idx_queue_status ON recalc_queue(status, triggered_at);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ImportSymbols(ctx context.Context, symbols []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback()

	added := 0
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO symbols (symbol) VALUES (?) ON CONFLICT (symbol) DO NOTHING`, sym)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import symbol %s", sym)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return added, nil
}

func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol FROM symbols ORDER BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list symbols")
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan symbol")
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *SQLiteStore) CountSymbols(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symbols`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count symbols")
}

func (s *SQLiteStore) LatestRecordDate(ctx context.Context, symbol string, cat model.Category) (*time.Time, error) {
	var row *sql.Row
	if cat == model.CategoryPrices {
		// Scalar subqueries instead of MAX(): aggregates lose the column's
		// declared type, so modernc/sqlite returns a string Scan can't
		// convert to time.Time.
		row = s.db.QueryRowContext(ctx,
			`SELECT (SELECT date FROM price_bars WHERE symbol = ? ORDER BY date DESC LIMIT 1)`, symbol)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT (SELECT record_date FROM records WHERE symbol = ? AND category = ?
			 ORDER BY record_date DESC LIMIT 1)`, symbol, string(cat))
	}

	var latest sql.NullTime
	if err := row.Scan(&latest); err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest record date for %s/%s", symbol, cat)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time.UTC()
	return &t, nil
}

func (s *SQLiteStore) HasRecords(ctx context.Context, symbol string, cat model.Category) (bool, error) {
	var row *sql.Row
	if cat == model.CategoryPrices {
		row = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM price_bars WHERE symbol = ?)`, symbol)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM records WHERE symbol = ? AND category = ?)`, symbol, string(cat))
	}

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "sqlite: has records for %s/%s", symbol, cat)
	}
	return exists, nil
}

func (s *SQLiteStore) SymbolsWithout(ctx context.Context, cat model.Category) ([]string, error) {
	var query string
	if cat == model.CategoryPrices {
		query = `SELECT s.symbol FROM symbols s
			LEFT JOIN price_bars p ON p.symbol = s.symbol
			WHERE p.symbol IS NULL ORDER BY s.symbol`
	} else {
		query = `SELECT s.symbol FROM symbols s
			LEFT JOIN records r ON r.symbol = s.symbol AND r.category = ?
			WHERE r.symbol IS NULL ORDER BY s.symbol`
	}

	var rows *sql.Rows
	var err error
	if cat == model.CategoryPrices {
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		rows, err = s.db.QueryContext(ctx, query, string(cat))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: symbols without %s", cat)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan symbol")
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *SQLiteStore) LatestPriceDates(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, (SELECT date FROM price_bars p2 WHERE p2.symbol = p1.symbol
		 ORDER BY date DESC LIMIT 1) FROM price_bars p1 GROUP BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest price dates")
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var sym string
		var d time.Time
		if err := rows.Scan(&sym, &d); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price date")
		}
		latest[sym] = d.UTC()
	}
	return latest, rows.Err()
}

func (s *SQLiteStore) WriteRecord(ctx context.Context, symbol string, cat model.Category, recordDate time.Time, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, symbol, category, record_date, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, category, record_date) DO UPDATE SET payload = excluded.payload`,
		uuid.New().String(), symbol, string(cat), recordDate.UTC(), string(payload),
	)
	return eris.Wrapf(err, "sqlite: write record %s/%s", symbol, cat)
}

func (s *SQLiteStore) LatestRecord(ctx context.Context, symbol string, cat model.Category) ([]byte, error) {
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE symbol = ? AND category = ?
		 ORDER BY record_date DESC LIMIT 1`,
		symbol, string(cat),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest record %s/%s", symbol, cat)
	}
	if !payload.Valid {
		return nil, nil
	}
	return []byte(payload.String), nil
}

func (s *SQLiteStore) WritePriceBars(ctx context.Context, bars []model.PriceBar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin price bars")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_bars (symbol, date, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, date) DO UPDATE SET
			open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare price bars")
	}
	defer stmt.Close()

	var written int64
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Date.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return 0, eris.Wrapf(err, "sqlite: write bar %s %s", b.Symbol, b.Date.Format("2006-01-02"))
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit price bars")
	}
	return written, nil
}

func (s *SQLiteStore) PriceHistory(ctx context.Context, symbol string, limit int) ([]model.PriceBar, error) {
	if limit <= 0 {
		limit = 250
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, date, open, high, low, close, volume FROM price_bars
		 WHERE symbol = ? ORDER BY date DESC LIMIT ?`,
		symbol, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: price history %s", symbol)
	}
	defer rows.Close()

	var bars []model.PriceBar
	for rows.Next() {
		var b model.PriceBar
		if err := rows.Scan(&b.Symbol, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan price bar")
		}
		b.Date = b.Date.UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func (s *SQLiteStore) SaveScore(ctx context.Context, result model.ScoreResult) error {
	components, err := json.Marshal(result.Components)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal components for %s", result.Symbol)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scores (id, symbol, score, components, scored_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), result.Symbol, result.Score, string(components), result.ScoredAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save score %s", result.Symbol)
}

func (s *SQLiteStore) SaveVolatility(ctx context.Context, symbol string, coeff float64, asOf time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO volatility (symbol, coeff, as_of) VALUES (?, ?, ?)
		 ON CONFLICT (symbol) DO UPDATE SET coeff = excluded.coeff, as_of = excluded.as_of`,
		symbol, coeff, asOf.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save volatility %s", symbol)
}

func (s *SQLiteStore) Enqueue(ctx context.Context, symbol string, trigger model.Category) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recalc_queue (id, symbol, trigger_table, status, triggered_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), symbol, string(trigger), string(model.EntryPending), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: enqueue %s", symbol)
}

func (s *SQLiteStore) PendingEntries(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, trigger_table, status, triggered_at, claimed_at, completed_at, error
		 FROM recalc_queue WHERE status = ? ORDER BY triggered_at LIMIT ?`,
		string(model.EntryPending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending entries")
	}
	defer rows.Close()

	return scanQueueEntries(rows)
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, ids []string, claimedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+2)
	args = append(args, string(model.EntryProcessing), claimedAt.UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	// Only pending entries transition; a racing claim is a no-op here.
	_, err := s.db.ExecContext(ctx,
		`UPDATE recalc_queue SET status = ?, claimed_at = ?
		 WHERE id IN (`+placeholders+`) AND status = 'pending'`,
		args...,
	)
	return eris.Wrap(err, "sqlite: mark processing")
}

func (s *SQLiteStore) ResolveEntry(ctx context.Context, id string, status model.EntryStatus, errMsg string) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: resolve to non-terminal status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE recalc_queue SET status = ?, completed_at = ?, error = ?
		 WHERE id = ? AND status = 'processing'`,
		string(status), time.Now().UTC(), errMsg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve entry %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: entry %s not in processing state", id)
	}
	return nil
}

func (s *SQLiteStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recalc_queue SET status = 'pending', claimed_at = NULL
		 WHERE status = 'processing' AND claimed_at < ?`,
		claimedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reclaim stale")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recalc_queue
		 WHERE status IN ('completed', 'failed') AND triggered_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete terminal entries")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) QueueStats(ctx context.Context) (model.QueueStats, error) {
	stats := model.QueueStats{ByStatus: make(map[model.EntryStatus]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recalc_queue GROUP BY status`)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: queue stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, eris.Wrap(err, "sqlite: scan queue stats")
		}
		stats.ByStatus[model.EntryStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, eris.Wrap(err, "sqlite: queue stats rows")
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT triggered_at FROM recalc_queue WHERE status = 'pending'
		 ORDER BY triggered_at LIMIT 1)`).Scan(&oldest)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: oldest pending")
	}
	if oldest.Valid {
		t := oldest.Time.UTC()
		stats.Oldest = &t
	}
	return stats, nil
}

func (s *SQLiteStore) RecordSyncCycle(ctx context.Context, report model.CycleReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cycle report")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, started_at, finished_at, requests_used, report)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), report.StartedAt.UTC(), report.FinishedAt.UTC(),
		report.Requests.Used, string(payload),
	)
	return eris.Wrap(err, "sqlite: record sync cycle")
}

func (s *SQLiteStore) LastSyncTime(ctx context.Context) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT finished_at FROM sync_runs ORDER BY finished_at DESC LIMIT 1)`).Scan(&last)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last sync time")
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time.UTC()
	return &t, nil
}

// scanQueueEntries reads queue rows shared by PendingEntries.
func scanQueueEntries(rows *sql.Rows) ([]model.QueueEntry, error) {
	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var trigger, status string
		var claimed, completed sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.Symbol, &trigger, &status, &e.TriggeredAt, &claimed, &completed, &errMsg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue entry")
		}
		e.TriggerTable = model.Category(trigger)
		e.Status = model.EntryStatus(status)
		e.TriggeredAt = e.TriggeredAt.UTC()
		if claimed.Valid {
			t := claimed.Time.UTC()
			e.ClaimedAt = &t
		}
		if completed.Valid {
			t := completed.Time.UTC()
			e.CompletedAt = &t
		}
		if errMsg.Valid {
			e.Error = errMsg.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
