/*
Package sqlite provides a SQLite-backed implementation of evm.Repository.

PURPOSE:
  Persists the project hierarchy, the append-only record tables and the
  immutable baseline snapshots. The same patterns apply to PostgreSQL with
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  evm.Store:         hierarchy + records (live path reads)
  evm.TxWriter:      record appends, all-or-nothing batches
  evm.BaselineStore: snapshots, one SQL transaction per baseline
  evm.PlanStore:     planned baselines for the scheduler

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on schedules, progress_records, cost_transactions,
    forecasts or baseline_metrics
  - The only UPDATE on baselines is the cancellation flag
  - Corrections are newer records, picked by the as-of selector

KEY TABLES:
  projects, wbes, cost_elements:  hierarchy (foreign keys enforced)
  schedules:                      versions; the latest created is active
  progress_records, cost_transactions, forecasts: time-stamped records
  baselines, baseline_metrics:    snapshot header + one row per node
  baseline_plans:                 scheduled captures

STORAGE FORMATS:
  - dates (control, effective, schedule bounds): YYYY-MM-DD
  - timestamps: RFC3339 with nanoseconds, so created_at tie-breaks survive
  - money: decimal text at 2 places; indices: "1.2345" | "N/A" | "overrun"

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. The baselines primary key is what
  makes "first writer wins" hold across processes.

USAGE:
  store, err := sqlite.New("./data/evm.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  live := evm.NewLiveEngine(store)

SEE ALSO:
  - evm/store.go: Interface definitions
  - evm/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/evm-engine/evm"
)

const (
	dateLayout = "2006-01-02"
	tsLayout   = time.RFC3339Nano
)

// Store implements evm.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ evm.Repository = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		start_date TEXT,
		end_date TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wbes (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		code TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wbes_project ON wbes(project_id);

	CREATE TABLE IF NOT EXISTS cost_elements (
		id TEXT PRIMARY KEY,
		wbe_id TEXT NOT NULL REFERENCES wbes(id),
		code TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		bac TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cost_elements_wbe ON cost_elements(wbe_id);

	-- Schedule versions (append-only; latest created_at is active)
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		cost_element_id TEXT NOT NULL REFERENCES cost_elements(id),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		curve TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_ce_created
		ON schedules(cost_element_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS progress_records (
		id TEXT PRIMARY KEY,
		cost_element_id TEXT NOT NULL REFERENCES cost_elements(id),
		effective_date TEXT NOT NULL,
		percent_complete TEXT NOT NULL,
		notes TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_progress_ce_date
		ON progress_records(cost_element_id, effective_date);

	CREATE TABLE IF NOT EXISTS cost_transactions (
		id TEXT PRIMARY KEY,
		cost_element_id TEXT NOT NULL REFERENCES cost_elements(id),
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_costs_ce_date
		ON cost_transactions(cost_element_id, date);

	CREATE TABLE IF NOT EXISTS forecasts (
		id TEXT PRIMARY KEY,
		cost_element_id TEXT NOT NULL REFERENCES cost_elements(id),
		effective_date TEXT NOT NULL,
		eac TEXT NOT NULL,
		notes TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_forecasts_ce_date
		ON forecasts(cost_element_id, effective_date);

	-- One key space for progress, cost and forecast records; a claim row is
	-- inserted in the same transaction as the record it names
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		record_kind TEXT NOT NULL,
		record_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	INSERT OR IGNORE INTO idempotency_keys (key, record_kind, record_id, created_at)
		SELECT idempotency_key, 'progress', id, created_at FROM progress_records
		WHERE idempotency_key IS NOT NULL;
	INSERT OR IGNORE INTO idempotency_keys (key, record_kind, record_id, created_at)
		SELECT idempotency_key, 'cost', id, created_at FROM cost_transactions
		WHERE idempotency_key IS NOT NULL;
	INSERT OR IGNORE INTO idempotency_keys (key, record_kind, record_id, created_at)
		SELECT idempotency_key, 'forecast', id, created_at FROM forecasts
		WHERE idempotency_key IS NOT NULL;

	-- Baselines: header written in the same transaction as every metric row
	CREATE TABLE IF NOT EXISTS baselines (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		description TEXT,
		baseline_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		cancelled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_baselines_project_date
		ON baselines(project_id, baseline_date);

	CREATE TABLE IF NOT EXISTS baseline_metrics (
		baseline_id TEXT NOT NULL REFERENCES baselines(id),
		level TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		control_date TEXT NOT NULL,
		pv TEXT NOT NULL,
		ev TEXT NOT NULL,
		ac TEXT NOT NULL,
		bac TEXT NOT NULL,
		eac TEXT NOT NULL,
		cv TEXT NOT NULL,
		sv TEXT NOT NULL,
		etc TEXT NOT NULL,
		vac TEXT NOT NULL,
		cpi TEXT NOT NULL,
		spi TEXT NOT NULL,
		tcpi TEXT NOT NULL,
		PRIMARY KEY (baseline_id, level, entity_id)
	);

	CREATE TABLE IF NOT EXISTS baseline_plans (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		description TEXT,
		baseline_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_baseline_plans_due
		ON baseline_plans(status, baseline_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// HIERARCHY
// =============================================================================

func (s *Store) SaveProject(ctx context.Context, p evm.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveProject(ctx, s.db, p)
}

func saveProject(ctx context.Context, db execer, p evm.Project) error {
	query := `
		INSERT INTO projects (id, code, name, currency, start_date, end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			currency = excluded.currency,
			start_date = excluded.start_date,
			end_date = excluded.end_date
	`
	_, err := db.ExecContext(ctx, query,
		p.ID, p.Code, p.Name, p.Currency,
		nullString(p.StartDate.String()), nullString(p.EndDate.String()),
		formatTS(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

func (s *Store) SaveWBE(ctx context.Context, w evm.WBE) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveWBE(ctx, s.db, w)
}

func saveWBE(ctx context.Context, db execer, w evm.WBE) error {
	query := `
		INSERT INTO wbes (id, project_id, code, name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name
	`
	_, err := db.ExecContext(ctx, query, w.ID, w.ProjectID, w.Code, w.Name, formatTS(w.CreatedAt))
	if isForeignKeyError(err) {
		return evm.ErrProjectNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save wbe: %w", err)
	}
	return nil
}

func (s *Store) SaveCostElement(ctx context.Context, ce evm.CostElement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveCostElement(ctx, s.db, ce)
}

func saveCostElement(ctx context.Context, db execer, ce evm.CostElement) error {
	query := `
		INSERT INTO cost_elements (id, wbe_id, code, name, bac, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			bac = excluded.bac
	`
	_, err := db.ExecContext(ctx, query,
		ce.ID, ce.WBEID, ce.Code, ce.Name, money(ce.BAC), formatTS(ce.CreatedAt),
	)
	if isForeignKeyError(err) {
		return evm.ErrWBENotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save cost element: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id evm.EntityID) (*evm.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, code, name, currency, start_date, end_date, created_at FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evm.ErrProjectNotFound
	}
	return p, err
}

func (s *Store) ListProjects(ctx context.Context) ([]evm.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, code, name, currency, start_date, end_date, created_at FROM projects ORDER BY code, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var out []evm.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*evm.Project, error) {
	var (
		p                  evm.Project
		startDate, endDate sql.NullString
		createdAt          string
	)
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Currency, &startDate, &endDate, &createdAt); err != nil {
		return nil, err
	}
	p.StartDate = parseDate(startDate.String)
	p.EndDate = parseDate(endDate.String)
	p.CreatedAt = parseTS(createdAt)
	return &p, nil
}

func (s *Store) GetWBE(ctx context.Context, id evm.EntityID) (*evm.WBE, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		w         evm.WBE
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, project_id, code, name, created_at FROM wbes WHERE id = ?", id,
	).Scan(&w.ID, &w.ProjectID, &w.Code, &w.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evm.ErrWBENotFound
	}
	if err != nil {
		return nil, err
	}
	w.CreatedAt = parseTS(createdAt)
	return &w, nil
}

func (s *Store) ListWBEs(ctx context.Context, projectID evm.EntityID) ([]evm.WBE, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project_id, code, name, created_at FROM wbes WHERE project_id = ? ORDER BY code, id", projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wbes: %w", err)
	}
	defer rows.Close()

	var out []evm.WBE
	for rows.Next() {
		var (
			w         evm.WBE
			createdAt string
		)
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.Code, &w.Name, &createdAt); err != nil {
			return nil, err
		}
		w.CreatedAt = parseTS(createdAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) GetCostElement(ctx context.Context, id evm.EntityID) (*evm.CostElement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, wbe_id, code, name, bac, created_at FROM cost_elements WHERE id = ?", id)
	ce, err := scanCostElement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evm.ErrCostElementNotFound
	}
	return ce, err
}

func (s *Store) ListCostElements(ctx context.Context, wbeID evm.EntityID) ([]evm.CostElement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, wbe_id, code, name, bac, created_at FROM cost_elements WHERE wbe_id = ? ORDER BY code, id", wbeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost elements: %w", err)
	}
	defer rows.Close()

	var out []evm.CostElement
	for rows.Next() {
		ce, err := scanCostElement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ce)
	}
	return out, rows.Err()
}

func scanCostElement(row scanner) (*evm.CostElement, error) {
	var (
		ce             evm.CostElement
		bac, createdAt string
	)
	if err := row.Scan(&ce.ID, &ce.WBEID, &ce.Code, &ce.Name, &bac, &createdAt); err != nil {
		return nil, err
	}
	ce.BAC = evm.MustParseDecimal(bac)
	ce.CreatedAt = parseTS(createdAt)
	return &ce, nil
}

// =============================================================================
// RECORDS
// =============================================================================

func (s *Store) AppendSchedule(ctx context.Context, sc evm.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendSchedule(ctx, s.db, sc)
}

func appendSchedule(ctx context.Context, db execer, sc evm.Schedule) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO schedules (id, cost_element_id, start_date, end_date, curve, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.CostElementID, sc.StartDate.String(), sc.EndDate.String(), string(sc.Curve), formatTS(sc.CreatedAt),
	)
	if isForeignKeyError(err) {
		return evm.ErrCostElementNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to append schedule: %w", err)
	}
	return nil
}

func (s *Store) AppendProgress(ctx context.Context, p evm.ProgressRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return appendProgress(ctx, tx, p) })
}

func appendProgress(ctx context.Context, db execer, p evm.ProgressRecord) error {
	if err := claimKey(ctx, db, p.IdempotencyKey, "progress", p.ID, p.CreatedAt); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO progress_records
		(id, cost_element_id, effective_date, percent_complete, notes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CostElementID, p.EffectiveDate.String(), p.PercentComplete.String(),
		nullString(p.Notes), nullString(p.IdempotencyKey), formatTS(p.CreatedAt),
	)
	return recordError("progress record", err)
}

func (s *Store) AppendCostTransaction(ctx context.Context, c evm.CostTransaction) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return appendCost(ctx, tx, c) })
}

func appendCost(ctx context.Context, db execer, c evm.CostTransaction) error {
	if err := claimKey(ctx, db, c.IdempotencyKey, "cost", c.ID, c.CreatedAt); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO cost_transactions
		(id, cost_element_id, date, amount, reference, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CostElementID, c.Date.String(), money(c.Amount),
		nullString(c.Reference), nullString(c.IdempotencyKey), formatTS(c.CreatedAt),
	)
	return recordError("cost transaction", err)
}

func (s *Store) AppendForecast(ctx context.Context, f evm.Forecast) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return appendForecast(ctx, tx, f) })
}

func appendForecast(ctx context.Context, db execer, f evm.Forecast) error {
	if err := claimKey(ctx, db, f.IdempotencyKey, "forecast", f.ID, f.CreatedAt); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO forecasts
		(id, cost_element_id, effective_date, eac, notes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CostElementID, f.EffectiveDate.String(), money(f.EAC),
		nullString(f.Notes), nullString(f.IdempotencyKey), formatTS(f.CreatedAt),
	)
	return recordError("forecast", err)
}

func recordError(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case isForeignKeyError(err):
		return evm.ErrCostElementNotFound
	case isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key"):
		return evm.ErrDuplicateIdempotencyKey
	}
	return fmt.Errorf("failed to append %s: %w", what, err)
}

// claimKey reserves an idempotency key for one record. It must run in the
// transaction that inserts the record.
func claimKey(ctx context.Context, db execer, key, kind, id string, createdAt time.Time) error {
	if key == "" {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, record_kind, record_id, created_at)
		VALUES (?, ?, ?, ?)`,
		key, kind, id, formatTS(createdAt),
	)
	switch {
	case isUniqueConstraintError(err):
		return evm.ErrDuplicateIdempotencyKey
	case err != nil:
		return fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return nil
}

// IdempotencyKeyExists checks the shared key table.
func (s *Store) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keyExists(ctx, s.db, key)
}

func keyExists(ctx context.Context, db interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, key string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) ActiveSchedule(ctx context.Context, ceID evm.EntityID) (*evm.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, cost_element_id, start_date, end_date, curve, created_at
		FROM schedules WHERE cost_element_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, ceID)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sc, err
}

func (s *Store) ListSchedules(ctx context.Context, ceID evm.EntityID) ([]evm.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cost_element_id, start_date, end_date, curve, created_at
		FROM schedules WHERE cost_element_id = ?
		ORDER BY created_at ASC, id ASC`, ceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []evm.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func scanSchedule(row scanner) (*evm.Schedule, error) {
	var (
		sc                           evm.Schedule
		start, end, curve, createdAt string
	)
	if err := row.Scan(&sc.ID, &sc.CostElementID, &start, &end, &curve, &createdAt); err != nil {
		return nil, err
	}
	sc.StartDate = parseDate(start)
	sc.EndDate = parseDate(end)
	sc.Curve = evm.CurveShape(curve)
	sc.CreatedAt = parseTS(createdAt)
	return &sc, nil
}

func (s *Store) ListProgress(ctx context.Context, ceID evm.EntityID) ([]evm.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cost_element_id, effective_date, percent_complete, notes, idempotency_key, created_at
		FROM progress_records WHERE cost_element_id = ?
		ORDER BY effective_date ASC, created_at ASC`, ceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress records: %w", err)
	}
	defer rows.Close()

	var out []evm.ProgressRecord
	for rows.Next() {
		var (
			p                     evm.ProgressRecord
			date, pct, createdAt  string
			notes, idempotencyKey sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.CostElementID, &date, &pct, &notes, &idempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress record: %w", err)
		}
		p.EffectiveDate = parseDate(date)
		p.PercentComplete = evm.MustParseDecimal(pct)
		p.Notes = notes.String
		p.IdempotencyKey = idempotencyKey.String
		p.CreatedAt = parseTS(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListCostTransactions(ctx context.Context, ceID evm.EntityID) ([]evm.CostTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cost_element_id, date, amount, reference, idempotency_key, created_at
		FROM cost_transactions WHERE cost_element_id = ?
		ORDER BY date ASC, created_at ASC`, ceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost transactions: %w", err)
	}
	defer rows.Close()

	var out []evm.CostTransaction
	for rows.Next() {
		var (
			c                         evm.CostTransaction
			date, amount, createdAt   string
			reference, idempotencyKey sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.CostElementID, &date, &amount, &reference, &idempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost transaction: %w", err)
		}
		c.Date = parseDate(date)
		c.Amount = evm.MustParseDecimal(amount)
		c.Reference = reference.String
		c.IdempotencyKey = idempotencyKey.String
		c.CreatedAt = parseTS(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListForecasts(ctx context.Context, ceID evm.EntityID) ([]evm.Forecast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cost_element_id, effective_date, eac, notes, idempotency_key, created_at
		FROM forecasts WHERE cost_element_id = ?
		ORDER BY effective_date ASC, created_at ASC`, ceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecasts: %w", err)
	}
	defer rows.Close()

	var out []evm.Forecast
	for rows.Next() {
		var (
			f                     evm.Forecast
			date, eac, createdAt  string
			notes, idempotencyKey sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.CostElementID, &date, &eac, &notes, &idempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan forecast: %w", err)
		}
		f.EffectiveDate = parseDate(date)
		f.EAC = evm.MustParseDecimal(eac)
		f.Notes = notes.String
		f.IdempotencyKey = idempotencyKey.String
		f.CreatedAt = parseTS(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (evm.TxWriter interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(evm.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// inTx runs a single write in its own transaction under the write lock.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveProject(ctx context.Context, p evm.Project) error {
	return saveProject(ctx, ts.tx, p)
}

func (ts *txStore) SaveWBE(ctx context.Context, w evm.WBE) error {
	return saveWBE(ctx, ts.tx, w)
}

func (ts *txStore) SaveCostElement(ctx context.Context, ce evm.CostElement) error {
	return saveCostElement(ctx, ts.tx, ce)
}

func (ts *txStore) AppendSchedule(ctx context.Context, sc evm.Schedule) error {
	return appendSchedule(ctx, ts.tx, sc)
}

func (ts *txStore) AppendProgress(ctx context.Context, p evm.ProgressRecord) error {
	return appendProgress(ctx, ts.tx, p)
}

func (ts *txStore) AppendCostTransaction(ctx context.Context, c evm.CostTransaction) error {
	return appendCost(ctx, ts.tx, c)
}

func (ts *txStore) AppendForecast(ctx context.Context, f evm.Forecast) error {
	return appendForecast(ctx, ts.tx, f)
}

func (ts *txStore) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	return keyExists(ctx, ts.tx, key)
}

// =============================================================================
// BASELINES (evm.BaselineStore interface)
// =============================================================================

// CreateBaseline writes the header and every metric row in one transaction.
func (s *Store) CreateBaseline(ctx context.Context, snap evm.BaselineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	b := snap.Baseline
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO baselines (id, project_id, name, description, baseline_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.Name, nullString(b.Description), b.BaselineDate.String(),
		string(b.Status), formatTS(b.CreatedAt),
	)
	switch {
	case isUniqueConstraintError(err):
		return evm.ErrBaselineExists
	case isForeignKeyError(err):
		return evm.ErrProjectNotFound
	case err != nil:
		return fmt.Errorf("failed to insert baseline: %w", err)
	}

	for _, m := range snap.Metrics {
		if err := insertMetricRow(ctx, sqlTx, b.ID, m); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func insertMetricRow(ctx context.Context, db execer, id evm.BaselineID, m evm.MetricSet) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO baseline_metrics
		(baseline_id, level, entity_id, control_date, pv, ev, ac, bac, eac, cv, sv, etc, vac, cpi, spi, tcpi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(m.Level), m.EntityID, m.ControlDate.String(),
		money(m.PV), money(m.EV), money(m.AC), money(m.BAC), money(m.EAC),
		money(m.CV), money(m.SV), money(m.ETC), money(m.VAC),
		m.CPI.String(), m.SPI.String(), m.TCPI.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert baseline metrics for %s %s: %w", m.Level, m.EntityID, err)
	}
	return nil
}

const baselineColumns = "id, project_id, name, description, baseline_date, status, created_at, cancelled_at"

func (s *Store) GetBaseline(ctx context.Context, id evm.BaselineID) (*evm.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+baselineColumns+" FROM baselines WHERE id = ?", id)
	b, err := scanBaseline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evm.ErrBaselineNotFound
	}
	return b, err
}

func (s *Store) ListBaselines(ctx context.Context, projectID evm.EntityID) ([]evm.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+baselineColumns+" FROM baselines WHERE project_id = ? ORDER BY created_at ASC, id ASC", projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query baselines: %w", err)
	}
	defer rows.Close()

	var out []evm.Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBaseline(row scanner) (*evm.Baseline, error) {
	var (
		b                        evm.Baseline
		description, cancelledAt sql.NullString
		date, status, createdAt  string
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &b.Name, &description, &date, &status, &createdAt, &cancelledAt); err != nil {
		return nil, err
	}
	b.Description = description.String
	b.BaselineDate = parseDate(date)
	b.Status = evm.BaselineStatus(status)
	b.CreatedAt = parseTS(createdAt)
	if cancelledAt.Valid {
		t := parseTS(cancelledAt.String)
		b.CancelledAt = &t
	}
	return &b, nil
}

const metricColumns = "level, entity_id, control_date, pv, ev, ac, bac, eac, cv, sv, etc, vac, cpi, spi, tcpi"

func (s *Store) GetBaselineMetrics(ctx context.Context, id evm.BaselineID, level evm.Level, entityID evm.EntityID) (*evm.MetricSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+metricColumns+" FROM baseline_metrics WHERE baseline_id = ? AND level = ? AND entity_id = ?",
		id, string(level), entityID)
	m, err := scanMetricSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		if qerr := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM baselines WHERE id = ?", id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists == 0 {
			return nil, evm.ErrBaselineNotFound
		}
		return nil, evm.ErrBaselineMetricsNotFound
	}
	if err != nil {
		return nil, err
	}
	m.BaselineID = id
	return m, nil
}

func (s *Store) ListBaselineMetrics(ctx context.Context, id evm.BaselineID) ([]evm.MetricSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM baselines WHERE id = ?", id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, evm.ErrBaselineNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metricColumns+` FROM baseline_metrics WHERE baseline_id = ?
		ORDER BY CASE level WHEN 'cost_element' THEN 0 WHEN 'wbe' THEN 1 ELSE 2 END, entity_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline metrics: %w", err)
	}
	defer rows.Close()

	var out []evm.MetricSet
	for rows.Next() {
		m, err := scanMetricSet(rows)
		if err != nil {
			return nil, err
		}
		m.BaselineID = id
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMetricSet(row scanner) (*evm.MetricSet, error) {
	var (
		m                    evm.MetricSet
		level, control       string
		pv, ev, ac, bac, eac string
		cv, sv, etc, vac     string
		cpi, spi, tcpi       string
	)
	if err := row.Scan(&level, &m.EntityID, &control, &pv, &ev, &ac, &bac, &eac, &cv, &sv, &etc, &vac, &cpi, &spi, &tcpi); err != nil {
		return nil, err
	}
	m.Level = evm.Level(level)
	m.ControlDate = parseDate(control)
	m.PV = evm.MustParseDecimal(pv)
	m.EV = evm.MustParseDecimal(ev)
	m.AC = evm.MustParseDecimal(ac)
	m.BAC = evm.MustParseDecimal(bac)
	m.EAC = evm.MustParseDecimal(eac)
	m.CV = evm.MustParseDecimal(cv)
	m.SV = evm.MustParseDecimal(sv)
	m.ETC = evm.MustParseDecimal(etc)
	m.VAC = evm.MustParseDecimal(vac)

	var err error
	if m.CPI, err = evm.ParseIndex(cpi); err != nil {
		return nil, err
	}
	if m.SPI, err = evm.ParseIndex(spi); err != nil {
		return nil, err
	}
	if m.TCPI, err = evm.ParseIndex(tcpi); err != nil {
		return nil, err
	}
	m.Source = evm.SourceBaseline
	return &m, nil
}

// CancelBaseline flips the status. Stored metric rows are left as they are.
func (s *Store) CancelBaseline(ctx context.Context, id evm.BaselineID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM baselines WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return evm.ErrBaselineNotFound
	}
	if err != nil {
		return err
	}
	if evm.BaselineStatus(status) == evm.BaselineCancelled {
		return evm.ErrBaselineCancelled
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE baselines SET status = ?, cancelled_at = ? WHERE id = ?",
		string(evm.BaselineCancelled), formatTS(at), id)
	return err
}

// =============================================================================
// PLANS (evm.PlanStore interface)
// =============================================================================

func (s *Store) SaveBaselinePlan(ctx context.Context, p evm.BaselinePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO baseline_plans
		(id, project_id, name, description, baseline_date, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			baseline_date = excluded.baseline_date,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.ProjectID, p.Name, nullString(p.Description), p.BaselineDate.String(),
		string(p.Status), p.Attempts, nullString(p.LastError),
		formatTS(p.CreatedAt), formatTS(p.UpdatedAt),
	)
	if isForeignKeyError(err) {
		return evm.ErrProjectNotFound
	}
	return err
}

const planColumns = "id, project_id, name, description, baseline_date, status, attempts, last_error, created_at, updated_at"

func (s *Store) GetBaselinePlan(ctx context.Context, id evm.BaselineID) (*evm.BaselinePlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+planColumns+" FROM baseline_plans WHERE id = ?", id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, evm.ErrPlanNotFound
	}
	return p, err
}

func (s *Store) ListBaselinePlans(ctx context.Context, projectID evm.EntityID) ([]evm.BaselinePlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPlans(ctx,
		"SELECT "+planColumns+" FROM baseline_plans WHERE project_id = ? ORDER BY baseline_date, id", projectID)
}

func (s *Store) ListDuePlans(ctx context.Context, asOf evm.TimePoint) ([]evm.BaselinePlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryPlans(ctx, `
		SELECT `+planColumns+` FROM baseline_plans
		WHERE status IN ('pending', 'failed') AND baseline_date <= ?
		ORDER BY baseline_date, id`, asOf.String())
}

func (s *Store) queryPlans(ctx context.Context, query string, args ...any) ([]evm.BaselinePlan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline plans: %w", err)
	}
	defer rows.Close()

	var out []evm.BaselinePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPlan(row scanner) (*evm.BaselinePlan, error) {
	var (
		p                                  evm.BaselinePlan
		description, lastError             sql.NullString
		date, status, createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &description, &date, &status,
		&p.Attempts, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Description = description.String
	p.BaselineDate = parseDate(date)
	p.Status = evm.PlanStatus(status)
	p.LastError = lastError.String
	p.CreatedAt = parseTS(createdAt)
	p.UpdatedAt = parseTS(updatedAt)
	return &p, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Children first; foreign keys are enforced.
	tables := []string{
		"baseline_metrics", "baselines", "baseline_plans",
		"idempotency_keys", "forecasts", "cost_transactions", "progress_records", "schedules",
		"cost_elements", "wbes", "projects",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(evm.MoneyScale)
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

func parseDate(s string) evm.TimePoint {
	if s == "" {
		return evm.TimePoint{}
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return evm.TimePoint{}
	}
	return evm.DateOf(t)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
