/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements stock.Store, stock.LocationStore, stock.SnapshotStore and
  variant.Catalog on a single SQLite file. Suitable for one ledgerd node;
  use store/postgres when several processes write.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the movements table
  - Triggers abort any UPDATE or DELETE issued from outside
  - Corrections are new movements

KEY TABLES:
  movements:           Immutable ledger (seq = ledger order)
  locations:           Stores and warehouses
  balance_snapshots:   Frozen per-product balances up to a seq
  variant_definitions: Every saved variation definition, versioned

INDEXES:
  - transaction_id UNIQUE: idempotency key
  - idx_movements_key: balance aggregation (hot path)
  - idx_movements_reference: order/ticket lookups for reversals

CONCURRENCY:
  Writes are serialized by a mutex and each append runs in its own
  transaction, so readers only ever see committed rows. WAL mode lets
  reads proceed while a write is in flight.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      return err
  }
  defer store.Close()

SEE ALSO:
  - stock/store.go: Interface definitions
  - stock/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/sqlutil"
	"github.com/warp/stock-ledger/variant"
)

// Fixed-width so that text comparison orders timestamps.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ stock.Store         = (*Store)(nil)
	_ stock.LocationStore = (*Store)(nil)
	_ stock.SnapshotStore = (*Store)(nil)
	_ variant.Catalog     = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL,
		location_id TEXT NOT NULL REFERENCES locations(id),
		variant TEXT,
		delta INTEGER NOT NULL CHECK (delta <> 0),
		reason_code TEXT NOT NULL,
		reference_doc TEXT,
		unit_cost TEXT,
		actor TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_key
		ON movements(product_id, location_id, variant);
	CREATE INDEX IF NOT EXISTS idx_movements_reference
		ON movements(reference_doc) WHERE reference_doc IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_movements_created_at
		ON movements(created_at);

	CREATE TRIGGER IF NOT EXISTS movements_no_update
		BEFORE UPDATE ON movements
		BEGIN SELECT RAISE(ABORT, 'movements are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS movements_no_delete
		BEFORE DELETE ON movements
		BEGIN SELECT RAISE(ABORT, 'movements are append-only'); END;

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		product_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		balances_json TEXT NOT NULL,
		taken_at TEXT NOT NULL,
		PRIMARY KEY (product_id, seq)
	);

	CREATE TABLE IF NOT EXISTS variant_definitions (
		product_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		definition_json TEXT NOT NULL,
		saved_at TEXT NOT NULL,
		PRIMARY KEY (product_id, version)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// MOVEMENT STORE (stock.Store interface)
// =============================================================================

const movementColumns = `seq, transaction_id, product_id, location_id, variant, delta,
	reason_code, reference_doc, unit_cost, actor, created_at`

// Append adds a movement to the ledger.
func (s *Store) Append(ctx context.Context, m stock.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := appendMovement(ctx, sqlTx, m); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// AppendBatch adds movements atomically.
func (s *Store) AppendBatch(ctx context.Context, ms []stock.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, m := range ms {
		if err := appendMovement(ctx, sqlTx, m); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func appendMovement(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, m stock.Movement) error {
	var unitCost sql.NullString
	if m.UnitCost != nil {
		unitCost = sql.NullString{String: m.UnitCost.String(), Valid: true}
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO movements
		(transaction_id, product_id, location_id, variant, delta, reason_code,
		 reference_doc, unit_cost, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		string(m.TransactionID),
		string(m.ProductID),
		string(m.LocationID),
		sqlutil.NullVariant(string(m.Variant)),
		m.Delta,
		string(m.Reason),
		sqlutil.NullString(m.ReferenceDoc),
		unitCost,
		sqlutil.NullString(m.Actor),
		createdAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &stock.DuplicateMovementError{TransactionID: m.TransactionID}
		}
		if isForeignKeyError(err) {
			return &stock.InvalidLocationError{LocationID: m.LocationID}
		}
		return fmt.Errorf("failed to append movement: %w", err)
	}

	return nil
}

// Exists checks if a transaction id was recorded.
func (s *Store) Exists(ctx context.Context, id stock.TransactionID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM movements WHERE transaction_id = ?",
		string(id),
	).Scan(&count)

	return count > 0, err
}

func (s *Store) Get(ctx context.Context, id stock.TransactionID) (stock.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE transaction_id = ?", string(id))
	if err != nil {
		return stock.Movement{}, fmt.Errorf("failed to query movement: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return stock.Movement{}, err
		}
		return stock.Movement{}, stock.ErrNotFound
	}
	return scanMovement(rows)
}

func (s *Store) Sum(ctx context.Context, q stock.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := sqlutil.MovementWhere(q, sqlutil.Question)
	var sum int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(delta), 0) FROM movements"+where, args...).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum movements: %w", err)
	}
	return sum, nil
}

func (s *Store) Balances(ctx context.Context, f stock.BalanceFilter) ([]stock.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := sqlutil.BalanceQuery(f, sqlutil.Question)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	sums := make(map[stock.BalanceKey]int64)
	for rows.Next() {
		var (
			k    stock.BalanceKey
			vkey sql.NullString
			qty  int64
		)
		if err := rows.Scan(&k.ProductID, &k.LocationID, &vkey, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		k.Variant = stockVariant(vkey)
		sums[k] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stock.SortBalances(sums, f.NegativeOnly), nil
}

func (s *Store) Movements(ctx context.Context, q stock.Query) ([]stock.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := sqlutil.MovementWhere(q, sqlutil.Question)
	query := "SELECT " + movementColumns + " FROM movements" + where + " ORDER BY seq"
	if q.Descending {
		query += " DESC"
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var out []stock.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MaxSeq(ctx context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM movements WHERE created_at <= ?",
		before.UTC().Format(timeFormat),
	).Scan(&seq)
	return seq, err
}

func scanMovement(rows *sql.Rows) (stock.Movement, error) {
	var (
		m         stock.Movement
		vkey      sql.NullString
		reference sql.NullString
		unitCost  sql.NullString
		actor     sql.NullString
		createdAt string
	)

	err := rows.Scan(
		&m.Seq, &m.TransactionID, &m.ProductID, &m.LocationID, &vkey,
		&m.Delta, &m.Reason, &reference, &unitCost, &actor, &createdAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}

	m.Variant = stockVariant(vkey)
	m.ReferenceDoc = reference.String
	m.Actor = actor.String
	if unitCost.Valid {
		d, err := decimal.NewFromString(unitCost.String)
		if err != nil {
			return m, fmt.Errorf("movement %s: bad unit cost %q: %w", m.TransactionID, unitCost.String, err)
		}
		m.UnitCost = &d
	}
	m.CreatedAt, _ = time.Parse(timeFormat, createdAt)

	return m, nil
}

func stockVariant(v sql.NullString) variant.Key {
	if !v.Valid {
		return ""
	}
	return variant.Key(v.String)
}

// =============================================================================
// LOCATION STORE
// =============================================================================

func (s *Store) SaveLocation(ctx context.Context, loc stock.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type
	`, string(loc.ID), loc.Name, string(loc.Type), time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save location: %w", err)
	}
	return nil
}

func (s *Store) GetLocation(ctx context.Context, id stock.LocationID) (stock.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var loc stock.Location
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, type FROM locations WHERE id = ?", string(id),
	).Scan(&loc.ID, &loc.Name, &loc.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Location{}, stock.ErrNotFound
	}
	if err != nil {
		return stock.Location{}, fmt.Errorf("failed to get location: %w", err)
	}
	return loc, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]stock.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, type FROM locations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var out []stock.Location
	for rows.Next() {
		var loc stock.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Type); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

func (s *Store) SaveSnapshot(ctx context.Context, snap stock.Snapshot) error {
	data, err := sqlutil.EncodeSnapshot(snap.Balances)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO balance_snapshots (product_id, seq, balances_json, taken_at)
		VALUES (?, ?, ?, ?)
	`, string(snap.ProductID), snap.Seq, string(data), snap.TakenAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, productID stock.ProductID) (*stock.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		seq     int64
		data    string
		takenAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, balances_json, taken_at FROM balance_snapshots
		WHERE product_id = ? ORDER BY seq DESC LIMIT 1
	`, string(productID)).Scan(&seq, &data, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	balances, err := sqlutil.DecodeSnapshot(productID, []byte(data))
	if err != nil {
		return nil, err
	}
	t, _ := time.Parse(timeFormat, takenAt)
	return &stock.Snapshot{ProductID: productID, Seq: seq, Balances: balances, TakenAt: t}, nil
}

// =============================================================================
// VARIANT CATALOG
// =============================================================================

// SaveDefinition appends a new definition version.
func (s *Store) SaveDefinition(ctx context.Context, productID string, def variant.Definition) error {
	if err := variant.Validate(def); err != nil {
		return err
	}
	data, err := def.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO variant_definitions (product_id, version, definition_json, saved_at)
		SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?
		FROM variant_definitions WHERE product_id = ?
	`, productID, string(data), time.Now().UTC().Format(timeFormat), productID)
	if err != nil {
		return fmt.Errorf("failed to save variant definition: %w", err)
	}
	return nil
}

func (s *Store) Definition(ctx context.Context, productID string) (variant.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT definition_json FROM variant_definitions
		WHERE product_id = ? ORDER BY version DESC LIMIT 1
	`, productID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return variant.Definition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load variant definition: %w", err)
	}
	return variant.ParseDefinition([]byte(data))
}

func (s *Store) DefinitionHistory(ctx context.Context, productID string) ([]variant.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, definition_json, saved_at FROM variant_definitions
		WHERE product_id = ? ORDER BY version
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variant history: %w", err)
	}
	defer rows.Close()

	var out []variant.Version
	for rows.Next() {
		var (
			v       variant.Version
			data    string
			savedAt string
		)
		if err := rows.Scan(&v.Number, &data, &savedAt); err != nil {
			return nil, err
		}
		if v.Definition, err = variant.ParseDefinition([]byte(data)); err != nil {
			return nil, err
		}
		v.ProductID = productID
		v.SavedAt, _ = time.Parse(timeFormat, savedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Helper functions

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
