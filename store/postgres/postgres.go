/*
Package postgres provides a PostgreSQL-backed implementation of the ledger stores.

PURPOSE:
  Same contracts as store/sqlite (stock.Store, stock.LocationStore,
  stock.SnapshotStore, variant.Catalog) for deployments where several
  ledgerd processes write to one database.

APPEND-ONLY ENFORCEMENT:
  A BEFORE UPDATE OR DELETE trigger raises on the movements table.

CONCURRENCY:
  No process-level lock. Each batch is one pgx transaction; the unique
  index on transaction_id decides which of two concurrent duplicates wins.
  BIGSERIAL seq values are handed out before commit, so a seq can become
  visible after a higher one. Snapshot watermarks stay behind the settle
  window for that reason.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      return err
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite: single-node backend with the same schema
  - store/sqlutil: WHERE builders shared by both
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/sqlutil"
	"github.com/warp/stock-ledger/variant"
)

// Store implements the ledger storage interfaces on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

var (
	_ stock.Store         = (*Store)(nil)
	_ stock.LocationStore = (*Store)(nil)
	_ stock.SnapshotStore = (*Store)(nil)
	_ variant.Catalog     = (*Store)(nil)
)

// Option tweaks the pool before it connects.
type Option func(*Store, *pgxpool.Config)

// WithSchema puts every table in schema (created on Migrate).
func WithSchema(schema string) Option {
	return func(s *Store, cfg *pgxpool.Config) {
		s.schema = schema
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
}

// WithMaxConns overrides the pool size.
func WithMaxConns(n int32) Option {
	return func(_ *Store, cfg *pgxpool.Config) {
		cfg.MaxConns = n
	}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects to databaseURL, pings and migrates.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	store := &Store{}
	for _, opt := range opts {
		opt(store, cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	store.pool = pool

	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS movements (
		seq BIGSERIAL PRIMARY KEY,
		transaction_id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL,
		location_id TEXT NOT NULL REFERENCES locations(id),
		variant TEXT,
		delta BIGINT NOT NULL CHECK (delta <> 0),
		reason_code TEXT NOT NULL,
		reference_doc TEXT,
		unit_cost NUMERIC(18,6),
		actor TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_movements_key ON movements(product_id, location_id, variant)`,
	`CREATE INDEX IF NOT EXISTS idx_movements_reference ON movements(reference_doc) WHERE reference_doc IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_movements_created_at ON movements(created_at)`,
	`CREATE OR REPLACE FUNCTION movements_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'movements are append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS movements_append_only ON movements`,
	`CREATE TRIGGER movements_append_only BEFORE UPDATE OR DELETE ON movements
		FOR EACH ROW EXECUTE FUNCTION movements_append_only()`,
	`CREATE TABLE IF NOT EXISTS balance_snapshots (
		product_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		balances JSONB NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (product_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS variant_definitions (
		product_id TEXT NOT NULL,
		version INT NOT NULL,
		definition JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (product_id, version)
	)`,
}

// Migrate creates the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.schema != "" {
		if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{s.schema}.Sanitize()); err != nil {
			return err
		}
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// =============================================================================
// MOVEMENT STORE (stock.Store interface)
// =============================================================================

const movementColumns = `seq, transaction_id, product_id, location_id, variant, delta,
	reason_code, reference_doc, unit_cost, actor, created_at`

func (s *Store) Append(ctx context.Context, m stock.Movement) error {
	return s.AppendBatch(ctx, []stock.Movement{m})
}

// AppendBatch adds movements in one transaction.
func (s *Store) AppendBatch(ctx context.Context, ms []stock.Movement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range ms {
		if err := appendMovement(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func appendMovement(ctx context.Context, q querier, m stock.Movement) error {
	var unitCost decimal.NullDecimal
	if m.UnitCost != nil {
		unitCost = decimal.NewNullDecimal(*m.UnitCost)
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := q.Exec(ctx, `
		INSERT INTO movements
		(transaction_id, product_id, location_id, variant, delta, reason_code,
		 reference_doc, unit_cost, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		string(m.TransactionID),
		string(m.ProductID),
		string(m.LocationID),
		nullable(string(m.Variant)),
		m.Delta,
		string(m.Reason),
		nullable(m.ReferenceDoc),
		unitCost,
		nullable(m.Actor),
		createdAt.UTC(),
	)
	if err != nil {
		switch pgCode(err) {
		case "23505":
			return &stock.DuplicateMovementError{TransactionID: m.TransactionID}
		case "23503":
			return &stock.InvalidLocationError{LocationID: m.LocationID}
		}
		return fmt.Errorf("failed to append movement: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, id stock.TransactionID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM movements WHERE transaction_id = $1)", string(id),
	).Scan(&exists)
	return exists, err
}

func (s *Store) Get(ctx context.Context, id stock.TransactionID) (stock.Movement, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE transaction_id = $1", string(id))
	m, err := scanMovement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock.Movement{}, stock.ErrNotFound
	}
	return m, err
}

func (s *Store) Sum(ctx context.Context, q stock.Query) (int64, error) {
	where, args := sqlutil.MovementWhere(q, sqlutil.Dollar)
	var sum int64
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(SUM(delta), 0)::BIGINT FROM movements"+where, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum movements: %w", err)
	}
	return sum, nil
}

func (s *Store) Balances(ctx context.Context, f stock.BalanceFilter) ([]stock.Balance, error) {
	query, args := sqlutil.BalanceQuery(f, sqlutil.Dollar)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	sums := make(map[stock.BalanceKey]int64)
	for rows.Next() {
		var (
			k    stock.BalanceKey
			vkey *string
			qty  int64
		)
		if err := rows.Scan(&k.ProductID, &k.LocationID, &vkey, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		k.Variant = variant.Key(deref(vkey))
		sums[k] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stock.SortBalances(sums, f.NegativeOnly), nil
}

func (s *Store) Movements(ctx context.Context, q stock.Query) ([]stock.Movement, error) {
	where, args := sqlutil.MovementWhere(q, sqlutil.Dollar)
	query := "SELECT " + movementColumns + " FROM movements" + where + " ORDER BY seq"
	if q.Descending {
		query += " DESC"
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	var seq int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM movements WHERE created_at <= $1", before.UTC(),
	).Scan(&seq)
	return seq, err
}

func scanMovement(row pgx.Row) (stock.Movement, error) {
	var (
		m         stock.Movement
		vkey      *string
		reference *string
		unitCost  decimal.NullDecimal
		actor     *string
	)
	err := row.Scan(
		&m.Seq, &m.TransactionID, &m.ProductID, &m.LocationID, &vkey,
		&m.Delta, &m.Reason, &reference, &unitCost, &actor, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}

	m.Variant = variant.Key(deref(vkey))
	m.ReferenceDoc = deref(reference)
	m.Actor = deref(actor)
	if unitCost.Valid {
		d := unitCost.Decimal
		m.UnitCost = &d
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// =============================================================================
// LOCATION STORE
// =============================================================================

func (s *Store) SaveLocation(ctx context.Context, loc stock.Location) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations (id, name, type) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type
	`, string(loc.ID), loc.Name, string(loc.Type))
	if err != nil {
		return fmt.Errorf("failed to save location: %w", err)
	}
	return nil
}

func (s *Store) GetLocation(ctx context.Context, id stock.LocationID) (stock.Location, error) {
	var loc stock.Location
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, type FROM locations WHERE id = $1", string(id),
	).Scan(&loc.ID, &loc.Name, &loc.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock.Location{}, stock.ErrNotFound
	}
	if err != nil {
		return stock.Location{}, fmt.Errorf("failed to get location: %w", err)
	}
	return loc, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]stock.Location, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, type FROM locations ORDER BY id")
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO balance_snapshots (product_id, seq, balances, taken_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, seq) DO NOTHING
	`, string(snap.ProductID), snap.Seq, string(data), snap.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestSnapshot(ctx context.Context, productID stock.ProductID) (*stock.Snapshot, error) {
	var (
		seq     int64
		data    string
		takenAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT seq, balances::TEXT, taken_at FROM balance_snapshots
		WHERE product_id = $1 ORDER BY seq DESC LIMIT 1
	`, string(productID)).Scan(&seq, &data, &takenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	balances, err := sqlutil.DecodeSnapshot(productID, []byte(data))
	if err != nil {
		return nil, err
	}
	return &stock.Snapshot{ProductID: productID, Seq: seq, Balances: balances, TakenAt: takenAt.UTC()}, nil
}

// =============================================================================
// VARIANT CATALOG
// =============================================================================

// SaveDefinition appends a new definition version. An advisory lock per
// product keeps concurrent saves from racing on the version number.
func (s *Store) SaveDefinition(ctx context.Context, productID string, def variant.Definition) error {
	if err := variant.Validate(def); err != nil {
		return err
	}
	data, err := def.Marshal()
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", productID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO variant_definitions (product_id, version, definition, saved_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, now()
		FROM variant_definitions WHERE product_id = $1
	`, productID, string(data))
	if err != nil {
		return fmt.Errorf("failed to save variant definition: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Definition(ctx context.Context, productID string) (variant.Definition, error) {
	var data string
	err := s.pool.QueryRow(ctx, `
		SELECT definition::TEXT FROM variant_definitions
		WHERE product_id = $1 ORDER BY version DESC LIMIT 1
	`, productID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return variant.Definition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load variant definition: %w", err)
	}
	return variant.ParseDefinition([]byte(data))
}

func (s *Store) DefinitionHistory(ctx context.Context, productID string) ([]variant.Version, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version, definition::TEXT, saved_at FROM variant_definitions
		WHERE product_id = $1 ORDER BY version
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variant history: %w", err)
	}
	defer rows.Close()

	var out []variant.Version
	for rows.Next() {
		var (
			v    variant.Version
			data string
		)
		if err := rows.Scan(&v.Number, &data, &v.SavedAt); err != nil {
			return nil, err
		}
		if v.Definition, err = variant.ParseDefinition([]byte(data)); err != nil {
			return nil, err
		}
		v.ProductID = productID
		out = append(out, v)
	}
	return out, rows.Err()
}

// Helper functions

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
