package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/migrate"
	"kasirinaja/settlement/internal/store/postgres/migrations"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Repository = (*Store)(nil)

// New connects to databaseURL and applies the embedded migrations.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migrate.Apply(ctx, db, migrate.Postgres, migrations.FS, ""); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertProduct inserts or replaces a catalog entry.
func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	rate, err := decimal.NewFromString(defaultRate(product.TaxRate))
	if err != nil {
		return apperror.Validation("invalid tax rate %q", product.TaxRate)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, price_cents, tax_rate, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku,
			name = EXCLUDED.name,
			price_cents = EXCLUDED.price_cents,
			tax_rate = EXCLUDED.tax_rate,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, product.ID, product.SKU, product.Name, product.PriceCents, rate.String(), product.Active, s.now())
	return err
}

// SetStock overwrites on-hand stock and clears reservations.
func (s *Store) SetStock(ctx context.Context, storeID string, productID string, onHand int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_levels (store_id, product_id, on_hand, committed, updated_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (store_id, product_id)
		DO UPDATE SET on_hand = EXCLUDED.on_hand, committed = 0, updated_at = EXCLUDED.updated_at
	`, storeID, productID, onHand, s.now())
	if isForeignKeyViolation(err) {
		return apperror.NotFound("product %s not found", productID)
	}
	return err
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, price_cents, tax_rate::text, active
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		var rate string
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &rate, &p.Active); err != nil {
			return nil, err
		}
		p.TaxRate = normalizeRate(rate)
		out[p.ID] = p
	}
	return out, rows.Err()
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func defaultRate(rate string) string {
	if rate == "" {
		return "0"
	}
	return rate
}

// normalizeRate trims NUMERIC padding so "11.000" reads back as "11".
func normalizeRate(rate string) string {
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return rate
	}
	return d.String()
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func int64Ptr(val sql.NullInt64) *int64 {
	if !val.Valid {
		return nil
	}
	v := val.Int64
	return &v
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
