package postgres

import (
	"context"
	"database/sql"
	"errors"

	"kasirinaja/settlement/internal/apperror"
	"kasirinaja/settlement/internal/domain"
)

func (s *Store) GetStock(ctx context.Context, storeID string, productID string) (domain.StockLevel, error) {
	level := domain.StockLevel{StoreID: storeID, ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		SELECT on_hand, committed, updated_at
		FROM stock_levels
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&level.OnHand, &level.Committed, &level.UpdatedAt)
	if err == nil {
		return level, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StockLevel{}, err
	}

	var known bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&known); err != nil {
		return domain.StockLevel{}, err
	}
	if !known {
		return domain.StockLevel{}, apperror.NotFound("product %s not found", productID)
	}
	return level, nil
}

// Reserve is a single conditional UPDATE, so concurrent reservations can never
// commit more than is on hand.
func (s *Store) Reserve(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if qty < 1 {
		return domain.StockMutation{}, apperror.Validation("quantity must be positive")
	}

	level := domain.StockLevel{StoreID: storeID, ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		UPDATE stock_levels
		SET committed = committed + $3, updated_at = $4
		WHERE store_id = $1 AND product_id = $2 AND on_hand - committed >= $3
		RETURNING on_hand, committed, updated_at
	`, storeID, productID, qty, s.now()).Scan(&level.OnHand, &level.Committed, &level.UpdatedAt)
	if err == nil {
		return domain.StockMutation{Level: level, Requested: qty, Applied: qty}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StockMutation{}, err
	}

	current, err := s.GetStock(ctx, storeID, productID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return domain.StockMutation{}, err
	}
	return domain.StockMutation{Level: current, Requested: qty}, apperror.InsufficientStock("product %s: %d sellable, %d requested", productID, current.Sellable(), qty)
}

func (s *Store) Release(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	return s.mutateStock(ctx, domain.StockOpRelease, storeID, productID, qty)
}

func (s *Store) Fulfill(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	return s.mutateStock(ctx, domain.StockOpFulfill, storeID, productID, qty)
}

func (s *Store) Restore(ctx context.Context, storeID string, productID string, qty int) (domain.StockMutation, error) {
	return s.mutateStock(ctx, domain.StockOpRestore, storeID, productID, qty)
}

func (s *Store) mutateStock(ctx context.Context, op string, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if qty < 1 {
		return domain.StockMutation{}, apperror.Validation("quantity must be positive")
	}

	var out domain.StockMutation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		mutation, err := s.moveStockTx(ctx, tx, op, storeID, productID, qty)
		if err != nil {
			return err
		}
		out = mutation
		return nil
	})
	if err != nil {
		return domain.StockMutation{}, err
	}
	return out, nil
}

// moveStockTx locks the counter row inside tx, applies op and writes the
// result back. A missing row is created at zero first.
func (s *Store) moveStockTx(ctx context.Context, tx *sql.Tx, op string, storeID string, productID string, qty int) (domain.StockMutation, error) {
	if !domain.IsStockMove(op) {
		return domain.StockMutation{}, apperror.Validation("unknown stock operation %q", op)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_levels (store_id, product_id, on_hand, committed, updated_at)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (store_id, product_id) DO NOTHING
	`, storeID, productID, now); err != nil {
		if isForeignKeyViolation(err) {
			return domain.StockMutation{}, apperror.NotFound("product %s not found", productID)
		}
		return domain.StockMutation{}, err
	}

	level := domain.StockLevel{StoreID: storeID, ProductID: productID}
	if err := tx.QueryRowContext(ctx, `
		SELECT on_hand, committed
		FROM stock_levels
		WHERE store_id = $1 AND product_id = $2
		FOR UPDATE
	`, storeID, productID).Scan(&level.OnHand, &level.Committed); err != nil {
		return domain.StockMutation{}, err
	}

	level.UpdatedAt = now
	mutation, _ := level.Move(op, qty)
	if _, err := tx.ExecContext(ctx, `
		UPDATE stock_levels
		SET on_hand = $3, committed = $4, updated_at = $5
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID, level.OnHand, level.Committed, now); err != nil {
		return domain.StockMutation{}, err
	}
	return mutation, nil
}
