package store

import (
	"context"
	"fmt"

	"reconciliation-service/internal/models"
)

// InsertStockTransaction appends a ledger row
func (s *Store) InsertStockTransaction(ctx context.Context, st *models.StockTransaction) error {
	query := `
		INSERT INTO stock_transactions (order_id, product_variant_id, quantity, previous_stock, new_stock,
			transaction_type, order_status, is_reversed, reversed_by_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	return s.get(ctx, st, query,
		st.OrderID, st.ProductVariantID, st.Quantity, st.PreviousStock, st.NewStock,
		st.TransactionType, st.OrderStatus, st.IsReversed, st.ReversedByTransactionID)
}

// GetStockTransaction retrieves a ledger row by ID
func (s *Store) GetStockTransaction(ctx context.Context, id int64) (*models.StockTransaction, error) {
	var st models.StockTransaction
	if err := s.get(ctx, &st, "SELECT * FROM stock_transactions WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("stock transaction %d: %w", id, err)
	}
	return &st, nil
}

// LockStockTransaction reads a ledger row with a row lock (FOR UPDATE)
func (s *Store) LockStockTransaction(ctx context.Context, id int64) (*models.StockTransaction, error) {
	var st models.StockTransaction
	if err := s.get(ctx, &st, "SELECT * FROM stock_transactions WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, fmt.Errorf("stock transaction %d: %w", id, err)
	}
	return &st, nil
}

// MarkStockTransactionReversed flags a row as reversed. It is the only
// mutation ever applied to a ledger row and only succeeds once.
func (s *Store) MarkStockTransactionReversed(ctx context.Context, id, reversedBy int64) error {
	return expectOne(s.exec(ctx,
		"UPDATE stock_transactions SET is_reversed = TRUE, reversed_by_transaction_id = $1 WHERE id = $2 AND is_reversed = FALSE",
		reversedBy, id))
}

// ListStockTransactionsByOrder retrieves the ledger of an order in insertion order
func (s *Store) ListStockTransactionsByOrder(ctx context.Context, orderID int64) ([]models.StockTransaction, error) {
	var txs []models.StockTransaction
	err := s.sel(ctx, &txs,
		"SELECT * FROM stock_transactions WHERE order_id = $1 ORDER BY id", orderID)
	return txs, err
}
