package service

import (
	"context"
	"errors"
	"fmt"

	"reconciliation-service/internal/models"
	"reconciliation-service/internal/store"
	"reconciliation-service/internal/util"

	"go.uber.org/zap"
)

// StockChange is one requested adjustment of a variant's stock.
type StockChange struct {
	OrderID     int64
	VariantID   int64
	Delta       int
	Type        models.StockTransactionType
	OrderStatus models.OrderStatus
}

// Ledger is the only writer of product_variants.stock. Every change is a
// stock_transactions row written in the same scope as the stock update.
type Ledger struct {
	logger *zap.Logger
}

// NewLedger creates a new ledger
func NewLedger() *Ledger {
	return &Ledger{logger: util.GetLogger()}
}

// ApplyStockChange locks the variant row, appends the ledger row and updates
// stock atomically. A change that would drive stock negative fails with
// ErrInsufficientStock and leaves stock untouched.
func (l *Ledger) ApplyStockChange(ctx context.Context, repo store.Repository, change StockChange) (*models.StockTransaction, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.ApplyStockChange")
	defer span.End()

	if err := validateStockChange(change); err != nil {
		return nil, err
	}

	var st *models.StockTransaction
	err := repo.WithTx(ctx, func(tx store.Repository) error {
		variant, err := tx.LockVariant(ctx, change.VariantID)
		if err != nil {
			return fmt.Errorf("failed to lock variant: %w", err)
		}

		newStock := variant.Stock + change.Delta
		if newStock < 0 {
			util.InsufficientStockTotal.Inc()
			return fmt.Errorf("%w: variant %d has %d, requested %d",
				ErrInsufficientStock, variant.ID, variant.Stock, -change.Delta)
		}

		st = &models.StockTransaction{
			OrderID:          change.OrderID,
			ProductVariantID: variant.ID,
			Quantity:         change.Delta,
			PreviousStock:    variant.Stock,
			NewStock:         newStock,
			TransactionType:  change.Type,
			OrderStatus:      change.OrderStatus,
		}
		if err := tx.InsertStockTransaction(ctx, st); err != nil {
			return fmt.Errorf("failed to insert stock transaction: %w", err)
		}
		if err := tx.UpdateVariantStock(ctx, variant.ID, newStock); err != nil {
			return fmt.Errorf("failed to update variant stock: %w", err)
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.StockTransactionsTotal.WithLabelValues(string(st.TransactionType)).Inc()
	l.logger.Debug("Stock change applied",
		zap.Int64("order_id", st.OrderID),
		zap.Int64("variant_id", st.ProductVariantID),
		zap.String("type", string(st.TransactionType)),
		zap.Int("quantity", st.Quantity),
		zap.Int("new_stock", st.NewStock))
	return st, nil
}

// Reverse writes the inverse of a ledger row as a new row and flags the
// original. A row can be reversed once.
func (l *Ledger) Reverse(ctx context.Context, repo store.Repository, transactionID int64) (*models.StockTransaction, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Reverse")
	defer span.End()

	var inverse *models.StockTransaction
	err := repo.WithTx(ctx, func(tx store.Repository) error {
		original, err := tx.LockStockTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("failed to lock stock transaction: %w", err)
		}
		if original.IsReversed {
			return fmt.Errorf("%w: transaction %d", ErrAlreadyReversed, original.ID)
		}

		order, err := tx.GetOrderByID(ctx, original.OrderID)
		if err != nil {
			return fmt.Errorf("failed to get order: %w", err)
		}

		inverse, err = l.ApplyStockChange(ctx, tx, StockChange{
			OrderID:     original.OrderID,
			VariantID:   original.ProductVariantID,
			Delta:       -original.Quantity,
			Type:        original.TransactionType.Inverse(),
			OrderStatus: order.Status,
		})
		if err != nil {
			return err
		}

		if err := tx.MarkStockTransactionReversed(ctx, original.ID, inverse.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: transaction %d", ErrAlreadyReversed, original.ID)
			}
			return fmt.Errorf("failed to mark transaction reversed: %w", err)
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return inverse, nil
}

// ActiveReservations returns reserve rows of the order that have not been
// reversed yet.
func (l *Ledger) ActiveReservations(ctx context.Context, repo store.Repository, orderID int64) ([]models.StockTransaction, error) {
	rows, err := repo.ListStockTransactionsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock transactions: %w", err)
	}

	var active []models.StockTransaction
	for _, row := range rows {
		if row.TransactionType == models.StockTransactionReserve && !row.IsReversed {
			active = append(active, row)
		}
	}
	return active, nil
}

// OutstandingReduced returns, per variant, the quantity taken by reduce rows
// and not yet given back by restore rows.
func (l *Ledger) OutstandingReduced(ctx context.Context, repo store.Repository, orderID int64) (map[int64]int, error) {
	rows, err := repo.ListStockTransactionsByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock transactions: %w", err)
	}

	outstanding := make(map[int64]int)
	for _, row := range rows {
		switch row.TransactionType {
		case models.StockTransactionReduce, models.StockTransactionRestore:
			outstanding[row.ProductVariantID] -= row.Quantity
		}
	}
	for variantID, qty := range outstanding {
		if qty <= 0 {
			delete(outstanding, variantID)
		}
	}
	return outstanding, nil
}

func validateStockChange(change StockChange) error {
	if !change.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidStockChange, change.Type)
	}
	if change.Delta == 0 {
		return fmt.Errorf("%w: zero delta", ErrInvalidStockChange)
	}
	if change.Type.Decrements() != (change.Delta < 0) {
		return fmt.Errorf("%w: delta %d does not match type %s", ErrInvalidStockChange, change.Delta, change.Type)
	}
	return nil
}
