package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"reconciliation-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert hits a unique key.
	ErrDuplicate = errors.New("duplicate key")
)

const uniqueViolation = "23505"

// Repository is the persistence contract used by the reconciliation core.
// Lock* methods take a row lock when called inside WithTx.
type Repository interface {
	// WithTx runs fn in one atomic scope. Calls made on an
	// already-transactional repository join the outer scope.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	CreateVariant(ctx context.Context, v *models.ProductVariant) error
	GetVariant(ctx context.Context, id int64) (*models.ProductVariant, error)
	LockVariant(ctx context.Context, id int64) (*models.ProductVariant, error)
	UpdateVariantStock(ctx context.Context, id int64, stock int) error
	ListVariants(ctx context.Context) ([]models.ProductVariant, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByRazorpayOrderID(ctx context.Context, razorpayOrderID string) (*models.Order, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	ListOrdersByStatusBefore(ctx context.Context, status models.OrderStatus, before time.Time, limit int) ([]models.Order, error)
	CreateOrderRecord(ctx context.Context, rec *models.OrderRecord) error
	GetOrderRecords(ctx context.Context, orderID int64) ([]models.OrderRecord, error)
	InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error
	GetStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	UpdatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByRazorpayID(ctx context.Context, razorpayPaymentID string) (*models.Payment, error)
	LockPaymentByRazorpayID(ctx context.Context, razorpayPaymentID string) (*models.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID int64) ([]models.Payment, error)

	CreateRefund(ctx context.Context, r *models.Refund) error
	GetRefundByRazorpayID(ctx context.Context, razorpayRefundID string) (*models.Refund, error)

	InsertStockTransaction(ctx context.Context, st *models.StockTransaction) error
	GetStockTransaction(ctx context.Context, id int64) (*models.StockTransaction, error)
	LockStockTransaction(ctx context.Context, id int64) (*models.StockTransaction, error)
	MarkStockTransactionReversed(ctx context.Context, id, reversedBy int64) error
	ListStockTransactionsByOrder(ctx context.Context, orderID int64) ([]models.StockTransaction, error)

	InsertWebhookLog(ctx context.Context, l *models.WebhookLog) error
	FindProcessedWebhookLog(ctx context.Context, razorpayPaymentID, event, razorpayRefundID string) (*models.WebhookLog, error)
	ListWebhookLogsByPayment(ctx context.Context, razorpayPaymentID string) ([]models.WebhookLog, error)
}

// Store is the Postgres-backed Repository.
type Store struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
	tx  *sqlx.Tx
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, ext: db}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a database transaction, committing on success.
func (s *Store) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, ext: tx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, s.ext, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return mapPQError(err)
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

func (s *Store) sel(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, s.ext, dest, query, args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.ext.ExecContext(ctx, query, args...)
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateVariant inserts a product variant
func (s *Store) CreateVariant(ctx context.Context, v *models.ProductVariant) error {
	query := `
		INSERT INTO product_variants (product_id, unit_value_id, price, stock, sku, is_default_variant, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return s.get(ctx, v, query,
		v.ProductID, v.UnitValueID, v.Price, v.Stock, v.SKU, v.IsDefaultVariant, v.IsActive)
}

// GetVariant retrieves a variant by ID
func (s *Store) GetVariant(ctx context.Context, id int64) (*models.ProductVariant, error) {
	var v models.ProductVariant
	if err := s.get(ctx, &v, "SELECT * FROM product_variants WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("variant %d: %w", id, err)
	}
	return &v, nil
}

// LockVariant reads a variant with a row lock (FOR UPDATE)
func (s *Store) LockVariant(ctx context.Context, id int64) (*models.ProductVariant, error) {
	var v models.ProductVariant
	if err := s.get(ctx, &v, "SELECT * FROM product_variants WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, fmt.Errorf("variant %d: %w", id, err)
	}
	return &v, nil
}

// UpdateVariantStock sets the stock column; callers hold the row lock.
func (s *Store) UpdateVariantStock(ctx context.Context, id int64, stock int) error {
	return expectOne(s.exec(ctx,
		"UPDATE product_variants SET stock = $1, updated_at = NOW() WHERE id = $2",
		stock, id))
}

// ListVariants retrieves all variants
func (s *Store) ListVariants(ctx context.Context) ([]models.ProductVariant, error) {
	var variants []models.ProductVariant
	err := s.sel(ctx, &variants, "SELECT * FROM product_variants ORDER BY id")
	return variants, err
}
