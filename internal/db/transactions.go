package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/clipmaker/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const transactionColumns = `
	transaction_id, user_id, amount, status, payment_id, order_id,
	package_type, is_deleted, deleted_at, created_at, updated_at
`

func scanTransaction(row *sql.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := row.Scan(
		&t.TransactionID, &t.UserID, &t.Amount, &t.Status, &t.PaymentID, &t.OrderID,
		&t.PackageType, &t.IsDeleted, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return t, nil
}

// CreateTransaction inserts a new payment transaction in pending state.
func (db *DB) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (transaction_id, user_id, amount, status, order_id, package_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	return db.QueryRowContext(
		ctx, query,
		txn.TransactionID, txn.UserID, txn.Amount, txn.Status, txn.OrderID, txn.PackageType,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
}

// GetTransaction retrieves a transaction by its primary key.
func (db *DB) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE transaction_id = $1 AND is_deleted = false
	`
	return scanTransaction(db.QueryRowContext(ctx, query, id))
}

// GetTransactionByOrderID retrieves a transaction by the merchant order id
// carried through the gateway round-trip.
func (db *DB) GetTransactionByOrderID(ctx context.Context, orderID string) (*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE order_id = $1 AND is_deleted = false
	`
	return scanTransaction(db.QueryRowContext(ctx, query, orderID))
}

// GetTransactionByPaymentID retrieves a transaction by the gateway-assigned
// payment id.
func (db *DB) GetTransactionByPaymentID(ctx context.Context, paymentID string) (*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE payment_id = $1 AND is_deleted = false
	`
	return scanTransaction(db.QueryRowContext(ctx, query, paymentID))
}

// SetTransactionPaymentID records the gateway-assigned payment id after
// payment initialization.
func (db *DB) SetTransactionPaymentID(ctx context.Context, id uuid.UUID, paymentID string) error {
	query := `
		UPDATE transactions SET
			payment_id = $1,
			updated_at = NOW()
		WHERE transaction_id = $2 AND is_deleted = false
	`
	result, err := db.ExecContext(ctx, query, paymentID, id)
	if err != nil {
		return fmt.Errorf("failed to set payment id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// AdvanceTransactionStatus moves a transaction to a new status only if its
// current status is one of the allowed priors. The guard and the write are a
// single UPDATE, which is what makes repeated webhook deliveries safe: the
// second completed transition matches no row and the caller skips its side
// effects. Returns whether a row transitioned.
func (db *DB) AdvanceTransactionStatus(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, to models.TransactionStatus) (bool, error) {
	priors := make([]string, len(from))
	for i, s := range from {
		priors[i] = string(s)
	}

	query := `
		UPDATE transactions SET
			status = $1,
			updated_at = NOW()
		WHERE transaction_id = $2 AND is_deleted = false AND status = ANY($3)
	`
	result, err := db.ExecContext(ctx, query, to, id, pq.Array(priors))
	if err != nil {
		return false, fmt.Errorf("failed to advance transaction status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return rows > 0, nil
}

// SoftDeleteTransaction marks a transaction deleted without removing the row.
func (db *DB) SoftDeleteTransaction(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE transactions SET
			is_deleted = true,
			deleted_at = NOW(),
			updated_at = NOW()
		WHERE transaction_id = $1 AND is_deleted = false
	`
	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to soft delete transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
