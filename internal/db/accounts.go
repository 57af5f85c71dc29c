package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/clipmaker/internal/models"
)

const accountColumns = `
	telegram_id, credits_total, credits_left, is_paid, purchase_time,
	credits_expire_date, total_generations, prompt_tokens, response_tokens,
	video_duration_time, other_data, is_deleted, deleted_at, created_at, updated_at
`

func scanAccount(row *sql.Row) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(
		&a.TelegramID, &a.CreditsTotal, &a.CreditsLeft, &a.IsPaid, &a.PurchaseTime,
		&a.CreditsExpireDate, &a.TotalGenerations, &a.PromptTokens, &a.ResponseTokens,
		&a.VideoDurationSec, &a.OtherData, &a.IsDeleted, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return a, nil
}

// CreateAccount inserts a new account keyed by Telegram identity.
// If a soft-deleted row already exists for the same identity it is restored
// instead of erroring, so re-registering after deletion keeps history.
// Returns (account, created) — created is false when the row already existed.
func (db *DB) CreateAccount(ctx context.Context, telegramID int64, initialCredits int) (*models.Account, bool, error) {
	query := `
		INSERT INTO accounts (telegram_id, credits_total, credits_left)
		VALUES ($1, $2, $2)
		ON CONFLICT (telegram_id) DO UPDATE SET
			is_deleted = false,
			deleted_at = NULL,
			updated_at = NOW()
		RETURNING ` + accountColumns + `, (xmax = 0) AS inserted
	`

	a := &models.Account{}
	var inserted bool
	err := db.QueryRowContext(ctx, query, telegramID, initialCredits).Scan(
		&a.TelegramID, &a.CreditsTotal, &a.CreditsLeft, &a.IsPaid, &a.PurchaseTime,
		&a.CreditsExpireDate, &a.TotalGenerations, &a.PromptTokens, &a.ResponseTokens,
		&a.VideoDurationSec, &a.OtherData, &a.IsDeleted, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	return a, inserted, nil
}

// GetAccount retrieves an account by Telegram identity. Soft-deleted rows are
// treated as not found.
func (db *DB) GetAccount(ctx context.Context, telegramID int64) (*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE telegram_id = $1 AND is_deleted = false
	`
	return scanAccount(db.QueryRowContext(ctx, query, telegramID))
}

// AddCredits increments both the total and remaining balance. When
// updatePurchaseTime is set the row is marked paid, purchase_time moves to now
// and the expiry date is recomputed from it — the expiry is never written
// independently of purchase_time.
func (db *DB) AddCredits(ctx context.Context, telegramID int64, credits int, updatePurchaseTime bool) (*models.Account, error) {
	query := `
		UPDATE accounts SET
			credits_total = credits_total + $1,
			credits_left = credits_left + $1,
			is_paid = CASE WHEN $2 THEN true ELSE is_paid END,
			purchase_time = CASE WHEN $2 THEN NOW() ELSE purchase_time END,
			credits_expire_date = CASE WHEN $2 THEN NOW() + $3 * INTERVAL '1 second' ELSE credits_expire_date END,
			updated_at = NOW()
		WHERE telegram_id = $4 AND is_deleted = false
		RETURNING ` + accountColumns + `
	`
	return scanAccount(db.QueryRowContext(ctx, query, credits, updatePurchaseTime,
		int(models.SubscriptionWindow.Seconds()), telegramID))
}

// DeductCredits atomically subtracts credits, rejecting the debit when the
// balance is too low. The balance check and the subtraction are one
// compare-and-set UPDATE so concurrent debits cannot drive the balance
// negative. Not-found and insufficient-balance are reported distinctly.
func (db *DB) DeductCredits(ctx context.Context, telegramID int64, credits int) (*models.Account, error) {
	query := `
		UPDATE accounts SET
			credits_left = credits_left - $1,
			updated_at = NOW()
		WHERE telegram_id = $2 AND is_deleted = false AND credits_left >= $1
		RETURNING ` + accountColumns + `
	`
	a, err := scanAccount(db.QueryRowContext(ctx, query, credits, telegramID))
	if err == nil {
		return a, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	// CAS matched no row: distinguish a missing account from a low balance.
	var exists bool
	checkErr := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE telegram_id = $1 AND is_deleted = false)`,
		telegramID,
	).Scan(&exists)
	if checkErr != nil {
		return nil, fmt.Errorf("failed to check account existence: %w", checkErr)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrInsufficientCredits
}

// UpdateUsageStats adds per-generation counters to the account's running totals.
func (db *DB) UpdateUsageStats(ctx context.Context, telegramID int64, delta models.UsageDelta) error {
	query := `
		UPDATE accounts SET
			total_generations = total_generations + $1,
			prompt_tokens = prompt_tokens + $2,
			response_tokens = response_tokens + $3,
			video_duration_time = video_duration_time + $4,
			updated_at = NOW()
		WHERE telegram_id = $5 AND is_deleted = false
	`
	result, err := db.ExecContext(ctx, query,
		delta.Generations, delta.PromptTokens, delta.ResponseTokens, delta.VideoDurationSec, telegramID)
	if err != nil {
		return fmt.Errorf("failed to update usage stats: %w", err)
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

// SoftDeleteAccount marks the account deleted without removing the row, so a
// later re-registration restores the balance history.
func (db *DB) SoftDeleteAccount(ctx context.Context, telegramID int64) error {
	query := `
		UPDATE accounts SET
			is_deleted = true,
			deleted_at = NOW(),
			updated_at = NOW()
		WHERE telegram_id = $1 AND is_deleted = false
	`
	result, err := db.ExecContext(ctx, query, telegramID)
	if err != nil {
		return fmt.Errorf("failed to soft delete account: %w", err)
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
