package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"github.com/bobarin/clipmaker/internal/db"
	"github.com/bobarin/clipmaker/internal/models"
)

// amountTolerance absorbs float formatting drift between us and the gateway.
const amountTolerance = 0.01

var ErrTransactionNotFound = errors.New("transaction not found")

// CreatePayment opens a pending transaction for the package and registers the
// payment with the gateway.
func (s *Service) CreatePayment(ctx context.Context, userID int64, pkg models.PackageType, userPhone, userEmail string) (*models.Transaction, string, error) {
	if !pkg.Valid() {
		return nil, "", ErrInvalidPackage
	}
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return nil, "", err
	}

	amount := models.PackagePrices[pkg]
	orderID := fmt.Sprintf("order-%d-%s", userID, s.newULID())

	txn := &models.Transaction{
		TransactionID: uuid.New(),
		UserID:        userID,
		Amount:        amount,
		Status:        models.TransactionPending,
		OrderID:       orderID,
		PackageType:   pkg,
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, "", fmt.Errorf("failed to create transaction: %w", err)
	}

	res, err := s.gateway.InitPayment(ctx, orderID, amount, models.PackageNames[pkg], userPhone, userEmail)
	if err != nil {
		if _, advErr := s.store.AdvanceTransactionStatus(ctx, txn.TransactionID,
			models.AdvanceableFrom(models.TransactionFailed), models.TransactionFailed); advErr != nil {
			log.Printf("[Ledger] Failed to mark transaction %s failed: %v", txn.TransactionID, advErr)
		}
		return nil, "", fmt.Errorf("failed to initialize payment: %w", err)
	}

	if err := s.store.SetTransactionPaymentID(ctx, txn.TransactionID, res.PaymentID); err != nil {
		return nil, "", fmt.Errorf("failed to record payment id: %w", err)
	}
	txn.PaymentID = &res.PaymentID

	log.Printf("[Ledger] Payment created (user=%d, order=%s, amount=%.0f)", userID, orderID, amount)
	return txn, res.RedirectURL, nil
}

// HandleCheck validates a gateway pre-authorization callback. A non-nil error
// means the payment must be rejected.
func (s *Service) HandleCheck(ctx context.Context, orderID string, amount float64) error {
	txn, err := s.store.GetTransactionByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrTransactionNotFound
		}
		return fmt.Errorf("failed to load transaction: %w", err)
	}
	if txn.Status.Terminal() {
		return fmt.Errorf("transaction already %s", txn.Status)
	}
	if math.Abs(txn.Amount-amount) > amountTolerance {
		return fmt.Errorf("amount mismatch: expected %.2f, got %.2f", txn.Amount, amount)
	}

	// Best effort; a concurrent result callback may have advanced it already.
	if _, err := s.store.AdvanceTransactionStatus(ctx, txn.TransactionID,
		models.AdvanceableFrom(models.TransactionProcessing), models.TransactionProcessing); err != nil {
		return fmt.Errorf("failed to advance transaction: %w", err)
	}

	log.Printf("[Ledger] Check accepted (order=%s, amount=%.2f)", orderID, amount)
	return nil
}

// HandleResult settles a gateway result callback. On success the transaction
// moves to completed and the package credits are granted exactly once, however
// many times the callback is delivered.
func (s *Service) HandleResult(ctx context.Context, orderID, paymentID string, success bool) error {
	txn, err := s.store.GetTransactionByOrderID(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) && paymentID != "" {
		// Fall back to the gateway-assigned payment id when the order id
		// does not resolve.
		txn, err = s.store.GetTransactionByPaymentID(ctx, paymentID)
	}
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrTransactionNotFound
		}
		return fmt.Errorf("failed to load transaction: %w", err)
	}

	if paymentID != "" && txn.PaymentID == nil {
		if err := s.store.SetTransactionPaymentID(ctx, txn.TransactionID, paymentID); err != nil {
			log.Printf("[Ledger] Failed to record payment id for %s: %v", orderID, err)
		}
	}

	if !success {
		if _, err := s.store.AdvanceTransactionStatus(ctx, txn.TransactionID,
			models.AdvanceableFrom(models.TransactionFailed), models.TransactionFailed); err != nil {
			return fmt.Errorf("failed to mark transaction failed: %w", err)
		}
		log.Printf("[Ledger] Payment failed (order=%s)", orderID)
		return nil
	}

	return s.completePayment(ctx, txn)
}

// completePayment advances the transaction to completed and grants credits.
// The status compare-and-set is what makes repeated settlement a no-op.
func (s *Service) completePayment(ctx context.Context, txn *models.Transaction) error {
	advanced, err := s.store.AdvanceTransactionStatus(ctx, txn.TransactionID,
		models.AdvanceableFrom(models.TransactionCompleted), models.TransactionCompleted)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
	if !advanced {
		current, err := s.store.GetTransaction(ctx, txn.TransactionID)
		if err == nil && current.Status == models.TransactionCompleted {
			log.Printf("[Ledger] Duplicate settlement for order %s ignored", txn.OrderID)
			return nil
		}
		return fmt.Errorf("transaction %s is not settleable", txn.TransactionID)
	}

	credits := txn.PackageType.Credits()
	if _, err := s.AddCredits(ctx, txn.UserID, credits, true); err != nil {
		return fmt.Errorf("transaction completed but credit grant failed: %w", err)
	}

	log.Printf("[Ledger] Payment completed (order=%s, user=%d, credits=%d)", txn.OrderID, txn.UserID, credits)
	return nil
}

// CancelPayment cancels a still-open transaction and soft-deletes it, hiding
// the order from further callbacks and status checks. Settled transactions
// cannot be canceled.
func (s *Service) CancelPayment(ctx context.Context, orderID string) error {
	txn, err := s.store.GetTransactionByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrTransactionNotFound
		}
		return fmt.Errorf("failed to load transaction: %w", err)
	}

	advanced, err := s.store.AdvanceTransactionStatus(ctx, txn.TransactionID,
		models.AdvanceableFrom(models.TransactionCanceled), models.TransactionCanceled)
	if err != nil {
		return fmt.Errorf("failed to cancel transaction: %w", err)
	}
	if !advanced {
		current, cerr := s.store.GetTransaction(ctx, txn.TransactionID)
		if cerr == nil {
			return fmt.Errorf("transaction already %s", current.Status)
		}
		return fmt.Errorf("transaction %s is not cancelable", txn.TransactionID)
	}

	if err := s.store.SoftDeleteTransaction(ctx, txn.TransactionID); err != nil {
		log.Printf("[Ledger] Failed to soft delete transaction %s: %v", txn.TransactionID, err)
	}

	log.Printf("[Ledger] Payment canceled (order=%s)", orderID)
	return nil
}

// PaymentStatus reports the transaction state for an order. For transactions
// still open it asks the gateway first, settling the payment when the gateway
// reports it done.
func (s *Service) PaymentStatus(ctx context.Context, orderID string) (*models.Transaction, error) {
	txn, err := s.store.GetTransactionByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	if txn.Status.Terminal() {
		return txn, nil
	}

	completed, err := s.gateway.PaymentCompleted(ctx, orderID)
	if err != nil {
		log.Printf("[Ledger] Gateway status check failed for %s: %v", orderID, err)
		return txn, nil
	}
	if !completed {
		return txn, nil
	}

	if err := s.completePayment(ctx, txn); err != nil {
		return nil, err
	}
	return s.store.GetTransactionByOrderID(ctx, orderID)
}
