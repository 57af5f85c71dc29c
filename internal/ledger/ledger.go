package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/bobarin/clipmaker/internal/db"
	"github.com/bobarin/clipmaker/internal/models"
	"github.com/bobarin/clipmaker/internal/payments"
)

var (
	ErrNotFound            = errors.New("account not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidPackage      = errors.New("invalid package")
)

// Store is the persistence surface the ledger needs. *db.DB satisfies it.
type Store interface {
	CreateAccount(ctx context.Context, telegramID int64, initialCredits int) (*models.Account, bool, error)
	GetAccount(ctx context.Context, telegramID int64) (*models.Account, error)
	AddCredits(ctx context.Context, telegramID int64, credits int, updatePurchaseTime bool) (*models.Account, error)
	DeductCredits(ctx context.Context, telegramID int64, credits int) (*models.Account, error)
	UpdateUsageStats(ctx context.Context, telegramID int64, delta models.UsageDelta) error
	SoftDeleteAccount(ctx context.Context, telegramID int64) error

	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByOrderID(ctx context.Context, orderID string) (*models.Transaction, error)
	GetTransactionByPaymentID(ctx context.Context, paymentID string) (*models.Transaction, error)
	SetTransactionPaymentID(ctx context.Context, id uuid.UUID, paymentID string) error
	AdvanceTransactionStatus(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, to models.TransactionStatus) (bool, error)
	SoftDeleteTransaction(ctx context.Context, id uuid.UUID) error
}

// Gateway is the payment gateway surface. *payments.Client satisfies it.
type Gateway interface {
	InitPayment(ctx context.Context, orderID string, amount float64, description string, userPhone, userEmail string) (*payments.InitResult, error)
	PaymentCompleted(ctx context.Context, orderID string) (bool, error)
}

// Service owns accounts, credit movements and payment transactions.
type Service struct {
	store   Store
	gateway Gateway

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

func NewService(store Store, gateway Gateway) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *Service) newULID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// RegisterAccount creates the account, or revives a soft-deleted one.
// Returns the account and whether a new row was inserted.
func (s *Service) RegisterAccount(ctx context.Context, telegramID int64, initialCredits int) (*models.Account, bool, error) {
	acct, created, err := s.store.CreateAccount(ctx, telegramID, initialCredits)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}
	if created {
		log.Printf("[Ledger] Account created (user=%d, credits=%d)", telegramID, initialCredits)
	}
	return acct, created, nil
}

func (s *Service) GetAccount(ctx context.Context, telegramID int64) (*models.Account, error) {
	acct, err := s.store.GetAccount(ctx, telegramID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// AddCredits grants credits to an account. When updatePurchaseTime is set the
// account is marked paid and its expiry window restarts from now.
func (s *Service) AddCredits(ctx context.Context, telegramID int64, credits int, updatePurchaseTime bool) (*models.Account, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("credits must be positive, got %d", credits)
	}
	acct, err := s.store.AddCredits(ctx, telegramID, credits, updatePurchaseTime)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to add credits: %w", err)
	}
	log.Printf("[Ledger] Added %d credits to user %d (left=%d)", credits, telegramID, acct.CreditsLeft)
	return acct, nil
}

// DeductCredits removes credits from an account, failing when the balance
// would go negative.
func (s *Service) DeductCredits(ctx context.Context, telegramID int64, credits int) (*models.Account, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("credits must be positive, got %d", credits)
	}
	acct, err := s.store.DeductCredits(ctx, telegramID, credits)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, db.ErrInsufficientCredits):
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("failed to deduct credits: %w", err)
	}
	return acct, nil
}

// DeleteAccount soft-deletes the account. The row stays behind, so a later
// RegisterAccount for the same identity revives it with its history intact.
func (s *Service) DeleteAccount(ctx context.Context, telegramID int64) error {
	if err := s.store.SoftDeleteAccount(ctx, telegramID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete account: %w", err)
	}
	log.Printf("[Ledger] Account deleted (user=%d)", telegramID)
	return nil
}

// AddUsage accumulates per-account generation statistics.
func (s *Service) AddUsage(ctx context.Context, telegramID int64, delta models.UsageDelta) error {
	if err := s.store.UpdateUsageStats(ctx, telegramID, delta); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update usage stats: %w", err)
	}
	return nil
}
