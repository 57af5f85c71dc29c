package ledger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/clipmaker/internal/db"
	"github.com/bobarin/clipmaker/internal/models"
	"github.com/bobarin/clipmaker/internal/payments"
)

// memoryStore is a map-backed Store for exercising the service without
// Postgres.
type memoryStore struct {
	mu       sync.Mutex
	accounts map[int64]*models.Account
	txns     map[uuid.UUID]*models.Transaction
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts: make(map[int64]*models.Account),
		txns:     make(map[uuid.UUID]*models.Transaction),
	}
}

func (m *memoryStore) CreateAccount(_ context.Context, telegramID int64, initialCredits int) (*models.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[telegramID]; ok {
		acct.IsDeleted = false
		acct.DeletedAt = nil
		copied := *acct
		return &copied, false, nil
	}
	acct := &models.Account{
		TelegramID:   telegramID,
		CreditsTotal: initialCredits,
		CreditsLeft:  initialCredits,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.accounts[telegramID] = acct
	copied := *acct
	return &copied, true, nil
}

func (m *memoryStore) GetAccount(_ context.Context, telegramID int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[telegramID]
	if !ok || acct.IsDeleted {
		return nil, db.ErrNotFound
	}
	copied := *acct
	return &copied, nil
}

func (m *memoryStore) SoftDeleteAccount(_ context.Context, telegramID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[telegramID]
	if !ok || acct.IsDeleted {
		return db.ErrNotFound
	}
	now := time.Now()
	acct.IsDeleted = true
	acct.DeletedAt = &now
	return nil
}

func (m *memoryStore) AddCredits(_ context.Context, telegramID int64, credits int, updatePurchaseTime bool) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[telegramID]
	if !ok {
		return nil, db.ErrNotFound
	}
	acct.CreditsTotal += credits
	acct.CreditsLeft += credits
	if updatePurchaseTime {
		now := time.Now()
		expiry := now.Add(models.SubscriptionWindow)
		acct.IsPaid = true
		acct.PurchaseTime = &now
		acct.CreditsExpireDate = &expiry
	}
	copied := *acct
	return &copied, nil
}

func (m *memoryStore) DeductCredits(_ context.Context, telegramID int64, credits int) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[telegramID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if acct.CreditsLeft < credits {
		return nil, db.ErrInsufficientCredits
	}
	acct.CreditsLeft -= credits
	copied := *acct
	return &copied, nil
}

func (m *memoryStore) UpdateUsageStats(_ context.Context, telegramID int64, delta models.UsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[telegramID]
	if !ok {
		return db.ErrNotFound
	}
	acct.TotalGenerations += delta.Generations
	acct.PromptTokens += delta.PromptTokens
	acct.ResponseTokens += delta.ResponseTokens
	acct.VideoDurationSec += delta.VideoDurationSec
	return nil
}

func (m *memoryStore) CreateTransaction(_ context.Context, txn *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *txn
	m.txns[txn.TransactionID] = &copied
	return nil
}

func (m *memoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok || txn.IsDeleted {
		return nil, db.ErrNotFound
	}
	copied := *txn
	return &copied, nil
}

func (m *memoryStore) GetTransactionByOrderID(_ context.Context, orderID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.txns {
		if txn.OrderID == orderID && !txn.IsDeleted {
			copied := *txn
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memoryStore) GetTransactionByPaymentID(_ context.Context, paymentID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.txns {
		if txn.PaymentID != nil && *txn.PaymentID == paymentID && !txn.IsDeleted {
			copied := *txn
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memoryStore) SoftDeleteTransaction(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok || txn.IsDeleted {
		return db.ErrNotFound
	}
	now := time.Now()
	txn.IsDeleted = true
	txn.DeletedAt = &now
	return nil
}

func (m *memoryStore) SetTransactionPaymentID(_ context.Context, id uuid.UUID, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return db.ErrNotFound
	}
	txn.PaymentID = &paymentID
	return nil
}

func (m *memoryStore) AdvanceTransactionStatus(_ context.Context, id uuid.UUID, from []models.TransactionStatus, to models.TransactionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[id]
	if !ok {
		return false, db.ErrNotFound
	}
	for _, f := range from {
		if txn.Status == f {
			txn.Status = to
			return true, nil
		}
	}
	return false, nil
}

// fakeGateway records calls and plays back a canned status.
type fakeGateway struct {
	initCalls  int
	lastAmount float64
	lastOrder  string
	completed  bool
	statusErr  error
}

func (f *fakeGateway) InitPayment(_ context.Context, orderID string, amount float64, _, _, _ string) (*payments.InitResult, error) {
	f.initCalls++
	f.lastOrder = orderID
	f.lastAmount = amount
	return &payments.InitResult{PaymentID: "pay-1", RedirectURL: "https://pay.example/" + orderID}, nil
}

func (f *fakeGateway) PaymentCompleted(_ context.Context, _ string) (bool, error) {
	return f.completed, f.statusErr
}

func newTestService() (*Service, *memoryStore, *fakeGateway) {
	store := newMemoryStore()
	gw := &fakeGateway{}
	return NewService(store, gw), store, gw
}

func TestRegisterAccount(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	acct, created, err := svc.RegisterAccount(ctx, 42, 1)
	if err != nil {
		t.Fatalf("RegisterAccount: %v", err)
	}
	if !created {
		t.Error("expected created=true on first registration")
	}
	if acct.CreditsLeft != 1 {
		t.Errorf("credits_left = %d, want 1", acct.CreditsLeft)
	}

	_, created, err = svc.RegisterAccount(ctx, 42, 1)
	if err != nil {
		t.Fatalf("RegisterAccount (repeat): %v", err)
	}
	if created {
		t.Error("expected created=false on repeat registration")
	}
}

func TestAddCreditsUpdatesPurchaseWindow(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)

	acct, err := svc.AddCredits(ctx, 42, 30, true)
	if err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if !acct.IsPaid {
		t.Error("expected account marked paid")
	}
	if acct.CreditsExpireDate == nil {
		t.Fatal("expected expiry to be set")
	}
	wantExpiry := time.Now().Add(models.SubscriptionWindow)
	if diff := acct.CreditsExpireDate.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("expiry %v not within a minute of %v", acct.CreditsExpireDate, wantExpiry)
	}
}

func TestDeductCreditsBoundary(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 2)

	if _, err := svc.DeductCredits(ctx, 42, 2); err != nil {
		t.Fatalf("deducting exact balance: %v", err)
	}
	if _, err := svc.DeductCredits(ctx, 42, 1); err != ErrInsufficientCredits {
		t.Errorf("err = %v, want ErrInsufficientCredits", err)
	}
	if _, err := svc.DeductCredits(ctx, 99, 1); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound for unknown account", err)
	}
}

func TestCreatePayment(t *testing.T) {
	svc, _, gw := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)

	txn, redirectURL, err := svc.CreatePayment(ctx, 42, models.PackageMedium, "", "")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if !strings.HasPrefix(txn.OrderID, "order-42-") {
		t.Errorf("order id = %s, want order-42- prefix", txn.OrderID)
	}
	if txn.Status != models.TransactionPending {
		t.Errorf("status = %s, want pending", txn.Status)
	}
	if gw.lastAmount != 3900 {
		t.Errorf("gateway amount = %v, want 3900", gw.lastAmount)
	}
	if txn.PaymentID == nil || *txn.PaymentID != "pay-1" {
		t.Errorf("payment id not recorded: %v", txn.PaymentID)
	}
	if redirectURL == "" {
		t.Error("expected a redirect URL")
	}
}

func TestCreatePaymentInvalidPackage(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)

	if _, _, err := svc.CreatePayment(ctx, 42, models.PackageType("25"), "", ""); err != ErrInvalidPackage {
		t.Errorf("err = %v, want ErrInvalidPackage", err)
	}
}

func TestHandleCheck(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)
	txn, _, _ := svc.CreatePayment(ctx, 42, models.PackageSmall, "", "")

	if err := svc.HandleCheck(ctx, txn.OrderID, 1050); err != nil {
		t.Fatalf("HandleCheck with matching amount: %v", err)
	}

	got, _ := svc.PaymentStatus(ctx, txn.OrderID)
	if got.Status != models.TransactionProcessing {
		t.Errorf("status = %s, want processing after check", got.Status)
	}

	if err := svc.HandleCheck(ctx, txn.OrderID, 9999); err == nil {
		t.Error("expected rejection on amount mismatch")
	}
	if err := svc.HandleCheck(ctx, "order-42-missing", 1050); err != ErrTransactionNotFound {
		t.Errorf("err = %v, want ErrTransactionNotFound", err)
	}
}

func TestHandleResultGrantsCreditsOnce(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)
	txn, _, _ := svc.CreatePayment(ctx, 42, models.PackageMedium, "", "")

	if err := svc.HandleResult(ctx, txn.OrderID, "pay-1", true); err != nil {
		t.Fatalf("HandleResult: %v", err)
	}
	// The gateway may deliver the result callback again.
	if err := svc.HandleResult(ctx, txn.OrderID, "pay-1", true); err != nil {
		t.Fatalf("HandleResult (duplicate): %v", err)
	}

	acct, _ := svc.GetAccount(ctx, 42)
	if acct.CreditsLeft != 30 {
		t.Errorf("credits_left = %d, want 30 after duplicate settlement", acct.CreditsLeft)
	}
	if !acct.IsPaid {
		t.Error("expected account marked paid")
	}

	got, _ := svc.PaymentStatus(ctx, txn.OrderID)
	if got.Status != models.TransactionCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestHandleResultFailure(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)
	txn, _, _ := svc.CreatePayment(ctx, 42, models.PackageSmall, "", "")

	if err := svc.HandleResult(ctx, txn.OrderID, "pay-1", false); err != nil {
		t.Fatalf("HandleResult: %v", err)
	}

	acct, _ := svc.GetAccount(ctx, 42)
	if acct.CreditsLeft != 0 {
		t.Errorf("credits_left = %d, want 0 after failed payment", acct.CreditsLeft)
	}
	got, _ := svc.PaymentStatus(ctx, txn.OrderID)
	if got.Status != models.TransactionFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestHandleResultResolvesByPaymentID(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)
	svc.CreatePayment(ctx, 42, models.PackageMedium, "", "")

	// The callback carries a mangled order id but the payment id the gateway
	// assigned at init time.
	if err := svc.HandleResult(ctx, "order-42-unknown", "pay-1", true); err != nil {
		t.Fatalf("HandleResult: %v", err)
	}

	acct, _ := svc.GetAccount(ctx, 42)
	if acct.CreditsLeft != 30 {
		t.Errorf("credits_left = %d, want 30 after settling by payment id", acct.CreditsLeft)
	}
}

func TestCancelPayment(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)
	txn, _, _ := svc.CreatePayment(ctx, 42, models.PackageSmall, "", "")

	if err := svc.CancelPayment(ctx, txn.OrderID); err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}

	// The canceled transaction is soft-deleted, so the order no longer resolves.
	if _, err := svc.PaymentStatus(ctx, txn.OrderID); err != ErrTransactionNotFound {
		t.Errorf("err = %v, want ErrTransactionNotFound after cancel", err)
	}
	if err := svc.CancelPayment(ctx, txn.OrderID); err != ErrTransactionNotFound {
		t.Errorf("err = %v, want ErrTransactionNotFound on repeat cancel", err)
	}

	acct, _ := svc.GetAccount(ctx, 42)
	if acct.CreditsLeft != 0 {
		t.Errorf("credits_left = %d, want 0 after cancel", acct.CreditsLeft)
	}
}

func TestCancelPaymentAfterSettlement(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)
	txn, _, _ := svc.CreatePayment(ctx, 42, models.PackageSmall, "", "")
	svc.HandleResult(ctx, txn.OrderID, "pay-1", true)

	if err := svc.CancelPayment(ctx, txn.OrderID); err == nil {
		t.Error("expected cancel of a completed transaction to fail")
	}
	got, _ := svc.PaymentStatus(ctx, txn.OrderID)
	if got.Status != models.TransactionCompleted {
		t.Errorf("status = %s, want completed to stand", got.Status)
	}
}

func TestDeleteAccountAndRevive(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)
	svc.AddCredits(ctx, 42, 10, false)

	if err := svc.DeleteAccount(ctx, 42); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := svc.GetAccount(ctx, 42); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
	if err := svc.DeleteAccount(ctx, 42); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound on repeat delete", err)
	}

	// Registering again revives the row with its history.
	acct, created, err := svc.RegisterAccount(ctx, 42, 0)
	if err != nil {
		t.Fatalf("RegisterAccount: %v", err)
	}
	if created {
		t.Error("expected created=false when reviving a deleted account")
	}
	if acct.CreditsLeft != 10 {
		t.Errorf("credits_left = %d, want the balance to survive deletion", acct.CreditsLeft)
	}
}

func TestPaymentStatusSettlesViaGateway(t *testing.T) {
	svc, _, gw := newTestService()
	ctx := context.Background()
	svc.RegisterAccount(ctx, 42, 0)
	txn, _, _ := svc.CreatePayment(ctx, 42, models.PackagePremium, "", "")

	// Gateway still reports the payment open.
	got, err := svc.PaymentStatus(ctx, txn.OrderID)
	if err != nil {
		t.Fatalf("PaymentStatus: %v", err)
	}
	if got.Status != models.TransactionPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	gw.completed = true
	got, err = svc.PaymentStatus(ctx, txn.OrderID)
	if err != nil {
		t.Fatalf("PaymentStatus: %v", err)
	}
	if got.Status != models.TransactionCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	acct, _ := svc.GetAccount(ctx, 42)
	if acct.CreditsLeft != 100 {
		t.Errorf("credits_left = %d, want 100", acct.CreditsLeft)
	}
}
