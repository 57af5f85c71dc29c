package models

import (
	"database/sql/driver"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SubscriptionWindow is how long purchased credits stay valid after a purchase.
// credits_expire_date is always derived as purchase_time + SubscriptionWindow,
// never set independently.
const SubscriptionWindow = 28 * 24 * time.Hour

// Enums

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionProcessing TransactionStatus = "processing"
	TransactionCompleted  TransactionStatus = "completed"
	TransactionFailed     TransactionStatus = "failed"
	TransactionCanceled   TransactionStatus = "canceled"
)

// CanAdvanceTo reports whether a status transition is allowed.
// Transitions only move forward: pending → processing → {completed|failed},
// with canceled reachable from any open status. Terminal statuses never change.
func (s TransactionStatus) CanAdvanceTo(next TransactionStatus) bool {
	switch s {
	case TransactionPending:
		return next == TransactionProcessing ||
			next == TransactionCompleted ||
			next == TransactionFailed ||
			next == TransactionCanceled
	case TransactionProcessing:
		return next == TransactionCompleted ||
			next == TransactionFailed ||
			next == TransactionCanceled
	default:
		return false
	}
}

// AdvanceableFrom lists the statuses allowed to move to target, derived from
// the transition table above. Status updates pass it as the priors guard so
// the table is written down exactly once.
func AdvanceableFrom(target TransactionStatus) []TransactionStatus {
	all := []TransactionStatus{
		TransactionPending, TransactionProcessing,
		TransactionCompleted, TransactionFailed, TransactionCanceled,
	}
	var from []TransactionStatus
	for _, s := range all {
		if s.CanAdvanceTo(target) {
			from = append(from, s)
		}
	}
	return from
}

// Terminal reports whether the status can never change again.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionCompleted ||
		s == TransactionFailed ||
		s == TransactionCanceled
}

// PackageType identifies a purchasable credit bundle. The code doubles as the
// credit amount granted when the payment completes.
type PackageType string

const (
	PackageSmall   PackageType = "10"
	PackageMedium  PackageType = "30"
	PackageLarge   PackageType = "50"
	PackagePremium PackageType = "100"
)

// PackagePrices maps each package to its price in KGS.
var PackagePrices = map[PackageType]float64{
	PackageSmall:   1050,
	PackageMedium:  3900,
	PackageLarge:   6100,
	PackagePremium: 11750,
}

// PackageNames maps each package to its display name used in payment descriptions.
var PackageNames = map[PackageType]string{
	PackageSmall:   "Small Pack",
	PackageMedium:  "Medium Pack",
	PackageLarge:   "Large Pack",
	PackagePremium: "Premium Pack",
}

// Valid reports whether the package code is one of the sellable bundles.
func (p PackageType) Valid() bool {
	_, ok := PackagePrices[p]
	return ok
}

// Credits returns the number of credits this package grants.
func (p PackageType) Credits() int {
	n, err := strconv.Atoi(string(p))
	if err != nil {
		return 0
	}
	return n
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

// Account is one Telegram user's credit balance and usage history.
type Account struct {
	TelegramID        int64      `json:"telegram_id"`
	CreditsTotal      int        `json:"credits_total"`
	CreditsLeft       int        `json:"credits_left"`
	IsPaid            bool       `json:"is_paid"`
	PurchaseTime      *time.Time `json:"purchase_time,omitempty"`
	CreditsExpireDate *time.Time `json:"credits_expire_date,omitempty"`
	TotalGenerations  int        `json:"total_generations"`
	PromptTokens      int64      `json:"prompt_tokens"`
	ResponseTokens    int64      `json:"response_tokens"`
	VideoDurationSec  float64    `json:"video_duration_time"`
	OtherData         JSONB      `json:"other_data,omitempty"`
	IsDeleted         bool       `json:"is_deleted"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Transaction is one payment attempt and its lifecycle status.
type Transaction struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	UserID        int64             `json:"user_id"`
	Amount        float64           `json:"amount"`
	Status        TransactionStatus `json:"status"`
	PaymentID     *string           `json:"payment_id,omitempty"` // nil until the gateway assigns one
	OrderID       string            `json:"order_id"`
	PackageType   PackageType       `json:"package_type"`
	IsDeleted     bool              `json:"is_deleted"`
	DeletedAt     *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// UsageDelta is a batch of per-generation usage counters added to an account
// after a pipeline completes.
type UsageDelta struct {
	Generations      int     `json:"generations"`
	PromptTokens     int64   `json:"prompt_tokens"`
	ResponseTokens   int64   `json:"response_tokens"`
	VideoDurationSec float64 `json:"video_duration_sec"`
}

// DTOs for the ledger REST API

type CreateUserRequest struct {
	TelegramID int64 `json:"user_id"`
}

type CreatePaymentRequest struct {
	UserID      int64       `json:"user_id"`
	PackageType PackageType `json:"package"`
	UserPhone   *string     `json:"user_phone,omitempty"`
	UserEmail   *string     `json:"user_email,omitempty"`
}

type CreatePaymentResponse struct {
	OrderID    string  `json:"order_id"`
	PaymentID  *string `json:"payment_id,omitempty"`
	PaymentURL string  `json:"payment_url"`
}

type PaymentStatusResponse struct {
	OrderID string            `json:"order_id"`
	Status  TransactionStatus `json:"status"`
}
