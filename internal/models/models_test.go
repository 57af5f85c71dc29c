package models

import (
	"encoding/json"
	"testing"
)

func TestJSONBMarshal(t *testing.T) {
	j := JSONB{
		"source":   "trial_grant",
		"language": "ru",
	}

	data, err := j.Value()
	if err != nil {
		t.Fatalf("failed to marshal JSONB: %v", err)
	}

	if data == nil {
		t.Fatal("expected non-nil data")
	}

	// Verify it's valid JSON
	var result map[string]interface{}
	if err := json.Unmarshal(data.([]byte), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["source"] != "trial_grant" {
		t.Errorf("expected source=trial_grant, got %v", result["source"])
	}
}

func TestJSONBScan(t *testing.T) {
	jsonData := []byte(`{"source": "promo", "bonus": 5}`)

	var j JSONB
	if err := j.Scan(jsonData); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}

	if j["source"] != "promo" {
		t.Errorf("expected source=promo, got %v", j["source"])
	}

	if j["bonus"].(float64) != 5 {
		t.Errorf("expected bonus=5, got %v", j["bonus"])
	}
}

func TestTransactionStatusTransitions(t *testing.T) {
	tests := []struct {
		from    TransactionStatus
		to      TransactionStatus
		allowed bool
	}{
		{TransactionPending, TransactionProcessing, true},
		{TransactionPending, TransactionCompleted, true},
		{TransactionPending, TransactionFailed, true},
		{TransactionPending, TransactionCanceled, true},
		{TransactionProcessing, TransactionCompleted, true},
		{TransactionProcessing, TransactionFailed, true},
		{TransactionProcessing, TransactionPending, false},
		{TransactionCompleted, TransactionFailed, false},
		{TransactionCompleted, TransactionCompleted, false},
		{TransactionFailed, TransactionCompleted, false},
		{TransactionCanceled, TransactionProcessing, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected allowed=%v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestAdvanceableFrom(t *testing.T) {
	tests := []struct {
		target TransactionStatus
		want   []TransactionStatus
	}{
		{TransactionProcessing, []TransactionStatus{TransactionPending}},
		{TransactionCompleted, []TransactionStatus{TransactionPending, TransactionProcessing}},
		{TransactionFailed, []TransactionStatus{TransactionPending, TransactionProcessing}},
		{TransactionCanceled, []TransactionStatus{TransactionPending, TransactionProcessing}},
		{TransactionPending, nil},
	}

	for _, tt := range tests {
		got := AdvanceableFrom(tt.target)
		if len(got) != len(tt.want) {
			t.Errorf("AdvanceableFrom(%s) = %v, want %v", tt.target, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("AdvanceableFrom(%s) = %v, want %v", tt.target, got, tt.want)
				break
			}
		}
	}
}

func TestTransactionStatusTerminal(t *testing.T) {
	if TransactionPending.Terminal() || TransactionProcessing.Terminal() {
		t.Error("open statuses must not be terminal")
	}
	for _, s := range []TransactionStatus{TransactionCompleted, TransactionFailed, TransactionCanceled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestPackageTypes(t *testing.T) {
	packages := []PackageType{PackageSmall, PackageMedium, PackageLarge, PackagePremium}

	for _, p := range packages {
		if !p.Valid() {
			t.Errorf("package %s should be valid", p)
		}
		if p.Credits() <= 0 {
			t.Errorf("package %s should grant credits, got %d", p, p.Credits())
		}
		if PackagePrices[p] <= 0 {
			t.Errorf("package %s should have a price", p)
		}
	}

	if PackageType("25").Valid() {
		t.Error("unknown package code should not be valid")
	}

	if PackageMedium.Credits() != 30 {
		t.Errorf("expected 30 credits for medium pack, got %d", PackageMedium.Credits())
	}
}
