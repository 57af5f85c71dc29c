package payments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestSignature(t *testing.T) {
	// Values are joined in key order, bracketed by the script name and the
	// secret key, so pg_amount precedes pg_merchant_id regardless of
	// insertion order.
	params := map[string]string{
		"pg_merchant_id": "541342",
		"pg_amount":      "3900",
		"pg_order_id":    "order-42-abc",
		"pg_salt":        "somesalt",
	}
	got := Signature("init_payment.php", params, "secret")
	want := md5hex("init_payment.php;3900;541342;order-42-abc;somesalt;secret")
	if got != want {
		t.Errorf("signature = %s, want %s", got, want)
	}
}

func TestSignatureExcludesSig(t *testing.T) {
	params := map[string]string{
		"pg_merchant_id": "1",
		"pg_salt":        "s",
	}
	base := Signature("get_status3.php", params, "k")
	params["pg_sig"] = "whatever"
	if got := Signature("get_status3.php", params, "k"); got != base {
		t.Errorf("pg_sig must not contribute to the digest")
	}
}

func TestInitPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/init_payment.php" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("pg_currency") != "KGS" {
			t.Errorf("pg_currency = %s, want KGS", r.PostForm.Get("pg_currency"))
		}
		if r.PostForm.Get("pg_amount") != "3900" {
			t.Errorf("pg_amount = %s, want 3900", r.PostForm.Get("pg_amount"))
		}
		// Verify the client signed what it sent.
		params := map[string]string{}
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if got, want := r.PostForm.Get("pg_sig"), Signature("init_payment.php", params, "sk"); got != want {
			t.Errorf("pg_sig = %s, want %s", got, want)
		}
		fmt.Fprint(w, `<?xml version="1.0" encoding="utf-8"?><response><pg_status>ok</pg_status><pg_payment_id>9991</pg_payment_id><pg_redirect_url>https://pay.example/checkout/9991</pg_redirect_url></response>`)
	}))
	defer srv.Close()

	client := NewClient(Config{
		BaseURL:    srv.URL,
		MerchantID: "541342",
		SecretKey:  "sk",
	})

	res, err := client.InitPayment(context.Background(), "order-42-abc", 3900, "30 generations", "", "")
	if err != nil {
		t.Fatalf("InitPayment: %v", err)
	}
	if res.PaymentID != "9991" {
		t.Errorf("payment id = %s, want 9991", res.PaymentID)
	}
	if res.RedirectURL != "https://pay.example/checkout/9991" {
		t.Errorf("redirect url = %s", res.RedirectURL)
	}
}

func TestInitPaymentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response><pg_status>error</pg_status><pg_error_code>101</pg_error_code><pg_error_description>Incorrect merchant</pg_error_description></response>`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, MerchantID: "x", SecretKey: "sk"})
	if _, err := client.InitPayment(context.Background(), "order-1-a", 1050, "10 generations", "", ""); err == nil {
		t.Fatal("expected error on rejected initialization")
	}
}

func TestPaymentCompleted(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "success with cleared amount",
			body: `<response><pg_status>ok</pg_status><pg_payment_status>success</pg_payment_status><pg_can_reject>1</pg_can_reject><pg_amount>3900</pg_amount><pg_clearing_amount>3900</pg_clearing_amount></response>`,
			want: true,
		},
		{
			name: "still pending",
			body: `<response><pg_status>ok</pg_status><pg_payment_status>pending</pg_payment_status><pg_can_reject>0</pg_can_reject><pg_amount>3900</pg_amount><pg_clearing_amount>0</pg_clearing_amount></response>`,
			want: false,
		},
		{
			name: "success but amounts disagree",
			body: `<response><pg_status>ok</pg_status><pg_payment_status>success</pg_payment_status><pg_can_reject>1</pg_can_reject><pg_amount>3900</pg_amount><pg_clearing_amount>100</pg_clearing_amount></response>`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/get_status3.php" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			client := NewClient(Config{BaseURL: srv.URL, MerchantID: "m", SecretKey: "sk"})
			got, err := client.PaymentCompleted(context.Background(), "order-7-xyz")
			if err != nil {
				t.Fatalf("PaymentCompleted: %v", err)
			}
			if got != tt.want {
				t.Errorf("completed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[float64]string{
		3900:    "3900",
		1050.5:  "1050.5",
		11750.0: "11750",
		0.01:    "0.01",
	}
	for in, want := range cases {
		if got := formatAmount(in); got != want {
			t.Errorf("formatAmount(%v) = %s, want %s", in, got, want)
		}
	}
}
