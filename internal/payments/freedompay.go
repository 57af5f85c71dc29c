package payments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// FreedomPay gateway client.
// Form-encoded pg_* requests signed with an MD5 digest; XML responses.
// ---------------------------------------------------------------------------

const (
	defaultBaseURL = "https://api.freedompay.kg"

	initPaymentScript = "init_payment.php"
	getStatusScript   = "get_status3.php"

	currency = "KGS"
)

// Client talks to the FreedomPay merchant API.
type Client struct {
	baseURL     string
	merchantID  string
	secretKey   string
	testingMode bool

	// Callback URLs handed to the gateway at payment initialization.
	CheckURL   string
	ResultURL  string
	SuccessURL string
	FailureURL string

	httpClient *http.Client
}

type Config struct {
	BaseURL     string
	MerchantID  string
	SecretKey   string
	TestingMode bool
	CheckURL    string
	ResultURL   string
	SuccessURL  string
	FailureURL  string
}

func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		merchantID:  cfg.MerchantID,
		secretKey:   cfg.SecretKey,
		testingMode: cfg.TestingMode,
		CheckURL:    cfg.CheckURL,
		ResultURL:   cfg.ResultURL,
		SuccessURL:  cfg.SuccessURL,
		FailureURL:  cfg.FailureURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InitResult is the gateway's answer to payment initialization.
type InitResult struct {
	PaymentID   string
	RedirectURL string
}

type initResponse struct {
	XMLName     xml.Name `xml:"response"`
	Status      string   `xml:"pg_status"`
	PaymentID   string   `xml:"pg_payment_id"`
	RedirectURL string   `xml:"pg_redirect_url"`
	ErrorCode   string   `xml:"pg_error_code"`
	ErrorDesc   string   `xml:"pg_error_description"`
}

type statusResponse struct {
	XMLName        xml.Name `xml:"response"`
	Status         string   `xml:"pg_status"`
	PaymentStatus  string   `xml:"pg_payment_status"`
	CanReject      string   `xml:"pg_can_reject"`
	Amount         string   `xml:"pg_amount"`
	ClearingAmount string   `xml:"pg_clearing_amount"`
	ErrorDesc      string   `xml:"pg_error_description"`
}

// InitPayment registers a payment with the gateway and returns the payment id
// plus the URL the user is redirected to for checkout.
func (c *Client) InitPayment(ctx context.Context, orderID string, amount float64, description string, userPhone, userEmail string) (*InitResult, error) {
	params := map[string]string{
		"pg_merchant_id":    c.merchantID,
		"pg_order_id":       orderID,
		"pg_amount":         formatAmount(amount),
		"pg_currency":       currency,
		"pg_description":    description,
		"pg_salt":           newSalt(),
		"pg_check_url":      c.CheckURL,
		"pg_result_url":     c.ResultURL,
		"pg_success_url":    c.SuccessURL,
		"pg_failure_url":    c.FailureURL,
		"pg_request_method": "POST",
		"pg_testing_mode":   boolFlag(c.testingMode),
	}
	if userPhone != "" {
		params["pg_user_phone"] = userPhone
	}
	if userEmail != "" {
		params["pg_user_contact_email"] = userEmail
	}
	params["pg_sig"] = Signature(initPaymentScript, params, c.secretKey)

	var resp initResponse
	if err := c.post(ctx, initPaymentScript, params, &resp); err != nil {
		return nil, err
	}

	if resp.Status != "ok" {
		return nil, fmt.Errorf("payment initialization rejected: %s (code=%s)", resp.ErrorDesc, resp.ErrorCode)
	}
	if resp.PaymentID == "" || resp.RedirectURL == "" {
		return nil, fmt.Errorf("gateway returned ok without payment_id or redirect_url")
	}

	log.Printf("[FreedomPay] Payment initialized (order=%s, payment_id=%s)", orderID, resp.PaymentID)
	return &InitResult{PaymentID: resp.PaymentID, RedirectURL: resp.RedirectURL}, nil
}

// PaymentCompleted asks the gateway for the current state of an order.
// A payment counts completed only when the gateway reports success and the
// cleared amount matches what was charged.
func (c *Client) PaymentCompleted(ctx context.Context, orderID string) (bool, error) {
	params := map[string]string{
		"pg_merchant_id": c.merchantID,
		"pg_order_id":    orderID,
		"pg_salt":        newSalt(),
	}
	params["pg_sig"] = Signature(getStatusScript, params, c.secretKey)

	var resp statusResponse
	if err := c.post(ctx, getStatusScript, params, &resp); err != nil {
		return false, err
	}

	if resp.Status != "ok" {
		return false, fmt.Errorf("status request rejected: %s", resp.ErrorDesc)
	}

	completed := resp.PaymentStatus == "success" &&
		resp.CanReject == "1" &&
		resp.Amount == resp.ClearingAmount

	log.Printf("[FreedomPay] Status for order %s: payment_status=%s completed=%v",
		orderID, resp.PaymentStatus, completed)

	return completed, nil
}

func (c *Client) post(ctx context.Context, script string, params map[string]string, out interface{}) error {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/"+script, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse gateway response: %w (body: %s)", err, string(body))
	}
	return nil
}

// Signature computes the request signature: the MD5 hex digest of the script
// name, every parameter value ordered by parameter name, and the secret key,
// all joined with semicolons. pg_sig itself is excluded.
func Signature(script string, params map[string]string, secretKey string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "pg_sig" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+2)
	parts = append(parts, script)
	for _, k := range keys {
		parts = append(parts, params[k])
	}
	parts = append(parts, secretKey)

	sum := md5.Sum([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}

func formatAmount(amount float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", amount), "0"), ".")
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func newSalt() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
