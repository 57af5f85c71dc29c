package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/clipmaker/internal/models"
)

// Client is the HTTP client for the ledger REST API, used by processes that
// run apart from the API server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error string `json:"error"`
}

// CreateUser registers the account, returning whether it was newly created.
func (c *Client) CreateUser(ctx context.Context, userID int64) (*models.Account, bool, error) {
	req := models.CreateUserRequest{TelegramID: userID}

	var acct models.Account
	status, err := c.do(ctx, "POST", "/api/users", nil, req, &acct)
	if err != nil {
		return nil, false, err
	}
	switch status {
	case http.StatusCreated:
		return &acct, true, nil
	case http.StatusConflict:
		existing, err := c.GetUser(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("unexpected status %d creating user", status)
}

func (c *Client) GetUser(ctx context.Context, userID int64) (*models.Account, error) {
	var acct models.Account
	status, err := c.do(ctx, "GET", fmt.Sprintf("/api/users/%d", userID), nil, nil, &acct)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &acct, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("unexpected status %d fetching user", status)
}

func (c *Client) AddCredits(ctx context.Context, userID int64, credits int, updatePurchaseTime bool) (*models.Account, error) {
	query := url.Values{
		"credits":              {strconv.Itoa(credits)},
		"update_purchase_time": {strconv.FormatBool(updatePurchaseTime)},
	}

	var acct models.Account
	status, err := c.do(ctx, "POST", fmt.Sprintf("/api/users/%d/credits/add", userID), query, nil, &acct)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &acct, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("unexpected status %d adding credits", status)
}

func (c *Client) DeductCredits(ctx context.Context, userID int64, credits int) (*models.Account, error) {
	query := url.Values{"credits": {strconv.Itoa(credits)}}

	var acct models.Account
	status, err := c.do(ctx, "POST", fmt.Sprintf("/api/users/%d/credits/deduct", userID), query, nil, &acct)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &acct, nil
	case http.StatusPaymentRequired:
		return nil, ErrInsufficientCredits
	case http.StatusNotFound:
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("unexpected status %d deducting credits", status)
}

func (c *Client) AddUsage(ctx context.Context, userID int64, delta models.UsageDelta) error {
	status, err := c.do(ctx, "POST", fmt.Sprintf("/api/users/%d/usage", userID), nil, delta, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	}
	return fmt.Errorf("unexpected status %d updating usage", status)
}

func (c *Client) CreatePayment(ctx context.Context, req models.CreatePaymentRequest) (*models.CreatePaymentResponse, error) {
	var resp models.CreatePaymentResponse
	status, err := c.do(ctx, "POST", "/api/payments", nil, req, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusCreated:
		return &resp, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusBadRequest:
		return nil, ErrInvalidPackage
	}
	return nil, fmt.Errorf("unexpected status %d creating payment", status)
}

func (c *Client) PaymentStatus(ctx context.Context, orderID string) (*models.PaymentStatusResponse, error) {
	query := url.Values{"order_id": {orderID}}

	var resp models.PaymentStatusResponse
	status, err := c.do(ctx, "POST", "/api/payments/status", query, nil, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &resp, nil
	case http.StatusNotFound:
		return nil, ErrTransactionNotFound
	}
	return nil, fmt.Errorf("unexpected status %d checking payment status", status)
}

// do issues a request and decodes the response into out when the status is a
// success. Known error statuses are returned to the caller to map; anything
// else surfaces the server's error message.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return 0, fmt.Errorf("failed to parse ledger response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusConflict, http.StatusPaymentRequired, http.StatusBadRequest:
		return resp.StatusCode, nil
	}

	var apiErr apiError
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		return resp.StatusCode, fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, apiErr.Error)
	}
	return resp.StatusCode, fmt.Errorf("ledger returned status %d: %s", resp.StatusCode, string(raw))
}
