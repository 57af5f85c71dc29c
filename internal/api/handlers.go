package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bobarin/clipmaker/internal/ledger"
	"github.com/bobarin/clipmaker/internal/models"
	"github.com/bobarin/clipmaker/internal/payments"
)

type Handler struct {
	ledger *ledger.Service

	// gatewaySecret signs and verifies FreedomPay callback payloads.
	gatewaySecret string
}

func NewHandler(l *ledger.Service, gatewaySecret string) *Handler {
	return &Handler{
		ledger:        l,
		gatewaySecret: gatewaySecret,
	}
}

// CreateUser handles POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TelegramID == 0 {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	acct, created, err := h.ledger.RegisterAccount(r.Context(), req.TelegramID, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	if !created {
		respondError(w, http.StatusConflict, "User already exists")
		return
	}

	respondJSON(w, http.StatusCreated, acct)
}

// GetUser handles GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	acct, err := h.ledger.GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "User not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get user")
		return
	}

	respondJSON(w, http.StatusOK, acct)
}

// AddCredits handles POST /api/users/{id}/credits/add
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	credits, err := strconv.Atoi(r.URL.Query().Get("credits"))
	if err != nil || credits <= 0 {
		respondError(w, http.StatusBadRequest, "credits must be a positive integer")
		return
	}
	updatePurchaseTime := r.URL.Query().Get("update_purchase_time") == "true"

	acct, err := h.ledger.AddCredits(r.Context(), userID, credits, updatePurchaseTime)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "User not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to add credits")
		return
	}

	respondJSON(w, http.StatusOK, acct)
}

// DeductCredits handles POST /api/users/{id}/credits/deduct
func (h *Handler) DeductCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	credits, err := strconv.Atoi(r.URL.Query().Get("credits"))
	if err != nil || credits <= 0 {
		respondError(w, http.StatusBadRequest, "credits must be a positive integer")
		return
	}

	acct, err := h.ledger.DeductCredits(r.Context(), userID, credits)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			respondError(w, http.StatusNotFound, "User not found")
		case errors.Is(err, ledger.ErrInsufficientCredits):
			respondError(w, http.StatusPaymentRequired, "Insufficient credits")
		default:
			respondError(w, http.StatusInternalServerError, "Failed to deduct credits")
		}
		return
	}

	respondJSON(w, http.StatusOK, acct)
}

// DeleteUser handles DELETE /api/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	if err := h.ledger.DeleteAccount(r.Context(), userID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "User not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateUsage handles POST /api/users/{id}/usage
func (h *Handler) UpdateUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var delta models.UsageDelta
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.ledger.AddUsage(r.Context(), userID, delta); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "User not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to update usage")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreatePayment handles POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == 0 {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	phone, email := "", ""
	if req.UserPhone != nil {
		phone = *req.UserPhone
	}
	if req.UserEmail != nil {
		email = *req.UserEmail
	}

	txn, paymentURL, err := h.ledger.CreatePayment(r.Context(), req.UserID, req.PackageType, phone, email)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidPackage):
			respondError(w, http.StatusBadRequest, "Invalid package. Allowed: 10, 30, 50, 100")
		case errors.Is(err, ledger.ErrNotFound):
			respondError(w, http.StatusNotFound, "User not found")
		default:
			log.Printf("[API] Failed to create payment for user %d: %v", req.UserID, err)
			respondError(w, http.StatusInternalServerError, "Failed to create payment")
		}
		return
	}

	respondJSON(w, http.StatusCreated, models.CreatePaymentResponse{
		OrderID:    txn.OrderID,
		PaymentID:  txn.PaymentID,
		PaymentURL: paymentURL,
	})
}

// PaymentStatus handles POST /api/payments/status
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	txn, err := h.ledger.PaymentStatus(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			respondError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("[API] Failed to check payment status for %s: %v", orderID, err)
		respondError(w, http.StatusInternalServerError, "Failed to check payment status")
		return
	}

	respondJSON(w, http.StatusOK, models.PaymentStatusResponse{
		OrderID: txn.OrderID,
		Status:  txn.Status,
	})
}

// CancelPayment handles POST /api/payments/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	if err := h.ledger.CancelPayment(r.Context(), orderID); err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			respondError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("[API] Failed to cancel payment %s: %v", orderID, err)
		respondError(w, http.StatusConflict, "Transaction cannot be canceled")
		return
	}

	respondJSON(w, http.StatusOK, models.PaymentStatusResponse{
		OrderID: orderID,
		Status:  models.TransactionCanceled,
	})
}

// PaymentCheck handles POST /check, the gateway's pre-authorization callback.
func (h *Handler) PaymentCheck(w http.ResponseWriter, r *http.Request) {
	params, ok := h.parseCallback(w, r, "check")
	if !ok {
		return
	}

	amount, err := strconv.ParseFloat(params["pg_amount"], 64)
	if err != nil {
		respondCallback(w, "rejected", "invalid amount")
		return
	}

	if err := h.ledger.HandleCheck(r.Context(), params["pg_order_id"], amount); err != nil {
		log.Printf("[API] Check rejected for order %s: %v", params["pg_order_id"], err)
		respondCallback(w, "rejected", err.Error())
		return
	}

	respondCallback(w, "ok", "")
}

// PaymentResult handles POST /result, the gateway's settlement callback.
func (h *Handler) PaymentResult(w http.ResponseWriter, r *http.Request) {
	params, ok := h.parseCallback(w, r, "result")
	if !ok {
		return
	}

	success := params["pg_result"] == "1"
	if err := h.ledger.HandleResult(r.Context(), params["pg_order_id"], params["pg_payment_id"], success); err != nil {
		log.Printf("[API] Result rejected for order %s: %v", params["pg_order_id"], err)
		respondCallback(w, "rejected", err.Error())
		return
	}

	respondCallback(w, "ok", "")
}

// parseCallback reads the gateway's form payload and verifies its signature.
func (h *Handler) parseCallback(w http.ResponseWriter, r *http.Request, script string) (map[string]string, bool) {
	if err := r.ParseForm(); err != nil {
		respondCallback(w, "rejected", "invalid form payload")
		return nil, false
	}

	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}

	if params["pg_order_id"] == "" {
		respondCallback(w, "rejected", "pg_order_id is required")
		return nil, false
	}
	if want := payments.Signature(script, params, h.gatewaySecret); params["pg_sig"] != want {
		log.Printf("[API] Bad callback signature for order %s", params["pg_order_id"])
		respondCallback(w, "rejected", "invalid signature")
		return nil, false
	}

	return params, true
}

// PaymentSuccess handles GET /success, where the gateway sends the user's
// browser after checkout.
func (h *Handler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	respondHTML(w, "Payment received", "Your payment was accepted. You can return to the bot.")
}

// PaymentFailure handles GET /failure.
func (h *Handler) PaymentFailure(w http.ResponseWriter, r *http.Request) {
	respondHTML(w, "Payment failed", "The payment was not completed. You can try again from the bot.")
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return 0, false
	}
	return userID, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondCallback(w http.ResponseWriter, status, description string) {
	body := map[string]string{"pg_status": status}
	if description != "" {
		body["pg_description"] = description
	}
	respondJSON(w, http.StatusOK, body)
}

func respondHTML(w http.ResponseWriter, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>%s</title></head>
<body><h1>%s</h1><p>%s</p></body></html>
`, title, title, message)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
