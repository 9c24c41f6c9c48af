package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log"
	"net/http"

	"github.com/skip2/go-qrcode"
	"github.com/splatforge/backend/internal/config"
	"github.com/splatforge/backend/internal/services"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// BillingHandler exposes checkout creation and the payment-processor webhook.
type BillingHandler struct {
	billing   *services.BillingService
	policy    *config.BillingPolicy
	validator *services.ValidationHelper
}

func NewBillingHandler(billing *services.BillingService, policy *config.BillingPolicy) *BillingHandler {
	return &BillingHandler{
		billing:   billing,
		policy:    policy,
		validator: services.NewValidationHelper(),
	}
}

// CreateCheckout creates a hosted checkout session
// @Summary Create checkout session
// @Description Creates a hosted checkout for a credit package or subscription plan
// @Tags billing
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{packageId=string,planId=string} true "Checkout request"
// @Success 201 {object} services.CheckoutResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /billing/checkout [post]
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		PackageID string `json:"packageId" validate:"omitempty,max=32"`
		PlanID    string `json:"planId" validate:"omitempty,max=32"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.billing.CreateCheckout(accountID, req.PackageID, req.PlanID)
	if err != nil {
		if errors.Is(err, services.ErrPolicyNotConfigured) {
			// Operator misconfiguration, not a user problem.
			log.Printf("[BILLING] Checkout rejected: %v", err)
			services.SendErrorResponse(w, "Billing is not available", http.StatusInternalServerError, nil)
			return
		}
		log.Printf("[BILLING] Checkout failed for %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to create checkout", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// CheckoutQR renders a QR code for a checkout URL
// @Summary Checkout QR code
// @Description Creates a checkout session and returns its URL as a scannable QR image
// @Tags billing
// @Produce json
// @Security BearerAuth
// @Param packageId query string false "Credit package id"
// @Param planId query string false "Subscription plan id"
// @Success 200 {object} object{checkoutUrl=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Router /billing/checkout/qr [get]
func (h *BillingHandler) CheckoutQR(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := h.billing.CreateCheckout(accountID, r.URL.Query().Get("packageId"), r.URL.Query().Get("planId"))
	if err != nil {
		services.SendErrorResponse(w, "Failed to create checkout", http.StatusBadRequest, nil)
		return
	}

	qr, err := qrcode.New(result.CheckoutURL, qrcode.Medium)
	if err != nil {
		services.SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		services.SendErrorResponse(w, "Failed to encode QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"checkoutUrl": result.CheckoutURL,
		"qrImage":     base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// PaymentWebhook processes payment-processor events
// @Summary Payment webhook
// @Description Inbound payment-processor events, applied idempotently to the ledger
// @Tags billing
// @Accept json
// @Produce json
// @Success 200 {object} object{received=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /webhooks/payment [post]
func (h *BillingHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		services.SendErrorResponse(w, "Failed to read payload", http.StatusBadRequest, nil)
		return
	}

	var event stripe.Event
	if h.policy.WebhookSecret != "" {
		event, err = webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.policy.WebhookSecret)
		if err != nil {
			log.Printf("[BILLING] Webhook signature verification failed: %v", err)
			services.SendErrorResponse(w, "Invalid signature", http.StatusBadRequest, nil)
			return
		}
	} else if err := json.Unmarshal(payload, &event); err != nil {
		services.SendErrorResponse(w, "Invalid payload", http.StatusBadRequest, nil)
		return
	}

	internal, ok, err := h.billing.MapStripeEvent(event)
	if err != nil {
		log.Printf("[BILLING] Failed to map event %s (%s): %v", event.ID, event.Type, err)
		services.SendErrorResponse(w, "Failed to process event", http.StatusInternalServerError, nil)
		return
	}
	if ok {
		if err := h.billing.Process(internal); err != nil {
			// Misconfigured packages/plans are an operator problem; bouncing
			// the event would only make the processor retry it forever.
			if errors.Is(err, services.ErrPolicyNotConfigured) {
				log.Printf("[BILLING] Event %s (%s) references unconfigured policy, acknowledging: %v", event.ID, event.Type, err)
			} else {
				log.Printf("[BILLING] Failed to process event %s (%s): %v", event.ID, event.Type, err)
				services.SendErrorResponse(w, "Failed to process event", http.StatusInternalServerError, nil)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"received": true})
}
