package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"reconciliation-service/internal/models"
)

// ReasonSignatureMismatch is the only failure reason a verification reports.
const ReasonSignatureMismatch = "SignatureMismatch"

// VerificationResult is the outcome of a checkout signature check. Detail is
// for the audit log only and must never reach the client.
type VerificationResult struct {
	OK     bool
	Reason string
	Detail string
}

// PaymentVerifier checks Razorpay signatures and amounts. It has no side effects.
type PaymentVerifier struct {
	keySecret     []byte
	webhookSecret []byte
}

// NewPaymentVerifier creates a verifier for the checkout key secret and the
// webhook secret
func NewPaymentVerifier(keySecret, webhookSecret string) *PaymentVerifier {
	return &PaymentVerifier{
		keySecret:     []byte(keySecret),
		webhookSecret: []byte(webhookSecret),
	}
}

// ComputeSignature returns the hex HMAC-SHA256 of payload under secret.
func ComputeSignature(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the checkout callback signature over "order_id|payment_id".
// It fails closed on any missing or malformed input.
func (v *PaymentVerifier) Verify(order *models.Order, gatewayOrderID, gatewayPaymentID, gatewaySignature string) VerificationResult {
	switch {
	case len(v.keySecret) == 0:
		return mismatch("key secret not configured")
	case order == nil:
		return mismatch("order missing")
	case gatewayOrderID == "" || gatewayPaymentID == "" || gatewaySignature == "":
		return mismatch("missing field")
	case gatewayOrderID != order.RazorpayOrderID:
		return mismatch("gateway order id does not belong to order")
	}

	expected := ComputeSignature(v.keySecret, []byte(gatewayOrderID+"|"+gatewayPaymentID))
	if !equalHex(expected, gatewaySignature) {
		return mismatch("signature does not match")
	}
	return VerificationResult{OK: true}
}

// CheckAmount reports whether the captured amount matches the order. A false
// result flags the payment for review and never rejects it.
func (v *PaymentVerifier) CheckAmount(order *models.Order, amountPaise int64, currency string) bool {
	if order == nil {
		return false
	}
	if currency != "" && !strings.EqualFold(currency, order.Currency) {
		return false
	}
	return amountPaise == order.AmountPaise()
}

// VerifyWebhook computes the signature of the raw body and compares it to the
// received one. The computed value is returned for the audit row.
func (v *PaymentVerifier) VerifyWebhook(rawBody []byte, receivedSignature string) (string, bool) {
	if len(v.webhookSecret) == 0 {
		return "", false
	}
	computed := ComputeSignature(v.webhookSecret, rawBody)
	return computed, receivedSignature != "" && equalHex(computed, receivedSignature)
}

func equalHex(expected, received string) bool {
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(received))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func mismatch(detail string) VerificationResult {
	return VerificationResult{Reason: ReasonSignatureMismatch, Detail: detail}
}
