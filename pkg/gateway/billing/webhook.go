// Package billing ingests subscription lifecycle events from Stripe and
// projects them into entitlements. The webhook is the only writer of
// entitlement rows; the gate only ever reads them.
package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/drivevoice/drivevoice/pkg/gateway/store"
)

// Store is the slice of the authoritative store the webhook needs.
type Store interface {
	UpsertEntitlement(ctx context.Context, e *store.Entitlement) error
}

type WebhookHandler struct {
	Store         Store
	SigningSecret string
	MaxBodyBytes  int64
	Logger        *slog.Logger
}

func (h *WebhookHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP verifies the event signature and applies subscription events.
// Stripe retries on non-2xx, so only verification and persistence failures
// are surfaced; events we don't consume are acknowledged and dropped.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 16
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Dashboard-configured endpoints can pin a different API version than
	// the SDK; the fields we read are stable across them.
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"),
		h.SigningSecret, webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger().Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if !strings.HasPrefix(string(event.Type), "customer.subscription.") {
		h.logger().Debug("webhook event ignored", "type", event.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger().Warn("webhook payload undecodable", "type", event.Type, "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	ent := EntitlementFromSubscription(&sub)
	if ent.DeviceID == "" {
		// The grant is recorded anyway; a later event carrying the
		// binding (or a backfill) attaches it to a device.
		h.logger().Warn("subscription has no device binding",
			"subscription_id", sub.ID, "event_type", event.Type)
	}

	if err := h.Store.UpsertEntitlement(r.Context(), ent); err != nil {
		h.logger().Error("entitlement upsert failed",
			"subscription_id", sub.ID, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}

	h.logger().Info("entitlement updated",
		"subscription_id", sub.ID,
		"device_id", ent.DeviceID,
		"status", ent.Status,
		"event_type", event.Type,
	)
	w.WriteHeader(http.StatusOK)
}

// EntitlementFromSubscription maps a Stripe subscription onto the store's
// entitlement shape. The subscription id doubles as the original transaction
// id; the device binding travels in subscription metadata.
func EntitlementFromSubscription(sub *stripe.Subscription) *store.Entitlement {
	ent := &store.Entitlement{
		OriginalTransactionID: sub.ID,
		DeviceID:              sub.Metadata["device_id"],
		Status:                statusFor(sub),
		Environment:           environmentFor(sub.Livemode),
	}
	// Period fields live on the items since the Basil API release.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			ent.ProductID = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			ent.ExpiresAt = &t
		}
	}
	return ent
}

func statusFor(sub *stripe.Subscription) store.EntitlementStatus {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return store.EntitlementActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return store.EntitlementGrace
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		if sub.CancellationDetails != nil &&
			sub.CancellationDetails.Reason == stripe.SubscriptionCancellationDetailsReasonPaymentFailed {
			return store.EntitlementRevoked
		}
		return store.EntitlementExpired
	default:
		return store.EntitlementExpired
	}
}

func environmentFor(livemode bool) string {
	if livemode {
		return "production"
	}
	return "sandbox"
}
