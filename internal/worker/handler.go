// Package worker turns order and settlement events into customer
// notifications.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

type NotificationHandler struct {
	emailServiceURL string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		httpClient:      client,
		logger:          logger,
	}
}

type emailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Handle processes one payment.settled event. Events that cannot be decoded
// or have no recipient are logged and dropped; delivery failures are
// returned so the consumer retries.
func (h *NotificationHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.PaymentSettledEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Error("dropping malformed payment settled event", "error", err)
		return nil
	}

	if event.Email == "" {
		h.logger.Warn("payment settled event has no recipient", "order_id", event.OrderID)
		return nil
	}

	h.logger.Info("processing payment settled event", "order_id", event.OrderID, "status", event.Status)

	msg, err := messageFor(event)
	if err != nil {
		h.logger.Error("unknown settlement status", "error", err, "order_id", event.OrderID)
		return nil
	}

	if err := h.sendEmail(ctx, msg); err != nil {
		h.logger.Error("failed to send payment email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send payment email: %w", err)
	}

	h.logger.Info("payment notification sent", "order_id", event.OrderID, "status", event.Status)
	return nil
}

// HandleOrderCreated processes one order.created event by sending an order
// summary with payment instructions. Error handling follows Handle.
func (h *NotificationHandler) HandleOrderCreated(ctx context.Context, payload []byte) error {
	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Error("dropping malformed order created event", "error", err)
		return nil
	}

	if event.Email == "" {
		h.logger.Warn("order created event has no recipient", "order_id", event.OrderID)
		return nil
	}

	if err := h.sendEmail(ctx, orderReceived(event)); err != nil {
		h.logger.Error("failed to send order email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send order email: %w", err)
	}

	h.logger.Info("order notification sent", "order_id", event.OrderID, "items", len(event.Items))
	return nil
}

func orderReceived(event domain.OrderCreatedEvent) emailMessage {
	var body strings.Builder
	fmt.Fprintf(&body, "We received order %s.\n\n", event.OrderID)
	for _, item := range event.Items {
		fmt.Fprintf(&body, "%d x %s at %s\n", item.Quantity, item.VariationID, item.PriceAtPurchase.StringFixed(2))
	}
	fmt.Fprintf(&body, "\nTotal: %s. Complete the payment to confirm it.", event.TotalAmount.StringFixed(2))

	return emailMessage{
		To:      event.Email,
		Subject: "Order received: " + event.OrderID,
		Body:    body.String(),
	}
}

func messageFor(event domain.PaymentSettledEvent) (emailMessage, error) {
	switch event.Status {
	case domain.TransactionCompleted:
		return emailMessage{
			To:      event.Email,
			Subject: "Payment received: " + event.OrderID,
			Body: fmt.Sprintf("We received your payment of %s for order %s (transaction %s). Your order is being prepared.",
				event.Amount.StringFixed(2), event.OrderID, event.TransactionID),
		}, nil
	case domain.TransactionFailed:
		return emailMessage{
			To:      event.Email,
			Subject: "Payment failed: " + event.OrderID,
			Body:    fmt.Sprintf("The payment for order %s was not completed and the order has been cancelled. No stock was reserved.", event.OrderID),
		}, nil
	default:
		return emailMessage{}, fmt.Errorf("status %q", event.Status)
	}
}

func (h *NotificationHandler) sendEmail(ctx context.Context, msg emailMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
