package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payfort-service/internal/config"
	"payfort-service/internal/db"
)

const defaultTimeoutMs = 10_000

// Notifier hands a paid order over to the fulfillment service. Delivery is
// best-effort: the caller logs failures and moves on, settlement is already
// committed.
type Notifier struct {
	client *http.Client
	url    string
	logger *slog.Logger
}

func NewNotifier(cfg config.Fulfillment, logger *slog.Logger) *Notifier {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Notifier{
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		url:    cfg.URL,
		logger: logger,
	}
}

type notification struct {
	OrderID int64  `json:"orderId"`
	SiteID  int64  `json:"siteId"`
	Status  string `json:"status"`
}

func (n *Notifier) Fulfill(ctx context.Context, order *db.OrderEntity) error {
	payload, err := json.Marshal(notification{
		OrderID: order.ID,
		SiteID:  order.SiteID,
		Status:  string(order.Status),
	})
	if err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Sending fulfillment notification", "url", n.url, "orderId", order.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		n.logger.ErrorContext(ctx, "Fulfillment service returned error",
			"status", resp.Status, "body", string(respBody))
		return fmt.Errorf("error response: %s", resp.Status)
	}

	n.logger.InfoContext(ctx, "Fulfillment notification delivered", "orderId", order.ID)
	return nil
}
