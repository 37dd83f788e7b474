package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payfort-service/internal/audit"
	"payfort-service/internal/config"
	"payfort-service/internal/db"
	"payfort-service/internal/logcontext"
	"payfort-service/internal/signature"
)

const (
	// Gateway is the slug recorded on transactions and audit events.
	Gateway = "payfort"

	// SuccessStatus is the gateway's purchase-success sentinel.
	SuccessStatus = "14"

	// Polling bounds handed to the wait page after the redirect callback.
	waitMaxAttempts    = 24
	waitIntervalMillis = 5000

	statusPath      = "/payfort/status"
	successPathBase = "/payments/success/"
	errorPathBase   = "/payments/error/"
)

var (
	ErrUnresolvable  = errors.New("unable to resolve order or site from merchant reference")
	ErrNotSuccessful = errors.New("payment was not successful")

	returnBadSignatureCounter  = metrics.GetOrCreateCounter(`payfort_return_total{result="bad_signature"}`)
	returnNotSuccessCounter    = metrics.GetOrCreateCounter(`payfort_return_total{result="not_success"}`)
	returnInvalidFormatCounter = metrics.GetOrCreateCounter(`payfort_return_total{result="invalid_format"}`)
	returnAcceptedCounter      = metrics.GetOrCreateCounter(`payfort_return_total{result="accepted"}`)

	feedbackUnresolvableCounter  = metrics.GetOrCreateCounter(`payfort_feedback_total{result="unresolvable"}`)
	feedbackBadSignatureCounter  = metrics.GetOrCreateCounter(`payfort_feedback_total{result="bad_signature"}`)
	feedbackNotSuccessCounter    = metrics.GetOrCreateCounter(`payfort_feedback_total{result="not_success"}`)
	feedbackInvalidStateCounter  = metrics.GetOrCreateCounter(`payfort_feedback_total{result="invalid_state"}`)
	feedbackInvalidFormatCounter = metrics.GetOrCreateCounter(`payfort_feedback_total{result="invalid_format"}`)
	feedbackDuplicateCounter     = metrics.GetOrCreateCounter(`payfort_feedback_total{result="duplicate"}`)
	feedbackRolledBackCounter    = metrics.GetOrCreateCounter(`payfort_feedback_total{result="rolled_back"}`)
	feedbackSettledCounter       = metrics.GetOrCreateCounter(`payfort_feedback_total{result="settled"}`)

	settlementDurationHistogram = metrics.GetOrCreateHistogram(`payfort_settlement_duration_milliseconds`)
)

type OrderResolver interface {
	GetByID(ctx context.Context, id int64) (*db.OrderEntity, error)
	GetItems(ctx context.Context, orderID int64) ([]db.OrderItemEntity, error)
}

type SiteResolver interface {
	GetByID(ctx context.Context, id int64) (*db.SiteEntity, error)
}

type Settler interface {
	Settle(ctx context.Context, params db.SettleParams) (*db.TransactionEntity, error)
}

type Auditor interface {
	Record(ctx context.Context, action string, orderID *int64, eventContext map[string]any)
}

type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, order *db.OrderEntity, items []db.OrderItemEntity, txn *db.TransactionEntity) (*db.InvoiceEntity, error)
}

type InvoiceFinder interface {
	GetPaidByTransaction(ctx context.Context, orderID int64, gateway, gatewayTransactionID string) (*db.InvoiceEntity, error)
}

type Fulfiller interface {
	Fulfill(ctx context.Context, order *db.OrderEntity) error
}

// Processor drives both callback paths and the status poll. It is
// transport-free: HTTP handlers adapt requests onto it.
type Processor struct {
	cfg      config.Gateway
	orders   OrderResolver
	sites    SiteResolver
	settler  Settler
	auditor  Auditor
	issuer   InvoiceIssuer
	invoices InvoiceFinder
	fulfill  Fulfiller
	logger   *slog.Logger
}

func NewProcessor(
	cfg config.Gateway,
	orders OrderResolver,
	sites SiteResolver,
	settler Settler,
	auditor Auditor,
	issuer InvoiceIssuer,
	invoices InvoiceFinder,
	fulfill Fulfiller,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		cfg:      cfg,
		orders:   orders,
		sites:    sites,
		settler:  settler,
		auditor:  auditor,
		issuer:   issuer,
		invoices: invoices,
		fulfill:  fulfill,
		logger:   logger,
	}
}

type WaitPage struct {
	TransactionID  string
	StatusURL      string
	SuccessURL     string
	ErrorURL       string
	PollToken      string
	PollExpires    string
	MaxAttempts    int
	WaitTimeMillis int
	Fields         map[string]string
}

// HandleReturn processes the browser redirect callback. It never settles the
// order; on a verified successful payment it returns the wait-page data the
// browser polls with. Any returned error means the generic error page.
func (p *Processor) HandleReturn(ctx context.Context, fields map[string]string) (*WaitPage, error) {
	payload := PayloadFromFields(fields)

	err := signature.Verify(p.cfg.ResponseShaPhrase, p.cfg.ShaMethod, fields, payload.Signature)
	if err != nil {
		orderID := p.resolveOrderIDForAudit(ctx, payload.MerchantReference)
		p.auditor.Record(ctx, audit.ActionBadResponseSignature, orderID, map[string]any{"data": fields})
		p.logger.ErrorContext(ctx, "Invalid signature received in redirect callback",
			"merchantReference", payload.MerchantReference)
		returnBadSignatureCounter.Inc()
		return nil, err
	}

	if payload.Status != SuccessStatus {
		p.logger.ErrorContext(ctx, "Payment failed",
			"merchantReference", payload.MerchantReference,
			"status", payload.Status,
			"responseCode", payload.ResponseCode)
		returnNotSuccessCounter.Inc()
		return nil, ErrNotSuccessful
	}

	if err := payload.Validate(); err != nil {
		p.logger.ErrorContext(ctx, "Response validation failed", "error", err)
		returnInvalidFormatCounter.Inc()
		return nil, err
	}

	token, expires, err := p.mintPollToken(payload.FortID, payload.MerchantReference)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to mint poll token", "error", err)
		return nil, err
	}

	returnAcceptedCounter.Inc()
	return &WaitPage{
		TransactionID:  payload.FortID,
		StatusURL:      statusPath,
		SuccessURL:     successPathBase + payload.FortID,
		ErrorURL:       errorPathBase + payload.FortID,
		PollToken:      token,
		PollExpires:    expires,
		MaxAttempts:    waitMaxAttempts,
		WaitTimeMillis: waitIntervalMillis,
		Fields:         fields,
	}, nil
}

// HandleFeedback processes the server-to-server webhook, the only path that
// settles an order. The returned error classifies the transport response:
// ErrUnresolvable and signature.ErrBadSignature map to 400, everything else
// (including nil after a swallowed condition) maps to 200 so the gateway does
// not redeliver conditions that can never succeed.
func (p *Processor) HandleFeedback(ctx context.Context, fields map[string]string) error {
	payload := PayloadFromFields(fields)
	ctx = logcontext.AppendCtx(ctx, slog.String("merchantReference", payload.MerchantReference))

	order, site, err := p.resolve(ctx, payload.MerchantReference)
	if err != nil {
		p.auditor.Record(ctx, audit.ActionResponseInvalidOrder, nil, map[string]any{
			"merchant_reference":    payload.MerchantReference,
			"order_status":          "none",
			"required_order_status": string(db.OrderStatusProcessing),
		})
		p.logger.WarnContext(ctx, "Unable to resolve order or site from merchant reference", "error", err)
		feedbackUnresolvableCounter.Inc()
		return ErrUnresolvable
	}

	ctx = logcontext.AppendCtx(ctx, slog.Int64("orderId", order.ID))
	p.auditor.Record(ctx, audit.ActionReceivedResponse, &order.ID, map[string]any{"data": fields})

	err = signature.Verify(p.cfg.ResponseShaPhrase, p.cfg.ShaMethod, fields, payload.Signature)
	if err != nil {
		p.auditor.Record(ctx, audit.ActionBadResponseSignature, &order.ID, map[string]any{"data": fields})
		p.logger.ErrorContext(ctx, "Invalid signature received in webhook")
		feedbackBadSignatureCounter.Inc()
		return err
	}

	if payload.Status != SuccessStatus {
		p.logger.WarnContext(ctx, "Payment unsuccessful", "status", payload.Status)
		feedbackNotSuccessCounter.Inc()
		return nil
	}

	if order.Status != db.OrderStatusProcessing {
		p.auditor.Record(ctx, audit.ActionResponseInvalidOrder, &order.ID, map[string]any{
			"order_status":          string(order.Status),
			"required_order_status": string(db.OrderStatusProcessing),
		})
		p.logger.WarnContext(ctx, "Order in invalid status", "status", order.Status)
		feedbackInvalidStateCounter.Inc()
		return nil
	}

	// Format problems after a valid signature are audited and swallowed:
	// the gateway retrying will not fix a missing field.
	if err := payload.Validate(); err != nil {
		p.auditor.Record(ctx, audit.ActionResponseInvalidData, &order.ID, map[string]any{"error": err.Error()})
		p.logger.ErrorContext(ctx, "Response validation failed", "error", err)
		feedbackInvalidFormatCounter.Inc()
		return nil
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		p.auditor.Record(ctx, audit.ActionResponseInvalidData, &order.ID, map[string]any{
			"error": fmt.Sprintf("unparseable amount: %s", payload.Amount),
		})
		p.logger.ErrorContext(ctx, "Unparseable amount in response", "amount", payload.Amount)
		feedbackInvalidFormatCounter.Inc()
		return nil
	}

	rawResponse, _ := json.Marshal(fields)

	startTime := time.Now()
	p.logger.InfoContext(ctx, "Recording payment transaction")
	txn, err := p.settler.Settle(ctx, db.SettleParams{
		OrderID:              order.ID,
		Gateway:              Gateway,
		GatewayTransactionID: payload.FortID,
		Status:               payload.ResponseMessage,
		Method:               payload.PaymentOption,
		Amount:               amount,
		Currency:             payload.Currency,
		Reason:               payload.AcquirerResponseMessage,
		Response:             rawResponse,
	})
	settlementDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))

	if err != nil {
		switch {
		case errors.Is(err, db.ErrDuplicateTransaction):
			p.auditor.Record(ctx, audit.ActionDuplicateTransaction, &order.ID, map[string]any{
				"transaction_id": payload.FortID,
				"order_status":   string(order.Status),
			})
			p.logger.WarnContext(ctx, "Duplicate transaction", "transactionId", payload.FortID)
			feedbackDuplicateCounter.Inc()
		case errors.Is(err, db.ErrStaleOrder):
			// a concurrent delivery won the status flip between our state
			// check and the commit
			p.auditor.Record(ctx, audit.ActionResponseInvalidOrder, &order.ID, map[string]any{
				"order_status":          "concurrently settled",
				"required_order_status": string(db.OrderStatusProcessing),
			})
			p.logger.WarnContext(ctx, "Order settled concurrently", "transactionId", payload.FortID)
			feedbackInvalidStateCounter.Inc()
		default:
			p.auditor.Record(ctx, audit.ActionTransactionRolledBack, &order.ID, map[string]any{
				"transaction_id": payload.FortID,
				"order_id":       order.ID,
				"site_id":        site.ID,
			})
			p.logger.ErrorContext(ctx, "Payment transaction failed and rolled back", "error", err)
			feedbackRolledBackCounter.Inc()
		}
		return nil
	}

	feedbackSettledCounter.Inc()
	p.finalize(ctx, order.ID, txn)
	return nil
}

// finalize is the best-effort half of settlement: invoice and fulfillment run
// after the commit and their failure leaves the order paid, logged for manual
// reconciliation.
func (p *Processor) finalize(ctx context.Context, orderID int64, txn *db.TransactionEntity) {
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to reload order after settlement", "error", err)
		return
	}

	items, err := p.orders.GetItems(ctx, orderID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to load order items for invoicing", "error", err)
		return
	}

	invoice, err := p.issuer.CreateInvoice(ctx, order, items, txn)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to create invoice", "error", err)
		return
	}

	if err := p.fulfill.Fulfill(ctx, order); err != nil {
		p.logger.ErrorContext(ctx, "Failed to fulfill order", "error", err)
		return
	}

	p.auditor.Record(ctx, audit.ActionOrderFulfilled, &order.ID, map[string]any{})
	p.logger.InfoContext(ctx, "Successfully fulfilled order", "invoice", invoice.InvoiceNumber)
}

type StatusResult struct {
	HTTPStatus   int
	Invoice      string
	InvoiceURL   string
	ErrorMessage string
}

// HandleStatus implements the authenticated status poll: 200 with invoice
// details once the order is paid and invoiced, 204 while still in flight,
// 404 for unresolvable references or unexpected order states.
func (p *Processor) HandleStatus(ctx context.Context, transactionID, merchantReference string) *StatusResult {
	_, orderID, err := SplitReference(merchantReference)
	if err == nil {
		var order *db.OrderEntity
		order, err = p.orders.GetByID(ctx, orderID)
		if err == nil {
			return p.statusForOrder(ctx, order, transactionID)
		}
	}

	p.auditor.Record(ctx, audit.ActionResponseInvalidOrder, nil, map[string]any{
		"merchant_reference":    merchantReference,
		"order_status":          "none",
		"required_order_status": string(db.OrderStatusProcessing),
	})
	return &StatusResult{
		HTTPStatus:   404,
		ErrorMessage: fmt.Sprintf("merchant_reference: %s is invalid. Unable to retrieve order.", merchantReference),
	}
}

func (p *Processor) statusForOrder(ctx context.Context, order *db.OrderEntity, transactionID string) *StatusResult {
	switch order.Status {
	case db.OrderStatusPaid:
		invoice, err := p.invoices.GetPaidByTransaction(ctx, order.ID, Gateway, transactionID)
		if err != nil {
			msg := "Order is in paid status, unable to retrieve invoice with given transaction id."
			p.logger.ErrorContext(ctx, msg, "orderId", order.ID, "transactionId", transactionID)
			return &StatusResult{HTTPStatus: 204, ErrorMessage: msg}
		}
		return &StatusResult{
			HTTPStatus: 200,
			Invoice:    invoice.InvoiceNumber,
			InvoiceURL: "/invoices/" + invoice.InvoiceNumber,
		}
	case db.OrderStatusProcessing:
		return &StatusResult{HTTPStatus: 204}
	default:
		return &StatusResult{
			HTTPStatus:   404,
			ErrorMessage: fmt.Sprintf("order is in status: %s.", order.Status),
		}
	}
}

func (p *Processor) resolve(ctx context.Context, merchantReference string) (*db.OrderEntity, *db.SiteEntity, error) {
	siteID, orderID, err := SplitReference(merchantReference)
	if err != nil {
		return nil, nil, err
	}

	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "resolving order %d", orderID)
	}

	site, err := p.sites.GetByID(ctx, siteID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "resolving site %d", siteID)
	}
	return order, site, nil
}

// resolveOrderIDForAudit makes a best-effort attempt to tie a bad-signature
// audit event to an order; the event is written either way.
func (p *Processor) resolveOrderIDForAudit(ctx context.Context, merchantReference string) *int64 {
	_, orderID, err := SplitReference(merchantReference)
	if err != nil {
		return nil
	}
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil
	}
	return &order.ID
}
