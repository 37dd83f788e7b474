package payment_test

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"payfort-service/internal/audit"
	"payfort-service/internal/db"
	"payfort-service/internal/payment"
	"payfort-service/internal/signature"
)

type auditedEvent struct {
	action  string
	orderID *int64
	context map[string]any
}

type fakeAuditor struct {
	events []auditedEvent
}

func (f *fakeAuditor) Record(_ context.Context, action string, orderID *int64, eventContext map[string]any) {
	f.events = append(f.events, auditedEvent{action: action, orderID: orderID, context: eventContext})
}

func (f *fakeAuditor) actions() []string {
	var actions []string
	for _, event := range f.events {
		actions = append(actions, event.action)
	}
	return actions
}

type fakeOrders struct {
	orders map[int64]*db.OrderEntity
	items  map[int64][]db.OrderItemEntity
}

func (f *fakeOrders) GetByID(_ context.Context, id int64) (*db.OrderEntity, error) {
	if order, ok := f.orders[id]; ok {
		return order, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeOrders) GetItems(_ context.Context, orderID int64) ([]db.OrderItemEntity, error) {
	return f.items[orderID], nil
}

type fakeSites struct {
	sites map[int64]*db.SiteEntity
}

func (f *fakeSites) GetByID(_ context.Context, id int64) (*db.SiteEntity, error) {
	if site, ok := f.sites[id]; ok {
		return site, nil
	}
	return nil, db.ErrNotFound
}

type fakeSettler struct {
	err    error
	orders *fakeOrders
	params []db.SettleParams
}

func (f *fakeSettler) Settle(_ context.Context, params db.SettleParams) (*db.TransactionEntity, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	if order, ok := f.orders.orders[params.OrderID]; ok {
		order.Status = db.OrderStatusPaid
	}
	return &db.TransactionEntity{
		ID:                   uuid.New(),
		OrderID:              params.OrderID,
		Gateway:              params.Gateway,
		GatewayTransactionID: params.GatewayTransactionID,
		Amount:               params.Amount,
		Currency:             params.Currency,
	}, nil
}

type fakeIssuer struct {
	err   error
	calls int
}

func (f *fakeIssuer) CreateInvoice(_ context.Context, _ *db.OrderEntity, _ []db.OrderItemEntity, txn *db.TransactionEntity) (*db.InvoiceEntity, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &db.InvoiceEntity{InvoiceNumber: "INV-100", TransactionID: txn.ID}, nil
}

type fakeInvoices struct {
	invoice *db.InvoiceEntity
	err     error
}

func (f *fakeInvoices) GetPaidByTransaction(_ context.Context, _ int64, _, _ string) (*db.InvoiceEntity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.invoice, nil
}

type fakeFulfiller struct {
	err   error
	calls int
}

func (f *fakeFulfiller) Fulfill(_ context.Context, _ *db.OrderEntity) error {
	f.calls++
	return f.err
}

type processorEnv struct {
	orders    *fakeOrders
	sites     *fakeSites
	settler   *fakeSettler
	auditor   *fakeAuditor
	issuer    *fakeIssuer
	invoices  *fakeInvoices
	fulfiller *fakeFulfiller
	sut       *payment.Processor
}

func newProcessorEnv() *processorEnv {
	orders := &fakeOrders{
		orders: map[int64]*db.OrderEntity{
			42: {ID: 42, SiteID: 1, UserEmail: "user3@example.com", Status: db.OrderStatusProcessing},
		},
		items: map[int64][]db.OrderItemEntity{
			42: {{
				OrderID:       42,
				SKU:           "custom-sku-1",
				OriginalPrice: decimal.RequireFromString("150.00"),
				FinalPrice:    decimal.RequireFromString("150.00"),
				Currency:      "SAR",
			}},
		},
	}

	env := &processorEnv{
		orders:    orders,
		sites:     &fakeSites{sites: map[int64]*db.SiteEntity{1: {ID: 1, Domain: "test.com"}}},
		settler:   &fakeSettler{orders: orders},
		auditor:   &fakeAuditor{},
		issuer:    &fakeIssuer{},
		invoices:  &fakeInvoices{},
		fulfiller: &fakeFulfiller{},
	}

	env.sut = payment.NewProcessor(
		gatewayConfig(),
		env.orders,
		env.sites,
		env.settler,
		env.auditor,
		env.issuer,
		env.invoices,
		env.fulfiller,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return env
}

// signedResponse builds a callback payload carrying a valid response
// signature, optionally mutated before signing.
func signedResponse(t *testing.T, mutate func(map[string]string)) map[string]string {
	fields := map[string]string{
		"merchant_reference":        "1-42",
		"fort_id":                   "169996200024611493",
		"status":                    "14",
		"response_code":             "14000",
		"response_message":          "Success",
		"payment_option":            "VISA",
		"amount":                    "150",
		"currency":                  "SAR",
		"acquirer_response_message": "Success",
	}
	if mutate != nil {
		mutate(fields)
	}

	signed, err := signature.Sign("test-response-phrase", signature.MethodSHA256, fields)
	assert.NoError(t, err)
	fields["signature"] = signed
	return fields
}

func TestHandleFeedback_MalformedReference(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, func(fields map[string]string) {
		fields["merchant_reference"] = "bad-format"
	})

	err := env.sut.HandleFeedback(context.Background(), fields)

	assert.ErrorIs(t, err, payment.ErrUnresolvable)
	assert.Equal(t, []string{audit.ActionResponseInvalidOrder}, env.auditor.actions())
	assert.Nil(t, env.auditor.events[0].orderID)
	assert.Empty(t, env.settler.params)
}

func TestHandleFeedback_UnknownOrder(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, func(fields map[string]string) {
		fields["merchant_reference"] = "1-99999"
	})

	err := env.sut.HandleFeedback(context.Background(), fields)

	assert.ErrorIs(t, err, payment.ErrUnresolvable)
	assert.Empty(t, env.settler.params)
}

func TestHandleFeedback_UnknownSite(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, func(fields map[string]string) {
		fields["merchant_reference"] = "10000-42"
	})

	err := env.sut.HandleFeedback(context.Background(), fields)

	assert.ErrorIs(t, err, payment.ErrUnresolvable)
	assert.Empty(t, env.settler.params)
}

func TestHandleFeedback_BadSignature(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, nil)
	fields["signature"] = "invalid"

	err := env.sut.HandleFeedback(context.Background(), fields)

	assert.ErrorIs(t, err, signature.ErrBadSignature)
	assert.Equal(t, []string{audit.ActionReceivedResponse, audit.ActionBadResponseSignature}, env.auditor.actions())
	assert.Equal(t, int64(42), *env.auditor.events[1].orderID)
	assert.Empty(t, env.settler.params)
}

func TestHandleFeedback_UnsuccessfulStatus(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, func(fields map[string]string) {
		fields["status"] = "20"
	})

	err := env.sut.HandleFeedback(context.Background(), fields)

	assert.NoError(t, err)
	assert.Equal(t, []string{audit.ActionReceivedResponse}, env.auditor.actions())
	assert.Empty(t, env.settler.params)
}

func TestHandleFeedback_StaleOrderState(t *testing.T) {
	env := newProcessorEnv()
	env.orders.orders[42].Status = db.OrderStatusPending

	err := env.sut.HandleFeedback(context.Background(), signedResponse(t, nil))

	assert.NoError(t, err)
	assert.Contains(t, env.auditor.actions(), audit.ActionResponseInvalidOrder)
	assert.Empty(t, env.settler.params)
	assert.Equal(t, db.OrderStatusPending, env.orders.orders[42].Status)
}

func TestHandleFeedback_InvalidFormatSwallowed(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, func(fields map[string]string) {
		delete(fields, "payment_option")
	})

	err := env.sut.HandleFeedback(context.Background(), fields)

	assert.NoError(t, err)
	assert.Contains(t, env.auditor.actions(), audit.ActionResponseInvalidData)
	assert.Empty(t, env.settler.params)
}

func TestHandleFeedback_DuplicateTransaction(t *testing.T) {
	env := newProcessorEnv()
	env.settler.err = db.ErrDuplicateTransaction

	err := env.sut.HandleFeedback(context.Background(), signedResponse(t, nil))

	assert.NoError(t, err)
	assert.Contains(t, env.auditor.actions(), audit.ActionDuplicateTransaction)
	assert.Equal(t, 0, env.fulfiller.calls)
	assert.Equal(t, 0, env.issuer.calls)
}

func TestHandleFeedback_SettlementRolledBack(t *testing.T) {
	env := newProcessorEnv()
	env.settler.err = errors.New("constraint violation")

	err := env.sut.HandleFeedback(context.Background(), signedResponse(t, nil))

	assert.NoError(t, err)
	assert.Contains(t, env.auditor.actions(), audit.ActionTransactionRolledBack)
	assert.Equal(t, 0, env.fulfiller.calls)
	assert.Equal(t, db.OrderStatusProcessing, env.orders.orders[42].Status)
}

func TestHandleFeedback_Success(t *testing.T) {
	env := newProcessorEnv()

	err := env.sut.HandleFeedback(context.Background(), signedResponse(t, nil))

	assert.NoError(t, err)
	assert.Len(t, env.settler.params, 1)

	params := env.settler.params[0]
	assert.Equal(t, int64(42), params.OrderID)
	assert.Equal(t, payment.Gateway, params.Gateway)
	assert.Equal(t, "169996200024611493", params.GatewayTransactionID)
	assert.Equal(t, "Success", params.Status)
	assert.Equal(t, "VISA", params.Method)
	assert.Equal(t, "150", params.Amount.String())
	assert.Equal(t, "SAR", params.Currency)

	assert.Equal(t, db.OrderStatusPaid, env.orders.orders[42].Status)
	assert.Equal(t, 1, env.issuer.calls)
	assert.Equal(t, 1, env.fulfiller.calls)
	assert.Contains(t, env.auditor.actions(), audit.ActionOrderFulfilled)
}

func TestHandleFeedback_FulfillmentFailureKeepsSettlement(t *testing.T) {
	env := newProcessorEnv()
	env.fulfiller.err = errors.New("enrollment failed")

	err := env.sut.HandleFeedback(context.Background(), signedResponse(t, nil))

	assert.NoError(t, err)
	assert.Len(t, env.settler.params, 1)
	assert.Equal(t, db.OrderStatusPaid, env.orders.orders[42].Status)
	assert.Equal(t, 1, env.fulfiller.calls)
	assert.NotContains(t, env.auditor.actions(), audit.ActionOrderFulfilled)
}

func TestHandleFeedback_InvoiceFailureKeepsSettlement(t *testing.T) {
	env := newProcessorEnv()
	env.issuer.err = errors.New("invoice sequence exhausted")

	err := env.sut.HandleFeedback(context.Background(), signedResponse(t, nil))

	assert.NoError(t, err)
	assert.Equal(t, db.OrderStatusPaid, env.orders.orders[42].Status)
	assert.Equal(t, 0, env.fulfiller.calls)
	assert.NotContains(t, env.auditor.actions(), audit.ActionOrderFulfilled)
}

func TestHandleReturn_BadSignature(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, nil)
	fields["signature"] = "invalid"

	wait, err := env.sut.HandleReturn(context.Background(), fields)

	assert.Nil(t, wait)
	assert.ErrorIs(t, err, signature.ErrBadSignature)
	assert.Equal(t, []string{audit.ActionBadResponseSignature}, env.auditor.actions())
	assert.Equal(t, int64(42), *env.auditor.events[0].orderID)
}

func TestHandleReturn_BadSignatureUnresolvableOrder(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, func(fields map[string]string) {
		fields["merchant_reference"] = "bad-format"
	})
	fields["signature"] = "invalid"

	wait, err := env.sut.HandleReturn(context.Background(), fields)

	assert.Nil(t, wait)
	assert.ErrorIs(t, err, signature.ErrBadSignature)
	// audited even though no order could be resolved
	assert.Equal(t, []string{audit.ActionBadResponseSignature}, env.auditor.actions())
	assert.Nil(t, env.auditor.events[0].orderID)
}

func TestHandleReturn_UnsuccessfulStatus(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, func(fields map[string]string) {
		fields["status"] = "20"
	})

	wait, err := env.sut.HandleReturn(context.Background(), fields)

	assert.Nil(t, wait)
	assert.ErrorIs(t, err, payment.ErrNotSuccessful)
	assert.Empty(t, env.settler.params)
}

func TestHandleReturn_InvalidFormat(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, func(fields map[string]string) {
		delete(fields, "response_message")
	})

	wait, err := env.sut.HandleReturn(context.Background(), fields)

	assert.Nil(t, wait)
	var formatErr *payment.InvalidFormatError
	assert.ErrorAs(t, err, &formatErr)
}

func TestHandleReturn_Success(t *testing.T) {
	env := newProcessorEnv()

	fields := signedResponse(t, nil)
	wait, err := env.sut.HandleReturn(context.Background(), fields)

	assert.NoError(t, err)
	assert.Equal(t, "169996200024611493", wait.TransactionID)
	assert.Equal(t, "/payfort/status", wait.StatusURL)
	assert.Equal(t, "/payments/success/169996200024611493", wait.SuccessURL)
	assert.Equal(t, "/payments/error/169996200024611493", wait.ErrorURL)
	assert.Equal(t, 24, wait.MaxAttempts)
	assert.Equal(t, 5000, wait.WaitTimeMillis)
	assert.Equal(t, fields, wait.Fields)

	// the rendered page must be able to authenticate its own polls
	assert.NotEmpty(t, wait.PollToken)
	assert.NotEmpty(t, wait.PollExpires)
	assert.NoError(t, env.sut.VerifyPollToken(wait.TransactionID, "1-42", wait.PollExpires, wait.PollToken))

	// the redirect path never settles; that is the webhook's job
	assert.Empty(t, env.settler.params)
}

func TestVerifyPollToken_Rejections(t *testing.T) {
	env := newProcessorEnv()

	wait, err := env.sut.HandleReturn(context.Background(), signedResponse(t, nil))
	assert.NoError(t, err)

	// tampered token
	err = env.sut.VerifyPollToken(wait.TransactionID, "1-42", wait.PollExpires, "invalid")
	assert.ErrorIs(t, err, signature.ErrBadSignature)

	// token bound to a different transaction
	err = env.sut.VerifyPollToken("other-transaction", "1-42", wait.PollExpires, wait.PollToken)
	assert.ErrorIs(t, err, signature.ErrBadSignature)

	// unparseable expiry
	err = env.sut.VerifyPollToken(wait.TransactionID, "1-42", "soon", wait.PollToken)
	assert.ErrorIs(t, err, signature.ErrBadSignature)

	// expired token, even when correctly signed for that expiry
	past := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	staleToken, err := signature.Sign("test-response-phrase", signature.MethodSHA256, map[string]string{
		"transaction_id":     wait.TransactionID,
		"merchant_reference": "1-42",
		"expires":            past,
	})
	assert.NoError(t, err)
	err = env.sut.VerifyPollToken(wait.TransactionID, "1-42", past, staleToken)
	assert.ErrorIs(t, err, payment.ErrExpiredToken)
}

func TestHandleStatus_InvalidReference(t *testing.T) {
	env := newProcessorEnv()

	result := env.sut.HandleStatus(context.Background(), "tx123", "1111-2222")

	assert.Equal(t, 404, result.HTTPStatus)
	assert.Equal(t, "merchant_reference: 1111-2222 is invalid. Unable to retrieve order.", result.ErrorMessage)
	assert.Contains(t, env.auditor.actions(), audit.ActionResponseInvalidOrder)
}

func TestHandleStatus_ProcessingOrder(t *testing.T) {
	env := newProcessorEnv()

	result := env.sut.HandleStatus(context.Background(), "tx123", "1-42")

	assert.Equal(t, 204, result.HTTPStatus)
}

func TestHandleStatus_PaidWithInvoice(t *testing.T) {
	env := newProcessorEnv()
	env.orders.orders[42].Status = db.OrderStatusPaid
	env.invoices.invoice = &db.InvoiceEntity{InvoiceNumber: "INV-100"}

	result := env.sut.HandleStatus(context.Background(), "tx123", "1-42")

	assert.Equal(t, 200, result.HTTPStatus)
	assert.Equal(t, "INV-100", result.Invoice)
	assert.Equal(t, "/invoices/INV-100", result.InvoiceURL)
}

func TestHandleStatus_PaidWithoutInvoice(t *testing.T) {
	env := newProcessorEnv()
	env.orders.orders[42].Status = db.OrderStatusPaid
	env.invoices.err = db.ErrNotFound

	result := env.sut.HandleStatus(context.Background(), "tx123", "1-42")

	assert.Equal(t, 204, result.HTTPStatus)
}

func TestHandleStatus_UnknownOrderStatus(t *testing.T) {
	env := newProcessorEnv()
	env.orders.orders[42].Status = "refunded"

	result := env.sut.HandleStatus(context.Background(), "tx123", "1-42")

	assert.Equal(t, 404, result.HTTPStatus)
	assert.Equal(t, "order is in status: refunded.", result.ErrorMessage)
}
