package payment

import (
	"github.com/pkg/errors"

	"payfort-service/internal/config"
	"payfort-service/internal/db"
	"payfort-service/internal/signature"
)

// Initiator builds the signed parameter set posted to the gateway's payment
// page. It reads configuration and the order; it never mutates order state.
type Initiator struct {
	cfg     config.Gateway
	amounts AmountPolicy
}

func NewInitiator(cfg config.Gateway, amounts AmountPolicy) *Initiator {
	return &Initiator{cfg: cfg, amounts: amounts}
}

func (i *Initiator) BuildParams(order *db.OrderEntity, items []db.OrderItemEntity, site *db.SiteEntity) (map[string]string, error) {
	if len(items) == 0 {
		return nil, errors.Errorf("order %d has no items", order.ID)
	}
	currency := items[0].Currency
	if currency == "" {
		return nil, errors.Errorf("order %d has no currency", order.ID)
	}

	params := map[string]string{
		"command":             "PURCHASE",
		"access_code":         i.cfg.AccessCode,
		"merchant_identifier": i.cfg.MerchantIdentifier,
		"merchant_reference":  FormatReference(site.ID, order.ID),
		"customer_email":      order.UserEmail,
		"return_url":          i.cfg.ReturnURL,
		"language":            "en",
		"amount":              i.amounts.Format(order.Total(items)),
		"currency":            currency,
		"order_description":   order.Description,
	}

	signed, err := signature.Sign(i.cfg.RequestShaPhrase, i.cfg.ShaMethod, params)
	if err != nil {
		return nil, errors.Wrap(err, "signing transaction parameters")
	}

	params["signature"] = signed
	params["payment_page_url"] = i.cfg.RedirectURL
	return params, nil
}
