package payment

import (
	"fmt"
	"net/url"
	"strings"
)

// Payload is the typed view of a gateway callback. The raw field map is kept
// alongside because signature verification runs over every field the gateway
// sent, not just the ones this service consumes.
type Payload struct {
	MerchantReference       string
	FortID                  string
	Status                  string
	ResponseCode            string
	ResponseMessage         string
	PaymentOption           string
	Amount                  string
	Currency                string
	AcquirerResponseMessage string
	Signature               string

	fields map[string]string
}

func ParsePayload(form url.Values) *Payload {
	fields := make(map[string]string, len(form))
	for key := range form {
		fields[key] = form.Get(key)
	}
	return PayloadFromFields(fields)
}

func PayloadFromFields(fields map[string]string) *Payload {
	return &Payload{
		MerchantReference:       fields["merchant_reference"],
		FortID:                  fields["fort_id"],
		Status:                  fields["status"],
		ResponseCode:            fields["response_code"],
		ResponseMessage:         fields["response_message"],
		PaymentOption:           fields["payment_option"],
		Amount:                  fields["amount"],
		Currency:                fields["currency"],
		AcquirerResponseMessage: fields["acquirer_response_message"],
		Signature:               fields["signature"],
		fields:                  fields,
	}
}

func (p *Payload) Fields() map[string]string {
	return p.fields
}

type InvalidFormatError struct {
	Missing []string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("mandatory response fields missing: %s", strings.Join(e.Missing, ", "))
}

// Validate checks that every field consumed downstream is present and
// non-empty. It runs only after signature verification has passed.
func (p *Payload) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"fort_id", p.FortID},
		{"status", p.Status},
		{"response_message", p.ResponseMessage},
		{"payment_option", p.PaymentOption},
		{"amount", p.Amount},
		{"currency", p.Currency},
		{"merchant_reference", p.MerchantReference},
	}

	var missing []string
	for _, field := range required {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return &InvalidFormatError{Missing: missing}
	}
	return nil
}
