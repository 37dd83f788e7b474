package payment

import "github.com/shopspring/decimal"

// AmountPolicy converts a decimal order total into the amount string sent to
// the gateway. The scaling convention is gateway-specific, so it is pluggable
// rather than hardcoded.
type AmountPolicy interface {
	Format(total decimal.Decimal) string
}

// TruncatingAmountPolicy drops the fractional part of the total and sends the
// integer value as-is. This matches the gateway account configuration this
// service is integrated against; a minor-unit gateway would use a different
// policy.
type TruncatingAmountPolicy struct{}

func (TruncatingAmountPolicy) Format(total decimal.Decimal) string {
	return total.Truncate(0).String()
}
