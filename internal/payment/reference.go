package payment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedReference = errors.New("malformed merchant reference")

// FormatReference builds the merchant reference echoed back by the gateway in
// every callback.
func FormatReference(siteID, orderID int64) string {
	return fmt.Sprintf("%d-%d", siteID, orderID)
}

// SplitReference parses a merchant reference back into its site and order ids.
// The reference must split into exactly two non-empty tokens on the first
// dash; anything else is ErrMalformedReference.
func SplitReference(reference string) (siteID, orderID int64, err error) {
	left, right, found := strings.Cut(reference, "-")
	if !found || left == "" || right == "" {
		return 0, 0, ErrMalformedReference
	}

	siteID, err = strconv.ParseInt(left, 10, 64)
	if err != nil {
		return 0, 0, ErrMalformedReference
	}
	orderID, err = strconv.ParseInt(right, 10, 64)
	if err != nil {
		return 0, 0, ErrMalformedReference
	}
	return siteID, orderID, nil
}
