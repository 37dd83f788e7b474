package payment

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"payfort-service/internal/signature"
)

// pollTokenTTL bounds how long a rendered wait page may keep polling the
// status endpoint. Generous against the page's own two-minute retry window
// so a slow redirect never invalidates a live page.
const pollTokenTTL = 15 * time.Minute

var ErrExpiredToken = errors.New("poll token expired")

// mintPollToken issues the credential embedded in the wait page: the gateway
// signature over the poll parameters plus a unix expiry, computed with the
// response phrase. The browser sends it back on every status poll.
func (p *Processor) mintPollToken(transactionID, merchantReference string) (token, expires string, err error) {
	expires = strconv.FormatInt(time.Now().Add(pollTokenTTL).Unix(), 10)
	token, err = signature.Sign(p.cfg.ResponseShaPhrase, p.cfg.ShaMethod,
		pollTokenFields(transactionID, merchantReference, expires))
	return token, expires, err
}

// VerifyPollToken authorizes a wait-page status poll. The token only grants
// access to the exact transaction and reference it was minted for.
func (p *Processor) VerifyPollToken(transactionID, merchantReference, expires, token string) error {
	deadline, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return signature.ErrBadSignature
	}
	if time.Now().Unix() > deadline {
		return ErrExpiredToken
	}
	return signature.Verify(p.cfg.ResponseShaPhrase, p.cfg.ShaMethod,
		pollTokenFields(transactionID, merchantReference, expires), token)
}

func pollTokenFields(transactionID, merchantReference, expires string) map[string]string {
	return map[string]string{
		"transaction_id":     transactionID,
		"merchant_reference": merchantReference,
		"expires":            expires,
	}
}
