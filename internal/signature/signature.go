package signature

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	MethodSHA256 = "SHA-256"
	MethodSHA512 = "SHA-512"

	// FieldName is excluded from the signed concatenation; the gateway never
	// signs the signature itself.
	FieldName = "signature"
)

var ErrBadSignature = errors.New("signature mismatch")

// Sign builds the gateway signature: field names sorted case-insensitively,
// concatenated as key=value with no separator, wrapped with the SHA phrase on
// both ends and hashed with the configured method. The result is lowercase hex.
// The canonicalization must match the gateway byte for byte or verification
// fails silently on their side.
func Sign(phrase, method string, fields map[string]string) (string, error) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if key == FieldName {
			continue
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		left, right := strings.ToLower(keys[i]), strings.ToLower(keys[j])
		if left == right {
			return keys[i] < keys[j]
		}
		return left < right
	})

	var sb strings.Builder
	sb.WriteString(phrase)
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(fields[key])
	}
	sb.WriteString(phrase)

	switch method {
	case MethodSHA256:
		sum := sha256.Sum256([]byte(sb.String()))
		return hex.EncodeToString(sum[:]), nil
	case MethodSHA512:
		sum := sha512.Sum512([]byte(sb.String()))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported signature method: %s", method)
	}
}

// Verify recomputes the signature over fields and compares it to the claimed
// one in constant time.
func Verify(phrase, method string, fields map[string]string, claimed string) error {
	computed, err := Sign(phrase, method, fields)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(claimed)) != 1 {
		return ErrBadSignature
	}
	return nil
}
