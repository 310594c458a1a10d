package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces the hex signature for a canonical query string. The
// signing scheme belongs to the venue; the client only appends the result as
// the signature parameter.
type Signer func(query string) string

// HMACSigner returns the venue's standard HMAC-SHA256 signer.
func HMACSigner(secret string) Signer {
	return func(query string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(query))
		return hex.EncodeToString(mac.Sum(nil))
	}
}
