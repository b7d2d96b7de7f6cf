package delta

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign returns the hex HMAC-SHA256 of method + timestamp + path + query + body.
// query must include its leading "?" when non-empty.
func sign(secret, method, timestamp, path, query, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + timestamp + path + query + body))
	return hex.EncodeToString(mac.Sum(nil))
}
