package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// The aggregator authenticates every call with an HMAC header:
//
//	Authorization: HMAC-SHA256 apiKey=<k>, date=<ISO8601>, salt=<random>,
//	               signature=hex(HMAC-SHA256(secret, date+salt))
//
// The date must be current (the aggregator rejects stale signatures) and the
// salt must be unique per request.

func newSalt() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func sign(secret, date, salt string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(date + salt))
	return hex.EncodeToString(mac.Sum(nil))
}

// authHeader builds the Authorization header value for one request.
func authHeader(apiKey, apiSecret string, now time.Time, salt string) string {
	date := now.UTC().Format(time.RFC3339)
	return fmt.Sprintf("HMAC-SHA256 apiKey=%s, date=%s, salt=%s, signature=%s",
		apiKey, date, salt, sign(apiSecret, date, salt))
}
