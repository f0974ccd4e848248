package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Sign returns the webhook body signature "v1=<hex>" over "<unix ts>.<payload>".
func Sign(secret string, payload []byte, at time.Time) (signature string, timestamp int64) {
	timestamp = at.Unix()
	return sign(secret, payload, timestamp), timestamp
}

func Verify(secret string, payload []byte, timestamp int64, signature string) bool {
	expected := sign(secret, payload, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func sign(secret string, payload []byte, timestamp int64) string {
	toSign := fmt.Sprintf("%d.%s", timestamp, string(payload))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(toSign))
	return fmt.Sprintf("v1=%s", hex.EncodeToString(mac.Sum(nil)))
}

// RobotSign computes the DingTalk robot signature: base64(hmac-sha256("<ms>\n<secret>")).
// The result still needs query escaping.
func RobotSign(secret string, at time.Time) (sign string, timestampMs int64) {
	timestampMs = at.UnixMilli()
	toSign := fmt.Sprintf("%d\n%s", timestampMs, secret)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), timestampMs
}
