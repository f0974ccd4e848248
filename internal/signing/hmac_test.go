package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {
	at := time.Unix(1700000000, 0)
	payload := []byte(`{"messageId":"abc"}`)

	sig, ts := Sign("whsec", payload, at)
	assert.Equal(t, int64(1700000000), ts)
	assert.True(t, strings.HasPrefix(sig, "v1="))
	assert.True(t, Verify("whsec", payload, ts, sig))
	assert.False(t, Verify("other", payload, ts, sig))
	assert.False(t, Verify("whsec", []byte("tampered"), ts, sig))
	assert.False(t, Verify("whsec", payload, ts+1, sig))
}

func TestRobotSign(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	sign, ts := RobotSign("SECxyz", at)
	assert.Equal(t, int64(1700000000123), ts)

	mac := hmac.New(sha256.New, []byte("SECxyz"))
	mac.Write([]byte("1700000000123\nSECxyz"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), sign)
}
