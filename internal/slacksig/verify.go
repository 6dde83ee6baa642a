// Package slacksig verifies Slack request signatures
// (X-Slack-Signature / X-Slack-Request-Timestamp).
package slacksig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxSkew is the widest accepted gap between the request timestamp and now.
// Requests outside the window are rejected to blunt replay attempts.
const MaxSkew = 5 * time.Minute

const versionPrefix = "v0"

// Verify checks a Slack signing-secret signature over the raw request body.
func Verify(signingSecret, signature, timestamp string, body []byte, now time.Time) error {
	signingSecret = strings.TrimSpace(signingSecret)
	if signingSecret == "" {
		return fmt.Errorf("signing secret is required")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("missing signature header")
	}
	timestamp = strings.TrimSpace(timestamp)
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request timestamp")
	}
	if now.IsZero() {
		now = time.Now()
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return fmt.Errorf("request timestamp outside allowed window")
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "%s:%s:", versionPrefix, timestamp)
	mac.Write(body)
	expected := versionPrefix + "=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
