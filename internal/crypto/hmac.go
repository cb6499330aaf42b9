// Package crypto signs requests sent to the execution dispatcher and opens
// its sealed credentials.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried on every signed dispatcher request.
const (
	HeaderKey       = "X-PG-KEY"
	HeaderTimestamp = "X-PG-TIMESTAMP"
	HeaderSignature = "X-PG-SIGNATURE"
)

// HMACAuth holds dispatcher API credentials.
type HMACAuth struct {
	Key    string // API key
	Secret string // base64-encoded; raw bytes are used if it does not decode
}

// Headers returns the auth headers for a request. The signature is
// base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: h.sign(ts + method + path + body),
	}
}

// Verify reports whether sig is a valid signature for the request, and
// that ts is within maxSkew of now.
func (h *HMACAuth) Verify(method, path, body, ts, sig string, now time.Time, maxSkew time.Duration) bool {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if maxSkew > 0 && skew > maxSkew {
		return false
	}
	want := h.sign(ts + method + path + body)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (h *HMACAuth) sign(message string) string {
	key, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		key = []byte(h.Secret)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
