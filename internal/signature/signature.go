// Package signature implements the webhook signature scheme.
//
// The header value is "t=<unix seconds>,v1=<hex HMAC-SHA256>", where the HMAC
// is keyed by the endpoint secret and computed over "<t>.<raw body>". Receivers
// implement the same check independently, so the format must stay bit-exact.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Header is the request header carrying the signature.
const Header = "Webhook-Signature"

// DefaultTolerance is the accepted clock skew between signer and verifier.
const DefaultTolerance = 300 * time.Second

// Sign returns the signature header value for payload at time now.
func Sign(payload []byte, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return "t=" + ts + ",v1=" + compute(ts, payload, secret)
}

// Verify checks header against payload and secret. It fails closed on any
// parse problem, on a timestamp outside tolerance and on a digest mismatch.
func Verify(payload []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	ts, sig, ok := parse(header)
	if !ok {
		return false
	}
	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Unix() - t
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(tolerance/time.Second) {
		return false
	}

	expected := compute(ts, payload, secret)
	// length check first, then XOR-accumulate over every byte
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

// Verifier binds a secret and clock for repeated checks.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v Verifier) Verify(payload []byte, header string) bool {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	return Verify(payload, header, v.Secret, v.Tolerance, now())
}

func compute(ts string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parse(header string) (ts, sig string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	return ts, sig, ts != "" && sig != ""
}
