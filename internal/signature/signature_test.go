package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var headerRe = regexp.MustCompile(`^t=\d+,v1=[0-9a-f]{64}$`)

func TestSignFormat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := Sign([]byte(`{"id":"evt_1"}`), "whsec_abc", now)

	require.Regexp(t, headerRe, h)
	assert.Contains(t, h, "t=1700000000,")
}

func TestSignIsBitExact(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"subscription.created"}`)
	secret := "whsec_test"
	now := time.Unix(1712345678, 0)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", now.Unix(), payload)))
	want := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(mac.Sum(nil)))

	assert.Equal(t, want, Sign(payload, secret, now))
}

func TestVerifyRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte(""),
		[]byte(`{"a":1}`),
		[]byte("line\nbreak, commas=and equals"),
	}
	now := time.Now()
	for _, p := range payloads {
		h := Sign(p, "whsec_secret", now)
		assert.True(t, Verify(p, h, "whsec_secret", DefaultTolerance, now), "payload %q", p)
	}
}

func TestVerifyRejects(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)
	h := Sign(payload, "whsec_a", now)

	cases := map[string]struct {
		payload []byte
		header  string
		secret  string
		at      time.Time
	}{
		"wrong secret":        {payload, h, "whsec_b", now},
		"tampered payload":    {[]byte(`{"id":"evt_2"}`), h, "whsec_a", now},
		"expired":             {payload, h, "whsec_a", now.Add(301 * time.Second)},
		"from the future":     {payload, h, "whsec_a", now.Add(-301 * time.Second)},
		"missing t":           {payload, "v1=" + h[len("t=1700000000,v1="):], "whsec_a", now},
		"missing v1":          {payload, "t=1700000000", "whsec_a", now},
		"empty":               {payload, "", "whsec_a", now},
		"bad timestamp":       {payload, "t=abc,v1=00", "whsec_a", now},
		"truncated signature": {payload, h[:len(h)-2], "whsec_a", now},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, Verify(tc.payload, tc.header, tc.secret, DefaultTolerance, tc.at))
		})
	}
}

func TestVerifyAtToleranceBoundary(t *testing.T) {
	payload := []byte("x")
	now := time.Unix(1700000000, 0)
	h := Sign(payload, "s", now)

	assert.True(t, Verify(payload, h, "s", DefaultTolerance, now.Add(300*time.Second)))
	assert.False(t, Verify(payload, h, "s", DefaultTolerance, now.Add(301*time.Second)))
}

func TestVerifierUsesClock(t *testing.T) {
	signedAt := time.Unix(1700000000, 0)
	clock := signedAt
	v := Verifier{Secret: "s", Now: func() time.Time { return clock }}
	h := Sign([]byte("x"), "s", signedAt)

	assert.True(t, v.Verify([]byte("x"), h))
	clock = clock.Add(10 * time.Minute)
	assert.False(t, v.Verify([]byte("x"), h))
}
