package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/hookrelay/internal/signature"
)

const (
	HeaderWebhookID       = "Webhook-Id"
	HeaderWebhookEvent    = "Webhook-Event"
	HeaderWebhookDelivery = "Webhook-Delivery"

	maxResponseBody = 1 << 10
)

// Request is one signed POST to an endpoint.
type Request struct {
	URL        string
	Secret     string
	EventID    string
	EventType  string
	DeliveryID string
	Body       []byte
}

// Result describes what the endpoint did with a Request. Err is set for transport
// failures; a non-2xx StatusCode with a nil Err is an HTTP-level failure.
type Result struct {
	StatusCode int
	Body       string
	Err        error
	Duration   time.Duration
}

func (r Result) OK() bool { return r.Err == nil && r.StatusCode/100 == 2 }

// Reason is the short failure description stored on the delivery.
func (r Result) Reason() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// HTTPSender signs and POSTs envelopes.
type HTTPSender struct {
	client    *http.Client
	userAgent string
	now       func() time.Time
}

func NewHTTPSender(timeout time.Duration, userAgent string) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = "hookrelay/1.0"
	}
	return &HTTPSender{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		now:       time.Now,
	}
}

func (s *HTTPSender) Send(ctx context.Context, r Request) Result {
	start := time.Now()
	res := s.post(ctx, r)
	res.Duration = time.Since(start)
	return res
}

func (s *HTTPSender) post(ctx context.Context, r Request) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return Result{Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(signature.Header, signature.Sign(r.Body, r.Secret, s.now()))
	req.Header.Set(HeaderWebhookID, r.EventID)
	req.Header.Set(HeaderWebhookEvent, r.EventType)
	req.Header.Set(HeaderWebhookDelivery, r.DeliveryID)

	res, err := s.client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, res.Body)

	return Result{StatusCode: res.StatusCode, Body: string(body)}
}
