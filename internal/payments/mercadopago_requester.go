package payments

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

const (
	mpIdempotencyHeader = "X-Idempotency-Key"
	mpDefaultTimeout    = 10 * time.Second
	mpMaxAttempts       = 3
)

type mpIdempotencyKeyCtx struct{}

// withMPIdempotencyKey makes the SDK send key instead of its per-request random value.
func withMPIdempotencyKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, mpIdempotencyKeyCtx{}, key)
}

func mpIdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(mpIdempotencyKeyCtx{}).(string)
	return key
}

// mpRequester replaces the SDK's default requester. It pins X-Idempotency-Key to the caller's key
// and retries throttled or 5xx responses with the same key.
type mpRequester struct {
	client   *http.Client
	attempts int
	backoff  func() gax.Backoff
}

func newMPRequester(client *http.Client) *mpRequester {
	if client == nil {
		client = &http.Client{Timeout: mpDefaultTimeout}
	}
	return &mpRequester{
		client:   client,
		attempts: mpMaxAttempts,
		backoff: func() gax.Backoff {
			return gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
		},
	}
}

func (r *mpRequester) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if key := mpIdempotencyKeyFrom(ctx); key != "" {
		req.Header.Set(mpIdempotencyHeader, key)
	}

	bo := r.backoff()
	for attempt := 1; ; attempt++ {
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := r.client.Do(req)
		if attempt >= r.attempts || !mpRetryable(resp, err) || ctx.Err() != nil {
			return resp, err
		}
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return nil, err
		}
	}
}

func mpRetryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}
