package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/llagos04/products-scrapper/internal/fetcher"
)

func TestDomainLimiterHoldDelaysNextWait(t *testing.T) {
	d := NewDomainLimiter(0, RateLimiterSettings{})
	d.Hold("shop.example.com", 60*time.Millisecond)

	start := time.Now()
	if err := d.Wait(context.Background(), "shop.example.com"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected hold to block, waited only %s", elapsed)
	}

	// Other hosts are unaffected.
	start = time.Now()
	if err := d.Wait(context.Background(), "other.example.com"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("unrelated host was held for %s", elapsed)
	}
}

func TestDomainLimiterHoldAfterRateLimit(t *testing.T) {
	d := NewDomainLimiter(0, RateLimiterSettings{})

	if d.HoldAfterRateLimit("shop.example.com", context.Canceled) {
		t.Fatal("unrelated error must not hold the host")
	}

	err := &fetcher.RateLimitError{RetryAfter: 40 * time.Millisecond}
	if !d.HoldAfterRateLimit("shop.example.com", err) {
		t.Fatal("expected rate limit error to hold the host")
	}

	start := time.Now()
	if err := d.Wait(context.Background(), "shop.example.com"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected Retry-After hold, waited only %s", elapsed)
	}
}

func TestDomainLimiterWaitCancellable(t *testing.T) {
	d := NewDomainLimiter(0, RateLimiterSettings{})
	d.Hold("shop.example.com", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx, "shop.example.com"); err == nil {
		t.Fatal("expected context error while held")
	}
}
