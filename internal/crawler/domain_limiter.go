package crawler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/llagos04/products-scrapper/internal/fetcher"
)

// defaultRateLimitHold pauses a host after a 429 without Retry-After.
const defaultRateLimitHold = 15 * time.Second

// RateLimiterSettings configures token-bucket rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

func (r RateLimiterSettings) enabled() bool {
	return r.Requests > 0 && r.Window > 0
}

// DomainLimiter spaces requests to one shop host: a fixed delay between
// consecutive requests, an optional token bucket, and a hold-off set
// when the host answers 429 so every worker backs off together, not
// just the one that was throttled.
type DomainLimiter struct {
	delay time.Duration
	rate  RateLimiterSettings

	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	notBefore time.Time
	bucket    *rate.Limiter
}

// NewDomainLimiter creates a limiter with a fixed inter-request delay
// and optional per-host rate limiting.
func NewDomainLimiter(delay time.Duration, rateCfg RateLimiterSettings) *DomainLimiter {
	return &DomainLimiter{
		delay: delay,
		rate:  rateCfg,
		hosts: make(map[string]*hostState),
	}
}

// Wait blocks until politeness constraints for the host are satisfied.
func (d *DomainLimiter) Wait(ctx context.Context, host string) error {
	if d == nil || host == "" {
		return nil
	}
	st := d.host(host)

	d.mu.Lock()
	pause := time.Until(st.notBefore)
	bucket := st.bucket
	d.mu.Unlock()

	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if bucket != nil {
		if err := bucket.Wait(ctx); err != nil {
			return err
		}
	}

	if d.delay > 0 {
		d.mu.Lock()
		if next := time.Now().Add(d.delay); next.After(st.notBefore) {
			st.notBefore = next
		}
		d.mu.Unlock()
	}
	return nil
}

// Hold pushes back every request to the host until the duration passes.
func (d *DomainLimiter) Hold(host string, duration time.Duration) {
	if d == nil || host == "" || duration <= 0 {
		return
	}
	st := d.host(host)

	d.mu.Lock()
	if until := time.Now().Add(duration); until.After(st.notBefore) {
		st.notBefore = until
	}
	d.mu.Unlock()
}

// HoldAfterRateLimit inspects a fetch error and, when the host answered
// 429, holds the whole host off for the server-mandated wait or a fixed
// politeness pause. Reports whether a hold was applied.
func (d *DomainLimiter) HoldAfterRateLimit(host string, err error) bool {
	if d == nil || err == nil {
		return false
	}
	var rl *fetcher.RateLimitError
	if !errors.As(err, &rl) {
		return false
	}
	hold := rl.RetryAfter
	if hold <= 0 {
		hold = defaultRateLimitHold
	}
	d.Hold(host, hold)
	return true
}

func (d *DomainLimiter) host(host string) *hostState {
	host = strings.ToLower(host)

	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.hosts[host]
	if !ok {
		st = &hostState{}
		if d.rate.enabled() {
			interval := d.rate.Window / time.Duration(d.rate.Requests)
			if interval <= 0 {
				interval = time.Millisecond
			}
			st.bucket = rate.NewLimiter(rate.Every(interval), d.rate.Requests)
		}
		d.hosts[host] = st
	}
	return st
}
