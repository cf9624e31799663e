package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is returned by a wrapped client when the guard refuses a
// call without touching the network.
type RateLimitError struct {
	Provider string
	Scope    string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	who := e.Provider
	if e.Scope != "" {
		who += " " + e.Scope
	}
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", who, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", who, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type bucket struct {
	capacity int
	tokens   float64
	last     time.Time
}

// Guard is a token bucket per window plus a pushback cooldown.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu         sync.Mutex
	buckets    map[Window]*bucket
	cooldown   time.Time
	lastStatus int
}

// NewGuard creates a guard with full buckets.
func NewGuard(decl Declaration) *Guard {
	g := &Guard{
		decl:    decl,
		now:     time.Now,
		buckets: make(map[Window]*bucket, len(decl.Limits())),
	}
	start := g.now()
	for window, limit := range decl.Limits() {
		g.buckets[window] = &bucket{capacity: limit, tokens: float64(limit), last: start}
	}
	return g
}

// WrapHTTP returns a copy of base guarded by a fresh guard for decl.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	return NewGuard(decl).Wrap(base)
}

// Wrap returns a copy of base whose transport consults g.
func (g *Guard) Wrap(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{base: transport, guard: g}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall()
	if !decision.Allowed {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, rt.guard.refusal(decision)
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

func (g *Guard) refusal(decision Decision) RateLimitError {
	blockedCounter.WithLabelValues(g.decl.provider, g.decl.scope, decision.Reason).Inc()
	return RateLimitError{
		Provider: g.decl.provider,
		Scope:    g.decl.scope,
		Reason:   decision.Reason,
		RetryAt:  decision.RetryAt,
	}
}

// ShouldCall takes one token from every window, or says why it cannot.
func (g *Guard) ShouldCall() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.decl.HasLimits() {
		return Decision{Reason: "disabled"}
	}

	now := g.now()
	if now.Before(g.cooldown) {
		return Decision{Reason: "cooldown", RetryAt: g.cooldown}
	}

	for window, b := range g.buckets {
		if b.capacity <= 0 {
			return Decision{Reason: "disabled"}
		}
		b.refill(window.Duration(), now)
		if b.tokens < 1 {
			retryAt := b.last.Add(window.Duration() / time.Duration(b.capacity))
			return Decision{Reason: "budget", RetryAt: retryAt}
		}
	}
	for _, b := range g.buckets {
		b.tokens--
	}
	return Decision{Allowed: true}
}

// RecordResponse applies pushback from a response: a pause header wins,
// then the declared cooldown for matching statuses.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastStatus = status
	lastStatusGauge.WithLabelValues(g.decl.provider, g.decl.scope).Set(float64(status))

	now := g.now()
	cfg := g.decl.Headers()
	wait := headerWait(headers, cfg.RetryAfter, now)
	if wait <= 0 {
		wait = headerWait(headers, cfg.ResetAfter, now)
	}
	if wait <= 0 && g.decl.coolsOn(status) {
		wait = g.decl.cooldown
	}
	if wait > 0 {
		g.pauseLocked(now, wait)
	}
}

// pauseLocked extends the cooldown; a shorter pause never cuts an existing
// one.
func (g *Guard) pauseLocked(now time.Time, d time.Duration) {
	until := now.Add(d)
	if until.Before(g.cooldown) {
		return
	}
	g.cooldown = until
	cooldownGauge.WithLabelValues(g.decl.provider, g.decl.scope).Set(d.Seconds())
}

// LastStatus returns the most recent HTTP status seen.
func (g *Guard) LastStatus() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStatus
}

// headerWait reads a delay in seconds or an HTTP date.
func headerWait(h http.Header, key string, now time.Time) time.Duration {
	if key == "" {
		return 0
	}
	val := strings.TrimSpace(h.Get(key))
	if val == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(val); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(val); err == nil {
		return at.Sub(now)
	}
	return 0
}

func (b *bucket) refill(window time.Duration, now time.Time) {
	elapsed := max(now.Sub(b.last).Seconds(), 0)
	perSecond := float64(b.capacity) / window.Seconds()
	b.tokens = min(float64(b.capacity), b.tokens+elapsed*perSecond)
	b.last = now
}
