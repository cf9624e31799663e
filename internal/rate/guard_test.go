package rate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardBudget(t *testing.T) {
	g := NewGuard(Provider("test").MaxRequestsPer(Minute, 2))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	for _, b := range g.buckets {
		b.last = now
	}

	assert.True(t, g.ShouldCall().Allowed)
	assert.True(t, g.ShouldCall().Allowed)

	decision := g.ShouldCall()
	assert.False(t, decision.Allowed)
	assert.Equal(t, "budget", decision.Reason)

	now = now.Add(30 * time.Second)
	assert.True(t, g.ShouldCall().Allowed)
}

func TestGuardWithoutLimitsIsDisabled(t *testing.T) {
	g := NewGuard(Provider("test"))
	decision := g.ShouldCall()
	assert.False(t, decision.Allowed)
	assert.Equal(t, "disabled", decision.Reason)
}

func TestGuardCooldownFromRetryAfter(t *testing.T) {
	g := NewGuard(Provider("test").MaxRequestsPer(Minute, 100).ReadHeaders(StandardHeaders()))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	header := http.Header{}
	header.Set("Retry-After", "10")
	g.RecordResponse(http.StatusTooManyRequests, header)

	decision := g.ShouldCall()
	assert.False(t, decision.Allowed)
	assert.Equal(t, "cooldown", decision.Reason)
	assert.Equal(t, now.Add(10*time.Second), decision.RetryAt)
	assert.Equal(t, http.StatusTooManyRequests, g.LastStatus())

	now = now.Add(11 * time.Second)
	assert.True(t, g.ShouldCall().Allowed)
}

func TestGuardCooldownOnStatusWithoutHeader(t *testing.T) {
	g := NewGuard(Provider("test").MaxRequestsPer(Minute, 100).CooldownOn(time.Minute))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	g.RecordResponse(http.StatusOK, http.Header{})
	assert.True(t, g.ShouldCall().Allowed)

	g.RecordResponse(http.StatusTooManyRequests, http.Header{})
	assert.False(t, g.ShouldCall().Allowed)
}

func TestWrapHTTPBlocksWithRateLimitError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := WrapHTTP(Provider("test").Scope("owner").MaxRequestsPer(Minute, 1), srv.Client())

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = client.Get(srv.URL)
	require.Error(t, err)
	var rateErr RateLimitError
	assert.True(t, errors.As(err, &rateErr))
	assert.Equal(t, "test", rateErr.Provider)
	assert.Equal(t, "owner", rateErr.Scope)
	assert.Contains(t, rateErr.Error(), "test owner rate limited: budget")
	assert.Equal(t, 1, calls)
}

func TestGuardCooldownStatuses(t *testing.T) {
	g := NewGuard(Provider("test").MaxRequestsPer(Minute, 100).CooldownOn(time.Minute, http.StatusServiceUnavailable))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	g.RecordResponse(http.StatusTooManyRequests, http.Header{})
	assert.True(t, g.ShouldCall().Allowed)

	g.RecordResponse(http.StatusServiceUnavailable, http.Header{})
	decision := g.ShouldCall()
	assert.False(t, decision.Allowed)
	assert.Equal(t, now.Add(time.Minute), decision.RetryAt)
}

func TestGuardRetryAfterHTTPDate(t *testing.T) {
	g := NewGuard(Provider("test").MaxRequestsPer(Minute, 100).ReadHeaders(StandardHeaders()))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	header := http.Header{}
	header.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	g.RecordResponse(http.StatusServiceUnavailable, header)

	decision := g.ShouldCall()
	assert.False(t, decision.Allowed)
	assert.Equal(t, now.Add(90*time.Second), decision.RetryAt)
}

func TestGuardShorterPauseKeepsCooldown(t *testing.T) {
	g := NewGuard(Provider("test").MaxRequestsPer(Minute, 100).ReadHeaders(StandardHeaders()))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	long := http.Header{}
	long.Set("Retry-After", "120")
	g.RecordResponse(http.StatusTooManyRequests, long)
	short := http.Header{}
	short.Set("Retry-After", "5")
	g.RecordResponse(http.StatusTooManyRequests, short)

	assert.Equal(t, now.Add(120*time.Second), g.ShouldCall().RetryAt)
}

func TestDeclarationIsCopiedOnWrite(t *testing.T) {
	base := Provider("test").MaxRequestsPer(Minute, 10)
	scoped := base.Scope("a").MaxRequestsPer(Hour, 100)

	assert.Equal(t, map[Window]int{Minute: 10}, base.Limits())
	assert.Equal(t, map[Window]int{Minute: 10, Hour: 100}, scoped.Limits())
	assert.Empty(t, base.ScopeName())
	assert.Equal(t, "a", scoped.ScopeName())
}
