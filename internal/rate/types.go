package rate

import (
	"maps"
	"slices"
	"time"
)

// Window is the span a request budget refills over.
type Window int

const (
	Minute Window = iota
	Hour
	Day
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Headers names the response headers a portal uses to ask for a pause.
type Headers struct {
	RetryAfter string
	ResetAfter string
}

// StandardHeaders covers Retry-After plus the IETF ratelimit-reset draft.
func StandardHeaders() Headers {
	return Headers{
		RetryAfter: "Retry-After",
		ResetAfter: "ratelimit-reset",
	}
}

// Declaration is the request budget for one provider session. The zero
// value allows nothing.
type Declaration struct {
	provider string
	scope    string
	limits   map[Window]int
	cooldown time.Duration
	statuses []int
	headers  Headers
}

// Provider starts a declaration for the named upstream.
func Provider(name string) Declaration {
	return Declaration{provider: name}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

// Scope labels the budget with the session it belongs to, usually an
// account ID. Each scope gets its own guard and metric series.
func (d Declaration) Scope(scope string) Declaration {
	d.scope = scope
	return d
}

func (d Declaration) ScopeName() string {
	return d.scope
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := maps.Clone(d.limits)
	if limits == nil {
		limits = make(map[Window]int, 1)
	}
	limits[window] = limit
	d.limits = limits
	return d
}

// CooldownOn blocks calls for cooldown after a response with one of the
// given statuses that carries no pause header. Defaults to 429.
func (d Declaration) CooldownOn(cooldown time.Duration, statuses ...int) Declaration {
	if len(statuses) == 0 {
		statuses = []int{429}
	}
	d.cooldown = cooldown
	d.statuses = slices.Clone(statuses)
	return d
}

func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) Headers() Headers {
	return d.headers
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}

func (d Declaration) coolsOn(status int) bool {
	return d.cooldown > 0 && slices.Contains(d.statuses, status)
}
