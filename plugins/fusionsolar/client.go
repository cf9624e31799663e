package fusionsolar

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
	"github.com/joshp123/gohome-fusionsolar/internal/rate"
)

const (
	validateUserPath      = "/rest/dp/uidm/unisso/v1/validate-user"
	ssoReadyPath          = "/rest/dp/uidm/auth/v1/on-sso-credential-ready"
	loginRedirectPath     = "/rest/pvms/web/login/v1/redirecturl"
	loginPagePath         = "/pvmswebsite/login/build/index.html"
	verifyCodeCheckPath   = "/rest/dp/uidm/unisso/v1/is-check-verify-code"
	unforbiddenServerPath = "/rest/pvms/web/server/v1/servermgmt/list-unforbidden-server"
	keepAlivePath         = "/rest/dpcloud/auth/v1/keep-alive"
	stationListPath       = "/rest/pvms/web/station/v1/station/station-list"
	stationRealKPIPath    = "/rest/pvms/web/station/v1/overview/station-real-kpi"

	stationPathPrefix = "/rest/pvms/web/station/"
	loginAppID        = "smartpvms"

	browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/145.0.0.0 Safari/537.36"

	recentStatusLimit = 25
	requestAttempts   = 2
)

var loginEndpoints = map[string]bool{
	validateUserPath:      true,
	ssoReadyPath:          true,
	loginRedirectPath:     true,
	verifyCodeCheckPath:   true,
	unforbiddenServerPath: true,
}

// Endpoints that never trigger a relogin on 401/403.
var noAuthRetryEndpoints = map[string]bool{
	validateUserPath:  true,
	ssoReadyPath:      true,
	loginRedirectPath: true,
}

// Config holds the client credentials and connection options.
type Config struct {
	Username      string
	Password      string
	PreferredHost string
	EffectiveHost string
	VerifySSL     bool
	Timeout       time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithFallbackHost replaces the default FusionSolar host tried last during
// login.
func WithFallbackHost(host string) Option {
	return func(c *Client) {
		c.fallbackHost = config.NormalizeHost(host)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithRateLimits replaces the default request budget.
func WithRateLimits(decl rate.Declaration) Option {
	return func(c *Client) {
		c.limits = decl
	}
}

// DefaultRateLimits is the request budget applied to each account.
func DefaultRateLimits() rate.Declaration {
	return rate.Provider("fusionsolar").
		MaxRequestsPer(rate.Minute, 120).
		ReadHeaders(rate.StandardHeaders()).
		CooldownOn(time.Minute, http.StatusTooManyRequests)
}

// Client talks to the FusionSolar private web API with a browser-like
// cookie session.
type Client struct {
	http         *http.Client
	jar          http.CookieJar
	fallbackHost string
	limits       rate.Declaration
	now          func() time.Time
	refresh      singleflight.Group

	mu            sync.Mutex
	username      string
	password      string
	preferredHost string
	effectiveHost string
	verifySSL     bool
	timeout       time.Duration
	csrfToken     string
	sessionValid  bool
	plantNames    map[string]string
	statuses      []StatusRecord
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	c := &Client{
		jar:          jar,
		fallbackHost: config.DefaultHost,
		limits:       DefaultRateLimits(),
		now:          time.Now,
		username:     cfg.Username,
		password:     cfg.Password,
		verifySSL:    cfg.VerifySSL,
		timeout:      cfg.Timeout,
		plantNames:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limits.ScopeName() == "" {
		c.limits = c.limits.Scope(c.username)
	}
	if c.timeout <= 0 {
		c.timeout = config.DefaultRequestTimeoutSeconds * time.Second
	}
	c.preferredHost = config.NormalizeHost(cfg.PreferredHost)
	c.effectiveHost = c.preferredHost
	if c.effectiveHost == "" {
		c.effectiveHost = config.NormalizeHost(cfg.EffectiveHost)
	}
	if c.effectiveHost == "" {
		c.effectiveHost = c.fallbackHost
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c.http = rate.WrapHTTP(c.limits, &http.Client{
		Transport: transport,
		Jar:       jar,
	})
	return c, nil
}

// EffectiveHost returns the host the session currently talks to.
func (c *Client) EffectiveHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveHost
}

// UpdateCredentials replaces the login and drops the current session.
func (c *Client) UpdateCredentials(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.password = password
	c.sessionValid = false
	c.csrfToken = ""
}

func (c *Client) hasPassword(password string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.password == password
}

// SetPreferredHost sets the host tried first on login. A non-empty host also
// becomes the effective host.
func (c *Client) SetPreferredHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferredHost = config.NormalizeHost(host)
	if c.preferredHost != "" {
		c.effectiveHost = c.preferredHost
	}
}

func (c *Client) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// SessionValid reports whether the client believes its cookies are usable.
func (c *Client) SessionValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionValid
}

// Login authenticates against the SSO endpoints and bootstraps the session
// cookies. Hosts are tried in order: preferred, effective, default.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	username, password := c.username, c.password
	candidates := dedupeHosts(c.preferredHost, c.effectiveHost, c.fallbackHost)
	c.mu.Unlock()

	if username == "" || password == "" {
		return apiErrorf(ErrInvalidAuth, "missing credentials")
	}

	body := map[string]any{
		"username":   username,
		"password":   password,
		"verifycode": "",
	}

	var lastErr error
	for _, host := range candidates {
		c.preloginProbes(ctx, host)

		resp, err := c.do(ctx, call{
			method:   http.MethodPost,
			endpoint: validateUserPath,
			host:     host,
			query:    url.Values{"service": {ssoReadyPath}},
			body:     body,
			header:   map[string]string{"app-id": loginAppID},
		})
		if err != nil {
			if kind := KindOf(err); kind == ErrCannotConnect || kind == ErrRateLimited {
				log.Ctx(ctx).Debug("fusionsolar login host failed", "host", host, "error", err)
				lastErr = err
				continue
			}
			return err
		}

		if !loginSucceeded(resp.payload) {
			if loginRequiresVerifyCode(resp.payload) {
				return apiErrorf(ErrCannotConnect, "verification code challenge requested")
			}
			if loginInvalidAuth(resp.payload) {
				return apiErrorf(ErrInvalidAuth, "invalid username or password")
			}
			return apiErrorf(ErrSchemaChanged, "unexpected login payload")
		}

		ticket := extractLoginTicket(resp.payload, resp.header)
		if ticket == "" {
			return apiErrorf(ErrSchemaChanged, "missing login ticket")
		}

		redirectAddress := "https://" + host + loginRedirectPath + "?isFirst=false"
		if _, err := c.do(ctx, call{
			method:   http.MethodGet,
			endpoint: ssoReadyPath,
			host:     host,
			query:    url.Values{"ticket": {ticket}, "redirectionAddress": {redirectAddress}},
			header:   map[string]string{"app-id": loginAppID, "login-url-encode": "true"},
		}); err != nil {
			return err
		}

		if _, err := c.do(ctx, call{
			method:   http.MethodGet,
			endpoint: loginRedirectPath,
			host:     host,
			query:    url.Values{"isFirst": {"false"}},
		}); err != nil {
			return err
		}

		c.mu.Lock()
		c.sessionValid = true
		c.mu.Unlock()
		log.Ctx(ctx).Info("fusionsolar login succeeded", "account", MaskUsername(username), "host", c.EffectiveHost())
		return nil
	}

	if lastErr != nil {
		return wrapAPIError(ErrCannotConnect, lastErr, "could not connect to fusionsolar")
	}
	return apiErrorf(ErrInvalidAuth, "authentication failed")
}

func (c *Client) preloginProbes(ctx context.Context, host string) {
	probes := []call{
		{method: http.MethodGet, endpoint: verifyCodeCheckPath},
		{method: http.MethodPost, endpoint: unforbiddenServerPath, body: map[string]any{}},
	}
	for _, probe := range probes {
		probe.host = host
		probe.header = map[string]string{"app-id": loginAppID}
		if _, err := c.do(ctx, probe); err != nil {
			log.Ctx(ctx).Debug("fusionsolar pre-login probe failed", "endpoint", probe.endpoint, "error", err)
		}
	}
}

// RefreshSession keeps the session alive, falling back to a full login.
// Concurrent callers share one refresh.
func (c *Client) RefreshSession(ctx context.Context) error {
	_, err, _ := c.refresh.Do("refresh", func() (any, error) {
		return nil, c.refreshSession(ctx)
	})
	return err
}

func (c *Client) refreshSession(ctx context.Context) error {
	if c.SessionValid() {
		resp, err := c.do(ctx, call{method: http.MethodGet, endpoint: keepAlivePath})
		switch {
		case err == nil && resp.status < http.StatusBadRequest:
			c.mu.Lock()
			c.sessionValid = true
			c.mu.Unlock()
			return nil
		case KindOf(err) == ErrInvalidAuth:
			c.mu.Lock()
			c.sessionValid = false
			c.mu.Unlock()
		}
	}
	return c.Login(ctx)
}

// Plants lists the plants visible to the account.
func (c *Client) Plants(ctx context.Context) ([]Plant, error) {
	if !c.SessionValid() {
		if err := c.RefreshSession(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := c.do(ctx, call{
		method:    http.MethodPost,
		endpoint:  stationListPath,
		body:      stationListPayload(c.now()),
		authRetry: true,
	})
	if err != nil {
		return nil, err
	}

	plants := parseStationList(resp.payload)
	if len(plants) == 0 {
		return nil, apiErrorf(ErrSchemaChanged, "unable to parse plants payload")
	}

	names := make(map[string]string, len(plants))
	for _, plant := range plants {
		names[plant.ID] = plant.Name
	}
	c.mu.Lock()
	c.plantNames = names
	c.mu.Unlock()
	return plants, nil
}

// Metrics fetches the normalized real-time KPI of one plant.
func (c *Client) Metrics(ctx context.Context, plantID string) (Snapshot, error) {
	if !c.SessionValid() {
		if err := c.RefreshSession(ctx); err != nil {
			return Snapshot{}, err
		}
	}

	now := c.now()
	millis := strconv.FormatInt(now.UnixMilli(), 10)
	resp, err := c.do(ctx, call{
		method:   http.MethodGet,
		endpoint: stationRealKPIPath,
		query: url.Values{
			"stationDn":  {plantID},
			"clientTime": {millis},
			"timeZone":   {formatNumber(timezoneOffsetHours(now))},
			"_":          {millis},
		},
		authRetry: true,
	})
	if err != nil {
		return Snapshot{}, err
	}

	snapshot, err := parseSnapshot(plantID, resp.payload)
	if err != nil {
		return Snapshot{}, err
	}
	if snapshot.PlantName == "" {
		c.mu.Lock()
		snapshot.PlantName = c.plantNames[plantID]
		c.mu.Unlock()
	}
	if snapshot.PlantName == "" {
		snapshot.PlantName = plantID
	}
	snapshot.UpdatedAt = c.now().UTC()
	return snapshot, nil
}

// DebugState returns diagnostics-safe client state.
func (c *Client) DebugState() DebugState {
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]string, len(c.plantNames))
	for id, name := range c.plantNames {
		known[id] = name
	}
	return DebugState{
		EffectiveHost:  c.effectiveHost,
		PreferredHost:  c.preferredHost,
		VerifySSL:      c.verifySSL,
		TimeoutSeconds: int(c.timeout / time.Second),
		SessionValid:   c.sessionValid,
		UsernameMasked: MaskUsername(c.username),
		KnownPlants:    known,
		RecentStatuses: append([]StatusRecord(nil), c.statuses...),
	}
}

// Session is the persistable part of a logged-in client.
type Session struct {
	Host    string          `json:"host"`
	CSRF    string          `json:"csrf,omitempty"`
	Cookies []SessionCookie `json:"cookies,omitempty"`
}

type SessionCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ExportSession returns the cookies and tokens of a valid session.
func (c *Client) ExportSession() (Session, bool) {
	c.mu.Lock()
	host, csrf, valid := c.effectiveHost, c.csrfToken, c.sessionValid
	c.mu.Unlock()
	if !valid {
		return Session{}, false
	}

	session := Session{Host: host, CSRF: csrf}
	for _, cookie := range c.jar.Cookies(&url.URL{Scheme: "https", Host: host, Path: "/"}) {
		session.Cookies = append(session.Cookies, SessionCookie{Name: cookie.Name, Value: cookie.Value})
	}
	return session, len(session.Cookies) > 0
}

// RestoreSession loads a previously exported session. The next request
// proves whether it is still valid; a 401 falls back to login.
func (c *Client) RestoreSession(session Session) {
	host := config.NormalizeHost(session.Host)
	if host == "" || len(session.Cookies) == 0 {
		return
	}

	cookies := make([]*http.Cookie, 0, len(session.Cookies))
	for _, cookie := range session.Cookies {
		cookies = append(cookies, &http.Cookie{Name: cookie.Name, Value: cookie.Value, Path: "/"})
	}
	c.jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, cookies)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.effectiveHost = host
	c.csrfToken = session.CSRF
	c.sessionValid = true
}

type call struct {
	method    string
	endpoint  string
	host      string
	query     url.Values
	body      any
	header    map[string]string
	authRetry bool
}

type rawResponse struct {
	status  int
	header  http.Header
	payload any
}

func (c *Client) do(ctx context.Context, req call) (*rawResponse, error) {
	host := req.host
	if host == "" {
		host = c.EffectiveHost()
	}
	target := url.URL{Scheme: "https", Host: host, Path: req.endpoint}
	if len(req.query) > 0 {
		target.RawQuery = req.query.Encode()
	}

	var body []byte
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", req.endpoint, err)
		}
		body = encoded
	}

	for attempt := 0; attempt < requestAttempts; attempt++ {
		resp, err := c.send(ctx, req, host, target.String(), body)
		if err != nil {
			return nil, err
		}

		c.recordStatus(req.endpoint, resp.status)
		c.extractCSRF(resp)

		switch {
		case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
			c.mu.Lock()
			c.sessionValid = false
			canRetry := req.authRetry && attempt == 0 && !noAuthRetryEndpoints[req.endpoint] &&
				c.username != "" && c.password != ""
			c.mu.Unlock()
			if canRetry {
				log.Ctx(ctx).Info("fusionsolar session rejected, logging in again", "endpoint", req.endpoint, "status", resp.status)
				if err := c.RefreshSession(ctx); err != nil {
					return nil, err
				}
				continue
			}
			return nil, apiErrorf(ErrInvalidAuth, "unauthorized (HTTP %d)", resp.status)
		case resp.status == http.StatusTooManyRequests:
			return nil, apiErrorf(ErrRateLimited, "HTTP 429 on %s", req.endpoint)
		case resp.status >= http.StatusInternalServerError:
			return nil, apiErrorf(ErrCannotConnect, "server error: HTTP %d", resp.status)
		case resp.status >= http.StatusBadRequest:
			if req.endpoint == validateUserPath {
				return nil, apiErrorf(ErrInvalidAuth, "invalid username or password")
			}
			return nil, apiErrorf(ErrCannotConnect, "request failed: HTTP %d", resp.status)
		}

		if resp.status == http.StatusOK && strings.HasPrefix(req.endpoint, "/rest/") &&
			req.endpoint != loginRedirectPath &&
			strings.Contains(resp.header.Get("Content-Type"), "text/html") {
			if req.endpoint == validateUserPath {
				return nil, apiErrorf(ErrCannotConnect, "HTML challenge page returned before login")
			}
			return nil, apiErrorf(ErrInvalidAuth, "session invalid (HTML on REST endpoint)")
		}
		return resp, nil
	}
	return nil, apiErrorf(ErrCannotConnect, "request retry exhausted")
}

func (c *Client) send(ctx context.Context, req call, host, target string, body []byte) (*rawResponse, error) {
	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.endpoint, err)
	}
	for key, value := range c.headers(req, host) {
		httpReq.Header.Set(key, value)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.Request != nil && resp.Request.URL.Host != "" {
		c.mu.Lock()
		c.effectiveHost = resp.Request.URL.Host
		c.mu.Unlock()
	}

	return &rawResponse{
		status:  resp.StatusCode,
		header:  resp.Header,
		payload: decodePayload(data),
	}, nil
}

func transportError(err error) error {
	var rateErr rate.RateLimitError
	if errors.As(err, &rateErr) {
		return wrapAPIError(ErrRateLimited, err, "request blocked locally")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapAPIError(ErrCannotConnect, err, "connection timeout")
	}
	return wrapAPIError(ErrCannotConnect, err, "client error")
}

func (c *Client) headers(req call, host string) map[string]string {
	headers := map[string]string{
		"Accept":           "application/json, text/javascript, */*; q=0.01",
		"X-Requested-With": "XMLHttpRequest",
		"User-Agent":       browserUserAgent,
		"Accept-Language":  "en-US,en;q=0.9",
	}

	if strings.HasPrefix(req.endpoint, stationPathPrefix) {
		now := c.now()
		headers["x-non-renewal-session"] = "true"
		headers["x-timezone-offset"] = strconv.Itoa(timezoneOffsetMinutes(now))
		headers["roarand"] = roarandToken(now)
	}

	if loginEndpoints[req.endpoint] {
		headers["Origin"] = "https://" + host
		headers["Referer"] = "https://" + host + loginPagePath
	}

	c.mu.Lock()
	if c.csrfToken != "" {
		headers["X-CSRF-Token"] = c.csrfToken
	}
	c.mu.Unlock()

	for key, value := range req.header {
		headers[key] = value
	}
	return headers
}

func (c *Client) recordStatus(endpoint string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, StatusRecord{Endpoint: endpoint, Status: status, At: c.now().UTC()})
	if len(c.statuses) > recentStatusLimit {
		c.statuses = c.statuses[len(c.statuses)-recentStatusLimit:]
	}
}

func (c *Client) extractCSRF(resp *rawResponse) {
	token := resp.header.Get("X-Csrf-Token")
	if token == "" {
		token = findString(resp.payload, csrfKeys)
	}
	if token == "" {
		return
	}
	c.mu.Lock()
	c.csrfToken = token
	c.mu.Unlock()
}

func dedupeHosts(hosts ...string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, host := range hosts {
		host = config.NormalizeHost(host)
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, host)
	}
	return out
}
