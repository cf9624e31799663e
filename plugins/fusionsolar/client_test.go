package fusionsolar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

type fakeFusionSolar struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	calls     []string
	overrides map[string]http.HandlerFunc
	requests  map[string]*http.Request
	bodies    map[string][]byte
}

func newFakeFusionSolar(t *testing.T) *fakeFusionSolar {
	t.Helper()
	f := &fakeFusionSolar{
		t:         t,
		overrides: make(map[string]http.HandlerFunc),
		requests:  make(map[string]*http.Request),
		bodies:    make(map[string][]byte),
	}
	f.server = httptest.NewTLSServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFusionSolar) host() string {
	return strings.TrimPrefix(f.server.URL, "https://")
}

func (f *fakeFusionSolar) handle(path string, handler http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[path] = handler
}

func (f *fakeFusionSolar) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call == path {
			n++
		}
	}
	return n
}

func (f *fakeFusionSolar) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFusionSolar) lastRequest(path string) (*http.Request, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path], f.bodies[path]
}

func (f *fakeFusionSolar) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	f.requests[r.URL.Path] = r.Clone(context.Background())
	f.bodies[r.URL.Path] = body
	override := f.overrides[r.URL.Path]
	f.mu.Unlock()

	if override != nil {
		override(w, r)
		return
	}

	switch r.URL.Path {
	case verifyCodeCheckPath:
		writeJSON(w, `{"code":0,"payload":{"needVerifyCode":false}}`)
	case unforbiddenServerPath:
		writeJSON(w, `{"code":0,"payload":[]}`)
	case validateUserPath:
		writeFixture(f.t, w, "login_success.json")
	case ssoReadyPath:
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "session-abc", Path: "/"})
		writeJSON(w, `{"code":0}`)
	case loginRedirectPath:
		w.Header().Set("X-Csrf-Token", "csrf-xyz")
		writeJSON(w, `{"success":true}`)
	case keepAlivePath:
		writeJSON(w, `{"code":0}`)
	case stationListPath:
		if !hasSessionCookie(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeFixture(f.t, w, "station_list.json")
	case stationRealKPIPath:
		if !hasSessionCookie(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeFixture(f.t, w, "station_real_kpi.json")
	default:
		f.t.Errorf("unexpected path: %s", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func hasSessionCookie(r *http.Request) bool {
	cookie, err := r.Cookie("JSESSIONID")
	return err == nil && cookie.Value == "session-abc"
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func writeFixture(t *testing.T, w http.ResponseWriter, name string) {
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Errorf("read fixture %s: %v", name, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	_, _ = w.Write(data)
}

func newTestClient(t *testing.T, f *fakeFusionSolar) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Username:      "user@example.com",
		Password:      "secret",
		PreferredHost: f.host(),
		VerifySSL:     false,
		Timeout:       5 * time.Second,
	}, WithFallbackHost(f.host()), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return client
}

func TestLoginFlow(t *testing.T) {
	f := newFakeFusionSolar(t)
	client := newTestClient(t, f)

	require.NoError(t, client.Login(context.Background()))
	assert.True(t, client.SessionValid())
	assert.Equal(t, f.host(), client.EffectiveHost())

	assert.Equal(t, []string{
		verifyCodeCheckPath,
		unforbiddenServerPath,
		validateUserPath,
		ssoReadyPath,
		loginRedirectPath,
	}, f.callLog())

	req, body := f.lastRequest(validateUserPath)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, ssoReadyPath, req.URL.Query().Get("service"))
	assert.Equal(t, loginAppID, req.Header.Get("app-id"))
	assert.Equal(t, "https://"+f.host(), req.Header.Get("Origin"))
	assert.Equal(t, "https://"+f.host()+loginPagePath, req.Header.Get("Referer"))
	assert.Equal(t, "XMLHttpRequest", req.Header.Get("X-Requested-With"))

	var login map[string]string
	require.NoError(t, json.Unmarshal(body, &login))
	assert.Equal(t, map[string]string{"username": "user@example.com", "password": "secret", "verifycode": ""}, login)

	req, _ = f.lastRequest(ssoReadyPath)
	require.NotNil(t, req)
	assert.Equal(t, "ST-1234-abcd", req.URL.Query().Get("ticket"))
	assert.Equal(t, "https://"+f.host()+loginRedirectPath+"?isFirst=false", req.URL.Query().Get("redirectionAddress"))
	assert.Equal(t, "true", req.Header.Get("login-url-encode"))

	req, _ = f.lastRequest(loginRedirectPath)
	require.NotNil(t, req)
	assert.Equal(t, "false", req.URL.Query().Get("isFirst"))
}

func TestPlantsAndMetrics(t *testing.T) {
	f := newFakeFusionSolar(t)
	client := newTestClient(t, f)
	ctx := context.Background()

	plants, err := client.Plants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Plant{
		{ID: "NE=33554785", Name: "Roof East"},
		{ID: "NE=33554786", Name: "Garage"},
	}, plants)

	req, body := f.lastRequest(stationListPath)
	require.NotNil(t, req)
	assert.Equal(t, "csrf-xyz", req.Header.Get("X-CSRF-Token"))
	assert.Equal(t, "true", req.Header.Get("x-non-renewal-session"))
	assert.Equal(t, "0", req.Header.Get("x-timezone-offset"))
	assert.Equal(t, roarandToken(testNow), req.Header.Get("roarand"))

	var listBody map[string]any
	require.NoError(t, json.Unmarshal(body, &listBody))
	assert.EqualValues(t, 1, listBody["curPage"])
	assert.EqualValues(t, 100, listBody["pageSize"])
	assert.EqualValues(t, localMidnightMillis(testNow), listBody["queryTime"])
	assert.Equal(t, "createTime", listBody["sortId"])
	assert.Equal(t, "en_US", listBody["locale"])

	snapshot, err := client.Metrics(ctx, "NE=33554785")
	require.NoError(t, err)
	assert.Equal(t, "NE=33554785", snapshot.PlantID)
	assert.Equal(t, "Roof East", snapshot.PlantName)
	assert.InDelta(t, 3500, snapshot.PowerW, 1e-9)
	assert.InDelta(t, 12.4, snapshot.EnergyTodayKWh, 1e-9)
	assert.InDelta(t, 321.5, snapshot.EnergyMonthKWh, 1e-9)
	assert.InDelta(t, 4200.1, snapshot.EnergyYearKWh, 1e-9)
	assert.InDelta(t, 15000.75, snapshot.EnergyTotalKWh, 1e-9)
	assert.Equal(t, testNow, snapshot.UpdatedAt)

	req, _ = f.lastRequest(stationRealKPIPath)
	require.NotNil(t, req)
	query := req.URL.Query()
	assert.Equal(t, "NE=33554785", query.Get("stationDn"))
	assert.Equal(t, "0", query.Get("timeZone"))
	assert.Equal(t, query.Get("clientTime"), query.Get("_"))

	assert.Equal(t, 1, f.count(validateUserPath))
}

func TestMetricsUsesKnownPlantName(t *testing.T) {
	f := newFakeFusionSolar(t)
	f.handle(stationRealKPIPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"data":{"activePower":2.5,"dailyEnergy":1,"monthEnergy":2,"yearEnergy":3,"cumulativeEnergy":4}}`)
	})
	client := newTestClient(t, f)
	ctx := context.Background()

	_, err := client.Plants(ctx)
	require.NoError(t, err)

	snapshot, err := client.Metrics(ctx, "NE=33554786")
	require.NoError(t, err)
	assert.Equal(t, "Garage", snapshot.PlantName)
	assert.InDelta(t, 2500, snapshot.PowerW, 1e-9)

	snapshot, err = client.Metrics(ctx, "NE=unknown")
	require.NoError(t, err)
	assert.Equal(t, "NE=unknown", snapshot.PlantName)
}

func TestMetricsReloginOnUnauthorized(t *testing.T) {
	f := newFakeFusionSolar(t)
	client := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, client.Login(ctx))

	var kpiCalls int
	f.handle(stationRealKPIPath, func(w http.ResponseWriter, r *http.Request) {
		kpiCalls++
		if kpiCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeFixture(t, w, "station_real_kpi.json")
	})

	snapshot, err := client.Metrics(ctx, "NE=33554785")
	require.NoError(t, err)
	assert.InDelta(t, 3500, snapshot.PowerW, 1e-9)
	assert.Equal(t, 2, kpiCalls)
	assert.Equal(t, 2, f.count(validateUserPath))
	assert.True(t, client.SessionValid())
}

func TestConcurrentReloginSharesOneLogin(t *testing.T) {
	f := newFakeFusionSolar(t)
	client := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, client.Login(ctx))

	const callers = 4
	var (
		mu       sync.Mutex
		rejected int
	)
	arrived := make(chan struct{})
	f.handle(stationRealKPIPath, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reject := rejected < callers
		if reject {
			rejected++
			if rejected == callers {
				close(arrived)
			}
		}
		mu.Unlock()
		if !reject {
			writeFixture(t, w, "station_real_kpi.json")
			return
		}
		// Hold every first attempt until all callers are in flight.
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	f.handle(validateUserPath, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		writeFixture(t, w, "login_success.json")
	})

	var wg sync.WaitGroup
	errs := make([]error, callers)
	snapshots := make([]Snapshot, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshots[i], errs[i] = client.Metrics(ctx, "NE=33554785")
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.InDelta(t, 3500, snapshots[i].PowerW, 1e-9)
	}
	assert.Equal(t, 2, f.count(validateUserPath))
	assert.Equal(t, 2*callers, f.count(stationRealKPIPath))
	assert.True(t, client.SessionValid())
}

func TestUnauthorizedTwiceIsInvalidAuth(t *testing.T) {
	f := newFakeFusionSolar(t)
	f.handle(stationListPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	client := newTestClient(t, f)

	_, err := client.Plants(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAuth))
	assert.Equal(t, 2, f.count(stationListPath))
	assert.False(t, client.SessionValid())
}

func TestRefreshSessionKeepAlive(t *testing.T) {
	f := newFakeFusionSolar(t)
	client := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, client.Login(ctx))

	require.NoError(t, client.RefreshSession(ctx))
	assert.Equal(t, 1, f.count(keepAlivePath))
	assert.Equal(t, 1, f.count(validateUserPath))

	f.handle(keepAlivePath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	require.NoError(t, client.RefreshSession(ctx))
	assert.Equal(t, 2, f.count(validateUserPath))
}

func TestLoginErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    error
	}{
		{
			name:    "invalid credentials payload",
			handler: func(w http.ResponseWriter, r *http.Request) { writeFixture(t, w, "login_invalid.json") },
			kind:    ErrInvalidAuth,
		},
		{
			name:    "password message",
			handler: func(w http.ResponseWriter, r *http.Request) { writeJSON(w, `{"code":"9","message":"Wrong password entered"}`) },
			kind:    ErrInvalidAuth,
		},
		{
			name:    "verification code",
			handler: func(w http.ResponseWriter, r *http.Request) { writeFixture(t, w, "login_verify_code.json") },
			kind:    ErrCannotConnect,
		},
		{
			name:    "unknown payload",
			handler: func(w http.ResponseWriter, r *http.Request) { writeJSON(w, `{"code":"7"}`) },
			kind:    ErrSchemaChanged,
		},
		{
			name:    "missing ticket",
			handler: func(w http.ResponseWriter, r *http.Request) { writeJSON(w, `{"code":"0","payload":{}}`) },
			kind:    ErrSchemaChanged,
		},
		{
			name: "html challenge",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = io.WriteString(w, "<html></html>")
			},
			kind: ErrCannotConnect,
		},
		{
			name:    "bad request",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) },
			kind:    ErrInvalidAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFusionSolar(t)
			f.handle(validateUserPath, tt.handler)
			client := newTestClient(t, f)

			err := client.Login(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.False(t, client.SessionValid())
		})
	}
}

func TestLoginTicketFromHeader(t *testing.T) {
	f := newFakeFusionSolar(t)
	f.handle(validateUserPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("redirect_url", "https://example.invalid/cas?ticket=ST-from-header")
		writeJSON(w, `{"code":"0","payload":{}}`)
	})
	client := newTestClient(t, f)

	require.NoError(t, client.Login(context.Background()))
	req, _ := f.lastRequest(ssoReadyPath)
	require.NotNil(t, req)
	assert.Equal(t, "ST-from-header", req.URL.Query().Get("ticket"))
}

func TestLoginMissingCredentials(t *testing.T) {
	client, err := NewClient(Config{Username: "user"})
	require.NoError(t, err)

	err = client.Login(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidAuth))
}

func TestLoginFallsBackToNextHost(t *testing.T) {
	f := newFakeFusionSolar(t)
	client, err := NewClient(Config{
		Username:      "user@example.com",
		Password:      "secret",
		PreferredHost: "127.0.0.1:1",
		Timeout:       2 * time.Second,
	}, WithFallbackHost(f.host()), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	require.NoError(t, client.Login(context.Background()))
	assert.Equal(t, f.host(), client.EffectiveHost())
	assert.Equal(t, 1, f.count(validateUserPath))
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, kind: ErrRateLimited},
		{name: "server error", status: http.StatusBadGateway, kind: ErrCannotConnect},
		{name: "not found", status: http.StatusNotFound, kind: ErrCannotConnect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFusionSolar(t)
			f.handle(stationListPath, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			client := newTestClient(t, f)

			_, err := client.Plants(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestHTMLOnRESTEndpointIsInvalidAuth(t *testing.T) {
	f := newFakeFusionSolar(t)
	f.handle(stationListPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>login</html>")
	})
	client := newTestClient(t, f)

	_, err := client.Plants(context.Background())
	assert.Equal(t, ErrInvalidAuth, KindOf(err))
}

func TestMetricsSchemaChanged(t *testing.T) {
	f := newFakeFusionSolar(t)
	f.handle(stationRealKPIPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"data":{"currentPower":"--","dailyEnergy":"1"}}`)
	})
	client := newTestClient(t, f)

	_, err := client.Metrics(context.Background(), "NE=1")
	assert.True(t, errors.Is(err, ErrSchemaChanged))
}

func TestEmptyPlantListIsSchemaChanged(t *testing.T) {
	f := newFakeFusionSolar(t)
	f.handle(stationListPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"data":{"list":[]}}`)
	})
	client := newTestClient(t, f)

	_, err := client.Plants(context.Background())
	assert.True(t, errors.Is(err, ErrSchemaChanged))
}

func TestDebugState(t *testing.T) {
	f := newFakeFusionSolar(t)
	client := newTestClient(t, f)
	ctx := context.Background()

	_, err := client.Plants(ctx)
	require.NoError(t, err)

	state := client.DebugState()
	assert.Equal(t, f.host(), state.EffectiveHost)
	assert.Equal(t, f.host(), state.PreferredHost)
	assert.False(t, state.VerifySSL)
	assert.Equal(t, 5, state.TimeoutSeconds)
	assert.True(t, state.SessionValid)
	assert.Equal(t, "us***m", state.UsernameMasked)
	assert.Equal(t, map[string]string{"NE=33554785": "Roof East", "NE=33554786": "Garage"}, state.KnownPlants)
	require.Len(t, state.RecentStatuses, 6)
	assert.Equal(t, stationListPath, state.RecentStatuses[5].Endpoint)
	assert.Equal(t, http.StatusOK, state.RecentStatuses[5].Status)
}

func TestRecentStatusesAreBounded(t *testing.T) {
	client, err := NewClient(Config{Username: "u", Password: "p"})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		client.recordStatus(keepAlivePath, 200+i)
	}
	statuses := client.DebugState().RecentStatuses
	require.Len(t, statuses, recentStatusLimit)
	assert.Equal(t, 239, statuses[len(statuses)-1].Status)
	assert.Equal(t, 215, statuses[0].Status)
}

func TestExportRestoreSession(t *testing.T) {
	f := newFakeFusionSolar(t)
	client := newTestClient(t, f)
	ctx := context.Background()
	require.NoError(t, client.Login(ctx))

	session, ok := client.ExportSession()
	require.True(t, ok)
	assert.Equal(t, f.host(), session.Host)
	assert.Equal(t, "csrf-xyz", session.CSRF)
	assert.Contains(t, session.Cookies, SessionCookie{Name: "JSESSIONID", Value: "session-abc"})

	restored := newTestClient(t, f)
	restored.RestoreSession(session)
	assert.True(t, restored.SessionValid())

	plants, err := restored.Plants(ctx)
	require.NoError(t, err)
	assert.Len(t, plants, 2)
	assert.Equal(t, 1, f.count(validateUserPath))
}
