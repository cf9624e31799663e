package fusionsolar

import (
	"net/http"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecode(t *testing.T, body string) any {
	t.Helper()
	payload := decodePayload([]byte(body))
	if m, ok := payload.(map[string]any); ok {
		_, isRaw := m["raw"]
		require.False(t, isRaw, "invalid JSON in test: %s", body)
	}
	return payload
}

func TestDecodePayload(t *testing.T) {
	assert.Equal(t, map[string]any{}, decodePayload(nil))
	assert.Equal(t, map[string]any{}, decodePayload([]byte("  \n")))
	assert.Equal(t, map[string]any{"raw": "<html>"}, decodePayload([]byte("<html>")))
}

func TestFindValueIsCaseInsensitiveAndNested(t *testing.T) {
	payload := mustDecode(t, `{"outer":{"STATIONNAME":"Roof"},"Name":""}`)
	value, key, ok := findValue(payload, plantNameKeys)
	require.True(t, ok)
	assert.Equal(t, "Roof", value)
	assert.Equal(t, "STATIONNAME", key)
}

func TestFindValuePriorityBeatsNesting(t *testing.T) {
	payload := mustDecode(t, `{"a":{"dn":"nested"},"stationCode":"top"}`)
	assert.Equal(t, "top", findString(payload, plantIDKeys))

	payload = mustDecode(t, `{"id":"low","dn":"high"}`)
	assert.Equal(t, "high", findString(payload, plantIDKeys))
}

func TestFindValueSkipsNull(t *testing.T) {
	payload := mustDecode(t, `{"dn":null,"list":[{"stationDn":"NE=1"}]}`)
	assert.Equal(t, "NE=1", findString(payload, plantIDKeys))
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{in: "12,5", want: 12.5, ok: true},
		{in: " 7 ", want: 7, ok: true},
		{in: "--", ok: false},
		{in: "", ok: false},
		{in: "abc", ok: false},
		{in: nil, ok: false},
		{in: true, ok: false},
		{in: 3.25, want: 3.25, ok: true},
	}
	for _, tt := range tests {
		got, ok := toFloat(tt.in)
		assert.Equal(t, tt.ok, ok, "input %#v", tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 1e-9, "input %#v", tt.in)
		}
	}

	number := mustDecode(t, `{"v":1.5e3}`).(map[string]any)["v"]
	got, ok := toFloat(number)
	require.True(t, ok)
	assert.InDelta(t, 1500, got, 1e-9)
}

func TestParseStationList(t *testing.T) {
	payload := mustDecode(t, `{"data":{"list":[
		{"dn":"NE=1","stationName":"Roof"},
		{"plantId":"NE=2"},
		{"stationName":"no id"},
		"junk"
	]}}`)
	assert.Equal(t, []Plant{{ID: "NE=1", Name: "Roof"}, {ID: "NE=2", Name: "NE=2"}}, parseStationList(payload))
}

func TestParseStationListFallback(t *testing.T) {
	payload := mustDecode(t, `{"result":{"stations":[
		{"stationCode":"S1","plantName":"First"},
		{"stationCode":"S2","plantName":"Second"},
		{"stationCode":"S1","plantName":"First renamed"}
	]}}`)
	plants := parseStationList(payload)
	require.NotEmpty(t, plants)
	assert.Equal(t, Plant{ID: "S1", Name: "First renamed"}, plants[0])
	assert.Contains(t, plants, Plant{ID: "S2", Name: "Second"})
}

func TestParseStationListEmpty(t *testing.T) {
	assert.Empty(t, parseStationList(mustDecode(t, `{"data":{"list":[]}}`)))
}

func TestParsePowerW(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{name: "current power is kW", body: `{"data":{"currentPower":"2.5"}}`, want: 2500},
		{name: "explicit kW unit", body: `{"data":{"power":3,"powerUnit":"kW"}}`, want: 3000},
		{name: "MW unit", body: `{"data":{"activePower":0.5,"unit":"MW"}}`, want: 500000},
		{name: "W unit", body: `{"data":{"activePower":"850","activePowerUnit":"W"}}`, want: 850},
		{name: "small unitless value", body: `{"data":{"pac":4.2}}`, want: 4200},
		{name: "large unitless value", body: `{"data":{"realTimePower":4200}}`, want: 4200},
		{name: "negative small value", body: `{"data":{"power":"-0,5"}}`, want: -500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parsePowerW(mustDecode(t, tt.body))
			require.True(t, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, ok := parsePowerW(mustDecode(t, `{"data":{"currentPower":"--"}}`))
	assert.False(t, ok)
	_, ok = parsePowerW(mustDecode(t, `{"data":{}}`))
	assert.False(t, ok)
}

func TestParseEnergy(t *testing.T) {
	payload := mustDecode(t, `{"data":{"dayEnergy":"1,5","energyMonth":20,"annualEnergy":"300","lifetimeEnergy":4000.5}}`)

	today, ok := parseEnergy(payload, energyTodayKeys)
	require.True(t, ok)
	assert.InDelta(t, 1.5, today, 1e-9)

	month, ok := parseEnergy(payload, energyMonthKeys)
	require.True(t, ok)
	assert.InDelta(t, 20, month, 1e-9)

	year, ok := parseEnergy(payload, energyYearKeys)
	require.True(t, ok)
	assert.InDelta(t, 300, year, 1e-9)

	total, ok := parseEnergy(payload, energyTotalKeys)
	require.True(t, ok)
	assert.InDelta(t, 4000.5, total, 1e-9)
}

func TestParseSnapshotRequiresAllReadings(t *testing.T) {
	payload := mustDecode(t, `{"data":{"currentPower":1,"dailyEnergy":1,"monthEnergy":1,"yearEnergy":1}}`)
	_, err := parseSnapshot("NE=1", payload)
	assert.Equal(t, ErrSchemaChanged, KindOf(err))
}

func TestLoginPayloadPredicates(t *testing.T) {
	assert.True(t, loginSucceeded(mustDecode(t, `{"code":0}`)))
	assert.True(t, loginSucceeded(mustDecode(t, `{"code":"0"}`)))
	assert.False(t, loginSucceeded(mustDecode(t, `{"code":null}`)))
	assert.False(t, loginSucceeded(mustDecode(t, `{}`)))
	assert.False(t, loginSucceeded(mustDecode(t, `[]`)))

	assert.True(t, loginInvalidAuth(mustDecode(t, `{"code":401}`)))
	assert.True(t, loginInvalidAuth(mustDecode(t, `{"code":"","errorCode":"USER_NOT_EXIST"}`)))
	assert.True(t, loginInvalidAuth(mustDecode(t, `{"code":"x","msg":"Password is INVALID"}`)))
	assert.False(t, loginInvalidAuth(mustDecode(t, `{"code":"x","msg":"password expired"}`)))
	assert.False(t, loginInvalidAuth(mustDecode(t, `{"code":"500"}`)))

	assert.True(t, loginRequiresVerifyCode(mustDecode(t, `{"payload":{"verifyCodeCreate":true}}`)))
	assert.False(t, loginRequiresVerifyCode(mustDecode(t, `{"payload":{"verifyCodeCreate":false}}`)))
	assert.False(t, loginRequiresVerifyCode(mustDecode(t, `{"payload":null}`)))
}

func TestExtractLoginTicket(t *testing.T) {
	assert.Equal(t, "T1", extractLoginTicket(mustDecode(t, `{"payload":{"ticket":"T1","redirectURL":"/x?ticket=T2"}}`), http.Header{}))
	assert.Equal(t, "T2", extractLoginTicket(mustDecode(t, `{"payload":{"redirectURL":"/x?ticket=T2"}}`), http.Header{}))

	header := http.Header{}
	header.Set("Location", "https://host/cas?ticket=T3")
	assert.Equal(t, "T3", extractLoginTicket(mustDecode(t, `{"payload":{"redirectURL":"/x?ticket="}}`), header))

	assert.Empty(t, extractLoginTicket(mustDecode(t, `{}`), http.Header{}))
}

func TestTimezoneHelpers(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+30*60)
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, ist)
	assert.Equal(t, 330, timezoneOffsetMinutes(now))
	assert.InDelta(t, 5.5, timezoneOffsetHours(now), 1e-9)
	assert.Equal(t, "5.5", formatNumber(timezoneOffsetHours(now)))

	cet := time.FixedZone("CET", 3600)
	now = time.Date(2026, 3, 14, 10, 30, 0, 0, cet)
	assert.Equal(t, "1", formatNumber(timezoneOffsetHours(now)))
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, cet).UnixMilli(), localMidnightMillis(now))

	payload := stationListPayload(now)
	assert.Equal(t, 1.0, payload["timeZone"])
	assert.Equal(t, "DESC", payload["sortDir"])

	assert.Equal(t, "c-"+"19ce3e0fb40", roarandToken(time.UnixMilli(0x19ce3e0fb40)))
}

func TestMaskUsername(t *testing.T) {
	assert.Equal(t, "", MaskUsername(""))
	assert.Equal(t, "*", MaskUsername("a"))
	assert.Equal(t, "**", MaskUsername("ab"))
	assert.Equal(t, "ab***c", MaskUsername("abc"))
	assert.Equal(t, "us***m", MaskUsername("user@example.com"))
	assert.Equal(t, "**", MaskUsername("éa"))
	assert.Equal(t, "日本***人", MaskUsername("日本人"))
	assert.True(t, utf8.ValidString(MaskUsername("日本人の利用者")))
}
