package fusionsolar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	plantIDKeys   = []string{"dn", "stationDn", "stationCode", "plantId", "stationId", "id"}
	plantNameKeys = []string{"name", "stationName", "plantName", "stationAlias"}

	powerKeys     = []string{"currentPower", "activePower", "realTimePower", "power", "pac"}
	powerUnitKeys = []string{"powerUnit", "activePowerUnit", "onlyInverterPowerUnit", "unit"}

	energyTodayKeys = []string{"dailyEnergy", "energyToday", "dayEnergy", "todayEnergy"}
	energyMonthKeys = []string{"monthEnergy", "energyMonth", "monthlyEnergy"}
	energyYearKeys  = []string{"yearEnergy", "energyYear", "annualEnergy"}
	energyTotalKeys = []string{"cumulativeEnergy", "totalEnergy", "energyTotal", "accumulatedEnergy", "lifetimeEnergy"}

	csrfKeys = []string{"csrf", "csrfToken", "token", "xsrftoken"}
)

var loginErrorCodes = map[string]bool{
	"401":                 true,
	"403":                 true,
	"100001":              true,
	"100002":              true,
	"USER_PASSWORD_ERROR": true,
	"USER_NOT_EXIST":      true,
}

// decodePayload decodes a JSON body, keeping numbers exact. Non-JSON bodies
// come back as {"raw": body}.
func decodePayload(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return map[string]any{"raw": string(body)}
	}
	return payload
}

// findValue searches payload for the first non-empty value under one of
// keys. Keys match case-insensitively and are tried in priority order at
// each level before nested values are searched.
func findValue(payload any, keys []string) (any, string, bool) {
	switch typed := payload.(type) {
	case map[string]any:
		names := sortedKeys(typed)
		lowered := make(map[string]string, len(names))
		for _, name := range names {
			lower := strings.ToLower(name)
			if _, exists := lowered[lower]; !exists {
				lowered[lower] = name
			}
		}
		for _, candidate := range keys {
			actual, ok := lowered[strings.ToLower(candidate)]
			if !ok {
				continue
			}
			if value := typed[actual]; present(value) {
				return value, actual, true
			}
		}
		for _, name := range names {
			if value, key, ok := findValue(typed[name], keys); ok {
				return value, key, true
			}
		}
	case []any:
		for _, item := range typed {
			if value, key, ok := findValue(item, keys); ok {
				return value, key, true
			}
		}
	}
	return nil, "", false
}

func present(value any) bool {
	if value == nil {
		return false
	}
	if text, ok := value.(string); ok && text == "" {
		return false
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func extractData(payload any) any {
	if m, ok := payload.(map[string]any); ok {
		if data, ok := m["data"].(map[string]any); ok {
			return data
		}
	}
	return payload
}

func findString(payload any, keys []string) string {
	value, _, ok := findValue(payload, keys)
	if !ok {
		return ""
	}
	return toString(value)
}

func findFloat(payload any, keys []string) (float64, string, bool) {
	value, key, ok := findValue(payload, keys)
	if !ok {
		return 0, "", false
	}
	parsed, ok := toFloat(value)
	return parsed, key, ok
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case string:
		text := strings.ReplaceAll(strings.TrimSpace(typed), ",", ".")
		if text == "" || text == "--" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(text, 64)
		return parsed, err == nil
	}
	return 0, false
}

func toString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != ""
	case json.Number:
		f, err := typed.Float64()
		return err == nil && f != 0
	case map[string]any:
		return len(typed) > 0
	case []any:
		return len(typed) > 0
	}
	return true
}

// parseStationList extracts plants from a station-list payload, falling back
// to a walk of every nested object for unknown payload variants.
func parseStationList(payload any) []Plant {
	var plants []Plant
	if data, ok := extractData(payload).(map[string]any); ok {
		if entries, ok := data["list"].([]any); ok {
			for _, entry := range entries {
				m, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				id := findString(m, plantIDKeys)
				if id == "" {
					continue
				}
				name := findString(m, plantNameKeys)
				if name == "" {
					name = id
				}
				plants = append(plants, Plant{ID: id, Name: name})
			}
		}
	}
	if len(plants) > 0 {
		return plants
	}
	return parsePlantsFallback(payload)
}

func parsePlantsFallback(payload any) []Plant {
	var plants []Plant
	index := make(map[string]int)
	for _, entry := range walkEntries(payload) {
		id := findString(entry, plantIDKeys)
		if id == "" {
			continue
		}
		name := findString(entry, plantNameKeys)
		if name == "" {
			name = id
		}
		if i, ok := index[id]; ok {
			plants[i].Name = name
			continue
		}
		index[id] = len(plants)
		plants = append(plants, Plant{ID: id, Name: name})
	}
	return plants
}

func walkEntries(payload any) []map[string]any {
	var entries []map[string]any
	switch typed := payload.(type) {
	case map[string]any:
		entries = append(entries, typed)
		for _, key := range sortedKeys(typed) {
			entries = append(entries, walkEntries(typed[key])...)
		}
	case []any:
		for _, item := range typed {
			entries = append(entries, walkEntries(item)...)
		}
	}
	return entries
}

func extractPlantName(payload any) string {
	return findString(extractData(payload), plantNameKeys)
}

// parsePowerW normalizes the KPI power reading to watts.
func parsePowerW(payload any) (float64, bool) {
	data := extractData(payload)
	value, key, ok := findFloat(data, powerKeys)
	if !ok {
		return 0, false
	}

	unit := strings.ToLower(findString(data, powerUnitKeys))
	key = strings.ToLower(key)

	switch {
	case unit == "kw" || key == "currentpower" || key == "inverterpower":
		return value * 1000, true
	case unit == "mw":
		return value * 1_000_000, true
	case unit == "w":
		return value, true
	}

	// The KPI endpoint reports kW without a unit.
	switch key {
	case "activepower", "realtimepower", "power", "pac":
		if math.Abs(value) < 1000 {
			return value * 1000, true
		}
	}
	return value, true
}

func parseEnergy(payload any, keys []string) (float64, bool) {
	value, _, ok := findFloat(extractData(payload), keys)
	return value, ok
}

// parseSnapshot builds a Snapshot from a station-real-kpi payload.
func parseSnapshot(plantID string, payload any) (Snapshot, error) {
	power, okPower := parsePowerW(payload)
	today, okToday := parseEnergy(payload, energyTodayKeys)
	month, okMonth := parseEnergy(payload, energyMonthKeys)
	year, okYear := parseEnergy(payload, energyYearKeys)
	total, okTotal := parseEnergy(payload, energyTotalKeys)
	if !okPower || !okToday || !okMonth || !okYear || !okTotal {
		return Snapshot{}, apiErrorf(ErrSchemaChanged, "unable to parse metrics for plant_id=%s", plantID)
	}
	return Snapshot{
		PlantID:        plantID,
		PlantName:      extractPlantName(payload),
		PowerW:         power,
		EnergyTodayKWh: today,
		EnergyMonthKWh: month,
		EnergyYearKWh:  year,
		EnergyTotalKWh: total,
	}, nil
}

func loginSucceeded(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	code, ok := m["code"]
	if !ok || code == nil {
		return false
	}
	return toString(code) == "0"
}

func loginInvalidAuth(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}

	code := m["code"]
	if !truthy(code) {
		code = m["errorCode"]
	}
	if code != nil && loginErrorCodes[toString(code)] {
		return true
	}

	message := m["message"]
	if !truthy(message) {
		message = m["msg"]
	}
	text := strings.ToLower(toString(message))
	if strings.Contains(text, "password") &&
		(strings.Contains(text, "wrong") || strings.Contains(text, "invalid") || strings.Contains(text, "error")) {
		return true
	}
	return false
}

func loginRequiresVerifyCode(payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	data, ok := m["payload"].(map[string]any)
	if !ok {
		return false
	}
	return truthy(data["verifyCodeCreate"])
}

// extractLoginTicket finds the SSO ticket in the login payload or in the
// redirect headers.
func extractLoginTicket(payload any, header http.Header) string {
	if m, ok := payload.(map[string]any); ok {
		if data, ok := m["payload"].(map[string]any); ok {
			if ticket := toString(data["ticket"]); ticket != "" {
				return ticket
			}
			if ticket := ticketFromURL(toString(data["redirectURL"])); ticket != "" {
				return ticket
			}
		}
	}

	redirect := header.Get("redirect_url")
	if redirect == "" {
		redirect = header.Get("Location")
	}
	return ticketFromURL(redirect)
}

func ticketFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("ticket")
}

func timezoneOffsetMinutes(t time.Time) int {
	_, offset := t.Zone()
	return int(math.Floor(float64(offset) / 60))
}

func timezoneOffsetHours(t time.Time) float64 {
	hours := float64(timezoneOffsetMinutes(t)) / 60
	if hours == math.Trunc(hours) {
		return hours
	}
	return math.Round(hours*100) / 100
}

func formatNumber(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func localMidnightMillis(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).UnixMilli()
}

func stationListPayload(t time.Time) map[string]any {
	return map[string]any{
		"curPage":           1,
		"pageSize":          100,
		"gridConnectedTime": "",
		"queryTime":         localMidnightMillis(t),
		"timeZone":          timezoneOffsetHours(t),
		"sortId":            "createTime",
		"sortDir":           "DESC",
		"locale":            "en_US",
	}
}

func roarandToken(t time.Time) string {
	return "c-" + strconv.FormatInt(t.UTC().UnixMilli(), 16)
}

// MaskUsername hides most of a username for logs and diagnostics.
func MaskUsername(username string) string {
	chars := []rune(username)
	if len(chars) <= 2 {
		return strings.Repeat("*", len(chars))
	}
	return string(chars[:2]) + "***" + string(chars[len(chars)-1])
}
