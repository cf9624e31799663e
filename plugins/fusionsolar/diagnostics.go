package fusionsolar

import (
	"encoding/json"
	"fmt"
	"strings"
)

const redactedValue = "**REDACTED**"

var redactKeys = map[string]bool{
	"password":      true,
	"cookie":        true,
	"cookies":       true,
	"token":         true,
	"csrf":          true,
	"session":       true,
	"authorization": true,
}

// Diagnostics is the support dump of one account. Secrets are redacted.
type Diagnostics struct {
	ConfigEntry        map[string]any `json:"config_entry"`
	ConfigEntryOptions map[string]any `json:"config_entry_options"`
	UsernameMasked     *string        `json:"username_masked"`
	Runtime            map[string]any `json:"runtime"`
}

func BuildDiagnostics(account *Account) (Diagnostics, error) {
	cfg := account.Config()

	data := map[string]any{
		"host_override":  nullable(cfg.HostOverride),
		"effective_host": nullable(cfg.EffectiveHost),
		"verify_ssl":     cfg.VerifySSLEnabled(),
		"plant_index":    cfg.PlantIndex,
	}
	switch {
	case cfg.PasswordFile != "":
		data["password"] = cfg.PasswordFile
	case cfg.PasswordEnv != "":
		data["password"] = cfg.PasswordEnv
	}

	options := map[string]any{
		"poll_interval_seconds":   cfg.PollIntervalSeconds,
		"request_timeout_seconds": cfg.RequestTimeoutSeconds,
		"enabled_plant_ids":       cfg.EnabledPlantIDs,
		"host_override":           nullable(cfg.HostOverride),
	}

	runtime := map[string]any{}
	if account.Client != nil {
		api, err := toMap(account.Client.DebugState())
		if err != nil {
			return Diagnostics{}, err
		}
		runtime["api"] = api
	}
	coordinator, err := toMap(account.Coord.Diagnostics())
	if err != nil {
		return Diagnostics{}, err
	}
	runtime["coordinator"] = coordinator

	var masked *string
	if username := strings.TrimSpace(cfg.Username); username != "" {
		value := MaskUsername(username)
		masked = &value
	}

	return Diagnostics{
		ConfigEntry:        Redact(data).(map[string]any),
		ConfigEntryOptions: Redact(options).(map[string]any),
		UsernameMasked:     masked,
		Runtime:            Redact(runtime).(map[string]any),
	}, nil
}

// Redact replaces values under sensitive keys, recursing into maps and
// lists.
func Redact(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			if redactKeys[key] {
				out[key] = redactedValue
				continue
			}
			out[key] = Redact(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = Redact(item)
		}
		return out
	default:
		return value
	}
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func toMap(value any) (map[string]any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode diagnostics: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode diagnostics: %w", err)
	}
	return out, nil
}
