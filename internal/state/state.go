package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const SchemaVersion = 1

var ErrStateNotFound = errors.New("account state not found")

// Entry is the persisted runtime state of one FusionSolar account.
type Entry struct {
	SchemaVersion int               `json:"schema_version"`
	UniqueID      string            `json:"unique_id"`
	Username      string            `json:"username"`
	EffectiveHost string            `json:"effective_host"`
	PlantIndex    map[string]string `json:"plant_index,omitempty"`
	Session       *Session          `json:"session,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Session holds web session cookies so a restart can skip the login.
type Session struct {
	Host    string   `json:"host"`
	CSRF    string   `json:"csrf,omitempty"`
	Cookies []Cookie `json:"cookies"`
}

type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (e Entry) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version: %d", e.SchemaVersion)
	}
	if e.UniqueID == "" {
		return fmt.Errorf("state missing unique_id")
	}
	if e.Session != nil && e.Session.Host == "" {
		return fmt.Errorf("state session missing host")
	}
	return nil
}

func Load(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrStateNotFound
		}
		return Entry{}, fmt.Errorf("read state: %w", err)
	}
	return Decode(data)
}

func Decode(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode state: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func Encode(entry Entry) ([]byte, error) {
	if entry.SchemaVersion == 0 {
		entry.SchemaVersion = SchemaVersion
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// writeFile stores already encoded state.
func writeFile(path string, data []byte) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	return nil
}

// FileName maps an account unique ID to a safe file name.
func FileName(uniqueID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(uniqueID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		case r == '@':
			b.WriteString("_at_")
		default:
			b.WriteRune('_')
		}
	}
	return b.String() + ".json"
}
