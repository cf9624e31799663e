package fusionsolar

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
)

// ClientConfigFromAccount resolves the account password and builds the
// client config.
func ClientConfigFromAccount(account config.Account) (Config, error) {
	if strings.TrimSpace(account.Username) == "" {
		return Config{}, fmt.Errorf("fusionsolar username is required")
	}
	password, err := account.Password()
	if err != nil {
		return Config{}, fmt.Errorf("fusionsolar password: %w", err)
	}

	return Config{
		Username:      strings.TrimSpace(account.Username),
		Password:      password,
		PreferredHost: account.HostOverride,
		EffectiveHost: account.EffectiveHost,
		VerifySSL:     account.VerifySSLEnabled(),
		Timeout:       time.Duration(account.RequestTimeoutSeconds) * time.Second,
	}, nil
}

func OptionsFromAccount(account config.Account) Options {
	return Options{
		PollInterval:    time.Duration(account.PollIntervalSeconds) * time.Second,
		RequestTimeout:  time.Duration(account.RequestTimeoutSeconds) * time.Second,
		EnabledPlantIDs: append([]string(nil), account.EnabledPlantIDs...),
		HostOverride:    account.HostOverride,
	}
}

// Account is the runtime of one configured FusionSolar login.
type Account struct {
	ID       string
	Client   *Client
	Coord    *Coordinator
	Entities *EntityTracker

	mu  sync.Mutex
	cfg config.Account
}

func NewAccount(cfg config.Account, opts ...Option) (*Account, error) {
	clientCfg, err := ClientConfigFromAccount(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithRateLimits(DefaultRateLimits().Scope(cfg.UniqueID()))}, opts...)
	client, err := NewClient(clientCfg, opts...)
	if err != nil {
		return nil, err
	}
	return newAccount(cfg, client, client), nil
}

func newAccount(cfg config.Account, client *Client, api API) *Account {
	return &Account{
		ID:       cfg.UniqueID(),
		Client:   client,
		Coord:    NewCoordinator(api, OptionsFromAccount(cfg)),
		Entities: NewEntityTracker(),
		cfg:      cfg,
	}
}

// Config returns a copy of the account config.
func (a *Account) Config() config.Account {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.cfg
	cfg.EnabledPlantIDs = append([]string(nil), a.cfg.EnabledPlantIDs...)
	if a.cfg.PlantIndex != nil {
		cfg.PlantIndex = make(map[string]string, len(a.cfg.PlantIndex))
		for id, name := range a.cfg.PlantIndex {
			cfg.PlantIndex[id] = name
		}
	}
	return cfg
}

// ApplyOptions updates the polling options from a reloaded config.
func (a *Account) ApplyOptions(cfg config.Account) {
	a.mu.Lock()
	a.cfg.PollIntervalSeconds = cfg.PollIntervalSeconds
	a.cfg.RequestTimeoutSeconds = cfg.RequestTimeoutSeconds
	a.cfg.EnabledPlantIDs = append([]string(nil), cfg.EnabledPlantIDs...)
	a.cfg.HostOverride = cfg.HostOverride
	a.mu.Unlock()
	a.Coord.SetOptions(OptionsFromAccount(cfg))
}

// ReloadPassword re-reads a rotated password file and hands the new password
// to the client, resuming polling if it was paused on an auth failure.
// Environment passwords cannot change under a running process and are left
// alone, as is an in-memory password set by reauthentication.
func (a *Account) ReloadPassword(cfg config.Account) (bool, error) {
	a.mu.Lock()
	a.cfg.PasswordFile = cfg.PasswordFile
	a.cfg.PasswordEnv = cfg.PasswordEnv
	a.mu.Unlock()

	if cfg.PasswordFile == "" || a.Client == nil {
		return false, nil
	}
	password, err := cfg.Password()
	if err != nil {
		return false, fmt.Errorf("fusionsolar password: %w", err)
	}
	if a.Client.hasPassword(password) {
		return false, nil
	}
	a.Client.UpdateCredentials(strings.TrimSpace(cfg.Username), password)
	a.Coord.Reauthenticated()
	return true, nil
}

func (a *Account) setCredentials(username, host string, plantIndex map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Username = username
	if host != "" {
		a.cfg.EffectiveHost = host
	}
	a.cfg.PlantIndex = plantIndex
}
