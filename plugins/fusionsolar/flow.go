package fusionsolar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
)

// Setup flow error codes, as shown to the user.
const (
	CodeInvalidAuth       = "invalid_auth"
	CodeRateLimited       = "rate_limited"
	CodeSchemaChanged     = "endpoint_schema_changed"
	CodeCannotConnect     = "cannot_connect"
	CodeUnknown           = "unknown"
	CodeAlreadyConfigured = "already_configured"
)

var ErrAlreadyConfigured = errors.New(CodeAlreadyConfigured)

// SetupInput is what a user enters to add or reauthenticate an account.
type SetupInput struct {
	Username     string
	Password     string
	HostOverride string
	VerifySSL    bool
}

// Validated is the outcome of a successful login and plant discovery.
type Validated struct {
	EffectiveHost string
	PlantIndex    map[string]string
}

// ValidateInput logs in with the given credentials and lists the plants.
func ValidateInput(ctx context.Context, in SetupInput, opts ...Option) (Validated, error) {
	client, err := NewClient(Config{
		Username:      in.Username,
		Password:      in.Password,
		PreferredHost: config.NormalizeHost(in.HostOverride),
		VerifySSL:     in.VerifySSL,
	}, opts...)
	if err != nil {
		return Validated{}, err
	}

	if err := client.Login(ctx); err != nil {
		return Validated{}, err
	}
	plants, err := client.Plants(ctx)
	if err != nil {
		return Validated{}, err
	}
	if len(plants) == 0 {
		return Validated{}, apiErrorf(ErrCannotConnect, "no plants available")
	}

	index := make(map[string]string, len(plants))
	for _, plant := range plants {
		index[plant.ID] = plant.Name
	}
	return Validated{EffectiveHost: client.EffectiveHost(), PlantIndex: index}, nil
}

func UniqueID(username, host string) string {
	return strings.ToLower(strings.TrimSpace(username)) + "@" + host
}

// ErrorCode maps a flow error to its user-facing code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrAlreadyConfigured) {
		return CodeAlreadyConfigured
	}
	switch KindOf(err) {
	case ErrInvalidAuth:
		return CodeInvalidAuth
	case ErrRateLimited:
		return CodeRateLimited
	case ErrSchemaChanged:
		return CodeSchemaChanged
	case ErrCannotConnect:
		return CodeCannotConnect
	default:
		return CodeUnknown
	}
}

// AddAccount appends a validated account to cfg with default options and
// every discovered plant enabled.
func AddAccount(cfg *config.Config, in SetupInput, validated Validated, passwordFile string) (config.Account, error) {
	uniqueID := UniqueID(in.Username, validated.EffectiveHost)
	if cfg.FindAccount(uniqueID) >= 0 {
		return config.Account{}, ErrAlreadyConfigured
	}

	verify := in.VerifySSL
	account := config.Account{
		Username:              strings.TrimSpace(in.Username),
		PasswordFile:          passwordFile,
		HostOverride:          config.NormalizeHost(in.HostOverride),
		EffectiveHost:         validated.EffectiveHost,
		VerifySSL:             &verify,
		PollIntervalSeconds:   config.DefaultPollIntervalSeconds,
		RequestTimeoutSeconds: config.DefaultRequestTimeoutSeconds,
		EnabledPlantIDs:       sortedPlantIDs(validated.PlantIndex),
		PlantIndex:            validated.PlantIndex,
	}
	if err := config.ValidateAccount(account); err != nil {
		return config.Account{}, err
	}

	if cfg.FusionSolar == nil {
		cfg.FusionSolar = &config.FusionSolarConfig{}
	}
	cfg.FusionSolar.Accounts = append(cfg.FusionSolar.Accounts, account)
	return account, nil
}

// OptionsInput are the user-editable polling options of an account. Nil
// EnabledPlantIDs keeps the current selection.
type OptionsInput struct {
	PollIntervalSeconds   int
	RequestTimeoutSeconds int
	HostOverride          string
	EnabledPlantIDs       []string
}

// UpdateOptions validates and applies options to the account with the
// given unique ID.
func UpdateOptions(cfg *config.Config, uniqueID string, in OptionsInput) (config.Account, error) {
	idx := cfg.FindAccount(uniqueID)
	if idx < 0 {
		return config.Account{}, fmt.Errorf("account %s not found", uniqueID)
	}

	account := cfg.FusionSolar.Accounts[idx]
	account.PollIntervalSeconds = in.PollIntervalSeconds
	account.RequestTimeoutSeconds = in.RequestTimeoutSeconds
	account.HostOverride = config.NormalizeHost(in.HostOverride)
	if in.EnabledPlantIDs != nil {
		account.EnabledPlantIDs = append([]string(nil), in.EnabledPlantIDs...)
	}
	if err := config.ValidateAccount(account); err != nil {
		return config.Account{}, err
	}

	cfg.FusionSolar.Accounts[idx] = account
	return account, nil
}

func sortedPlantIDs(index map[string]string) []string {
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
