package fusionsolar

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/internal/core"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
	"github.com/joshp123/gohome-fusionsolar/internal/rate"
	"github.com/joshp123/gohome-fusionsolar/internal/state"
)

//go:embed AGENTS.md
var agentsMD string

//go:embed dashboard.json
var dashboardJSON []byte

const (
	PluginID    = "fusionsolar"
	ServiceName = "fusionsolar.v1.FusionSolarService"

	stateSaveTimeout = 10 * time.Second
)

var ErrAccountNotFound = errors.New("account not found")

// UpdateSink receives every coordinator update together with the entities
// it added.
type UpdateSink interface {
	HandleUpdate(ctx context.Context, account *Account, added []Entity, update Update)
}

// PluginOption customizes a Plugin.
type PluginOption func(*Plugin)

// WithStateStore persists sessions after successful updates and restores
// them at start.
func WithStateStore(store *state.Store) PluginOption {
	return func(p *Plugin) {
		p.store = store
	}
}

func WithUpdateSink(sink UpdateSink) PluginOption {
	return func(p *Plugin) {
		p.sinks = append(p.sinks, sink)
	}
}

// WithCleanup registers fn to run on Close.
func WithCleanup(fn func() error) PluginOption {
	return func(p *Plugin) {
		p.cleanups = append(p.cleanups, fn)
	}
}

// WithClientOptions applies opts to every account client.
func WithClientOptions(opts ...Option) PluginOption {
	return func(p *Plugin) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Plugin implements the plugin contract for any number of FusionSolar
// accounts.
type Plugin struct {
	store      *state.Store
	sinks      []UpdateSink
	clientOpts []Option
	cleanups   []func() error
	collector  *MetricsCollector

	mu       sync.RWMutex
	accounts map[string]*Account
	cancels  map[string]context.CancelFunc
	errs     map[string]error
	runCtx   context.Context
	wg       sync.WaitGroup
}

// NewPlugin builds the plugin from config. It returns false when the
// FusionSolar section is absent.
func NewPlugin(cfg *config.FusionSolarConfig, opts ...PluginOption) (*Plugin, bool) {
	if cfg == nil {
		return nil, false
	}

	p := &Plugin{
		accounts: make(map[string]*Account),
		cancels:  make(map[string]context.CancelFunc),
		errs:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.collector = NewMetricsCollector(p.Accounts)

	for _, accountCfg := range cfg.Accounts {
		if err := p.addAccount(accountCfg); err != nil {
			p.errs[accountCfg.UniqueID()] = err
		}
	}
	return p, true
}

func (p *Plugin) addAccount(cfg config.Account) error {
	account, err := NewAccount(cfg, p.clientOpts...)
	if err != nil {
		return err
	}
	p.attach(account)
	return nil
}

// attach wires the listener and registers the account. Callers must not hold
// p.mu.
func (p *Plugin) attach(account *Account) {
	account.Coord.AddListener(func(ctx context.Context, update Update) {
		p.handleUpdate(ctx, account, update)
	})
	p.mu.Lock()
	p.accounts[account.ID] = account
	delete(p.errs, account.ID)
	p.mu.Unlock()
}

func (p *Plugin) handleUpdate(ctx context.Context, account *Account, update Update) {
	added := account.Entities.Collect(update.Data)
	if len(added) > 0 {
		log.Ctx(ctx).Info("fusionsolar entities added", "account", account.ID, "count", len(added))
	}
	if update.Err == nil {
		p.saveState(ctx, account)
	}
	for _, sink := range p.sinks {
		sink.HandleUpdate(ctx, account, added, update)
	}
}

func (p *Plugin) ID() string {
	return PluginID
}

func (p *Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    PluginID,
		DisplayName: "Huawei FusionSolar",
		Version:     "0.1.0",
		Services:    []string{ServiceName},
	}
}

func (p *Plugin) AgentsMD() string {
	return agentsMD
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "fusionsolar-overview", JSON: dashboardJSON}}
}

func (p *Plugin) RegisterGRPC(server *grpc.Server) error {
	return RegisterFusionSolarService(server, p)
}

func (p *Plugin) Collectors() []prometheus.Collector {
	return append([]prometheus.Collector{p.collector}, rate.MetricsCollectors()...)
}

// Health is ERROR when no account could be built, DEGRADED when any account
// failed to build, needs reauthentication or failed its last update.
func (p *Plugin) Health() core.HealthStatus {
	status, _ := p.health()
	return status
}

func (p *Plugin) HealthMessage() string {
	_, message := p.health()
	return message
}

func (p *Plugin) health() (core.HealthStatus, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var problems []string
	for id, err := range p.errs {
		problems = append(problems, id+": "+err.Error())
	}
	if len(p.accounts) == 0 {
		if len(problems) == 0 {
			return core.HealthError, "no fusionsolar accounts configured"
		}
		sort.Strings(problems)
		return core.HealthError, strings.Join(problems, "; ")
	}

	for id, account := range p.accounts {
		switch {
		case account.Coord.AuthFailed():
			problems = append(problems, id+": reauthentication required")
		case account.Coord.LastError() != nil:
			problems = append(problems, id+": "+account.Coord.LastError().Error())
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return core.HealthDegraded, strings.Join(problems, "; ")
	}
	return core.HealthHealthy, ""
}

// Accounts returns the running accounts ordered by unique ID.
func (p *Plugin) Accounts() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, 0, len(p.accounts))
	for _, account := range p.accounts {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Account looks up an account by unique ID. An empty ID selects the only
// account when exactly one is configured.
func (p *Plugin) Account(id string) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id == "" && len(p.accounts) == 1 {
		for _, account := range p.accounts {
			return account, nil
		}
	}
	account, ok := p.accounts[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, id)
	}
	return account, nil
}

// Start restores persisted sessions and polls every account until ctx is
// done.
func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	for _, account := range p.Accounts() {
		p.startAccount(ctx, account)
	}

	<-ctx.Done()
	p.wg.Wait()
	return nil
}

func (p *Plugin) startAccount(ctx context.Context, account *Account) {
	actx, cancel := context.WithCancel(log.WithAttrs(ctx, "account", account.ID))

	p.mu.Lock()
	if prev, ok := p.cancels[account.ID]; ok {
		prev()
	}
	p.cancels[account.ID] = cancel
	p.mu.Unlock()

	p.restoreState(actx, account)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := account.Coord.Run(actx); err != nil && !errors.Is(err, context.Canceled) {
			log.Ctx(actx).Error("fusionsolar coordinator stopped", "error", err)
		}
	}()
}

// ApplyConfig reconciles running accounts with a reloaded config: options
// of existing accounts are updated, new accounts are started and removed
// accounts are stopped.
func (p *Plugin) ApplyConfig(ctx context.Context, cfg *config.FusionSolarConfig) {
	wanted := make(map[string]config.Account)
	if cfg != nil {
		for _, account := range cfg.Accounts {
			wanted[account.UniqueID()] = account
		}
	}

	for _, account := range p.Accounts() {
		next, ok := wanted[account.ID]
		if !ok {
			p.removeAccount(account.ID)
			log.Ctx(ctx).Info("fusionsolar account removed", "account", account.ID)
			continue
		}
		account.ApplyOptions(next)
		switch changed, err := account.ReloadPassword(next); {
		case err != nil:
			log.Ctx(ctx).Error("fusionsolar password reload failed", "account", account.ID, "error", err)
		case changed:
			log.Ctx(ctx).Info("fusionsolar password reloaded", "account", account.ID)
		}
		delete(wanted, account.ID)
	}

	p.mu.RLock()
	runCtx := p.runCtx
	p.mu.RUnlock()

	for id, accountCfg := range wanted {
		if err := p.addAccount(accountCfg); err != nil {
			log.Ctx(ctx).Error("fusionsolar account setup failed", "account", id, "error", err)
			p.mu.Lock()
			p.errs[id] = err
			p.mu.Unlock()
			continue
		}
		log.Ctx(ctx).Info("fusionsolar account added", "account", id)
		if runCtx != nil {
			account, err := p.Account(id)
			if err == nil {
				p.startAccount(runCtx, account)
			}
		}
	}
}

// Reload applies the FusionSolar section of a reloaded config.
func (p *Plugin) Reload(ctx context.Context, cfg *config.Config) {
	p.ApplyConfig(ctx, cfg.FusionSolar)
}

// Close releases the MQTT and history connections.
func (p *Plugin) Close() error {
	var errs []error
	for _, fn := range p.cleanups {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

func (p *Plugin) removeAccount(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
	delete(p.accounts, id)
}

// Reauthenticate validates new credentials for an account, updates the
// running client and resumes polling. A password file configured for the
// account is rewritten with the new password.
func (p *Plugin) Reauthenticate(ctx context.Context, id string, in SetupInput) (Validated, error) {
	account, err := p.Account(id)
	if err != nil {
		return Validated{}, err
	}
	cfg := account.Config()

	in.Username = cfg.Username
	if strings.TrimSpace(in.HostOverride) == "" {
		in.HostOverride = cfg.HostOverride
	}
	in.VerifySSL = cfg.VerifySSLEnabled()
	if in.Password == "" {
		return Validated{}, fmt.Errorf("password is required")
	}

	validated, err := ValidateInput(ctx, in, p.clientOpts...)
	if err != nil {
		return Validated{}, err
	}

	if cfg.PasswordFile != "" {
		if err := os.WriteFile(cfg.PasswordFile, []byte(in.Password+"\n"), 0o600); err != nil {
			return Validated{}, fmt.Errorf("write password file: %w", err)
		}
	}

	if account.Client != nil {
		account.Client.UpdateCredentials(in.Username, in.Password)
	}
	account.setCredentials(in.Username, validated.EffectiveHost, validated.PlantIndex)
	cfg.HostOverride = config.NormalizeHost(in.HostOverride)
	account.ApplyOptions(cfg)
	account.Coord.Reauthenticated()
	log.Ctx(ctx).Info("fusionsolar account reauthenticated", "account", account.ID)
	return validated, nil
}

// Diagnostics returns the redacted support dump of every account.
func (p *Plugin) Diagnostics(context.Context) (any, error) {
	out := make(map[string]Diagnostics)
	for _, account := range p.Accounts() {
		diag, err := BuildDiagnostics(account)
		if err != nil {
			return nil, err
		}
		out[account.ID] = diag
	}
	return out, nil
}

func (p *Plugin) restoreState(ctx context.Context, account *Account) {
	if p.store == nil || account.Client == nil {
		return
	}
	entry, err := p.store.Load(ctx, account.ID)
	if errors.Is(err, state.ErrStateNotFound) {
		return
	}
	if err != nil {
		log.Ctx(ctx).Warn("fusionsolar state load failed", "error", err)
		return
	}
	if entry.UniqueID != account.ID || entry.Session == nil {
		return
	}

	cookies := make([]SessionCookie, 0, len(entry.Session.Cookies))
	for _, cookie := range entry.Session.Cookies {
		cookies = append(cookies, SessionCookie{Name: cookie.Name, Value: cookie.Value})
	}
	account.Client.RestoreSession(Session{Host: entry.Session.Host, CSRF: entry.Session.CSRF, Cookies: cookies})
	log.Ctx(ctx).Info("fusionsolar session restored", "host", entry.Session.Host)
}

func (p *Plugin) saveState(ctx context.Context, account *Account) {
	if p.store == nil || account.Client == nil {
		return
	}
	cfg := account.Config()
	entry := state.Entry{
		SchemaVersion: state.SchemaVersion,
		UniqueID:      account.ID,
		Username:      cfg.Username,
		EffectiveHost: account.Client.EffectiveHost(),
		PlantIndex:    account.Coord.KnownPlants(),
		UpdatedAt:     time.Now().UTC(),
	}
	if session, ok := account.Client.ExportSession(); ok {
		entry.Session = &state.Session{Host: session.Host, CSRF: session.CSRF}
		for _, cookie := range session.Cookies {
			entry.Session.Cookies = append(entry.Session.Cookies, state.Cookie{Name: cookie.Name, Value: cookie.Value})
		}
	}

	ctx, cancel := context.WithTimeout(ctx, stateSaveTimeout)
	defer cancel()
	if err := p.store.Save(ctx, entry); err != nil {
		log.Ctx(ctx).Warn("fusionsolar state save failed", "account", account.ID, "error", err)
	}
}
