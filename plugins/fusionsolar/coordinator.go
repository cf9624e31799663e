package fusionsolar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
)

const (
	minPollInterval   = config.MinPollIntervalSeconds * time.Second
	minRequestTimeout = config.MinRequestTimeoutSeconds * time.Second
	maxBackoff        = 600 * time.Second
	metricsFanOut     = 4
)

// ErrAuthFailed means the account needs new credentials. Polling stays
// paused until Reauthenticated is called.
var ErrAuthFailed = errors.New("fusionsolar reauthentication required")

// UpdateError is a failed refresh that keeps the previous data.
type UpdateError struct {
	Msg string
	Err error
}

func (e *UpdateError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// API is the client surface polled by the coordinator.
type API interface {
	Plants(ctx context.Context) ([]Plant, error)
	Metrics(ctx context.Context, plantID string) (Snapshot, error)
	SetTimeout(timeout time.Duration)
	SetPreferredHost(host string)
}

// Options are the per-account polling options.
type Options struct {
	PollInterval    time.Duration
	RequestTimeout  time.Duration
	EnabledPlantIDs []string
	HostOverride    string
}

func (o Options) normalized() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultPollIntervalSeconds * time.Second
	}
	o.PollInterval = max(o.PollInterval, minPollInterval)
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = config.DefaultRequestTimeoutSeconds * time.Second
	}
	o.RequestTimeout = max(o.RequestTimeout, minRequestTimeout)
	return o
}

// Update is delivered to listeners after every refresh.
type Update struct {
	Data map[string]Snapshot
	Err  error
}

type Listener func(ctx context.Context, update Update)

// CoordinatorDiagnostics is the coordinator part of the diagnostics dump.
type CoordinatorDiagnostics struct {
	FailureCount          int               `json:"failure_count"`
	UpdateIntervalSeconds int               `json:"update_interval_seconds"`
	KnownPlants           map[string]string `json:"known_plants"`
	LastSuccessAtUTC      *time.Time        `json:"last_success_at_utc"`
}

// Coordinator polls one account and keeps the latest snapshot per plant.
type Coordinator struct {
	api  API
	now  func() time.Time
	wake chan struct{}

	refreshMu sync.Mutex

	mu           sync.Mutex
	opts         Options
	data         map[string]Snapshot
	known        map[string]string
	failures     int
	interval     time.Duration
	lastSuccess  time.Time
	lastUpdateOK bool
	lastErr      error
	authFailed   bool
	listeners    []Listener
}

func NewCoordinator(api API, opts Options) *Coordinator {
	opts = opts.normalized()
	return &Coordinator{
		api:      api,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		opts:     opts,
		data:     make(map[string]Snapshot),
		known:    make(map[string]string),
		interval: opts.PollInterval,
	}
}

// AddListener registers fn for every future update.
func (c *Coordinator) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SetOptions applies new options and wakes the poll loop.
func (c *Coordinator) SetOptions(opts Options) {
	opts = opts.normalized()
	c.mu.Lock()
	c.opts = opts
	if c.failures == 0 {
		c.interval = opts.PollInterval
	}
	c.mu.Unlock()
	c.signal()
}

// Reauthenticated resumes polling after ErrAuthFailed.
func (c *Coordinator) Reauthenticated() {
	c.mu.Lock()
	c.authFailed = false
	c.mu.Unlock()
	c.signal()
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run refreshes immediately and then on the current interval until ctx
// ends.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		_, err := c.Refresh(ctx)
		if errors.Is(err, ErrAuthFailed) {
			log.Ctx(ctx).Warn("fusionsolar polling paused until reauthentication", "error", err)
			if err := c.waitForResume(ctx); err != nil {
				return err
			}
			continue
		}

		timer := time.NewTimer(c.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-c.wake:
			timer.Stop()
		}
	}
}

func (c *Coordinator) waitForResume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
			if !c.AuthFailed() {
				return nil
			}
		}
	}
}

// Refresh runs one update cycle and notifies listeners.
func (c *Coordinator) Refresh(ctx context.Context) (map[string]Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	snapshots, err := c.update(ctx)

	c.mu.Lock()
	c.lastErr = err
	resumed := false
	if err == nil {
		c.data = snapshots
		c.lastUpdateOK = true
		// Any successful refresh proves the session works again.
		resumed = c.authFailed
		c.authFailed = false
	} else {
		c.lastUpdateOK = false
		if errors.Is(err, ErrAuthFailed) {
			c.authFailed = true
		}
	}
	data := copySnapshots(c.data)
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	if resumed {
		c.signal()
	}

	if err != nil && !errors.Is(err, ErrAuthFailed) {
		log.Ctx(ctx).Warn("fusionsolar update failed", "error", err, "kind", ErrorKind(errors.Unwrap(err)))
	}

	for _, fn := range listeners {
		fn(ctx, Update{Data: data, Err: err})
	}
	return data, err
}

func (c *Coordinator) update(ctx context.Context) (map[string]Snapshot, error) {
	c.mu.Lock()
	opts := c.opts
	previous := c.data
	c.mu.Unlock()

	c.api.SetTimeout(opts.RequestTimeout)
	c.api.SetPreferredHost(opts.HostOverride)

	plants, err := c.api.Plants(ctx)
	if err != nil {
		switch KindOf(err) {
		case ErrInvalidAuth:
			return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
		case ErrRateLimited:
			c.applyBackoff()
			return nil, &UpdateError{Msg: "fusionsolar rate-limited the request", Err: err}
		case ErrCannotConnect:
			c.applyBackoff()
			return nil, &UpdateError{Msg: "cannot connect to fusionsolar", Err: err}
		case ErrSchemaChanged:
			return nil, &UpdateError{Msg: "fusionsolar endpoint schema changed", Err: err}
		default:
			return nil, &UpdateError{Msg: "unexpected fusionsolar error", Err: err}
		}
	}
	if len(plants) == 0 {
		return nil, &UpdateError{Msg: "no plants returned by fusionsolar"}
	}

	known := make(map[string]string, len(plants))
	for _, plant := range plants {
		known[plant.ID] = plant.Name
	}
	c.mu.Lock()
	c.known = known
	c.mu.Unlock()

	selected := selectPlants(plants, opts.EnabledPlantIDs)
	if len(selected) == 0 {
		return nil, &UpdateError{Msg: "no plants selected for polling"}
	}

	results := make([]Snapshot, len(selected))
	errs := make([]error, len(selected))
	var g errgroup.Group
	g.SetLimit(metricsFanOut)
	for i, plant := range selected {
		i, plant := i, plant
		g.Go(func() error {
			results[i], errs[i] = c.api.Metrics(ctx, plant.ID)
			return nil
		})
	}
	_ = g.Wait()

	snapshots := make(map[string]Snapshot, len(selected))
	var partial []string
	for i, plant := range selected {
		if err := errs[i]; err != nil {
			if KindOf(err) == ErrInvalidAuth {
				return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
			}
			partial = append(partial, plant.ID+":"+ErrorKind(err))
			if prev, ok := previous[plant.ID]; ok {
				snapshots[plant.ID] = prev
			}
			continue
		}
		snapshot := results[i]
		if snapshot.PlantName == "" {
			snapshot.PlantName = plant.Name
		}
		snapshots[plant.ID] = snapshot
	}

	if len(snapshots) == 0 {
		c.applyBackoff()
		return nil, &UpdateError{Msg: "all plant requests failed"}
	}
	if len(partial) > 0 {
		log.Ctx(ctx).Warn("partial fusionsolar update failure", "plants", strings.Join(partial, ", "))
	}

	c.mu.Lock()
	c.lastSuccess = c.now().UTC()
	c.mu.Unlock()
	c.clearBackoff()
	return snapshots, nil
}

func selectPlants(plants []Plant, enabled []string) []Plant {
	if len(enabled) == 0 {
		return plants
	}
	allowed := make(map[string]bool, len(enabled))
	for _, id := range enabled {
		allowed[id] = true
	}
	var selected []Plant
	for _, plant := range plants {
		if allowed[plant.ID] {
			selected = append(selected, plant)
		}
	}
	return selected
}

func (c *Coordinator) applyBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	next := c.opts.PollInterval
	for i := 0; i < c.failures && next < maxBackoff; i++ {
		next *= 2
	}
	c.interval = min(next, maxBackoff)
}

func (c *Coordinator) clearBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.interval = c.opts.PollInterval
}

// Data returns a copy of the latest snapshots keyed by plant ID.
func (c *Coordinator) Data() map[string]Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySnapshots(c.data)
}

func (c *Coordinator) KnownPlants() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	known := make(map[string]string, len(c.known))
	for id, name := range c.known {
		known[id] = name
	}
	return known
}

// PlantIDs returns the IDs of plants with data, sorted.
func (c *Coordinator) PlantIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.data))
	for id := range c.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *Coordinator) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// LastUpdateSuccess reports whether the most recent refresh succeeded.
func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdateOK
}

func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator) AuthFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authFailed
}

func (c *Coordinator) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

func (c *Coordinator) Diagnostics() CoordinatorDiagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]string, len(c.known))
	for id, name := range c.known {
		known[id] = name
	}
	diag := CoordinatorDiagnostics{
		FailureCount:          c.failures,
		UpdateIntervalSeconds: int(c.interval / time.Second),
		KnownPlants:           known,
	}
	if !c.lastSuccess.IsZero() {
		last := c.lastSuccess
		diag.LastSuccessAtUTC = &last
	}
	return diag
}

func copySnapshots(in map[string]Snapshot) map[string]Snapshot {
	out := make(map[string]Snapshot, len(in))
	for id, snapshot := range in {
		out[id] = snapshot
	}
	return out
}
