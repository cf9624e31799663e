package fusionsolar

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes the coordinator state of every account. It never
// calls FusionSolar itself; values come from the last refresh.
type MetricsCollector struct {
	accounts func() []*Account

	mu           sync.Mutex
	readings     map[string]*prometheus.GaugeVec
	available    *prometheus.GaugeVec
	lastUpdated  *prometheus.GaugeVec
	lastSuccess  *prometheus.GaugeVec
	success      *prometheus.GaugeVec
	failures     *prometheus.GaugeVec
	interval     *prometheus.GaugeVec
	authRequired *prometheus.GaugeVec
}

func NewMetricsCollector(accounts func() []*Account) *MetricsCollector {
	plantLabels := []string{"account", "plant_id", "plant_name"}
	accountLabels := []string{"account"}

	readings := make(map[string]*prometheus.GaugeVec, len(SensorDescriptions))
	for _, desc := range SensorDescriptions {
		readings[desc.Key] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: desc.Metric,
			Help: desc.Help,
		}, plantLabels)
	}

	return &MetricsCollector{
		accounts: accounts,
		readings: readings,
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fusionsolar_plant_available",
			Help: "Plant data available from the last update (1=yes, 0=no)",
		}, plantLabels),
		lastUpdated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fusionsolar_plant_last_update_timestamp_seconds",
			Help: "Timestamp of the plant snapshot (epoch seconds)",
		}, plantLabels),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fusionsolar_last_success_timestamp_seconds",
			Help: "Last successful FusionSolar update (epoch seconds)",
		}, accountLabels),
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fusionsolar_update_success",
			Help: "Last update success (1=ok, 0=error)",
		}, accountLabels),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fusionsolar_update_failure_count",
			Help: "Consecutive backoff-worthy update failures",
		}, accountLabels),
		interval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fusionsolar_update_interval_seconds",
			Help: "Current polling interval including backoff (seconds)",
		}, accountLabels),
		authRequired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fusionsolar_reauth_required",
			Help: "Account needs new credentials (1=yes, 0=no)",
		}, accountLabels),
	}
}

func (c *MetricsCollector) vecs() []*prometheus.GaugeVec {
	out := make([]*prometheus.GaugeVec, 0, len(c.readings)+7)
	for _, desc := range SensorDescriptions {
		out = append(out, c.readings[desc.Key])
	}
	return append(out, c.available, c.lastUpdated, c.lastSuccess, c.success, c.failures, c.interval, c.authRequired)
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, vec := range c.vecs() {
		vec.Describe(ch)
	}
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply()
	for _, vec := range c.vecs() {
		vec.Collect(ch)
	}
}

func (c *MetricsCollector) apply() {
	for _, vec := range c.vecs() {
		vec.Reset()
	}
	if c.accounts == nil {
		return
	}

	for _, account := range c.accounts() {
		coord := account.Coord
		accountLabels := prometheus.Labels{"account": account.ID}

		c.success.With(accountLabels).Set(boolGauge(coord.LastUpdateSuccess()))
		c.failures.With(accountLabels).Set(float64(coord.FailureCount()))
		c.interval.With(accountLabels).Set(coord.Interval().Seconds())
		c.authRequired.With(accountLabels).Set(boolGauge(coord.AuthFailed()))
		if last := coord.LastSuccess(); !last.IsZero() {
			c.lastSuccess.With(accountLabels).Set(float64(last.Unix()))
		}

		data := coord.Data()
		known := coord.KnownPlants()
		for _, entity := range account.Entities.Entities() {
			device := PlantDevice(entity.PlantID, data, known)
			labels := prometheus.Labels{
				"account":    account.ID,
				"plant_id":   entity.PlantID,
				"plant_name": device.Name,
			}
			c.available.With(labels).Set(boolGauge(entity.Available(coord)))

			value, ok := entity.Value(data)
			if !ok {
				continue
			}
			c.readings[entity.Description.Key].With(labels).Set(value)
			if snapshot := data[entity.PlantID]; !snapshot.UpdatedAt.IsZero() {
				c.lastUpdated.With(labels).Set(float64(snapshot.UpdatedAt.Unix()))
			}
		}
	}
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
