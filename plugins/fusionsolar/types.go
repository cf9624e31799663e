package fusionsolar

import "time"

// Plant is a monitored site as listed by the station-list endpoint.
type Plant struct {
	ID   string
	Name string
}

// Snapshot is one normalized reading of a plant.
type Snapshot struct {
	PlantID        string
	PlantName      string
	PowerW         float64
	EnergyTodayKWh float64
	EnergyMonthKWh float64
	EnergyYearKWh  float64
	EnergyTotalKWh float64
	UpdatedAt      time.Time
}

// StatusRecord is one entry of the recent HTTP status history.
type StatusRecord struct {
	Endpoint string    `json:"endpoint"`
	Status   int       `json:"status"`
	At       time.Time `json:"at_utc"`
}

// DebugState is the diagnostics-safe view of the client.
type DebugState struct {
	EffectiveHost  string            `json:"effective_host"`
	PreferredHost  string            `json:"preferred_host,omitempty"`
	VerifySSL      bool              `json:"verify_ssl"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	SessionValid   bool              `json:"session_valid"`
	UsernameMasked string            `json:"username_masked,omitempty"`
	KnownPlants    map[string]string `json:"known_plants"`
	RecentStatuses []StatusRecord    `json:"recent_statuses"`
}
