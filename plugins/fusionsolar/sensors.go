package fusionsolar

import (
	"sort"
	"sync"
)

// SensorDescription describes one reading exposed per plant.
type SensorDescription struct {
	Key         string
	Name        string
	DeviceClass string
	Unit        string
	StateClass  string
	Metric      string
	Help        string
	Value       func(Snapshot) float64
}

var SensorDescriptions = []SensorDescription{
	{
		Key:         "power_w",
		Name:        "Power",
		DeviceClass: "power",
		Unit:        "W",
		StateClass:  "measurement",
		Metric:      "fusionsolar_power_watts",
		Help:        "Current plant power output (watts)",
		Value:       func(s Snapshot) float64 { return s.PowerW },
	},
	{
		Key:         "energy_today_kwh",
		Name:        "Energy today",
		DeviceClass: "energy",
		Unit:        "kWh",
		StateClass:  "total",
		Metric:      "fusionsolar_energy_today_kwh",
		Help:        "Energy produced today (kWh)",
		Value:       func(s Snapshot) float64 { return s.EnergyTodayKWh },
	},
	{
		Key:         "energy_month_kwh",
		Name:        "Energy this month",
		DeviceClass: "energy",
		Unit:        "kWh",
		StateClass:  "total",
		Metric:      "fusionsolar_energy_month_kwh",
		Help:        "Energy produced this month (kWh)",
		Value:       func(s Snapshot) float64 { return s.EnergyMonthKWh },
	},
	{
		Key:         "energy_year_kwh",
		Name:        "Energy this year",
		DeviceClass: "energy",
		Unit:        "kWh",
		StateClass:  "total",
		Metric:      "fusionsolar_energy_year_kwh",
		Help:        "Energy produced this year (kWh)",
		Value:       func(s Snapshot) float64 { return s.EnergyYearKWh },
	},
	{
		Key:         "energy_total_kwh",
		Name:        "Energy total",
		DeviceClass: "energy",
		Unit:        "kWh",
		StateClass:  "total_increasing",
		Metric:      "fusionsolar_energy_total_kwh",
		Help:        "Lifetime energy produced (kWh)",
		Value:       func(s Snapshot) float64 { return s.EnergyTotalKWh },
	},
}

// Entity is one sensor of one plant.
type Entity struct {
	UniqueID    string
	PlantID     string
	Description SensorDescription
}

func NewEntity(plantID string, desc SensorDescription) Entity {
	return Entity{UniqueID: plantID + "_" + desc.Key, PlantID: plantID, Description: desc}
}

// Value returns the reading, or false when the plant has no data.
func (e Entity) Value(data map[string]Snapshot) (float64, bool) {
	snapshot, ok := data[e.PlantID]
	if !ok {
		return 0, false
	}
	return e.Description.Value(snapshot), true
}

// Available reports whether the last update succeeded and has data for the
// plant.
func (e Entity) Available(coord *Coordinator) bool {
	if !coord.LastUpdateSuccess() {
		return false
	}
	_, ok := coord.Data()[e.PlantID]
	return ok
}

// DeviceInfo groups a plant's entities.
type DeviceInfo struct {
	Identifier   string
	Manufacturer string
	Model        string
	Name         string
}

func PlantDevice(plantID string, data map[string]Snapshot, known map[string]string) DeviceInfo {
	name := plantID
	if snapshot, ok := data[plantID]; ok {
		name = snapshot.PlantName
	} else if knownName, ok := known[plantID]; ok {
		name = knownName
	}
	return DeviceInfo{
		Identifier:   plantID,
		Manufacturer: "Huawei",
		Model:        "FusionSolar",
		Name:         name,
	}
}

// EntityTracker hands out entities for plants the first time they appear.
type EntityTracker struct {
	mu       sync.Mutex
	entities map[string]Entity
}

func NewEntityTracker() *EntityTracker {
	return &EntityTracker{entities: make(map[string]Entity)}
}

// Collect returns entities not seen before, ordered by plant ID.
func (t *EntityTracker) Collect(data map[string]Snapshot) []Entity {
	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t.mu.Lock()
	defer t.mu.Unlock()

	var added []Entity
	for _, id := range ids {
		for _, desc := range SensorDescriptions {
			entity := NewEntity(id, desc)
			if _, ok := t.entities[entity.UniqueID]; ok {
				continue
			}
			t.entities[entity.UniqueID] = entity
			added = append(added, entity)
		}
	}
	return added
}

// Entities returns every tracked entity, ordered by unique ID.
func (t *EntityTracker) Entities() []Entity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entity, 0, len(t.entities))
	for _, entity := range t.entities {
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}
