package fusionsolar

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
)

func testAccountConfig() config.Account {
	return config.Account{
		Username:              "Owner@Example.com",
		PasswordEnv:           "FUSIONSOLAR_PASSWORD",
		EffectiveHost:         "eu5.fusionsolar.huawei.com",
		PollIntervalSeconds:   60,
		RequestTimeoutSeconds: 15,
	}
}

func TestEntityTrackerAddsNewPlantsOnce(t *testing.T) {
	tracker := NewEntityTracker()

	added := tracker.Collect(map[string]Snapshot{"p2": {}, "p1": {}})
	require.Len(t, added, 2*len(SensorDescriptions))
	assert.Equal(t, "p1_power_w", added[0].UniqueID)
	assert.Equal(t, "p2_energy_total_kwh", added[len(added)-1].UniqueID)

	assert.Empty(t, tracker.Collect(map[string]Snapshot{"p1": {}, "p2": {}}))

	added = tracker.Collect(map[string]Snapshot{"p1": {}, "p3": {}})
	require.Len(t, added, len(SensorDescriptions))
	for _, entity := range added {
		assert.Equal(t, "p3", entity.PlantID)
	}
	assert.Len(t, tracker.Entities(), 3*len(SensorDescriptions))
}

func TestSensorDescriptions(t *testing.T) {
	keys := make([]string, 0, len(SensorDescriptions))
	for _, desc := range SensorDescriptions {
		keys = append(keys, desc.Key)
	}
	assert.Equal(t, []string{"power_w", "energy_today_kwh", "energy_month_kwh", "energy_year_kwh", "energy_total_kwh"}, keys)

	snapshot := Snapshot{PowerW: 1, EnergyTodayKWh: 2, EnergyMonthKWh: 3, EnergyYearKWh: 4, EnergyTotalKWh: 5}
	for i, desc := range SensorDescriptions {
		assert.Equal(t, float64(i+1), desc.Value(snapshot), desc.Key)
	}
	assert.Equal(t, "total_increasing", SensorDescriptions[4].StateClass)
	assert.Equal(t, "W", SensorDescriptions[0].Unit)
}

func TestPlantDeviceName(t *testing.T) {
	data := map[string]Snapshot{"p1": {PlantName: "Roof"}}
	known := map[string]string{"p1": "Old roof", "p2": "Garage"}

	assert.Equal(t, "Roof", PlantDevice("p1", data, known).Name)
	assert.Equal(t, "Garage", PlantDevice("p2", data, known).Name)
	device := PlantDevice("p3", data, known)
	assert.Equal(t, "p3", device.Name)
	assert.Equal(t, "Huawei", device.Manufacturer)
	assert.Equal(t, "FusionSolar", device.Model)
}

func TestEntityAvailability(t *testing.T) {
	api := twoPlantAPI()
	account := newAccount(testAccountConfig(), nil, api)

	data, err := account.Coord.Refresh(context.Background())
	require.NoError(t, err)
	entity := NewEntity("p1", SensorDescriptions[0])
	assert.True(t, entity.Available(account.Coord))
	value, ok := entity.Value(data)
	assert.True(t, ok)
	assert.Equal(t, 1200.0, value)

	assert.False(t, NewEntity("p9", SensorDescriptions[0]).Available(account.Coord))

	api.set(func(f *fakeAPI) { f.plantsErr = apiErrorf(ErrCannotConnect, "down") })
	_, err = account.Coord.Refresh(context.Background())
	require.Error(t, err)
	assert.False(t, entity.Available(account.Coord))
	_, ok = entity.Value(account.Coord.Data())
	assert.True(t, ok)
}

func TestMetricsCollector(t *testing.T) {
	account := newAccount(testAccountConfig(), nil, twoPlantAPI())
	data, err := account.Coord.Refresh(context.Background())
	require.NoError(t, err)
	account.Entities.Collect(data)

	collector := NewMetricsCollector(func() []*Account { return []*Account{account} })

	expected := `
# HELP fusionsolar_power_watts Current plant power output (watts)
# TYPE fusionsolar_power_watts gauge
fusionsolar_power_watts{account="owner@example.com@eu5.fusionsolar.huawei.com",plant_id="p1",plant_name="Roof"} 1200
fusionsolar_power_watts{account="owner@example.com@eu5.fusionsolar.huawei.com",plant_id="p2",plant_name="Garage"} 300
# HELP fusionsolar_update_success Last update success (1=ok, 0=error)
# TYPE fusionsolar_update_success gauge
fusionsolar_update_success{account="owner@example.com@eu5.fusionsolar.huawei.com"} 1
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"fusionsolar_power_watts", "fusionsolar_update_success"))
	assert.Equal(t, 2, testutil.CollectAndCount(collector, "fusionsolar_energy_total_kwh"))
	assert.Equal(t, 2, testutil.CollectAndCount(collector, "fusionsolar_plant_available"))
}

func TestMetricsCollectorWithoutAccounts(t *testing.T) {
	collector := NewMetricsCollector(nil)
	assert.Equal(t, 0, testutil.CollectAndCount(collector))
}
