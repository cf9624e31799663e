package fusionsolar

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRows(t *testing.T) {
	updated := time.Date(2026, 3, 14, 11, 0, 0, 0, time.FixedZone("CET", 3600))
	data := map[string]Snapshot{
		"p2": {PlantName: "Garage", PowerW: 300},
		"p1": {PlantName: "Roof", PowerW: 1200, EnergyTotalKWh: 10, UpdatedAt: updated},
	}

	rows := HistoryRows("owner@host", data, testNow)
	require.Len(t, rows, 2)
	assert.Equal(t, "p1", rows[0].PlantID)
	assert.Equal(t, updated.UTC(), rows[0].Timestamp)
	assert.Equal(t, 10.0, rows[0].EnergyTotalKWh)
	assert.Equal(t, "owner@host", rows[0].Account)
	assert.Equal(t, testNow, rows[1].Timestamp)
	assert.Equal(t, "Garage", rows[1].PlantName)

	assert.Empty(t, HistoryRows("owner@host", nil, testNow))
}

func TestHistoryTableName(t *testing.T) {
	assert.True(t, tableNamePattern.MatchString("fusionsolar_readings"))
	assert.True(t, tableNamePattern.MatchString("energy.fusionsolar_readings"))
	assert.False(t, tableNamePattern.MatchString("readings; DROP TABLE x"))
	assert.False(t, tableNamePattern.MatchString(""))

	sql := createHistoryTableSQL("energy.readings")
	assert.True(t, strings.HasPrefix(sql, "CREATE TABLE IF NOT EXISTS energy.readings ("))
	assert.Contains(t, sql, "energy_total_kwh Float64")
}
