package fusionsolar

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
)

const historyDialTimeout = 5 * time.Second

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// HistoryRow is one stored reading of a plant.
type HistoryRow struct {
	Timestamp      time.Time
	Account        string
	PlantID        string
	PlantName      string
	PowerW         float64
	EnergyTodayKWh float64
	EnergyMonthKWh float64
	EnergyYearKWh  float64
	EnergyTotalKWh float64
}

// History records successful snapshots in ClickHouse.
type History struct {
	conn  driver.Conn
	table string
}

func NewHistory(ctx context.Context, cfg *config.HistoryConfig) (*History, error) {
	table := cfg.Table
	if table == "" {
		table = config.DefaultHistoryTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid history table name %q", table)
	}

	var password string
	if cfg.PasswordFile != "" {
		secret, err := config.ReadSecretFile(cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("clickhouse password: %w", err)
		}
		password = secret
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.ClickHouseAddr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: password,
		},
		DialTimeout: historyDialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createHistoryTableSQL(table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &History{conn: conn, table: table}, nil
}

func createHistoryTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	timestamp DateTime64(3, 'UTC'),
	account String,
	plant_id String,
	plant_name String,
	power_w Float64,
	energy_today_kwh Float64,
	energy_month_kwh Float64,
	energy_year_kwh Float64,
	energy_total_kwh Float64
) ENGINE = MergeTree
ORDER BY (account, plant_id, timestamp)`
}

// HistoryRows flattens snapshots into rows ordered by plant ID.
func HistoryRows(account string, data map[string]Snapshot, now time.Time) []HistoryRow {
	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]HistoryRow, 0, len(ids))
	for _, id := range ids {
		snapshot := data[id]
		ts := snapshot.UpdatedAt
		if ts.IsZero() {
			ts = now
		}
		rows = append(rows, HistoryRow{
			Timestamp:      ts.UTC(),
			Account:        account,
			PlantID:        id,
			PlantName:      snapshot.PlantName,
			PowerW:         snapshot.PowerW,
			EnergyTodayKWh: snapshot.EnergyTodayKWh,
			EnergyMonthKWh: snapshot.EnergyMonthKWh,
			EnergyYearKWh:  snapshot.EnergyYearKWh,
			EnergyTotalKWh: snapshot.EnergyTotalKWh,
		})
	}
	return rows
}

func (h *History) Write(ctx context.Context, rows []HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := h.conn.PrepareBatch(ctx, "INSERT INTO "+h.table)
	if err != nil {
		return fmt.Errorf("prepare history batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(
			row.Timestamp,
			row.Account,
			row.PlantID,
			row.PlantName,
			row.PowerW,
			row.EnergyTodayKWh,
			row.EnergyMonthKWh,
			row.EnergyYearKWh,
			row.EnergyTotalKWh,
		); err != nil {
			return fmt.Errorf("append history row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send history batch: %w", err)
	}
	return nil
}

// HandleUpdate stores successful updates. Failed updates carry stale data
// and are skipped.
func (h *History) HandleUpdate(ctx context.Context, account *Account, _ []Entity, update Update) {
	if update.Err != nil {
		return
	}
	if err := h.Write(ctx, HistoryRows(account.ID, update.Data, time.Now())); err != nil {
		log.Ctx(ctx).Warn("fusionsolar history write failed", "account", account.ID, "error", err)
	}
}

func (h *History) Close() error {
	return h.conn.Close()
}
