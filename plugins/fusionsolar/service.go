package fusionsolar

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gohome-fusionsolar/internal/rpc"
)

// PlantInfo is one ListPlants entry.
type PlantInfo struct {
	Account string `json:"account"`
	PlantID string `json:"plant_id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// PlantStatus is the GetPlantStatus response.
type PlantStatus struct {
	Account        string  `json:"account"`
	PlantID        string  `json:"plant_id"`
	PlantName      string  `json:"plant_name"`
	Available      bool    `json:"available"`
	PowerW         float64 `json:"power_w"`
	EnergyTodayKWh float64 `json:"energy_today_kwh"`
	EnergyMonthKWh float64 `json:"energy_month_kwh"`
	EnergyYearKWh  float64 `json:"energy_year_kwh"`
	EnergyTotalKWh float64 `json:"energy_total_kwh"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
}

// RefreshResult is the outcome of one account refresh.
type RefreshResult struct {
	Account string `json:"account"`
	Success bool   `json:"success"`
	Plants  int    `json:"plants"`
	Error   string `json:"error,omitempty"`
}

type service struct {
	plugin *Plugin
}

func NewService(plugin *Plugin) rpc.Service {
	s := &service{plugin: plugin}
	return rpc.Service{
		Package: "fusionsolar.v1",
		Name:    "FusionSolarService",
		Methods: []rpc.Method{
			{Name: "ListPlants", Handler: s.ListPlants},
			{Name: "GetPlantStatus", Handler: s.GetPlantStatus},
			{Name: "Refresh", Handler: s.Refresh},
			{Name: "GetDiagnostics", Handler: s.GetDiagnostics},
			{Name: "Reauthenticate", Handler: s.Reauthenticate},
		},
	}
}

// RegisterFusionSolarService registers the service for plugin on server.
func RegisterFusionSolarService(server *grpc.Server, plugin *Plugin) error {
	return NewService(plugin).Register(server)
}

func (s *service) accounts(req *structpb.Struct) ([]*Account, error) {
	id := rpc.String(req, "account")
	if id == "" {
		return s.plugin.Accounts(), nil
	}
	account, err := s.plugin.Account(id)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return []*Account{account}, nil
}

func (s *service) ListPlants(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accounts, err := s.accounts(req)
	if err != nil {
		return nil, err
	}

	var plants []PlantInfo
	for _, account := range accounts {
		known := account.Coord.KnownPlants()
		if len(known) == 0 {
			known = account.Config().PlantIndex
		}
		enabled := account.Coord.Options().EnabledPlantIDs
		for id, name := range known {
			plants = append(plants, PlantInfo{
				Account: account.ID,
				PlantID: id,
				Name:    name,
				Enabled: len(enabled) == 0 || slices.Contains(enabled, id),
			})
		}
	}
	sort.Slice(plants, func(i, j int) bool {
		if plants[i].Account != plants[j].Account {
			return plants[i].Account < plants[j].Account
		}
		return plants[i].PlantID < plants[j].PlantID
	})
	return rpc.NewStruct(map[string]any{"plants": plants})
}

func (s *service) GetPlantStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	plantID := rpc.String(req, "plant_id")
	if plantID == "" {
		return nil, status.Error(codes.InvalidArgument, "plant_id is required")
	}
	accounts, err := s.accounts(req)
	if err != nil {
		return nil, err
	}

	for _, account := range accounts {
		data := account.Coord.Data()
		snapshot, ok := data[plantID]
		if !ok {
			continue
		}
		resp := PlantStatus{
			Account:        account.ID,
			PlantID:        plantID,
			PlantName:      PlantDevice(plantID, data, account.Coord.KnownPlants()).Name,
			Available:      account.Coord.LastUpdateSuccess(),
			PowerW:         snapshot.PowerW,
			EnergyTodayKWh: snapshot.EnergyTodayKWh,
			EnergyMonthKWh: snapshot.EnergyMonthKWh,
			EnergyYearKWh:  snapshot.EnergyYearKWh,
			EnergyTotalKWh: snapshot.EnergyTotalKWh,
		}
		if !snapshot.UpdatedAt.IsZero() {
			resp.UpdatedAt = snapshot.UpdatedAt.UTC().Format(time.RFC3339)
		}
		return rpc.NewStruct(map[string]any{"status": resp})
	}
	return nil, status.Errorf(codes.NotFound, "no data for plant %s", plantID)
}

func (s *service) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accounts, err := s.accounts(req)
	if err != nil {
		return nil, err
	}

	results := make([]RefreshResult, 0, len(accounts))
	for _, account := range accounts {
		data, err := account.Coord.Refresh(ctx)
		result := RefreshResult{Account: account.ID, Success: err == nil, Plants: len(data)}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return rpc.NewStruct(map[string]any{"results": results})
}

func (s *service) GetDiagnostics(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	accounts, err := s.accounts(req)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Diagnostics, len(accounts))
	for _, account := range accounts {
		diag, err := BuildDiagnostics(account)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "diagnostics: %v", err)
		}
		out[account.ID] = diag
	}
	return rpc.NewStruct(map[string]any{"accounts": out})
}

func (s *service) Reauthenticate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	password := rpc.RawString(req, "password")
	if strings.TrimSpace(password) == "" {
		return nil, status.Error(codes.InvalidArgument, "password is required")
	}

	validated, err := s.plugin.Reauthenticate(ctx, rpc.String(req, "account"), SetupInput{
		Password:     password,
		HostOverride: rpc.String(req, "host_override"),
	})
	if err != nil {
		return nil, flowStatus(err)
	}
	return rpc.NewStruct(map[string]any{
		"effective_host": validated.EffectiveHost,
		"plant_index":    validated.PlantIndex,
	})
}

// flowStatus maps flow errors to gRPC codes; the message is the flow error
// code so clients can show it.
func flowStatus(err error) error {
	if errors.Is(err, ErrAccountNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	code := ErrorCode(err)
	switch code {
	case CodeInvalidAuth:
		return status.Error(codes.Unauthenticated, code)
	case CodeRateLimited:
		return status.Error(codes.ResourceExhausted, code)
	case CodeCannotConnect:
		return status.Error(codes.Unavailable, code)
	case CodeSchemaChanged:
		return status.Error(codes.FailedPrecondition, code)
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
