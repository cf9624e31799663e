package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"google.golang.org/grpc"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/internal/rpc"
	"github.com/joshp123/gohome-fusionsolar/plugins/fusionsolar"
)

// parseInterspersed parses flags that may follow positional arguments.
func parseInterspersed(flags *flag.FlagSet, args []string) []string {
	var positional []string
	for {
		_ = flags.Parse(args)
		rest := flags.Args()
		if len(rest) == 0 {
			return positional
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req map[string]any, out any) {
	resp, err := rpc.Invoke(ctx, conn, fusionsolar.ServiceName, method, req)
	if err != nil {
		fatal(method, err)
	}
	if err := rpc.Decode(resp, out); err != nil {
		fatal(method, err)
	}
}

func accountRequest(account string) map[string]any {
	req := map[string]any{}
	if account != "" {
		req["account"] = account
	}
	return req
}

func listPlants(ctx context.Context, conn *grpc.ClientConn, account string) []fusionsolar.PlantInfo {
	var resp struct {
		Plants []fusionsolar.PlantInfo `json:"plants"`
	}
	invoke(ctx, conn, "ListPlants", accountRequest(account), &resp)
	return resp.Plants
}

func plantsCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	flags := flag.NewFlagSet("plants", flag.ExitOnError)
	account := flags.String("account", "", "account unique id")
	_ = flags.Parse(args)

	plants := listPlants(ctx, conn, *account)
	if out.json {
		out.printJSON(plants)
		return
	}
	rows := [][]string{{"PLANT", "ID", "ENABLED", "ACCOUNT"}}
	for _, plant := range plants {
		rows = append(rows, []string{plant.Name, plant.PlantID, strconv.FormatBool(plant.Enabled), plant.Account})
	}
	out.table(rows)
}

func statusCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	account := flags.String("account", "", "account unique id")
	positional := parseInterspersed(flags, args)

	var plantIDs []string
	plants := listPlants(ctx, conn, *account)
	if len(positional) == 0 {
		for _, plant := range plants {
			if plant.Enabled {
				plantIDs = append(plantIDs, plant.PlantID)
			}
		}
	} else {
		for _, name := range positional {
			id, err := resolvePlantID(name, plants)
			if err != nil {
				fatal("status", err)
			}
			plantIDs = append(plantIDs, id)
		}
	}

	statuses := make([]fusionsolar.PlantStatus, 0, len(plantIDs))
	for _, id := range plantIDs {
		req := accountRequest(*account)
		req["plant_id"] = id
		var resp struct {
			Status fusionsolar.PlantStatus `json:"status"`
		}
		invoke(ctx, conn, "GetPlantStatus", req, &resp)
		statuses = append(statuses, resp.Status)
	}

	if out.json {
		out.printJSON(statuses)
		return
	}
	rows := [][]string{{"PLANT", "POWER_W", "TODAY_KWH", "MONTH_KWH", "YEAR_KWH", "TOTAL_KWH", "AVAILABLE", "UPDATED"}}
	for _, s := range statuses {
		rows = append(rows, []string{
			s.PlantName,
			formatFloat(s.PowerW, 0),
			formatFloat(s.EnergyTodayKWh, 2),
			formatFloat(s.EnergyMonthKWh, 2),
			formatFloat(s.EnergyYearKWh, 2),
			formatFloat(s.EnergyTotalKWh, 2),
			strconv.FormatBool(s.Available),
			s.UpdatedAt,
		})
	}
	out.table(rows)
}

func refreshCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	flags := flag.NewFlagSet("refresh", flag.ExitOnError)
	account := flags.String("account", "", "account unique id")
	_ = flags.Parse(args)

	var resp struct {
		Results []fusionsolar.RefreshResult `json:"results"`
	}
	invoke(ctx, conn, "Refresh", accountRequest(*account), &resp)
	if out.json {
		out.printJSON(resp.Results)
		return
	}
	failed := false
	for _, result := range resp.Results {
		if result.Success {
			fmt.Printf("ok: %s (%d plants)\n", result.Account, result.Plants)
			continue
		}
		failed = true
		fmt.Printf("failed: %s: %s\n", result.Account, result.Error)
	}
	if failed {
		os.Exit(1)
	}
}

func diagnosticsCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("diagnostics", flag.ExitOnError)
	account := flags.String("account", "", "account unique id")
	_ = flags.Parse(args)

	var resp map[string]any
	invoke(ctx, conn, "GetDiagnostics", accountRequest(*account), &resp)
	outputMode{json: true}.printJSON(resp)
}

func reauthCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	flags := flag.NewFlagSet("reauth", flag.ExitOnError)
	account := flags.String("account", "", "account unique id")
	passwordFile := flags.String("password-file", "", "file holding the new password")
	host := flags.String("host", "", "portal host override")
	_ = flags.Parse(args)

	password, err := readPassword(*passwordFile)
	if err != nil {
		fatal("reauth", err)
	}

	req := accountRequest(*account)
	req["password"] = password
	if *host != "" {
		req["host_override"] = *host
	}
	var resp struct {
		EffectiveHost string            `json:"effective_host"`
		PlantIndex    map[string]string `json:"plant_index"`
	}
	invoke(ctx, conn, "Reauthenticate", req, &resp)
	if out.json {
		out.printJSON(resp)
		return
	}
	fmt.Printf("ok: %s (%d plants)\n", resp.EffectiveHost, len(resp.PlantIndex))
}

// readPassword reads path, falling back to $FUSIONSOLAR_PASSWORD.
func readPassword(path string) (string, error) {
	if path != "" {
		return config.ReadSecretFile(path)
	}
	if value := os.Getenv("FUSIONSOLAR_PASSWORD"); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("--password-file or FUSIONSOLAR_PASSWORD is required")
}
