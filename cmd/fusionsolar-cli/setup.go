package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/plugins/fusionsolar"
)

// loadOrInit loads the config at path, or starts an empty one.
func loadOrInit(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, nil
	}
	return cfg, err
}

func setupCmd(args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	flags := flag.NewFlagSet("setup", flag.ExitOnError)
	cfgPath := flags.String("config", configPath(), "config file to update")
	username := flags.String("username", "", "FusionSolar username")
	passwordFile := flags.String("password-file", "", "file holding the password, referenced from config")
	host := flags.String("host", "", "portal host override, e.g. eu5.fusionsolar.huawei.com")
	insecureTLS := flags.Bool("insecure", false, "skip TLS certificate verification")
	_ = flags.Parse(args)

	if strings.TrimSpace(*username) == "" {
		fatal("setup", fmt.Errorf("--username is required"))
	}
	if *passwordFile == "" {
		fatal("setup", fmt.Errorf("--password-file is required"))
	}
	password, err := config.ReadSecretFile(*passwordFile)
	if err != nil {
		fatal("setup", err)
	}

	cfg, err := loadOrInit(*cfgPath)
	if err != nil {
		fatal("setup", err)
	}

	in := fusionsolar.SetupInput{
		Username:     *username,
		Password:     password,
		HostOverride: *host,
		VerifySSL:    !*insecureTLS,
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	validated, err := fusionsolar.ValidateInput(ctx, in)
	if err != nil {
		fatal("setup", fmt.Errorf("%s: %w", fusionsolar.ErrorCode(err), err))
	}

	account, err := fusionsolar.AddAccount(cfg, in, validated, *passwordFile)
	if err != nil {
		fatal("setup", fmt.Errorf("%s: %w", fusionsolar.ErrorCode(err), err))
	}
	if err := config.Write(*cfgPath, cfg); err != nil {
		fatal("setup", err)
	}

	if out.json {
		out.printJSON(map[string]any{
			"account":        account.UniqueID(),
			"effective_host": validated.EffectiveHost,
			"plant_index":    validated.PlantIndex,
		})
		return
	}
	fmt.Printf("added %s\n", account.UniqueID())
	rows := [][]string{{"PLANT", "ID"}}
	for _, id := range account.EnabledPlantIDs {
		rows = append(rows, []string{validated.PlantIndex[id], id})
	}
	out.table(rows)
	fmt.Println("send SIGHUP to the daemon to start polling")
}

func optionsCmd(args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	flags := flag.NewFlagSet("options", flag.ExitOnError)
	cfgPath := flags.String("config", configPath(), "config file to update")
	accountID := flags.String("account", "", "account unique id")
	poll := flags.Int("poll", 0, "poll interval in seconds")
	timeout := flags.Int("timeout", 0, "request timeout in seconds")
	host := flags.String("host", "", "portal host override")
	plants := flags.String("plants", "", "comma separated plant ids to poll")
	_ = flags.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal("options", err)
	}

	id := *accountID
	if id == "" {
		if cfg.FusionSolar == nil || len(cfg.FusionSolar.Accounts) != 1 {
			fatal("options", fmt.Errorf("--account is required"))
		}
		id = cfg.FusionSolar.Accounts[0].UniqueID()
	}
	idx := cfg.FindAccount(strings.ToLower(strings.TrimSpace(id)))
	if idx < 0 {
		fatal("options", fmt.Errorf("account %s not found", id))
	}
	current := cfg.FusionSolar.Accounts[idx]

	in := fusionsolar.OptionsInput{
		PollIntervalSeconds:   current.PollIntervalSeconds,
		RequestTimeoutSeconds: current.RequestTimeoutSeconds,
		HostOverride:          current.HostOverride,
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "poll":
			in.PollIntervalSeconds = *poll
		case "timeout":
			in.RequestTimeoutSeconds = *timeout
		case "host":
			in.HostOverride = *host
		case "plants":
			in.EnabledPlantIDs = splitList(*plants)
		}
	})

	account, err := fusionsolar.UpdateOptions(cfg, current.UniqueID(), in)
	if err != nil {
		fatal("options", err)
	}
	if err := config.Write(*cfgPath, cfg); err != nil {
		fatal("options", err)
	}

	if out.json {
		out.printJSON(map[string]any{
			"account":                 account.UniqueID(),
			"poll_interval_seconds":   account.PollIntervalSeconds,
			"request_timeout_seconds": account.RequestTimeoutSeconds,
			"host_override":           account.HostOverride,
			"enabled_plant_ids":       account.EnabledPlantIDs,
		})
		return
	}
	fmt.Printf("updated %s\n", account.UniqueID())
	fmt.Println("send SIGHUP to the daemon to apply")
}

func splitList(value string) []string {
	out := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
