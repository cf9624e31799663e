package plugins

import (
	"context"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/internal/core"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
	"github.com/joshp123/gohome-fusionsolar/internal/state"
	"github.com/joshp123/gohome-fusionsolar/plugins/fusionsolar"
)

func init() {
	Register(func(ctx context.Context, cfg *config.Config) (core.Plugin, bool) {
		if cfg.FusionSolar == nil {
			return nil, false
		}
		return fusionsolar.NewPlugin(cfg.FusionSolar, fusionSolarOptions(ctx, cfg)...)
	})
}

// fusionSolarOptions wires the optional state, MQTT and history backends.
// A backend that fails to start is logged and left out.
func fusionSolarOptions(ctx context.Context, cfg *config.Config) []fusionsolar.PluginOption {
	var opts []fusionsolar.PluginOption

	if cfg.State != nil {
		var blob state.BlobStore
		if cfg.State.BlobEnabled() {
			s3, err := state.NewS3Store(cfg.State)
			if err != nil {
				log.Ctx(ctx).Error("state blob store disabled", "error", err)
			} else {
				blob = s3
			}
		}
		opts = append(opts, fusionsolar.WithStateStore(state.NewStore(cfg.State.Dir, blob)))
	}

	if cfg.MQTT != nil && cfg.MQTT.Broker != "" {
		client, err := fusionsolar.NewMQTTClient(cfg.MQTT)
		if err != nil {
			log.Ctx(ctx).Error("mqtt discovery disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			discovery := fusionsolar.NewDiscovery(client, cfg.MQTT.DiscoveryPrefix, cfg.MQTT.TopicPrefix)
			opts = append(opts,
				fusionsolar.WithUpdateSink(discovery),
				fusionsolar.WithCleanup(client.Close),
			)
		}
	}

	if cfg.History != nil && cfg.History.ClickHouseAddr != "" {
		history, err := fusionsolar.NewHistory(ctx, cfg.History)
		if err != nil {
			log.Ctx(ctx).Error("reading history disabled", "addr", cfg.History.ClickHouseAddr, "error", err)
		} else {
			opts = append(opts, fusionsolar.WithUpdateSink(history), fusionsolar.WithCleanup(history.Close))
		}
	}

	return opts
}
