package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gohome-fusionsolar/internal/rpc"
)

const RegistryServiceName = "registry.v1.Registry"

// PluginSummary is one entry of ListPlugins.
type PluginSummary struct {
	PluginID    string `json:"plugin_id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
}

type DashboardRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PluginDescriptor is the DescribePlugin response.
type PluginDescriptor struct {
	PluginSummary
	Services      []string       `json:"services"`
	AgentsMD      string         `json:"agents_md"`
	HealthMessage string         `json:"health_message,omitempty"`
	Dashboards    []DashboardRef `json:"dashboards"`
}

// RegistryService provides plugin discovery to clients.
type RegistryService struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewRegistryService(plugins []Plugin) *RegistryService {
	return &RegistryService{plugins: plugins}
}

func (r *RegistryService) Register(server *grpc.Server) error {
	return rpc.Service{
		Package: "registry.v1",
		Name:    "Registry",
		Methods: []rpc.Method{
			{Name: "ListPlugins", Handler: r.listPlugins},
			{Name: "DescribePlugin", Handler: r.describePlugin},
		},
	}.Register(server)
}

func (r *RegistryService) ListPlugins() []PluginSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PluginSummary, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, summary(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

func (r *RegistryService) DescribePlugin(pluginID string) (PluginDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		manifest := p.Manifest()
		if manifest.PluginID != pluginID {
			continue
		}

		descriptor := PluginDescriptor{
			PluginSummary: summary(p),
			Services:      manifest.Services,
			AgentsMD:      p.AgentsMD(),
			HealthMessage: p.HealthMessage(),
		}
		for _, d := range p.Dashboards() {
			descriptor.Dashboards = append(descriptor.Dashboards, DashboardRef{
				Name: d.Name,
				Path: dashboardPath(manifest.PluginID, d.Name),
			})
		}
		return descriptor, true
	}
	return PluginDescriptor{}, false
}

func (r *RegistryService) listPlugins(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return rpc.NewStruct(map[string]any{"plugins": r.ListPlugins()})
}

func (r *RegistryService) describePlugin(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := rpc.String(req, "plugin_id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "plugin_id is required")
	}
	descriptor, ok := r.DescribePlugin(id)
	if !ok {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("plugin %s not found", id))
	}
	return rpc.NewStruct(map[string]any{"plugin": descriptor})
}

func summary(p Plugin) PluginSummary {
	manifest := p.Manifest()
	return PluginSummary{
		PluginID:    manifest.PluginID,
		DisplayName: manifest.DisplayName,
		Version:     manifest.Version,
		Status:      string(p.Health()),
	}
}
