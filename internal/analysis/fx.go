package analysis

import (
	"github.com/signalworks/insight/internal/analysis/provider"
	"github.com/signalworks/insight/internal/analysis/service"
	"github.com/signalworks/insight/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("analysis.service",
	fx.Provide(
		NewRegistry,
		service.NewService,
	),
)

// NewRegistry wires the configured provider adapters.
func NewRegistry(cfg config.Config) *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register(provider.NewOpenAIAdapter(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout))
	return registry
}
