package rail

import (
	"time"

	"github.com/fanbeam/tokenledger/internal/config"
	"github.com/fanbeam/tokenledger/internal/rail/adapters"
	"github.com/fanbeam/tokenledger/internal/rail/adapters/meridian"
	"github.com/fanbeam/tokenledger/internal/rail/domain"
	"go.uber.org/fx"
)

func NewRegistry() *adapters.Registry {
	return adapters.NewRegistry(meridian.NewFactory())
}

// NewClient builds the configured rail adapter. The same adapter serves as
// the webhook parser for its provider.
func NewClient(cfg config.Config, registry *adapters.Registry) (domain.Client, error) {
	return registry.NewAdapter(cfg.Rail.Provider, domain.AdapterConfig{
		BaseURL:       cfg.Rail.BaseURL,
		APIKey:        cfg.Rail.APIKey,
		WebhookSecret: cfg.Rail.WebhookSecret,
		Timeout:       time.Duration(cfg.Rail.TimeoutSecs) * time.Second,
	})
}

func NewWebhookParser(client domain.Client) (domain.WebhookParser, error) {
	parser, ok := client.(domain.WebhookParser)
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return parser, nil
}

var Module = fx.Module("rail",
	fx.Provide(NewRegistry),
	fx.Provide(NewClient),
	fx.Provide(NewWebhookParser),
)
