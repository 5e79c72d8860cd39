package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/reliefstack/servicer-engine/internal/models"
	"github.com/reliefstack/servicer-engine/internal/utils"
)

// Advisor supplies learned guidance for servicers the factory has no
// dedicated adapter for. The intelligence engine implements it.
type Advisor interface {
	Advice(ctx context.Context, servicerID string) (models.Advice, error)
}

// Factory hands out the right adapter per servicer. Lookups are case
// insensitive; a registered adapter always wins, and unknown servicers fall
// back to a generic adapter seeded with whatever the advisor has learned.
type Factory struct {
	mu       sync.RWMutex
	registry map[string]Adapter
	advisor  Advisor
	logger   *slog.Logger
}

func NewFactory(advisor Advisor, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		registry: make(map[string]Adapter),
		advisor:  advisor,
		logger:   logger,
	}
}

// NewFactoryFromConfigs builds a factory pre-registered with one adapter per
// configured servicer. Sender backs email and fax servicers; it may be nil
// when none are configured.
func NewFactoryFromConfigs(configs []models.ServicerConfig, sender Sender, advisor Advisor, logger *slog.Logger) (*Factory, error) {
	f := NewFactory(advisor, logger)
	for _, cfg := range configs {
		adapter, err := BuildAdapter(cfg, sender, logger)
		if err != nil {
			return nil, &utils.AppError{Op: "adapters.factory", Msg: "build adapter for " + cfg.ID, Err: err}
		}
		f.Register(cfg.ID, adapter)
	}
	return f, nil
}

// BuildAdapter constructs the dedicated adapter for one servicer config.
// Fax rides the email adapter: the endpoint is an email-to-fax gateway
// address.
func BuildAdapter(cfg models.ServicerConfig, sender Sender, logger *slog.Logger) (Adapter, error) {
	switch cfg.Integration {
	case models.IntegrationAPI:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("servicer %s: api integration requires an endpoint", cfg.ID)
		}
		return NewAPIAdapter(cfg, logger), nil
	case models.IntegrationPortal:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("servicer %s: portal integration requires an endpoint", cfg.ID)
		}
		return NewPortalAdapter(cfg, logger), nil
	case models.IntegrationEmail, models.IntegrationFax:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("servicer %s: %s integration requires a destination address", cfg.ID, cfg.Integration)
		}
		if sender == nil {
			return nil, fmt.Errorf("servicer %s: %s integration requires a configured mail relay", cfg.ID, cfg.Integration)
		}
		return NewEmailAdapter(cfg, sender, logger), nil
	default:
		return nil, fmt.Errorf("servicer %s: unknown integration type %q", cfg.ID, cfg.Integration)
	}
}

// Register binds an adapter to a servicer id, replacing any previous one.
func (f *Factory) Register(servicerID string, adapter Adapter) {
	key := normalizeServicerID(servicerID)
	f.mu.Lock()
	f.registry[key] = adapter
	f.mu.Unlock()
}

// GetAdapter returns the adapter for the servicer. Unregistered servicers get
// a generic adapter; advisor failures degrade to empty advice rather than
// blocking the submission path.
func (f *Factory) GetAdapter(ctx context.Context, servicerID string) Adapter {
	key := normalizeServicerID(servicerID)

	f.mu.RLock()
	adapter, ok := f.registry[key]
	f.mu.RUnlock()
	if ok {
		return adapter
	}

	advice := models.Advice{ServicerID: key}
	if f.advisor != nil {
		learned, err := f.advisor.Advice(ctx, key)
		if err != nil {
			f.logger.Warn("advice lookup failed, using empty guidance", "servicer", key, "error", err)
		} else {
			advice = learned
		}
	}

	f.logger.Info("no dedicated adapter registered, using generic", "servicer", key, "observations", advice.Observations)
	return NewGenericAdapter(models.ServicerConfig{
		ID:          key,
		Name:        servicerID,
		Integration: "",
	}, advice, f.logger)
}

// Registered lists the servicer ids with dedicated adapters.
func (f *Factory) Registered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.registry))
	for id := range f.registry {
		ids = append(ids, id)
	}
	return ids
}

func normalizeServicerID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
