package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/askbridge/askbridge/config"
	"github.com/askbridge/askbridge/internal/bridge"
	"github.com/askbridge/askbridge/internal/store"
	"github.com/askbridge/askbridge/internal/telemetry"
	"github.com/askbridge/askbridge/internal/toolcache"
	"github.com/askbridge/askbridge/internal/toolserver"
)

// Broker is the slice of the bridge the coordinator needs: run one task end
// to end against an agent serving a capability.
type Broker interface {
	Execute(ctx context.Context, capability, toolName string, args map[string]interface{}) (bridge.Result, error)
}

// Coordinator refreshes the tool cache. Direct sources are asked over HTTP;
// bridge sources get a discovery task routed through their agent. Queries
// never wait on a refresh: they read the cache as it stands.
type Coordinator struct {
	store  *store.Store
	cache  *toolcache.Cache
	broker Broker
	cfg    config.DiscoveryConfig
	logger *log.Logger
}

func NewCoordinator(st *store.Store, cache *toolcache.Cache, broker Broker, cfg config.DiscoveryConfig, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(log.Writer(), "[DISCO] ", log.LstdFlags)
	}
	return &Coordinator{store: st, cache: cache, broker: broker, cfg: cfg, logger: logger}
}

// Refresh re-discovers one source's tools and replaces its cache entry. On
// failure the cache is marked errored but keeps serving the previous tools.
func (c *Coordinator) Refresh(ctx context.Context, src store.Source) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := otel.Tracer("discovery").Start(ctx, "discovery.refresh")
	span.SetAttributes(attribute.String("source.id", src.ID), attribute.String("source.kind", src.Kind))
	defer span.End()

	start := time.Now()
	tools, err := c.discover(ctx, src)
	telemetry.DiscoveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.DiscoveryRuns.WithLabelValues(src.Kind, "error").Inc()
		span.RecordError(err)
		if markErr := c.cache.MarkError(ctx, src.ID, err); markErr != nil {
			c.logger.Printf("mark cache error for source %s: %v", src.ID, markErr)
		}
		return fmt.Errorf("discover source %s: %w", src.ID, err)
	}

	if err := c.cache.Put(ctx, src.ID, tools); err != nil {
		telemetry.DiscoveryRuns.WithLabelValues(src.Kind, "error").Inc()
		return err
	}
	telemetry.DiscoveryRuns.WithLabelValues(src.Kind, "ok").Inc()
	c.logger.Printf("refreshed source %s (%s): %d tools", src.ID, src.Kind, len(tools))
	return nil
}

// RefreshByID looks the source up and refreshes it.
func (c *Coordinator) RefreshByID(ctx context.Context, sourceID string) error {
	src, err := c.store.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	return c.Refresh(ctx, src)
}

// RefreshAll walks every live source. Failures are logged per source and do
// not stop the sweep.
func (c *Coordinator) RefreshAll(ctx context.Context) {
	sources, err := c.store.ListSources(ctx)
	if err != nil {
		c.logger.Printf("list sources: %v", err)
		return
	}
	for _, src := range sources {
		if err := c.Refresh(ctx, src); err != nil {
			c.logger.Printf("refresh: %v", err)
		}
	}
}

func (c *Coordinator) discover(ctx context.Context, src store.Source) ([]toolserver.Tool, error) {
	switch src.Kind {
	case store.SourceKindDirect:
		client := toolserver.NewClient(src.URL, src.Credentials, c.cfg.Timeout)
		return client.ListTools(ctx)
	case store.SourceKindBridge:
		res, err := c.broker.Execute(ctx, src.Capability, bridge.DiscoveryToolName,
			map[string]interface{}{"capability": src.Capability})
		if err != nil {
			return nil, err
		}
		var payload struct {
			Tools []toolserver.Tool `json:"tools"`
		}
		if err := json.Unmarshal(res.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode discovery payload: %w", err)
		}
		return payload.Tools, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}
