package app

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inference-gateway/internal/analytics"
	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/blocking"
	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/nulpointcorp/inference-gateway/internal/credentials"
	"github.com/nulpointcorp/inference-gateway/internal/guardrail"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/router"
	"github.com/nulpointcorp/inference-gateway/internal/usage"
)

// initConfigPlane builds the Config Plane (C1) and every subsystem that
// reads from it (C3 auth, C4 rate limiting, C5 usage, C6 blocking, C7
// routing, C10 guardrails), plus the C11 analytics pipeline. The Plane
// itself is always built — even without Redis it serves the static seed
// below — so blocking/routing/guardrails work in a single-process deployment.
// The hot-reload subscriber and the Authenticator are built only when
// CONFIG_PLANE_ENABLED is set; the Redis-backed rate and usage limiters and
// the analytics sink require external infrastructure and stay nil without it.
func (a *App) initConfigPlane(ctx context.Context) error {
	a.creds = credentials.New()

	var rsaKey *rsa.PrivateKey
	if pem := a.cfg.ConfigPlane.RSAPrivateKeyPEM; pem != "" {
		key, err := configplane.ParseRSAPrivateKeyPEM(pem)
		if err != nil {
			return fmt.Errorf("parse TENSORZERO_RSA_PRIVATE_KEY: %w", err)
		}
		rsaKey = key
	}

	a.plane = configplane.New(a.creds, rsaKey)
	seedModelEntries(a.plane, a.log)

	a.blockingEngine = blocking.New(a.plane)
	a.modelRouter = router.New(a.plane, a.log)

	// The Authenticator is only wired when the Config Plane is actually
	// populated with API keys (via the pub/sub subscriber below) — without
	// that, the API-key table is permanently empty and every request would
	// be rejected with 401. requireAuth's nil-safe fallback then runs routes
	// unauthenticated, the same posture every other optional dependency
	// uses until an operator opts into the Config Plane.
	if a.cfg.ConfigPlane.Enabled {
		if a.rdb == nil {
			return fmt.Errorf("CONFIG_PLANE_ENABLED=true requires Redis (set REDIS_URL and CACHE_MODE=redis, or REDIS_URL alone)")
		}
		a.subscriber = configplane.NewSubscriber(a.rdb, a.plane, a.cfg.ConfigPlane.RedisDB, a.log)
		a.authn = auth.New(a.plane)
	}

	if a.rdb != nil {
		a.modelLimiter = ratelimit.NewModelLimiter(a.rdb, a.plane, a.log)
		a.usageLimiter = usage.New(a.rdb)
	}

	a.guardrailEngine = guardrail.New(a.plane, guardrail.NewProviderProbeFactory(a.provs), a.log)

	if a.cfg.Analytics.Enabled {
		sink, err := analytics.NewClickHouseSink(analytics.ClickHouseOptions{
			Addr:     a.cfg.Analytics.ClickHouseAddr,
			Database: a.cfg.Analytics.ClickHouseDatabase,
			Username: a.cfg.Analytics.ClickHouseUsername,
			Password: a.cfg.Analytics.ClickHousePassword,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.analyticsMgr = analytics.NewManager(a.baseCtx, sink, a.log, analytics.Tables,
			analytics.WithDropMetric(func(table string) {
				if a.prom != nil {
					a.prom.RecordAnalyticsDrop(table)
				}
			}),
		)
		a.log.Info("analytics enabled", slog.String("clickhouse_addr", a.cfg.Analytics.ClickHouseAddr))
	}

	return nil
}

// seedModelEntries bootstraps the Config Plane's model table from the
// static alias maps so routing/auth/guardrails work before any pub/sub
// `set` event arrives — the same "default seed snapshot" role documented
// for these tables in the design notes.
func seedModelEntries(plane *configplane.Plane, log *slog.Logger) {
	seen := make(map[string]bool)
	var entries []*configplane.ModelEntry

	addEntry := func(model, provider string) {
		if seen[model] {
			return
		}
		seen[model] = true
		entries = append(entries, &configplane.ModelEntry{
			ID:      model,
			Routing: []string{provider},
			Providers: map[string]configplane.ProviderConfig{
				provider: {Kind: provider},
			},
		})
	}
	for model, provider := range providers.ModelAliases {
		addEntry(model, provider)
	}
	for model, provider := range providers.EmbeddingModelAliases {
		addEntry(model, provider)
	}

	if errs := plane.Seed(entries); len(errs) > 0 {
		for _, err := range errs {
			log.Warn("configplane: seed entry rejected", slog.String("error", err.Error()))
		}
	}
}
