package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/coordinator"
	"github.com/prospect-labs/prospectd/internal/generator"
	"github.com/prospect-labs/prospectd/internal/leads"
	"github.com/prospect-labs/prospectd/internal/ledger"
	"github.com/prospect-labs/prospectd/internal/notify"
	"github.com/prospect-labs/prospectd/internal/quota"
	"github.com/prospect-labs/prospectd/internal/refresh"
	"github.com/prospect-labs/prospectd/internal/store"
	"github.com/prospect-labs/prospectd/pkg/scoutly"
)

// env holds the initialized store, ledger, and pipeline components shared by
// the serve/scheduler/generate commands.
type env struct {
	Store     store.Store
	Ledger    ledger.Ledger
	Generator *generator.Generator
	Refresher *refresh.Refresher
}

// Close releases resources held by the environment.
func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prospectd.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLedger connects the shared job ledger. A failed connection is not
// fatal: the daemon starts on the process-local fallback and logs the
// degradation.
func initLedger(ctx context.Context) ledger.Ledger {
	local := ledger.NewMemory(cfg.Ledger.TTL())

	primary, err := ledger.NewRedis(ctx, cfg.Ledger.RedisURL, cfg.Ledger.TTL())
	if err != nil {
		zap.L().Warn("job ledger starting in process-local mode", zap.Error(err))
		return local
	}
	return ledger.NewFailover(primary, local)
}

// initEnv sets up the store, provider client, and generation pipeline.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*env, error) {
	if cfg.Upstream.APIKey == "" {
		return nil, eris.New("scoutly api key is required (PROSPECTD_UPSTREAM_API_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	client := scoutly.NewClient(cfg.Upstream.APIKey,
		scoutly.WithBaseURL(cfg.Upstream.BaseURL),
		scoutly.WithRateLimit(cfg.Upstream.RequestsPerSecond),
	)

	fieldMap, err := leads.LoadFieldMap(cfg.Generate.FieldMapPath)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load field map")
	}

	led := initLedger(ctx)
	coord := coordinator.New(st, client, cfg.Upstream)
	fetcher := leads.NewFetcher(client, cfg.Upstream)
	converter := leads.NewConverter(fieldMap)
	checker := quota.New(st, cfg.Quota.MonthlyOpportunityLimit)
	notifier := notify.NewDispatcher(cfg.Notify)

	gen := generator.New(st, led, coord, fetcher, converter, checker, notifier, cfg.Generate)
	refresher := refresh.New(st, fetcher, converter, notifier, cfg.Refresh)

	return &env{
		Store:     st,
		Ledger:    led,
		Generator: gen,
		Refresher: refresher,
	}, nil
}
