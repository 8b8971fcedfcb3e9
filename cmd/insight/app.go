package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pario-ai/insight/pkg/analysis"
	"github.com/pario-ai/insight/pkg/cache/memory"
	"github.com/pario-ai/insight/pkg/config"
	"github.com/pario-ai/insight/pkg/journal"
	"github.com/pario-ai/insight/pkg/metrics"
	"github.com/pario-ai/insight/pkg/orchestrator"
	"github.com/pario-ai/insight/pkg/transport"
)

// app holds the collaborators shared by the commands of one process.
type app struct {
	cfg      *config.Config
	client   *transport.Client
	cache    *memory.Cache
	analyzer *analysis.Analyzer
	journal  *journal.Journal
	metrics  *metrics.Metrics
}

// newApp wires the client session. reg may be nil to skip metrics.
func newApp(cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{
		cfg:    cfg,
		client: transport.New(cfg),
	}
	if reg != nil {
		a.metrics = metrics.New(reg)
	}
	if cfg.Journal.Enabled {
		j, err := journal.New(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
	}
	if cfg.Cache.Enabled {
		a.cache = memory.New(memory.Options{TTL: cfg.Cache.TTL, MaxEntries: cfg.Cache.MaxEntries})
		if reg != nil {
			metrics.RegisterCacheEntries(reg, a.cache.Len)
		}
	}

	opts := []analysis.Option{analysis.WithUserID(cfg.UserID), analysis.WithMetrics(a.metrics)}
	if a.journal != nil {
		opts = append(opts, analysis.WithRecorder(a.journal))
	}
	a.analyzer = analysis.New(a.client, a.cache, opts...)
	return a, nil
}

// orchestratorOptions returns the options every orchestrator is built with.
func (a *app) orchestratorOptions(operation string) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithUserID(a.cfg.UserID),
		orchestrator.WithMetrics(a.metrics),
	}
	if operation != "" {
		opts = append(opts, orchestrator.WithOperation(operation))
	}
	if a.journal != nil {
		opts = append(opts, orchestrator.WithRecorder(a.journal))
	}
	return opts
}

// sweep runs the cache janitor until ctx is done.
func (a *app) sweep(ctx context.Context) {
	if a.cache == nil || a.cfg.Cache.SweepInterval <= 0 {
		return
	}
	go a.cache.Run(ctx, a.cfg.Cache.SweepInterval)
}

func (a *app) Close() error {
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}
