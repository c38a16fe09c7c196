package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/orchestrator"
)

// TenantLister enumerates tenants with autonomous outreach enabled.
type TenantLister interface {
	EnabledTenantIDs(ctx context.Context) ([]string, error)
}

// CycleRunner triggers one outreach cycle for a tenant.
type CycleRunner interface {
	RunCycle(ctx context.Context, tenantID string) (orchestrator.CycleResult, error)
}

// Sweeper runs the periodic outreach cycle across all enabled tenants. One
// lead per tenant per pass; the per-tenant lock inside RunCycle keeps
// concurrent sweepers from doubling up.
type Sweeper struct {
	cfg     config.Config
	tenants TenantLister
	runner  CycleRunner
}

// NewSweeper wires the sweeper.
func NewSweeper(cfg config.Config, tenants TenantLister, runner CycleRunner) *Sweeper {
	return &Sweeper{cfg: cfg, tenants: tenants, runner: runner}
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("worker: tenant sweeper started, interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker: tenant sweeper stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	ids, err := s.tenants.EnabledTenantIDs(ctx)
	if err != nil {
		log.Printf("worker: list enabled tenants: %v", err)
		return
	}
	for _, id := range ids {
		res, err := s.runner.RunCycle(ctx, id)
		switch {
		case errors.Is(err, orchestrator.ErrSweepInProgress):
			// Another sweeper holds the tenant. Nothing to do.
		case errors.Is(err, orchestrator.ErrOutreachDisabled):
			// Disabled between listing and running. Skip.
		case err != nil:
			log.Printf("worker: cycle for tenant %s: %v", id, err)
		case res.LeadID != "":
			log.Printf("worker: tenant %s lead %s -> %s %s", id, res.LeadID, res.Channel, res.Status)
		}
	}
}
