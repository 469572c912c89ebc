package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dotsetgreg/priya/pkg/config"
	"github.com/dotsetgreg/priya/pkg/logger"
	"github.com/dotsetgreg/priya/pkg/providers"
)

// ProviderMaintainer is the registry surface the maintenance jobs drive.
type ProviderMaintainer interface {
	TickHealth(ctx context.Context) []providers.ProbeResult
	ResetDaily()
	FlushUsage(ctx context.Context) error
}

// MemoryMaintainer is the store surface the maintenance jobs drive.
type MemoryMaintainer interface {
	Cleanup(ctx context.Context, days int) (int64, error)
	BackfillEmbeddings(ctx context.Context, limit int) (int, error)
	Checkpoint(ctx context.Context) error
}

const backfillBatch = 64

// MaintenanceJobs returns the gateway's periodic jobs. A nil maintainer
// drops the jobs that depend on it.
func MaintenanceJobs(cfg *config.Config, reg ProviderMaintainer, mem MemoryMaintainer) []Job {
	var jobs []Job
	sc := cfg.Scheduler

	if reg != nil {
		jobs = append(jobs,
			Job{Name: "provider-health", Expr: sc.HealthCron, Run: func(ctx context.Context) error {
				failed := 0
				for _, r := range reg.TickHealth(ctx) {
					if !r.OK {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d provider probe(s) failed", failed)
				}
				return nil
			}},
			Job{Name: "quota-reset", Expr: sc.ResetCron, Run: func(context.Context) error {
				reg.ResetDaily()
				logger.InfoC("scheduler", "Daily provider quotas reset")
				return nil
			}},
			Job{Name: "usage-flush", Expr: sc.UsageCron, Run: reg.FlushUsage},
		)
	}

	if mem != nil {
		cleanup := Job{Name: "memory-cleanup", Expr: sc.CleanupCron, Run: func(ctx context.Context) error {
			n, err := mem.Cleanup(ctx, cfg.Memory.RetentionDays)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.InfoCF("scheduler", "Expired memories removed", map[string]any{
					"removed":        n,
					"retention_days": cfg.Memory.RetentionDays,
				})
			}
			return nil
		}}
		if cleanup.Expr == "" {
			cleanup.Every = cfg.CleanupInterval()
		}
		jobs = append(jobs,
			cleanup,
			Job{Name: "embedding-backfill", Expr: sc.BackfillCron, Run: func(ctx context.Context) error {
				_, err := mem.BackfillEmbeddings(ctx, backfillBatch)
				return err
			}},
			Job{Name: "memory-checkpoint", Every: time.Duration(cfg.Memory.SaveInterval) * time.Second, Run: mem.Checkpoint},
		)
	}

	out := jobs[:0]
	for _, j := range jobs {
		if j.Expr == "" && j.Every <= 0 {
			logger.DebugCF("scheduler", "Job disabled: no schedule", map[string]any{"job": j.Name})
			continue
		}
		out = append(out, j)
	}
	return out
}
