package app

import (
	"context"
	"time"

	"github.com/storyloom/core/internal/config"
	"github.com/storyloom/core/internal/modules/analysis"
	pkgcron "github.com/storyloom/core/internal/pkg/cron"
	"go.uber.org/zap"
)

// registerCronJobs registers all scheduled background jobs.
func registerCronJobs(sched *pkgcron.Scheduler, analysisSvc *analysis.Service, cfg *config.AppConfig, logger *zap.Logger) {
	cronLogger := logger.Named("CronService")

	sched.Register(pkgcron.Job{
		Name:        "refresh_analysis_limits",
		Description: "Refresh the analysis quota reading from the quota source",
		Interval:    cfg.Analysis.LimiterRefresh(),
		Fn: func(ctx context.Context) error {
			info := analysisSvc.RefreshLimits(ctx)
			cronLogger.Info("analysis quota refreshed",
				zap.Bool("allowed", info.Allowed),
				zap.Int("hourly_remaining", info.HourlyLimit-info.HourlyCount),
				zap.Int("daily_remaining", info.DailyLimit-info.DailyCount))
			return nil
		},
	})

	sched.Register(pkgcron.Job{
		Name:        "recount_words",
		Description: "Recompute persisted word counts from item content",
		Interval:    24 * time.Hour,
		Fn: func(ctx context.Context) error {
			if err := analysisSvc.RecountWords(ctx); err != nil {
				cronLogger.Warn("word recount failed", zap.Error(err))
				return err
			}
			cronLogger.Info("word recount finished")
			return nil
		},
	})
}
