package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"banksync/internal/domain/openbanking"
	"banksync/internal/shared/config"
)

// Syncer runs one provider sync.
type Syncer interface {
	Sync(ctx context.Context, provider config.ProviderConfig) (*openbanking.SyncResult, error)
}

// ProviderSyncJob implements Job for one provider's sync.
type ProviderSyncJob struct {
	provider config.ProviderConfig
	syncer   Syncer
	logger   *slog.Logger
}

// NewProviderSyncJob creates a new sync job for provider
func NewProviderSyncJob(provider config.ProviderConfig, syncer Syncer, logger *slog.Logger) *ProviderSyncJob {
	return &ProviderSyncJob{
		provider: provider,
		syncer:   syncer,
		logger:   logger.With("provider", provider.Name),
	}
}

// Execute runs the sync
func (j *ProviderSyncJob) Execute(ctx context.Context) error {
	result, err := j.syncer.Sync(ctx, j.provider)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	j.logger.Info("provider sync completed",
		"accounts", len(result.Accounts),
		"from", result.Window.Start.String(),
		"to", result.Window.End.String(),
	)
	return nil
}

func (j *ProviderSyncJob) Key() string {
	return j.provider.Name
}

func (j *ProviderSyncJob) Description() string {
	return "sync " + j.provider.Name
}

// ProviderJobs returns a job provider yielding one ProviderSyncJob per
// configured provider, in name order.
func ProviderJobs(cfg *config.Config, syncer Syncer, logger *slog.Logger) func(context.Context) ([]Job, error) {
	return func(ctx context.Context) ([]Job, error) {
		names := cfg.ProviderNames()
		jobs := make([]Job, 0, len(names))
		for _, name := range names {
			p, err := cfg.Provider(name)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, NewProviderSyncJob(p, syncer, logger))
		}
		return jobs, nil
	}
}
