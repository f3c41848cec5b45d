package openbanking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/shared/config"
)

// SyncRun is the journal record of one provider sync.
type SyncRun struct {
	ID             uuid.UUID
	Provider       string
	RequisitionID  uuid.UUID
	WindowStart    civil.Date
	WindowEnd      civil.Date
	StartedAt      time.Time
	FinishedAt     time.Time
	AccountsTotal  int
	AccountsSynced int
	Outcome        string
	Error          string
}

// RunRecorder stores sync runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run SyncRun) error
}

// SyncResult contains the results of a provider sync
type SyncResult struct {
	Provider      string
	RequisitionID uuid.UUID
	Window        DateWindow
	AccountsTotal int
	Accounts      []*IngestResult
	Failed        int
}

// SyncService drives the ingestion of every account of a linked provider.
type SyncService struct {
	client   gocardless.ClientInterface
	states   *StateStore
	ingest   *IngestService
	recorder RunRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewSyncService creates a new sync service. recorder may be nil.
func NewSyncService(
	client gocardless.ClientInterface,
	states *StateStore,
	ingest *IngestService,
	recorder RunRecorder,
	logger *slog.Logger,
) *SyncService {
	return &SyncService{
		client:   client,
		states:   states,
		ingest:   ingest,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Sync ingests every account granted to the provider's requisition, in the
// order the provider lists them. By default the first failing account stops
// the run. With ContinueOnError the remaining accounts are still processed
// and the run returns all account errors joined.
func (s *SyncService) Sync(ctx context.Context, provider config.ProviderConfig) (result *SyncResult, err error) {
	ctx, span := tracer.Start(ctx, "openbanking.sync", trace.WithAttributes(
		attribute.String("provider", provider.Name),
	))
	defer span.End()

	started := s.now()
	logger := s.logger.With("provider", provider.Name)
	result = &SyncResult{Provider: provider.Name}

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Classify(err))
		}
		s.record(ctx, logger, result, started, err)
	}()

	state, err := s.states.Load(ctx, provider.State)
	if err != nil {
		return result, fmt.Errorf("provider %s: %w", provider.Name, err)
	}
	result.RequisitionID = state.RequisitionID
	logger = logger.With("requisition_id", state.RequisitionID)
	span.SetAttributes(attribute.String("requisition.id", state.RequisitionID.String()))

	req, err := s.client.GetRequisition(ctx, state.RequisitionID)
	if err != nil {
		return result, fmt.Errorf("provider %s: failed to fetch requisition: %w", provider.Name, err)
	}
	if !req.IsLinked() {
		return result, fmt.Errorf("provider %s: %w (status %s)", provider.Name, ErrNotLinked, req.Status)
	}

	window := NewDateWindow(Today(started), provider.HistoryDays)
	result.Window = window
	result.AccountsTotal = len(req.Accounts)
	logger.Info("starting sync",
		"accounts", len(req.Accounts),
		"from", window.Start.String(),
		"to", window.End.String(),
	)

	var errs []error
	for _, accountID := range req.Accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res, err := s.ingest.IngestAccount(ctx, provider.Output, accountID, window)
		if err != nil {
			result.Failed++
			logger.Error("account sync failed", "account_id", accountID, "kind", Classify(err), "error", err)
			errs = append(errs, err)
			if !provider.ContinueOnError {
				break
			}
			continue
		}
		result.Accounts = append(result.Accounts, res)
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("provider %s: %w", provider.Name, errors.Join(errs...))
	}

	logger.Info("sync finished", "accounts_synced", len(result.Accounts))
	return result, nil
}

func (s *SyncService) record(ctx context.Context, logger *slog.Logger, result *SyncResult, started time.Time, runErr error) {
	if s.recorder == nil {
		return
	}

	run := SyncRun{
		ID:             uuid.New(),
		Provider:       result.Provider,
		RequisitionID:  result.RequisitionID,
		WindowStart:    result.Window.Start,
		WindowEnd:      result.Window.End,
		StartedAt:      started,
		FinishedAt:     s.now(),
		AccountsTotal:  result.AccountsTotal,
		AccountsSynced: len(result.Accounts),
		Outcome:        "success",
	}
	if runErr != nil {
		run.Outcome = Classify(runErr)
		run.Error = runErr.Error()
	}

	// Journal failures are only logged.
	if err := s.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("failed to record sync run", "error", err)
	}
}
