package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"banksync/internal/domain/openbanking"
	"banksync/internal/infrastructure/crypto"
	"banksync/internal/infrastructure/filestore"
	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/infrastructure/postgres"
	"banksync/internal/infrastructure/secrets"
	"banksync/internal/shared/config"
	"banksync/internal/shared/logging"
	"banksync/internal/shared/telemetry"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	Config *config.Config
	Logger *slog.Logger
	Files  *filestore.Store
	Tokens *secrets.TokenStore
	Client *gocardless.Client

	// Domain services
	States       *openbanking.StateStore
	Ingest       *openbanking.IngestService
	Sync         *openbanking.SyncService
	Link         *openbanking.LinkService
	Institutions *openbanking.InstitutionService

	// Optional sync-run journal
	DB      *postgres.DB
	Journal *postgres.SyncRunRepository

	shutdownTelemetry func(context.Context) error
}

// dependencyOptions selects the parts a command needs.
type dependencyOptions struct {
	// anonymous skips access token resolution, for commands that only call
	// unauthenticated endpoints.
	anonymous bool
	// journal connects the sync-run journal when one is configured.
	journal bool
	out     io.Writer
}

// NewDependencies loads the configuration at path and initializes everything
// a command needs.
func NewDependencies(ctx context.Context, path string, opts dependencyOptions) (*Dependencies, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	d := &Dependencies{
		Config: cfg,
		Logger: logger,
		Files:  filestore.New(cfg.Storage.WriteConcurrency),
	}

	d.shutdownTelemetry, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Telemetry.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	var encryptor *crypto.Encryptor
	if cfg.Encryption.Key != "" {
		if encryptor, err = crypto.NewEncryptor(cfg.Encryption.Key); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
	}
	d.Tokens = secrets.NewTokenStore(d.Files, cfg.API.TokenFile, encryptor)

	var accessToken string
	if !opts.anonymous {
		if accessToken, err = d.resolveAccessToken(ctx); err != nil {
			d.Close()
			return nil, err
		}
	}
	d.Client = d.newClient(accessToken)

	d.States = openbanking.NewStateStore(d.Files)
	d.Ingest = openbanking.NewIngestService(d.Client, d.Files, logger)
	d.Link = openbanking.NewLinkService(d.Client, d.States, opts.out, logger)
	d.Institutions = openbanking.NewInstitutionService(d.Client)

	var recorder openbanking.RunRecorder
	if opts.journal && cfg.Journal.DatabaseURL != "" {
		if err := d.connectJournal(ctx); err != nil {
			d.Close()
			return nil, err
		}
		recorder = d.Journal
	}
	d.Sync = openbanking.NewSyncService(d.Client, d.States, d.Ingest, recorder, logger)

	return d, nil
}

func (d *Dependencies) newClient(accessToken string) *gocardless.Client {
	cfg := d.Config
	return gocardless.NewClient(gocardless.Options{
		BaseURL:     cfg.API.BaseURL,
		AccessToken: accessToken,
		Retry: gocardless.RetryPolicy{
			Delay:      cfg.Retries.Delay(),
			MaxDelay:   cfg.Retries.MaxDelay(),
			MaxRetries: cfg.Retries.Retries(),
		},
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		Timeout:           cfg.API.Timeout.Duration,
		Logger:            d.Logger,
	})
}

// resolveAccessToken prefers GOCARDLESS_ACCESS_TOKEN, then the stored token.
// A missing or expired stored token is replaced when secret credentials are
// configured.
func (d *Dependencies) resolveAccessToken(ctx context.Context) (string, error) {
	token, err := d.Tokens.AccessToken(ctx, d.Config.Credentials.AccessToken)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, secrets.ErrNoToken) && !errors.Is(err, secrets.ErrTokenExpired) {
		return "", fmt.Errorf("failed to load access token: %w", err)
	}

	creds := d.Config.Credentials
	if creds.SecretID == "" || creds.SecretKey == "" {
		return "", err
	}

	d.Logger.Info("requesting new access token", "reason", err)
	tok, err := d.issueToken(ctx)
	if err != nil {
		return "", err
	}
	return tok.Access, nil
}

// issueToken exchanges the secret credentials for a token pair and stores it.
func (d *Dependencies) issueToken(ctx context.Context) (*secrets.Token, error) {
	creds := d.Config.Credentials
	if creds.SecretID == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("%w: GOCARDLESS_SECRET_ID and GOCARDLESS_SECRET_KEY must be set", config.ErrInvalidConfig)
	}

	pair, err := d.newClient("").NewToken(ctx, gocardless.TokenRequest{
		SecretID:  creds.SecretID,
		SecretKey: creds.SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	tok, err := d.Tokens.Save(ctx, pair)
	if err != nil {
		return nil, err
	}
	d.Logger.Info("access token stored", "path", d.Config.API.TokenFile, "expires_at", tok.AccessExpiresAt)
	return tok, nil
}

func (d *Dependencies) connectJournal(ctx context.Context) error {
	db, err := postgres.New(ctx, d.Config.Journal.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to journal database: %w", err)
	}
	d.DB = db
	d.Journal = postgres.NewSyncRunRepository(db)

	if err := d.Journal.EnsureSchema(ctx); err != nil {
		return err
	}
	d.Logger.Info("connected to journal database")
	return nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Warn("failed to close database", "error", err)
		}
	}
	if d.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.shutdownTelemetry(ctx); err != nil {
			d.Logger.Warn("failed to shut down telemetry", "error", err)
		}
	}
}
