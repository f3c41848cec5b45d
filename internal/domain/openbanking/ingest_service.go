package openbanking

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"banksync/internal/infrastructure/filestore"
	"banksync/internal/infrastructure/gocardless"
)

const (
	accountDetailsFile = "account-details.json"
	balancesFile       = "balances.jsonl"
)

var (
	tracer                 = otel.Tracer("banksync/openbanking")
	meter                  = otel.Meter("banksync/openbanking")
	transactionsWritten, _ = meter.Int64Counter("openbanking.transactions_written", metric.WithDescription("Transactions written to bucket files by class"))
	accountsProcessed, _   = meter.Int64Counter("openbanking.accounts", metric.WithDescription("Accounts processed by outcome"))
)

// IngestResult summarises one account ingestion.
type IngestResult struct {
	AccountID uuid.UUID
	IBAN      string
	Dir       string
	Balances  int
	Booked    int
	Pending   int
	Buckets   []string
}

// IngestService fetches one account and writes its files.
type IngestService struct {
	client gocardless.ClientInterface
	files  *filestore.Store
	logger *slog.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(client gocardless.ClientInterface, files *filestore.Store, logger *slog.Logger) *IngestService {
	return &IngestService{
		client: client,
		files:  files,
		logger: logger,
	}
}

// IngestAccount writes account-details.json, balances.jsonl and one file per
// transaction bucket under outputDir/<iban>. Account details are written
// before the status check so they always reflect the latest fetch. Every
// error is an *AccountError.
func (s *IngestService) IngestAccount(ctx context.Context, outputDir string, accountID uuid.UUID, window DateWindow) (res *IngestResult, err error) {
	ctx, span := tracer.Start(ctx, "openbanking.ingest_account", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
		attribute.String("window.start", window.Start.String()),
		attribute.String("window.end", window.End.String()),
	))
	defer func() {
		outcome := "synced"
		if err != nil {
			outcome = Classify(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		accountsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		span.End()
	}()

	logger := s.logger.With("account_id", accountID)
	fail := func(acc *gocardless.Account, err error) error {
		ae := &AccountError{AccountID: accountID, Err: err}
		if acc != nil {
			ae.IBAN = acc.IBAN
			ae.Status = acc.Status
		}
		return ae
	}

	acc, err := s.client.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fail(nil, fmt.Errorf("failed to fetch account details: %w", err))
	}

	dir := filepath.Join(outputDir, accountDirName(accountID, acc.IBAN))
	logger = logger.With("iban", acc.IBAN, "path", dir)
	span.SetAttributes(attribute.String("account.status", string(acc.Status)))

	if err := s.files.WriteJSON(ctx, filepath.Join(dir, accountDetailsFile), acc); err != nil {
		return nil, fail(acc, err)
	}

	if acc.Status != gocardless.AccountReady {
		logger.Warn("account is not ready, skipping balances and transactions", "status", acc.Status)
		return nil, fail(acc, ErrAccountUnusable)
	}

	res = &IngestResult{AccountID: accountID, IBAN: acc.IBAN, Dir: dir}

	balances, err := s.client.GetBalances(ctx, accountID)
	if err != nil {
		return nil, fail(acc, fmt.Errorf("failed to fetch balances: %w", err))
	}
	if err := filestore.WriteJSONLines(ctx, s.files, filepath.Join(dir, balancesFile), balances.Balances); err != nil {
		return nil, fail(acc, err)
	}
	res.Balances = len(balances.Balances)

	txs, err := s.client.GetTransactions(ctx, accountID, window.Start, window.End)
	if err != nil {
		return nil, fail(acc, fmt.Errorf("failed to fetch transactions: %w", err))
	}
	res.Booked = len(txs.Transactions.Booked)
	res.Pending = len(txs.Transactions.Pending)

	buckets := BucketTransactions(txs.Transactions.Booked, txs.Transactions.Pending)
	for _, key := range buckets.Keys() {
		if err := filestore.WriteJSONLines(ctx, s.files, filepath.Join(dir, key.FileName()), buckets[key]); err != nil {
			return nil, fail(acc, err)
		}
		res.Buckets = append(res.Buckets, key.String())
	}

	transactionsWritten.Add(ctx, int64(res.Booked), metric.WithAttributes(attribute.String("class", string(gocardless.ClassBooked))))
	transactionsWritten.Add(ctx, int64(res.Pending), metric.WithAttributes(attribute.String("class", string(gocardless.ClassPending))))

	logger.Info("account synced",
		"balances", res.Balances,
		"booked", res.Booked,
		"pending", res.Pending,
		"buckets", len(res.Buckets),
	)
	return res, nil
}

// accountDirName is the IBAN, or the account id when the IBAN is empty or
// unusable as a single path element.
func accountDirName(id uuid.UUID, iban string) string {
	iban = strings.TrimSpace(iban)
	if iban == "" || iban == "." || iban == ".." || strings.ContainsAny(iban, `/\`) {
		return id.String()
	}
	return iban
}
