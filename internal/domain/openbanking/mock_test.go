package openbanking

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"banksync/internal/infrastructure/gocardless"
)

// MockClient implements gocardless.ClientInterface
type MockClient struct {
	CreateRequisitionFunc func(ctx context.Context, req gocardless.RequisitionRequest) (*gocardless.Requisition, error)
	GetRequisitionFunc    func(ctx context.Context, id uuid.UUID) (*gocardless.Requisition, error)
	GetAccountFunc        func(ctx context.Context, id uuid.UUID) (*gocardless.Account, error)
	GetBalancesFunc       func(ctx context.Context, id uuid.UUID) (*gocardless.Balances, error)
	GetTransactionsFunc   func(ctx context.Context, id uuid.UUID, from, to civil.Date) (*gocardless.TransactionsResponse, error)
	ListInstitutionsFunc  func(ctx context.Context, country string) ([]gocardless.Institution, error)
}

var errNotMocked = errors.New("not mocked")

func (m *MockClient) CreateRequisition(ctx context.Context, req gocardless.RequisitionRequest) (*gocardless.Requisition, error) {
	if m.CreateRequisitionFunc != nil {
		return m.CreateRequisitionFunc(ctx, req)
	}
	return nil, errNotMocked
}

func (m *MockClient) GetRequisition(ctx context.Context, id uuid.UUID) (*gocardless.Requisition, error) {
	if m.GetRequisitionFunc != nil {
		return m.GetRequisitionFunc(ctx, id)
	}
	return nil, errNotMocked
}

func (m *MockClient) GetAccount(ctx context.Context, id uuid.UUID) (*gocardless.Account, error) {
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx, id)
	}
	return &gocardless.Account{ID: id, IBAN: "GB00TEST" + id.String()[:4], Status: gocardless.AccountReady}, nil
}

func (m *MockClient) GetBalances(ctx context.Context, id uuid.UUID) (*gocardless.Balances, error) {
	if m.GetBalancesFunc != nil {
		return m.GetBalancesFunc(ctx, id)
	}
	return &gocardless.Balances{}, nil
}

func (m *MockClient) GetTransactions(ctx context.Context, id uuid.UUID, from, to civil.Date) (*gocardless.TransactionsResponse, error) {
	if m.GetTransactionsFunc != nil {
		return m.GetTransactionsFunc(ctx, id, from, to)
	}
	return &gocardless.TransactionsResponse{}, nil
}

func (m *MockClient) ListInstitutions(ctx context.Context, country string) ([]gocardless.Institution, error) {
	if m.ListInstitutionsFunc != nil {
		return m.ListInstitutionsFunc(ctx, country)
	}
	return nil, nil
}

func (m *MockClient) NewToken(ctx context.Context, req gocardless.TokenRequest) (*gocardless.TokenPair, error) {
	return nil, errNotMocked
}

// MockRecorder implements RunRecorder
type MockRecorder struct {
	Runs []SyncRun
	Err  error
}

func (m *MockRecorder) RecordRun(ctx context.Context, run SyncRun) error {
	m.Runs = append(m.Runs, run)
	return m.Err
}

// MockWaiter implements ConsentWaiter
type MockWaiter struct {
	WaitForConsentFunc func(ctx context.Context, req *gocardless.Requisition) error
	Closed             int
}

func (m *MockWaiter) WaitForConsent(ctx context.Context, req *gocardless.Requisition) error {
	if m.WaitForConsentFunc != nil {
		return m.WaitForConsentFunc(ctx, req)
	}
	return nil
}

func (m *MockWaiter) Close() error {
	m.Closed++
	return nil
}

func date(y int, m int, d int) civil.Date {
	return civil.Date{Year: y, Month: time.Month(m), Day: d}
}

func strPtr(s string) *string {
	return &s
}

func datePtr(d civil.Date) *civil.Date {
	return &d
}
