package gocardless

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// ClientInterface defines the provider operations used by the domain services
type ClientInterface interface {
	CreateRequisition(ctx context.Context, req RequisitionRequest) (*Requisition, error)
	GetRequisition(ctx context.Context, id uuid.UUID) (*Requisition, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetBalances(ctx context.Context, id uuid.UUID) (*Balances, error)
	GetTransactions(ctx context.Context, id uuid.UUID, from, to civil.Date) (*TransactionsResponse, error)
	ListInstitutions(ctx context.Context, country string) ([]Institution, error)
	NewToken(ctx context.Context, req TokenRequest) (*TokenPair, error)
}
