package openbanking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/shared/config"
)

// ConsentWaiter blocks until the end user has completed consent for a
// requisition. It must already be listening when handed to Link.
type ConsentWaiter interface {
	WaitForConsent(ctx context.Context, req *gocardless.Requisition) error
	Close() error
}

// LinkService runs the consent handshake for a provider.
type LinkService struct {
	client gocardless.ClientInterface
	states *StateStore
	out    io.Writer
	logger *slog.Logger
}

// NewLinkService creates a new link service. Consent URLs for the user are
// printed to out.
func NewLinkService(client gocardless.ClientInterface, states *StateStore, out io.Writer, logger *slog.Logger) *LinkService {
	return &LinkService{
		client: client,
		states: states,
		out:    out,
		logger: logger,
	}
}

// Link creates a requisition redirecting to redirectURL, waits for consent
// through waiter, then persists the provider's LinkState. The waiter is
// closed before Link returns.
func (s *LinkService) Link(ctx context.Context, provider config.ProviderConfig, redirectURL string, waiter ConsentWaiter) (state *LinkState, err error) {
	defer waiter.Close()

	ctx, span := tracer.Start(ctx, "openbanking.link", trace.WithAttributes(
		attribute.String("provider", provider.Name),
		attribute.String("institution.id", provider.InstitutionID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Classify(err))
		}
		span.End()
	}()

	logger := s.logger.With("provider", provider.Name)

	req, err := s.client.CreateRequisition(ctx, gocardless.RequisitionRequest{
		InstitutionID: provider.InstitutionID,
		Redirect:      redirectURL,
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: failed to create requisition: %w", provider.Name, err)
	}
	logger = logger.With("requisition_id", req.ID)
	span.SetAttributes(attribute.String("requisition.id", req.ID.String()))
	logger.Info("requisition created", "status", req.Status)

	authURL, err := AuthURL(redirectURL, req.ID)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", provider.Name, err)
	}
	fmt.Fprintf(s.out, "Open %s to link %s\n", authURL, provider.Name)
	fmt.Fprintf(s.out, "Consent link: %s\n", req.Link)

	if err := waiter.WaitForConsent(ctx, req); err != nil {
		return nil, fmt.Errorf("provider %s: %w", provider.Name, err)
	}

	req, err = s.client.GetRequisition(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("provider %s: failed to fetch linked requisition: %w", provider.Name, err)
	}

	state = &LinkState{RequisitionID: req.ID}
	if err := s.states.Save(ctx, provider.State, *state); err != nil {
		return nil, fmt.Errorf("provider %s: %w", provider.Name, err)
	}

	logger.Info("provider linked", "accounts", len(req.Accounts), "state", provider.State)
	return state, nil
}

// AuthURL is redirectURL with the requisition id in its ref parameter.
func AuthURL(redirectURL string, requisitionID uuid.UUID) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL %q: %w", redirectURL, err)
	}
	q := u.Query()
	q.Set("ref", requisitionID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
