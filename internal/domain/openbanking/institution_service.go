package openbanking

import (
	"context"
	"fmt"
	"strings"

	"banksync/internal/infrastructure/gocardless"
)

// InstitutionService lists the banks a provider supports.
type InstitutionService struct {
	client gocardless.ClientInterface
}

func NewInstitutionService(client gocardless.ClientInterface) *InstitutionService {
	return &InstitutionService{client: client}
}

// List returns the institutions of a country, optionally narrowed to those
// whose name or id contains filter (case-insensitive).
func (s *InstitutionService) List(ctx context.Context, country, filter string) ([]gocardless.Institution, error) {
	if len(country) != 2 {
		return nil, fmt.Errorf("country must be a two-letter code, got %q", country)
	}

	institutions, err := s.client.ListInstitutions(ctx, country)
	if err != nil {
		return nil, fmt.Errorf("failed to list institutions for %s: %w", country, err)
	}

	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return institutions, nil
	}
	matched := institutions[:0:0]
	for _, inst := range institutions {
		if strings.Contains(strings.ToLower(inst.Name), filter) || strings.Contains(strings.ToLower(inst.ID), filter) {
			matched = append(matched, inst)
		}
	}
	return matched, nil
}
