package openbanking

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"

	"banksync/internal/infrastructure/filestore"
)

// LinkState is the durable result of a completed consent handshake.
type LinkState struct {
	RequisitionID uuid.UUID `json:"requisition_id"`
}

// StateStore reads and writes a provider's LinkState file.
type StateStore struct {
	files *filestore.Store
}

func NewStateStore(files *filestore.Store) *StateStore {
	return &StateStore{files: files}
}

// Save overwrites the state file at path.
func (s *StateStore) Save(ctx context.Context, path string, state LinkState) error {
	if err := s.files.WriteJSON(ctx, path, state); err != nil {
		return fmt.Errorf("failed to save link state: %w", err)
	}
	return nil
}

// Load reads the state file at path. A missing file yields ErrNoLinkState.
func (s *StateStore) Load(ctx context.Context, path string) (*LinkState, error) {
	var state LinkState
	if err := s.files.ReadJSON(ctx, path, &state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w (state file %s)", ErrNoLinkState, path)
		}
		return nil, fmt.Errorf("failed to load link state: %w", err)
	}
	if state.RequisitionID == uuid.Nil {
		return nil, fmt.Errorf("state file %s has no requisition_id", path)
	}
	return &state, nil
}
