package openbanking

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"banksync/internal/infrastructure/filestore"
	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/shared/config"
	"banksync/internal/shared/logging"
)

func TestLink(t *testing.T) {
	reqID := uuid.MustParse("8126e9fb-93c9-4228-937c-68f0383c2df7")
	account := uuid.New()
	remoteErr := errors.New("remote down")

	tests := []struct {
		name      string
		createErr error
		waitErr   error
		wantErr   error
		wantState bool
	}{
		{name: "linked", wantState: true},
		{name: "create fails", createErr: remoteErr, wantErr: remoteErr},
		{name: "consent timeout", waitErr: ErrConsentTimeout, wantErr: ErrConsentTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			provider := config.ProviderConfig{
				Name:          "sandbox",
				InstitutionID: "SANDBOXFINANCE_SFIN0000",
				State:         filepath.Join(dir, "state", "sandbox.json"),
			}

			client := &MockClient{
				CreateRequisitionFunc: func(ctx context.Context, req gocardless.RequisitionRequest) (*gocardless.Requisition, error) {
					if req.InstitutionID != provider.InstitutionID || req.Redirect != "http://127.0.0.1:8080/" {
						t.Errorf("request = %+v", req)
					}
					if tt.createErr != nil {
						return nil, tt.createErr
					}
					return &gocardless.Requisition{ID: reqID, Link: "https://ob.example/start", Status: gocardless.RequisitionCreated}, nil
				},
				GetRequisitionFunc: func(ctx context.Context, id uuid.UUID) (*gocardless.Requisition, error) {
					return &gocardless.Requisition{ID: id, Status: gocardless.RequisitionLinked, Accounts: []uuid.UUID{account}}, nil
				},
			}
			waiter := &MockWaiter{
				WaitForConsentFunc: func(ctx context.Context, req *gocardless.Requisition) error {
					if req.ID != reqID {
						t.Errorf("waiting on %s, want %s", req.ID, reqID)
					}
					return tt.waitErr
				},
			}

			var out bytes.Buffer
			svc := NewLinkService(client, NewStateStore(filestore.New(1)), &out, logging.Discard())
			state, err := svc.Link(context.Background(), provider, "http://127.0.0.1:8080/", waiter)

			if waiter.Closed != 1 {
				t.Errorf("waiter closed %d times, want 1", waiter.Closed)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Link() error = %v, want %v", err, tt.wantErr)
				}
				if _, statErr := os.Stat(provider.State); !errors.Is(statErr, fs.ErrNotExist) {
					t.Errorf("state file written on failure: %v", statErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Link() error = %v", err)
			}
			if state.RequisitionID != reqID {
				t.Errorf("RequisitionID = %s, want %s", state.RequisitionID, reqID)
			}
			if !strings.Contains(out.String(), "http://127.0.0.1:8080/?ref="+reqID.String()) {
				t.Errorf("output missing auth URL: %q", out.String())
			}
			if !strings.Contains(out.String(), "https://ob.example/start") {
				t.Errorf("output missing consent link: %q", out.String())
			}

			saved, err := NewStateStore(filestore.New(1)).Load(context.Background(), provider.State)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if saved.RequisitionID != reqID {
				t.Errorf("saved RequisitionID = %s, want %s", saved.RequisitionID, reqID)
			}
		})
	}
}

func TestAuthURL(t *testing.T) {
	id := uuid.MustParse("8126e9fb-93c9-4228-937c-68f0383c2df7")
	tests := []struct {
		redirect string
		want     string
	}{
		{"http://127.0.0.1:8080/", "http://127.0.0.1:8080/?ref=" + id.String()},
		{"https://bank.example.com/cb?lang=en", "https://bank.example.com/cb?lang=en&ref=" + id.String()},
	}

	for _, tt := range tests {
		t.Run(tt.redirect, func(t *testing.T) {
			got, err := AuthURL(tt.redirect, id)
			if err != nil {
				t.Fatalf("AuthURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("AuthURL() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := AuthURL("http://[::1", id); err == nil {
		t.Error("AuthURL() of invalid URL succeeded")
	}
}

func TestStateStore(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filestore.New(1))
	ctx := context.Background()

	if _, err := store.Load(ctx, filepath.Join(dir, "none.json")); !errors.Is(err, ErrNoLinkState) {
		t.Errorf("Load() of missing file error = %v, want ErrNoLinkState", err)
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, empty); err == nil {
		t.Error("Load() of state without requisition_id succeeded")
	}

	path := filepath.Join(dir, "s.json")
	id := uuid.New()
	if err := store.Save(ctx, path, LinkState{RequisitionID: id}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"requisition_id": "`+id.String()+`"`) {
		t.Errorf("state file = %s", data)
	}
}
