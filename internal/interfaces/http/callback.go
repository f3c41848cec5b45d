package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/shared/config"
	"banksync/internal/web"
)

// RequisitionGetter fetches the current state of a requisition.
type RequisitionGetter interface {
	GetRequisition(ctx context.Context, id uuid.UUID) (*gocardless.Requisition, error)
}

// CallbackHandler answers the provider's redirect after the user acted on the
// consent page. It only accepts the requisition it was created for.
type CallbackHandler struct {
	requisitionID uuid.UUID
	client        RequisitionGetter
	onLinked      func()
	linkedOnce    sync.Once
	mode          string
	logger        *slog.Logger
}

// NewCallbackHandler creates a handler for requisitionID. onLinked runs at
// most once, on the first callback that observes the requisition as linked.
func NewCallbackHandler(requisitionID uuid.UUID, client RequisitionGetter, onLinked func(), mode string, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		requisitionID: requisitionID,
		client:        client,
		onLinked:      onLinked,
		mode:          mode,
		logger:        logger.With("requisition_id", requisitionID),
	}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		http.Error(w, "missing ref parameter", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		http.Error(w, "invalid ref parameter", http.StatusBadRequest)
		return
	}
	if id != h.requisitionID {
		h.logger.Warn("callback for unknown requisition", "ref", id)
		http.Error(w, "unknown requisition", http.StatusNotFound)
		return
	}

	req, err := h.client.GetRequisition(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to fetch requisition", "error", err)
		http.Error(w, "failed to fetch requisition status", http.StatusInternalServerError)
		return
	}

	switch {
	case req.Status.InProgress():
		h.resume(w, r, req)
	case req.IsLinked():
		h.linkedOnce.Do(h.onLinked)
		h.logger.Info("requisition linked", "accounts", len(req.Accounts))
		writeText(w, "Bank account linked. You can close this window.\n")
	default:
		h.logger.Warn("requisition in unexpected state", "status", req.Status)
		writeText(w, "Requisition status: "+string(req.Status)+"\n")
	}
}

// resume sends the browser back to the provider-hosted consent flow.
func (h *CallbackHandler) resume(w http.ResponseWriter, r *http.Request, req *gocardless.Requisition) {
	if h.mode != config.CallbackModeRender {
		http.Redirect(w, r, req.Link, http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := web.ConsentPage.Execute(w, web.ConsentPageData{
		Link:          req.Link,
		Status:        string(req.Status),
		RequisitionID: req.ID.String(),
	})
	if err != nil {
		h.logger.Error("failed to render consent page", "error", err)
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}
