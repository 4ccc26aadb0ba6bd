// Package web exposes the export workflow over HTTP: a start trigger that
// answers with a status handle, a status endpoint and a cancel endpoint.
package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/CMSgov/bcda-export/export/checkpoint"
	"github.com/CMSgov/bcda-export/export/health"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/export/orchestration"
	"github.com/CMSgov/bcda-export/export/queueing"
	"github.com/CMSgov/bcda-export/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
)

// Workflows is the part of the orchestrator the API drives.
type Workflows interface {
	Start(ctx context.Context) (string, error)
	Run(ctx context.Context, instanceID string) (models.WorkflowResult, error)
	Status(ctx context.Context, instanceID string) (*checkpoint.Checkpoint, error)
	Cancel(ctx context.Context, instanceID string) error
}

// Handler serves the export endpoints. With an Enqueuer new workflows are
// handed to the worker pool, otherwise they run in this process.
type Handler struct {
	workflows Workflows
	enqueuer  queueing.Enqueuer
	health    health.HealthChecker

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup
}

func NewHandler(workflows Workflows, enqueuer queueing.Enqueuer) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		workflows: workflows,
		enqueuer:  enqueuer,
		health:    health.NewHealthChecker(nil, nil, ""),
		runCtx:    ctx,
		stopRun:   cancel,
	}
}

// SetHealthChecker replaces the checker behind /_health, which otherwise
// reports every dependency as not configured.
func (h *Handler) SetHealthChecker(hc health.HealthChecker) {
	h.health = hc
}

// Close interrupts workflows running in this process and waits for them to
// return. Their checkpoints stay resumable.
func (h *Handler) Close() {
	h.stopRun()
	h.wg.Wait()
}

type startResponse struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
}

type statusResponse struct {
	ID              string                `json:"id"`
	State           models.WorkflowState  `json:"state"`
	CancelRequested bool                  `json:"cancelRequested,omitempty"`
	Result          models.WorkflowResult `json:"result,omitempty"`
	ErrorKind       string                `json:"errorKind,omitempty"`
	ErrorMessage    string                `json:"errorMessage,omitempty"`
	FetchErrors     []string              `json:"fetchErrors,omitempty"`
	TransactionTime string                `json:"transactionTime,omitempty"`
	Resources       models.ResourceMap    `json:"resources,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

func (h *Handler) startExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.GetCtxLogger(ctx)

	id, err := h.workflows.Start(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to create export workflow")
		writeError(w, r, http.StatusInternalServerError, "failed to create export workflow")
		return
	}

	if h.enqueuer != nil {
		if err := h.enqueuer.AddWorkflow(ctx, id); err != nil {
			logger.WithError(err).WithField("instance_id", id).Error("Failed to enqueue export workflow")
			writeError(w, r, http.StatusInternalServerError, "failed to schedule export workflow")
			return
		}
	} else {
		h.runInBackground(id)
	}

	statusURL := fmt.Sprintf("%s://%s/api/v1/exports/%s", scheme(r), r.Host, id)
	w.Header().Set("Content-Location", statusURL)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, startResponse{ID: id, StatusQueryGetURI: statusURL})
}

func (h *Handler) runInBackground(id string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx := log.NewStructuredLoggerEntry(log.Worker, h.runCtx)
		if _, err := h.workflows.Run(ctx, id); err != nil {
			log.GetCtxLogger(ctx).WithField("instance_id", id).WithError(err).Warn("Export workflow did not complete")
		}
	}()
}

func (h *Handler) exportStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	cp, err := h.workflows.Status(r.Context(), id)
	if err != nil {
		h.lookupFailed(w, r, id, err)
		return
	}

	resp := statusResponse{
		ID:              cp.InstanceID,
		State:           cp.State,
		CancelRequested: cp.CancelRequested,
		CreatedAt:       cp.CreatedAt,
		UpdatedAt:       cp.UpdatedAt,
	}
	// The job is only recorded once the server reports it complete.
	if cp.Job != nil {
		resp.TransactionTime = cp.Job.TransactionTime
		resp.Resources = cp.Job.ResourceURLs()
	}

	switch cp.State {
	case models.StateCompleted:
		resp.Result = cp.Result
		resp.FetchErrors = cp.FetchErrors
		render.Status(r, http.StatusOK)
	case models.StateFailed:
		resp.ErrorKind, resp.ErrorMessage = cp.ErrorKind, cp.ErrorMessage
		render.Status(r, http.StatusInternalServerError)
	case models.StateCancelled:
		resp.ErrorKind, resp.ErrorMessage = cp.ErrorKind, cp.ErrorMessage
		render.Status(r, http.StatusGone)
	default:
		w.Header().Set("X-Progress", string(cp.State))
		render.Status(r, http.StatusAccepted)
	}
	render.JSON(w, r, resp)
}

func (h *Handler) cancelExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	err := h.workflows.Cancel(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, orchestration.ErrWorkflowFinished):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		h.lookupFailed(w, r, id, err)
	}
}

func (h *Handler) lookupFailed(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, checkpoint.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("export workflow %s not found", id))
		return
	}
	log.GetCtxLogger(r.Context()).WithField("instance_id", id).WithError(err).Error("Failed to load export workflow")
	writeError(w, r, http.StatusInternalServerError, "failed to load export workflow")
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

func getVersion(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"version": log.Version})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	m := make(map[string]string)
	status := http.StatusOK

	var ok bool
	if m["database"], ok = h.health.IsDatabaseOK(r.Context()); !ok {
		status = http.StatusBadGateway
	}
	if m["export_server"], ok = h.health.IsExportServerOK(r.Context()); !ok {
		status = http.StatusBadGateway
	}

	render.Status(r, status)
	render.JSON(w, r, m)
}

func scheme(r *http.Request) string {
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		return "https"
	}
	return "http"
}
