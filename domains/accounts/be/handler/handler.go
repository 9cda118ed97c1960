package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/parsedu/school-admin/domains/accounts/be/service"
	platformlogging "github.com/parsedu/school-admin/platform/go/logging"
)

// Handler wires the accounts service to the HTTP surface consumed by the
// admin console.
type Handler struct {
	svc    service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("accounts service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, logger: logger}
}

// Routes returns the accounts router, to be mounted under the admin prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/accounts/bulk", h.BulkProvision)
	r.Post("/accounts/deprovision", h.Deprovision)
	r.Get("/accounts", h.List)
	return r
}

type entryPayload struct {
	Email       string  `json:"email"`
	Secret      string  `json:"secret"`
	FullName    string  `json:"full_name"`
	Handle      string  `json:"handle"`
	StudentName *string `json:"student_name,omitempty"`
}

type bulkRequest struct {
	Entries []entryPayload `json:"entries"`
	Role    string         `json:"role"`
}

type successPayload struct {
	Email       string  `json:"email"`
	Identifier  string  `json:"identifier"`
	StudentName *string `json:"studentName,omitempty"`
}

type bulkResponse struct {
	OverallSuccess bool             `json:"overallSuccess"`
	SuccessCount   int              `json:"successCount"`
	Failures       []string         `json:"failures"`
	Successes      []successPayload `json:"successes"`
}

type deprovisionRequest struct {
	Identifier string `json:"identifier"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type accountPayload struct {
	Identifier string    `json:"identifier"`
	FullName   string    `json:"full_name"`
	Handle     string    `json:"handle"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"createdAt"`
}

type listResponse struct {
	Items []accountPayload `json:"items"`
}

type errorPayload struct {
	Error string `json:"error"`
	Store string `json:"store,omitempty"`
}

// BulkProvision handles POST /accounts/bulk. The report is always returned
// with a 200 once the batch shape is accepted: partial failure is the
// expected common case for spreadsheet imports and is reported structurally,
// not as an HTTP error.
func (h *Handler) BulkProvision(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		h.renderError(w, r, http.StatusBadRequest, "malformed request body", "")
		return
	}

	entries := make([]service.BatchEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, service.BatchEntry{
			Email:       e.Email,
			Secret:      e.Secret,
			FullName:    e.FullName,
			Username:    e.Handle,
			StudentName: e.StudentName,
		})
	}

	report, err := h.svc.Provision(r.Context(), entries, service.Role(req.Role))
	if err != nil {
		h.logError(r, "bulk provisioning rejected", err)
		h.renderError(w, r, http.StatusInternalServerError, err.Error(), "")
		return
	}

	successes := make([]successPayload, 0, len(report.Successes))
	for _, s := range report.Successes {
		successes = append(successes, successPayload{
			Email:       s.Email,
			Identifier:  s.ID,
			StudentName: s.StudentName,
		})
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, bulkResponse{
		OverallSuccess: report.OverallSuccess,
		SuccessCount:   report.SuccessCount,
		Failures:       report.Failures,
		Successes:      successes,
	})
}

// Deprovision handles POST /accounts/deprovision.
func (h *Handler) Deprovision(w http.ResponseWriter, r *http.Request) {
	var req deprovisionRequest
	if err := decodeBody(r, &req); err != nil {
		h.renderError(w, r, http.StatusBadRequest, "malformed request body", "")
		return
	}

	if err := h.svc.Deprovision(r.Context(), req.Identifier); err != nil {
		h.logError(r, "deprovisioning failed", err)

		var depErr *service.DeprovisionError
		if errors.As(err, &depErr) {
			h.renderError(w, r, http.StatusInternalServerError, depErr.Error(), depErr.Store)
			return
		}
		h.renderError(w, r, http.StatusInternalServerError, err.Error(), "")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, okResponse{OK: true})
}

// List handles GET /accounts?role=...; the directory read side.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")

	accounts, err := h.svc.List(r.Context(), service.Role(role))
	if err != nil {
		var validationErr *service.ValidationError
		if errors.As(err, &validationErr) {
			h.renderError(w, r, http.StatusBadRequest, validationErr.Reason, "")
			return
		}
		h.logError(r, "account listing failed", err)
		h.renderError(w, r, http.StatusInternalServerError, "an unexpected error occurred", "")
		return
	}

	items := make([]accountPayload, 0, len(accounts))
	for _, account := range accounts {
		items = append(items, accountPayload{
			Identifier: account.ID,
			FullName:   account.FullName,
			Handle:     account.Username,
			Email:      account.Email,
			CreatedAt:  account.CreatedAt,
		})
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, listResponse{Items: items})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return io.EOF
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, status int, message, store string) {
	render.Status(r, status)
	render.JSON(w, r, errorPayload{Error: message, Store: store})
}

func (h *Handler) logError(r *http.Request, msg string, err error) {
	logger := platformlogging.FromRequest(r, h.logger)
	logger.Error(msg, zap.Error(err))
}
