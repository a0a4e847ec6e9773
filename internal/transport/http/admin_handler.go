package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "licensor/internal/errors"
	"licensor/internal/middleware"
	"licensor/internal/services"
	"licensor/pkg/contracts/domain"
)

// AdminHandler serves the administrative API
type AdminHandler struct {
	service   services.AdminService
	validator *middleware.ValidationMiddleware
	query     *middleware.QueryParamValidator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service services.AdminService, validator *middleware.ValidationMiddleware, errs *apierrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:   service,
		validator: validator,
		query:     middleware.NewQueryParamValidator(errs),
		errors:    errs,
		logger:    logger.With(slog.String("handler", "admin")),
	}
}

// MaxActivationsRequest is the body of PUT /licenses/{key}/max-activations
type MaxActivationsRequest struct {
	MaxActivations int `json:"max_activations" validate:"required,min=1,max=100"`
}

// Routes registers the admin endpoints on r (mounted under /api/admin)
func (h *AdminHandler) Routes(r chi.Router) {
	r.Use(h.validator.ValidateRequest)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.GetRules)
		r.Put("/", h.UpdateRules)
		r.Post("/reset", h.ResetRules)
		r.Get("/history", h.RulesHistory)
	})

	r.Route("/licenses", func(r chi.Router) {
		r.Get("/", h.ListLicenses)
		r.Delete("/{key}", h.DeleteLicense)
		r.Put("/{key}/max-activations", h.SetMaxActivations)
		r.Post("/{key}/revoke", h.RevokeLicense)
	})

	r.Route("/codes", func(r chi.Router) {
		r.Post("/", h.GenerateCode)
		r.Get("/", h.ListCodes)
		r.Delete("/{code}", h.DeleteCode)
	})

	r.Get("/activations", h.ActiveDevices)
	r.Get("/activations/log", h.RecentEvents)
	r.Post("/keys", h.EnsureKeys)
}

// GetRules handles GET /rules
func (h *AdminHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Rules(r.Context()))
}

// UpdateRules handles PUT /rules. The body is the complete policy; an
// optional ?reason= is recorded in the history entry.
func (h *AdminHandler) UpdateRules(w http.ResponseWriter, r *http.Request) {
	var next domain.Policy
	if err := render.DecodeJSON(r.Body, &next); err != nil {
		h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	applied, err := h.service.UpdateRules(r.Context(), &next, r.URL.Query().Get("reason"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "rules updated",
		slog.Int("revision", applied.Revision),
		slog.Int("projects", len(applied.Projects)))
	render.JSON(w, r, applied)
}

// ResetRules handles POST /rules/reset
func (h *AdminHandler) ResetRules(w http.ResponseWriter, r *http.Request) {
	applied, err := h.service.ResetRules(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, applied)
}

// RulesHistory handles GET /rules/history
func (h *AdminHandler) RulesHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.RulesHistory(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}

// ListLicenses handles GET /licenses?q=
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := h.service.ListLicenses(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"licenses": licenses,
		"count":    len(licenses),
	})
}

// DeleteLicense handles DELETE /licenses/{key}
func (h *AdminHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteLicense(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetMaxActivations handles PUT /licenses/{key}/max-activations
func (h *AdminHandler) SetMaxActivations(w http.ResponseWriter, r *http.Request) {
	var req MaxActivationsRequest
	if err := decodeJSON(r, &req, h.validator); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	lic, err := h.service.SetMaxActivations(r.Context(), chi.URLParam(r, "key"), req.MaxActivations)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

// RevokeLicense handles POST /licenses/{key}/revoke
func (h *AdminHandler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.RevokeLicense(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

// GenerateCode handles POST /codes. Explicit max_activations and
// duration_days override the project policy.
func (h *AdminHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	var params domain.CodeParams
	if err := decodeJSON(r, &params, h.validator); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	code, err := h.service.GenerateCode(r.Context(), params)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	created(w, r, code)
}

// ListCodes handles GET /codes
func (h *AdminHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListCodes(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"codes": list,
		"count": len(list),
	})
}

// DeleteCode handles DELETE /codes/{code}
func (h *AdminHandler) DeleteCode(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteCode(r.Context(), chi.URLParam(r, "code")); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActiveDevices handles GET /activations
func (h *AdminHandler) ActiveDevices(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.ActiveDevices(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"activations": views,
		"count":       len(views),
	})
}

// RecentEvents handles GET /activations/log?limit=
func (h *AdminHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.query.ValidateInt(w, r, "limit", 1, 500, 100)
	if !ok {
		return
	}

	events, err := h.service.RecentEvents(r.Context(), limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// EnsureKeys handles POST /keys
func (h *AdminHandler) EnsureKeys(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.EnsureKeys(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, info)
}
