package http

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "licensor/internal/errors"
	"licensor/internal/middleware"
	"licensor/internal/services"
	"licensor/pkg/contracts/domain"
)

const maxSignedDocumentSize = 256 << 10

// LicenseHandler serves the public license API
type LicenseHandler struct {
	service   services.LicenseService
	validator *middleware.ValidationMiddleware
	errors    *apierrors.ErrorHandler
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, validator *middleware.ValidationMiddleware, errs *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: validator,
		errors:    errs,
		tracer:    otel.Tracer("licensor.http.license"),
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// DeactivateRequest is the body of POST /api/deactivate
type DeactivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=128"`
	DeviceID   string `json:"device_id" validate:"required,max=128"`
}

// Routes registers the public license endpoints on r (mounted under /api).
// verify-signature sits outside the body check so malformed documents
// still get a {valid:false} answer.
func (h *LicenseHandler) Routes(r chi.Router) {
	r.Post("/verify-signature", h.VerifySignature)
	r.Get("/softwares", h.Softwares)
	r.Get("/keys/public", h.PublicKey)
	r.Get("/verify", h.Verify)
	r.Get("/download-license", h.Download)

	r.Group(func(r chi.Router) {
		r.Use(h.validator.ValidateRequest)
		r.Post("/licenses", h.Issue)
		r.Post("/request-activation-code", h.RequestCode)
		r.Post("/activate", h.Activate)
		r.Post("/deactivate", h.Deactivate)
		r.Delete("/deactivate/{key}/{device}", h.DeactivateByPath)
		r.Post("/download-license", h.Download)
	})
}

// Issue handles POST /api/licenses
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req services.IssueRequest
	if err := decodeJSON(r, &req, h.validator); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.service.Issue(r.Context(), req)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if res.Existing {
		render.JSON(w, r, res)
		return
	}
	created(w, r, res)
}

// RequestCode handles POST /api/request-activation-code
func (h *LicenseHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var params domain.CodeParams
	if err := decodeJSON(r, &params, h.validator); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.service.RequestCode(r.Context(), params)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	created(w, r, res)
}

// Activate handles POST /api/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.activate")
	defer span.End()
	r = r.WithContext(ctx)

	var req services.ActivateRequest
	if err := decodeJSON(r, &req, h.validator); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	req.Hints = deviceHints(r)
	span.SetAttributes(attribute.Bool("activation.by_code", req.LicenseKey == ""))

	res, err := h.service.Activate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apierrors.KindOf(err)))
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.project", res.Project),
		attribute.String("activation.outcome", string(res.Status)),
		attribute.Int("activation.remaining", res.Remaining),
	)
	render.JSON(w, r, res)
}

// Deactivate handles POST /api/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req DeactivateRequest
	if err := decodeJSON(r, &req, h.validator); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.deactivate(w, r, req.LicenseKey, req.DeviceID)
}

// DeactivateByPath handles DELETE /api/deactivate/{key}/{device}
func (h *LicenseHandler) DeactivateByPath(w http.ResponseWriter, r *http.Request) {
	h.deactivate(w, r, chi.URLParam(r, "key"), chi.URLParam(r, "device"))
}

func (h *LicenseHandler) deactivate(w http.ResponseWriter, r *http.Request, key, device string) {
	if err := h.service.Deactivate(r.Context(), key, device); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{
		"status":      "deactivated",
		"license_key": key,
		"device_id":   device,
	})
}

// Verify handles GET /api/verify?key=&device_id=&version=
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		key = q.Get("license_key")
	}

	res, err := h.service.Verify(r.Context(), services.VerifyRequest{
		LicenseKey: key,
		DeviceID:   q.Get("device_id"),
		Version:    q.Get("version"),
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

// Download handles GET /api/download-license?key= or ?code=. The POST
// form accepts the code as activation_code or activationCode.
func (h *LicenseHandler) Download(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	code := r.URL.Query().Get("code")
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
			return
		}
		if key == "" {
			key = r.PostForm.Get("license_key")
		}
		if code == "" {
			code = r.PostForm.Get("activation_code")
		}
		if code == "" {
			code = r.PostForm.Get("activationCode")
		}
	}

	doc, err := h.service.Download(r.Context(), key, code)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if k, ok := doc.License["key"].(string); ok && k != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", k+".signed.json"))
	}
	render.JSON(w, r, doc)
}

// VerifySignature handles POST /api/verify-signature. Malformed documents
// produce {valid:false}, never an error status.
func (h *LicenseHandler) VerifySignature(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedDocumentSize))
	if err != nil {
		h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	render.JSON(w, r, h.service.VerifySignature(r.Context(), body))
}

// Softwares handles GET /api/softwares
func (h *LicenseHandler) Softwares(w http.ResponseWriter, r *http.Request) {
	projects := h.service.Projects(r.Context())
	render.JSON(w, r, map[string]interface{}{
		"softwares": projects,
		"count":     len(projects),
	})
}

// PublicKey handles GET /api/keys/public. Clients asking for JSON get the
// PEM wrapped in an object.
func (h *LicenseHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := h.service.PublicKey(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		render.JSON(w, r, map[string]string{"public_key": string(pem)})
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(pem)
}
