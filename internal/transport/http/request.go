package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/render"

	apierrors "licensor/internal/errors"
	"licensor/internal/middleware"
	"licensor/internal/services"
)

// MachineIDHeader carries a client-computed device identifier
const MachineIDHeader = "X-Machine-ID"

// decodeJSON reads the request body into v and validates its tags
func decodeJSON(r *http.Request, v interface{}, validator *middleware.ValidationMiddleware) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		if errors.Is(err, io.EOF) {
			return apierrors.New(http.StatusBadRequest, "EMPTY_BODY", "Request body is required")
		}
		return apierrors.InvalidRequestWithError(err)
	}
	return validator.ValidateStruct(v)
}

// deviceHints collects the request facts a device id may be derived from
func deviceHints(r *http.Request) services.DeviceHints {
	return services.DeviceHints{
		MachineID: r.Header.Get(MachineIDHeader),
		ClientIP:  middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// created renders v with 201
func created(w http.ResponseWriter, r *http.Request, v interface{}) {
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, v)
}
