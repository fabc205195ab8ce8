package db

import (
	"context"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

type contextKey string

const ClinicIDKey contextKey = "clinic_id"

// ClinicHeader lets callers without a clinic claim pick the clinic.
const ClinicHeader = "X-Clinic-ID"

var clinicIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidClinicID reports whether id is an acceptable clinic identifier.
func ValidClinicID(id string) bool {
	return clinicIDPattern.MatchString(id)
}

// ClinicMiddleware resolves the clinic every eligibility operation is scoped
// to and stores it on the request context.
func ClinicMiddleware(defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := extractClinicID(c, defaultClinic)
			if !ValidClinicID(clinicID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}
			ctx := WithClinic(c.Request().Context(), clinicID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("clinic_id", clinicID)
			return next(c)
		}
	}
}

// extractClinicID prefers the token claim, then the X-Clinic-ID header, then
// the clinic_id query parameter.
func extractClinicID(c echo.Context, defaultClinic string) string {
	if id, ok := c.Get("jwt_clinic_id").(string); ok && id != "" {
		return id
	}
	if id := c.Request().Header.Get(ClinicHeader); id != "" {
		return id
	}
	if id := c.QueryParam("clinic_id"); id != "" {
		return id
	}
	return defaultClinic
}

func WithClinic(ctx context.Context, clinicID string) context.Context {
	return context.WithValue(ctx, ClinicIDKey, clinicID)
}

func ClinicFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ClinicIDKey).(string)
	return id
}

// ClinicFromEcho is ClinicFromContext for handlers holding an echo.Context.
func ClinicFromEcho(c echo.Context) string {
	return ClinicFromContext(c.Request().Context())
}
