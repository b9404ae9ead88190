package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == "admin" {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireClinicAccess rejects requests whose path parameter param names a
// clinic outside the caller's clinic list. Routes without the parameter pass.
func RequireClinicAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := c.Param(param)
			if clinicID == "" || canAccessClinic(ClinicsFromContext(c.Request().Context()), clinicID) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "no access to clinic "+clinicID)
		}
	}
}

func canAccessClinic(granted []string, clinicID string) bool {
	for _, g := range granted {
		if g == "*" || strings.EqualFold(g, clinicID) {
			return true
		}
	}
	return false
}

// HasClinicAccess reports whether the caller on ctx may act on clinicID.
func HasClinicAccess(ctx context.Context, clinicID string) bool {
	return canAccessClinic(ClinicsFromContext(ctx), clinicID)
}
