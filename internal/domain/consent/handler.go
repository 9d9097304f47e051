package consent

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the subject-facing consent endpoints. mw must
// authenticate the patient.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	g := api.Group("/consents", mw...)
	g.POST("", h.CreateConsent)
	g.GET("", h.ListConsents)
	g.GET("/:id", h.GetConsent)
	g.POST("/:id/revoke", h.RevokeConsent)
	g.POST("/:id/token", h.ReissueToken)
}

type createResponse struct {
	Consent *Grant `json:"consent"`
	Token   string `json:"token"`
}

type tokenResponse struct {
	TokenID   uuid.UUID `json:"token_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CreateConsent(c echo.Context) error {
	var in GrantInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.SubjectID = auth.UserIDFromContext(c.Request().Context())

	g, signed, err := h.svc.GrantConsent(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, createResponse{Consent: g, Token: signed})
}

func (h *Handler) ListConsents(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListGrants(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetConsent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	g, err := h.svc.GetGrant(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) RevokeConsent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req revokeRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	res, err := h.svc.RevokeConsent(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ReissueToken(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	tok, signed, err := h.svc.ReissueToken(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, tokenResponse{TokenID: tok.ID, Token: signed, ExpiresAt: tok.ExpiresAt})
}

func httpError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message":    "validation failed",
			"violations": verr.Violations,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "consent not found")
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "unauthorized")
	case errors.Is(err, ErrNotActive):
		return echo.NewHTTPError(http.StatusConflict, "consent is not active")
	default:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "consent store unavailable").SetInternal(err)
	}
}
