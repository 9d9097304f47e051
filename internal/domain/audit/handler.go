package audit

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/pkg/pagination"
)

// Handler serves the primary audit trail to administrators.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes mounts the routes on g; g must already require the admin role.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit-events", h.ListEvents)
	g.GET("/audit-events/:id", h.GetEvent)
}

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		SubjectID: c.QueryParam("subject"),
		GranteeID: c.QueryParam("grantee"),
		Outcome:   Outcome(c.QueryParam("outcome")),
	}
	switch f.Outcome {
	case "", OutcomeSuccess, OutcomeDenied, OutcomeError:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid outcome")
	}

	items, total, err := h.repo.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list audit events").SetInternal(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "audit event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get audit event").SetInternal(err)
	}
	return c.JSON(http.StatusOK, e)
}
