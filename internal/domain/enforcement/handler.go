package enforcement

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/domain/audit"
	"github.com/ehr/consentgate/internal/domain/consent"
	"github.com/ehr/consentgate/internal/platform/auth"
)

// Auditor persists one audit event per decision.
type Auditor interface {
	Record(ctx context.Context, e *audit.Event) (*audit.Result, error)
}

// Handler serves the gateway endpoints. Every decision is audited before a
// response is written; when the primary audit write fails the request fails
// with 500 and nothing else is returned.
type Handler struct {
	engine  *Engine
	auditor Auditor
	records RecordFetcher
	logger  zerolog.Logger
}

// NewHandler builds the gateway handler. records may be nil, in which case
// the record route is not mounted.
func NewHandler(engine *Engine, auditor Auditor, records RecordFetcher, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		auditor: auditor,
		records: records,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

// RegisterRoutes mounts the gateway routes. mw must authenticate the
// calling organization.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	access := api.Group("/access", mw...)
	access.POST("/evaluate", h.Evaluate)
	access.POST("/emergency", h.Emergency)

	if h.records != nil {
		api.GET("/records/:type/:id", h.GetRecord, mw...)
	}
}

type decisionResponse struct {
	Decision
	AuditID string `json:"audit_id"`
}

func (h *Handler) Evaluate(c echo.Context) error {
	ctx := c.Request().Context()
	var req Request
	if err := c.Bind(&req); err != nil {
		return h.rejectMalformed(c, Request{GranteeID: auth.OrganizationIDFromContext(ctx)}, "", "invalid request body")
	}
	req.GranteeID = auth.OrganizationIDFromContext(ctx)
	if req.SubjectID == "" || req.ResourceType == "" || req.Action == "" || req.Purpose == "" {
		return h.rejectMalformed(c, req, "", "subject_id, resource_type, action and purpose are required")
	}
	req.Token = auth.BearerToken(c.Request())

	d := h.engine.Evaluate(ctx, req)
	res, err := h.audit(c, h.eventFor(c, req, "", d))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, decisionResponse{Decision: d, AuditID: res.PrimaryID.String()})
}

func (h *Handler) Emergency(c echo.Context) error {
	ctx := c.Request().Context()
	var req EmergencyRequest
	if err := c.Bind(&req); err != nil {
		return h.rejectMalformed(c, Request{
			GranteeID: auth.OrganizationIDFromContext(ctx),
			Purpose:   string(consent.PurposeEmergency),
		}, "", "invalid request body")
	}
	req.GranteeID = auth.OrganizationIDFromContext(ctx)
	if req.SubjectID == "" || req.ResourceType == "" {
		return h.rejectMalformed(c, Request{
			SubjectID:    req.SubjectID,
			GranteeID:    req.GranteeID,
			ResourceType: req.ResourceType,
			Action:       ActionRead,
			Purpose:      string(consent.PurposeEmergency),
		}, "", "subject_id and resource_type are required")
	}

	d := h.engine.EvaluateEmergency(ctx, req)
	e := h.eventFor(c, Request{
		SubjectID:    req.SubjectID,
		GranteeID:    req.GranteeID,
		ResourceType: req.ResourceType,
		Action:       ActionRead,
		Purpose:      string(consent.PurposeEmergency),
	}, "", d)
	e.Metadata = map[string]any{
		"emergency":     true,
		"justification": req.Justification,
	}
	res, err := h.audit(c, e)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, decisionResponse{Decision: d, AuditID: res.PrimaryID.String()})
}

type recordResponse struct {
	Record       *ClinicalRecord `json:"record"`
	Restrictions *Restrictions   `json:"restrictions"`
	AuditID      string          `json:"audit_id"`
}

// GetRecord evaluates a read under the bearer consent token, fetches the
// record and checks it against the decision. The audit event carries the
// final outcome of the whole request.
func (h *Handler) GetRecord(c echo.Context) error {
	ctx := c.Request().Context()
	req := Request{
		SubjectID:    c.QueryParam("patient"),
		GranteeID:    auth.OrganizationIDFromContext(ctx),
		ResourceType: c.Param("type"),
		Action:       ActionRead,
		Purpose:      c.QueryParam("purpose"),
		Token:        auth.BearerToken(c.Request()),
	}
	resourceID := c.Param("id")
	if req.SubjectID == "" || req.Purpose == "" {
		return h.rejectMalformed(c, req, resourceID, "patient and purpose query parameters are required")
	}

	d := h.engine.Evaluate(ctx, req)
	if !d.Allowed {
		if _, err := h.audit(c, h.eventFor(c, req, resourceID, d)); err != nil {
			return err
		}
		if d.DependencyFailed {
			return echo.NewHTTPError(http.StatusServiceUnavailable, d.Reason)
		}
		return echo.NewHTTPError(http.StatusForbidden, d.Reason)
	}

	rec, err := h.records.Fetch(ctx, req.ResourceType, resourceID)
	if err != nil {
		status, final := http.StatusServiceUnavailable, unavailable(ReasonRecordUnavailable)
		if errors.Is(err, ErrRecordNotFound) {
			status, final = http.StatusNotFound, deny(ReasonRecordNotFound)
		} else {
			h.logger.Error().Err(err).
				Str("resource_type", req.ResourceType).
				Str("resource_id", resourceID).
				Msg("clinical record fetch failed")
		}
		final.GrantID = d.GrantID
		if _, aerr := h.audit(c, h.eventFor(c, req, resourceID, final)); aerr != nil {
			return aerr
		}
		return echo.NewHTTPError(status, final.Reason)
	}

	if reason := scopeRecord(rec, d, req.SubjectID, req.ResourceType, resourceID); reason != "" {
		final := deny(reason)
		final.GrantID = d.GrantID
		if _, err := h.audit(c, h.eventFor(c, req, resourceID, final)); err != nil {
			return err
		}
		return echo.NewHTTPError(http.StatusForbidden, reason)
	}

	res, err := h.audit(c, h.eventFor(c, req, resourceID, d))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recordResponse{Record: rec, Restrictions: d.Restrictions, AuditID: res.PrimaryID.String()})
}

func (h *Handler) eventFor(c echo.Context, req Request, resourceID string, d Decision) *audit.Event {
	return &audit.Event{
		SubjectID:     req.SubjectID,
		GranteeID:     req.GranteeID,
		Action:        string(req.Action),
		ResourceType:  req.ResourceType,
		ResourceID:    resourceID,
		GrantID:       d.GrantID,
		Purpose:       req.Purpose,
		Outcome:       outcomeOf(d),
		OutcomeReason: d.Reason,
		RequesterIP:   c.RealIP(),
		UserAgent:     c.Request().UserAgent(),
	}
}

// rejectMalformed audits a request that never reached the engine as denied,
// then answers 400 with msg.
func (h *Handler) rejectMalformed(c echo.Context, req Request, resourceID, msg string) error {
	if _, err := h.audit(c, h.eventFor(c, req, resourceID, deny(ReasonMalformedRequest))); err != nil {
		return err
	}
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func (h *Handler) audit(c echo.Context, e *audit.Event) (*audit.Result, error) {
	res, err := h.auditor.Record(c.Request().Context(), e)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "audit log unavailable").SetInternal(err)
	}
	return res, nil
}

func outcomeOf(d Decision) audit.Outcome {
	switch {
	case d.Allowed:
		return audit.OutcomeSuccess
	case d.DependencyFailed:
		return audit.OutcomeError
	default:
		return audit.OutcomeDenied
	}
}
