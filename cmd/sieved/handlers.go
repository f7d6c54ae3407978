package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/arbiter-mod/sieve/moderation"
	"github.com/arbiter-mod/sieve/moderation/evidence"

	"github.com/ipfs/go-cid"
	"github.com/labstack/echo/v4"
)

type healthzResponse struct {
	Status  string          `json:"status"`
	Vendors map[string]bool `json:"vendors"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{
		Status:  "ok",
		Vendors: s.engine.HealthCheck(c.Request().Context()),
	})
}

type moderateResponse struct {
	Decision *moderation.Decision         `json:"decision"`
	Result   *moderation.ModerationResult `json:"result"`
}

func (s *Server) handleModerate(c echo.Context) error {
	var input moderation.ContentInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	decision, result, err := s.engine.Moderate(c.Request().Context(), &input)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, moderateResponse{Decision: decision, Result: result})
}

type moderateBatchRequest struct {
	Items []*moderation.ContentInput `json:"items"`
}

func (s *Server) handleModerateBatch(c echo.Context) error {
	var req moderateBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no items submitted")
	}
	if len(req.Items) > 100 {
		return echo.NewHTTPError(http.StatusBadRequest, "batch limited to 100 items")
	}

	decisions := s.engine.ModerateBatch(c.Request().Context(), req.Items)
	return c.JSON(http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleBreakerStates(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Breakers.States())
}

// handleBreakerControl forces a vendor breaker open or closed, or returns it
// to automatic operation. Operator tooling only.
func (s *Server) handleBreakerControl(c echo.Context) error {
	b := s.engine.Breakers.Get(c.Param("vendor"))
	switch c.Param("action") {
	case "force-open":
		b.ForceOpen()
	case "force-closed":
		b.ForceClosed()
	case "reset":
		b.Reset()
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown breaker action")
	}

	s.logger.Info("breaker control applied", "vendor", c.Param("vendor"), "action", c.Param("action"))
	return c.JSON(http.StatusOK, map[string]string{
		"vendor": c.Param("vendor"),
		"state":  b.State().String(),
	})
}

func (s *Server) handleAuditQuery(c echo.Context) error {
	q := evidence.AuditQuery{
		CaseID:     c.QueryParam("caseId"),
		ActorID:    c.QueryParam("actorId"),
		ActionType: c.QueryParam("actionType"),
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		q.Limit = n
	}
	if q.CaseID == "" && q.ActorID == "" && q.ActionType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one filter required")
	}

	entries, err := s.engine.Evidence.Audit.Query(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleEvidenceFetch(c echo.Context) error {
	ref, err := cid.Parse(c.Param("ref"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid evidence ref")
	}

	bundle, err := s.engine.Evidence.RetrieveBundle(c.Request().Context(), ref)
	if errors.Is(err, evidence.ErrBlockNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "evidence bundle not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, bundle)
}
