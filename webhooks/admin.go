package webhooks

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mastomod/vigil/store"
)

// adminAuth gates the admin group behind a static bearer token, compared in
// constant time. With no token configured the whole surface is disabled.
func (srv *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if srv.cfg.AdminToken == "" {
			return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "admin API not configured"})
		}
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || subtle.ConstantTimeCompare([]byte(token), []byte(srv.cfg.AdminToken)) != 1 {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid admin token"})
		}
		return next(c)
	}
}

var runtimeConfigKeys = []string{
	store.ConfigPanicStop,
	store.ConfigDryRun,
	store.ConfigReportThreshold,
}

func (srv *Server) handleGetConfig(c echo.Context) error {
	ctx := c.Request().Context()
	out := make(map[string]string, len(runtimeConfigKeys))
	for _, key := range runtimeConfigKeys {
		val, err := srv.store.GetConfig(ctx, key)
		if err != nil {
			return err
		}
		out[key] = val
	}
	return c.JSON(http.StatusOK, out)
}

type configUpdate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (srv *Server) handleSetConfig(c echo.Context) error {
	var upd configUpdate
	if err := c.Bind(&upd); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed config update"})
	}
	known := false
	for _, key := range runtimeConfigKeys {
		if key == upd.Key {
			known = true
			break
		}
	}
	if !known {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "unknown config key: " + upd.Key})
	}
	switch upd.Key {
	case store.ConfigPanicStop, store.ConfigDryRun:
		if _, err := strconv.ParseBool(upd.Value); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: upd.Key + " must be a boolean"})
		}
	case store.ConfigReportThreshold:
		if _, err := strconv.ParseFloat(upd.Value, 64); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: upd.Key + " must be a number"})
		}
	}
	ctx := c.Request().Context()
	if err := srv.store.SetConfig(ctx, upd.Key, upd.Value); err != nil {
		return err
	}
	// config rides in the rule snapshot; expire it so workers see the change
	srv.ruleSvc.Cache().Invalidate(ctx)
	srv.logger.Info("runtime config updated", "key", upd.Key, "value", upd.Value)
	return c.JSON(http.StatusOK, upd)
}

func (srv *Server) handleListRules(c echo.Context) error {
	out, err := srv.ruleSvc.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (srv *Server) handleCreateRule(c echo.Context) error {
	var rule store.Rule
	if err := c.Bind(&rule); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed rule"})
	}
	rule.ID = 0
	if err := srv.ruleSvc.Create(c.Request().Context(), &rule); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, rule)
}

func (srv *Server) ruleIDParam(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid rule id")
	}
	return uint(id), nil
}

func (srv *Server) handleGetRule(c echo.Context) error {
	id, err := srv.ruleIDParam(c)
	if err != nil {
		return err
	}
	rule, err := srv.ruleSvc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if rule == nil {
		return c.JSON(http.StatusNotFound, errorBody{Error: "no such rule"})
	}
	return c.JSON(http.StatusOK, rule)
}

func (srv *Server) handleUpdateRule(c echo.Context) error {
	id, err := srv.ruleIDParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	existing, err := srv.ruleSvc.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return c.JSON(http.StatusNotFound, errorBody{Error: "no such rule"})
	}
	var rule store.Rule
	if err := c.Bind(&rule); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed rule"})
	}
	rule.ID = id
	rule.CreatedAt = existing.CreatedAt
	rule.TriggerCount = existing.TriggerCount
	rule.LastTriggeredAt = existing.LastTriggeredAt
	if err := srv.ruleSvc.Update(ctx, &rule); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, rule)
}

func (srv *Server) handleDeleteRule(c echo.Context) error {
	id, err := srv.ruleIDParam(c)
	if err != nil {
		return err
	}
	if err := srv.ruleSvc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (srv *Server) handleToggleRule(c echo.Context) error {
	id, err := srv.ruleIDParam(c)
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed toggle request"})
	}
	if err := srv.ruleSvc.Toggle(c.Request().Context(), id, req.Enabled); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "enabled": req.Enabled})
}

type bulkToggleRequest struct {
	IDs     []uint `json:"ids"`
	Enabled bool   `json:"enabled"`
}

func (srv *Server) handleBulkToggle(c echo.Context) error {
	var req bulkToggleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "malformed toggle request"})
	}
	if len(req.IDs) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "ids is required"})
	}
	n, err := srv.ruleSvc.BulkToggle(c.Request().Context(), req.IDs, req.Enabled)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"updated": n, "enabled": req.Enabled})
}

func (srv *Server) handleRuleStats(c echo.Context) error {
	stats, err := srv.ruleSvc.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}
