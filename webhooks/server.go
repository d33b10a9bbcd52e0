// Package webhooks is the sidecar's inbound HTTP surface: the
// signature-verified Mastodon event intake and the token-protected admin API
// for rules and runtime config.
package webhooks

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/scanner"
	"github.com/mastomod/vigil/store"
)

// DefaultSignatureHeader carries the HMAC of the raw request body.
const DefaultSignatureHeader = "X-Hub-Signature-256"

// EventHeader names the event kind on Mastodon webhook deliveries.
const EventHeader = "X-Mastodon-Event"

const dedupeWindow = 60 * time.Second

type Config struct {
	Bind            string
	WebhookSecret   string
	SignatureHeader string
	AdminToken      string
}

type Server struct {
	echo    *echo.Echo
	httpd   *http.Server
	logger  *slog.Logger
	store   *store.Store
	ruleSvc *rules.Service
	queue   scanner.Enqueuer
	dedupe  DedupeStore
	cfg     Config
}

func NewServer(st *store.Store, ruleSvc *rules.Service, queue scanner.Enqueuer, dedupe DedupeStore, cfg Config) *Server {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if dedupe == nil {
		dedupe = NewMemDedupeStore()
	}
	logger := slog.Default().With("subsystem", "webhooks")

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4M"))

	srv := &Server{
		echo:    e,
		logger:  logger,
		store:   st,
		ruleSvc: ruleSvc,
		queue:   queue,
		dedupe:  dedupe,
		cfg:     cfg,
	}
	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           cfg.Bind,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	e.GET("/_health", srv.handleHealth)
	e.POST("/webhooks/mastodon_events", srv.handleMastodonEvent)

	admin := e.Group("/admin", srv.adminAuth)
	admin.GET("/config", srv.handleGetConfig)
	admin.PUT("/config", srv.handleSetConfig)
	admin.GET("/rules", srv.handleListRules)
	admin.POST("/rules", srv.handleCreateRule)
	admin.GET("/rules/stats", srv.handleRuleStats)
	admin.GET("/rules/:id", srv.handleGetRule)
	admin.PUT("/rules/:id", srv.handleUpdateRule)
	admin.DELETE("/rules/:id", srv.handleDeleteRule)
	admin.POST("/rules/:id/toggle", srv.handleToggleRule)
	admin.POST("/rules/toggle", srv.handleBulkToggle)

	return srv
}

type healthStatus struct {
	Status string `json:"status"`
}

func (srv *Server) handleHealth(c echo.Context) error {
	if err := srv.store.DB().WithContext(c.Request().Context()).Exec("SELECT 1").Error; err != nil {
		srv.logger.Error("healthcheck database probe failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, healthStatus{Status: "error"})
	}
	return c.JSON(http.StatusOK, healthStatus{Status: "ok"})
}

// RunAPI blocks serving HTTP until Shutdown.
func (srv *Server) RunAPI() error {
	srv.logger.Info("webhook and admin API listening", "bind", srv.cfg.Bind)
	if err := srv.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (srv *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.httpd.Shutdown(ctx)
}
