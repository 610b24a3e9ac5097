package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tv-connector/internal/alert"
	"tv-connector/internal/app"
	"tv-connector/internal/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Service is the alert-processing surface the webhook needs.
type Service interface {
	Process(ctx context.Context, a *alert.Alert) (app.Outcome, error)
	AccountStatuses(ctx context.Context) map[string]bool
}

// Server is the TradingView-facing HTTP endpoint. POST / takes one alert and
// blocks until reconciliation finishes; GET / and GET /accounts are probes.
type Server struct {
	router *gin.Engine
	http   *http.Server
	log    *zap.Logger
}

func New(cfg config.ServerConfig, svc Service, metricsPath string, metricsHandler http.Handler, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.AccountStatuses(c.Request.Context()))
	})
	router.POST("/", func(c *gin.Context) {
		var a alert.Alert
		if err := c.ShouldBindJSON(&a); err != nil {
			c.String(http.StatusBadRequest, string(app.OutcomeInvalid))
			return
		}
		outcome, err := svc.Process(c.Request.Context(), &a)
		status := statusFor(outcome)
		if err != nil && log != nil && status >= http.StatusInternalServerError {
			log.Error("alert processing failed", zap.Error(err))
		}
		c.String(status, string(outcome))
	})
	if metricsHandler != nil && metricsPath != "" {
		router.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func statusFor(outcome app.Outcome) int {
	switch outcome {
	case app.OutcomeOK, app.OutcomeDuplicate:
		return http.StatusOK
	case app.OutcomeInvalid, app.OutcomeUnsupported:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.log != nil {
		s.log.Info("webhook server listening", zap.String("address", s.http.Addr))
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
