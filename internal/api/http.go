// Package api serves sherlock's read-only status surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"bakerstreet/internal/registry"
	"bakerstreet/internal/sherlock"
	"bakerstreet/internal/telemetry"
)

// StatusFunc fetches a loop snapshot. It runs the read on the loop, so it
// can fail if ctx ends first.
type StatusFunc func(ctx context.Context) (sherlock.Status, error)

// HTTPServer exposes /v1/status, /v1/services and /v1/metrics.
type HTTPServer struct {
	Addr    string
	Status  StatusFunc
	Metrics *telemetry.Telemetry
	Logger  hclog.Logger
	srv     *http.Server
}

func (h *HTTPServer) Handler() http.Handler {
	if h.Logger == nil {
		h.Logger = hclog.NewNullLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logRequests(h.Logger))
	v1 := r.Group("/v1")
	v1.GET("/status", h.handleStatus)
	v1.GET("/services", h.handleServices)
	v1.GET("/metrics", h.handleMetrics)
	return r
}

// Start serves until ctx is cancelled.
func (h *HTTPServer) Start(ctx context.Context) error {
	h.srv = &http.Server{Addr: h.Addr, Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.srv.Shutdown(shutdownCtx)
	}()
	h.Logger.Info("status API listening", "addr", h.Addr)
	err := h.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logRequests(logger hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "took", time.Since(start))
	}
}

func (h *HTTPServer) snapshot(c *gin.Context) (sherlock.Status, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	st, err := h.Status(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return sherlock.Status{}, false
	}
	return st, true
}

func (h *HTTPServer) handleStatus(c *gin.Context) {
	st, ok := h.snapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *HTTPServer) handleServices(c *gin.Context) {
	st, ok := h.snapshot(c)
	if !ok {
		return
	}
	resp := ServicesResponse{Services: st.Services}
	if name := c.Query("service"); name != "" {
		eps, found := st.Services[name]
		if !found {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown service " + name})
			return
		}
		resp.Services = registry.Services{name: eps}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTPServer) handleMetrics(c *gin.Context) {
	summary, err := h.Metrics.Summary()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}
