// Package api exposes the service over HTTP with gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/service"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/types"
)

type Server struct {
	svc  *service.Service
	cfg  config.ServerConfig
	log  logrus.FieldLogger
	now  func() time.Time
	http *http.Server
}

func New(svc *service.Service, cfg config.ServerConfig, log logrus.FieldLogger) *Server {
	s := &Server{svc: svc, cfg: cfg, log: log, now: time.Now}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the gin engine with every route mounted under /api.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	// Larger multipart parts spill to temp files.
	r.MaxMultipartMemory = 8 << 20

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsCfg.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsCfg))

	api := r.Group("/api")
	api.GET("/healthz", s.healthz)
	api.POST("/auth/login", s.login)

	api.GET("/students", s.listStudents)
	api.GET("/attendance/report", s.report)
	api.GET("/attendance/export/csv", s.exportCSV)
	api.POST("/attendance/upload", s.limitBody(videoLimit), s.uploadVideo)
	api.POST("/attendance/image-upload", s.limitBody(imageLimit), s.uploadImage)

	admin := api.Group("", s.requireAdmin())
	admin.POST("/students", s.limitBody(imageLimit), s.enroll)
	admin.POST("/admin/cache/invalidate", s.invalidateCache)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("http server listening")
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request")
	}
}

// multipartSlack covers form fields and part headers around the file itself.
const multipartSlack = 1 << 20

func videoLimit(cfg *config.Config) int64 { return cfg.Video.MaxBytes }
func imageLimit(cfg *config.Config) int64 { return cfg.Image.MaxBytes }

// limitBody rejects a request whose body would exceed the upload cap before
// any of it is parsed, and stops reading a streamed body once it does.
func (s *Server) limitBody(limit func(*config.Config) int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		max := limit(s.svc.Config())
		if max <= 0 {
			c.Next()
			return
		}
		max += multipartSlack
		if c.Request.ContentLength > max {
			s.fail(c, fmt.Errorf("%w: request body is %d bytes, limit is %d", types.ErrInvalidInput, c.Request.ContentLength, max))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cache_generation": s.svc.CacheGeneration()})
}

// fail maps err to a status and a generic message. The detail only goes to
// the log.
func (s *Server) fail(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	var (
		recErr *session.RecordError
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &recErr):
		msg = "attendance could not be recorded"
	case errors.As(err, &tooBig):
		status, msg = http.StatusBadRequest, "upload too large"
	case errors.Is(err, types.ErrInvalidInput):
		status, msg = http.StatusBadRequest, "invalid input"
	case errors.Is(err, types.ErrDecode), errors.Is(err, types.ErrOpen):
		status, msg = http.StatusUnprocessableEntity, "media could not be read"
	case errors.Is(err, types.ErrDuplicate):
		status, msg = http.StatusConflict, "already exists"
	case errors.Is(err, types.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	}
	entry := s.log.WithError(err).WithField("path", c.FullPath())
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
