// Package server exposes the brains runtime over HTTP: run creation and
// control, live event watching (SSE), schedules, webhooks, resources,
// pages, secrets, and users.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/brains"
)

// Server wires the runtime, scheduler, and store into a gin router.
type Server struct {
	rt      *brains.Runtime
	sched   *brains.Scheduler
	store   brains.Store
	logger  *slog.Logger
	baseURL string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBaseURL sets the externally visible base URL used in presigned
// resource links and page URLs.
func WithBaseURL(u string) Option {
	return func(s *Server) { s.baseURL = u }
}

// New creates a Server. sched may be nil when scheduling is disabled; the
// schedule endpoints then answer 503.
func New(rt *brains.Runtime, sched *brains.Scheduler, store brains.Store, opts ...Option) *Server {
	s := &Server{
		rt:      rt,
		sched:   sched,
		store:   store,
		logger:  slog.Default(),
		baseURL: "http://localhost:8080",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/brains", s.listBrains)
	r.GET("/brains/:title/history", s.runHistory)
	r.POST("/brains/runs", s.startRun)
	r.GET("/brains/runs/:id/watch", s.watchRun)
	r.POST("/brains/runs/:id/signals", s.signalRun)
	r.POST("/brains/runs/:id/resume", s.resumeRun)

	r.POST("/brains/schedules", s.createSchedule)
	r.GET("/brains/schedules", s.listSchedules)
	r.DELETE("/brains/schedules/:id", s.deleteSchedule)
	r.GET("/brains/schedules/runs", s.listScheduledRuns)
	r.GET("/brains/schedules/:id", s.getSchedule)
	r.GET("/brains/schedules/timezone", s.getTimezone)
	r.PUT("/brains/schedules/timezone", s.setTimezone)

	r.GET("/webhooks", s.listWebhooks)
	r.POST("/webhooks", s.postWebhookBody)
	r.POST("/webhooks/system/ui-form", s.uiFormSubmit)
	r.POST("/webhooks/:slug", s.postWebhook)

	r.GET("/resources", s.listResources)
	r.POST("/resources", s.putResource)
	r.GET("/resources/presigned/:token", s.servePresigned)
	r.POST("/resources/presigned-link", s.createPresignedLink)
	r.GET("/resources/:key", s.getResource)
	r.DELETE("/resources/:key", s.deleteResource)

	r.GET("/pages", s.listPages)
	r.POST("/pages", s.createPage)
	r.GET("/pages/:slug", s.renderPage)
	r.PUT("/pages/:slug", s.updatePage)
	r.DELETE("/pages/:slug", s.deletePage)
	r.GET("/pages/:slug/meta", s.pageMeta)

	r.GET("/secrets", s.listSecrets)
	r.POST("/secrets", s.putSecret)
	r.POST("/secrets/bulk", s.putSecretsBulk)
	r.DELETE("/secrets/:name", s.deleteSecret)

	r.GET("/users", s.listUsers)
	r.POST("/users", s.createUser)
	r.DELETE("/users/:id", s.deleteUser)
	r.GET("/users/:id/keys", s.listUserKeys)
	r.POST("/users/:id/keys", s.addUserKey)
	r.DELETE("/users/:id/keys/:fingerprint", s.deleteUserKey)

	return r
}

// fail maps domain errors onto HTTP statuses: NotFoundError is 404,
// SignalError is 409, everything else is 500. Validation errors are the
// caller's to map to 400.
func (s *Server) fail(c *gin.Context, err error) {
	var nf *brains.NotFoundError
	if errors.As(err, &nf) {
		c.JSON(http.StatusNotFound, gin.H{"error": nf.Error()})
		return
	}
	var se *brains.SignalError
	if errors.As(err, &se) {
		c.JSON(http.StatusConflict, gin.H{"error": se.Error()})
		return
	}
	s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
