// Package api exposes the batch pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chaos-io/cutout/pipeline"
	"github.com/chaos-io/cutout/registry"
	"github.com/chaos-io/cutout/store"
)

// Launcher starts batch jobs; *pipeline.Launcher implements it.
type Launcher interface {
	Launch(ctx context.Context, b pipeline.Batch) (string, error)
}

// ProgressReader is the read side of the job registry.
type ProgressReader interface {
	Lookup(id string) (registry.Entry, bool)
}

// HistoryReader lists persisted job outcomes; *store.History implements it.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]store.Summary, error)
	Get(ctx context.Context, id string) (store.Summary, error)
}

type Server struct {
	Launcher  Launcher
	Progress  ProgressReader
	Artifacts store.Artifacts
	// History is optional; /jobs answers 503 without it.
	History HistoryReader
	Limits  Limits
}

// NewRouter builds the gin engine serving s.
func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))
	if s.Limits.MaxFileBytes > 0 {
		router.MaxMultipartMemory = s.Limits.MaxFileBytes
	}

	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.POST("/process", s.process)
	router.GET("/progress/:id", s.progress)
	router.GET("/download/:id", s.download)
	router.GET("/jobs", s.listJobs)
	router.GET("/jobs/:id", s.getJob)
	return router
}

type processForm struct {
	BgColor string `form:"bg_color" binding:"omitempty,hexcolor"`
}

func (s *Server) process(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a multipart form with images[]"})
		return
	}

	var pf processForm
	if err := c.ShouldBind(&pf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bg_color must be a hex colour such as #ffffff"})
		return
	}

	var bgPhoto *multipart.FileHeader
	if files := form.File["bg_photo"]; len(files) > 0 {
		bgPhoto = files[0]
	}

	items, bg, err := s.Limits.checkBatch(form.File["images[]"], bgPhoto)
	if err != nil {
		var intake *IntakeError
		if errors.As(err, &intake) {
			c.JSON(http.StatusBadRequest, gin.H{"error": intake.Msg})
			return
		}
		log.Error().Err(err).Str("component", "api").Msg("read upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read upload"})
		return
	}

	id, err := s.Launcher.Launch(c.Request.Context(), pipeline.Batch{
		Items:      items,
		Color:      pf.BgColor,
		Background: bg,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyBatch) || errors.Is(err, pipeline.ErrInvalidColor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("component", "api").Msg("launch job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start job"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": id})
}

func (s *Server) progress(c *gin.Context) {
	e, ok := s.Progress.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"progress": 0})
		return
	}
	resp := gin.H{"progress": e.Progress}
	if e.Progress == registry.Failed && e.Reason != "" {
		resp["error"] = e.Reason
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) download(c *gin.Context) {
	path, err := s.Artifacts.Locate(c.Param("id"))
	if err != nil {
		if !errors.Is(err, store.ErrNotReady) && !errors.Is(err, store.ErrInvalidID) {
			log.Warn().Err(err).Str("component", "api").Msg("locate artifact")
		}
		c.String(http.StatusNotFound, "Not ready")
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

type listQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=200"`
}

func (s *Server) listJobs(c *gin.Context) {
	if s.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job history disabled"})
		return
	}
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
		return
	}

	jobs, err := s.History.List(c.Request.Context(), q.Limit)
	if err != nil {
		log.Error().Err(err).Str("component", "api").Msg("list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list jobs"})
		return
	}
	if jobs == nil {
		jobs = []store.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	if s.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job history disabled"})
		return
	}
	job, err := s.History.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("component", "api").Msg("get job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load job"})
		return
	}
	c.JSON(http.StatusOK, job)
}
