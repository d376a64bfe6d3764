package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/photo-pipeline/internal/api/handlers/job"
	"github.com/aliskhannn/photo-pipeline/internal/api/handlers/pipeline"
)

// Setup registers the API routes. Job routes are only registered when a
// job handler is given.
func Setup(h *pipeline.Handler, jh *job.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")

	api.GET("/presets", h.Presets)

	api.POST("/batches", h.NewBatch)                             // new empty batch
	api.POST("/uploads", h.Upload)                               // upload into a new batch
	api.POST("/batches/:batch/uploads", h.Upload)                // upload into a batch
	api.GET("/batches/:batch/latest", h.LatestStage)             // latest populated stage
	api.GET("/batches/:batch/stages/:stage", h.ListStage)        // stored names of a stage
	api.GET("/batches/:batch/stages/:stage/files/:file", h.File) // single artifact
	api.GET("/batches/:batch/export", h.Export)                  // zip of a stage

	api.POST("/remove-bg", h.RemoveBackground)
	api.POST("/composite", h.Composite)
	api.POST("/crop", h.Crop)

	api.POST("/sessions", h.StartSession)
	api.POST("/sessions/:id/crop", h.SessionCrop)
	api.POST("/sessions/:id/finalize", h.FinalizeSession)
	api.DELETE("/sessions/:id", h.AbandonSession)

	if jh != nil {
		api.POST("/jobs", jh.Submit)
		api.GET("/jobs/:id", jh.Get)
	}

	return r
}
