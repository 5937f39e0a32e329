package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/bookharvest/internal/api/middleware"
	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/repository"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// CatalogHandler exposes read-only views of the catalog store.
type CatalogHandler struct {
	catalog *repository.CatalogRepository
	state   *repository.IndexStateRepository
	runs    *repository.RunRepository
}

// NewCatalogHandler creates a new catalog handler.
// Parameters:
//   - catalog: catalog item repository.
//   - state: resume cursor and provenance repository.
//   - runs: phase run ledger repository.
// Returns:
//   - *CatalogHandler: initialized handler.
func NewCatalogHandler(catalog *repository.CatalogRepository, state *repository.IndexStateRepository, runs *repository.RunRepository) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, state: state, runs: runs}
}

// IndexStatus describes the progress of the index phase.
type IndexStatus struct {
	Cursor      string            `json:"cursor,omitempty"`
	LastBatchAt string            `json:"last_batch_at,omitempty"`
	Completed   bool              `json:"completed"`
	Metadata    map[string]string `json:"metadata"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Catalog *repository.CatalogStats `json:"catalog"`
	Index   IndexStatus              `json:"index"`
}

// GetStats handles GET /api/v1/stats.
func (h *CatalogHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.catalog.Stats(ctx)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to compute catalog stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}

	resp := StatsResponse{Catalog: stats}
	resume, err := h.state.GetResume(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get index state"})
		return
	}
	if resume != nil {
		resp.Index.Cursor = resume.Cursor
		resp.Index.Completed = resume.Completed()
		if !resume.LastBatchAt.IsZero() {
			resp.Index.LastBatchAt = resume.LastBatchAt.UTC().Format("2006-01-02T15:04:05Z")
		}
	}
	if resp.Index.Metadata, err = h.state.GetMetadata(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get index metadata"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetItem handles GET /api/v1/items/:identifier.
func (h *CatalogHandler) GetItem(c *gin.Context) {
	id := c.Param("identifier")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Identifier is required"})
		return
	}

	item, err := h.catalog.Get(c.Request.Context(), id)
	if err != nil {
		if repository.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
			return
		}
		middleware.GetLogger(c).WithError(err).Error("Failed to get item")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get item"})
		return
	}

	c.JSON(http.StatusOK, item)
}

// ListRuns handles GET /api/v1/runs?phase=&limit=.
func (h *CatalogHandler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultRunLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}

	phase := domain.Phase(c.Query("phase"))
	if phase != "" && !phase.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown phase " + string(phase)})
		return
	}

	runs, err := h.runs.List(c.Request.Context(), phase, limit)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}
