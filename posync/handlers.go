package posync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/po_layers/classifier"
	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/hierarchy"
	"github.com/mmdatafocus/po_layers/models"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/mmdatafocus/po_layers/workflow"
)

const ScopeHeader = "X-Scope-Id"

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const archiveLinkTTL = 15 * time.Minute

// RegisterRoutes mounts the purchase order API under /api/po.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	po := r.Group("/api/po")
	po.POST("/sync", s.TriggerSyncHandler())
	po.POST("/import", s.ImportHandler())
	po.POST("/rebuild", s.TriggerRebuildHandler())
	po.GET("/jobs", s.JobHistoryHandler())
	po.GET("/jobs/:id", s.JobRunDetailHandler())
	po.POST("/jobs/:id/retry", s.RetryJobHandler())
	po.GET("/jobs/:id/archive", s.JobArchiveHandler())
	po.GET("/layers/*slug", s.LayersHandler())
	po.GET("/layers-items/:id", s.LayerItemsHandler())
	po.GET("/layers-items/:id/export", s.ExportLayerItemsHandler())
	po.GET("/classify", ClassifyHandler())
	po.GET("/facts", s.ListFactsHandler())
	po.PATCH("/facts/:id", s.UpdateFactHandler())
	po.GET("/dashboard", s.DashboardHandler())
}

// resolveScope reads the scope from the X-Scope-Id header or the scope_id
// query parameter and returns a context carrying it.
func resolveScope(c *gin.Context) (string, context.Context, bool) {
	scopeId := strings.TrimSpace(c.GetHeader(ScopeHeader))
	if scopeId == "" {
		scopeId = strings.TrimSpace(c.Query("scope_id"))
	}
	if scopeId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.ErrorScopeRequired.Error()})
		return "", nil, false
	}
	return scopeId, utils.SetScopeIdInContext(c.Request.Context(), scopeId), true
}

func parseID(c *gin.Context, what string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Service) respondError(c *gin.Context, funcName string, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound), errors.Is(err, hierarchy.ErrNodeNotFound),
		errors.Is(err, ErrArchiveNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, hierarchy.ErrMalformedPath), errors.Is(err, hierarchy.ErrParentRequired),
		errors.Is(err, hierarchy.ErrInvalidLevel), errors.Is(err, utils.ErrorScopeRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrJobNotFinished), errors.Is(err, ErrNothingToRetry), errors.Is(err, workflow.ErrLockTimeout):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrConnectionFailure), errors.Is(err, ErrSourceNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		config.LogError(s.logger, "posync", funcName, "Request failed", c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func wantsRebuild(flag *bool) bool {
	return flag == nil || *flag
}

func (s *Service) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		if s.source == nil {
			s.respondError(c, "TriggerSyncHandler", ErrSourceNotConfigured)
			return
		}

		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.GetValidator().Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		if req.From().After(req.To()) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from period is after to period"})
			return
		}

		params := req.SyncParams
		handle, err := s.Submit(ctx, scopeId, models.JobTypeSync, models.JobTriggeredManual,
			JobParams{Sync: &params, Rebuild: wantsRebuild(req.Rebuild)}, nil, nil)
		if err != nil {
			s.respondError(c, "TriggerSyncHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, handle)
	}
}

func (s *Service) ImportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}

		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		file, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
			return
		}
		defer file.Close()

		rows, err := ReadWorkbook(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rebuild := true
		if v := strings.TrimSpace(c.PostForm("rebuild")); v != "" {
			rebuild, _ = strconv.ParseBool(v)
		}

		handle, err := s.Submit(ctx, scopeId, models.JobTypeImport, models.JobTriggeredManual,
			JobParams{FileName: header.Filename, Rebuild: rebuild}, rows, nil)
		if err != nil {
			s.respondError(c, "ImportHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, handle)
	}
}

func (s *Service) TriggerRebuildHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		handle, err := s.Submit(ctx, scopeId, models.JobTypeRebuild, models.JobTriggeredManual, JobParams{}, nil, nil)
		if err != nil {
			s.respondError(c, "TriggerRebuildHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, handle)
	}
}

func (s *Service) JobHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		runs, err := models.ListJobRuns(ctx, scopeId, strings.TrimSpace(c.Query("type")), limit)
		if err != nil {
			s.respondError(c, "JobHistoryHandler", err)
			return
		}
		items := make([]JobRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, JobHistoryResponse{Items: items})
	}
}

func (s *Service) JobRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		id, ok := parseID(c, "run")
		if !ok {
			return
		}

		run, err := models.GetJobRun(ctx, scopeId, id)
		if err != nil {
			s.respondError(c, "JobRunDetailHandler", err)
			return
		}
		errs, err := models.ListJobErrors(ctx, run.ID)
		if err != nil {
			s.respondError(c, "JobRunDetailHandler", err)
			return
		}
		c.JSON(http.StatusOK, JobRunDetailResponse{
			JobRunResponse: mapRunToResponse(run),
			Errors:         mapErrors(errs),
		})
	}
}

// JobArchiveHandler returns a signed link to the rows a run received, or the
// rows themselves when the archive cannot sign links.
func (s *Service) JobArchiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		id, ok := parseID(c, "run")
		if !ok {
			return
		}

		run, err := models.GetJobRun(ctx, scopeId, id)
		if err != nil {
			s.respondError(c, "JobArchiveHandler", err)
			return
		}
		if run.ArchiveRef == "" {
			s.respondError(c, "JobArchiveHandler", ErrArchiveNotFound)
			return
		}

		if linker, ok := s.archive.(ArchiveLinker); ok {
			url, expiresAt, err := linker.SignedURL(ctx, run.ArchiveRef, archiveLinkTTL)
			if err != nil {
				s.respondError(c, "JobArchiveHandler", err)
				return
			}
			c.JSON(http.StatusOK, JobArchiveResponse{URL: url, ExpiresAt: formatTime(&expiresAt)})
			return
		}

		rows, err := s.archive.Load(ctx, run.ArchiveRef)
		if err != nil {
			s.respondError(c, "JobArchiveHandler", err)
			return
		}
		c.JSON(http.StatusOK, JobArchiveResponse{Rows: rows})
	}
}

func (s *Service) RetryJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		id, ok := parseID(c, "run")
		if !ok {
			return
		}
		handle, err := s.Retry(ctx, scopeId, id)
		if err != nil {
			s.respondError(c, "RetryJobHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, handle)
	}
}

func (s *Service) LayersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		result, err := s.navigator.ResolvePath(ctx, scopeId, c.Param("slug"))
		if err != nil {
			s.respondError(c, "LayersHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Service) LayerItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		id, ok := parseID(c, "node")
		if !ok {
			return
		}
		result, err := s.navigator.ResolveItems(ctx, scopeId, id)
		if err != nil {
			s.respondError(c, "LayerItemsHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (s *Service) ExportLayerItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		id, ok := parseID(c, "node")
		if !ok {
			return
		}
		result, err := s.navigator.ResolveItems(ctx, scopeId, id)
		if err != nil {
			s.respondError(c, "ExportLayerItemsHandler", err)
			return
		}

		var buf bytes.Buffer
		if err := WriteItemsWorkbook(&buf, result); err != nil {
			s.respondError(c, "ExportLayerItemsHandler", err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("layer-%d.xlsx", result.NodeId)))
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
	}
}

// ClassifyHandler previews the labels a description would get.
func ClassifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, classifier.Classify(c.Query("description")))
	}
}

func (s *Service) ListFactsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		filter := models.OrderFactFilter{
			Search: c.Query("q"),
			Status: c.Query("status"),
		}
		filter.Limit, _ = strconv.Atoi(c.Query("limit"))
		filter.Offset, _ = strconv.Atoi(c.Query("offset"))

		facts, total, err := models.ListOrderFacts(ctx, scopeId, filter)
		if err != nil {
			s.respondError(c, "ListFactsHandler", err)
			return
		}
		c.JSON(http.StatusOK, FactListResponse{Items: facts, Total: total})
	}
}

func (s *Service) UpdateFactHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		id, ok := parseID(c, "fact")
		if !ok {
			return
		}

		var input models.FactAnnotationInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		fact, err := models.UpdateFactAnnotations(ctx, scopeId, id, input)
		if err != nil {
			s.respondError(c, "UpdateFactHandler", err)
			return
		}
		c.JSON(http.StatusOK, fact)
	}
}

func (s *Service) DashboardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scopeId, ctx, ok := resolveScope(c)
		if !ok {
			return
		}
		summary, err := s.navigator.Summary(ctx, scopeId)
		if err != nil {
			s.respondError(c, "DashboardHandler", err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}
