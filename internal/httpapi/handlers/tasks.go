package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/videogrid/video-service/internal/common"
	"github.com/videogrid/video-service/internal/httpapi/middleware"
	"github.com/videogrid/video-service/internal/provider"
	"github.com/videogrid/video-service/internal/task"
)

type createTaskReq struct {
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Parameters provider.Params `json:"parameters"`
	IsAsync    *bool           `json:"is_async"`
}

func (h *Handler) CreateTask(c *gin.Context) {
	var req createTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Provider == "" {
		req.Provider = h.Cfg.DefaultProvider
	}
	if req.Model == "" {
		req.Model = h.Cfg.DefaultModel
	}
	if req.Parameters == nil {
		req.Parameters = provider.Params{}
	}
	isAsync := true
	if req.IsAsync != nil {
		isAsync = *req.IsAsync
	}

	p := middleware.PrincipalFrom(c)
	userID := p.ID
	if p.IsSystemKey {
		// system keys carry no user identity
		userID = ""
	}

	taskID, err := h.TaskSvc.Create(c.Request.Context(), p.TenantID, userID, req.Provider, req.Model, req.Parameters, isAsync)
	if err != nil {
		var ve *provider.ValidationError
		var nf *provider.NotFoundError
		if errors.As(err, &ve) || errors.As(err, &nf) {
			common.Fail(c, http.StatusBadRequest, err.Error())
			return
		}
		// sync execution surfaces the provider failure; the task itself
		// is already recorded as failed
		if taskID != "" {
			common.Fail(c, http.StatusInternalServerError,
				fmt.Sprintf("task %s failed: %s", taskID, err.Error()))
			return
		}
		common.Fail(c, http.StatusInternalServerError, "failed to create task: "+err.Error())
		return
	}

	common.Success(c, http.StatusOK, "task created", gin.H{"task_id": taskID})
}

func (h *Handler) GetTaskStatus(c *gin.Context) {
	id := c.Param("task_id")

	t, err := h.TaskSvc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
			return
		}
		common.Fail(c, http.StatusInternalServerError, "failed to get task status")
		return
	}

	common.Success(c, http.StatusOK, "task status fetched", gin.H{
		"task_id":    t.ID,
		"status":     t.Status,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	})
}

func (h *Handler) GetTaskResult(c *gin.Context) {
	id := c.Param("task_id")

	t, err := h.TaskSvc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
			return
		}
		common.Fail(c, http.StatusInternalServerError, "failed to get task result")
		return
	}

	common.Success(c, http.StatusOK, "task result fetched", gin.H{
		"task_id": t.ID,
		"status":  t.Status,
		"result":  h.presentResult(t.Result),
		"error":   t.Error,
	})
}

// presentResult fills in the servable URL forms for every locally stored
// video. The stored result keeps paths only; URLs depend on deploy config.
func (h *Handler) presentResult(res *provider.Result) *provider.Result {
	if res == nil {
		return nil
	}
	out := *res
	out.Videos = make([]provider.Video, len(res.Videos))
	for i, v := range res.Videos {
		if v.LocalPath != "" {
			v.FileURL, v.DownloadURL, v.AbsoluteURL = h.Media.URLs(v.LocalPath)
		}
		out.Videos[i] = v
	}
	return &out
}

func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("task_id")

	cancelled, err := h.TaskSvc.Cancel(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
			return
		}
		common.Fail(c, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	if !cancelled {
		common.Fail(c, http.StatusBadRequest,
			fmt.Sprintf("task %s is already finished and cannot be cancelled", id))
		return
	}

	common.Success(c, http.StatusOK, "task cancelled", gin.H{"task_id": id})
}

func (h *Handler) ListTasks(c *gin.Context) {
	p := middleware.PrincipalFrom(c)

	status := c.Query("status")
	if status != "" && !validStatus(status) {
		common.Fail(c, http.StatusBadRequest,
			"invalid status, must be one of: "+strings.Join(task.ValidStatuses(), ", "))
		return
	}
	model := c.Query("model")

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	ordering := c.DefaultQuery("ordering", "-created_at")

	filter := task.ListFilter{
		TenantID: p.TenantID,
		UserID:   p.ID,
		Status:   status,
		Model:    model,
	}
	if p.IsSystemKey {
		// system keys see the whole tenant
		filter.UserID = ""
	}

	tasks, total, err := h.TaskSvc.List(c.Request.Context(), filter, page, pageSize, ordering)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if totalPages < 1 {
		totalPages = 1
	}

	items := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		item := gin.H{
			"task_id":    t.ID,
			"status":     t.Status,
			"model":      t.Model,
			"created_at": t.CreatedAt,
			"updated_at": t.UpdatedAt,
		}
		if p.IsSystemKey {
			item["tenant_id"] = t.TenantID
			item["user_id"] = t.UserID
			item["provider"] = t.Provider
			item["parameters"] = t.Parameters
			item["is_async"] = t.IsAsync
		}
		items = append(items, item)
	}

	common.Success(c, http.StatusOK, "task list fetched", gin.H{
		"total":        total,
		"page_size":    pageSize,
		"current_page": page,
		"total_pages":  totalPages,
		"next":         pageURL(c, status, model, pageSize, ordering, page+1, page < totalPages),
		"previous":     pageURL(c, status, model, pageSize, ordering, page-1, page > 1),
		"tasks":        items,
	})
}

func validStatus(s string) bool {
	for _, v := range task.ValidStatuses() {
		if v == s {
			return true
		}
	}
	return false
}

func pageURL(c *gin.Context, status, model string, pageSize int, ordering string, page int, ok bool) *string {
	if !ok {
		return nil
	}
	base := c.Request.URL.Path
	parts := []string{}
	if status != "" {
		parts = append(parts, "status="+status)
	}
	if model != "" {
		parts = append(parts, "model="+model)
	}
	parts = append(parts,
		fmt.Sprintf("page_size=%d", pageSize),
		"ordering="+ordering,
		fmt.Sprintf("page=%d", page),
	)
	u := base + "?" + strings.Join(parts, "&")
	return &u
}
