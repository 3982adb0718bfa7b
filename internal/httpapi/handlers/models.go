package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/videogrid/video-service/internal/common"
	"github.com/videogrid/video-service/internal/provider"
)

// GetSupportedModels lists every registered model grouped by provider.
func (h *Handler) GetSupportedModels(c *gin.Context) {
	grouped := make(map[string][]string)
	for _, p := range h.Registry.All() {
		grouped[p.Name()] = p.SupportedModels()
	}
	common.Success(c, http.StatusOK, "supported models fetched", grouped)
}

// GetAllModelsFlat lists every registered model as a single flat list.
func (h *Handler) GetAllModelsFlat(c *gin.Context) {
	var models []string
	for _, p := range h.Registry.All() {
		models = append(models, p.SupportedModels()...)
	}
	common.Success(c, http.StatusOK, "models fetched", gin.H{"models": models})
}

func (h *Handler) GetProviderModels(c *gin.Context) {
	name := c.Param("provider_name")

	p, err := h.Registry.Get(name)
	if err != nil {
		var nf *provider.NotFoundError
		if errors.As(err, &nf) {
			common.Fail(c, http.StatusNotFound, err.Error())
			return
		}
		common.Fail(c, http.StatusInternalServerError, "failed to get provider models")
		return
	}

	common.Success(c, http.StatusOK, "provider models fetched", gin.H{
		p.Name(): p.SupportedModels(),
	})
}
