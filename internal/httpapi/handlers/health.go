package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/videogrid/video-service/internal/common"
)

func (h *Handler) Health(c *gin.Context) {
	common.Success(c, http.StatusOK, "ok", gin.H{
		"service": h.Cfg.AppName,
		"status":  "healthy",
	})
}
