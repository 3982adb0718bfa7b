package handlers

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/videogrid/video-service/internal/common"
)

var downloadContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".flv":  "video/x-flv",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// DownloadFile serves a generated artifact by file name. Lookup order:
// videos/, then the per-provider subdirectories, then a recursive search
// of the whole data root.
func (h *Handler) DownloadFile(c *gin.Context) {
	name := c.Param("file_name")
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		common.Fail(c, http.StatusBadRequest, "invalid file name")
		return
	}

	path := h.findFile(name)
	if path == "" {
		common.Fail(c, http.StatusNotFound, "file not found: "+name)
		return
	}
	h.Log.Info().Str("path", path).Msg("serving file download")

	ctype := downloadContentTypes[strings.ToLower(filepath.Ext(path))]
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	c.Header("Content-Type", ctype)
	c.FileAttachment(path, name)
}

func (h *Handler) findFile(name string) string {
	videosDir := filepath.Join(h.Cfg.DataDir, "videos")

	candidates := []string{
		filepath.Join(videosDir, name),
		filepath.Join(videosDir, "aliyun", name),
		filepath.Join(videosDir, "zhipuai", name),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}

	var found string
	_ = filepath.WalkDir(h.Cfg.DataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == name {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
