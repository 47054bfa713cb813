package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	uploadsPath    = "/uploads"
	chatUploadDir  = "chat"
	maxUploadBytes = 5 << 20
)

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// uploadImage handles POST /api/chat/upload. The multipart field "image" is
// stored under UploadDir/chat and served back from /uploads/chat.
func (h *handlers) uploadImage(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "No file uploaded"})
		return
	}
	if !strings.HasPrefix(file.Header.Get("Content-Type"), "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Only image uploads are allowed"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "Image must be at most 5MB"})
		return
	}

	name := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), unsafeFileChars.ReplaceAllString(filepath.Base(file.Filename), "_"))
	dir := filepath.Join(h.UploadDir, chatUploadDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.logger.Error("[API] Failed to create upload directory", zap.String("dir", dir), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to store upload"})
		return
	}
	if err := c.SaveUploadedFile(file, filepath.Join(dir, name)); err != nil {
		h.logger.Error("[API] Failed to store upload", zap.String("file", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to store upload"})
		return
	}

	relative := uploadsPath + "/" + chatUploadDir + "/" + name
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	h.logger.Info("[API] Image uploaded", zap.String("path", relative), zap.String("user", principalFrom(c).ID))
	c.JSON(http.StatusOK, gin.H{"url": scheme + "://" + c.Request.Host + relative, "path": relative})
}
