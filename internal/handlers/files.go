// GRIDRUN Archive Handlers
// Upload and download of job input archives. Clients upload a zip before
// submitting the job that references it; workers download by reference.

package handlers

import (
	"io"
	"net/http"

	"gridrun/internal/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UploadArchive stores a zip uploaded as the multipart "file" field and
// returns the reference to put in submitJob's archiveRef.
func (h *Handler) UploadArchive(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "Expected multipart upload with a 'file' field")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		badRequest(c, "Unreadable upload: "+err.Error())
		return
	}
	defer f.Close()

	ref, err := h.Archives.Put(c.Request.Context(), fileHeader.Filename, f)
	if err != nil {
		respondError(c, err)
		return
	}

	logging.L().Info("archive stored",
		zap.String("ref", ref),
		zap.String("filename", fileHeader.Filename),
		zap.Int64("size_bytes", fileHeader.Size))

	c.JSON(http.StatusCreated, gin.H{
		"archiveRef": ref,
		"url":        "/api/files/" + ref,
		"filename":   fileHeader.Filename,
		"sizeBytes":  fileHeader.Size,
	})
}

// DownloadArchive streams a stored archive back to the caller.
func (h *Handler) DownloadArchive(c *gin.Context) {
	rc, err := h.Archives.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", "attachment")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		logging.L().Warn("archive download aborted", zap.Error(err))
	}
}
