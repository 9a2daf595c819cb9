// Package images exposes the image service over HTTP: multipart upload,
// delete by id, and serving by token.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sikesa/sikesa-backend/internal/config"
	imagesvc "github.com/sikesa/sikesa-backend/internal/images"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files
const multipartMemory = 8 << 20

// Response messages
const (
	msgUploaded     = "Upload and compression succeeded!"
	msgMissing      = "id, image_token and an image file are required."
	msgProcessing   = "Failed to process image."
	msgIDNotFound   = "ID not found."
	msgImageMissing = "Image not found."
	msgFolderFailed = "Failed to read image folder."
)

// Service is the part of the images service the handlers use
type Service interface {
	Upload(ctx context.Context, in imagesvc.UploadInput) (*imagesvc.UploadResult, error)
	Delete(ctx context.Context, id string) error
	Open(ctx context.Context, token string) (*imagesvc.Object, error)
	URL(ctx context.Context, token string, ttl time.Duration) (string, error)
}

// Handler serves the image endpoints
type Handler struct {
	svc      Service
	maxBytes int64
	redirect bool
	urlTTL   time.Duration
}

// NewHandler creates the image handlers
func NewHandler(svc Service, cfg *config.ImagesConfig) *Handler {
	return &Handler{
		svc:      svc,
		maxBytes: cfg.MaxUploadBytes(),
		redirect: cfg.ServeMode == "redirect",
		urlTTL:   cfg.URLTTL,
	}
}

// @Summary      Upload image
// @Description  Stores an image for id under image_token, compressing it and replacing the id's previous image.
// @Tags         Images
// @Accept       multipart/form-data
// @Produce      json
// @Param        id           formData  string  true  "Owner id"
// @Param        image_token  formData  string  true  "Token the image is served under"
// @Param        image        formData  file    true  "jpg, jpeg, png or gif"
// @Success      200  {object}  map[string]interface{}  "status, message, data: {id, token, filename, url}"
// @Failure      400  {object}  map[string]interface{}  "Missing fields, bad identifier or unsupported type"
// @Failure      409  {object}  map[string]interface{}  "Token bound to another id"
// @Failure      413  {object}  map[string]interface{}  "Too large"
// @Failure      500  {object}  map[string]interface{}  "Processing or storage failure"
// @Router       /upload [post]
// Upload handles POST /upload
func (h *Handler) Upload(c *gin.Context) {
	// Headroom for the multipart framing and text fields
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)

	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(c, http.StatusRequestEntityTooLarge, imagesvc.ErrTooLarge.Error())
			return
		}
		respondError(c, http.StatusBadRequest, msgMissing)
		return
	}

	id := c.PostForm("id")
	token := c.PostForm("image_token")
	file, header, err := c.Request.FormFile("image")
	if err != nil || id == "" || token == "" {
		if file != nil {
			file.Close()
		}
		respondError(c, http.StatusBadRequest, msgMissing)
		return
	}
	defer file.Close()

	res, err := h.svc.Upload(c.Request.Context(), imagesvc.UploadInput{
		ID:       id,
		Token:    token,
		Filename: header.Filename,
		Body:     file,
		BaseURL:  requestBaseURL(c),
	})
	if err != nil {
		status, msg := uploadError(err)
		if status >= http.StatusInternalServerError {
			slog.Error("image upload failed", "id", id, "token", token, "error", err)
			_ = c.Error(err)
		}
		respondError(c, status, msg)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": msgUploaded,
		"data":    res,
	})
}

// @Summary      Delete image
// @Description  Removes the index entry for id and every stored image named after its token.
// @Tags         Images
// @Produce      json
// @Param        id  path  string  true  "Owner id"
// @Success      200  {object}  map[string]interface{}  "status, message"
// @Failure      404  {object}  map[string]interface{}  "ID not found"
// @Router       /delete/{id} [delete]
// Delete handles DELETE /delete/:id
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, imagesvc.ErrNotFound) {
			respondError(c, http.StatusNotFound, msgIDNotFound)
			return
		}
		slog.Error("image delete failed", "id", id, "error", err)
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "Failed to delete image.")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("Data and image for ID '%s' have been deleted.", id),
	})
}

// @Summary      Serve image
// @Description  Returns the image stored under imageToken, or redirects to the storage backend in redirect mode.
// @Tags         Images
// @Produce      image/jpeg,image/png,image/gif,text/plain
// @Param        imageToken  path  string  true  "Token, optionally with extension"
// @Success      200
// @Success      302
// @Failure      404  {string}  string  "Image not found."
// @Failure      500  {string}  string  "Failed to read image folder."
// @Router       /images/{imageToken} [get]
// Serve handles GET /images/:imageToken
func (h *Handler) Serve(c *gin.Context) {
	token := c.Param("imageToken")
	ctx := c.Request.Context()

	if h.redirect {
		u, err := h.svc.URL(ctx, token, h.urlTTL)
		if err == nil && (strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")) {
			c.Header("Cache-Control", "no-store")
			c.Redirect(http.StatusFound, u)
			return
		}
		if err != nil {
			h.serveError(c, token, err)
			return
		}
		// Local storage hands back file:// URLs; stream those instead
	}

	obj, err := h.svc.Open(ctx, token)
	if err != nil {
		h.serveError(c, token, err)
		return
	}
	defer obj.Body.Close()

	c.DataFromReader(http.StatusOK, -1, obj.ContentType, obj.Body, map[string]string{
		"Cache-Control": "public, max-age=60",
	})
}

func (h *Handler) serveError(c *gin.Context, token string, err error) {
	if errors.Is(err, imagesvc.ErrNotFound) {
		c.String(http.StatusNotFound, msgImageMissing)
		return
	}
	slog.Error("image serve failed", "token", token, "error", err)
	_ = c.Error(err)
	c.String(http.StatusInternalServerError, msgFolderFailed)
}

// uploadError maps service errors to a status code and client message
func uploadError(err error) (int, string) {
	switch {
	case errors.Is(err, imagesvc.ErrMissingInput):
		return http.StatusBadRequest, msgMissing
	case errors.Is(err, imagesvc.ErrInvalidIdentifier),
		errors.Is(err, imagesvc.ErrUnsupportedType):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, imagesvc.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, imagesvc.ErrTooLarge.Error()
	case errors.Is(err, imagesvc.ErrTokenInUse):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, msgProcessing
	}
}

func respondError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "message": msg})
}

// requestBaseURL rebuilds scheme://host of the request, honouring
// X-Forwarded-Proto from a fronting proxy
func requestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if p := c.GetHeader("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + c.Request.Host
}
