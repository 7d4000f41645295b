package web

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bbunline/membership/internal/authkit"
	"github.com/bbunline/membership/internal/directory"
)

const (
	profileImageFormField = "file"
	// MaxProfileImageBytes caps a single upload.
	MaxProfileImageBytes = 10 << 20
)

var acceptedImageTypes = []string{"image/webp", "image/png", "image/jpeg", "image/gif"}

// ImageStore keeps one uploaded profile image per member.
type ImageStore interface {
	SetProfileImage(ctx context.Context, id string, contentType string, data []byte) error
	ProfileImage(ctx context.Context, id string) (directory.ProfileImage, error)
	DeleteProfileImage(ctx context.Context, id string) error
}

// ImageHandlers serves /api/me/image.
type ImageHandlers struct {
	images ImageStore
	logger *zap.Logger
}

// NewImageHandlers wires the image handlers.
func NewImageHandlers(images ImageStore, logger *zap.Logger) *ImageHandlers {
	if images == nil {
		panic("image store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageHandlers{images: images, logger: logger}
}

// MountImageRoutes registers the profile image routes behind the supplied strategy.
func MountImageRoutes(router gin.IRouter, handlers *ImageHandlers, guard authkit.Strategy) {
	imageGroup := router.Group("/api/me/image", authkit.RequireStrategy(guard))
	imageGroup.PATCH("", handlers.HandleUpload)
	imageGroup.GET("", handlers.HandleFetch)
	imageGroup.GET("/base64", handlers.HandleFetchBase64)
	imageGroup.DELETE("", handlers.HandleDelete)
}

// HandleUpload stores the multipart "file" field. The type is sniffed from the bytes, not the part header.
func (handlers *ImageHandlers) HandleUpload(contextGin *gin.Context) {
	userID, ok := handlers.caller(contextGin, "api.image.upload")
	if !ok {
		return
	}
	contextGin.Request.Body = http.MaxBytesReader(contextGin.Writer, contextGin.Request.Body, MaxProfileImageBytes+(1<<20))
	header, err := contextGin.FormFile(profileImageFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			contextGin.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image_too_large"})
			return
		}
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	if header.Size > MaxProfileImageBytes {
		contextGin.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image_too_large"})
		return
	}
	file, err := header.Open()
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, MaxProfileImageBytes+1))
	if err != nil || len(data) == 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	if len(data) > MaxProfileImageBytes {
		contextGin.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image_too_large"})
		return
	}
	contentType := http.DetectContentType(data)
	if !slices.Contains(acceptedImageTypes, contentType) {
		contextGin.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported_image_type"})
		return
	}

	if err := handlers.images.SetProfileImage(contextGin.Request.Context(), userID, contentType, data); err != nil {
		handlers.abortWithImageError(contextGin, "api.image.upload", userID, err)
		return
	}
	handlers.logger.Info("profile image stored",
		zap.String("code", "api.image.upload.stored"),
		zap.String("user_id", userID),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)))
	contextGin.JSON(http.StatusOK, gin.H{"message": "profile image uploaded"})
}

// HandleFetch streams the stored image with its original content type.
func (handlers *ImageHandlers) HandleFetch(contextGin *gin.Context) {
	image, ok := handlers.load(contextGin, "api.image.fetch")
	if !ok {
		return
	}
	contextGin.Header("Cache-Control", "private, no-cache")
	contextGin.Data(http.StatusOK, image.ContentType, image.Data)
}

// HandleFetchBase64 returns the stored image as a data URL for clients that embed it inline.
func (handlers *ImageHandlers) HandleFetchBase64(contextGin *gin.Context) {
	image, ok := handlers.load(contextGin, "api.image.fetch_base64")
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"contentType": image.ContentType,
		"image":       "data:" + image.ContentType + ";base64," + base64.StdEncoding.EncodeToString(image.Data),
	})
}

// HandleDelete removes the uploaded image; the provider picture URL is unaffected.
func (handlers *ImageHandlers) HandleDelete(contextGin *gin.Context) {
	userID, ok := handlers.caller(contextGin, "api.image.delete")
	if !ok {
		return
	}
	if err := handlers.images.DeleteProfileImage(contextGin.Request.Context(), userID); err != nil {
		handlers.abortWithImageError(contextGin, "api.image.delete", userID, err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handlers *ImageHandlers) load(contextGin *gin.Context, code string) (directory.ProfileImage, bool) {
	userID, ok := handlers.caller(contextGin, code)
	if !ok {
		return directory.ProfileImage{}, false
	}
	image, err := handlers.images.ProfileImage(contextGin.Request.Context(), userID)
	if err != nil {
		handlers.abortWithImageError(contextGin, code, userID, err)
		return directory.ProfileImage{}, false
	}
	return image, true
}

func (handlers *ImageHandlers) caller(contextGin *gin.Context, code string) (string, bool) {
	principal, ok := authkit.PrincipalFromContext(contextGin)
	if !ok || principal.UserID == "" {
		handlers.logger.Warn("missing principal on context",
			zap.String("code", code+".missing_principal"))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return principal.UserID, true
}

func (handlers *ImageHandlers) abortWithImageError(contextGin *gin.Context, code string, userID string, err error) {
	switch {
	case errors.Is(err, directory.ErrNoProfileImage):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no_profile_image"})
	case errors.Is(err, directory.ErrNotFound):
		handlers.logger.Warn("member missing",
			zap.String("code", code+".member_missing"),
			zap.String("user_id", userID))
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		handlers.logger.Error("image store error",
			zap.String("code", code+".store_error"),
			zap.String("user_id", userID),
			zap.String("request_id", RequestIDFromContext(contextGin)),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
