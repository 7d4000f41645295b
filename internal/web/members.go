// Package web hosts the membership HTTP surface and shared gin middleware.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bbunline/membership/internal/authkit"
	"github.com/bbunline/membership/internal/directory"
)

// MemberDirectory is the subset of the user directory the membership routes need.
type MemberDirectory interface {
	FindByID(ctx context.Context, id string) (directory.User, error)
	FindMatches(ctx context.Context, studentNumber string, includeSelf bool) ([]directory.User, error)
	Register(ctx context.Context, id string, registration directory.Registration) (directory.User, error)
	MarkDeleted(ctx context.Context, id string) error
}

// MatchNotifier is told about a completed registration and the members it matched.
type MatchNotifier interface {
	NotifyRegistered(ctx context.Context, member directory.User, matches []directory.User) error
}

// MemberHandlers serves /api/me, /api/register, and /api/matches.
type MemberHandlers struct {
	members       MemberDirectory
	notifier      MatchNotifier
	configuration authkit.ServerConfig
	logger        *zap.Logger
}

type registrationRequest struct {
	InstagramID *string `json:"instagram_id" binding:"omitempty,max=30"`
	Department  *string `json:"department" binding:"omitempty,max=64"`
	MBTI        *string `json:"mbti" binding:"omitempty,len=4,alpha"`
	Description *string `json:"description" binding:"omitempty,max=300"`
}

type memberResponse struct {
	ID              string    `json:"uuid"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	StudentNumber   string    `json:"studentNumber"`
	Consent         bool      `json:"consent"`
	InstagramID     *string   `json:"instaId"`
	Department      *string   `json:"department"`
	MBTI            *string   `json:"mbti"`
	Description     *string   `json:"description"`
	ProfileImageURL string    `json:"profileImageUrl"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type matchListResponse struct {
	Total int              `json:"total"`
	List  []memberResponse `json:"list"`
}

// NewMemberHandlers wires the handlers; notifier may be nil.
func NewMemberHandlers(members MemberDirectory, notifier MatchNotifier, configuration authkit.ServerConfig, logger *zap.Logger) *MemberHandlers {
	if members == nil {
		panic("member directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemberHandlers{
		members:       members,
		notifier:      notifier,
		configuration: configuration,
		logger:        logger,
	}
}

// MountMemberRoutes registers the /api group behind the supplied strategy.
func MountMemberRoutes(router gin.IRouter, handlers *MemberHandlers, guard authkit.Strategy) {
	apiGroup := router.Group("/api", authkit.RequireStrategy(guard))
	apiGroup.GET("/me", handlers.HandleMe)
	apiGroup.DELETE("/me", handlers.HandleDeleteMe)
	apiGroup.PATCH("/register", handlers.HandleRegister)
	apiGroup.GET("/matches", handlers.HandleMatches)
}

// HandleMe returns the caller's membership record.
func (handlers *MemberHandlers) HandleMe(contextGin *gin.Context) {
	member, ok := handlers.loadCaller(contextGin, "api.me")
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, newMemberResponse(member))
}

// HandleRegister records consent and the optional profile fields, then notifies matches.
func (handlers *MemberHandlers) HandleRegister(contextGin *gin.Context) {
	principal, ok := handlers.principal(contextGin, "api.register")
	if !ok {
		return
	}
	var inbound registrationRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_registration"})
		return
	}

	member, err := handlers.members.Register(contextGin.Request.Context(), principal.UserID, directory.Registration{
		InstagramID: inbound.InstagramID,
		Department:  inbound.Department,
		MBTI:        inbound.MBTI,
		Description: inbound.Description,
	})
	if err != nil {
		handlers.abortWithDirectoryError(contextGin, "api.register", principal.UserID, err)
		return
	}
	handlers.notifyMatches(contextGin.Request.Context(), member)
	contextGin.JSON(http.StatusOK, newMemberResponse(member))
}

// HandleMatches lists registered members sharing the caller's student number suffix, caller included.
func (handlers *MemberHandlers) HandleMatches(contextGin *gin.Context) {
	member, ok := handlers.loadCaller(contextGin, "api.matches")
	if !ok {
		return
	}
	matches, err := handlers.members.FindMatches(contextGin.Request.Context(), member.StudentNumber, true)
	if err != nil {
		handlers.abortWithDirectoryError(contextGin, "api.matches", member.ID, err)
		return
	}
	response := matchListResponse{Total: len(matches), List: make([]memberResponse, 0, len(matches))}
	for _, match := range matches {
		response.List = append(response.List, newMemberResponse(match))
	}
	contextGin.JSON(http.StatusOK, response)
}

// HandleDeleteMe soft-deletes the caller. Outstanding refresh sessions fail on next use
// because refresh resolves the user through the directory.
func (handlers *MemberHandlers) HandleDeleteMe(contextGin *gin.Context) {
	principal, ok := handlers.principal(contextGin, "api.delete_me")
	if !ok {
		return
	}
	if err := handlers.members.MarkDeleted(contextGin.Request.Context(), principal.UserID); err != nil {
		handlers.abortWithDirectoryError(contextGin, "api.delete_me", principal.UserID, err)
		return
	}
	authkit.ClearRefreshCookie(contextGin, handlers.configuration)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *MemberHandlers) principal(contextGin *gin.Context, code string) (authkit.Principal, bool) {
	principal, ok := authkit.PrincipalFromContext(contextGin)
	if !ok || principal.UserID == "" {
		handlers.logger.Warn("missing principal on context",
			zap.String("code", code+".missing_principal"))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return authkit.Principal{}, false
	}
	return principal, true
}

func (handlers *MemberHandlers) loadCaller(contextGin *gin.Context, code string) (directory.User, bool) {
	principal, ok := handlers.principal(contextGin, code)
	if !ok {
		return directory.User{}, false
	}
	member, err := handlers.members.FindByID(contextGin.Request.Context(), principal.UserID)
	if err != nil {
		handlers.abortWithDirectoryError(contextGin, code, principal.UserID, err)
		return directory.User{}, false
	}
	return member, true
}

func (handlers *MemberHandlers) notifyMatches(ctx context.Context, member directory.User) {
	if handlers.notifier == nil {
		return
	}
	matches, err := handlers.members.FindMatches(ctx, member.StudentNumber, false)
	if err != nil {
		handlers.logger.Warn("match lookup for notification failed",
			zap.String("code", "api.register.notify_lookup"),
			zap.String("user_id", member.ID),
			zap.Error(err))
		return
	}
	if err := handlers.notifier.NotifyRegistered(ctx, member, matches); err != nil {
		handlers.logger.Warn("match notification failed",
			zap.String("code", "api.register.notify_failed"),
			zap.String("user_id", member.ID),
			zap.Error(err))
	}
}

func (handlers *MemberHandlers) abortWithDirectoryError(contextGin *gin.Context, code string, userID string, err error) {
	if errors.Is(err, directory.ErrNotFound) {
		handlers.logger.Warn("member missing",
			zap.String("code", code+".member_missing"),
			zap.String("user_id", userID))
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	handlers.logger.Error("member directory error",
		zap.String("code", code+".directory_error"),
		zap.String("user_id", userID),
		zap.String("request_id", RequestIDFromContext(contextGin)),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

func newMemberResponse(member directory.User) memberResponse {
	return memberResponse{
		ID:              member.ID,
		Name:            member.Name,
		Email:           member.Email,
		StudentNumber:   member.StudentNumber,
		Consent:         member.Consent,
		InstagramID:     member.InstagramID,
		Department:      member.Department,
		MBTI:            member.MBTI,
		Description:     member.Description,
		ProfileImageURL: member.ProfileImageURL,
		CreatedAt:       member.CreatedAt,
		UpdatedAt:       member.UpdatedAt,
	}
}
