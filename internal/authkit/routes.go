package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bbunline/membership/pkg/sessionvalidator"
)

// DefaultRefreshCookieName is used when the configuration leaves the cookie name empty.
const DefaultRefreshCookieName = "refresh_token"

const refreshCookiePath = "/auth"

type loginRequest struct {
	Code string `json:"code"`
	Type string `json:"type"`
}

type logoutRequestBody struct {
	ProviderToken string `json:"provider_token"`
}

type tokenResponse struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	ConsentRequired bool      `json:"consent_required"`
}

// MountAuthRoutes registers /auth/login, /auth/refresh, and /auth/logout.
// Logout is guarded by the supplied strategy; limiter may be nil.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, issuer Issuer, guard Strategy, limiter *ClientRateLimiter) {
	authGroup := router.Group("/auth")
	if limiter != nil {
		authGroup.Use(limiter.Middleware())
	}

	authGroup.POST("/login", func(contextGin *gin.Context) {
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}

		var credential Credential
		if idToken, ok := sessionvalidator.BearerToken(contextGin.Request); ok {
			credential = BearerCredential(idToken)
		} else {
			var inbound loginRequest
			if err := contextGin.ShouldBindJSON(&inbound); err != nil {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
				return
			}
			clientType, known := ParseClientType(inbound.Type)
			if !known {
				clientType = ClientType(inbound.Type)
			}
			credential = CodeCredential(inbound.Code, clientType)
		}

		pair, err := issuer.Login(contextGin.Request.Context(), credential)
		if err != nil {
			abortWithIssuerError(contextGin, err)
			return
		}
		if pair.RefreshToken == "" {
			ClearRefreshCookie(contextGin, configuration)
		} else {
			writeRefreshCookie(contextGin, configuration, pair.RefreshToken, pair.RefreshExpiresAt)
		}
		contextGin.JSON(http.StatusOK, newTokenResponse(pair))
	})

	authGroup.POST("/refresh", func(contextGin *gin.Context) {
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		refreshCookie, cookieErr := contextGin.Request.Cookie(refreshCookieName(configuration))
		if cookieErr != nil || refreshCookie == nil || strings.TrimSpace(refreshCookie.Value) == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		pair, err := issuer.Refresh(contextGin.Request.Context(), refreshCookie.Value)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				ClearRefreshCookie(contextGin, configuration)
			}
			abortWithIssuerError(contextGin, err)
			return
		}
		writeRefreshCookie(contextGin, configuration, pair.RefreshToken, pair.RefreshExpiresAt)
		contextGin.JSON(http.StatusOK, newTokenResponse(pair))
	})

	authGroup.POST("/logout", RequireStrategy(guard), func(contextGin *gin.Context) {
		request := LogoutRequest{}
		if refreshCookie, cookieErr := contextGin.Request.Cookie(refreshCookieName(configuration)); cookieErr == nil && refreshCookie != nil {
			request.RefreshToken = refreshCookie.Value
		}
		if contextGin.Request.ContentLength > 0 {
			var inbound logoutRequestBody
			if err := contextGin.ShouldBindJSON(&inbound); err != nil {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
				return
			}
			request.ProviderToken = inbound.ProviderToken
		}

		if err := issuer.Logout(contextGin.Request.Context(), request); err != nil {
			abortWithIssuerError(contextGin, err)
			return
		}
		ClearRefreshCookie(contextGin, configuration)
		contextGin.Status(http.StatusNoContent)
	})
}

func newTokenResponse(pair TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:     pair.AccessToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		ConsentRequired: pair.RegistrationRequired,
	}
}

func abortWithIssuerError(contextGin *gin.Context, err error) {
	if errors.Is(err, ErrUnauthorized) {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	_ = contextGin.Error(err)
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

func refreshCookieName(configuration ServerConfig) string {
	if strings.TrimSpace(configuration.RefreshCookieName) == "" {
		return DefaultRefreshCookieName
	}
	return configuration.RefreshCookieName
}

func sameSiteMode(configuration ServerConfig) http.SameSite {
	if configuration.SameSiteMode == 0 {
		return http.SameSiteStrictMode
	}
	return configuration.SameSiteMode
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     refreshCookieName(configuration),
		Value:    opaque,
		Path:     refreshCookiePath,
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: sameSiteMode(configuration),
	})
}

// ClearRefreshCookie expires the refresh cookie on the client.
func ClearRefreshCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     refreshCookieName(configuration),
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: sameSiteMode(configuration),
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
