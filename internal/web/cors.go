package web

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errCORSNeedsSameSiteNone = errors.New("cors.same_site_not_none")
	errCORSNoOrigins         = errors.New("cors.no_origins")
	errCORSBadOrigin         = errors.New("cors.invalid_origin")
)

const corsPreflightMaxAge = 12 * time.Hour

// CORSPolicy lists the browser origins allowed to call the API with the refresh cookie attached.
// Origins of http(s) redirect URIs are trusted implicitly; custom app schemes are skipped.
type CORSPolicy struct {
	Origins      []string
	RedirectURIs []string
	SameSite     http.SameSite
}

// NewCORSMiddleware builds a credentialed CORS handler for the policy. The refresh cookie only
// travels cross-site with SameSite=None, so any other mode is a configuration error.
func NewCORSMiddleware(policy CORSPolicy, logger *zap.Logger) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.SameSite != http.SameSiteNoneMode {
		return nil, errCORSNeedsSameSiteNone
	}
	origins, err := policy.resolveOrigins()
	if err != nil {
		return nil, err
	}
	for _, origin := range origins {
		if strings.HasPrefix(origin, "http://") && !isLoopbackOrigin(origin) {
			logger.Warn("plain http origin allowed for credentialed requests",
				zap.String("code", "cors.origin.insecure"),
				zap.String("origin", origin))
		}
	}
	logger.Info("cors enabled",
		zap.String("code", "cors.enabled"),
		zap.Strings("origins", origins))

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", RequestIDHeader},
		ExposeHeaders:    []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           corsPreflightMaxAge,
	}), nil
}

// resolveOrigins merges explicit origins with those derived from redirect URIs, sorted and deduplicated.
func (policy CORSPolicy) resolveOrigins() ([]string, error) {
	set := make(map[string]struct{})
	for _, raw := range policy.Origins {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		origin, err := explicitOrigin(raw)
		if err != nil {
			return nil, err
		}
		set[origin] = struct{}{}
	}
	for _, raw := range policy.RedirectURIs {
		if origin, ok := redirectOrigin(raw); ok {
			set[origin] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, errCORSNoOrigins
	}
	return slices.Sorted(maps.Keys(set)), nil
}

// explicitOrigin accepts scheme://host[:port] with an optional trailing slash and nothing else.
func explicitOrigin(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", errCORSBadOrigin, trimmed)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil {
		return "", fmt.Errorf("%w: %q is not a bare origin", errCORSBadOrigin, trimmed)
	}
	origin, ok := webOrigin(parsed)
	if !ok {
		return "", fmt.Errorf("%w: %q is not http(s)", errCORSBadOrigin, trimmed)
	}
	return origin, nil
}

func redirectOrigin(raw string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "", false
	}
	return webOrigin(parsed)
}

func webOrigin(parsed *url.URL) (string, bool) {
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(parsed.Host), true
}

func isLoopbackOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
