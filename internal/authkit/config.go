package authkit

import (
	"net/http"
	"strings"
	"time"
)

// ClientType names the client surface that started an authorization code flow.
type ClientType string

const (
	ClientTypeWeb     ClientType = "web"
	ClientTypeLocal   ClientType = "local"
	ClientTypeFlutter ClientType = "flutter"
)

// ParseClientType normalizes the client type sent by callers. "mobile" is accepted as flutter.
func ParseClientType(raw string) (ClientType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ClientTypeWeb):
		return ClientTypeWeb, true
	case string(ClientTypeLocal):
		return ClientTypeLocal, true
	case string(ClientTypeFlutter), "mobile":
		return ClientTypeFlutter, true
	default:
		return "", false
	}
}

// ServerConfig configures the session issuer, cookies, and TTLs.
type ServerConfig struct {
	AppJWTSigningKey  []byte
	AppJWTIssuer      string
	AppJWTAudience    string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	RedirectURIs      map[ClientType]string
	CookieDomain      string
	RefreshCookieName string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}

// RedirectURIFor returns the registered redirect URI for the client type.
func (configuration ServerConfig) RedirectURIFor(clientType ClientType) (string, bool) {
	redirectURI, ok := configuration.RedirectURIs[clientType]
	if !ok || strings.TrimSpace(redirectURI) == "" {
		return "", false
	}
	return redirectURI, true
}
