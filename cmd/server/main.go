package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bbunline/membership/internal/authkit"
	"github.com/bbunline/membership/internal/directory"
	"github.com/bbunline/membership/internal/idp"
	"github.com/bbunline/membership/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildIdentityProvider = func(ctx context.Context, configuration idp.Config) (authkit.IdentityProvider, error) {
	client, err := idp.NewClient(configuration)
	if err != nil {
		return nil, err
	}
	if warmErr := client.WarmKeys(ctx); warmErr != nil {
		configuration.Logger.Warn("identity provider key warmup failed; keys will load lazily",
			zap.String("code", "idp.keys.warmup_failed"),
			zap.Error(warmErr))
	}
	return client, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "bbunline-membership",
		Short:   "Membership backend: identity provider login, rotating refresh sessions, and member matching",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "User directory database URL (postgres:// or sqlite://)")
	rootCmd.Flags().String("session_store_url", "", "Refresh session store URL (redis://, postgres://, sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("idp_base_url", "", "Identity provider base URL")
	rootCmd.Flags().String("idp_client_id", "", "Identity provider OAuth client ID")
	rootCmd.Flags().String("idp_client_secret", "", "Identity provider OAuth client secret")
	rootCmd.Flags().String("idp_issuer", "", "Expected issuer of provider ID tokens; defaults to idp_base_url")
	rootCmd.Flags().String("web_redirect_uri", "", "Redirect URI registered for the web client")
	rootCmd.Flags().String("local_redirect_uri", "", "Redirect URI registered for local development")
	rootCmd.Flags().String("flutter_redirect_uri", "", "Redirect URI registered for the mobile client")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", "bbunline-auth", "Issuer claim of minted access tokens")
	rootCmd.Flags().String("jwt_audience", "bbunline-api", "Audience claim of minted access tokens")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("upstream_timeout", 10*time.Second, "Timeout for each identity provider call")
	rootCmd.Flags().Duration("key_refresh_cooldown", 5*time.Minute, "Minimum interval between provider key refetches")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Extra origins allowed when CORS is enabled; origins of http(s) redirect URIs are always allowed")
	rootCmd.Flags().Float64("rate_limit_rps", 5, "Per-client request rate on /auth routes; zero disables limiting")
	rootCmd.Flags().Int("rate_limit_burst", 10, "Per-client burst on /auth routes")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeMissingIdPBaseURL       = "config.missing_idp_base_url"
	configCodeMissingIdPClientID      = "config.missing_idp_client_id"
	configCodeMissingWebRedirectURI   = "config.missing_web_redirect_uri"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeIdentityProviderInit    = "config.identity_provider_init"
	configCodeDirectoryInit           = "config.directory_init"
	configCodeSessionStoreInit        = "config.session_store_init"
)

// ServiceConfig is resolved once in PreRunE and passed explicitly to every component.
type ServiceConfig struct {
	Server             authkit.ServerConfig
	IdentityProvider   idp.Config
	ListenAddr         string
	DatabaseURL        string
	SessionStoreURL    string
	EnableCORS         bool
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serviceConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serviceConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServiceConfig, error) {
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		return ServiceConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided")
	}

	idpBaseURL := strings.TrimSpace(viper.GetString("idp_base_url"))
	if idpBaseURL == "" {
		return ServiceConfig{}, configError(configCodeMissingIdPBaseURL, "idp_base_url must be provided")
	}

	idpClientID := strings.TrimSpace(viper.GetString("idp_client_id"))
	if idpClientID == "" {
		return ServiceConfig{}, configError(configCodeMissingIdPClientID, "idp_client_id must be provided")
	}

	webRedirectURI := strings.TrimSpace(viper.GetString("web_redirect_uri"))
	if webRedirectURI == "" {
		return ServiceConfig{}, configError(configCodeMissingWebRedirectURI, "web_redirect_uri must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return ServiceConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return ServiceConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	redirectURIs := map[authkit.ClientType]string{authkit.ClientTypeWeb: webRedirectURI}
	if localRedirectURI := strings.TrimSpace(viper.GetString("local_redirect_uri")); localRedirectURI != "" {
		redirectURIs[authkit.ClientTypeLocal] = localRedirectURI
	}
	if flutterRedirectURI := strings.TrimSpace(viper.GetString("flutter_redirect_uri")); flutterRedirectURI != "" {
		redirectURIs[authkit.ClientTypeFlutter] = flutterRedirectURI
	}

	sameSite := http.SameSiteStrictMode
	if enableCORS {
		sameSite = http.SameSiteNoneMode
	}

	return ServiceConfig{
		Server: authkit.ServerConfig{
			AppJWTSigningKey:  []byte(jwtSigningKey),
			AppJWTIssuer:      viper.GetString("jwt_issuer"),
			AppJWTAudience:    viper.GetString("jwt_audience"),
			AccessTTL:         accessTTL,
			RefreshTTL:        refreshTTL,
			RedirectURIs:      redirectURIs,
			CookieDomain:      viper.GetString("cookie_domain"),
			RefreshCookieName: authkit.DefaultRefreshCookieName,
			SameSiteMode:      sameSite,
			AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
		},
		IdentityProvider: idp.Config{
			BaseURL:            idpBaseURL,
			ClientID:           idpClientID,
			ClientSecret:       viper.GetString("idp_client_secret"),
			Issuer:             viper.GetString("idp_issuer"),
			Timeout:            viper.GetDuration("upstream_timeout"),
			KeyRefreshCooldown: viper.GetDuration("key_refresh_cooldown"),
		},
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        databaseURL,
		SessionStoreURL:    strings.TrimSpace(viper.GetString("session_store_url")),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		RateLimitRPS:       viper.GetFloat64("rate_limit_rps"),
		RateLimitBurst:     viper.GetInt("rate_limit_burst"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serviceConfig, ok := contextValue.(ServiceConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	runCtx, cancelRun := context.WithCancel(commandContext)
	defer cancelRun()

	members, directoryErr := directory.Open(runCtx, serviceConfig.DatabaseURL)
	if directoryErr != nil {
		return fmt.Errorf("%s: %w", configCodeDirectoryInit, directoryErr)
	}
	logger.Info("user directory ready", zap.String("driver", members.Driver()))

	sessions, sessionsErr := newSessionStore(runCtx, serviceConfig.SessionStoreURL)
	if sessionsErr != nil {
		return fmt.Errorf("%s: %w", configCodeSessionStoreInit, sessionsErr)
	}
	defer sessions.close()
	logger.Info("refresh session store ready", zap.String("backend", sessions.backend))

	providerConfig := serviceConfig.IdentityProvider
	providerConfig.Logger = logger
	provider, providerErr := buildIdentityProvider(runCtx, providerConfig)
	if providerErr != nil {
		return fmt.Errorf("%s: %w", configCodeIdentityProviderInit, providerErr)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder := authkit.NewPrometheusMetrics(registry)

	sessionIssuer, issuerErr := authkit.NewSessionIssuer(serviceConfig.Server, provider, members, sessions.store,
		authkit.WithMetrics(metricsRecorder))
	if issuerErr != nil {
		return issuerErr
	}
	localStrategy, strategyErr := authkit.NewLocalJWTStrategy(serviceConfig.Server, nil)
	if strategyErr != nil {
		return strategyErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestID())
	router.Use(zapLoggerMiddleware(logger))

	if serviceConfig.EnableCORS {
		corsMiddleware, corsErr := web.NewCORSMiddleware(web.CORSPolicy{
			Origins:      serviceConfig.CORSAllowedOrigins,
			RedirectURIs: slices.Collect(maps.Values(serviceConfig.Server.RedirectURIs)),
			SameSite:     serviceConfig.Server.SameSiteMode,
		}, logger)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		if err := members.Ping(contextGin.Request.Context()); err != nil {
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	var limiter *authkit.ClientRateLimiter
	if serviceConfig.RateLimitRPS > 0 {
		limiter = authkit.NewClientRateLimiter(serviceConfig.RateLimitRPS, serviceConfig.RateLimitBurst)
	}
	authkit.MountAuthRoutes(router, serviceConfig.Server, authkit.NewLoggedIssuer(sessionIssuer, logger), localStrategy, limiter)

	memberHandlers := web.NewMemberHandlers(members, web.NewLogNotifier(logger), serviceConfig.Server, logger)
	web.MountMemberRoutes(router, memberHandlers, localStrategy)
	web.MountImageRoutes(router, web.NewImageHandlers(members, logger), localStrategy)

	go runJanitor(runCtx, logger, sessions.purger, limiter)

	server := &http.Server{
		Addr:              serviceConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serviceConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", web.RequestIDFromContext(contextGin)),
			zap.Duration("elapsed", duration),
		)
	}
}
