package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/aurora-auth/internal/account"
	"github.com/hitoshi/aurora-auth/internal/auth"
	"github.com/hitoshi/aurora-auth/internal/config"
	"github.com/hitoshi/aurora-auth/internal/database"
	"github.com/hitoshi/aurora-auth/internal/handler"
	"github.com/hitoshi/aurora-auth/internal/identity"
	"github.com/hitoshi/aurora-auth/internal/keys"
	"github.com/hitoshi/aurora-auth/internal/logger"
	"github.com/hitoshi/aurora-auth/internal/metrics"
	"github.com/hitoshi/aurora-auth/internal/middleware"
	"github.com/hitoshi/aurora-auth/internal/model"
	"github.com/hitoshi/aurora-auth/internal/nonce"
	"github.com/hitoshi/aurora-auth/internal/repository"
	"github.com/hitoshi/aurora-auth/internal/secretbox"
	"github.com/hitoshi/aurora-auth/internal/token"
	"github.com/hitoshi/aurora-auth/internal/worker/cleanup"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前でもログを使えるようにする
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// buildProviders は設定済みのOAuthプロバイダーを構築する。
func buildProviders(cfg *config.Config) []auth.OAuthProvider {
	var providers []auth.OAuthProvider
	if cfg.Google.Enabled() {
		providers = append(providers, auth.NewGoogleProvider(auth.ProviderConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
			Scopes:       cfg.Google.Scopes,
		}))
	}
	if cfg.GitHub.Enabled() {
		providers = append(providers, auth.NewGitHubProvider(auth.ProviderConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.GitHub.RedirectURL,
			Scopes:       cfg.GitHub.Scopes,
		}))
	}
	return providers
}

// buildKeySource はアクセストークン検証に使う鍵の取得元を返す。
// JWKS_URLが設定されていればリモートのJWKSを、なければ自身の鍵を使う。
func buildKeySource(ctx context.Context, cfg *config.Config, manager *keys.Manager) (token.KeySource, error) {
	if cfg.JWKSURL == "" {
		return manager, nil
	}
	if u, err := url.Parse(cfg.JWKSURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("%w: JWKS_URL must be an absolute http(s) URL", model.ErrConfig)
	}
	source, err := token.NewRemoteKeySource(ctx, cfg.JWKSURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: JWKS_URL: %v", model.ErrConfig, err)
	}
	slog.Info("verifying access tokens against remote JWKS", slog.String("jwks_url", cfg.JWKSURL))
	return source, nil
}

// runServe はAPIサーバーモードで起動する。
// DB・Redisに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 鍵素材（起動時に1回だけ読み込み、以降はイミュータブル）
	keyManager, err := keys.New(keys.Config{
		PrivateKeyPEM: cfg.JWTPrivateKey,
		PublicKeyPEM:  cfg.JWTPublicKey,
		KeyID:         cfg.JWTKeyID,
	})
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	box, err := secretbox.New(cfg.TokenEncSeed)
	if err != nil {
		return fmt.Errorf("failed to initialize secret box: %w", err)
	}

	// 2. DB・Redis接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := nonce.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	slog.Info("redis connection established")

	// 3. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	identityRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. トークン発行・検証
	issuer := token.NewIssuer(keyManager, sessionRepo, accountRepo, token.Config{
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		BcryptCost: cfg.BcryptCost,
	})
	keySource, err := buildKeySource(ctx, cfg, keyManager)
	if err != nil {
		return err
	}
	verifier := token.NewVerifier(keySource, token.VerifierConfig{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.ClockSkew,
	})

	// 6. ドメインサービスの初期化
	authService := auth.NewService(auth.ServiceDeps{
		Providers: buildProviders(cfg),
		Nonces:    nonce.NewStore(redisClient, cfg.StateTTL),
		Resolver:  identity.NewResolver(accountRepo, identityRepo, box),
		Tokens:    issuer,
		Audit:     auditRepo,
		Metrics:   collector,
	}, auth.ServiceConfig{
		ProviderTimeout: cfg.ProviderTimeout,
		RefreshEnabled:  cfg.RefreshEnabled,
	})
	accountService := account.NewService(accountRepo, identityRepo, sessionRepo, auditRepo)

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           collector,
		Verifier:          verifier,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		AuthService:       authService,
		AuthConfig: handler.AuthHandlerConfig{
			LandingURL:   cfg.LandingURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		AccountService: accountService,
		JWKS:           keyManager,
		HealthChecks:   healthChecks(db, redisClient),
		Gatherer:       registry,
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("kid", keyManager.KeyID()),
			slog.Bool("refresh_enabled", cfg.RefreshEnabled),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// healthChecks は/healthで確認する依存先を返す。
func healthChecks(db *sql.DB, redisClient *redis.Client) []handler.HealthCheck {
	return []handler.HealthCheck{
		{Name: "database", Check: db.PingContext},
		{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}},
	}
}

// runWorker はワーカーモードで起動する。
// 期限切れリフレッシュセッションの定期削除を行い、
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default())

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// メインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	version, err := database.RunMigrations(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
