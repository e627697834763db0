package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/threadcraft/internal/auth"
	"github.com/hitoshi/threadcraft/internal/config"
	"github.com/hitoshi/threadcraft/internal/database"
	"github.com/hitoshi/threadcraft/internal/handler"
	"github.com/hitoshi/threadcraft/internal/improve"
	"github.com/hitoshi/threadcraft/internal/logger"
	"github.com/hitoshi/threadcraft/internal/media"
	"github.com/hitoshi/threadcraft/internal/metrics"
	"github.com/hitoshi/threadcraft/internal/middleware"
	"github.com/hitoshi/threadcraft/internal/publish"
	"github.com/hitoshi/threadcraft/internal/repository"
	"github.com/hitoshi/threadcraft/internal/retry"
	"github.com/hitoshi/threadcraft/internal/security"
	"github.com/hitoshi/threadcraft/internal/worker/cleanup"
	"github.com/hitoshi/threadcraft/internal/xapi"
)

// xAPITimeout はX API呼び出し1回あたりのタイムアウト。
const xAPITimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// server はAPIサーバーの依存関係一式。
type server struct {
	handler     http.Handler
	rateLimiter *middleware.RateLimiter
}

// Close はバックグラウンドのgoroutineを停止する。
func (s *server) Close() {
	s.rateLimiter.Stop()
}

// authServiceConfig は認証サービスの設定を組み立てる。
// OAuth 1.0aが有効な場合は署名用のトークン組を認証情報に載せる。
func authServiceConfig(cfg *config.Config) auth.ServiceConfig {
	sc := auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		RefreshLeeway: cfg.TokenRefreshLeeway,
	}
	if cfg.OAuth1Enabled() {
		sc.OAuth1Token = cfg.XAccessToken
		sc.OAuth1Secret = cfg.XAccessSecret
	}
	return sc
}

// xapiConfig はX APIクライアントの設定を組み立てる。
func xapiConfig(cfg *config.Config) xapi.Config {
	xc := xapi.Config{
		APIBaseURL:    cfg.XAPIBaseURL,
		UploadBaseURL: cfg.XUploadBaseURL,
	}
	if cfg.OAuth1Enabled() {
		xc.ConsumerKey = cfg.XConsumerKey
		xc.ConsumerSecret = cfg.XConsumerSecret
	}
	return xc
}

// newServer は設定から全依存関係をワイヤリングし、ルーターを構築する。
// DBへの接続は行わない。
func newServer(cfg *config.Config, db *sql.DB, log *slog.Logger) *server {
	// 1. リポジトリ
	// ユーザーリポジトリはidentityの検索も兼ねる
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 2. 認証
	oauthProvider := auth.NewXOAuthProvider(auth.XOAuthConfig{
		ClientID:     cfg.XClientID,
		ClientSecret: cfg.XClientSecret,
		RedirectURL:  cfg.XRedirectURL,
	})
	authService := auth.NewService(oauthProvider, userRepo, userRepo, sessionRepo, authServiceConfig(cfg))

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 4. X APIクライアントとメディアアップロード
	apiClient := xapi.NewClient(&http.Client{Timeout: xAPITimeout}, log, xapiConfig(cfg))

	ssrfGuard := security.NewSSRFGuard()
	loader := media.NewLoader(ssrfGuard.Client(cfg.ImageFetchTimeout), ssrfGuard.ValidateURL, cfg.ImageMaxSize)

	policy := retry.Policy{
		BaseDelay:  cfg.PublishBaseDelay,
		Multiplier: cfg.PublishBackoffMultiplier,
		MaxRetries: cfg.PublishMaxRetries,
	}
	uploader := media.NewUploader(apiClient, loader, policy, retry.Sleep, log)

	// 5. スレッド投稿
	publisher := publish.NewPublisher(apiClient, uploader, publish.Config{
		Retry:          policy,
		InterPostDelay: cfg.PublishInterPostDelay,
		PromoTag:       cfg.PublishPromoTag,
	}, log, publish.WithMetrics(collector))

	// 6. AIによる書き直し（APIキーはユーザー指定でもよいため常に有効化する）
	improver := improve.NewXAIImprover(improve.Config{
		APIKey:  cfg.XAIAPIKey,
		BaseURL: cfg.XAIBaseURL,
		Model:   cfg.XAIModel,
	}, log)

	// 7. ミドルウェア
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	csrf := middleware.NewCSRF(middleware.CSRFConfig{
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	})

	deps := &handler.RouterDeps{
		Logger:            log,
		HealthChecker:     db,
		Metrics:           metrics.Handler(registry),
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRF:              csrf,
		HSTS:              cfg.CookieSecure,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		Credentials: authService,
		Publisher:   publisher,
		Improver:    improver,
		Sanitizer:   security.NewTextSanitizer(),
		ThreadConfig: handler.ThreadHandlerConfig{
			MaxLength:      cfg.PostMaxLength,
			MaxBodyBytes:   handler.DefaultThreadHandlerConfig().MaxBodyBytes,
			PublishTimeout: cfg.PublishTimeout,
		},
	}

	return &server{
		handler:     handler.NewRouter(deps),
		rateLimiter: rateLimiter,
	}
}

// rateLimiterConfig はreq/min単位の設定をreq/secのリミッター設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitPublish > 0 {
		rl.PublishRate = rate.Limit(float64(cfg.RateLimitPublish) / 60.0)
		rl.PublishBurst = cfg.RateLimitPublish
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 依存関係のワイヤリング
	srv := newServer(cfg, db, slog.Default())
	defer srv.Close()

	// 3. HTTPサーバーの起動
	// スレッド投稿はリトライと待機を含むため、WriteTimeoutは投稿タイムアウトより長く取る
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.PublishTimeout + time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションのクリーンアップを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	// キャンセルされるまでブロックする
	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
