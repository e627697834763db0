package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/threadcraft/internal/improve"
	"github.com/hitoshi/threadcraft/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通確認する依存先。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker
	Metrics       http.Handler

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              *middleware.CSRF
	HSTS              bool

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// スレッド
	Credentials  CredentialProvider
	Publisher    ThreadPublisher
	Improver     improve.Improver
	Sanitizer    TextSanitizer
	ThreadConfig ThreadHandlerConfig
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成する。
//
// ミドルウェアの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF → Session → RateLimit(General) → RateLimit(Publish)
//
// /health、/metrics、/auth/* はセッション不要。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	threadHandler := NewThreadHandler(deps.Credentials, deps.Publisher, deps.Improver, deps.Sanitizer, deps.ThreadConfig)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/x/login", authHandler.Login)
		r.Get("/x/callback", authHandler.Callback)
		r.Get("/me", authHandler.Me)
		r.With(deps.CSRF.Middleware()).Post("/logout", authHandler.Logout)
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.CSRF.Middleware())

		r.Get("/api/csrf-token", deps.CSRF.TokenHandler().ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Route("/api/threads", func(r chi.Router) {
				r.Get("/", threadHandler.Status)
				r.With(deps.RateLimiter.PublishMiddleware()).Post("/", threadHandler.Publish)
				r.Post("/split", threadHandler.Split)
				r.Post("/improve", threadHandler.Improve)
			})
		})
	})

	return r
}

// healthHandler はDB疎通を含むヘルスチェックを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
