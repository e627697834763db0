package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// X OAuth 2.0
	XClientID     string
	XClientSecret string
	XRedirectURL  string

	// X API
	XAPIBaseURL    string
	XUploadBaseURL string
	// OAuth 1.0aのコンシューマーキー（メディアアップロードの署名用、任意）
	XConsumerKey    string
	XConsumerSecret string
	// 署名に使うアカウントのOAuth 1.0aアクセストークン組
	XAccessToken  string
	XAccessSecret string

	// Session
	SessionSecret          string
	SessionMaxAge          int
	SessionCleanupInterval time.Duration
	TokenRefreshLeeway     time.Duration

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitPublish int

	// Thread / Publish
	PostMaxLength            int
	PublishBaseDelay         time.Duration
	PublishBackoffMultiplier float64
	PublishMaxRetries        int
	PublishInterPostDelay    time.Duration
	PublishPromoTag          string
	PublishTimeout           time.Duration

	// Image
	ImageFetchTimeout time.Duration
	ImageMaxSize      int64

	// AI (xAI)
	XAIAPIKey  string
	XAIBaseURL string
	XAIModel   string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.XClientID = required("X_CLIENT_ID")
	cfg.XClientSecret = required("X_CLIENT_SECRET")
	cfg.XRedirectURL = required("X_REDIRECT_URL")
	cfg.SessionSecret = required("SESSION_SECRET")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.XAPIBaseURL = getEnvString("X_API_BASE_URL", "https://api.twitter.com")
	cfg.XUploadBaseURL = getEnvString("X_UPLOAD_BASE_URL", "https://upload.twitter.com")
	cfg.XConsumerKey = getEnvString("X_CONSUMER_KEY", "")
	cfg.XConsumerSecret = getEnvString("X_CONSUMER_SECRET", "")
	cfg.XAccessToken = getEnvString("X_ACCESS_TOKEN", "")
	cfg.XAccessSecret = getEnvString("X_ACCESS_SECRET", "")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 2592000)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.TokenRefreshLeeway = getEnvDuration("TOKEN_REFRESH_LEEWAY", time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublish = getEnvInt("RATE_LIMIT_PUBLISH", 5)
	cfg.PostMaxLength = getEnvInt("POST_MAX_LENGTH", 280)
	cfg.PublishBaseDelay = getEnvDuration("PUBLISH_BASE_DELAY", time.Second)
	cfg.PublishBackoffMultiplier = getEnvFloat("PUBLISH_BACKOFF_MULTIPLIER", 2.0)
	cfg.PublishMaxRetries = getEnvInt("PUBLISH_MAX_RETRIES", 3)
	cfg.PublishInterPostDelay = getEnvDuration("PUBLISH_INTER_POST_DELAY", time.Second)
	cfg.PublishPromoTag = getEnvString("PUBLISH_PROMO_TAG", "Made with ThreadCraft")
	cfg.PublishTimeout = getEnvDuration("PUBLISH_TIMEOUT", 10*time.Minute)
	cfg.ImageFetchTimeout = getEnvDuration("IMAGE_FETCH_TIMEOUT", 10*time.Second)
	cfg.ImageMaxSize = getEnvInt64("IMAGE_MAX_SIZE", 5242880)
	cfg.XAIAPIKey = getEnvString("XAI_API_KEY", "")
	cfg.XAIBaseURL = getEnvString("XAI_BASE_URL", "https://api.x.ai/v1")
	cfg.XAIModel = getEnvString("XAI_MODEL", "grok-2-1212")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// OAuth1Enabled はメディアアップロードにOAuth 1.0a署名を使用できるかを返す。
// コンシューマーキーとアクセストークン組の4つすべてが必要。
func (c *Config) OAuth1Enabled() bool {
	return c.XConsumerKey != "" && c.XConsumerSecret != "" &&
		c.XAccessToken != "" && c.XAccessSecret != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
