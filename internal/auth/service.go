// Package auth はX OAuth 2.0認証フロー、セッション管理、投稿用認証情報の供給を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/threadcraft/internal/model"
	"github.com/hitoshi/threadcraft/internal/repository"
)

// ErrSessionNotFound はセッションが存在しないか期限切れであることを示す。
var ErrSessionNotFound = errors.New("session not found or expired")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Username       string
	Name           string
	ImageURL       string
	Provider       string
}

// TokenSet はOAuthプロバイダーが発行したトークン一式。
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// OAuthResult は認可コード交換の結果。
type OAuthResult struct {
	User  OAuthUserInfo
	Token TokenSet
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はPKCEチャレンジ付きのOAuth認証URLを生成する。
	GetLoginURL(state, codeChallenge string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*OAuthResult, error)
	// Refresh はリフレッシュトークンでアクセストークンを更新する。
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	// RefreshLeeway はアクセストークン期限の何秒前から更新対象とするか。
	RefreshLeeway time.Duration
	// OAuth1Token と OAuth1Secret はメディアアップロードの署名に使うトークン組。
	// 設定されている場合、すべての認証情報に付与する。
	OAuth1Token  string
	OAuth1Secret string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state, codeChallenge string) string {
	return s.oauth.GetLoginURL(state, codeChallenge)
}

// HandleCallback はOAuthコールバックを処理し、トークンを保持したセッションを発行する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを同時に自動作成する。
// 登録済みユーザーの場合はプロフィールを最新の内容に更新してログインする。
func (s *Service) HandleCallback(ctx context.Context, code, codeVerifier string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	result, err := s.oauth.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	// 2. ユーザーの特定（未登録なら作成）
	userID, err := s.resolveUser(ctx, &result.User)
	if err != nil {
		return nil, err
	}

	// 3. トークンを保持したセッションを発行
	session, err := s.createSession(ctx, userID, result.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// resolveUser はidentityからユーザーIDを解決する。
// 登録済みならプロフィールを更新し、未登録ならusersとidentitiesを作成する。
// 同時ログインで作成が競合した場合は、先に作成されたユーザーを使用する。
func (s *Service) resolveUser(ctx context.Context, userInfo *OAuthUserInfo) (string, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return "", fmt.Errorf("failed to find identity: %w", err)
	}
	if identity != nil {
		return identity.UserID, s.updateProfile(ctx, identity.UserID, userInfo)
	}

	now := s.now()
	newUser := &model.User{
		ID:        uuid.New().String(),
		Username:  userInfo.Username,
		Name:      userInfo.Name,
		ImageURL:  userInfo.ImageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         newUser.ID,
		Provider:       userInfo.Provider,
		ProviderUserID: userInfo.ProviderUserID,
		CreatedAt:      now,
	}

	err = s.userRepo.CreateWithIdentity(ctx, newUser, newIdentity)
	if errors.Is(err, repository.ErrDuplicate) {
		identity, findErr := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
		if findErr != nil || identity == nil {
			return "", fmt.Errorf("failed to create user and identity: %w", err)
		}
		return identity.UserID, s.updateProfile(ctx, identity.UserID, userInfo)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", newUser.ID),
		slog.String("username", userInfo.Username),
		slog.String("provider", userInfo.Provider),
	)
	return newUser.ID, nil
}

func (s *Service) updateProfile(ctx context.Context, userID string, userInfo *OAuthUserInfo) error {
	if err := s.userRepo.UpdateProfile(ctx, &model.User{
		ID:        userID,
		Username:  userInfo.Username,
		Name:      userInfo.Name,
		ImageURL:  userInfo.ImageURL,
		UpdatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	slog.Info("existing user logged in",
		slog.String("user_id", userID),
		slog.String("provider", userInfo.Provider),
	)
	return nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	session, err := s.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}

	return user, nil
}

// Credential はセッションが保持するトークンから投稿用の認証情報を返す。
// アクセストークンが期限切れの場合はリフレッシュを試み、成功すればセッションを更新する。
// リフレッシュに失敗した場合はセッションにエラーフラグを立て、ErrorFlag付きの認証情報を返す。
func (s *Service) Credential(ctx context.Context, sessionID string) (model.AuthCredential, error) {
	session, err := s.findSession(ctx, sessionID)
	if err != nil {
		return model.AuthCredential{}, err
	}

	if session.AuthError != "" || !session.AccessTokenExpired(s.now().Add(s.config.RefreshLeeway)) {
		return s.credential(session), nil
	}

	token, err := s.oauth.Refresh(ctx, session.RefreshToken)
	if err != nil {
		// 同じセッションへの並行リクエストが先にトークンを更新していれば、その結果を使う
		if latest := s.refreshedElsewhere(ctx, session); latest != nil {
			slog.Info("access token already refreshed by concurrent request",
				slog.String("session_id", session.ID),
			)
			return s.credential(latest), nil
		}
		slog.Warn("access token refresh failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		if setErr := s.sessionRepo.SetAuthError(ctx, session.ID, model.AuthErrorRefreshFailed); setErr != nil {
			return model.AuthCredential{}, fmt.Errorf("failed to flag session auth error: %w", setErr)
		}
		session.AuthError = model.AuthErrorRefreshFailed
		return s.credential(session), nil
	}

	if err := s.sessionRepo.UpdateTokens(ctx, session.ID, token.AccessToken, token.RefreshToken, token.ExpiresAt); err != nil {
		return model.AuthCredential{}, fmt.Errorf("failed to save refreshed tokens: %w", err)
	}
	session.AccessToken = token.AccessToken
	session.RefreshToken = token.RefreshToken
	session.AccessTokenExpiresAt = token.ExpiresAt
	session.AuthError = ""

	slog.Info("access token refreshed", slog.String("session_id", session.ID))
	return s.credential(session), nil
}

// credential はセッションの認証情報に署名用のトークン組を付与する。
func (s *Service) credential(session *model.Session) model.AuthCredential {
	cred := session.Credential()
	cred.AccessToken = s.config.OAuth1Token
	cred.AccessSecret = s.config.OAuth1Secret
	return cred
}

// refreshedElsewhere はセッションを再取得し、リフレッシュトークンが既に更新されていればそれを返す。
// 更新されていない場合や再取得に失敗した場合はnilを返す。
func (s *Service) refreshedElsewhere(ctx context.Context, session *model.Session) *model.Session {
	latest, err := s.sessionRepo.FindByID(ctx, session.ID)
	if err != nil || latest == nil {
		return nil
	}
	if latest.AuthError != "" || latest.RefreshToken == session.RefreshToken {
		return nil
	}
	return latest
}

func (s *Service) findSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string, token TokenSet) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:                   sessionID,
		UserID:               userID,
		AccessToken:          token.AccessToken,
		RefreshToken:         token.RefreshToken,
		AccessTokenExpiresAt: token.ExpiresAt,
		ExpiresAt:            now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:            now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
