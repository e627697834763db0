package model

import "time"

// User はサービス利用ユーザーを表す。
type User struct {
	ID        string
	Username  string
	Name      string
	ImageURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdP（X）との紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// AuthErrorRefreshFailed はアクセストークンの更新に失敗したことを示すエラーフラグ値。
const AuthErrorRefreshFailed = "RefreshAccessTokenError"

// Session はユーザーのログインセッションを表す。
// XのOAuthトークンを保持し、投稿時の認証情報の供給元となる。
type Session struct {
	ID                   string
	UserID               string
	AccessToken          string
	RefreshToken         string
	AccessTokenExpiresAt time.Time
	AuthError            string
	ExpiresAt            time.Time
	CreatedAt            time.Time
}

// Credential はセッションが保持するトークンからAuthCredentialを組み立てる。
func (s *Session) Credential() AuthCredential {
	return AuthCredential{
		BearerToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.AccessTokenExpiresAt,
		ErrorFlag:    s.AuthError != "",
	}
}

// AccessTokenExpired はアクセストークンが期限切れかを返す。
// 期限が未設定の場合は期限切れとみなさない。
func (s *Session) AccessTokenExpired(now time.Time) bool {
	if s.AccessTokenExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.AccessTokenExpiresAt)
}
