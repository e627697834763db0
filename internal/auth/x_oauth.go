package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultXAuthURL     = "https://twitter.com/i/oauth2/authorize"
	defaultXTokenURL    = "https://api.twitter.com/2/oauth2/token"
	defaultXUserInfoURL = "https://api.twitter.com/2/users/me"

	// ProviderX はidentitiesテーブルに記録するプロバイダー名。
	ProviderX = "x"

	// xScopes はスレッド投稿に必要なスコープ。offline.accessでリフレッシュトークンを取得する。
	xScopes = "users.read tweet.read tweet.write offline.access"
)

// XOAuthConfig はX OAuth 2.0プロバイダーの設定。
type XOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient がnilの場合はhttp.DefaultClientを使用する。
	HTTPClient *http.Client
}

// XOAuthProvider はX OAuth 2.0（認可コード + PKCE）による認証を提供する。
type XOAuthProvider struct {
	config XOAuthConfig
	now    func() time.Time
}

// NewXOAuthProvider はXOAuthProviderを生成する。
func NewXOAuthProvider(config XOAuthConfig) *XOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultXAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultXTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultXUserInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	return &XOAuthProvider{config: config, now: time.Now}
}

// GetLoginURL はXの認可URLを生成する。
// codeChallengeはCodeChallengeS256で生成したPKCEチャレンジ。
func (p *XOAuthProvider) GetLoginURL(state, codeChallenge string) string {
	params := url.Values{
		"client_id":             {p.config.ClientID},
		"redirect_uri":          {p.config.RedirectURL},
		"response_type":         {"code"},
		"scope":                 {xScopes},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// xTokenResponse はXのトークンエンドポイントのレスポンス。
type xTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// xUserResponse はXのユーザー情報エンドポイントのレスポンス。
type xUserResponse struct {
	Data struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		ProfileImageURL string `json:"profile_image_url"`
	} `json:"data"`
}

// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
func (p *XOAuthProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*OAuthResult, error) {
	// 1. 認可コードをアクセストークンに交換
	token, err := p.requestToken(ctx, url.Values{
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"code_verifier": {codeVerifier},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	// 2. アクセストークンでユーザー情報を取得
	user, err := p.FetchUser(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	return &OAuthResult{User: *user, Token: *token}, nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// レスポンスにリフレッシュトークンが含まれない場合は元のトークンを引き継ぐ。
func (p *XOAuthProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	token, err := p.requestToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.config.ClientID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// requestToken はトークンエンドポイントにフォームを送信する。
// クライアント認証はBasic認証で行う。
func (p *XOAuthProvider) requestToken(ctx context.Context, data url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp xTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	token := &TokenSet{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		token.ExpiresAt = p.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return token, nil
}

// FetchUser はアクセストークンで認証ユーザーの情報を取得する。
func (p *XOAuthProvider) FetchUser(ctx context.Context, accessToken string) (*OAuthUserInfo, error) {
	endpoint := p.config.UserInfoURL + "?" + url.Values{"user.fields": {"profile_image_url"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var userResp xUserResponse
	if err := json.Unmarshal(body, &userResp); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}

	if userResp.Data.ID == "" {
		return nil, fmt.Errorf("empty id in user info response")
	}

	return &OAuthUserInfo{
		ProviderUserID: userResp.Data.ID,
		Username:       userResp.Data.Username,
		Name:           userResp.Data.Name,
		ImageURL:       userResp.Data.ProfileImageURL,
		Provider:       ProviderX,
	}, nil
}

// GenerateCodeVerifier はPKCEのコードベリファイア（43文字）を生成する。
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallengeS256 はコードベリファイアからS256方式のチャレンジを計算する。
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// compile-time interface check
var _ OAuthProvider = (*XOAuthProvider)(nil)
