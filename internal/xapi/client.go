// Package xapi はX（旧Twitter）のREST APIクライアントを提供する。
// 投稿作成（v2）とメディアアップロード（v1.1 INIT/APPEND/FINALIZE）を扱う。
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/oauth1"

	"github.com/hitoshi/threadcraft/internal/model"
)

const (
	// DefaultAPIBaseURL は投稿作成APIのベースURL。
	DefaultAPIBaseURL = "https://api.twitter.com"
	// DefaultUploadBaseURL はメディアアップロードAPIのベースURL。
	DefaultUploadBaseURL = "https://upload.twitter.com"

	createPostPath  = "/2/tweets"
	mediaUploadPath = "/1.1/media/upload.json"

	userAgent = "ThreadCraft/1.0"
	// maxResponseSize はレスポンスボディの読み取り上限（1MB）。
	maxResponseSize = 1 << 20
)

// Config はClientの接続設定。空のURLはデフォルト値を使用する。
type Config struct {
	APIBaseURL    string
	UploadBaseURL string
	// ConsumerKey と ConsumerSecret が両方設定されている場合、
	// OAuth 1.0aのトークン組を持つ認証情報でのメディアアップロードを署名する。
	ConsumerKey    string
	ConsumerSecret string
}

// Client はX APIのクライアント。
type Client struct {
	httpClient    *http.Client
	logger        *slog.Logger
	apiBaseURL    string
	uploadBaseURL string
	oauth1Config  *oauth1.Config
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		httpClient:    httpClient,
		logger:        logger,
		apiBaseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		uploadBaseURL: strings.TrimRight(cfg.UploadBaseURL, "/"),
	}
	if c.apiBaseURL == "" {
		c.apiBaseURL = DefaultAPIBaseURL
	}
	if c.uploadBaseURL == "" {
		c.uploadBaseURL = DefaultUploadBaseURL
	}
	if cfg.ConsumerKey != "" && cfg.ConsumerSecret != "" {
		c.oauth1Config = oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret)
	}
	return c
}

// CreatePostRequest は投稿作成APIのリクエストボディ。
type CreatePostRequest struct {
	Text  string         `json:"text"`
	Reply *ReplySettings `json:"reply,omitempty"`
	Media *MediaSettings `json:"media,omitempty"`
}

// ReplySettings は返信先の指定。
type ReplySettings struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

// MediaSettings は添付メディアの指定。
type MediaSettings struct {
	MediaIDs []string `json:"media_ids"`
}

// CreatePostResponse は投稿作成APIの成功レスポンス。
type CreatePostResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// CreatePost は投稿を1件作成する。
// 2xx以外の応答は*StatusError、2xxでもdata.idが欠けている場合はErrUnexpectedResponseを返す。
func (c *Client) CreatePost(ctx context.Context, cred model.AuthCredential, req CreatePostRequest) (*CreatePostResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("投稿リクエストのエンコードに失敗しました: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+createPostPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.BearerToken)

	respBody, err := c.do(c.httpClient, httpReq)
	if err != nil {
		return nil, err
	}

	var result CreatePostResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if result.Data.ID == "" {
		return nil, fmt.Errorf("%w: data.id がありません", ErrUnexpectedResponse)
	}
	return &result, nil
}

// mediaResponse はメディアアップロードAPIのレスポンス。
type mediaResponse struct {
	MediaIDString string `json:"media_id_string"`
}

// InitMedia はアップロードを開始し、メディアIDを返す。
func (c *Client) InitMedia(ctx context.Context, cred model.AuthCredential, totalBytes int, mediaType string) (string, error) {
	form := url.Values{}
	form.Set("command", "INIT")
	form.Set("total_bytes", fmt.Sprintf("%d", totalBytes))
	form.Set("media_type", mediaType)
	form.Set("media_category", "tweet_image")

	body, err := c.postMedia(ctx, cred, form)
	if err != nil {
		return "", err
	}
	return decodeMediaID(body)
}

// AppendMedia はbase64エンコード済みのデータを単一セグメント（segment_index=0）として送信する。
func (c *Client) AppendMedia(ctx context.Context, cred model.AuthCredential, mediaID, mediaData string) error {
	form := url.Values{}
	form.Set("command", "APPEND")
	form.Set("media_id", mediaID)
	form.Set("segment_index", "0")
	form.Set("media_data", mediaData)

	_, err := c.postMedia(ctx, cred, form)
	return err
}

// FinalizeMedia はアップロードを確定し、投稿に添付可能なメディアIDを返す。
func (c *Client) FinalizeMedia(ctx context.Context, cred model.AuthCredential, mediaID string) (string, error) {
	form := url.Values{}
	form.Set("command", "FINALIZE")
	form.Set("media_id", mediaID)

	body, err := c.postMedia(ctx, cred, form)
	if err != nil {
		return "", err
	}
	return decodeMediaID(body)
}

// postMedia はメディアアップロードエンドポイントにフォームを送信する。
func (c *Client) postMedia(ctx context.Context, cred model.AuthCredential, form url.Values) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadBaseURL+mediaUploadPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := c.httpClient
	if c.oauth1Config != nil && cred.AccessToken != "" && cred.AccessSecret != "" {
		// OAuth 1.0a ユーザーコンテキストで署名する。フォームパラメータも署名対象に含まれる。
		signCtx := context.WithValue(ctx, oauth1.HTTPClient, c.httpClient)
		client = c.oauth1Config.Client(signCtx, oauth1.NewToken(cred.AccessToken, cred.AccessSecret))
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+cred.BearerToken)
	}

	return c.do(client, httpReq)
}

// do はリクエストを実行し、2xxの場合はボディを返す。それ以外は*StatusErrorを返す。
func (c *Client) do(client *http.Client, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		c.logger.Warn("X APIの呼び出しに失敗しました",
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("X APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := newStatusError(resp.StatusCode, resp.Header, body)
		c.logger.Warn("X APIがエラーステータスを返しました",
			slog.String("path", req.URL.Path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", statusErr.Detail),
		)
		return nil, statusErr
	}

	return body, nil
}

// decodeMediaID はメディアAPIのレスポンスからmedia_id_stringを取り出す。
func decodeMediaID(body []byte) (string, error) {
	var result mediaResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if result.MediaIDString == "" {
		return "", fmt.Errorf("%w: media_id_string がありません", ErrUnexpectedResponse)
	}
	return result.MediaIDString, nil
}
