package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/threadcraft/internal/auth"
	"github.com/hitoshi/threadcraft/internal/improve"
	"github.com/hitoshi/threadcraft/internal/media"
	"github.com/hitoshi/threadcraft/internal/middleware"
	"github.com/hitoshi/threadcraft/internal/model"
	"github.com/hitoshi/threadcraft/internal/publish"
	"github.com/hitoshi/threadcraft/internal/retry"
	"github.com/hitoshi/threadcraft/internal/segment"
)

// CredentialProvider はセッションから投稿用の認証情報を解決する。
type CredentialProvider interface {
	Credential(ctx context.Context, sessionID string) (model.AuthCredential, error)
}

// ThreadPublisher はスレッドを投稿する。
type ThreadPublisher interface {
	Publish(ctx context.Context, thread model.ThreadDraft, cred model.AuthCredential, progress publish.ProgressFunc) (*model.PublishLedger, error)
}

// TextSanitizer は貼り付けられたHTMLをプレーンテキストにする。
type TextSanitizer interface {
	Sanitize(text string) string
}

// ThreadHandlerConfig はスレッドハンドラーの設定。
type ThreadHandlerConfig struct {
	// MaxLength は分割時のポスト最大長（UTF-16コードユニット）。
	MaxLength int
	// MaxBodyBytes はリクエストボディの上限。data: URLの画像を含むため大きめに取る。
	MaxBodyBytes int64
	// PublishTimeout は1回の投稿処理全体の上限時間。
	PublishTimeout time.Duration
}

// DefaultThreadHandlerConfig はデフォルト設定を返す。
func DefaultThreadHandlerConfig() ThreadHandlerConfig {
	return ThreadHandlerConfig{
		MaxLength:      segment.DefaultMaxLength,
		MaxBodyBytes:   32 << 20,
		PublishTimeout: 10 * time.Minute,
	}
}

// ThreadHandler はスレッド投稿・分割・書き直しのHTTPハンドラー。
type ThreadHandler struct {
	creds     CredentialProvider
	publisher ThreadPublisher
	improver  improve.Improver
	sanitizer TextSanitizer
	config    ThreadHandlerConfig
}

// NewThreadHandler はThreadHandlerを生成する。improverはnilでもよい。
func NewThreadHandler(creds CredentialProvider, publisher ThreadPublisher, improver improve.Improver, sanitizer TextSanitizer, config ThreadHandlerConfig) *ThreadHandler {
	if config.MaxLength <= 0 {
		config.MaxLength = segment.DefaultMaxLength
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultThreadHandlerConfig().MaxBodyBytes
	}
	return &ThreadHandler{
		creds:     creds,
		publisher: publisher,
		improver:  improver,
		sanitizer: sanitizer,
		config:    config,
	}
}

// publishRequest はスレッド投稿リクエストのボディ。
type publishRequest struct {
	Thread []string       `json:"thread"`
	Images []imageRequest `json:"images"`
}

type imageRequest struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

type splitRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length,omitempty"`
}

type splitResponse struct {
	Posts []string `json:"posts"`
}

type improveRequest struct {
	Text     string           `json:"text"`
	Settings improve.Settings `json:"settings"`
}

type improveResponse struct {
	Text string `json:"text"`
}

// Status は現在のセッションが投稿可能かを返す。
// GET /api/threads
func (h *ThreadHandler) Status(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.credential(w, r); !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "Authenticated"})
}

// Publish はスレッドを投稿する。
// POST /api/threads
// 成功時は投稿済みポストの配列を返す。
func (h *ThreadHandler) Publish(w http.ResponseWriter, r *http.Request) {
	// 1. 認証情報の解決（必要ならトークン更新）
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}

	// 2. リクエストの解析
	var req publishRequest
	if !h.decode(w, r, &req) {
		return
	}
	thread, err := buildThread(req)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(err.Error()))
		return
	}

	// 3. 投稿。途中でクライアントが切断しても投稿処理は継続する
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.publishTimeout())
	defer cancel()

	ledger, err := h.publisher.Publish(ctx, thread, cred, nil)
	if err != nil {
		writePublishError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, ledger.Published)
}

// Split はテキストをポスト単位に分割したプレビューを返す。
// POST /api/threads/split
func (h *ThreadHandler) Split(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if !h.decode(w, r, &req) {
		return
	}

	maxLength := h.config.MaxLength
	if req.MaxLength > 0 && req.MaxLength < maxLength {
		maxLength = req.MaxLength
	}

	text := req.Text
	if h.sanitizer != nil {
		text = h.sanitizer.Sanitize(text)
	}
	posts := segment.Segment(segment.Normalize(text), maxLength)

	middleware.WriteJSON(w, http.StatusOK, splitResponse{Posts: posts})
}

// Improve はAIでテキストを書き直す。
// POST /api/threads/improve
func (h *ThreadHandler) Improve(w http.ResponseWriter, r *http.Request) {
	if h.improver == nil {
		middleware.WriteErrorResponse(w, http.StatusNotImplemented, model.NewImproveFailedError("AI improvement is not configured"))
		return
	}

	var req improveRequest
	if !h.decode(w, r, &req) {
		return
	}

	text, err := h.improver.Improve(r.Context(), req.Text, req.Settings)
	if err != nil {
		switch {
		case errors.Is(err, improve.ErrEmptyText),
			errors.Is(err, improve.ErrInvalidTone),
			errors.Is(err, improve.ErrInvalidModel),
			errors.Is(err, improve.ErrAPIKeyRequired):
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(err.Error()))
		default:
			slog.Error("failed to improve text", slog.String("error", err.Error()))
			middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewImproveFailedError(err.Error()))
		}
		return
	}

	middleware.WriteJSON(w, http.StatusOK, improveResponse{Text: text})
}

// credential はセッションの認証情報を取得する。失敗時はレスポンスを書き込みfalseを返す。
func (h *ThreadHandler) credential(w http.ResponseWriter, r *http.Request) (model.AuthCredential, bool) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError("please sign in"))
		return model.AuthCredential{}, false
	}

	cred, err := h.creds.Credential(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError("please sign in"))
			return model.AuthCredential{}, false
		}
		slog.Error("failed to resolve credential", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return model.AuthCredential{}, false
	}

	if cred.ErrorFlag {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError("session expired, please sign in again"))
		return model.AuthCredential{}, false
	}
	if !cred.Usable() {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError("invalid session, please sign in again"))
		return model.AuthCredential{}, false
	}
	return cred, true
}

func (h *ThreadHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError("malformed JSON body"))
		return false
	}
	return true
}

func (h *ThreadHandler) publishTimeout() time.Duration {
	if h.config.PublishTimeout > 0 {
		return h.config.PublishTimeout
	}
	return DefaultThreadHandlerConfig().PublishTimeout
}

// buildThread はリクエストをThreadDraftに変換する。
// 画像は指定インデックスのポストに1枚だけ添付し、同じインデックスが重複した場合は後勝ちとする。
func buildThread(req publishRequest) (model.ThreadDraft, error) {
	if len(req.Thread) == 0 {
		return nil, errors.New("thread must be a non-empty array")
	}

	thread := make(model.ThreadDraft, len(req.Thread))
	for i, text := range req.Thread {
		thread[i] = model.PostDraft{Text: text}
	}

	for _, img := range req.Images {
		if img.URL == "" {
			continue
		}
		if img.Index < 0 || img.Index >= len(thread) {
			return nil, fmt.Errorf("image index %d out of range", img.Index)
		}
		ref, err := media.ParseImageRef(img.URL)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", img.Index, err)
		}
		thread[img.Index].Image = &ref
	}
	return thread, nil
}

// partialFailureDetails は部分失敗時のdetails。
// LastPostIDは再開時に返信先とすべき最後の投稿済みポストのID。
type partialFailureDetails struct {
	*model.PublishLedger
	LastPostID string `json:"last_post_id"`
}

// writePublishError は投稿エラーをHTTPレスポンスに変換する。
func writePublishError(w http.ResponseWriter, err error) {
	var partial *publish.PartialFailureError
	var quota *retry.QuotaExceededError
	var first *publish.FirstPostError

	switch {
	case errors.Is(err, publish.ErrUnauthenticated):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError("credential is not usable"))
	case errors.Is(err, publish.ErrInvalidInput):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidInputError(err.Error()))
	case errors.As(err, &partial):
		apiErr := model.NewPartialThreadFailureError(partial.Error())
		apiErr.Details = partialFailureDetails{
			PublishLedger: partial.Ledger,
			LastPostID:    partial.Ledger.LastPostID(),
		}
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, apiErr)
	case errors.As(err, &quota):
		apiErr := model.NewQuotaExceededError(quota.ResetAt)
		if !quota.ResetAt.IsZero() {
			apiErr.Details = map[string]string{"reset_at": quota.ResetAt.UTC().Format(time.RFC3339)}
		}
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, apiErr)
	case errors.As(err, &first):
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewFirstPostFailedError(first.Err.Error()))
	default:
		slog.Error("failed to publish thread", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
