package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/threadcraft/internal/model"
	"github.com/hitoshi/threadcraft/internal/retry"
)

// API はメディアアップロードの3段階ハンドシェイクを行うリモートAPI。
// xapi.Client が実装する。
type API interface {
	InitMedia(ctx context.Context, cred model.AuthCredential, totalBytes int, mediaType string) (string, error)
	AppendMedia(ctx context.Context, cred model.AuthCredential, mediaID, mediaData string) error
	FinalizeMedia(ctx context.Context, cred model.AuthCredential, mediaID string) (string, error)
}

// ImageLoader は画像ソースを読み込む。Loader が実装する。
type ImageLoader interface {
	Load(ctx context.Context, ref model.ImageRef) (*Image, error)
}

// Result はアップロード結果。成功時はMediaID、失敗時はErrが設定される。
type Result struct {
	MediaID string
	Err     error
}

// OK はアップロードに成功したかを返す。
func (r Result) OK() bool {
	return r.Err == nil && r.MediaID != ""
}

// Uploader は画像を読み込み、INIT/APPEND/FINALIZEでアップロードしてメディアIDを取得する。
// 各ステップは投稿と同じリトライポリシーで再試行する。
type Uploader struct {
	api      API
	loader   ImageLoader
	executor retry.Executor
	logger   *slog.Logger
}

// NewUploader はUploaderの新しいインスタンスを生成する。
func NewUploader(api API, loader ImageLoader, policy retry.Policy, sleep retry.Sleeper, logger *slog.Logger) *Uploader {
	u := &Uploader{
		api:    api,
		loader: loader,
		logger: logger,
	}
	u.executor = retry.Executor{
		Policy: policy,
		Sleep:  sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			u.logger.Info("メディアアップロードをリトライします",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	}
	return u
}

// Upload は画像を1件アップロードする。
// 失敗してもエラーを送出せず、Errを設定したResultを返す（呼び出し元はメディアなしで投稿を続行する）。
func (u *Uploader) Upload(ctx context.Context, ref model.ImageRef, cred model.AuthCredential) Result {
	mediaID, err := u.upload(ctx, ref, cred)
	if err != nil {
		u.logger.Warn("メディアアップロードに失敗しました",
			slog.String("kind", string(ref.Kind)),
			slog.String("error", err.Error()),
		)
		return Result{Err: err}
	}
	return Result{MediaID: mediaID}
}

func (u *Uploader) upload(ctx context.Context, ref model.ImageRef, cred model.AuthCredential) (string, error) {
	// 1. 画像の読み込み
	img, err := u.loader.Load(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("画像の読み込みに失敗しました: %w", err)
	}

	// 2. INIT: 総バイト数とメディアタイプを宣言
	mediaID, err := retry.Do(ctx, u.executor, func(ctx context.Context) (string, error) {
		return u.api.InitMedia(ctx, cred, len(img.Data), img.MediaType)
	})
	if err != nil {
		return "", fmt.Errorf("INITに失敗しました: %w", err)
	}

	// 3. APPEND: base64エンコードしたデータを単一セグメントで送信
	encoded := base64.StdEncoding.EncodeToString(img.Data)
	if _, err := retry.Do(ctx, u.executor, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, u.api.AppendMedia(ctx, cred, mediaID, encoded)
	}); err != nil {
		return "", fmt.Errorf("APPENDに失敗しました: %w", err)
	}

	// 4. FINALIZE: 確定して添付用のIDを受け取る
	handle, err := retry.Do(ctx, u.executor, func(ctx context.Context) (string, error) {
		return u.api.FinalizeMedia(ctx, cred, mediaID)
	})
	if err != nil {
		return "", fmt.Errorf("FINALIZEに失敗しました: %w", err)
	}

	u.logger.Info("メディアをアップロードしました",
		slog.String("media_id", handle),
		slog.Int("bytes", len(img.Data)),
		slog.String("media_type", img.MediaType),
	)
	return handle, nil
}
