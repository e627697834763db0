// Package publish はスレッドを返信の連鎖として順番に投稿する。
// 各ポストはリトライ付きで投稿され、結果は PublishLedger に記録される。
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/threadcraft/internal/media"
	"github.com/hitoshi/threadcraft/internal/metrics"
	"github.com/hitoshi/threadcraft/internal/model"
	"github.com/hitoshi/threadcraft/internal/retry"
	"github.com/hitoshi/threadcraft/internal/xapi"
)

// PostCreator はポストを1件作成するリモートAPI。xapi.Client が実装する。
type PostCreator interface {
	CreatePost(ctx context.Context, cred model.AuthCredential, req xapi.CreatePostRequest) (*xapi.CreatePostResponse, error)
}

// MediaUploader は画像を1件アップロードする。media.Uploader が実装する。
type MediaUploader interface {
	Upload(ctx context.Context, ref model.ImageRef, cred model.AuthCredential) media.Result
}

// Config はPublisherの動作設定。
type Config struct {
	Retry retry.Policy
	// InterPostDelay は2件目以降のポストを投稿する前の待機時間。
	InterPostDelay time.Duration
	// PromoTag は最後のポストに付与するタグ。空の場合は付与しない。
	PromoTag string
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		Retry:          retry.DefaultPolicy(),
		InterPostDelay: time.Second,
		PromoTag:       DefaultPromoTag,
	}
}

// EventKind は進捗イベントの種類。
type EventKind string

const (
	// EventPublished はポストの投稿に成功した。
	EventPublished EventKind = "published"
	// EventRetrying はポストの投稿に失敗し、待機後にリトライする。
	EventRetrying EventKind = "retrying"
	// EventFailed はポストの投稿が最終的に失敗した。
	EventFailed EventKind = "failed"
	// EventMediaSkipped はメディアアップロードに失敗し、メディアなしで投稿する。
	EventMediaSkipped EventKind = "media_skipped"
)

// Event はPublish中の進捗イベント。
type Event struct {
	Kind  EventKind
	Index int
	Total int
	// PostID はEventPublishedの場合のプラットフォームID。
	PostID string
	// Attempt はEventRetryingの場合のリトライ回数（1始まり）。
	Attempt int
	// Delay はEventRetryingの場合の待機時間。
	Delay time.Duration
	Err   error
}

// ProgressFunc は進捗イベントを受け取るコールバック。
type ProgressFunc func(Event)

// Option はPublisherのオプション設定。
type Option func(*Publisher)

// WithSleeper は待機処理を差し替える（テスト用）。
func WithSleeper(s retry.Sleeper) Option {
	return func(p *Publisher) {
		p.sleep = s
	}
}

// WithMetrics はメトリクス収集を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithClock は現在時刻の取得関数を差し替える（テスト用）。
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// Publisher はスレッドを順番に投稿する。
// 各ポストは直前のポストへの返信として投稿され、並列には実行しない。
type Publisher struct {
	creator  PostCreator
	uploader MediaUploader
	cfg      Config
	logger   *slog.Logger
	sleep    retry.Sleeper
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewPublisher はPublisherの新しいインスタンスを生成する。
// uploaderがnilの場合、画像付きのポストもメディアなしで投稿する。
func NewPublisher(creator PostCreator, uploader MediaUploader, cfg Config, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		creator:  creator,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
		sleep:    retry.Sleep,
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish はスレッドを先頭から順に投稿し、結果を台帳として返す。
//
//   - 認証情報が使用不可: ErrUnauthenticated（APIは呼び出さない）
//   - スレッドが空、または空のポストを含む: ErrInvalidInput
//   - 先頭ポストの失敗: 空の台帳と *FirstPostError
//   - 2件目以降の失敗: 投稿済みと失敗を含む台帳と *PartialFailureError（以降のポストは処理しない）
//   - すべて成功: 失敗が空の台帳とnil
//
// 24時間上限に到達した場合はリトライせず、errors.Is(err, ErrQuotaExceeded) が true となる。
// progressはnilでもよい。
func (p *Publisher) Publish(ctx context.Context, thread model.ThreadDraft, cred model.AuthCredential, progress ProgressFunc) (*model.PublishLedger, error) {
	// 1. 認証情報の検証
	if !cred.Usable() {
		return nil, ErrUnauthenticated
	}

	// 2. 入力の検証
	if err := validateThread(thread); err != nil {
		return nil, err
	}

	if progress == nil {
		progress = func(Event) {}
	}

	start := p.now()
	total := len(thread)
	ledger := model.NewPublishLedger()
	replyTo := ""

	p.logger.Info("スレッドの投稿を開始します", slog.Int("total", total))

	for i, post := range thread {
		// 3. 2件目以降は投稿前に一定時間待機する
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.InterPostDelay); err != nil {
				return p.fail(ledger, i, total, err, progress, start)
			}
		}

		// 4. 投稿リクエストの組み立て（画像があれば先にアップロード）
		req := xapi.CreatePostRequest{
			Text: Decorate(post.Text, i, total, p.cfg.PromoTag),
		}
		if replyTo != "" {
			req.Reply = &xapi.ReplySettings{InReplyToTweetID: replyTo}
		}
		if mediaID := p.uploadImage(ctx, post, i, total, cred, progress); mediaID != "" {
			req.Media = &xapi.MediaSettings{MediaIDs: []string{mediaID}}
		}

		// 5. リトライ付きで投稿
		resp, err := p.createPost(ctx, cred, req, i, total, progress)
		if err != nil {
			return p.fail(ledger, i, total, err, progress, start)
		}

		// 6. 成功を記録し、次のポストの返信先とする
		ledger.Published = append(ledger.Published, model.PublishedPost{
			Index:     i,
			PostID:    resp.Data.ID,
			Text:      req.Text,
			ReplyToID: replyTo,
		})
		replyTo = resp.Data.ID
		p.metrics.RecordPostPublished()
		progress(Event{Kind: EventPublished, Index: i, Total: total, PostID: resp.Data.ID})
	}

	p.metrics.RecordThreadOutcome(metrics.OutcomeComplete)
	p.metrics.RecordPublishLatency(p.now().Sub(start))
	p.logger.Info("スレッドを投稿しました",
		slog.Int("total", total),
		slog.String("first_post_id", ledger.Published[0].PostID),
	)
	return ledger, nil
}

// validateThread はスレッドが空でなく、すべてのポストに本文があるかを検証する。
func validateThread(thread model.ThreadDraft) error {
	if len(thread) == 0 {
		return fmt.Errorf("%w: thread is empty", ErrInvalidInput)
	}
	for i, post := range thread {
		if strings.TrimSpace(post.Text) == "" {
			return fmt.Errorf("%w: post %d is empty", ErrInvalidInput, i+1)
		}
	}
	return nil
}

// uploadImage はポストに画像があればアップロードし、メディアIDを返す。
// 失敗した場合は空文字を返し、ポストはメディアなしで投稿する。
func (p *Publisher) uploadImage(ctx context.Context, post model.PostDraft, index, total int, cred model.AuthCredential, progress ProgressFunc) string {
	if post.Image == nil {
		return ""
	}

	var err error
	if p.uploader == nil {
		err = errors.New("media uploader is not configured")
	} else {
		result := p.uploader.Upload(ctx, *post.Image, cred)
		if result.OK() {
			return result.MediaID
		}
		err = result.Err
		if err == nil {
			err = errors.New("media upload returned no media id")
		}
	}

	p.metrics.RecordMediaFailure()
	p.logger.Warn("メディアなしでポストを投稿します",
		slog.Int("index", index),
		slog.String("error", err.Error()),
	)
	progress(Event{Kind: EventMediaSkipped, Index: index, Total: total, Err: err})
	return ""
}

// createPost はリトライポリシーに従ってポストを作成する。
func (p *Publisher) createPost(ctx context.Context, cred model.AuthCredential, req xapi.CreatePostRequest, index, total int, progress ProgressFunc) (*xapi.CreatePostResponse, error) {
	ex := retry.Executor{
		Policy: p.cfg.Retry,
		Sleep:  p.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			p.metrics.RecordRetry()
			p.recordStatus(err)
			attrs := []slog.Attr{
				slog.Int("index", index),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			}
			if resetAt, ok := windowReset(err); ok {
				attrs = append(attrs, slog.Time("rate_limit_reset", resetAt))
			}
			p.logger.LogAttrs(ctx, slog.LevelInfo, "ポストの投稿をリトライします", attrs...)
			progress(Event{Kind: EventRetrying, Index: index, Total: total, Attempt: attempt + 1, Delay: delay, Err: err})
		},
	}

	return retry.Do(ctx, ex, func(ctx context.Context) (*xapi.CreatePostResponse, error) {
		resp, err := p.creator.CreatePost(ctx, cred, req)
		if errors.Is(err, xapi.ErrUnexpectedResponse) {
			// 2xxで作成済みの可能性があるため、重複投稿を避けてリトライしない
			return nil, retry.Permanent(err)
		}
		return resp, err
	})
}

// windowReset は429応答のレート制限ウィンドウのリセット時刻を取り出す。
func windowReset(err error) (time.Time, bool) {
	var httpErr retry.HTTPError
	if !errors.As(err, &httpErr) || httpErr.HTTPStatus() != http.StatusTooManyRequests {
		return time.Time{}, false
	}
	return retry.WindowReset(httpErr.HTTPHeader())
}

// fail はインデックスindexの失敗を台帳に記録し、先頭ポストか否かに応じたエラーを返す。
func (p *Publisher) fail(ledger *model.PublishLedger, index, total int, err error, progress ProgressFunc, start time.Time) (*model.PublishLedger, error) {
	reason := Reason(err)
	p.recordStatus(err)
	p.metrics.RecordPostFailure(reason)
	p.metrics.RecordPublishLatency(p.now().Sub(start))
	progress(Event{Kind: EventFailed, Index: index, Total: total, Err: err})

	if index == 0 {
		p.metrics.RecordThreadOutcome(metrics.OutcomeFailed)
		p.logger.Error("先頭ポストの投稿に失敗しました",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return ledger, &FirstPostError{Err: err}
	}

	ledger.Failed = append(ledger.Failed, model.FailedPost{
		Index:        index,
		ErrorMessage: err.Error(),
	})
	p.metrics.RecordThreadOutcome(metrics.OutcomePartial)
	p.logger.Error("スレッドの途中で投稿に失敗しました",
		slog.Int("index", index),
		slog.Int("published", len(ledger.Published)),
		slog.Int("total", total),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	return ledger, &PartialFailureError{Ledger: ledger, Total: total, Err: err}
}

// recordStatus はエラーがHTTPステータスを持つ場合に記録する。
func (p *Publisher) recordStatus(err error) {
	var httpErr retry.HTTPError
	if errors.As(err, &httpErr) {
		p.metrics.RecordHTTPStatus(httpErr.HTTPStatus())
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// nopMetrics はメトリクス未設定時に使用する空実装。
type nopMetrics struct{}

func (nopMetrics) RecordPostPublished()               {}
func (nopMetrics) RecordPostFailure(string)           {}
func (nopMetrics) RecordRetry()                       {}
func (nopMetrics) RecordMediaFailure()                {}
func (nopMetrics) RecordHTTPStatus(int)               {}
func (nopMetrics) RecordThreadOutcome(string)         {}
func (nopMetrics) RecordPublishLatency(time.Duration) {}
