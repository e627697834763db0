// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, publish, system
	Action   string // ユーザー向け対処方法
	Details  any    // 追加情報（部分失敗時の投稿結果など）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated      = "UNAUTHENTICATED"
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeQuotaExceeded        = "QUOTA_EXCEEDED"
	ErrCodeFirstPostFailed      = "FIRST_POST_FAILED"
	ErrCodePartialThreadFailure = "PARTIAL_THREAD_FAILURE"
	ErrCodeImproveFailed        = "IMPROVE_FAILED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  fmt.Sprintf("認証が必要です: %s", reason),
		Category: "auth",
		Action:   "Xアカウントで再度サインインしてください。",
	}
}

// NewInvalidInputError は入力不正エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "スレッドは1件以上のポストを含む配列で送信してください。",
	}
}

// NewQuotaExceededError は24時間の投稿上限に達した場合のエラーを生成する。
// resetAtがゼロ値の場合はリセット時刻を表示しない。
func NewQuotaExceededError(resetAt time.Time) *APIError {
	msg := "24時間あたりの投稿上限に達しました。"
	if !resetAt.IsZero() {
		msg = fmt.Sprintf("24時間あたりの投稿上限に達しました。リセット時刻: %s", resetAt.UTC().Format(time.RFC1123))
	}
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  msg,
		Category: "publish",
		Action:   "リセット時刻を過ぎてから再度お試しください。",
	}
}

// NewFirstPostFailedError は先頭ポストの投稿失敗エラーを生成する。
// この場合、スレッドは1件も投稿されていない。
func NewFirstPostFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFirstPostFailed,
		Message:  fmt.Sprintf("スレッドを投稿できませんでした: %s", reason),
		Category: "publish",
		Action:   "何も投稿されていません。しばらく待ってから再度お試しください。",
	}
}

// NewPartialThreadFailureError はスレッドの途中で投稿が失敗した場合のエラーを生成する。
func NewPartialThreadFailureError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodePartialThreadFailure,
		Message:  detail,
		Category: "publish",
		Action:   "投稿済みのポストを確認し、失敗した位置から再開してください。",
	}
}

// NewImproveFailedError はAIによる書き換えの失敗エラーを生成する。
func NewImproveFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeImproveFailed,
		Message:  fmt.Sprintf("AIによる書き換えに失敗しました: %s", reason),
		Category: "system",
		Action:   "APIキーと設定を確認し、再度お試しください。",
	}
}
