package publish

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/threadcraft/internal/model"
	"github.com/hitoshi/threadcraft/internal/retry"
	"github.com/hitoshi/threadcraft/internal/xapi"
)

var (
	// ErrUnauthenticated は認証情報が存在しない、またはエラー状態であることを示す。
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidInput はスレッドが空、または不正な形式であることを示す。
	ErrInvalidInput = errors.New("invalid thread input")
	// ErrQuotaExceeded は24時間の投稿上限に到達したことを示す。
	// 具体的なリセット時刻は *retry.QuotaExceededError から取得できる。
	ErrQuotaExceeded = retry.ErrQuotaExceeded
)

// FirstPostError は先頭ポストの投稿に失敗したことを示す。
// この場合、スレッドは1件も投稿されていない。
type FirstPostError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *FirstPostError) Error() string {
	return fmt.Sprintf("failed to publish first post (index 0): %v", e.Err)
}

// Unwrap は元のエラーを返す。
func (e *FirstPostError) Unwrap() error {
	return e.Err
}

// PartialFailureError は先頭ポスト以降の投稿に失敗し、スレッドが途中まで投稿されたことを示す。
// Ledgerには投稿済みと失敗したポストの両方が含まれる。
type PartialFailureError struct {
	Ledger *model.PublishLedger
	// Total はスレッドのポスト総数。
	Total int
	// Err は最後に失敗したポストのエラー。
	Err error
}

// Error は失敗したポストのインデックスと理由をすべて列挙する。
// インデックスは台帳と同じ0始まりで、括弧内に何件目かを併記する。
func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Ledger.Failed))
	for _, f := range e.Ledger.Failed {
		parts = append(parts, fmt.Sprintf("post index %d (%d of %d): %s", f.Index, f.Index+1, e.Total, f.ErrorMessage))
	}
	return fmt.Sprintf("thread partially published (%d of %d posts); failed %s",
		len(e.Ledger.Published), e.Total, strings.Join(parts, "; "))
}

// Unwrap は最後に失敗したポストのエラーを返す。
func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// 投稿失敗の理由（メトリクスのラベル）
const (
	ReasonQuotaExceeded      = "quota_exceeded"
	ReasonUnauthorized       = "unauthorized"
	ReasonRateLimited        = "rate_limited"
	ReasonServerError        = "server_error"
	ReasonClientError        = "client_error"
	ReasonUnexpectedResponse = "unexpected_response"
	ReasonCanceled           = "canceled"
	ReasonNetwork            = "network"
)

// Reason はエラーを投稿失敗の理由に分類する。
func Reason(err error) string {
	var statusErr *xapi.StatusError
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return ReasonQuotaExceeded
	case errors.Is(err, xapi.ErrUnexpectedResponse):
		return ReasonUnexpectedResponse
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized:
			return ReasonUnauthorized
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ReasonRateLimited
		case statusErr.StatusCode >= 500:
			return ReasonServerError
		default:
			return ReasonClientError
		}
	case isCanceled(err):
		return ReasonCanceled
	default:
		return ReasonNetwork
	}
}
