package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPError はHTTPステータスとヘッダーを持つエラー。
// APIクライアントのエラー型が実装し、Doがリトライ判定に使用する。
type HTTPError interface {
	error
	HTTPStatus() int
	HTTPHeader() http.Header
}

// Sleeper はコンテキストを考慮して指定時間待機する関数。
// テストでは実際に待機しない実装に差し替える。
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep はコンテキストのキャンセルを考慮してdだけ待機する。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor はDoの実行設定。
type Executor struct {
	Policy Policy
	// Sleep がnilの場合はSleepを使用する。
	Sleep Sleeper
	// OnRetry はリトライ待機の直前に呼ばれる（任意）。
	OnRetry func(attempt int, delay time.Duration, err error)
}

// permanentError はリトライしてはならないエラーを表すラッパー。
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent はerrをリトライ対象外としてマークする。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do はfnを実行し、失敗時はPolicy.NextActionの判定に従ってリトライする。
// 24時間上限に到達した場合は*QuotaExceededErrorを返し、それ以上リトライしない。
func Do[T any](ctx context.Context, ex Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	sleep := ex.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmt.Errorf("%w (last error: %v)", ctxErr, err)
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		status := 0
		var header http.Header
		var httpErr HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.HTTPStatus()
			header = httpErr.HTTPHeader()
		}

		decision := ex.Policy.NextAction(attempt, status, header)
		switch decision.Action {
		case ActionQuotaExceeded:
			return zero, &QuotaExceededError{ResetAt: decision.ResetAt, Err: err}
		case ActionRetry:
			if ex.OnRetry != nil {
				ex.OnRetry(attempt, decision.Delay, err)
			}
			if sleepErr := sleep(ctx, decision.Delay); sleepErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", sleepErr, err)
			}
		default:
			if attempt > 0 {
				return zero, fmt.Errorf("giving up after %d retries: %w", attempt, err)
			}
			return zero, err
		}
	}
}
