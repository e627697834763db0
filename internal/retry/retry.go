// Package retry はプラットフォームAPIの応答に対するリトライ判定と、
// 指数バックオフ付きの有限回リトライ実行を提供する。
package retry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Action はAPI応答に対して次に取るべき行動の分類。
type Action int

const (
	// ActionDone は成功応答（2xx）でありリトライ不要。
	ActionDone Action = iota
	// ActionRetry はDecision.Delayだけ待機して同じリクエストを再試行する。
	ActionRetry
	// ActionAbort はリトライせず失敗として扱う。
	ActionAbort
	// ActionQuotaExceeded は24時間の投稿上限に到達しており、リトライしても回復しない。
	ActionQuotaExceeded
)

// String はActionの名前を返す。
func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionRetry:
		return "retry"
	case ActionAbort:
		return "abort"
	case ActionQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// レート制限ヘッダー
const (
	HeaderRateLimitRemaining = "X-Rate-Limit-Remaining"
	HeaderRateLimitReset     = "X-Rate-Limit-Reset"

	HeaderUserLimit24hRemaining = "X-User-Limit-24hour-Remaining"
	HeaderUserLimit24hReset     = "X-User-Limit-24hour-Reset"
	HeaderAppLimit24hRemaining  = "X-App-Limit-24hour-Remaining"
	HeaderAppLimit24hReset      = "X-App-Limit-24hour-Reset"
)

// Policy はリトライとバックオフの設定値。
// 遅延は BaseDelay × Multiplier^attempt で計算する。
type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	// MaxRetries は初回試行に続くリトライの最大回数。試行回数の上限は MaxRetries+1。
	MaxRetries int
}

// DefaultPolicy はデフォルトのリトライ設定を返す。
// 初回1秒、2倍ずつ増加、最大3回リトライ。
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxRetries: 3,
	}
}

// normalized は不正な設定値を補正したPolicyを返す。
func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay はattempt回目（0始まり）のリトライ前に待機する時間を返す。
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
}

// Decision はNextActionの判定結果。
type Decision struct {
	Action Action
	// Delay はActionRetryの場合の待機時間。
	Delay time.Duration
	// ResetAt はActionQuotaExceededの場合の上限リセット時刻。ヘッダーがなければゼロ値。
	ResetAt time.Time
}

// NextAction はHTTPステータスとヘッダー、これまでのリトライ回数から次の行動を決定する。
// attemptはこれまでに実施したリトライの回数（初回失敗時は0）。
// statusが0の場合はネットワークエラーなど応答のない失敗として扱う。
//
//   - 2xx: ActionDone
//   - 429 かつ 24時間上限の残数が0: 回数に関係なく ActionQuotaExceeded
//   - 401: 認証情報が無効なため ActionAbort
//   - その他: リトライ回数が残っていれば ActionRetry、なければ ActionAbort
func (p Policy) NextAction(attempt, status int, header http.Header) Decision {
	p = p.normalized()

	switch {
	case status >= 200 && status < 300:
		return Decision{Action: ActionDone}
	case status == http.StatusTooManyRequests:
		if resetAt, exhausted := QuotaExhausted(header); exhausted {
			return Decision{Action: ActionQuotaExceeded, ResetAt: resetAt}
		}
	case status == http.StatusUnauthorized:
		return Decision{Action: ActionAbort}
	}

	if attempt >= p.MaxRetries {
		return Decision{Action: ActionAbort}
	}
	return Decision{Action: ActionRetry, Delay: p.Delay(attempt)}
}

// QuotaExhausted は24時間の投稿上限（ユーザー単位またはアプリ単位）の残数が0かを判定する。
// 上限に達している場合はリセット時刻も返す。
func QuotaExhausted(header http.Header) (time.Time, bool) {
	if header == nil {
		return time.Time{}, false
	}
	pairs := [][2]string{
		{HeaderUserLimit24hRemaining, HeaderUserLimit24hReset},
		{HeaderAppLimit24hRemaining, HeaderAppLimit24hReset},
	}
	for _, pair := range pairs {
		remaining := header.Get(pair[0])
		if remaining == "" {
			continue
		}
		n, err := strconv.Atoi(remaining)
		if err != nil || n > 0 {
			continue
		}
		return parseUnixHeader(header.Get(pair[1])), true
	}
	return time.Time{}, false
}

// WindowReset は15分単位のレート制限ウィンドウを使い切っている場合に、そのリセット時刻を返す。
// 24時間上限とは異なりリトライの判定には使わず、ログに残すためのもの。
func WindowReset(header http.Header) (time.Time, bool) {
	if header == nil || header.Get(HeaderRateLimitRemaining) != "0" {
		return time.Time{}, false
	}
	resetAt := parseUnixHeader(header.Get(HeaderRateLimitReset))
	return resetAt, !resetAt.IsZero()
}

// parseUnixHeader はUNIX秒のヘッダー値をtime.Timeに変換する。不正値はゼロ値。
func parseUnixHeader(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// ErrQuotaExceeded は24時間の投稿上限に到達したことを示す。
var ErrQuotaExceeded = errors.New("24-hour post quota exceeded")

// QuotaExceededError はリセット時刻付きの上限到達エラー。
// errors.Is(err, ErrQuotaExceeded) で判定できる。
type QuotaExceededError struct {
	ResetAt time.Time
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *QuotaExceededError) Error() string {
	if e.ResetAt.IsZero() {
		return ErrQuotaExceeded.Error()
	}
	return fmt.Sprintf("%s: resets at %s", ErrQuotaExceeded.Error(), e.ResetAt.UTC().Format(time.RFC1123))
}

// Is はErrQuotaExceededとの比較を可能にする。
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Unwrap は元になったAPIエラーを返す。
func (e *QuotaExceededError) Unwrap() error {
	return e.Err
}
