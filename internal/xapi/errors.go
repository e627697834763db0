package xapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnexpectedResponse は2xx応答のボディが期待する形式でないことを示す。
var ErrUnexpectedResponse = errors.New("unexpected X API response")

// StatusError はX APIが2xx以外を返したことを示すエラー。
// retry.HTTPError を実装し、リトライ判定にステータスとヘッダーを提供する。
type StatusError struct {
	StatusCode int
	Header     http.Header
	// Detail はレスポンスボディから取り出したエラー内容。
	Detail string
}

// apiErrorBody はX APIのエラーレスポンス。v2形式とv1.1形式の両方を受け付ける。
type apiErrorBody struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"errors"`
}

func newStatusError(status int, header http.Header, body []byte) *StatusError {
	return &StatusError{
		StatusCode: status,
		Header:     header.Clone(),
		Detail:     parseErrorDetail(body),
	}
}

// maxDetailRunes はJSONでないエラーボディをDetailに残す最大文字数。
const maxDetailRunes = 200

// parseErrorDetail はエラーボディから人が読めるメッセージを組み立てる。
func parseErrorDetail(body []byte) string {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Detail != "" {
			return parsed.Detail
		}
		if parsed.Title != "" {
			return parsed.Title
		}
		if len(parsed.Errors) > 0 {
			msgs := make([]string, 0, len(parsed.Errors))
			for _, e := range parsed.Errors {
				msgs = append(msgs, e.Message)
			}
			return strings.Join(msgs, "; ")
		}
	}
	// マルチバイト文字の途中で切らないようrune単位で切り詰める
	text := []rune(strings.TrimSpace(string(body)))
	if len(text) > maxDetailRunes {
		text = text[:maxDetailRunes]
	}
	return string(text)
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("X API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("X API returned status %d: %s", e.StatusCode, e.Detail)
}

// HTTPStatus はHTTPステータスコードを返す。
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// HTTPHeader はレスポンスヘッダーを返す。
func (e *StatusError) HTTPHeader() http.Header { return e.Header }
