// Package model はドメインモデルを定義する。
package model

import "time"

// ImageKind は画像参照の取得元の種別を表す。
type ImageKind string

const (
	// ImageKindLocal はブラウザ側で読み込まれたdata: URLの画像を表す。
	ImageKindLocal ImageKind = "local"
	// ImageKindRemote はhttp(s) URLで参照される画像を表す。
	ImageKindRemote ImageKind = "remote"
)

// ImageRef はポストに添付する画像への参照。
// Publisherは一度だけ読み込んでアップロードに使用し、それ以降は参照を保持しない。
type ImageRef struct {
	Source string
	Kind   ImageKind
}

// PostDraft はスレッドを構成する1件のポスト下書き。
// Publisherに渡された時点で不変として扱う。
type PostDraft struct {
	Text  string
	Image *ImageRef
}

// ThreadDraft はポスト下書きの順序付きリスト。並び順がそのまま投稿順になる。
type ThreadDraft []PostDraft

// AuthCredential はプラットフォームAPI呼び出しに使用する認証情報。
// セッション層が所有し、Publisherは読み取り専用で使用する。
type AuthCredential struct {
	BearerToken  string
	RefreshToken string
	// AccessToken と AccessSecret はOAuth 1.0aユーザーコンテキスト署名用のトークン組（任意）。
	// 両方が設定されている場合のみメディアアップロードを署名する。
	AccessToken  string
	AccessSecret string
	ExpiresAt    time.Time
	// ErrorFlag はトークン更新に失敗したなど、認証情報が無効であることを示す。
	ErrorFlag bool
}

// Usable は認証情報がAPI呼び出しに使用可能かを返す。
func (c AuthCredential) Usable() bool {
	return !c.ErrorFlag && c.BearerToken != ""
}

// PublishedPost は投稿に成功したポストの記録。
type PublishedPost struct {
	Index     int    `json:"index"`
	PostID    string `json:"id"`
	Text      string `json:"text"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// FailedPost は投稿に失敗したポストの記録。
type FailedPost struct {
	Index        int    `json:"index"`
	ErrorMessage string `json:"error"`
}

// PublishLedger は1回の公開処理で蓄積される成功・失敗の記録。
// 永続化はしない。
type PublishLedger struct {
	Published []PublishedPost `json:"published"`
	Failed    []FailedPost    `json:"failed"`
}

// NewPublishLedger は空のPublishLedgerを生成する。
func NewPublishLedger() *PublishLedger {
	return &PublishLedger{
		Published: []PublishedPost{},
		Failed:    []FailedPost{},
	}
}

// LastPostID は最後に投稿に成功したポストのIDを返す。未投稿の場合は空文字列。
func (l *PublishLedger) LastPostID() string {
	if len(l.Published) == 0 {
		return ""
	}
	return l.Published[len(l.Published)-1].PostID
}
