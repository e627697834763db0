// Package media は投稿に添付する画像の読み込みとアップロードを提供する。
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/threadcraft/internal/model"
)

// DefaultMaxSize は読み込む画像の最大サイズ（5MB）。
const DefaultMaxSize = 5 * 1024 * 1024

var (
	// ErrUnsupportedSource は画像ソースがdata: URLでもhttp(s) URLでもないことを示す。
	ErrUnsupportedSource = errors.New("unsupported image source")
	// ErrTooLarge は画像が最大サイズを超えていることを示す。
	ErrTooLarge = errors.New("image exceeds maximum size")
	// ErrNotImage は読み込んだデータが画像でないことを示す。
	ErrNotImage = errors.New("source is not an image")
)

// Image は読み込み済みの画像データ。
type Image struct {
	Data      []byte
	MediaType string
}

// ParseImageRef は画像ソース文字列を種別付きのImageRefに変換する。
// data: URLはローカル画像、http(s) URLはリモート画像として扱う。
func ParseImageRef(source string) (model.ImageRef, error) {
	source = strings.TrimSpace(source)
	lower := strings.ToLower(source)
	switch {
	case strings.HasPrefix(lower, "data:"):
		return model.ImageRef{Source: source, Kind: model.ImageKindLocal}, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return model.ImageRef{Source: source, Kind: model.ImageKindRemote}, nil
	default:
		return model.ImageRef{}, fmt.Errorf("%w: %q", ErrUnsupportedSource, truncate(source, 32))
	}
}

// Loader は画像ソースからバイト列とメディアタイプを取得する。
type Loader struct {
	httpClient *http.Client
	// validate はリモート取得前のURL事前検証（任意）。
	validate func(rawURL string) error
	maxSize  int64
}

// NewLoader はLoaderの新しいインスタンスを生成する。
// httpClientにはSSRF防止機能付きのクライアントを渡す。
func NewLoader(httpClient *http.Client, validate func(rawURL string) error, maxSize int64) *Loader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Loader{
		httpClient: httpClient,
		validate:   validate,
		maxSize:    maxSize,
	}
}

// Load はImageRefの種別に応じて画像を読み込む。
func (l *Loader) Load(ctx context.Context, ref model.ImageRef) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch ref.Kind {
	case model.ImageKindLocal:
		img, err = l.decodeDataURL(ref.Source)
	case model.ImageKindRemote:
		img, err = l.fetch(ctx, ref.Source)
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedSource, ref.Kind)
	}
	if err != nil {
		return nil, err
	}

	if len(img.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrNotImage)
	}
	if !strings.HasPrefix(img.MediaType, "image/") {
		img.MediaType = http.DetectContentType(img.Data)
		if !strings.HasPrefix(img.MediaType, "image/") {
			return nil, fmt.Errorf("%w: %s", ErrNotImage, img.MediaType)
		}
	}
	return img, nil
}

// decodeDataURL は data:[<mediatype>][;base64],<data> 形式をデコードする。
func (l *Loader) decodeDataURL(raw string) (*Image, error) {
	rest, ok := cutPrefixFold(raw, "data:")
	if !ok {
		return nil, fmt.Errorf("%w: data: URLではありません", ErrUnsupportedSource)
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return nil, fmt.Errorf("data: URLの形式が不正です")
	}

	isBase64 := false
	mediaType := ""
	for i, part := range strings.Split(meta, ";") {
		part = strings.TrimSpace(part)
		if i == 0 {
			mediaType = strings.ToLower(part)
			continue
		}
		if strings.EqualFold(part, "base64") {
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		if int64(base64.StdEncoding.DecodedLen(len(payload))) > l.maxSize+2 {
			return nil, ErrTooLarge
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("data: URLのbase64デコードに失敗しました: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("data: URLのデコードに失敗しました: %w", err)
		}
		data = []byte(unescaped)
	}

	if int64(len(data)) > l.maxSize {
		return nil, ErrTooLarge
	}
	return &Image{Data: data, MediaType: mediaType}, nil
}

// fetch はリモート画像をHTTP GETで取得する。
func (l *Loader) fetch(ctx context.Context, rawURL string) (*Image, error) {
	if l.validate != nil {
		if err := l.validate(rawURL); err != nil {
			return nil, fmt.Errorf("画像URLが安全ではありません: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("画像の取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("画像の取得でステータス %d が返されました", resp.StatusCode)
	}

	// 上限+1バイトまで読み、超過を検出する
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("画像の読み取りに失敗しました: %w", err)
	}
	if int64(len(data)) > l.maxSize {
		return nil, ErrTooLarge
	}

	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0]))
	return &Image{Data: data, MediaType: mediaType}, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// truncate はsを先頭n文字（rune単位）に切り詰める。
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
