package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hitoshi/threadcraft/internal/model"
)

// pngHeader はPNGのシグネチャを含む最小のデータ。
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestParseImageRef(t *testing.T) {
	tests := []struct {
		source  string
		want    model.ImageKind
		wantErr bool
	}{
		{"data:image/png;base64,AAAA", model.ImageKindLocal, false},
		{"DATA:image/png;base64,AAAA", model.ImageKindLocal, false},
		{"https://example.com/a.png", model.ImageKindRemote, false},
		{"http://example.com/a.png", model.ImageKindRemote, false},
		{"blob:http://localhost/abc", "", true},
		{"file:///etc/passwd", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		ref, err := ParseImageRef(tt.source)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedSource) {
				t.Errorf("ParseImageRef(%q) は ErrUnsupportedSource を返すべき, got %v", tt.source, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseImageRef(%q) がエラーを返した: %v", tt.source, err)
			continue
		}
		if ref.Kind != tt.want {
			t.Errorf("ParseImageRef(%q).Kind = %s, want %s", tt.source, ref.Kind, tt.want)
		}
	}
}

func TestLoader_Load_DataURLBase64(t *testing.T) {
	l := NewLoader(http.DefaultClient, nil, 0)
	src := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)

	img, err := l.Load(context.Background(), model.ImageRef{Source: src, Kind: model.ImageKindLocal})
	if err != nil {
		t.Fatalf("Load がエラーを返した: %v", err)
	}
	if img.MediaType != "image/png" {
		t.Errorf("MediaType = %s, want image/png", img.MediaType)
	}
	if !bytes.Equal(img.Data, pngHeader) {
		t.Errorf("Data が元データと一致しない")
	}
}

func TestLoader_Load_DataURLWithoutMediaTypeIsDetected(t *testing.T) {
	l := NewLoader(http.DefaultClient, nil, 0)
	src := "data:;base64," + base64.StdEncoding.EncodeToString(pngHeader)

	img, err := l.Load(context.Background(), model.ImageRef{Source: src, Kind: model.ImageKindLocal})
	if err != nil {
		t.Fatalf("Load がエラーを返した: %v", err)
	}
	if img.MediaType != "image/png" {
		t.Errorf("MediaType = %s, want image/png (内容から判定)", img.MediaType)
	}
}

func TestLoader_Load_DataURLNotImage(t *testing.T) {
	l := NewLoader(http.DefaultClient, nil, 0)
	src := "data:text/plain,hello%20world"

	_, err := l.Load(context.Background(), model.ImageRef{Source: src, Kind: model.ImageKindLocal})
	if !errors.Is(err, ErrNotImage) {
		t.Errorf("ErrNotImage を返すべき, got %v", err)
	}
}

func TestLoader_Load_DataURLTooLarge(t *testing.T) {
	l := NewLoader(http.DefaultClient, nil, 8)
	src := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)

	_, err := l.Load(context.Background(), model.ImageRef{Source: src, Kind: model.ImageKindLocal})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("ErrTooLarge を返すべき, got %v", err)
	}
}

func TestLoader_Load_DataURLInvalidBase64(t *testing.T) {
	l := NewLoader(http.DefaultClient, nil, 0)
	_, err := l.Load(context.Background(), model.ImageRef{Source: "data:image/png;base64,@@@", Kind: model.ImageKindLocal})
	if err == nil {
		t.Error("不正なbase64はエラーを返すべき")
	}
}

func TestLoader_Load_Remote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		w.Write(pngHeader)
	}))
	defer server.Close()

	var validated string
	l := NewLoader(server.Client(), func(rawURL string) error {
		validated = rawURL
		return nil
	}, 0)

	img, err := l.Load(context.Background(), model.ImageRef{Source: server.URL + "/a.png", Kind: model.ImageKindRemote})
	if err != nil {
		t.Fatalf("Load がエラーを返した: %v", err)
	}
	if validated != server.URL+"/a.png" {
		t.Errorf("取得前にURLを検証すべき: validated = %q", validated)
	}
	if img.MediaType != "image/png" {
		t.Errorf("MediaType = %s, want image/png", img.MediaType)
	}
}

func TestLoader_Load_RemoteValidationRejects(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	l := NewLoader(server.Client(), func(rawURL string) error {
		return errors.New("blocked")
	}, 0)

	if _, err := l.Load(context.Background(), model.ImageRef{Source: server.URL, Kind: model.ImageKindRemote}); err == nil {
		t.Error("検証に失敗したURLはエラーを返すべき")
	}
	if called {
		t.Error("検証に失敗したURLへリクエストしてはならない")
	}
}

func TestLoader_Load_RemoteErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	l := NewLoader(server.Client(), nil, 0)
	if _, err := l.Load(context.Background(), model.ImageRef{Source: server.URL, Kind: model.ImageKindRemote}); err == nil {
		t.Error("404はエラーを返すべき")
	}
}

func TestLoader_Load_RemoteTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(bytes.Repeat([]byte{0xff}, 64))
	}))
	defer server.Close()

	l := NewLoader(server.Client(), nil, 16)
	_, err := l.Load(context.Background(), model.ImageRef{Source: server.URL, Kind: model.ImageKindRemote})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("ErrTooLarge を返すべき, got %v", err)
	}
}

func TestLoader_Load_UnknownKind(t *testing.T) {
	l := NewLoader(http.DefaultClient, nil, 0)
	_, err := l.Load(context.Background(), model.ImageRef{Source: "x", Kind: "other"})
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("ErrUnsupportedSource を返すべき, got %v", err)
	}
}

func TestTruncate_KeepsMultibyteRunesIntact(t *testing.T) {
	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{"短い文字列", "abc", 5, "abc"},
		{"ASCII", "abcdef", 3, "abc..."},
		{"日本語", "画像のURLです", 3, "画像の..."},
		{"絵文字", "🧵🧵🧵🧵", 2, "🧵🧵..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.s, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) は不正なUTF-8を返した: %q", tt.s, tt.n, got)
			}
		})
	}
}

func TestParseImageRef_UnsupportedSourceMessageIsValidUTF8(t *testing.T) {
	source := "ftp://" + strings.Repeat("画", 40)

	_, err := ParseImageRef(source)
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("ErrUnsupportedSource を返すべき, got %v", err)
	}
	if !utf8.ValidString(err.Error()) {
		t.Errorf("エラーメッセージが不正なUTF-8: %q", err.Error())
	}
}
