package security

import (
	"strings"
	"testing"
)

func TestTextSanitizer_Sanitize(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "プレーンテキストはそのまま",
			input: "これはプレーンテキストです。",
			want:  "これはプレーンテキストです。",
		},
		{
			name:  "タグのないエンティティ表記は変換しない",
			input: "AT&amp;T は &lt;3 を送った",
			want:  "AT&amp;T は &lt;3 を送った",
		},
		{
			name:  "不等号だけの文はタグとみなさない",
			input: "1 < 2 and 3 > 2",
			want:  "1 < 2 and 3 > 2",
		},
		{
			name:  "インラインタグを除去",
			input: "<strong>太字</strong>と<em>斜体</em>",
			want:  "太字と斜体",
		},
		{
			name:  "段落は改行になる",
			input: "<p>一段落目</p><p>二段落目</p>",
			want:  "一段落目\n二段落目",
		},
		{
			name:  "brは改行になる",
			input: "行1<br>行2<br/>行3",
			want:  "行1\n行2\n行3",
		},
		{
			name:  "エンティティを文字に戻す",
			input: "<p>Tom &amp; Jerry &quot;quoted&quot;</p>",
			want:  `Tom & Jerry "quoted"`,
		},
		{
			name:  "scriptの中身は含まない",
			input: "<p>本文</p><script>alert('xss')</script>",
			want:  "本文",
		},
		{
			name:  "リンクはテキストのみ残す",
			input: `<a href="https://example.com" onclick="x()">リンク</a>`,
			want:  "リンク",
		},
		{
			name:  "nbspは空白になる",
			input: "<span>A&nbsp;B</span>",
			want:  "A B",
		},
		{
			name:  "空文字列",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_RemovesAllMarkup(t *testing.T) {
	sanitizer := NewTextSanitizer()

	payloads := []string{
		`<img src=x onerror=alert(1)>キャプション`,
		`<iframe src="https://evil.example"></iframe>本文`,
		`<div style="color:red"><svg onload=alert(1)></svg>本文</div>`,
		`<!-- comment -->本文`,
	}
	for _, p := range payloads {
		got := sanitizer.Sanitize(p)
		if ContainsMarkup(got) {
			t.Errorf("Sanitize(%q) = %q, markup remains", p, got)
		}
		if strings.Contains(got, "alert") {
			t.Errorf("Sanitize(%q) = %q, script content remains", p, got)
		}
	}
}

func TestContainsMarkup(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"plain text", false},
		{"a <b> c", true},
		{"</p>", true},
		{"<3 you", false},
		{"x < y", false},
		{"<!-- c -->", true},
	}
	for _, tt := range tests {
		if got := ContainsMarkup(tt.input); got != tt.want {
			t.Errorf("ContainsMarkup(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
