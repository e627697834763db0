package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// markupPattern はテキストにHTMLタグらしき部分が含まれるかを判定する。
	markupPattern = regexp.MustCompile(`<(?:[a-zA-Z][a-zA-Z0-9-]*|/[a-zA-Z][a-zA-Z0-9-]*|!--)[^<>]*>`)

	// blockBreakPattern は改行として扱うタグ。
	blockBreakPattern = regexp.MustCompile(`(?i)<br\s*/?>|</(?:p|div|li|h[1-6]|blockquote|pre|tr)\s*>`)

	trailingSpacePattern = regexp.MustCompile(`[ \t]+\n`)
)

// TextSanitizer は貼り付けられたHTMLから投稿用のプレーンテキストを取り出す。
// 段落や改行タグは改行に変換し、それ以外のタグは除去する。
// scriptやstyleの中身は出力に含まれない。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はテキストをプレーンテキスト化する。
// タグを含まない入力はエンティティも含めてそのまま返す。
func (s *TextSanitizer) Sanitize(text string) string {
	if !ContainsMarkup(text) {
		return text
	}

	withBreaks := blockBreakPattern.ReplaceAllString(text, "$0\n")
	stripped := s.policy.Sanitize(withBreaks)

	// bluemondayはテキストをHTMLエスケープして返すため元の文字に戻す
	plain := html.UnescapeString(stripped)
	plain = strings.ReplaceAll(plain, "\u00a0", " ")
	plain = trailingSpacePattern.ReplaceAllString(plain, "\n")
	return strings.TrimSpace(plain)
}

// ContainsMarkup はテキストにHTMLタグが含まれるかを返す。
func ContainsMarkup(text string) bool {
	return markupPattern.MatchString(text)
}
