// Package segment は長文をプラットフォームの文字数上限に収まるポストの列に分割する。
// 外部状態を持たない純粋関数のみを提供する。
package segment

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf16"
)

// DefaultMaxLength はポスト1件あたりのデフォルト文字数上限。
const DefaultMaxLength = 280

var (
	// paragraphBreak は段落区切り（2つ以上連続する改行）。
	paragraphBreak = regexp.MustCompile(`\n{2,}`)
	// excessNewlines は3つ以上連続する改行。
	excessNewlines = regexp.MustCompile(`\n{3,}`)
)

// Length はプラットフォームの数え方（UTF-16コード単位）で文字数を返す。
func Length(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// Normalize は分割前の前処理を行う。
// 3つ以上連続する改行を2つにまとめ、全体の前後の空白を除去する。
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Segment はテキストをmaxLength以下のポストの列に分割する。
// maxLengthが0以下の場合はDefaultMaxLengthを使用する。
//
// 段落 → 文 → 単語の順に境界を探し、文はできるだけ1つのポストに詰める。
// 上限を超える文は空白区切りで分割する。上限を超える単語は単独で1件のポストになる。
// 空または空白のみの入力には空のスライスを返す。
func Segment(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	posts := []string{}
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			posts = append(posts, s)
		}
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		current := ""
		for _, sentence := range splitSentences(para) {
			if Length(strings.TrimSpace(current+sentence)) <= maxLength {
				current += sentence
				continue
			}

			emit(current)
			current = ""

			if Length(strings.TrimSpace(sentence)) <= maxLength {
				current = sentence
				continue
			}
			for _, chunk := range splitWords(sentence, maxLength) {
				emit(chunk)
			}
		}
		emit(current)
	}

	return posts
}

// splitSentences は段落を文単位に分割する。
// 末尾の句読点（. ! ?の連続）と後続の空白は文に含める。
// 句読点を含まない段落は1つの文として返す。
func splitSentences(para string) []string {
	runes := []rune(para)
	var sentences []string

	start := 0
	for i := 0; i < len(runes); {
		if !isTerminal(runes[i]) {
			i++
			continue
		}
		j := i
		for j < len(runes) && isTerminal(runes[j]) {
			j++
		}
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		sentences = append(sentences, string(runes[start:j]))
		start, i = j, j
	}
	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}

	return sentences
}

// splitWords は上限を超える文を空白区切りでmaxLength以下のチャンクに詰め直す。
func splitWords(sentence string, maxLength int) []string {
	var chunks []string
	current := ""
	for _, word := range strings.Split(strings.TrimSpace(sentence), " ") {
		if word == "" {
			continue
		}
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if Length(candidate) <= maxLength {
			current = candidate
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
		}
		current = word
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
