package publish

import "fmt"

// DefaultPromoTag は最後のポストに付与する宣伝タグ。
const DefaultPromoTag = "Made with ThreadCraft"

// Decorate は投稿本文に位置マーカー（"🧵 i/n"）を付与する。
// 最後のポストにはpromoTagも付与する（空の場合は付与しない）。
// indexは0始まり、totalはスレッドのポスト総数。
func Decorate(text string, index, total int, promoTag string) string {
	out := fmt.Sprintf("%s\n\n🧵 %d/%d", text, index+1, total)
	if index == total-1 && promoTag != "" {
		out += "\n" + promoTag
	}
	return out
}
