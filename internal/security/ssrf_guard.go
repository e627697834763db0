// Package security は外部入力を扱う際の防御機能を提供する。
//
// SSRFGuard はユーザーが指定した画像URLの取得時に内部ネットワークへの到達を防ぎ、
// TextSanitizer は貼り付けられたHTMLを投稿用のプレーンテキストに変換する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrBlockedURL は画像URLが取得禁止の宛先を指していることを示す。
var ErrBlockedURL = errors.New("blocked image URL")

// defaultBlockedPrefixes は静的検証で拒否するアドレス範囲。
// 接続時の検証はsafeurlのDialerが解決後のIPに対して行う。
var defaultBlockedPrefixes = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// blockedHostSuffixes は内部向けとみなすホスト名のサフィックス。
var blockedHostSuffixes = []string{".localhost", ".local", ".internal"}

// SSRFGuard は画像取得用のHTTPクライアントとURLの事前検証を提供する。
type SSRFGuard struct {
	prefixes []netip.Prefix
	ports    []int
}

// NewSSRFGuard はSSRFGuardを生成する。
// 許可ポートは80と443のみ。
func NewSSRFGuard() *SSRFGuard {
	prefixes := make([]netip.Prefix, 0, len(defaultBlockedPrefixes))
	for _, cidr := range defaultBlockedPrefixes {
		prefixes = append(prefixes, netip.MustParsePrefix(cidr))
	}
	return &SSRFGuard{prefixes: prefixes, ports: []int{80, 443}}
}

// Client はsafeurlで保護されたHTTPクライアントを返す。
// DNS解決後のIPがプライベート・ループバック・リンクローカルの場合は接続前に拒否される。
// リダイレクト先も同じ検証を受ける。
func (g *SSRFGuard) Client(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(g.ports...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL は画像URLを送信前に静的検証する。
// DNS解決は行わないため、ホスト名経由の内部アドレスはClient側で防ぐ。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}

	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrBlockedURL)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	}

	if port := u.Port(); port != "" && !g.allowedPort(port) {
		return fmt.Errorf("%w: port %s", ErrBlockedURL, port)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, p := range g.prefixes {
			if p.Contains(addr) {
				return fmt.Errorf("%w: address %s", ErrBlockedURL, addr)
			}
		}
		return nil
	}

	if host == "localhost" {
		return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
		}
	}
	return nil
}

func (g *SSRFGuard) allowedPort(port string) bool {
	for _, p := range g.ports {
		if strconv.Itoa(p) == port {
			return true
		}
	}
	return false
}
