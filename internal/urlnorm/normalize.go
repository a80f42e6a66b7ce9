// Package urlnorm は記事URLを正規化し、安定した同一性ハッシュの入力を提供する。
package urlnorm

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams は常に除去するクエリパラメータ。
var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"dclid":   true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"igshid":  true,
	"ref":     true,
	"ref_src": true,
	"_ga":     true,
	"_gl":     true,
}

// Normalize はURLを正規化する。
//   - スキームをhttpsに統一
//   - ホスト名を小文字化
//   - フラグメントを除去
//   - utm_*等のトラッキングパラメータを除去し、残りをキー順にソート
//   - パス末尾のスラッシュを除去
//
// パースできない入力は前後の空白を除いて小文字化したものを返す。
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	// スキームなし（//example.com/...）の入力を補う
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	if port := u.Port(); port == "80" || port == "443" {
		u.Host = strings.ToLower(u.Hostname())
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	u.RawQuery = cleanQuery(u.Query())

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String()
}

// cleanQuery はトラッキングパラメータを除去し、キー順に並べたクエリ文字列を返す。
func cleanQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
