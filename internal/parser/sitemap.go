package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/hitoshi/feedpipe/internal/model"
)

// sitemapURLSet はsitemap（Googleニュース拡張を含む）のurlset要素。
// 名前空間は問わずローカル名で対応付ける。
type sitemapURLSet struct {
	URLs []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc     string       `xml:"loc"`
	LastMod string       `xml:"lastmod"`
	News    *sitemapNews `xml:"news"`
}

type sitemapNews struct {
	Title           string `xml:"title"`
	PublicationDate string `xml:"publication_date"`
}

// parseSitemap はurlsetのエントリを項目に変換する。
// sitemapのエントリは要約と画像を持たず、日時はlastmod（ニュース拡張があれば公開日時）かURLから解決する。
func (p *Parser) parseSitemap(body []byte) ([]Item, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	var set sitemapURLSet
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: sitemap: %v", model.ErrParse, err)
	}

	items := make([]Item, 0, len(set.URLs))
	for _, entry := range set.URLs {
		loc := strings.TrimSpace(entry.Loc)
		u, err := url.Parse(loc)
		if loc == "" || err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}

		item := Item{
			Link:       loc,
			GUID:       loc,
			DateFields: make(map[string]string),
		}
		if lastmod := strings.TrimSpace(entry.LastMod); lastmod != "" {
			item.DateFields["lastmod"] = lastmod
		}
		if entry.News != nil {
			item.Title = p.text.StripTags(entry.News.Title)
			if pub := strings.TrimSpace(entry.News.PublicationDate); pub != "" {
				item.DateFields["published"] = pub
			}
		}
		if item.Title == "" {
			item.Title = titleFromSlug(u.Path)
		}
		items = append(items, item)
	}
	return items, nil
}

// titleFromSlug はURLパスの最後のセグメントから仮のタイトルを作る。
// "/news/2026/02/india-wins-the-cup.html" → "India wins the cup"
func titleFromSlug(p string) string {
	seg := path.Base(strings.TrimSuffix(p, "/"))
	if seg == "." || seg == "/" {
		return ""
	}
	if ext := path.Ext(seg); ext != "" && len(ext) <= 5 {
		seg = strings.TrimSuffix(seg, ext)
	}
	words := strings.FieldsFunc(seg, func(r rune) bool { return r == '-' || r == '_' || r == '+' })

	// 末尾の数値ID（例: "-123456"）は除く
	for len(words) > 1 && isDigits(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	if len(words) == 0 || (len(words) == 1 && isDigits(words[0])) {
		return ""
	}

	title := []rune(strings.Join(words, " "))
	title[0] = unicode.ToUpper(title[0])
	return string(title)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
