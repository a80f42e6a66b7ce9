// Package parser はRSS/Atom/Sitemapの生XMLを正規化されたフィード項目に変換する。
package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"golang.org/x/net/html"

	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/security"
)

// SummaryMaxRunes は要約の最大文字数。
const SummaryMaxRunes = 300

// Shape はフィード文書の形式。
type Shape string

const (
	ShapeRSS     Shape = "rss"
	ShapeAtom    Shape = "atom"
	ShapeSitemap Shape = "sitemap"
	ShapeUnknown Shape = ""
)

// Item は正規化されたフィード項目。
// 公開日時は解決前の生文字列としてDateFieldsに保持し、dates.Resolverに渡す。
type Item struct {
	Title       string
	Link        string
	GUID        string
	Summary     string
	Image       string
	Description string            // 相対日付表現の検出と画像抽出に使う生の説明文
	DateFields  map[string]string // pubDate, published, dc:date, date, updated, lastmod
}

// Parser はフィード文書のパーサー。
type Parser struct {
	text *security.TextSanitizer
}

// New はParserを生成する。
func New() *Parser {
	return &Parser{text: security.NewTextSanitizer()}
}

// Parse は文書の形式を判定し、形式ごとの規則で項目を抽出する。
// 解析できない文書は空のスライスとmodel.ErrParseを返す。呼び出し側はこれを致命的エラーとしない。
// URLを解決できない項目は破棄する。
func (p *Parser) Parse(body []byte) ([]Item, Shape, error) {
	shape, err := DetectShape(body)
	if err != nil {
		return []Item{}, ShapeUnknown, err
	}

	var items []Item
	switch shape {
	case ShapeSitemap:
		items, err = p.parseSitemap(body)
	default:
		items, err = p.parseFeed(body, shape)
	}
	if err != nil {
		return []Item{}, shape, err
	}
	return items, shape, nil
}

// DetectShape はXMLのルート要素から文書の形式を判定する。
func DetectShape(body []byte) (Shape, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }

	for {
		tok, err := dec.Token()
		if err != nil {
			return ShapeUnknown, fmt.Errorf("%w: ルート要素が見つかりません: %v", model.ErrParse, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch strings.ToLower(start.Name.Local) {
		case "rss", "rdf":
			return ShapeRSS, nil
		case "feed":
			return ShapeAtom, nil
		case "urlset":
			return ShapeSitemap, nil
		default:
			return ShapeUnknown, fmt.Errorf("%w: 未対応のルート要素 <%s>", model.ErrParse, start.Name.Local)
		}
	}
}

// parseFeed はgofeedでRSS/Atomを解析する。
func (p *Parser) parseFeed(body []byte, shape Shape) ([]Item, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrParse, err)
	}

	var base *url.URL
	if feed.Link != "" {
		base, _ = url.Parse(feed.Link)
	}

	items := make([]Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		if fi == nil {
			continue
		}
		link := resolveLink(fi, base)
		if link == "" {
			continue
		}

		item := Item{
			Title:       p.text.StripTags(fi.Title),
			Link:        link,
			GUID:        strings.TrimSpace(fi.GUID),
			Description: fi.Description,
			Image:       extractImage(fi),
			DateFields:  dateFields(fi, shape),
		}
		if item.GUID == "" {
			item.GUID = link
		}

		// content:encoded / content を description より優先する
		source := fi.Content
		if strings.TrimSpace(source) == "" {
			source = fi.Description
		}
		item.Summary = security.Truncate(p.text.StripTags(source), SummaryMaxRunes)

		items = append(items, item)
	}
	return items, nil
}

// resolveLink は項目のURLを決定する。linkがなければURL形式のGUIDを使い、相対URLはフィードのURLを基準に解決する。
func resolveLink(fi *gofeed.Item, base *url.URL) string {
	candidates := []string{fi.Link}
	candidates = append(candidates, fi.Links...)
	candidates = append(candidates, fi.GUID)

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		u, err := url.Parse(c)
		if err != nil {
			continue
		}
		if !u.IsAbs() {
			if base == nil || c == fi.GUID {
				continue
			}
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		if u.Host == "" {
			continue
		}
		return u.String()
	}
	return ""
}

// dateFields はgofeedの項目から日時の生文字列を取り出す。
func dateFields(fi *gofeed.Item, shape Shape) map[string]string {
	fields := make(map[string]string)
	if fi.Published != "" {
		if shape == ShapeAtom {
			fields["published"] = fi.Published
		} else {
			fields["pubDate"] = fi.Published
		}
	}
	if fi.Updated != "" {
		fields["updated"] = fi.Updated
	}
	if fi.DublinCoreExt != nil && len(fi.DublinCoreExt.Date) > 0 {
		fields["dc:date"] = fi.DublinCoreExt.Date[0]
	}
	if v, ok := fi.Custom["date"]; ok && v != "" {
		fields["date"] = v
	}
	return fields
}

// extractImage は画像URLを media:content → enclosure（画像MIME） → image要素 → 説明文HTMLのimg src の順で探す。
func extractImage(fi *gofeed.Item) string {
	if media, ok := fi.Extensions["media"]; ok {
		for _, key := range []string{"content", "thumbnail", "group"} {
			for _, e := range media[key] {
				if src := mediaURL(e); src != "" {
					return src
				}
			}
		}
	}

	for _, enc := range fi.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(enc.Type), "image/") {
			return enc.URL
		}
	}

	if fi.Image != nil && fi.Image.URL != "" {
		return fi.Image.URL
	}

	if src := FirstImageSrc(fi.Description); src != "" {
		return src
	}
	return FirstImageSrc(fi.Content)
}

// mediaURL はmedia拡張要素（media:groupの子要素を含む）から画像URLを取り出す。
func mediaURL(e ext.Extension) string {
	if src := e.Attrs["url"]; src != "" {
		medium := strings.ToLower(e.Attrs["medium"])
		mimeType := strings.ToLower(e.Attrs["type"])
		if (medium == "" && mimeType == "") || medium == "image" || strings.HasPrefix(mimeType, "image/") {
			return src
		}
	}
	for _, children := range e.Children {
		for _, child := range children {
			if src := mediaURL(child); src != "" {
				return src
			}
		}
	}
	return ""
}

// FirstImageSrc はHTML断片中の最初のimg要素のsrc属性を返す。
func FirstImageSrc(fragment string) string {
	if !strings.Contains(fragment, "<img") && !strings.Contains(fragment, "<IMG") {
		return ""
	}
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "img" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "src" && len(val) > 0 {
					return strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}
		}
	}
}
