// Package extract は記事ページのHTMLから本文・代表画像・抜粋を抽出する。
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/hitoshi/feedpipe/internal/model"
)

// MinTextRunes は本文として扱う最小文字数。これ未満はmodel.ErrContentTooShort。
const MinTextRunes = 50

// Extracted は抽出結果。
type Extracted struct {
	HTML    string
	Text    string
	Image   string
	Excerpt string
}

// Extractor は記事本文の抽出器。
type Extractor struct{}

// New はExtractorを生成する。
func New() *Extractor {
	return &Extractor{}
}

// Extract はreadabilityで本文を抽出する。readabilityで十分な本文が得られない場合は
// 段落要素のテキストにフォールバックする。代表画像はog:image / twitter:image を優先する。
func (e *Extractor) Extract(body []byte, pageURL string) (Extracted, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return Extracted{}, fmt.Errorf("記事URLが不正です: %w", err)
	}

	var out Extracted
	article, rerr := readability.FromReader(bytes.NewReader(body), u)
	if rerr == nil {
		out.HTML = strings.TrimSpace(article.Content)
		out.Text = collapseSpaces(article.TextContent)
		out.Excerpt = collapseSpaces(article.Excerpt)
		out.Image = article.Image
	}

	doc, derr := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if derr == nil {
		if img := metaImage(doc); img != "" {
			out.Image = img
		}
		if utf8.RuneCountInString(out.Text) < MinTextRunes {
			if text := paragraphText(doc); utf8.RuneCountInString(text) > utf8.RuneCountInString(out.Text) {
				out.Text = text
			}
		}
		if out.Excerpt == "" {
			out.Excerpt, _ = doc.Find(`meta[name="description"]`).Attr("content")
			out.Excerpt = collapseSpaces(out.Excerpt)
		}
	}

	if utf8.RuneCountInString(out.Text) < MinTextRunes {
		if text := PlainText(string(body)); utf8.RuneCountInString(text) > utf8.RuneCountInString(out.Text) {
			out.Text = text
		}
	}

	if out.Image != "" {
		out.Image = absolute(u, out.Image)
	}

	if utf8.RuneCountInString(out.Text) < MinTextRunes {
		return out, fmt.Errorf("%w: %d文字", model.ErrContentTooShort, utf8.RuneCountInString(out.Text))
	}
	return out, nil
}

// metaImage はOGP/Twitterカードの画像URLを返す。
func metaImage(doc *goquery.Document) string {
	selectors := []string{
		`meta[property="og:image"]`,
		`meta[property="og:image:url"]`,
		`meta[name="twitter:image"]`,
		`meta[name="twitter:image:src"]`,
		`link[rel="image_src"]`,
	}
	for _, sel := range selectors {
		s := doc.Find(sel).First()
		for _, attr := range []string{"content", "href"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// paragraphText は記事本文らしい領域の段落テキストを連結する。
func paragraphText(doc *goquery.Document) string {
	scope := doc.Find("article").First()
	if scope.Length() == 0 {
		scope = doc.Find("main").First()
	}
	if scope.Length() == 0 {
		scope = doc.Find("body")
	}

	var parts []string
	scope.Find("p").Each(func(_ int, s *goquery.Selection) {
		if t := collapseSpaces(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n\n")
}

// PlainText はHTML文書から script/style/nav などを除いたテキストを返す。
func PlainText(document string) string {
	z := html.NewTokenizer(strings.NewReader(document))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpaces(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if skippedElements[string(name)] {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skippedElements[string(name)] && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true,
	"header": true, "footer": true, "aside": true, "form": true, "template": true,
	"title": true,
}

func absolute(base *url.URL, ref string) string {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	return base.ResolveReference(r).String()
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
