// Package quality はクリックベイト・プレスリリース・文字数不足の判定と品質スコアを提供する。
package quality

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hitoshi/feedpipe/internal/model"
)

const (
	// PointsPerPattern はクリックベイトパターン1件あたりの加点。
	PointsPerPattern = 20
	// MaxClickbaitScore はクリックベイトスコアの上限。
	MaxClickbaitScore = 100
	// ClickbaitThreshold はクリックベイトとみなすスコア。
	ClickbaitThreshold = 40
	// DefaultMinWordCount は本文の最小語数。
	DefaultMinWordCount = 100

	pressReleasePenalty = 50
	tooShortPenalty     = 30
)

// defaultClickbaitPatterns は大文字小文字を区別しないクリックベイトの見出しパターン。
var defaultClickbaitPatterns = []string{
	`you won'?t believe`,
	`\bshocking\b`,
	`\bthis is why\b`,
	`what happened next`,
	`\bnumber \d+ will\b`,
	`^\d+\s+(reasons|things|ways|tricks|secrets|facts)\b`,
	`will blow your mind`,
	`doctors hate`,
	`\bone (weird|simple) trick\b`,
	`jaw[- ]?dropping`,
	`\bgoes viral\b`,
	`\bmust (see|watch)\b`,
	`\bunbelievable\b`,
	`\bhere'?s (why|what|how)\b`,
	`\bomg\b`,
	`[!?]{2,}`,
}

// defaultPressReleasePhrases はプレスリリースの定型句（小文字）。
var defaultPressReleasePhrases = []string{
	"for immediate release",
	"press release",
	"prnewswire",
	"business wire",
	"businesswire",
	"globe newswire",
	"globenewswire",
	"forward-looking statements",
	"media contact",
	"about the company",
}

// Config は判定ルールの追加設定。既定のルールに追加される。
type Config struct {
	ClickbaitPatterns   []string
	PressReleasePhrases []string
	MinWordCount        int
}

// Filters は品質判定器。生成後は読み取り専用のため並行利用できる。
type Filters struct {
	clickbait    []*regexp.Regexp
	pressRelease []string
	minWords     int
}

// NewFilters は既定のルールに設定のルールを加えてFiltersを生成する。
func NewFilters(cfg Config) (*Filters, error) {
	f := &Filters{minWords: DefaultMinWordCount}
	if cfg.MinWordCount > 0 {
		f.minWords = cfg.MinWordCount
	}

	for _, p := range append(append([]string{}, defaultClickbaitPatterns...), cfg.ClickbaitPatterns...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("クリックベイトパターンが不正です %q: %w", p, err)
		}
		f.clickbait = append(f.clickbait, re)
	}

	for _, phrase := range append(append([]string{}, defaultPressReleasePhrases...), cfg.PressReleasePhrases...) {
		if phrase = strings.ToLower(strings.TrimSpace(phrase)); phrase != "" {
			f.pressRelease = append(f.pressRelease, phrase)
		}
	}
	return f, nil
}

// MustNewFilters は既定のルールのみでFiltersを生成する。
func MustNewFilters() *Filters {
	f, err := NewFilters(Config{})
	if err != nil {
		panic(err)
	}
	return f
}

// MinWordCount は設定された最小語数を返す。
func (f *Filters) MinWordCount() int {
	return f.minWords
}

// IsClickbait は一致したパターン数×20点（上限100）をスコアとし、40点以上でtrueを返す。
func (f *Filters) IsClickbait(title string) (bool, int) {
	score := 0
	for _, re := range f.clickbait {
		if re.MatchString(title) {
			score += PointsPerPattern
		}
	}
	if score > MaxClickbaitScore {
		score = MaxClickbaitScore
	}
	return score >= ClickbaitThreshold, score
}

// IsPressRelease はタイトルまたは本文にプレスリリースの定型句が含まれるかを返す。
func (f *Filters) IsPressRelease(title, content string) bool {
	haystack := strings.ToLower(title + "\n" + content)
	for _, phrase := range f.pressRelease {
		if strings.Contains(haystack, phrase) {
			return true
		}
	}
	return false
}

// HasMinWordCount は語数がminWords以上かを返す。minWordsが0以下なら設定値を使う。
func (f *Filters) HasMinWordCount(text string, minWords int) (bool, int) {
	if minWords <= 0 {
		minWords = f.minWords
	}
	n := len(strings.Fields(text))
	return n >= minWords, n
}

// Assessment は品質判定の結果。
type Assessment struct {
	ClickbaitScore int
	IsClickbait    bool
	IsPressRelease bool
	TooShort       bool
	WordCount      int
	Score          int
	Lifecycle      model.Lifecycle
}

// Reasons はブロック理由を返す。
func (a Assessment) Reasons() []string {
	var reasons []string
	if a.IsClickbait {
		reasons = append(reasons, "clickbait")
	}
	if a.IsPressRelease {
		reasons = append(reasons, "press_release")
	}
	if a.TooShort {
		reasons = append(reasons, "too_short")
	}
	return reasons
}

// Evaluate はタイトルと本文を判定する。
// score = max(0, 100 − clickbaitScore − (プレスリリース ? 50 : 0) − (語数不足 ? 30 : 0))
// いずれかに該当すればblocked、それ以外はpublished。
func (f *Filters) Evaluate(title, content string) Assessment {
	var a Assessment
	a.IsClickbait, a.ClickbaitScore = f.IsClickbait(title)
	a.IsPressRelease = f.IsPressRelease(title, content)

	var enough bool
	enough, a.WordCount = f.HasMinWordCount(content, f.minWords)
	a.TooShort = !enough

	score := 100 - a.ClickbaitScore
	if a.IsPressRelease {
		score -= pressReleasePenalty
	}
	if a.TooShort {
		score -= tooShortPenalty
	}
	if score < 0 {
		score = 0
	}
	a.Score = score

	if a.IsClickbait || a.IsPressRelease || a.TooShort {
		a.Lifecycle = model.LifecycleBlocked
	} else {
		a.Lifecycle = model.LifecyclePublished
	}
	return a
}
