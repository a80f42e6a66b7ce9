// Package dates はフィード項目の公開日時を複数の手がかりから決定する。
//
// 優先順位（先に妥当な値が得られたものを採用する）:
//  1. 標準フィールド（pubDate/published/dc:date/date/updated/lastmod）
//  2. URLに埋め込まれた日付（/YYYYMMDD/, /YYYY/MM/DD/, /YYYY-MM-DD/）
//  3. URLに埋め込まれたUNIXタイムスタンプ
//  4. GUID内のYYYYMMDD
//  5. 説明文先頭100文字の相対表現（"3 hours ago" など）
//
// 解決できない場合はnilを返す。呼び出し側はnilを「比較不能」として扱うこと。
package dates

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// DefaultTimezoneOffset はタイムゾーン表記のない日時に適用するオフセット（IST, +05:30）。
// 配信元の大半がインドの媒体であるという運用上の判断による。
const DefaultTimezoneOffset = 5*time.Hour + 30*time.Minute

const (
	// maxAge は受け入れる公開日時の下限（現在から20年前）。
	maxAge = 20
	// maxFutureSkew は受け入れる公開日時の上限（現在から24時間後）。
	maxFutureSkew = 24 * time.Hour
	// urlDisagreement はRSS日時とURL日付の食い違いとみなす閾値。
	urlDisagreement = 12 * time.Hour
	// relativeWindow は相対表現を探す説明文の先頭文字数。
	relativeWindow = 100
)

// StandardFields は標準フィールドの参照順。
var StandardFields = []string{"pubDate", "published", "dc:date", "date", "updated", "lastmod"}

// Input は公開日時の解決に使う項目の生データ。
type Input struct {
	SourceID    string
	Fields      map[string]string // StandardFieldsをキーとする生の日時文字列
	URL         string
	GUID        string
	Description string
}

// Resolver は公開日時の解決器。
type Resolver struct {
	now               func() time.Time
	location          *time.Location
	unreliableSources map[string]bool
}

// Option はResolverの設定関数。
type Option func(*Resolver)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithDefaultOffset はタイムゾーン表記のない日時に適用するオフセットを変更する。
func WithDefaultOffset(offset time.Duration) Option {
	return func(r *Resolver) { r.location = fixedZone(offset) }
}

// WithUnreliableSources はRSS日時が信頼できない配信元のIDを設定する。
// これらの配信元では標準フィールドを使わず、URL日付にRSSの時刻を合成する。
func WithUnreliableSources(sourceIDs []string) Option {
	return func(r *Resolver) {
		for _, id := range sourceIDs {
			if id = strings.TrimSpace(id); id != "" {
				r.unreliableSources[id] = true
			}
		}
	}
}

// NewResolver はResolverを生成する。
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		now:               time.Now,
		location:          fixedZone(DefaultTimezoneOffset),
		unreliableSources: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Location はタイムゾーン表記のない日時に適用するロケーションを返す。
func (r *Resolver) Location() *time.Location {
	return r.location
}

// Resolve は優先順位に従って公開日時を解決する。解決できない場合はnilを返す。
func (r *Resolver) Resolve(in Input) *time.Time {
	now := r.now()

	var rss *time.Time
	if t, ok := r.standardField(in.Fields, now); ok {
		rss = &t
	}
	urlDate, hasURLDate := r.urlDate(in.URL, now)

	// 1. 標準フィールド（信頼できない配信元では使わない）
	if r.unreliableSources[in.SourceID] {
		if hasURLDate {
			merged := urlDate
			if rss != nil {
				merged = mergeTimeOfDay(urlDate, *rss)
			}
			if r.valid(merged, now) {
				return &merged
			}
		}
	} else if rss != nil {
		if hasURLDate && absDuration(rss.Sub(urlDate)) > urlDisagreement {
			merged := mergeTimeOfDay(urlDate, *rss)
			if r.valid(merged, now) {
				return &merged
			}
		}
		return rss
	}

	// 2. URL日付
	if hasURLDate && !r.unreliableSources[in.SourceID] {
		return &urlDate
	}

	// 3. URL内のUNIXタイムスタンプ
	if t, ok := r.urlTimestamp(in.URL, now); ok {
		return &t
	}

	// 4. GUID内のYYYYMMDD
	if t, ok := r.guidDate(in.GUID, now); ok {
		return &t
	}

	// 5. 説明文の相対表現
	if t, ok := r.relative(in.Description, now); ok {
		return &t
	}

	return nil
}

// standardField は標準フィールドを参照順に解析し、最初に妥当な値を返す。
func (r *Resolver) standardField(fields map[string]string, now time.Time) (time.Time, bool) {
	for _, key := range StandardFields {
		raw := strings.TrimSpace(fields[key])
		if raw == "" {
			continue
		}
		t, ok := r.Parse(raw)
		if ok && r.valid(t, now) {
			return t, true
		}
	}
	return time.Time{}, false
}

// zonedLayouts はタイムゾーン表記を含むレイアウト。
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04 -0700",
	"Mon, 2 Jan 06 15:04:05 -0700",
	"Mon Jan 2 15:04:05 -0700 2006",
	"Jan 2, 2006 15:04:05 -0700",
	"Jan 2, 2006 3:04 PM -0700",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05-0700",
}

// localLayouts はタイムゾーン表記を含まないレイアウト。既定のロケーションで解釈する。
var localLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05",
	"Mon, 2 Jan 2006 15:04",
	"2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04",
	"Jan 2, 2006 15:04:05",
	"Jan 2, 2006 15:04",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006 3:04PM",
	"Mon, Jan 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"2 Jan 2006",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

// zoneAbbreviations はよく使われるタイムゾーン略称と数値オフセットの対応。
// Goのパーサは未知の略称をオフセット0として扱うため、事前に数値へ置き換える。
var zoneAbbreviations = map[string]string{
	"GMT": "+0000", "UTC": "+0000", "UT": "+0000", "Z": "+0000",
	"EST": "-0500", "EDT": "-0400", "CST": "-0600", "CDT": "-0500",
	"MST": "-0700", "MDT": "-0600", "PST": "-0800", "PDT": "-0700",
	"IST": "+0530", "BST": "+0100", "CET": "+0100", "CEST": "+0200",
	"JST": "+0900", "AEST": "+1000", "SGT": "+0800", "HKT": "+0800",
}

var (
	longMonthRe   = regexp.MustCompile(`\b(January|February|March|April|June|July|August|September|October|November|December|Sept)\b`)
	longWeekdayRe = regexp.MustCompile(`\b(Monday|Tuesday|Wednesday|Thursday|Friday|Saturday|Sunday)\b`)
	colonOffsetRe = regexp.MustCompile(`([+-]\d{2}):(\d{2})$`)
	spacesRe      = regexp.MustCompile(`\s+`)
)

// Parse は日時文字列を解析する。タイムゾーン表記がない場合は既定のロケーション
// （DefaultTimezoneOffset）で解釈する。妥当性の範囲検証は行わない。
func (r *Resolver) Parse(raw string) (time.Time, bool) {
	s := normalizeDateString(raw)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, r.location); err == nil {
			return t, true
		}
	}

	// 最後の手段として自由形式の解析を試みる
	if t, err := dateparse.ParseIn(s, r.location); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// normalizeDateString は長い月名・曜日名を短縮形に、タイムゾーン略称を数値オフセットに置き換える。
func normalizeDateString(raw string) string {
	s := spacesRe.ReplaceAllString(strings.TrimSpace(raw), " ")
	if s == "" {
		return ""
	}

	s = longMonthRe.ReplaceAllStringFunc(s, func(m string) string { return m[:3] })
	s = longWeekdayRe.ReplaceAllStringFunc(s, func(m string) string { return m[:3] })

	if idx := strings.LastIndexByte(s, ' '); idx >= 0 {
		if offset, ok := zoneAbbreviations[strings.ToUpper(s[idx+1:])]; ok {
			s = s[:idx+1] + offset
		}
	}
	// "+05:30" 形式の末尾オフセットは "+0530" にそろえる
	return colonOffsetRe.ReplaceAllString(s, "$1$2")
}

var (
	urlCompactDateRe = regexp.MustCompile(`/(\d{4})(\d{2})(\d{2})(?:/|$|[?#])`)
	urlSlashDateRe   = regexp.MustCompile(`/(\d{4})/(\d{1,2})/(\d{1,2})(?:/|$|[?#])`)
	urlDashDateRe    = regexp.MustCompile(`/(\d{4})-(\d{2})-(\d{2})(?:/|$|[^\d])`)
	urlTimestampRe   = regexp.MustCompile(`(?:^|\D)(\d{13}|\d{10})(?:\D|$)`)
	guidDateRe       = regexp.MustCompile(`(?:^|\D)(\d{4})(\d{2})(\d{2})(?:\D|$)`)
)

// urlDate はURLに埋め込まれた日付を既定ロケーションの0時として返す。
func (r *Resolver) urlDate(rawURL string, now time.Time) (time.Time, bool) {
	if rawURL == "" {
		return time.Time{}, false
	}
	for _, re := range []*regexp.Regexp{urlCompactDateRe, urlSlashDateRe, urlDashDateRe} {
		m := re.FindStringSubmatch(rawURL)
		if m == nil {
			continue
		}
		if t, ok := r.date(m[1], m[2], m[3]); ok && r.valid(t, now) {
			return t, true
		}
	}
	return time.Time{}, false
}

// urlTimestamp はURLに埋め込まれたUNIXタイムスタンプ（秒またはミリ秒）を返す。
func (r *Resolver) urlTimestamp(rawURL string, now time.Time) (time.Time, bool) {
	for _, m := range urlTimestampRe.FindAllStringSubmatch(rawURL, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		var t time.Time
		if len(m[1]) == 13 {
			t = time.UnixMilli(n)
		} else {
			t = time.Unix(n, 0)
		}
		t = t.In(r.location)
		if r.valid(t, now) {
			return t, true
		}
	}
	return time.Time{}, false
}

// guidDate はGUID内のYYYYMMDD（2000〜2100年）を返す。
func (r *Resolver) guidDate(guid string, now time.Time) (time.Time, bool) {
	for _, m := range guidDateRe.FindAllStringSubmatch(guid, -1) {
		year, _ := strconv.Atoi(m[1])
		if year < 2000 || year > 2100 {
			continue
		}
		if t, ok := r.date(m[1], m[2], m[3]); ok && r.valid(t, now) {
			return t, true
		}
	}
	return time.Time{}, false
}

var (
	relativeAgoRe = regexp.MustCompile(`(?i)\b(\d+|an?|one)\s+(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?|weeks?|months?|years?)\s+ago\b`)
	yesterdayRe   = regexp.MustCompile(`(?i)\byesterday\b`)
	todayRe       = regexp.MustCompile(`(?i)\b(today|just now)\b`)
)

// relative は説明文先頭の相対表現から日時を求める。
func (r *Resolver) relative(description string, now time.Time) (time.Time, bool) {
	text := []rune(description)
	if len(text) > relativeWindow {
		text = text[:relativeWindow]
	}
	head := string(text)

	if m := relativeAgoRe.FindStringSubmatch(head); m != nil {
		n := 1
		if v, err := strconv.Atoi(m[1]); err == nil {
			n = v
		}
		var t time.Time
		unit := strings.ToLower(m[2])
		switch {
		case strings.HasPrefix(unit, "sec"):
			t = now.Add(-time.Duration(n) * time.Second)
		case strings.HasPrefix(unit, "min"):
			t = now.Add(-time.Duration(n) * time.Minute)
		case strings.HasPrefix(unit, "h"):
			t = now.Add(-time.Duration(n) * time.Hour)
		case strings.HasPrefix(unit, "day"):
			t = now.AddDate(0, 0, -n)
		case strings.HasPrefix(unit, "week"):
			t = now.AddDate(0, 0, -7*n)
		case strings.HasPrefix(unit, "month"):
			t = now.AddDate(0, -n, 0)
		case strings.HasPrefix(unit, "year"):
			t = now.AddDate(-n, 0, 0)
		}
		if r.valid(t, now) {
			return t, true
		}
		return time.Time{}, false
	}
	if yesterdayRe.MatchString(head) {
		return now.AddDate(0, 0, -1), true
	}
	if todayRe.MatchString(head) {
		return now, true
	}
	return time.Time{}, false
}

// date は年月日の文字列から既定ロケーションの0時を生成する。存在しない日付は拒否する。
func (r *Resolver) date(ys, ms, ds string) (time.Time, bool) {
	y, err1 := strconv.Atoi(ys)
	m, err2 := strconv.Atoi(ms)
	d, err3 := strconv.Atoi(ds)
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, r.location)
	// 2月30日のような繰り上がりを拒否
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return t, true
}

// valid は日時が(now-20年, now+24時間)の範囲内かを返す。
func (r *Resolver) valid(t time.Time, now time.Time) bool {
	if t.IsZero() {
		return false
	}
	return t.After(now.AddDate(-maxAge, 0, 0)) && t.Before(now.Add(maxFutureSkew))
}

// mergeTimeOfDay はdayの年月日とclockの時刻（clockのタイムゾーン）を合成する。
func mergeTimeOfDay(day, clock time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, clock.Location())
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func fixedZone(offset time.Duration) *time.Location {
	return time.FixedZone("", int(offset/time.Second))
}
