// Package enrich は抽出済みの本文から読了時間・キーワード・カテゴリ・要約を算出する。
package enrich

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	// WordsPerMinute は読了時間の算出に使う読書速度。
	WordsPerMinute = 200
	// MaxKeywords は抽出するキーワードの最大数。
	MaxKeywords = 10
	// MinSummaryRunes はこの長さ以上の既存要約をそのまま使う。
	MinSummaryRunes = 80
	// MaxSummaryRunes は生成する要約の最大文字数。
	MaxSummaryRunes = 300
	// DefaultCategory はどのカテゴリにも該当しない場合の値。
	DefaultCategory = "general"

	minKeywordRunes = 3
)

// DefaultCategories はカテゴリごとの判定キーワード。
var DefaultCategories = map[string][]string{
	"politics":      {"election", "minister", "parliament", "government", "policy", "party", "vote", "congress", "senate", "cabinet", "lok sabha", "rajya sabha"},
	"business":      {"market", "stock", "shares", "economy", "company", "revenue", "profit", "investor", "bank", "inflation", "gdp", "sensex", "nifty"},
	"technology":    {"technology", "software", "startup", "smartphone", "internet", "artificial intelligence", "ai", "app", "cyber", "chip", "google", "apple"},
	"sports":        {"cricket", "football", "match", "tournament", "player", "team", "league", "olympic", "score", "coach", "wicket", "goal"},
	"entertainment": {"film", "movie", "actor", "actress", "music", "album", "bollywood", "series", "celebrity", "box office"},
	"health":        {"health", "hospital", "doctor", "disease", "vaccine", "patients", "medical", "covid", "virus"},
	"science":       {"science", "research", "scientists", "space", "nasa", "isro", "climate", "study", "species"},
}

var stopWords = toSet(strings.Fields(`
a about above after again against all also am an and any are as at be because been before being
below between both but by can could did do does doing down during each few for from further had
has have having he her here hers herself him himself his how i if in into is it its itself just
me more most my myself no nor not now of off on once only or other our ours ourselves out over
own said same says she should so some such than that the their theirs them themselves then there
these they this those through to too under until up very was we were what when where which while
who whom why will with would you your yours yourself yourselves new one two year years told also
like get got make made many much may might must per via within without yet still even since
`))

// Enrichment は付加情報の算出結果。
type Enrichment struct {
	ReadingTime int
	Keywords    []string
	Category    string
	Summary     string
}

// Enricher は付加情報の算出器。純粋関数として振る舞い、並行利用できる。
type Enricher struct {
	categories map[string][]string
	order      []string
}

// New はEnricherを生成する。categoriesがnilなら既定のカテゴリを使う。
func New(categories map[string][]string) *Enricher {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	e := &Enricher{categories: make(map[string][]string, len(categories))}
	for name, kws := range categories {
		folded := make([]string, 0, len(kws))
		for _, kw := range kws {
			if kw = fold(kw); kw != "" {
				folded = append(folded, kw)
			}
		}
		e.categories[name] = folded
		e.order = append(e.order, name)
	}
	sort.Strings(e.order)
	return e
}

// EnrichContent は本文（プレーンテキスト）・既存の要約・タイトルから付加情報を算出する。
func (e *Enricher) EnrichContent(text, existingSummary, title string) Enrichment {
	return Enrichment{
		ReadingTime: ReadingTime(text),
		Keywords:    Keywords(title+"\n"+text, MaxKeywords),
		Category:    e.Category(title + "\n" + text),
		Summary:     Summarize(text, existingSummary),
	}
}

// ReadingTime は200語/分で読了時間（分）を返す。最小1分。
func ReadingTime(text string) int {
	n := len(strings.Fields(text))
	minutes := (n + WordsPerMinute - 1) / WordsPerMinute
	if minutes < 1 {
		return 1
	}
	return minutes
}

// Keywords は出現頻度の高い語を最大limit件返す。ストップワード・数字のみの語・3文字未満の語は除く。
// 同数の場合は辞書順。
func Keywords(text string, limit int) []string {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		if utf8.RuneCountInString(tok) < minKeywordRunes || stopWords[tok] || isNumeric(tok) {
			continue
		}
		counts[tok]++
	}

	keywords := make([]string, 0, len(counts))
	for w := range counts {
		keywords = append(keywords, w)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > limit {
		keywords = keywords[:limit]
	}
	return keywords
}

// Category はキーワードの一致数が最も多いカテゴリを返す。一致がなければ "general"。
func (e *Enricher) Category(text string) string {
	tokens := tokenize(text)
	joined := " " + strings.Join(tokens, " ") + " "
	set := toSet(tokens)

	best, bestScore := DefaultCategory, 0
	for _, name := range e.order {
		score := 0
		for _, kw := range e.categories[name] {
			if strings.Contains(kw, " ") {
				score += strings.Count(joined, " "+kw+" ")
			} else if set[kw] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	return best
}

var sentenceEndRe = regexp.MustCompile(`[.!?।]+["')\]]*\s+`)

// Summarize は既存の要約が80文字以上ならそれを使い、そうでなければ本文の先頭の文から300文字以内の要約を作る。
func Summarize(text, existingSummary string) string {
	existing := strings.TrimSpace(existingSummary)
	if utf8.RuneCountInString(existing) >= MinSummaryRunes {
		return existing
	}

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return existing
	}

	var b strings.Builder
	rest := text
	for rest != "" {
		var sentence string
		if loc := sentenceEndRe.FindStringIndex(rest); loc != nil {
			sentence, rest = strings.TrimSpace(rest[:loc[1]]), rest[loc[1]:]
		} else {
			sentence, rest = rest, ""
		}
		candidate := sentence
		if b.Len() > 0 {
			candidate = b.String() + " " + sentence
		}
		if utf8.RuneCountInString(candidate) > MaxSummaryRunes {
			break
		}
		b.Reset()
		b.WriteString(candidate)
	}

	if b.Len() == 0 {
		runes := []rune(text)
		if len(runes) > MaxSummaryRunes {
			runes = runes[:MaxSummaryRunes]
		}
		return strings.TrimSpace(string(runes))
	}
	return b.String()
}

// tokenize はNFKC正規化とケースフォールディングの後、文字・数字以外で分割する。
func tokenize(text string) []string {
	folded := fold(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.Is(unicode.Mn, r) && !unicode.Is(unicode.Mc, r)
	})
}

func fold(s string) string {
	return strings.TrimSpace(cases.Fold().String(norm.NFKC.String(s)))
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsNumber(r) {
			return false
		}
	}
	return true
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
