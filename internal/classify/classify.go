// Package classify maps free-text node names to country labels.
package classify

import (
	"regexp"
	"strings"
)

// Label is a flag-prefixed country name, e.g. "🇯🇵 日本".
type Label string

// Other is returned when no row matches.
const Other Label = "🏳️ 其他"

// Row pairs a label with the alternatives that identify it: native name,
// two-letter code, English names and major cities.
type Row struct {
	Label    Label
	Patterns []string
}

// DefaultRows is evaluated top to bottom and the first match wins, so an
// ambiguous name like "HK-US-Relay" lands on the earlier row. New countries
// are appended; moving an existing row changes results for such names.
var DefaultRows = []Row{
	{"🇺🇸 美国", []string{"美国", "US", "United States", "America", "States"}},
	{"🇯🇵 日本", []string{"日本", "JP", "Japan", "Tokyo", "Osaka", "Saitama"}},
	{"🇭🇰 香港", []string{"香港", "HK", "HongKong", "Hong Kong"}},
	{"🇸🇬 新加坡", []string{"新加坡", "SG", "Singapore"}},
	{"🇹🇼 台湾", []string{"台湾", "TW", "Taiwan", "ROC"}},
	{"🇰🇷 韩国", []string{"韩国", "KR", "Korea", "South Korea", "Seoul"}},
	{"🇬🇧 英国", []string{"英国", "UK", "United Kingdom", "Britain", "London"}},
	{"🇩🇪 德国", []string{"德国", "DE", "Germany", "Frankfurt"}},
	{"🇫🇷 法国", []string{"法国", "FR", "France", "Paris"}},
	{"🇷🇺 俄罗斯", []string{"俄罗斯", "RU", "Russia", "Moscow"}},
	{"🇨🇦 加拿大", []string{"加拿大", "CA", "Canada", "Toronto"}},
	{"🇳🇱 荷兰", []string{"荷兰", "NL", "Netherlands", "Amsterdam"}},
}

// Default is built from DefaultRows.
var Default = MustNew(DefaultRows)

type entry struct {
	label Label
	re    *regexp.Regexp
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	entries []entry
}

// New compiles rows into a case-insensitive, match-anywhere table. Patterns
// are literal text.
func New(rows []Row) (*Classifier, error) {
	c := &Classifier{entries: make([]entry, 0, len(rows))}
	for _, r := range rows {
		quoted := make([]string, 0, len(r.Patterns))
		for _, p := range r.Patterns {
			if p == "" {
				continue
			}
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
		if len(quoted) == 0 {
			continue
		}
		re, err := regexp.Compile("(?i)" + strings.Join(quoted, "|"))
		if err != nil {
			return nil, err
		}
		c.entries = append(c.entries, entry{label: r.Label, re: re})
	}
	return c, nil
}

func MustNew(rows []Row) *Classifier {
	c, err := New(rows)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the label of the first row matching name, or Other.
func (c *Classifier) Classify(name string) Label {
	for _, e := range c.entries {
		if e.re.MatchString(name) {
			return e.label
		}
	}
	return Other
}

// Labels returns every label in table order, followed by Other.
func (c *Classifier) Labels() []Label {
	out := make([]Label, 0, len(c.entries)+1)
	for _, e := range c.entries {
		out = append(out, e.label)
	}
	return append(out, Other)
}
