package agent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/documents"
)

var (
	moneyRe   = regexp.MustCompile(`(?i)(?:[$€£]\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:bn|mm|thousand|million|billion|[kmb]))?|\b\d[\d,]*(?:\.\d+)?\s?(?:bn|mm|thousand|million|billion|[kmb]))\b`)
	percentRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s?%`)
	tickerRe  = regexp.MustCompile(`(?:\$|\b(?:NASDAQ|NYSE|LSE):)([A-Z]{1,5})\b`)
	yearRe    = regexp.MustCompile(`\b(19[5-9]\d|20\d\d)\b`)
)

// ExtractEntities finds the companies, amounts, percentages, tickers and
// years mentioned in text. Company names are matched against portfolio,
// longest name first, as whole words.
func ExtractEntities(text string, portfolio []CompanyRef) Entities {
	var e Entities
	e.Companies = matchCompanies(text, portfolio)

	for _, raw := range moneyRe.FindAllString(text, -1) {
		v, cur, ok := documents.ParseAmount(raw)
		if !ok {
			continue
		}
		e.Amounts = append(e.Amounts, Amount{Raw: strings.TrimSpace(raw), Value: v, Currency: cur})
	}
	for _, m := range percentRe.FindAllStringSubmatch(text, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			e.Percentages = append(e.Percentages, v)
		}
	}
	seen := map[string]bool{}
	for _, m := range tickerRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			e.Tickers = append(e.Tickers, m[1])
		}
	}
	for _, m := range yearRe.FindAllStringIndex(text, -1) {
		// "$2024" and "2024%" are amounts, not years.
		if m[0] > 0 && strings.ContainsAny(text[m[0]-1:m[0]], "$€£") {
			continue
		}
		if m[1] < len(text) && text[m[1]] == '%' {
			continue
		}
		y, _ := strconv.Atoi(text[m[0]:m[1]])
		e.Years = append(e.Years, y)
	}
	return e
}

func matchCompanies(text string, portfolio []CompanyRef) []CompanyRef {
	if len(portfolio) == 0 {
		return nil
	}
	refs := append([]CompanyRef(nil), portfolio...)
	sort.SliceStable(refs, func(i, j int) bool { return len(refs[i].Name) > len(refs[j].Name) })

	hay := []byte(" " + foldForMatch(text) + " ")
	var found []CompanyRef
	for _, ref := range refs {
		needle := foldForMatch(ref.Name)
		if needle == "" {
			continue
		}
		idx := wordIndex(string(hay), needle)
		if idx < 0 {
			continue
		}
		found = append(found, ref)
		// Blank the match so "Acme" does not also hit inside "Acme Robotics".
		for i := idx; i < idx+len(needle); i++ {
			hay[i] = ' '
		}
	}
	return found
}

// foldForMatch case-folds and replaces punctuation other than '&' and '.'
// with spaces, so "Acme's" matches "Acme".
func foldForMatch(s string) string {
	s = companies.NormalizeName(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '&' || r == '.':
			return r
		case r == '\'' || r == '’' || r == ',' || r == '?' || r == '!' || r == ':' || r == ';' || r == '"' || r == '(' || r == ')':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// wordIndex returns the byte offset of needle in hay where it is bounded by
// spaces or a trailing '.', or -1.
func wordIndex(hay, needle string) int {
	from := 0
	for {
		i := strings.Index(hay[from:], needle)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(needle)
		before := i == 0 || hay[i-1] == ' '
		after := end >= len(hay) || hay[end] == ' ' || hay[end] == '.'
		if before && after {
			return i
		}
		from = i + 1
	}
}
