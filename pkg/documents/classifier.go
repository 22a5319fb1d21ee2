package documents

import (
	"path/filepath"
	"strings"
)

// ClassifierRule scores one document type.
type ClassifierRule struct {
	Type DocumentType `json:"type"`
	// FilenameKeywords match the lower-cased filename with separators
	// replaced by spaces.
	FilenameKeywords []string `json:"filename_keywords"`
	// ContentKeywords match the lower-cased text.
	ContentKeywords []string `json:"content_keywords"`
}

// Scoring weights.
const (
	filenameWeight   = 0.6
	contentWeight    = 0.1
	maxContentScore  = 0.4
	minClassifyScore = 0.2
)

// DefaultClassifierRules returns the built-in rules. Order breaks ties, so
// the more specific types come first.
func DefaultClassifierRules() []ClassifierRule {
	return []ClassifierRule{
		{
			Type:             TypeTermSheet,
			FilenameKeywords: []string{"term sheet", "termsheet", "tsheet", "loi"},
			ContentKeywords: []string{"liquidation preference", "anti-dilution", "pro rata", "protective provisions",
				"board composition", "valuation cap", "drag-along", "pre-money valuation"},
		},
		{
			Type:             TypeCapTable,
			FilenameKeywords: []string{"cap table", "captable", "capitalization", "capitalisation"},
			ContentKeywords: []string{"fully diluted", "option pool", "shareholder", "common shares",
				"preferred shares", "series seed", "warrants"},
		},
		{
			Type:             TypeBoardDeck,
			FilenameKeywords: []string{"board"},
			ContentKeywords: []string{"board meeting", "board of directors", "minutes", "resolution",
				"approve", "executive session"},
		},
		{
			Type: TypeFinancialStatement,
			FilenameKeywords: []string{"financials", "financial statement", "p&l", "pnl", "income statement",
				"balance sheet", "cash flow", "budget", "forecast"},
			ContentKeywords: []string{"income statement", "balance sheet", "cash flow", "ebitda", "net income",
				"operating expenses", "cogs", "total liabilities"},
		},
		{
			Type:             TypeInvestorUpdate,
			FilenameKeywords: []string{"investor update", "monthly update", "quarterly update", "update", "newsletter"},
			ContentKeywords: []string{"dear investors", "hi all", "highlights", "lowlights", "asks",
				"this month", "this quarter", "kpis"},
		},
		{
			Type:             TypePitchDeck,
			FilenameKeywords: []string{"pitch", "deck", "investor presentation", "teaser"},
			ContentKeywords: []string{"problem", "solution", "market size", "tam", "traction", "the ask",
				"competition", "go-to-market", "why now"},
		},
	}
}

// Classifier assigns a DocumentType from the filename and text.
type Classifier struct {
	rules []ClassifierRule
}

// NewClassifier creates a classifier; nil rules means the defaults.
func NewClassifier(rules []ClassifierRule) *Classifier {
	if rules == nil {
		rules = DefaultClassifierRules()
	}
	return &Classifier{rules: rules}
}

// Classify scores every rule and returns the best. Text may be empty for
// binary documents.
func (c *Classifier) Classify(filename, text string) Classification {
	name := normalizeFilename(filename)
	lower := " " + strings.ToLower(text) + " "

	best := Classification{Type: TypeOther}
	bestScore := 0.0
	for _, rule := range c.rules {
		score := 0.0
		var signals []string
		for _, kw := range rule.FilenameKeywords {
			if containsWord(name, kw) {
				score += filenameWeight
				signals = append(signals, "filename:"+kw)
				break
			}
		}
		content := 0.0
		for _, kw := range rule.ContentKeywords {
			if content >= maxContentScore {
				break
			}
			if containsWord(lower, kw) {
				content += contentWeight
				signals = append(signals, "content:"+kw)
			}
		}
		score += content
		if score > bestScore {
			bestScore = score
			best = Classification{Type: rule.Type, Signals: signals}
		}
	}

	if bestScore < minClassifyScore {
		return Classification{Type: TypeOther, Confidence: 0.5}
	}
	if bestScore > 1 {
		bestScore = 1
	}
	best.Confidence = roundTo(bestScore, 2)
	return best
}

func normalizeFilename(filename string) string {
	base := strings.ToLower(filepath.Base(filename))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	r := strings.NewReplacer("_", " ", "-", " ", ".", " ")
	return " " + strings.Join(strings.Fields(r.Replace(base)), " ") + " "
}

// containsWord reports whether kw occurs in s on word boundaries.
func containsWord(s, kw string) bool {
	for from := 0; ; {
		i := strings.Index(s[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		if (start == 0 || !isWordByte(s[start-1])) && (end >= len(s) || !isWordByte(s[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
