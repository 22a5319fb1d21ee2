package agent

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
)

// Routing weights and thresholds.
const (
	KeywordWeight = 0.25
	PhraseWeight  = 0.35
	PatternWeight = 0.6
	// CompanyWeight is added to company-scoped intents when a company is
	// named or in focus.
	CompanyWeight = 0.15
	// FollowUpWeight is added to the previous intent for "and ..." or
	// "what about ..." queries.
	FollowUpWeight = 0.4

	// MinConfidence is the score below which a query routes to general.
	MinConfidence = 0.2
	// GeneralConfidence is reported for queries nothing else claimed.
	GeneralConfidence = 0.5

	// SimilarityThreshold and RewardThreshold select the past experiences
	// that bias routing; RLBoost scales their similarity into a bonus.
	SimilarityThreshold = 0.85
	RewardThreshold     = 0.5
	RLBoost             = 0.3
	similarK            = 5
)

// SimilarFinder retrieves past experiences similar to a query.
type SimilarFinder interface {
	Similar(ctx context.Context, query string, k int, minScore float64) ([]rl.Match, error)
}

type intentRule struct {
	intent   Intent
	keywords []string
	phrases  []string
	patterns []*regexp.Regexp
	// companyScoped intents gain CompanyWeight when a company is known.
	companyScoped bool
}

var currencyCodes = `usd|eur|gbp|jpy|chf|cad|aud|nzd|cny|hkd|sgd|inr|sek|nok|dkk|pln|brl|mxn|zar|ils|krw|aed`

// MatrixUpdatePattern captures the target and value of "set X to Y".
var MatrixUpdatePattern = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:set|update|change)\s+(.+?)\s+(?:to|=)\s+(.+?)\s*[.!]?\s*$`)

var followUpPattern = regexp.MustCompile(`(?i)^\s*(?:and|also|what about|how about|and what about)\b`)

func defaultRules() []intentRule {
	return []intentRule{
		{
			intent:   IntentMatrixUpdate,
			patterns: []*regexp.Regexp{MatrixUpdatePattern},
		},
		{
			intent:   IntentFXConversion,
			keywords: []string{"fx", "exchange", "convert", "conversion", "currency"},
			phrases:  []string{"exchange rate"},
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:` + currencyCodes + `)\s*(?:to|in|into|/)\s*(?:` + currencyCodes + `)\b`),
			},
		},
		{
			intent:   IntentCalculation,
			keywords: []string{"calculate", "compute", "cagr", "irr", "sqrt", "solve"},
			patterns: []*regexp.Regexp{regexp.MustCompile(`\d\s*[-+*/^×]\s*\d`)},
		},
		{
			intent:   IntentValuation,
			keywords: []string{"valuation", "valuations", "value", "valued", "worth", "pwerm", "dcf", "comparables", "comps", "multiples"},
			patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(?:run|do|compute|calculate)\s+(?:a\s+)?(?:pwerm|dcf|comparables|comps|valuation)\b`),
				regexp.MustCompile(`(?i)\bhow much is .+ worth\b`),
			},
		},
		{
			intent:   IntentDocumentQuery,
			keywords: []string{"document", "documents", "deck", "decks", "upload", "uploaded", "uploads", "file", "files", "pdf"},
			phrases:  []string{"pitch deck", "term sheet", "cap table", "investor update", "board deck", "financial statement"},
		},
		{
			intent:   IntentPortfolioSummary,
			keywords: []string{"portfolio", "moic", "fund", "overview", "summary", "summarize", "summarise"},
			phrases:  []string{"total invested", "all companies", "all our companies", "short runway"},
		},
		{
			intent:        IntentCompanyLookup,
			keywords:      []string{"arr", "runway", "burn", "cash", "headcount", "employees", "growth", "margin", "metrics", "revenue", "kpis", "stage", "sector", "ownership", "invested"},
			phrases:       []string{"tell me about", "how is", "how's", "doing"},
			companyScoped: true,
		},
		{
			intent:   IntentMarketSearch,
			keywords: []string{"news", "search", "market", "latest", "competitors", "competitor", "trends", "industry", "recent"},
			phrases:  []string{"look up", "find out"},
		},
	}
}

// Decision is the outcome of routing a query.
type Decision struct {
	Intent     Intent             `json:"intent"`
	Confidence float64            `json:"confidence"`
	Scores     map[Intent]float64 `json:"scores"`
	// Boosted reports whether past experiences changed a score.
	Boosted bool `json:"boosted"`
}

// Router scores intents by keywords and patterns, biased by past
// experiences with good rewards.
type Router struct {
	rules  []intentRule
	memory SimilarFinder
	logger logging.Logger
}

// NewRouter creates a Router. memory may be nil.
func NewRouter(memory SimilarFinder, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Router{
		rules:  defaultRules(),
		memory: memory,
		logger: logger.With(logging.F("component", "agent_router")),
	}
}

// Route picks the intent for query.
func (r *Router) Route(ctx context.Context, query string, entities Entities, state State, hasCompany bool) Decision {
	lower := strings.ToLower(strings.Join(strings.Fields(query), " "))
	tokens := map[string]bool{}
	for _, t := range rl.Tokens(query) {
		tokens[t] = true
	}

	scores := map[Intent]float64{}
	for _, rule := range r.rules {
		var s float64
		for _, k := range rule.keywords {
			if tokens[k] {
				s += KeywordWeight
			}
		}
		for _, p := range rule.phrases {
			if strings.Contains(lower, p) {
				s += PhraseWeight
			}
		}
		for _, p := range rule.patterns {
			if p.MatchString(query) {
				s += PatternWeight
			}
		}
		if rule.intent == IntentMatrixUpdate && s > 0 {
			s += PatternWeight / 3
		}
		if s > 0 && rule.companyScoped && hasCompany {
			s += CompanyWeight
		}
		if s == 0 && rule.companyScoped && len(entities.Companies) > 0 {
			s = CompanyWeight
		}
		if s > 0 {
			scores[rule.intent] = s
		}
	}

	if state.LastIntent != "" && state.LastIntent != IntentGeneral && followUpPattern.MatchString(query) {
		scores[state.LastIntent] += FollowUpWeight
	}

	boosted := r.applyExperience(ctx, query, scores)

	best, bestScore := IntentGeneral, 0.0
	for _, in := range Intents {
		if s := scores[in]; s > bestScore {
			best, bestScore = in, s
		}
	}
	if bestScore < MinConfidence {
		return Decision{Intent: IntentGeneral, Confidence: GeneralConfidence, Scores: scores, Boosted: boosted}
	}
	return Decision{Intent: best, Confidence: math.Min(1, bestScore), Scores: scores, Boosted: boosted}
}

// applyExperience adds RLBoost*similarity to the intent of each similar,
// well-rewarded past query. A user-corrected intent takes the boost instead.
func (r *Router) applyExperience(ctx context.Context, query string, scores map[Intent]float64) bool {
	if r.memory == nil {
		return false
	}
	matches, err := r.memory.Similar(ctx, query, similarK, SimilarityThreshold)
	if err != nil {
		r.logger.Warn("Experience lookup failed", logging.Err(err))
		return false
	}
	bonus := map[Intent]float64{}
	for _, m := range matches {
		target := Intent(m.Experience.Intent)
		if fb := m.Experience.Feedback; fb != nil && fb.CorrectedIntent != "" {
			corrected, err := ParseIntent(fb.CorrectedIntent)
			if err != nil {
				continue
			}
			target = corrected
		} else if m.Experience.Reward < RewardThreshold {
			continue
		}
		if b := RLBoost * m.Score; b > bonus[target] {
			bonus[target] = b
		}
	}
	for in, b := range bonus {
		scores[in] += b
	}
	return len(bonus) > 0
}
