package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/documents"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/fx"
	"github.com/otherjamesbrown/vcmatrix/pkg/integrations/tavily"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/rl"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

// Answer is a handler's reply.
type Answer struct {
	Markdown     string
	Data         any
	UsedFallback bool
}

// Handler answers queries of one intent.
type Handler interface {
	Handle(ctx context.Context, turn *Turn) (*Answer, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, turn *Turn) (*Answer, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, turn *Turn) (*Answer, error) { return f(ctx, turn) }

// Valuer values a company.
type Valuer interface {
	ValueCompany(ctx context.Context, c *companies.Company, method valuation.Method, o valuation.Overrides) (*valuation.Result, error)
}

// CellWriter writes matrix cells.
type CellWriter interface {
	UpdateCell(ctx context.Context, req matrix.CellUpdate) (*matrix.Cell, error)
}

// DocumentLister lists processed documents.
type DocumentLister interface {
	List(ctx context.Context, f documents.DocumentFilter) ([]documents.Document, error)
}

// Searcher searches the web.
type Searcher interface {
	Search(ctx context.Context, query string, opts tavily.Options) (*tavily.Response, error)
}

// Converter converts between currencies.
type Converter interface {
	Convert(ctx context.Context, amount float64, from, to string) (*fx.Conversion, error)
}

// Calculator answers computational questions.
type Calculator interface {
	ShortAnswer(ctx context.Context, input string) (string, error)
}

// Deps are the collaborators of the built-in handlers. A nil dependency
// makes its handler fail with ErrUnavailable.
type Deps struct {
	Companies  companies.Store
	Valuer     Valuer
	Cells      CellWriter
	Documents  DocumentLister
	Search     Searcher
	FX         Converter
	Calculator Calculator
	LLM        LLM
}

// DefaultHandlers returns a handler for every intent.
func DefaultHandlers(d Deps) map[Intent]Handler {
	return map[Intent]Handler{
		IntentValuation:        HandlerFunc(d.valuation),
		IntentCompanyLookup:    HandlerFunc(d.companyLookup),
		IntentPortfolioSummary: HandlerFunc(d.portfolioSummary),
		IntentMatrixUpdate:     HandlerFunc(d.matrixUpdate),
		IntentDocumentQuery:    HandlerFunc(d.documentQuery),
		IntentMarketSearch:     HandlerFunc(d.marketSearch),
		IntentFXConversion:     HandlerFunc(d.fxConversion),
		IntentCalculation:      HandlerFunc(d.calculation),
		IntentGeneral:          HandlerFunc(d.general),
	}
}

func unavailable(what string) error {
	return fmt.Errorf("%s is not configured: %w", what, vcerrors.ErrUnavailable)
}

func needCompany(turn *Turn) (*companies.Company, error) {
	if turn.Company == nil {
		return nil, fmt.Errorf("which company? Mention a portfolio company by name: %w", vcerrors.ErrValidation)
	}
	return turn.Company, nil
}

// ==================== Valuation ====================

func requestedMethods(query string) []valuation.Method {
	tokens := map[string]bool{}
	for _, t := range rl.Tokens(query) {
		tokens[t] = true
	}
	var out []valuation.Method
	if tokens["pwerm"] {
		out = append(out, valuation.MethodPWERM)
	}
	if tokens["dcf"] {
		out = append(out, valuation.MethodDCF)
	}
	if tokens["comparables"] || tokens["comps"] || tokens["multiples"] {
		out = append(out, valuation.MethodComparables)
	}
	if len(out) == 0 {
		out = []valuation.Method{valuation.MethodPWERM, valuation.MethodDCF}
	}
	return out
}

func (d Deps) valuation(ctx context.Context, turn *Turn) (*Answer, error) {
	if d.Valuer == nil {
		return nil, unavailable("valuation")
	}
	c, err := needCompany(turn)
	if err != nil {
		return nil, err
	}

	var (
		results  []*valuation.Result
		failures [][2]string
		firstErr error
	)
	for _, m := range requestedMethods(turn.Query) {
		res, err := d.Valuer.ValueCompany(ctx, c, m, valuation.Overrides{})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failures = append(failures, [2]string{strings.ToUpper(string(m)), err.Error()})
			continue
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return nil, firstErr
	}

	rows := make([][2]string, 0, len(results)+len(failures))
	for _, r := range results {
		rows = append(rows, [2]string{strings.ToUpper(string(r.Method)), FormatMoney(r.Value, r.Currency)})
	}
	for _, f := range failures {
		rows = append(rows, [2]string{f[0], "not available: " + f[1]})
	}
	md := fmt.Sprintf("**%s** valuation\n\n%s", c.Name, table([2]string{"Method", "Value"}, rows))
	return &Answer{Markdown: md, Data: results}, nil
}

// ==================== Company lookup ====================

func companyRows(c *companies.Company) [][2]string {
	var rows [][2]string
	add := func(label, value string) { rows = append(rows, [2]string{label, value}) }
	if c.Stage != "" {
		add("Stage", string(c.Stage))
	}
	if c.Sector != "" {
		add("Sector", c.Sector)
	}
	money := func(label string, v *float64) {
		if v != nil {
			add(label, FormatMoney(*v, c.Currency))
		}
	}
	money("ARR", c.CurrentARR)
	if c.RevenueGrowthPct != nil {
		add("Growth", FormatPercent(*c.RevenueGrowthPct))
	}
	money("Monthly burn", c.BurnRateMonthly)
	money("Cash", c.CashInBank)
	if c.RunwayMonths != nil {
		add("Runway", formatMonths(*c.RunwayMonths))
	}
	if c.Headcount != nil {
		add("Headcount", strconv.Itoa(*c.Headcount))
	}
	if c.GrossMarginPct != nil {
		add("Gross margin", FormatPercent(*c.GrossMarginPct))
	}
	money("Invested", c.TotalInvested)
	if c.OwnershipPct != nil {
		add("Ownership", FormatPercent(*c.OwnershipPct))
	}
	money("Valuation", c.CurrentValuation)
	return rows
}

// focusField returns the first company field named in query.
func focusField(query string) (companies.Field, bool) {
	tokens := rl.Tokens(query)
	for i := range tokens {
		if i+1 < len(tokens) {
			if f, ok := companies.ResolveField(tokens[i] + "_" + tokens[i+1]); ok {
				return f, true
			}
		}
		if f, ok := companies.ResolveField(tokens[i]); ok && f.Key != "name" {
			return f, true
		}
	}
	return companies.Field{}, false
}

func fieldValue(c *companies.Company, f companies.Field) string {
	var v any
	switch f.Key {
	case "arr":
		v = c.CurrentARR
	case "growth":
		v = c.RevenueGrowthPct
	case "burn":
		v = c.BurnRateMonthly
	case "cash":
		v = c.CashInBank
	case "runway":
		v = c.RunwayMonths
	case "headcount":
		v = c.Headcount
	case "gross_margin":
		v = c.GrossMarginPct
	case "invested":
		v = c.TotalInvested
	case "ownership":
		v = c.OwnershipPct
	case "valuation":
		v = c.CurrentValuation
	case "stage":
		return string(c.Stage)
	case "sector":
		return c.Sector
	default:
		return ""
	}
	switch p := v.(type) {
	case *float64:
		if p == nil {
			return ""
		}
		switch {
		case f.Key == "runway":
			return formatMonths(*p)
		case f.Kind == companies.KindPercentage:
			return FormatPercent(*p)
		case f.Kind == companies.KindCurrency:
			return FormatMoney(*p, c.Currency)
		}
		return trimZeros(*p, 2)
	case *int:
		if p == nil {
			return ""
		}
		return strconv.Itoa(*p)
	}
	return ""
}

func (d Deps) companyLookup(_ context.Context, turn *Turn) (*Answer, error) {
	c, err := needCompany(turn)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if f, ok := focusField(turn.Query); ok {
		if v := fieldValue(c, f); v != "" {
			fmt.Fprintf(&b, "**%s** %s: **%s**\n\n", c.Name, strings.ReplaceAll(f.Key, "_", " "), v)
		} else {
			fmt.Fprintf(&b, "No %s recorded for **%s**.\n\n", strings.ReplaceAll(f.Key, "_", " "), c.Name)
		}
	} else {
		fmt.Fprintf(&b, "**%s**\n\n", c.Name)
	}
	rows := companyRows(c)
	if len(rows) > 0 {
		b.WriteString(table([2]string{"Metric", "Value"}, rows))
	} else {
		b.WriteString("No metrics recorded yet.\n")
	}
	return &Answer{Markdown: b.String(), Data: c}, nil
}

// ==================== Portfolio summary ====================

func sortedCounts(m map[string]int) [][2]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	rows := make([][2]string, len(keys))
	for i, k := range keys {
		rows[i] = [2]string{k, strconv.Itoa(m[k])}
	}
	return rows
}

func (d Deps) portfolioSummary(ctx context.Context, _ *Turn) (*Answer, error) {
	if d.Companies == nil {
		return nil, unavailable("company store")
	}
	s, err := companies.Summary(ctx, d.Companies)
	if err != nil {
		return nil, err
	}
	if s.TotalCompanies == 0 {
		return &Answer{Markdown: "The portfolio is empty.", Data: s}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Portfolio summary**: %d companies (%d active)\n\n", s.TotalCompanies, s.ActiveCompanies)
	rows := [][2]string{
		{"Total invested", FormatMoney(s.TotalInvested, "USD")},
		{"Total valuation", FormatMoney(s.TotalValuation, "USD")},
		{"Fair value", FormatMoney(s.FairValue, "USD")},
		{"Total ARR", FormatMoney(s.TotalARR, "USD")},
	}
	if s.MOIC != nil {
		rows = append(rows, [2]string{"MOIC", trimZeros(*s.MOIC, 2) + "x"})
	}
	b.WriteString(table([2]string{"Metric", "Value"}, rows))
	b.WriteString("\n**By stage**\n\n")
	b.WriteString(table([2]string{"Stage", "Companies"}, sortedCounts(s.ByStage)))
	b.WriteString("\n**By sector**\n\n")
	b.WriteString(table([2]string{"Sector", "Companies"}, sortedCounts(s.BySector)))
	if len(s.ShortRunway) > 0 {
		fmt.Fprintf(&b, "\nRunway under %.0f months: %s\n", companies.ShortRunwayMonths, strings.Join(s.ShortRunway, ", "))
	}
	return &Answer{Markdown: b.String(), Data: s}, nil
}

// ==================== Matrix update ====================

var fillerWords = map[string]bool{"the": true, "of": true, "for": true, "s": true, "its": true, "their": true, "his": true, "her": true}

// updateTarget strips the company name and filler from the left side of
// "set Acme ARR to 5m" and resolves what is left to a field.
func updateTarget(target string, c *companies.Company) (companies.Field, error) {
	folded := foldForMatch(target)
	if idx := wordIndex(folded, foldForMatch(c.Name)); idx >= 0 {
		folded = folded[:idx] + folded[idx+len(foldForMatch(c.Name)):]
	}
	var words []string
	for _, w := range strings.Fields(folded) {
		if !fillerWords[w] {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return companies.Field{}, fmt.Errorf("which field should change? %w", vcerrors.ErrValidation)
	}
	if f, ok := companies.ResolveField(strings.Join(words, "_")); ok {
		return f, nil
	}
	for _, w := range words {
		if f, ok := companies.ResolveField(w); ok {
			return f, nil
		}
	}
	return companies.Field{}, fmt.Errorf("unknown field %q: %w", strings.Join(words, " "), vcerrors.ErrValidation)
}

// updateValue converts the right side of "set X to Y" for kind.
func updateValue(raw string, kind companies.Kind, currency string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case companies.KindCurrency:
		v, cur, ok := documents.ParseAmount(raw)
		if !ok {
			return nil, fmt.Errorf("%q is not an amount: %w", raw, vcerrors.ErrValidation)
		}
		if strings.ContainsAny(raw, "$€£") && cur != currency {
			return nil, fmt.Errorf("amount is in %s but the company reports in %s: %w", cur, currency, vcerrors.ErrValidation)
		}
		return v, nil
	case companies.KindPercentage, companies.KindNumber, companies.KindInteger:
		s := strings.TrimSpace(strings.TrimSuffix(raw, "%"))
		s = strings.TrimSuffix(strings.TrimSuffix(s, " months"), " people")
		return s, nil
	}
	return raw, nil
}

func (d Deps) matrixUpdate(ctx context.Context, turn *Turn) (*Answer, error) {
	if d.Cells == nil {
		return nil, unavailable("matrix")
	}
	m := MatrixUpdatePattern.FindStringSubmatch(turn.Query)
	if m == nil {
		return nil, fmt.Errorf(`say "set <company> <field> to <value>": %w`, vcerrors.ErrValidation)
	}
	c, err := needCompany(turn)
	if err != nil {
		return nil, err
	}
	field, err := updateTarget(m[1], c)
	if err != nil {
		return nil, err
	}
	value, err := updateValue(m[2], field.Kind, c.Currency)
	if err != nil {
		return nil, err
	}
	cell, err := d.Cells.UpdateCell(ctx, matrix.CellUpdate{
		CompanyID: c.ID.String(),
		ColumnID:  field.Key,
		Value:     value,
		Source:    matrix.SourceAgent,
		EditedBy:  matrix.SourceAgent,
	})
	if err != nil {
		return nil, err
	}
	md := fmt.Sprintf("Updated **%s** %s from %s to %s.", c.Name, strings.ReplaceAll(field.Key, "_", " "),
		displayValue(cell.OldValue, field, c.Currency), displayValue(cell.Value, field, c.Currency))
	return &Answer{Markdown: md, Data: cell}, nil
}

func displayValue(v any, f companies.Field, currency string) string {
	if v == nil {
		return "_empty_"
	}
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case int:
		n = float64(x)
	default:
		return fmt.Sprint(v)
	}
	switch f.Kind {
	case companies.KindCurrency:
		return FormatMoney(n, currency)
	case companies.KindPercentage:
		return FormatPercent(n)
	}
	return trimZeros(n, 2)
}

// ==================== Documents ====================

const documentListLimit = 5

func (d Deps) documentQuery(ctx context.Context, turn *Turn) (*Answer, error) {
	if d.Documents == nil {
		return nil, unavailable("documents")
	}
	filter := documents.DocumentFilter{Limit: documentListLimit}
	scope := "the portfolio"
	if turn.Company != nil {
		filter.CompanyID = turn.Company.ID.String()
		scope = "**" + turn.Company.Name + "**"
	}
	docs, err := d.Documents.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return &Answer{Markdown: fmt.Sprintf("No documents uploaded for %s yet.", scope), Data: docs}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Latest documents for %s\n\n", scope)
	b.WriteString("| File | Type | Status | Uploaded |\n|---|---|---|---|\n")
	for _, doc := range docs {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", escapeCell(doc.Filename), strings.ReplaceAll(string(doc.DocumentType), "_", " "),
			doc.Status, doc.CreatedAt.Format("2006-01-02"))
	}
	for _, doc := range docs {
		if doc.ExtractedData == nil || len(doc.ExtractedData.Metrics) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nMetrics found in %s:\n\n", doc.Filename)
		for _, m := range doc.ExtractedData.Metrics {
			fmt.Fprintf(&b, "- %s: %s\n", strings.ReplaceAll(m.Key, "_", " "), metricText(m))
		}
		break
	}
	return &Answer{Markdown: b.String(), Data: docs}, nil
}

func metricText(m documents.Metric) string {
	switch m.Unit {
	case "%":
		return FormatPercent(m.Value)
	case "months":
		return formatMonths(m.Value)
	case "people":
		return trimZeros(m.Value, 0)
	case "":
		return trimZeros(m.Value, 2)
	}
	return FormatMoney(m.Value, m.Unit)
}

// ==================== Market search ====================

const searchResults = 5

func (d Deps) marketSearch(ctx context.Context, turn *Turn) (*Answer, error) {
	if d.Search == nil {
		return nil, unavailable("web search")
	}
	query := turn.Query
	if turn.Company != nil && wordIndex(" "+foldForMatch(query)+" ", foldForMatch(turn.Company.Name)) < 0 {
		query = turn.Company.Name + " " + query
	}
	opts := tavily.Options{MaxResults: searchResults, IncludeAnswer: true}
	for _, t := range rl.Tokens(query) {
		if t == "news" || t == "latest" || t == "recent" {
			opts.Topic = "news"
			break
		}
	}
	resp, err := d.Search.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if resp.Answer != "" {
		b.WriteString(resp.Answer)
		b.WriteString("\n\n")
	}
	if len(resp.Results) == 0 {
		b.WriteString("No results found.")
	}
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "- [%s](%s)", r.Title, r.URL)
		if c := strings.TrimSpace(r.Content); c != "" {
			fmt.Fprintf(&b, ": %s", shorten(c, 200))
		}
		b.WriteString("\n")
	}
	return &Answer{Markdown: b.String(), Data: resp}, nil
}

func shorten(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

// ==================== FX ====================

var fxPattern = regexp.MustCompile(`(?i)(?:(\d[\d,]*(?:\.\d+)?(?:\s?(?:bn|mm|thousand|million|billion|[kmb]))?)\s*)?\b(` + currencyCodes + `)\s*(?:to|in|into|/)\s*(` + currencyCodes + `)\b`)

func (d Deps) fxConversion(ctx context.Context, turn *Turn) (*Answer, error) {
	if d.FX == nil {
		return nil, unavailable("FX rates")
	}
	m := fxPattern.FindStringSubmatch(turn.Query)
	if m == nil {
		return nil, fmt.Errorf(`say "100 EUR to USD": %w`, vcerrors.ErrValidation)
	}
	amount := 1.0
	if m[1] != "" {
		v, _, ok := documents.ParseAmount(m[1])
		if !ok {
			return nil, fmt.Errorf("%q is not an amount: %w", m[1], vcerrors.ErrValidation)
		}
		amount = v
	} else if len(turn.Entities.Amounts) > 0 {
		amount = turn.Entities.Amounts[0].Value
	}
	from, err := fx.NormalizeCode(m[2])
	if err != nil {
		return nil, err
	}
	to, err := fx.NormalizeCode(m[3])
	if err != nil {
		return nil, err
	}
	conv, err := d.FX.Convert(ctx, amount, from, to)
	if err != nil {
		return nil, err
	}
	md := fmt.Sprintf("%s %s = **%s %s** (rate %s)", trimZeros(conv.Amount, 2), conv.From,
		trimZeros(conv.Converted, 2), conv.To, trimZeros(conv.Rate, 6))
	return &Answer{Markdown: md, Data: conv}, nil
}

// ==================== Calculation ====================

var calcPrefix = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:calculate|compute|solve|what is|what's|whats)\s+`)

func (d Deps) calculation(ctx context.Context, turn *Turn) (*Answer, error) {
	if d.Calculator == nil {
		return nil, unavailable("calculator")
	}
	input := strings.TrimRight(calcPrefix.ReplaceAllString(turn.Query, ""), "?")
	answer, err := d.Calculator.ShortAnswer(ctx, input)
	if err != nil {
		return nil, err
	}
	return &Answer{Markdown: fmt.Sprintf("%s = **%s**", strings.TrimSpace(input), answer), Data: map[string]string{"input": input, "answer": answer}}, nil
}

// ==================== General ====================

const historyTurns = 6

func (d Deps) general(ctx context.Context, turn *Turn) (*Answer, error) {
	if d.LLM == nil {
		return nil, fmt.Errorf("the language model is not configured; set ANTHROPIC_API_KEY to enable open questions: %w", vcerrors.ErrUnavailable)
	}
	system, err := d.portfolioPrompt(ctx, turn)
	if err != nil {
		return nil, err
	}
	history := turn.Conversation.Messages
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	out, err := d.LLM.Complete(ctx, Prompt{System: system, History: history, Query: turn.Query})
	if err != nil {
		return nil, err
	}
	return &Answer{Markdown: out.Text, Data: map[string]any{"model": out.Model}}, nil
}

const systemPrompt = `You are an analyst assistant for a venture capital firm. Answer concisely in markdown using the portfolio context below. If the context does not contain the answer, say so.`

func (d Deps) portfolioPrompt(ctx context.Context, turn *Turn) (string, error) {
	var b strings.Builder
	b.WriteString(systemPrompt)
	if d.Companies != nil {
		s, err := companies.Summary(ctx, d.Companies)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n\nPortfolio: %d companies, %s invested, %s total valuation.",
			s.TotalCompanies, FormatMoney(s.TotalInvested, "USD"), FormatMoney(s.TotalValuation, "USD"))
	}
	if len(turn.Portfolio) > 0 {
		names := make([]string, 0, len(turn.Portfolio))
		for _, p := range turn.Portfolio {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, "\nCompanies: %s.", strings.Join(names, ", "))
	}
	if c := turn.Company; c != nil {
		fmt.Fprintf(&b, "\n\nThe user is asking about %s.\n%s", c.Name, table([2]string{"Metric", "Value"}, companyRows(c)))
	}
	return b.String(), nil
}
