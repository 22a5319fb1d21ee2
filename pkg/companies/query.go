package companies

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// CompareOp is a numeric comparison in a metric filter.
type CompareOp string

const (
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpEQ CompareOp = "="
)

// MetricCondition filters on a numeric company field.
type MetricCondition struct {
	Field string    `json:"field"`
	Op    CompareOp `json:"op"`
	Value float64   `json:"value"`
}

// Filter selects companies for List and Count.
type Filter struct {
	Sectors        []string          `json:"sectors,omitempty"`
	ExcludeSectors []string          `json:"exclude_sectors,omitempty"`
	Stages         []Stage           `json:"stages,omitempty"`
	ExcludeStages  []Stage           `json:"exclude_stages,omitempty"`
	Statuses       []Status          `json:"statuses,omitempty"`
	FundID         *uuid.UUID        `json:"fund_id,omitempty"`
	NameSearch     string            `json:"name_search,omitempty"`
	Metrics        []MetricCondition `json:"metrics,omitempty"`
	SortBy         string            `json:"sort_by,omitempty"`
	SortDesc       bool              `json:"sort_desc,omitempty"`
	Limit          int               `json:"limit,omitempty"`
	Offset         int               `json:"offset,omitempty"`
}

// EffectiveLimit clamps Limit to [1, MaxLimit], defaulting to DefaultLimit.
func (f Filter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

// ParseError reports a malformed query string.
type ParseError struct {
	Message  string
	Position int
	Context  string
}

func (e *ParseError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("query error at position %d: %s (near '%s')", e.Position, e.Message, e.Context)
	}
	return fmt.Sprintf("query error at position %d: %s", e.Position, e.Message)
}

func (e *ParseError) Unwrap() error { return vcerrors.ErrValidation }

type queryToken struct {
	value    string
	position int
	quoted   bool
	negated  bool
	key      string
	op       string
}

// ParseQuery builds a Filter from a compact query string such as
//
//	sector:fintech stage:seed,series_a -stage:growth arr>5m growth>=50% sort:-arr limit:20 acme
//
// Bare words and quoted phrases become the name search.
func ParseQuery(input string) (Filter, error) {
	var f Filter
	tokens, err := tokenizeQuery(input)
	if err != nil {
		return f, err
	}

	var words []string
	for _, tok := range tokens {
		switch {
		case tok.op == ":":
			if err := applyKeyValue(&f, tok); err != nil {
				return Filter{}, err
			}
		case tok.op != "":
			cond, err := parseCondition(tok)
			if err != nil {
				return Filter{}, err
			}
			f.Metrics = append(f.Metrics, cond)
		default:
			words = append(words, tok.value)
		}
	}
	f.NameSearch = strings.Join(words, " ")
	return f, nil
}

func tokenizeQuery(input string) ([]queryToken, error) {
	var tokens []queryToken
	runes := []rune(input)
	n := len(runes)
	pos := 0

	readQuoted := func(start int) (string, error) {
		pos++
		var sb strings.Builder
		for pos < n && runes[pos] != '"' {
			if runes[pos] == '\\' && pos+1 < n {
				pos++
			}
			sb.WriteRune(runes[pos])
			pos++
		}
		if pos >= n {
			return "", &ParseError{
				Message:  "unclosed quoted string",
				Position: start,
				Context:  string(runes[start:min(start+20, n)]),
			}
		}
		pos++
		return sb.String(), nil
	}

	for pos < n {
		for pos < n && unicode.IsSpace(runes[pos]) {
			pos++
		}
		if pos >= n {
			break
		}
		start := pos

		if runes[pos] == '"' {
			s, err := readQuoted(start)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, queryToken{value: s, position: start, quoted: true})
			continue
		}

		negated := false
		if runes[pos] == '-' && pos+1 < n && unicode.IsLetter(runes[pos+1]) {
			negated = true
			pos++
		}

		var sb strings.Builder
		for pos < n && !unicode.IsSpace(runes[pos]) && runes[pos] != '"' {
			sb.WriteRune(runes[pos])
			pos++
		}
		word := sb.String()

		key, op, value := splitOperator(word)
		if op == ":" && value == "" && pos < n && runes[pos] == '"' {
			s, err := readQuoted(start)
			if err != nil {
				return nil, err
			}
			value = s
		}
		if op == "" {
			tokens = append(tokens, queryToken{value: word, position: start, negated: negated})
			continue
		}
		tokens = append(tokens, queryToken{
			key:      strings.ToLower(key),
			op:       op,
			value:    value,
			position: start,
			negated:  negated,
		})
	}
	return tokens, nil
}

// splitOperator finds the first ":", ">=", "<=", ">", "<" or "=" after a
// non-empty key.
func splitOperator(word string) (key, op, value string) {
	for i := 1; i < len(word); i++ {
		switch word[i] {
		case ':':
			return word[:i], ":", word[i+1:]
		case '>', '<':
			if i+1 < len(word) && word[i+1] == '=' {
				return word[:i], word[i : i+2], word[i+2:]
			}
			return word[:i], word[i : i+1], word[i+1:]
		case '=':
			return word[:i], "=", word[i+1:]
		}
	}
	return "", "", word
}

func applyKeyValue(f *Filter, tok queryToken) error {
	values := splitValues(tok.value)
	if len(values) == 0 {
		return &ParseError{Message: "missing value", Position: tok.position, Context: tok.key + ":"}
	}

	switch tok.key {
	case "sector", "industry":
		if tok.negated {
			f.ExcludeSectors = append(f.ExcludeSectors, values...)
		} else {
			f.Sectors = append(f.Sectors, values...)
		}
	case "stage":
		for _, v := range values {
			st, err := ParseStage(v)
			if err != nil {
				return &ParseError{Message: err.Error(), Position: tok.position, Context: tok.value}
			}
			if tok.negated {
				f.ExcludeStages = append(f.ExcludeStages, st)
			} else {
				f.Stages = append(f.Stages, st)
			}
		}
	case "status":
		for _, v := range values {
			st, err := ParseStatus(v)
			if err != nil {
				return &ParseError{Message: err.Error(), Position: tok.position, Context: tok.value}
			}
			f.Statuses = append(f.Statuses, st)
		}
	case "fund":
		id, err := uuid.Parse(values[0])
		if err != nil {
			return &ParseError{Message: "fund must be a UUID", Position: tok.position, Context: tok.value}
		}
		f.FundID = &id
	case "name":
		f.NameSearch = strings.TrimSpace(strings.Join([]string{f.NameSearch, tok.value}, " "))
	case "sort":
		by := values[0]
		desc := strings.HasPrefix(by, "-")
		by = strings.TrimPrefix(by, "-")
		field, ok := ResolveField(by)
		if !ok {
			return &ParseError{Message: fmt.Sprintf("cannot sort by %q", by), Position: tok.position, Context: tok.value}
		}
		f.SortBy = field.Key
		f.SortDesc = desc
	case "limit", "offset":
		n, err := strconv.Atoi(values[0])
		if err != nil || n < 0 {
			return &ParseError{Message: tok.key + " must be a non-negative integer", Position: tok.position, Context: tok.value}
		}
		if tok.key == "limit" {
			f.Limit = n
		} else {
			f.Offset = n
		}
	default:
		return &ParseError{Message: fmt.Sprintf("unknown filter %q", tok.key), Position: tok.position, Context: tok.key + ":"}
	}
	return nil
}

func parseCondition(tok queryToken) (MetricCondition, error) {
	field, ok := ResolveField(tok.key)
	if !ok || !field.Kind.Numeric() {
		return MetricCondition{}, &ParseError{
			Message:  fmt.Sprintf("%q is not a numeric field", tok.key),
			Position: tok.position,
			Context:  tok.key + tok.op,
		}
	}
	v, err := ParseNumber(tok.value)
	if err != nil {
		return MetricCondition{}, &ParseError{Message: "invalid number", Position: tok.position, Context: tok.value}
	}
	return MetricCondition{Field: field.Key, Op: CompareOp(tok.op), Value: v}, nil
}

func splitValues(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
