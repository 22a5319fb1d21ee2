package documents

import (
	"bytes"
	"encoding/csv"
	"errors"
	"html"
	"io"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Text encodings reported in ExtractedData.Encoding.
const (
	EncodingUTF8        = "utf-8"
	EncodingUTF16LE     = "utf-16le"
	EncodingUTF16BE     = "utf-16be"
	EncodingWindows1252 = "windows-1252"
)

var binaryExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".key": true, ".numbers": true, ".pages": true,
	".odt": true, ".ods": true, ".odp": true, ".zip": true, ".png": true, ".jpg": true, ".jpeg": true,
}

// IsBinary reports whether a document's text cannot be read directly.
func IsBinary(filename, contentType string) bool {
	if binaryExtensions[strings.ToLower(filepath.Ext(filename))] {
		return true
	}
	ct := mediaType(contentType)
	switch {
	case ct == "application/pdf", strings.HasPrefix(ct, "application/vnd."), strings.HasPrefix(ct, "application/msword"),
		strings.HasPrefix(ct, "image/"), ct == "application/zip":
		return true
	}
	return false
}

func mediaType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// Extraction is the extractor's output for one document.
type Extraction struct {
	Text      string
	Encoding  string
	Metrics   []Metric
	Rows      [][]string
	RowCount  int
	Truncated bool
}

// Extractor decodes document text and pulls out metrics.
type Extractor struct {
	policy *bluemonday.Policy
}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	return &Extractor{policy: bluemonday.StrictPolicy()}
}

// Extract decodes data, strips markup, parses CSV and finds metrics.
func (e *Extractor) Extract(filename, contentType string, data []byte) (*Extraction, error) {
	text, enc, err := DecodeText(data)
	if err != nil {
		return nil, err
	}
	out := &Extraction{Encoding: enc}

	ext := strings.ToLower(filepath.Ext(filename))
	ct := mediaType(contentType)
	switch {
	case ext == ".html" || ext == ".htm" || ct == "text/html" || looksLikeHTML(text):
		text = e.StripHTML(text)
	case ext == ".csv" || ext == ".tsv" || ct == "text/csv" || ct == "text/tab-separated-values":
		comma := ','
		if ext == ".tsv" || ct == "text/tab-separated-values" {
			comma = '\t'
		}
		rows, err := ParseCSV(text, comma)
		if err != nil {
			return nil, err
		}
		out.RowCount = len(rows)
		if len(rows) > MaxCSVRows {
			out.Rows = rows[:MaxCSVRows]
		} else {
			out.Rows = rows
		}
		text = rowsText(rows)
	}

	out.Text, out.Truncated = truncateText(text)
	out.Metrics = ExtractMetrics(text)
	return out, nil
}

// DecodeText returns data as UTF-8. A UTF-16 byte order mark selects UTF-16,
// valid UTF-8 is kept, and anything else is read as Windows-1252.
func DecodeText(data []byte) (string, string, error) {
	text, enc, err := decodeText(data)
	if err != nil {
		return "", enc, err
	}
	// PostgreSQL text and jsonb reject NUL.
	return strings.ReplaceAll(text, "\x00", ""), enc, nil
}

func decodeText(data []byte) (string, string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return string(data[3:]), EncodingUTF8, nil
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		out, err := decodeWith(data, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
		return out, EncodingUTF16LE, err
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		out, err := decodeWith(data, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder())
		return out, EncodingUTF16BE, err
	case utf8.Valid(data):
		return string(data), EncodingUTF8, nil
	default:
		out, err := decodeWith(data, charmap.Windows1252.NewDecoder())
		return out, EncodingWindows1252, err
	}
}

func decodeWith(data []byte, t transform.Transformer) (string, error) {
	out, _, err := transform.Bytes(t, data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func looksLikeHTML(text string) bool {
	head := strings.ToLower(strings.TrimSpace(text))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

var (
	blockTags = regexp.MustCompile(`(?i)</?(p|div|br|li|tr|h[1-6]|table|ul|ol|section|article)\b[^>]*>`)
	dropTags  = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	spaceRuns = regexp.MustCompile(`[ \t\f\v]+`)
	blankRuns = regexp.MustCompile(`\n\s*\n+`)
)

// StripHTML removes all markup and returns readable text with block
// elements on their own lines.
func (e *Extractor) StripHTML(s string) string {
	s = dropTags.ReplaceAllString(s, " ")
	s = blockTags.ReplaceAllString(s, "\n")
	s = html.UnescapeString(e.policy.Sanitize(s))
	s = spaceRuns.ReplaceAllString(s, " ")
	s = blankRuns.ReplaceAllString(s, "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ParseCSV reads every record, allowing ragged rows.
func ParseCSV(text string, comma rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, err
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// rowsText renders rows as "label: value value" lines so the metric
// patterns see "ARR: 1200000" for a row ["ARR", "1200000"].
func rowsText(rows [][]string) string {
	var b strings.Builder
	for _, row := range rows {
		cells := row[:0:0]
		for _, c := range row {
			if c != "" {
				cells = append(cells, c)
			}
		}
		if len(cells) == 0 {
			continue
		}
		b.WriteString(cells[0])
		if len(cells) > 1 {
			b.WriteString(": ")
			b.WriteString(strings.Join(cells[1:], " "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ==================== Metrics ====================

const (
	amountGroup  = `([$€£]?\s?[0-9][0-9,]*(?:\.[0-9]+)?(?:\s?(?:bn|mm|[kmb]|thousand|million|billion)\b)?)`
	percentGroup = `(-?[0-9]+(?:\.[0-9]+)?)\s?%`
	gap          = `[^0-9$€£\n]{0,30}?`
)

type metricKind int

const (
	kindMoney metricKind = iota
	kindPercent
	kindMonths
	kindCount
)

type metricPattern struct {
	key    string
	column string
	kind   metricKind
	scale  float64
	// notAfter rejects a match preceded by this word.
	notAfter string
	// rejectGap rejects a match whose label-to-value gap holds one of
	// these words ("burn multiple 1.2x" is not a burn).
	rejectGap  []string
	patterns   []*regexp.Regexp
	confidence []float64
}

func mustPatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

var metricPatterns = []metricPattern{
	{
		key: "arr", column: "arr", kind: kindMoney, scale: 1, rejectGap: []string{"growth", "multiple"},
		patterns:   mustPatterns(`\b(?:ARR|annual(?:ized)? recurring revenue)\b` + gap + amountGroup),
		confidence: []float64{0.9},
	},
	{
		key: "mrr", column: "arr", kind: kindMoney, scale: 12,
		patterns:   mustPatterns(`\b(?:MRR|monthly recurring revenue)\b` + gap + amountGroup),
		confidence: []float64{0.8},
	},
	{
		key: "revenue", kind: kindMoney, scale: 1, notAfter: "recurring", rejectGap: []string{"growth", "multiple"},
		patterns:   mustPatterns(`\b(?:total |net |annual )?revenues?\b` + gap + amountGroup),
		confidence: []float64{0.7},
	},
	{
		key: "growth", column: "growth", kind: kindPercent, scale: 1,
		patterns: mustPatterns(
			`\b(?:growth|grew|growing)\b[^0-9%\n]{0,30}?`+percentGroup,
			percentGroup+`\s(?:yoy|y/y|year[- ]over[- ]year|growth)\b`,
		),
		confidence: []float64{0.8, 0.7},
	},
	{
		key: "burn", column: "burn", kind: kindMoney, scale: 1, rejectGap: []string{"multiple"},
		patterns:   mustPatterns(`\b(?:net |monthly |gross )?burn(?: rate)?\b` + gap + amountGroup),
		confidence: []float64{0.8},
	},
	{
		// Runway is derived from cash and burn, so it is never written back.
		key: "runway", kind: kindMonths, scale: 1,
		patterns: mustPatterns(
			`\brunway\b[^0-9\n]{0,30}?([0-9]+(?:\.[0-9]+)?)\s?(?:months|month|mos|mo)\b`,
			`([0-9]+(?:\.[0-9]+)?)\s?months? (?:of )?runway\b`,
		),
		confidence: []float64{0.8, 0.8},
	},
	{
		key: "cash", column: "cash", kind: kindMoney, scale: 1, rejectGap: []string{"flow"},
		patterns:   mustPatterns(`\b(?:cash(?: in bank| on hand| balance| position)?|bank balance)\b` + gap + amountGroup),
		confidence: []float64{0.8},
	},
	{
		key: "headcount", column: "headcount", kind: kindCount, scale: 1,
		patterns: mustPatterns(
			`\b(?:headcount|team size|employees|FTEs?)\b[^0-9\n]{0,20}?([0-9][0-9,]*)\b`,
			`\b([0-9][0-9,]*)\s(?:employees|FTEs|people on the team)\b`,
		),
		confidence: []float64{0.8, 0.7},
	},
	{
		key: "gross_margin", column: "gross_margin", kind: kindPercent, scale: 1,
		patterns: mustPatterns(
			`\bgross margins?\b[^0-9%\n]{0,30}?`+percentGroup,
			percentGroup+`\sgross margins?\b`,
		),
		confidence: []float64{0.85, 0.75},
	},
	{
		key: "raise", kind: kindMoney, scale: 1,
		patterns:   mustPatterns(`\b(?:raising|raised|raise|round size|investment amount)\b` + gap + amountGroup),
		confidence: []float64{0.7},
	},
	{
		key: "pre_money", kind: kindMoney, scale: 1,
		patterns: mustPatterns(
			`\bpre[- ]?money(?: valuation)?\b`+gap+amountGroup,
			amountGroup+`\s?pre[- ]?money\b`,
		),
		confidence: []float64{0.85, 0.8},
	},
	{
		key: "post_money", column: "valuation", kind: kindMoney, scale: 1,
		patterns: mustPatterns(
			`\bpost[- ]?money(?: valuation)?\b`+gap+amountGroup,
			amountGroup+`\s?post[- ]?money\b`,
		),
		confidence: []float64{0.85, 0.8},
	},
}

// ExtractMetrics returns the first plausible match of each known metric.
// An ARR figure wins over one derived from MRR.
func ExtractMetrics(text string) []Metric {
	var out []Metric
	found := map[string]bool{}
	for _, p := range metricPatterns {
		m, ok := p.find(text)
		if !ok {
			continue
		}
		if p.key == "mrr" {
			if found["arr"] {
				continue
			}
			m.Key = "arr"
		}
		found[m.Key] = true
		out = append(out, m)
	}
	return out
}

func (p metricPattern) find(text string) (Metric, bool) {
	for i, re := range p.patterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			if p.notAfter != "" && precededBy(text, loc[0], p.notAfter) {
				continue
			}
			if p.rejected(text[loc[0]:loc[2]]) {
				continue
			}
			if p.kind == kindMoney && followedByPercent(text, loc[3]) {
				continue
			}
			raw := text[loc[2]:loc[3]]
			value, unit, ok := p.parse(raw)
			if !ok {
				continue
			}
			return Metric{
				Key:        p.key,
				Value:      value,
				Unit:       unit,
				Column:     p.column,
				Snippet:    snippet(text, loc[0], loc[1]),
				Confidence: p.confidence[i],
			}, true
		}
	}
	return Metric{}, false
}

func (p metricPattern) parse(raw string) (float64, string, bool) {
	switch p.kind {
	case kindMoney:
		v, currency, ok := ParseAmount(raw)
		if !ok || v <= 0 {
			return 0, "", false
		}
		return roundTo(v*p.scale, 2), currency, true
	case kindPercent:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < -100 || v > 1000 {
			return 0, "", false
		}
		return v, "%", true
	case kindMonths:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 240 {
			return 0, "", false
		}
		return v, "months", true
	default:
		v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		if err != nil || v <= 0 || v >= 1_000_000 {
			return 0, "", false
		}
		return v, "people", true
	}
}

var amountRe = regexp.MustCompile(`(?i)^([$€£])?\s?([0-9][0-9,]*(?:\.[0-9]+)?)\s?(bn|mm|[kmb]|thousand|million|billion)?$`)

// ParseAmount parses "$1.2M", "€ 850k" or "2,500,000" into a value and a
// currency code. Amounts without a symbol are assumed to be USD.
func ParseAmount(raw string) (float64, string, bool) {
	m := amountRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, "", false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return 0, "", false
	}
	switch strings.ToLower(m[3]) {
	case "k", "thousand":
		v *= 1e3
	case "m", "mm", "million":
		v *= 1e6
	case "b", "bn", "billion":
		v *= 1e9
	}
	currency := "USD"
	switch m[1] {
	case "€":
		currency = "EUR"
	case "£":
		currency = "GBP"
	}
	return v, currency, true
}

func (p metricPattern) rejected(gapText string) bool {
	lower := strings.ToLower(gapText)
	for _, w := range p.rejectGap {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func followedByPercent(text string, at int) bool {
	rest := strings.TrimLeft(text[at:], " ")
	return strings.HasPrefix(rest, "%")
}

func precededBy(text string, at int, word string) bool {
	start := at - len(word) - 2
	if start < 0 {
		start = 0
	}
	return strings.Contains(strings.ToLower(text[start:at]), word)
}

func snippet(text string, start, end int) string {
	const pad = 40
	from, to := start-pad, end+pad
	if from < 0 {
		from = 0
	}
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return strings.Join(strings.Fields(text[from:to]), " ")
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
