// Package rl keeps a memory of answered agent queries and the feedback they
// received, and retrieves similar past queries to bias intent routing.
package rl

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Dims is the embedding width.
const Dims = 256

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "can": true, "do": true, "does": true, "for": true, "from": true, "how": true,
	"i": true, "in": true, "is": true, "it": true, "its": true, "me": true, "my": true,
	"of": true, "on": true, "or": true, "our": true, "please": true, "show": true, "tell": true,
	"that": true, "the": true, "this": true, "to": true, "us": true, "was": true, "we": true,
	"what": true, "whats": true, "with": true, "you": true, "your": true,
}

// Tokens lower-cases text, splits it on anything that is not a letter,
// digit or '.', and drops stopwords.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f == "" || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Embed returns a feature-hashed, L2-normalised bag of tokens and bigrams.
// Text with no tokens embeds to the zero vector.
func Embed(text string) []float64 {
	vec := make([]float64, Dims)
	tokens := Tokens(text)
	for i, tok := range tokens {
		addFeature(vec, tok, 1)
		if i > 0 {
			addFeature(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// addFeature hashes a feature to a bucket. A second hash bit picks the sign
// so collisions tend to cancel.
func addFeature(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := sum % Dims
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

// Cosine returns the cosine similarity of a and b, or 0 for zero vectors
// and mismatched lengths.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
