package analyzer

import (
	"strings"
	"unicode"
)

// Tokenizer splits text into index terms with optional stemming and stopword removal.
type Tokenizer struct {
	stemmer   *Stemmer
	stopwords map[string]struct{}
}

// NewTokenizer creates a new Tokenizer.
func NewTokenizer(useStemming bool) *Tokenizer {
	t := &Tokenizer{stopwords: defaultStopwords()}
	if useStemming {
		t.stemmer = NewStemmer()
	}
	return t
}

// Tokenize splits text into index terms.
func (t *Tokenizer) Tokenize(text string) []string {
	words := splitWords(text)
	tokens := make([]string, 0, len(words))

	for _, word := range words {
		word = strings.ToLower(word)
		if len(word) < 2 && !isNumeric(word) {
			continue
		}
		if _, stop := t.stopwords[word]; stop {
			continue
		}
		if t.stemmer != nil {
			word = t.stemmer.Stem(word)
		}
		tokens = append(tokens, word)
	}

	return tokens
}

// TermFrequencies returns the sparse term-frequency signature of text.
func (t *Tokenizer) TermFrequencies(text string) map[string]int {
	tf := make(map[string]int)
	for _, term := range t.Tokenize(text) {
		tf[term]++
	}
	return tf
}

// CountWords is the token measure used for chunk bounds: whitespace-delimited words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// EstimateTokens approximates model tokens for prompt budgeting.
func EstimateTokens(text string) int {
	n := CountWords(text)
	if n == 0 {
		return 0
	}
	// ~1.3 subword tokens per word for English prose
	return int(float64(n)*1.3) + 1
}

// splitWords splits text on anything that is not a letter or digit.
// A decimal point between digits is kept so "3.5" stays one word.
func splitWords(text string) []string {
	var words []string
	var current strings.Builder
	runes := []rune(text)

	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		case r == '.' && current.Len() > 0 && i > 0 && unicode.IsDigit(runes[i-1]) &&
			i+1 < len(runes) && unicode.IsDigit(runes[i+1]):
			current.WriteRune(r)
		default:
			if current.Len() > 0 {
				words = append(words, current.String())
				current.Reset()
			}
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}

	return words
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func defaultStopwords() map[string]struct{} {
	stops := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with", "this",
		"have", "had", "but", "not", "you", "your", "we", "our",
		"they", "their", "she", "her", "his", "if", "or", "so",
		"no", "can", "do", "does", "did", "been", "being", "would",
		"could", "should", "may", "might", "must", "shall", "which",
		"who", "whom", "what", "when", "where", "why", "how", "all",
		"each", "every", "both", "few", "more", "most", "other",
		"some", "such", "than", "too", "very", "just", "also",
		"about", "into", "over", "there", "these", "those", "us",
	}
	m := make(map[string]struct{}, len(stops))
	for _, s := range stops {
		m[s] = struct{}{}
	}
	return m
}
