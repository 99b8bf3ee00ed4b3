package analyzer

import "strings"

// Stemmer is a light suffix-stripping stemmer. It conflates common English
// inflections (plural, past tense, gerund, adverb) without the aggressive
// derivational rules that merge unrelated financial terms.
type Stemmer struct {
	exceptions map[string]string
}

// NewStemmer creates a new Stemmer.
func NewStemmer() *Stemmer {
	return &Stemmer{
		exceptions: map[string]string{
			"sales":    "sale",
			"losses":   "loss",
			"business": "business",
			"analysis": "analysis",
			"basis":    "basis",
			"news":     "news",
			"series":   "series",
			"gross":    "gross",
			"expenses": "expense",
			"margins":  "margin",
			"earnings": "earning",
		},
	}
}

// Stem returns the stem of a lowercase word.
func (s *Stemmer) Stem(word string) string {
	if len(word) < 4 {
		return word
	}
	if ex, ok := s.exceptions[word]; ok {
		return ex
	}

	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 4:
		word = word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "sses"):
		word = word[:len(word)-2]
	case strings.HasSuffix(word, "ss") || strings.HasSuffix(word, "us") || strings.HasSuffix(word, "is"):
	case strings.HasSuffix(word, "s"):
		word = word[:len(word)-1]
	}

	switch {
	case strings.HasSuffix(word, "ingly") && len(word) > 7:
		word = undouble(word[:len(word)-5])
	case strings.HasSuffix(word, "ing") && len(word) > 5 && hasVowel(word[:len(word)-3]):
		word = restoreE(undouble(word[:len(word)-3]))
	case strings.HasSuffix(word, "ied") && len(word) > 4:
		word = word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "ed") && len(word) > 4 && hasVowel(word[:len(word)-2]):
		word = restoreE(undouble(word[:len(word)-2]))
	case strings.HasSuffix(word, "ly") && len(word) > 5:
		word = word[:len(word)-2]
	}

	return word
}

func isVowel(c byte) bool {
	switch c {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}

func hasVowel(s string) bool {
	for i := 0; i < len(s); i++ {
		if isVowel(s[i]) {
			return true
		}
	}
	return false
}

// undouble turns "grow+n" style doubled endings ("plann", "stopp") back into one consonant.
func undouble(s string) string {
	n := len(s)
	if n < 3 || s[n-1] != s[n-2] || isVowel(s[n-1]) {
		return s
	}
	switch s[n-1] {
	case 'l', 's', 'z':
		return s
	}
	return s[:n-1]
}

// restoreE re-adds a silent e dropped by -ed/-ing ("increas" -> "increase").
func restoreE(s string) string {
	n := len(s)
	if n < 3 {
		return s
	}
	switch {
	case strings.HasSuffix(s, "at"), strings.HasSuffix(s, "iz"), strings.HasSuffix(s, "bl"):
		return s + "e"
	case strings.HasSuffix(s, "as"), strings.HasSuffix(s, "uc"), strings.HasSuffix(s, "ur"), strings.HasSuffix(s, "ang"):
		return s + "e"
	}
	return s
}
