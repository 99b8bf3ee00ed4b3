package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizer_Tokenize_WithStemming(t *testing.T) {
	tok := NewTokenizer(true)

	tokens := tok.Tokenize("Revenue increased due to growing cloud segments")
	assert.Contains(t, tokens, "increase")
	assert.Contains(t, tokens, "grow")
	assert.Contains(t, tokens, "segment")
	assert.NotContains(t, tokens, "to")
}

func TestTokenizer_Tokenize_WithoutStemming(t *testing.T) {
	tok := NewTokenizer(false)

	tokens := tok.Tokenize("running dogs are playing")
	assert.Equal(t, []string{"running", "dogs", "playing"}, tokens)
}

func TestTokenizer_KeepsDecimalsAndDigits(t *testing.T) {
	tok := NewTokenizer(false)

	tokens := tok.Tokenize("Margin was 42.5% in Q3, up 2 points.")
	assert.Contains(t, tokens, "42.5")
	assert.Contains(t, tokens, "q3")
	assert.Contains(t, tokens, "2")
	assert.NotContains(t, tokens, "was")
}

func TestTokenizer_TermFrequencies(t *testing.T) {
	tok := NewTokenizer(true)

	tf := tok.TermFrequencies("cloud revenue and cloud margins")
	assert.Equal(t, 2, tf["cloud"])
	assert.Equal(t, 1, tf["margin"])
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 0, CountWords("  \n\t "))
	assert.Equal(t, 4, CountWords("one two\nthree\n\nfour"))
	assert.Greater(t, EstimateTokens("one two three"), 3)
}

func TestStemmer(t *testing.T) {
	s := NewStemmer()
	tests := map[string]string{
		"companies": "company",
		"increased": "increase",
		"planned":   "plan",
		"quarterly": "quarter",
		"sales":     "sale",
		"business":  "business",
		"revenues":  "revenue",
		"stopping":  "stop",
		"tax":       "tax",
	}
	for in, want := range tests {
		assert.Equal(t, want, s.Stem(in), "stem(%q)", in)
	}
}

func TestBM25(t *testing.T) {
	p := DefaultBM25()

	rare := p.IDF(1, 100)
	common := p.IDF(90, 100)
	assert.Greater(t, rare, common)
	assert.Equal(t, 0.0, p.IDF(0, 100))

	short := p.TermScore(2, 50, 100, rare)
	long := p.TermScore(2, 200, 100, rare)
	assert.Greater(t, short, long, "shorter chunks score higher for the same tf")
	assert.Equal(t, 0.0, p.TermScore(0, 50, 100, rare))
}
