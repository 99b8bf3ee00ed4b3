package analyzer

import "math"

// BM25 holds Okapi BM25 parameters.
type BM25 struct {
	K1 float64
	B  float64
}

// DefaultBM25 returns the conventional parameters.
func DefaultBM25() BM25 {
	return BM25{K1: 1.2, B: 0.75}
}

// IDF is the inverse document frequency of a term found in n of N chunks.
func (p BM25) IDF(n, N int) float64 {
	if n <= 0 || N <= 0 {
		return 0
	}
	return math.Log((float64(N)-float64(n)+0.5)/(float64(n)+0.5) + 1)
}

// TermScore scores one term occurrence count tf in a chunk of length dl.
func (p BM25) TermScore(tf int, dl, avgDl, idf float64) float64 {
	if tf <= 0 {
		return 0
	}
	if avgDl <= 0 {
		avgDl = 1
	}
	f := float64(tf)
	return idf * (f * (p.K1 + 1)) / (f + p.K1*(1-p.B+p.B*dl/avgDl))
}
