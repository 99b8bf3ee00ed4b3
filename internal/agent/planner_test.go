package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLines(t *testing.T) {
	out := "```\n1. AAPL services revenue growth\n2) AAPL gross margin\n- \"AAPL share repurchases\"\n* aapl gross margin\n\n2024 capex guidance\n```"
	assert.Equal(t, []string{
		"AAPL services revenue growth",
		"AAPL gross margin",
		"AAPL share repurchases",
		"2024 capex guidance",
	}, ParseLines(out, 5))

	assert.Len(t, ParseLines(out, 2), 2)
	assert.Empty(t, ParseLines("\n \n", 3))
}

func TestPlanner_WithoutGenerator(t *testing.T) {
	p := NewPlanner(nil, 5)
	got, err := p.Plan(context.Background(), "  What drove TSLA margins?  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"What drove TSLA margins?"}, got)
}

func TestPlanner_CapsSubQueries(t *testing.T) {
	gen := &fakeGen{fn: func(system, prompt string) (string, error) {
		assert.Contains(t, system, "at most 2")
		return "a\nb\nc\nd", nil
	}}
	got, err := NewPlanner(gen, 2).Plan(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestPlanner_FallsBackOnError(t *testing.T) {
	gen := &fakeGen{fn: func(system, prompt string) (string, error) {
		return "", errors.New("boom")
	}}
	got, err := NewPlanner(gen, 3).Plan(context.Background(), "q")
	assert.Error(t, err)
	assert.Equal(t, []string{"q"}, got)

	empty := &fakeGen{fn: func(system, prompt string) (string, error) { return "   ", nil }}
	got, err = NewPlanner(empty, 3).Plan(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"q"}, got)
}
