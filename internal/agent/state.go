package agent

import (
	"fmt"

	"finrag/internal/domain"
)

// Phase is a state of the research state machine.
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseRetrieving
	PhaseEvaluating
	PhaseRetrying
	PhaseSynthesizing
	PhaseDone
	PhaseAborted
)

var phaseNames = [...]string{
	PhasePlanning:     "planning",
	PhaseRetrieving:   "retrieving",
	PhaseEvaluating:   "evaluating",
	PhaseRetrying:     "retrying",
	PhaseSynthesizing: "synthesizing",
	PhaseDone:         "done",
	PhaseAborted:      "aborted",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// transitions lists the forward edges. Aborted is reachable from every
// non-terminal phase and is not repeated here. Nothing leads back to Planning.
var transitions = map[Phase][]Phase{
	PhasePlanning:     {PhaseRetrieving},
	PhaseRetrieving:   {PhaseEvaluating},
	PhaseEvaluating:   {PhaseRetrying, PhaseSynthesizing},
	PhaseRetrying:     {PhaseRetrieving},
	PhaseSynthesizing: {PhaseDone},
}

// CanTransition reports whether p -> to is a legal edge.
func (p Phase) CanTransition(to Phase) bool {
	if p.Terminal() {
		return false
	}
	if to == PhaseAborted {
		return true
	}
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// SubQuery is one planned retrieval. Text is the current formulation and
// History holds the earlier ones, oldest first.
type SubQuery struct {
	Index   int
	Text    string
	History []string
}

// Verdict is the outcome of one sufficiency evaluation.
type Verdict struct {
	Sufficient  bool
	Confidence  float64
	Reason      string
	Unresolved  []int
	Suggestions []string
	// Degraded is set when the model could not be consulted and the
	// coverage heuristic decided alone.
	Degraded bool
}

// State is owned by a single run and mutated only by it. Once Phase is
// terminal the state is frozen.
type State struct {
	Phase    Phase
	Question string
	Filters  domain.Filters

	SubQueries []SubQuery
	Pending    []int
	Evidence   []domain.EvidenceSet

	Verdict Verdict
	Retries int
	Rounds  int

	Claims        []domain.ReportClaim
	LowConfidence bool
	Unreranked    bool
	AbortReason   string
}

func newState(question string, filters domain.Filters) *State {
	return &State{Phase: PhasePlanning, Question: question, Filters: filters}
}

// Covered reports whether sub-query i has at least one non-empty evidence set.
func (s *State) Covered(i int) bool {
	for _, set := range s.Evidence {
		if set.SubQuery == i && set.Len() > 0 {
			return true
		}
	}
	return false
}

// HasEvidence reports whether any evidence was gathered.
func (s *State) HasEvidence() bool {
	for _, set := range s.Evidence {
		if set.Len() > 0 {
			return true
		}
	}
	return false
}

// EvidenceIDs returns the set of chunk ids across all evidence.
func (s *State) EvidenceIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, set := range s.Evidence {
		for _, c := range set.Candidates {
			ids[c.ChunkID] = true
		}
	}
	return ids
}

// Report snapshots the state as a report. Confidence is low whenever the
// evidence was thin, unreranked, or the run did not finish.
func (s *State) Report(runID string) *domain.Report {
	claims := make([]domain.ReportClaim, len(s.Claims))
	copy(claims, s.Claims)

	queries := make([]string, len(s.SubQueries))
	for i, q := range s.SubQueries {
		queries[i] = q.Text
	}

	conf := domain.ConfidenceNormal
	if s.LowConfidence || s.Unreranked || !s.HasEvidence() || s.Phase == PhaseAborted {
		conf = domain.ConfidenceLow
	}

	return &domain.Report{
		RunID:       runID,
		Question:    s.Question,
		Claims:      claims,
		Confidence:  conf,
		Aborted:     s.Phase == PhaseAborted,
		AbortReason: s.AbortReason,
		Unreranked:  s.Unreranked,
		SubQueries:  queries,
		Rounds:      s.Rounds,
	}
}
