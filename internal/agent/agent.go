// Package agent runs the research state machine: it plans sub-queries,
// retrieves evidence for them, judges sufficiency, retries with reformulated
// queries and synthesizes a cited report.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finrag/config"
	"finrag/internal/domain"
	"finrag/internal/port"
	"finrag/internal/stream"
	"finrag/internal/usecase"
)

// Retrieval produces one evidence set per query.
type Retrieval interface {
	Evidence(ctx context.Context, query string, filters domain.Filters) (domain.EvidenceSet, error)
}

// Policy bounds a run.
type Policy struct {
	MaxSubQueries       int
	MaxRetries          int
	MaxParallel         int
	RetrievalTimeout    time.Duration
	ConfidenceThreshold float64
}

// PolicyFromConfig converts the agent config section.
func PolicyFromConfig(cfg config.AgentConfig) Policy {
	return Policy{
		MaxSubQueries:       cfg.MaxSubQueries,
		MaxRetries:          cfg.MaxRetries,
		MaxParallel:         cfg.MaxParallelRetrievals,
		RetrievalTimeout:    cfg.RetrievalTimeout,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}
}

// Deps are the collaborators of an Agent. Generator may be nil, in which case
// planning, evaluation and synthesis use their offline fallbacks.
type Deps struct {
	Retrieval    Retrieval
	Generator    port.Generator
	Packer       *usecase.PackUseCase
	Reformulator Reformulator
	Logger       *zap.Logger
}

// Agent executes research runs. It is safe for concurrent use; each Run owns
// its own State.
type Agent struct {
	retrieval    Retrieval
	planner      *Planner
	evaluator    *Evaluator
	reformulator Reformulator
	synthesizer  *Synthesizer
	policy       Policy
	logger       *zap.Logger
}

// New wires an agent from deps and the agent config section.
func New(deps Deps, cfg config.AgentConfig) (*Agent, error) {
	if deps.Retrieval == nil {
		return nil, fmt.Errorf("%w: agent needs a retrieval capability", domain.ErrInvalidInput)
	}
	if deps.Packer == nil {
		return nil, fmt.Errorf("%w: agent needs an evidence packer", domain.ErrInvalidInput)
	}
	policy := PolicyFromConfig(cfg)
	if policy.MaxParallel < 1 {
		policy.MaxParallel = 1
	}

	reform := deps.Reformulator
	if reform == nil {
		var err error
		reform, err = NewReformulator(cfg.Reformulation, deps.Generator)
		if err != nil {
			return nil, err
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Agent{
		retrieval:    deps.Retrieval,
		planner:      NewPlanner(deps.Generator, policy.MaxSubQueries),
		evaluator:    NewEvaluator(deps.Generator, policy.ConfidenceThreshold),
		reformulator: reform,
		synthesizer:  NewSynthesizer(deps.Generator, deps.Packer, cfg.SynthesisTokenBudget, cfg.ExtractiveFallbackSize),
		policy:       policy,
		logger:       logger.Named("agent"),
	}, nil
}

// run carries one execution.
type run struct {
	*Agent
	id     string
	state  *State
	sink   stream.Sink
	logger *zap.Logger
}

// Run drives the state machine to Done or Aborted and returns the report.
// It never fails: mid-run errors become error events on sink and are
// reflected in the report. The terminal done event is left to the caller.
func (a *Agent) Run(ctx context.Context, runID, question string, filters domain.Filters, sink stream.Sink) *domain.Report {
	if sink == nil {
		sink = stream.Discard
	}
	r := &run{
		Agent:  a,
		id:     runID,
		state:  newState(question, filters),
		sink:   sink,
		logger: a.logger.With(zap.String("run_id", runID)),
	}
	r.sink.Publish(stream.Event{Kind: stream.KindPhase, To: PhasePlanning.String()})
	r.logger.Debug("run started", zap.String("question", question))

	for !r.state.Phase.Terminal() {
		if err := ctx.Err(); err != nil {
			r.abort(fmt.Sprintf("cancelled: %v", err))
			break
		}

		var next Phase
		switch r.state.Phase {
		case PhasePlanning:
			next = r.plan(ctx)
		case PhaseRetrieving:
			next = r.retrieve(ctx)
		case PhaseEvaluating:
			next = r.evaluate(ctx)
		case PhaseRetrying:
			next = r.retry(ctx)
		case PhaseSynthesizing:
			next = r.synthesize(ctx)
		}

		if next == PhaseAborted {
			r.abort(r.state.AbortReason)
			break
		}
		r.enter(next)
	}

	report := r.state.Report(runID)
	r.logger.Info("run finished",
		zap.String("phase", r.state.Phase.String()),
		zap.String("confidence", string(report.Confidence)),
		zap.Int("claims", len(report.Claims)),
		zap.Int("rounds", report.Rounds),
	)
	return report
}

// enter performs a transition and records it. An illegal edge aborts.
func (r *run) enter(to Phase) {
	from := r.state.Phase
	if !from.CanTransition(to) {
		r.abort(fmt.Sprintf("illegal transition %s -> %s", from, to))
		return
	}
	r.state.Phase = to
	r.sink.Publish(stream.Event{Kind: stream.KindPhase, From: from.String(), To: to.String()})
}

func (r *run) abort(reason string) {
	from := r.state.Phase
	if from.Terminal() {
		return
	}
	if reason == "" {
		reason = "aborted"
	}
	r.state.AbortReason = reason
	r.state.Phase = PhaseAborted
	r.logger.Warn("run aborted", zap.String("from", from.String()), zap.String("reason", reason))
	r.sink.Publish(stream.Event{Kind: stream.KindPhase, From: from.String(), To: PhaseAborted.String(), Message: reason})
}

func (r *run) recordError(msg string, subQuery int) {
	r.sink.Publish(stream.Event{Kind: stream.KindError, Message: msg, SubQuery: subQuery})
}

func (r *run) fail(reason string) Phase {
	r.state.AbortReason = reason
	return PhaseAborted
}

func (r *run) plan(ctx context.Context) Phase {
	queries, err := r.planner.Plan(ctx, r.state.Question)
	if err != nil {
		if ctx.Err() != nil {
			return r.fail(fmt.Sprintf("cancelled: %v", ctx.Err()))
		}
		r.logger.Warn("planning failed, using the question as the only sub-query", zap.Error(err))
		r.recordError(err.Error(), 0)
	}
	for i, q := range queries {
		r.state.SubQueries = append(r.state.SubQueries, SubQuery{Index: i, Text: q})
		r.state.Pending = append(r.state.Pending, i)
	}
	r.sink.Publish(stream.Event{
		Kind:    stream.KindProgress,
		Message: fmt.Sprintf("planned %d sub-queries", len(queries)),
		Total:   len(queries),
	})
	return PhaseRetrieving
}

type outcome struct {
	set domain.EvidenceSet
	err error
}

// retrieve resolves every pending sub-query with bounded parallelism.
func (r *run) retrieve(ctx context.Context) Phase {
	pending := r.state.Pending
	results := make([]outcome, len(pending))

	var completed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(r.policy.MaxParallel)
	for i, idx := range pending {
		query := r.state.SubQueries[idx].Text
		g.Go(func() error {
			callCtx := ctx
			if r.policy.RetrievalTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.policy.RetrievalTimeout)
				defer cancel()
			}
			set, err := r.retrieval.Evidence(callCtx, query, r.state.Filters)
			results[i] = outcome{set: set, err: err}

			n := int(completed.Add(1))
			r.sink.Publish(stream.Event{
				Kind:      stream.KindProgress,
				Message:   fmt.Sprintf("sub-query %d of %d retrieved", n, len(pending)),
				SubQuery:  idx + 1,
				Completed: n,
				Total:     len(pending),
			})
			return nil
		})
	}
	_ = g.Wait()
	r.state.Rounds++

	if err := ctx.Err(); err != nil {
		return r.fail(fmt.Sprintf("cancelled: %v", err))
	}

	failed := 0
	for i, idx := range pending {
		res := results[i]
		var mismatch *domain.EmbeddingVersionMismatchError
		switch {
		case res.err == nil, errors.Is(res.err, domain.ErrEmptyIndex):
			set := res.set
			set.SubQuery = idx
			r.state.Evidence = append(r.state.Evidence, set)
			if set.Unreranked {
				r.state.Unreranked = true
				r.recordError("reranker unavailable, evidence kept in fused order", idx+1)
			}
		case errors.As(res.err, &mismatch):
			return r.fail(res.err.Error())
		case errors.Is(res.err, context.DeadlineExceeded):
			// a timed-out sub-query counts as empty evidence; the round goes on
			r.state.Evidence = append(r.state.Evidence, domain.EvidenceSet{
				Query:      r.state.SubQueries[idx].Text,
				SubQuery:   idx,
				Candidates: []domain.RetrievalCandidate{},
			})
			r.logger.Warn("sub-query retrieval timed out",
				zap.Int("sub_query", idx+1),
				zap.Duration("timeout", r.policy.RetrievalTimeout),
			)
			r.recordError(res.err.Error(), idx+1)
		default:
			failed++
			r.logger.Warn("sub-query retrieval failed",
				zap.Int("sub_query", idx+1),
				zap.String("query", r.state.SubQueries[idx].Text),
				zap.Error(res.err),
			)
			r.recordError(res.err.Error(), idx+1)
		}
	}

	if failed == len(pending) && !r.state.HasEvidence() {
		return r.fail(fmt.Sprintf("all %d sub-queries failed", failed))
	}
	r.state.Pending = nil
	return PhaseEvaluating
}

func (r *run) evaluate(ctx context.Context) Phase {
	v, err := r.evaluator.Evaluate(ctx, r.state)
	if err != nil {
		return r.fail(fmt.Sprintf("cancelled: %v", err))
	}
	r.state.Verdict = v
	if v.Degraded {
		r.state.LowConfidence = true
		r.recordError(v.Reason, 0)
	}
	r.logger.Debug("evidence evaluated",
		zap.Bool("sufficient", v.Sufficient),
		zap.Float64("confidence", v.Confidence),
		zap.Ints("unresolved", v.Unresolved),
		zap.Int("retries", r.state.Retries),
	)

	if v.Sufficient {
		return PhaseSynthesizing
	}
	if r.state.Retries < r.policy.MaxRetries && len(v.Unresolved) > 0 {
		return PhaseRetrying
	}
	r.state.LowConfidence = true
	return PhaseSynthesizing
}

// retry reformulates unresolved sub-queries, preferring the evaluator's
// suggestions over the configured strategy.
func (r *run) retry(ctx context.Context) Phase {
	r.state.Retries++
	suggestions := r.state.Verdict.Suggestions

	for j, idx := range r.state.Verdict.Unresolved {
		q := &r.state.SubQueries[idx]
		next := ""
		if j < len(suggestions) && !q.tried(suggestions[j]) {
			next = suggestions[j]
		} else {
			var err error
			next, err = r.reformulator.Reformulate(ctx, r.state.Question, q.Text, r.state.Retries)
			if err != nil {
				return r.fail(fmt.Sprintf("cancelled: %v", err))
			}
		}
		q.History = append(q.History, q.Text)
		q.Text = next
		r.state.Pending = append(r.state.Pending, idx)
		r.logger.Debug("sub-query reformulated", zap.Int("sub_query", idx+1), zap.String("query", next))
	}
	r.sink.Publish(stream.Event{
		Kind:    stream.KindProgress,
		Message: fmt.Sprintf("retry %d of %d: reformulated %d sub-queries", r.state.Retries, r.policy.MaxRetries, len(r.state.Pending)),
		Total:   len(r.state.Pending),
	})
	return PhaseRetrieving
}

// synthesize drafts claims and finalizes them one at a time so that a
// cancellation never leaves a half-written claim in the report.
func (r *run) synthesize(ctx context.Context) Phase {
	draft, err := r.synthesizer.Synthesize(ctx, r.state.Question, r.state.Evidence)
	if err != nil {
		return r.fail(fmt.Sprintf("cancelled: %v", err))
	}
	if draft.Degraded {
		r.state.LowConfidence = true
		r.logger.Warn("synthesis degraded to extractive claims", zap.String("reason", draft.Reason))
		r.recordError(draft.Reason, 0)
	}

	for _, c := range draft.Claims {
		if err := ctx.Err(); err != nil {
			return r.fail(fmt.Sprintf("cancelled: %v", err))
		}
		claim := c
		r.state.Claims = append(r.state.Claims, claim)
		r.sink.Publish(stream.Event{Kind: stream.KindClaim, Claim: &claim})
	}
	return PhaseDone
}

func (q SubQuery) tried(text string) bool {
	if text == q.Text {
		return true
	}
	for _, h := range q.History {
		if h == text {
			return true
		}
	}
	return false
}
