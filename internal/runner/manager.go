// Package runner owns research runs: it starts them detached from the
// caller, keeps their event logs for late attachment and serves results.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"finrag/internal/domain"
	"finrag/internal/metrics"
	"finrag/internal/stream"
)

// Researcher executes one run to completion.
type Researcher interface {
	Run(ctx context.Context, runID, question string, filters domain.Filters, sink stream.Sink) *domain.Report
}

// DefaultMaxRetained is the number of finished runs kept when no limit is set.
const DefaultMaxRetained = 256

type entry struct {
	id       string
	log      *stream.Log
	cancel   context.CancelFunc
	done     chan struct{}
	report   *domain.Report
	started  time.Time
	finished time.Time
}

// Manager tracks runs by id.
type Manager struct {
	researcher  Researcher
	maxRetained int
	logger      *zap.Logger

	mu       sync.Mutex
	runs     map[string]*entry
	finished []string // oldest first
	wg       sync.WaitGroup
	closed   bool
}

func NewManager(researcher Researcher, maxRetained int, logger *zap.Logger) *Manager {
	if maxRetained < 1 {
		maxRetained = DefaultMaxRetained
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		researcher:  researcher,
		maxRetained: maxRetained,
		logger:      logger.Named("runner"),
		runs:        make(map[string]*entry),
	}
}

// StartRun launches a run and returns its id immediately. The run does not
// inherit any caller context; it ends on completion, Cancel or Shutdown.
func (m *Manager) StartRun(question string, filters domain.Filters) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("%w: empty question", domain.ErrInvalidInput)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:      id,
		log:     stream.NewLog(id),
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("runner is shut down")
	}
	m.runs[e.id] = e
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.RunsStarted.Inc()
	metrics.ActiveRuns.Inc()
	m.logger.Info("run started", zap.String("run_id", e.id), zap.String("question", question))

	go m.execute(ctx, e, question, filters)
	return e.id, nil
}

func (m *Manager) execute(ctx context.Context, e *entry, question string, filters domain.Filters) {
	defer m.wg.Done()
	defer e.cancel()

	report := m.run(ctx, e, question, filters)

	m.mu.Lock()
	e.report = report
	e.finished = time.Now()
	m.finished = append(m.finished, e.id)
	m.evictLocked()
	m.mu.Unlock()

	outcome := "done"
	if report.Aborted {
		outcome = "aborted"
	}
	metrics.ActiveRuns.Dec()
	metrics.RunsFinished.WithLabelValues(outcome, string(report.Confidence)).Inc()
	metrics.RunDuration.Observe(e.finished.Sub(e.started).Seconds())

	e.log.Publish(stream.Event{
		Kind:    stream.KindDone,
		Message: outcome,
		Summary: &stream.Summary{
			Confidence: report.Confidence,
			Aborted:    report.Aborted,
			Claims:     len(report.Claims),
			Rounds:     report.Rounds,
		},
	})
	m.logger.Info("run finished",
		zap.String("run_id", e.id),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", e.finished.Sub(e.started)),
	)
	close(e.done)
}

// run calls the researcher and turns a panic into an aborted report so the
// run still finishes and its readers still see done.
func (m *Manager) run(ctx context.Context, e *entry, question string, filters domain.Filters) (report *domain.Report) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("run panicked", zap.String("run_id", e.id), zap.Any("panic", p), zap.Stack("stack"))
			report = &domain.Report{
				RunID:       e.id,
				Question:    question,
				Claims:      []domain.ReportClaim{},
				Confidence:  domain.ConfidenceLow,
				Aborted:     true,
				AbortReason: fmt.Sprintf("internal error: %v", p),
			}
		}
	}()
	report = m.researcher.Run(ctx, e.id, question, filters, e.log)
	if report == nil {
		report = &domain.Report{RunID: e.id, Question: question, Claims: []domain.ReportClaim{}, Confidence: domain.ConfidenceLow, Aborted: true, AbortReason: "internal error: no report"}
	}
	return report
}

func (m *Manager) evictLocked() {
	for len(m.finished) > m.maxRetained {
		id := m.finished[0]
		m.finished = m.finished[1:]
		delete(m.runs, id)
	}
}

func (m *Manager) lookup(runID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return e, nil
}

// AttachStream returns a reader over the run's events. Readers attached
// after the first event start with a checkpoint.
func (m *Manager) AttachStream(runID string) (*stream.Reader, error) {
	e, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return e.log.Attach(), nil
}

// GetResult returns the final report once the run is Done or Aborted.
func (m *Manager) GetResult(runID string) (*domain.Report, error) {
	e, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.report == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFinished, runID)
	}
	return e.report, nil
}

// Wait blocks until the run finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, runID string) (*domain.Report, error) {
	e, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-e.done:
		return m.GetResult(runID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the run finishes.
func (m *Manager) Done(runID string) (<-chan struct{}, error) {
	e, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

// Cancel asks a run to stop. The run still ends with a report, tagged aborted.
func (m *Manager) Cancel(runID string) error {
	e, err := m.lookup(runID)
	if err != nil {
		return err
	}
	e.cancel()
	return nil
}

// Shutdown cancels every active run and waits for them to finish or for ctx
// to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.runs {
		e.cancel()
	}
	m.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
