package stream

import (
	"context"
	"io"
	"sync"
	"time"
)

// Log is an append-only event buffer for one run with broadcast semantics.
// Readers attached before the first event see every event; readers attached
// later get a checkpoint first and then live events. The log is finished by
// its first KindDone event.
type Log struct {
	runID string
	now   func() time.Time

	mu       sync.Mutex
	events   []Event
	notify   chan struct{}
	finished bool
	state    Checkpoint
}

func NewLog(runID string) *Log {
	return &Log{
		runID:  runID,
		now:    time.Now,
		notify: make(chan struct{}),
	}
}

// Publish appends e, stamping Seq, RunID and Time. Events after the terminal
// event are dropped.
func (l *Log) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}

	e.Seq = len(l.events) + 1
	e.RunID = l.runID
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.events = append(l.events, e)

	l.state.Events = e.Seq
	switch e.Kind {
	case KindPhase:
		l.state.Phase = e.To
	case KindProgress:
		l.state.Progress++
	case KindClaim:
		l.state.Claims++
	case KindError:
		l.state.Errors++
	case KindDone:
		l.finished = true
		l.state.Finished = true
	}

	close(l.notify)
	l.notify = make(chan struct{})
}

// Finished reports whether the terminal event was published.
func (l *Log) Finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

// Len returns the number of events published so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Attach returns a reader positioned at the current end of the log.
func (l *Log) Attach() *Reader {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &Reader{log: l, cursor: len(l.events)}
	if len(l.events) > 0 {
		cp := l.state
		r.pending = &Event{
			Seq:        cp.Events,
			RunID:      l.runID,
			Kind:       KindCheckpoint,
			Time:       l.now(),
			Checkpoint: &cp,
		}
	}
	return r
}

// Reader is one consumer's cursor into a Log. A Reader is not safe for
// concurrent use; attach one per consumer.
type Reader struct {
	log     *Log
	cursor  int
	pending *Event
}

// Next blocks until the next event is available. It returns io.EOF once the
// terminal event has been delivered, or ctx.Err() if ctx ends first.
func (r *Reader) Next(ctx context.Context) (Event, error) {
	if r.pending != nil {
		e := *r.pending
		r.pending = nil
		return e, nil
	}
	for {
		r.log.mu.Lock()
		if r.cursor < len(r.log.events) {
			e := r.log.events[r.cursor]
			r.cursor++
			r.log.mu.Unlock()
			return e, nil
		}
		if r.log.finished {
			r.log.mu.Unlock()
			return Event{}, io.EOF
		}
		wait := r.log.notify
		r.log.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Collect reads until io.EOF and returns every event received.
func (r *Reader) Collect(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		e, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
