// Package stream turns a research run into an ordered, broadcast event log.
package stream

import (
	"time"

	"finrag/internal/domain"
)

// Kind is the type of a progress event.
type Kind string

const (
	KindPhase      Kind = "phase"
	KindProgress   Kind = "progress"
	KindError      Kind = "error"
	KindClaim      Kind = "claim"
	KindCheckpoint Kind = "checkpoint"
	KindDone       Kind = "done"
)

// Event is one entry of a run's progress stream. Seq starts at 1 and has no
// gaps; a checkpoint carries the Seq of the last event it summarizes.
type Event struct {
	Seq     int       `json:"seq"`
	RunID   string    `json:"run_id"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Message string    `json:"message,omitempty"`

	SubQuery  int `json:"sub_query,omitempty"`
	Completed int `json:"completed,omitempty"`
	Total     int `json:"total,omitempty"`

	Claim      *domain.ReportClaim `json:"claim,omitempty"`
	Summary    *Summary            `json:"summary,omitempty"`
	Checkpoint *Checkpoint         `json:"checkpoint,omitempty"`
}

// Summary is carried by the terminal event.
type Summary struct {
	Confidence domain.Confidence `json:"confidence"`
	Aborted    bool              `json:"aborted"`
	Claims     int               `json:"claims"`
	Rounds     int               `json:"rounds"`
}

// Checkpoint summarizes everything a late reader missed.
type Checkpoint struct {
	Phase    string `json:"phase"`
	Events   int    `json:"events"`
	Progress int    `json:"progress"`
	Claims   int    `json:"claims"`
	Errors   int    `json:"errors"`
	Finished bool   `json:"finished"`
}

// Sink receives events from a run. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(e Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}
